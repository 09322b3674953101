package api

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/veritydir/chainlog/internal/events"
)

func dialStream(t *testing.T, env *testEnv) *websocket.Conn {
	t.Helper()
	ts := httptest.NewServer(env.server.Handler())
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestStream_ReceivesAppendedEntries(t *testing.T) {
	env := newTestEnv(t)
	conn := dialStream(t, env)

	// Registration races the append; wait for the client to attach.
	deadline := time.After(time.Second)
	for env.server.wsManager.ClientCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("client never registered")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}

	entry := env.appendEntry(t, validInput())

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, frame, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg struct {
		Type string          `json:"type"`
		Data events.LogData  `json:"data"`
	}
	require.NoError(t, json.Unmarshal(frame, &msg))
	require.Equal(t, "LOG", msg.Type)
	require.Equal(t, entry.ID, msg.Data.ID)
	require.Equal(t, entry.CurrHash, msg.Data.Hash)
}

func TestStream_KindFilter(t *testing.T) {
	env := newTestEnv(t)
	conn := dialStream(t, env)

	deadline := time.After(time.Second)
	for env.server.wsManager.ClientCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("client never registered")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}

	// Narrow the feed to alerts only.
	err := conn.WriteJSON(map[string]any{"action": "subscribe", "kinds": []string{"ALERT"}})
	require.NoError(t, err)
	// Give the read pump a moment to apply the filter.
	time.Sleep(50 * time.Millisecond)

	env.appendEntry(t, validInput())
	env.hub.EmitAlert(events.AlertData{Type: "anomaly", Message: "burst"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, frame, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg struct {
		Type string `json:"type"`
	}
	require.NoError(t, json.Unmarshal(frame, &msg))
	require.Equal(t, "ALERT", msg.Type)
}

// Filter edits race broadcasts; the per-client lock keeps them safe.
func TestStream_ConcurrentFilterEdits(t *testing.T) {
	env := newTestEnv(t)
	conn := dialStream(t, env)

	deadline := time.After(time.Second)
	for env.server.wsManager.ClientCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("client never registered")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			env.hub.EmitAlert(events.AlertData{Type: "anomaly", Message: "burst"})
		}
	}()

	for i := 0; i < 50; i++ {
		action := "subscribe"
		if i%2 == 1 {
			action = "unsubscribe"
		}
		err := conn.WriteJSON(map[string]any{"action": action, "kinds": []string{"ALERT"}})
		require.NoError(t, err)
	}
	<-done
}

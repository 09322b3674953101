package audit

import (
	"context"
	"testing"
	"time"

	"github.com/veritydir/chainlog/internal/events"
)

type captureSink struct {
	entryIDs []string
	messages []string
}

func (c *captureSink) OpenIntegrityBreak(ctx context.Context, entryID, message string) (string, error) {
	c.entryIDs = append(c.entryIDs, entryID)
	c.messages = append(c.messages, message)
	return "inc-1", nil
}

func TestVerifier_EmptyChainIsValid(t *testing.T) {
	store := newTestStore(t)
	v := NewVerifier(store, nil, nil, nil)

	res, err := v.Verify(context.Background(), 0)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !res.IsValid {
		t.Error("empty chain reported invalid")
	}
}

func TestVerifier_ValidChain(t *testing.T) {
	store := newTestStore(t)
	w := NewWriter(store, nil, nil, nil)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if _, err := w.Append(ctx, testInput()); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	v := NewVerifier(store, nil, nil, nil)
	res, err := v.Verify(ctx, 0)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !res.IsValid {
		t.Errorf("valid chain reported broken at %s", res.BrokenAtEntryID)
	}
	if res.CheckedTo != 10 {
		t.Errorf("checked to %d, want 10", res.CheckedTo)
	}
}

func TestVerifier_DetectsTamperedField(t *testing.T) {
	store := newTestStore(t)
	w := NewWriter(store, nil, nil, nil)
	ctx := context.Background()

	var entries []Entry
	for i := 0; i < 5; i++ {
		e, err := w.Append(ctx, testInput())
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		entries = append(entries, e)
	}

	// Rewrite a stored field directly, leaving the hashes untouched.
	victim := entries[2]
	if err := store.TamperRaw(ctx, victim.ID, "details", "amount changed to 999999"); err != nil {
		t.Fatalf("tamper: %v", err)
	}

	sink := &captureSink{}
	hub := events.NewHub()
	alerts := hub.Subscribe(4, events.KindAlert)

	v := NewVerifier(store, sink, hub, nil)
	res, err := v.Verify(ctx, 0)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if res.IsValid {
		t.Fatal("tampered chain reported valid")
	}
	if res.BrokenAtEntryID != victim.ID {
		t.Errorf("break at %s, want %s", res.BrokenAtEntryID, victim.ID)
	}

	if len(sink.entryIDs) != 1 || sink.entryIDs[0] != victim.ID {
		t.Errorf("incident sink got %v, want [%s]", sink.entryIDs, victim.ID)
	}

	select {
	case ev := <-alerts:
		data := ev.Data.(events.AlertData)
		if data.Type != "integrity_break" || data.RelatedEntryID != victim.ID {
			t.Errorf("alert = %+v", data)
		}
	case <-time.After(100 * time.Millisecond):
		t.Error("no alert broadcast")
	}
}

func TestVerifier_ReportsFirstDivergence(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	entries := appendChained(t, store, 4, "invoice")

	// Two separate modifications; only the earliest is reported.
	if err := store.TamperRaw(ctx, entries[1].ID, "actor_id", "someone-else"); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	if err := store.TamperRaw(ctx, entries[3].ID, "target_id", "other"); err != nil {
		t.Fatalf("tamper: %v", err)
	}

	v := NewVerifier(store, nil, nil, nil)
	res, err := v.Verify(ctx, 0)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if res.IsValid {
		t.Fatal("tampered chain reported valid")
	}
	if res.BrokenAtEntryID != entries[1].ID {
		t.Errorf("break at %s, want first divergent entry %s", res.BrokenAtEntryID, entries[1].ID)
	}
}

func TestVerifier_BridgesTombstones(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	entries := appendChained(t, store, 6, "session")

	if err := store.PurgeBatch(ctx, entries[2:4], "retention", time.Now().UTC()); err != nil {
		t.Fatalf("purge: %v", err)
	}

	v := NewVerifier(store, nil, nil, nil)
	res, err := v.Verify(ctx, 0)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !res.IsValid {
		t.Errorf("recorded purge gap reported as break at %s", res.BrokenAtEntryID)
	}
}

func TestVerifier_FromCheckpoint(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	entries := appendChained(t, store, 6, "invoice")

	// Tamper before the checkpoint; a checkpointed walk must not see it.
	if err := store.TamperRaw(ctx, entries[0].ID, "details", "x"); err != nil {
		t.Fatalf("tamper: %v", err)
	}

	v := NewVerifier(store, nil, nil, nil)

	res, err := v.Verify(ctx, entries[2].Seq)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !res.IsValid {
		t.Error("checkpointed walk flagged a pre-checkpoint change")
	}
	if res.CheckedFrom != entries[2].Seq || res.CheckedTo != entries[5].Seq {
		t.Errorf("checked (%d, %d], want (%d, %d]",
			res.CheckedFrom, res.CheckedTo, entries[2].Seq, entries[5].Seq)
	}

	full, err := v.Verify(ctx, 0)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if full.IsValid {
		t.Error("full walk missed the tampered entry")
	}
}

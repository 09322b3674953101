package audit

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/veritydir/chainlog/internal/clock"
	"github.com/veritydir/chainlog/internal/events"
	"github.com/veritydir/chainlog/internal/logging"
	"github.com/veritydir/chainlog/internal/metrics"
)

// Writer is the only component allowed to append to the chain. It owns the
// single contended critical section in the system: reading the previous
// hash and committing the new entry happen under one mutex, so two
// concurrent appends can never claim the same predecessor.
type Writer struct {
	store  *Store
	hub    *events.Hub
	clk    clock.Clock
	logger *logging.Logger

	mu sync.Mutex
}

// NewWriter creates the chain writer. hub may be nil in tests that do not
// exercise broadcasting.
func NewWriter(store *Store, hub *events.Hub, clk clock.Clock, logger *logging.Logger) *Writer {
	if clk == nil {
		clk = &clock.RealClock{}
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Writer{
		store:  store,
		hub:    hub,
		clk:    clk,
		logger: logger.WithComponent("chain-writer"),
	}
}

// Append validates the input, links it to the chain head, and durably
// commits it. After the commit succeeds the entry is handed to the
// realtime bus; broadcast failure can never roll back the append.
//
// CreatedAt is clamped to the head's timestamp so it is monotonically
// non-decreasing across the chain even if the wall clock steps backward.
func (w *Writer) Append(ctx context.Context, in Input) (Entry, error) {
	if err := in.Validate(); err != nil {
		return Entry{}, err
	}

	e, err := w.commit(ctx, in)
	if err != nil {
		metrics.Get().AppendFailures.Inc()
		w.logger.Error("append failed", "action", in.Action, "actor", in.ActorID, "error", err)
		if w.hub != nil {
			w.hub.EmitAlert(events.AlertData{
				Type:    "append_failure",
				Message: "audit append failed: " + err.Error(),
			})
		}
		return Entry{}, err
	}

	m := metrics.Get()
	m.AppendsTotal.WithLabelValues(string(e.Action)).Inc()
	m.ChainLength.Set(float64(e.Seq))

	if w.hub != nil {
		w.hub.EmitLog(events.LogData{
			ID:         e.ID,
			ActorID:    e.ActorID,
			ActorRole:  e.ActorRole,
			Action:     string(e.Action),
			EntityType: e.EntityType,
			TargetID:   e.TargetID,
			CreatedAt:  e.CreatedAt,
			Hash:       e.CurrHash,
		})
	}

	return e, nil
}

func (w *Writer) commit(ctx context.Context, in Input) (Entry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	head, err := w.store.Head(ctx)
	if err != nil {
		return Entry{}, err
	}

	now := w.clk.Now().UTC()
	if now.Before(head.CreatedAt) {
		now = head.CreatedAt
	}

	e := Entry{
		ID:         uuid.NewString(),
		ActorID:    in.ActorID,
		ActorRole:  in.ActorRole,
		Action:     in.Action,
		EntityType: in.EntityType,
		TargetID:   in.TargetID,
		Details:    in.Details,
		IPAddress:  in.IPAddress,
		CreatedAt:  now,
		PrevHash:   head.Hash,
	}
	e.CurrHash = ComputeHash(head.Hash, e)

	return w.store.Append(ctx, e)
}

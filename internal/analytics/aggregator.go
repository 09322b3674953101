// Package analytics computes read-only rollups over the audit chain for
// dashboard summaries. It never mutates state; a summary reflects log
// contents as of query time and tolerates concurrent appends.
package analytics

import (
	"context"
	"time"

	"github.com/veritydir/chainlog/internal/audit"
	"github.com/veritydir/chainlog/internal/clock"
)

// DefaultTopActors is how many actors the ranking returns.
const DefaultTopActors = 10

// Summary is one dashboard rollup.
type Summary struct {
	Window       string                `json:"window"`
	WindowStart  time.Time             `json:"windowStart"`
	ActionCounts map[string]int64      `json:"actionCounts"`
	TopActors    []audit.ActorActivity `json:"topActors"`
	TotalEntries int64                 `json:"totalEntries"`
}

// Aggregator summarizes chain contents.
type Aggregator struct {
	store *audit.Store
	clk   clock.Clock
}

// NewAggregator creates an aggregator over the chain store.
func NewAggregator(store *audit.Store, clk clock.Clock) *Aggregator {
	if clk == nil {
		clk = &clock.RealClock{}
	}
	return &Aggregator{store: store, clk: clk}
}

// Summarize returns the action-count distribution and top-actor ranking
// for the trailing window.
func (a *Aggregator) Summarize(ctx context.Context, window time.Duration) (Summary, error) {
	if window <= 0 {
		window = 24 * time.Hour
	}
	since := a.clk.Now().UTC().Add(-window)

	counts, err := a.store.CountsByAction(ctx, since)
	if err != nil {
		return Summary{}, err
	}
	actors, err := a.store.TopActors(ctx, since, DefaultTopActors)
	if err != nil {
		return Summary{}, err
	}
	total, err := a.store.Count(ctx)
	if err != nil {
		return Summary{}, err
	}

	return Summary{
		Window:       window.String(),
		WindowStart:  since,
		ActionCounts: counts,
		TopActors:    actors,
		TotalEntries: total,
	}, nil
}

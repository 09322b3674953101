package retention

import (
	"context"
	"fmt"

	"github.com/veritydir/chainlog/internal/audit"
	"github.com/veritydir/chainlog/internal/clock"
	"github.com/veritydir/chainlog/internal/logging"
	"github.com/veritydir/chainlog/internal/metrics"
)

// DefaultBatchSize bounds one archive+purge unit so a sweep never holds a
// long transaction over the chain.
const DefaultBatchSize = 100

// Result reports exactly what one sweep accomplished. A failure partway
// through leaves already-committed batches intact and still reported here.
type Result struct {
	Archived         int `json:"archived"`
	Purged           int `json:"purged"`
	Flagged          int `json:"flagged"`
	SkippedLegalHold int `json:"skippedLegalHold"`
	ArchiveFailures  int `json:"archiveFailures"`
}

// Engine runs retention sweeps. It owns archival and purge decisions but
// never computes hashes; purging goes through the chain store, which
// records tombstones so existing hash links are never rewritten.
type Engine struct {
	entries   *audit.Store
	policies  *PolicyStore
	archiver  Archiver
	clk       clock.Clock
	logger    *logging.Logger
	batchSize int
}

// NewEngine creates a retention engine.
func NewEngine(entries *audit.Store, policies *PolicyStore, archiver Archiver, clk clock.Clock, logger *logging.Logger, batchSize int) *Engine {
	if clk == nil {
		clk = &clock.RealClock{}
	}
	if logger == nil {
		logger = logging.Default()
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Engine{
		entries:   entries,
		policies:  policies,
		archiver:  archiver,
		clk:       clk,
		logger:    logger.WithComponent("retention"),
		batchSize: batchSize,
	}
}

// RunSweep evaluates every policy against entry age and legal hold.
// Policies are read fresh on each run so operator edits apply on the next
// sweep. The context cancels between batches; completed batches stay
// committed.
func (e *Engine) RunSweep(ctx context.Context) (Result, error) {
	metrics.Get().SweepRuns.Inc()

	policies, err := e.policies.List(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("load policies: %w", err)
	}

	var res Result
	for _, p := range policies {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := e.sweepPolicy(ctx, p, &res); err != nil {
			// Report what already succeeded alongside the failure.
			return res, fmt.Errorf("sweep %s: %w", p.EntityType, err)
		}
	}

	e.logger.Info("sweep complete",
		"archived", res.Archived, "purged", res.Purged,
		"flagged", res.Flagged, "skipped_legal_hold", res.SkippedLegalHold)
	return res, nil
}

func (e *Engine) sweepPolicy(ctx context.Context, p Policy, res *Result) error {
	cutoff := e.clk.Now().UTC().AddDate(0, 0, -p.RetentionDays)

	// Legal hold takes absolute precedence over age and autoPurge:
	// nothing of this type is purged or archived, only counted.
	if p.LegalHold {
		n, err := e.entries.CountEligible(ctx, p.EntityType, cutoff)
		if err != nil {
			return err
		}
		res.SkippedLegalHold += int(n)
		metrics.Get().SkippedLegalHold.Add(float64(n))
		return nil
	}

	if !p.AutoPurge {
		n, err := e.entries.CountEligible(ctx, p.EntityType, cutoff)
		if err != nil {
			return err
		}
		if n > 0 {
			e.logger.Warn("entries eligible for manual purge",
				"entity_type", p.EntityType, "count", n)
		}
		res.Flagged += int(n)
		metrics.Get().EntriesFlagged.Add(float64(n))
		return nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		batch, err := e.entries.ListEligible(ctx, p.EntityType, cutoff, e.batchSize)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}

		purgeSet := batch
		if p.ArchiveBeforeDelete {
			purgeSet = purgeSet[:0]
			for _, entry := range batch {
				if err := e.archiver.Archive(ctx, entry); err != nil {
					// Archive-before-delete is per entry: a failed archive
					// excludes only that entry from this sweep's purge set;
					// it is retried on the next run.
					e.logger.Error("archive failed, purge deferred",
						"entry", entry.ID, "entity_type", p.EntityType, "error", err)
					res.ArchiveFailures++
					metrics.Get().ArchiveFailures.Inc()
					continue
				}
				res.Archived++
				metrics.Get().EntriesArchived.Inc()
				purgeSet = append(purgeSet, entry)
			}
		}

		if err := e.entries.PurgeBatch(ctx, purgeSet, "retention", e.clk.Now().UTC()); err != nil {
			return err
		}
		res.Purged += len(purgeSet)
		metrics.Get().EntriesPurged.Add(float64(len(purgeSet)))

		// Entries whose archival failed stay in the store; if the whole
		// batch was deferred, stop rather than reselect the same rows.
		if len(purgeSet) < len(batch) {
			return nil
		}
		if len(batch) < e.batchSize {
			return nil
		}
	}
}

package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/veritydir/chainlog/internal/audit"
	"github.com/veritydir/chainlog/internal/events"
	"github.com/veritydir/chainlog/internal/incident"
	"github.com/veritydir/chainlog/internal/logging"
	"github.com/veritydir/chainlog/internal/metrics"
	"github.com/veritydir/chainlog/internal/retention"
)

// NewRetentionSweepTask creates the periodic retention sweep.
func NewRetentionSweepTask(engine *retention.Engine, interval time.Duration) *Task {
	return &Task{
		ID:          "retention-sweep",
		Name:        "Retention Sweep",
		Description: "Archive and purge entries per retention policy",
		Schedule:    Every(interval),
		Enabled:     true,
		RunOnStart:  false,
		Timeout:     10 * time.Minute,
		Func: func(ctx context.Context) error {
			_, err := engine.RunSweep(ctx)
			return err
		},
	}
}

// NewIntegrityCheckTask creates the periodic full-chain verification.
func NewIntegrityCheckTask(verifier *audit.Verifier, interval time.Duration) *Task {
	return &Task{
		ID:          "integrity-check",
		Name:        "Integrity Check",
		Description: "Verify the audit chain end to end",
		Schedule:    Every(interval),
		Enabled:     true,
		RunOnStart:  true,
		Timeout:     5 * time.Minute,
		Func: func(ctx context.Context) error {
			res, err := verifier.Verify(ctx, 0)
			if err != nil {
				return err
			}
			if !res.IsValid {
				return fmt.Errorf("%w at entry %s", audit.ErrIntegrity, res.BrokenAtEntryID)
			}
			return nil
		},
	}
}

// AnomalyConfig tunes the burst detector.
type AnomalyConfig struct {
	Window    time.Duration // how far back to look
	Threshold int64         // actions by one actor within the window
}

// NewAnomalyScanTask creates a task that opens an incident and alerts when
// a single actor produces a suspicious burst of privileged actions.
func NewAnomalyScanTask(store *audit.Store, incidents *incident.Store, hub *events.Hub, logger *logging.Logger, cfg AnomalyConfig, interval time.Duration) *Task {
	if logger == nil {
		logger = logging.Default()
	}
	log := logger.WithComponent("anomaly")
	if cfg.Window <= 0 {
		cfg.Window = 10 * time.Minute
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = 100
	}

	return &Task{
		ID:          "anomaly-scan",
		Name:        "Anomaly Scan",
		Description: "Flag suspicious bursts of administrative actions",
		Schedule:    Every(interval),
		Enabled:     true,
		RunOnStart:  false,
		Timeout:     time.Minute,
		Func: func(ctx context.Context) error {
			since := time.Now().UTC().Add(-cfg.Window)
			counts, err := store.CountByActorSince(ctx, since)
			if err != nil {
				return err
			}
			for actor, n := range counts {
				if n < cfg.Threshold {
					continue
				}
				msg := fmt.Sprintf("actor %s performed %d actions in %s", actor, n, cfg.Window)
				log.Warn("anomalous action burst", "actor", actor, "count", n)
				metrics.Get().IncidentsOpened.WithLabelValues(incident.TypeAnomaly).Inc()

				var incidentID string
				if incidents != nil {
					id, err := incidents.OpenAnomaly(ctx, actor, msg)
					if err != nil {
						log.Error("failed to open incident", "error", err)
					} else {
						incidentID = id
					}
				}
				if hub != nil {
					hub.EmitAlert(events.AlertData{
						IncidentID: incidentID,
						Type:       incident.TypeAnomaly,
						Message:    msg,
					})
				}
			}
			return nil
		},
	}
}

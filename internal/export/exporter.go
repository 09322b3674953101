// Package export materializes consistent snapshots of the audit chain into
// portable artifacts, tracked as jobs. A snapshot is taken as of a recorded
// chain checkpoint so its completeness is auditable after the fact.
package export

import (
	"context"
	"database/sql"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/veritydir/chainlog/internal/audit"
	"github.com/veritydir/chainlog/internal/clock"
	"github.com/veritydir/chainlog/internal/logging"
	"github.com/veritydir/chainlog/internal/metrics"
)

// Job types and formats.
const (
	TypeAuditLogs = "AUDIT_LOGS"

	FormatJSON = "JSON"
	FormatCSV  = "CSV"
)

// Job statuses.
const (
	StatusPending  = "PENDING"
	StatusComplete = "COMPLETE"
	StatusFailed   = "FAILED"
)

var (
	// ErrJobNotFound indicates the requested export job does not exist.
	ErrJobNotFound = errors.New("export job not found")

	// ErrExportFailed indicates the snapshot could not be completed
	// consistently; the job is marked FAILED and no artifact is published.
	ErrExportFailed = errors.New("export failed")
)

// Job is one compliance export request. Jobs are mutated only by the
// exporter and never deleted by the engine.
type Job struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	Format        string    `json:"format"`
	Status        string    `json:"status"`
	CheckpointSeq int64     `json:"checkpointSeq"`
	RequestedAt   time.Time `json:"requestedAt"`
	CompletedAt   time.Time `json:"completedAt,omitempty"`
	Artifact      string    `json:"artifactLocation,omitempty"`
	Error         string    `json:"error,omitempty"`
}

// Exporter runs export jobs against the chain store.
type Exporter struct {
	db      *sql.DB
	entries *audit.Store
	dir     string
	clk     clock.Clock
	logger  *logging.Logger
}

// NewExporter prepares the job schema and artifact directory.
func NewExporter(db *sql.DB, entries *audit.Store, dir string, clk clock.Clock, logger *logging.Logger) (*Exporter, error) {
	if clk == nil {
		clk = &clock.RealClock{}
	}
	if logger == nil {
		logger = logging.Default()
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create export dir: %w", err)
	}
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS export_jobs (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			format TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'PENDING',
			checkpoint_seq INTEGER NOT NULL,
			requested_unix INTEGER NOT NULL,
			completed_unix INTEGER NOT NULL DEFAULT 0,
			artifact TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT ''
		);
	`)
	if err != nil {
		return nil, fmt.Errorf("create export schema: %w", err)
	}
	return &Exporter{db: db, entries: entries, dir: dir, clk: clk, logger: logger.WithComponent("exporter")}, nil
}

// Request records a job at the current chain checkpoint and runs it to
// completion. A cancelled or failed run marks the job FAILED and removes
// any partial artifact; a COMPLETE job always has a whole one.
func (x *Exporter) Request(ctx context.Context, typ, format string) (Job, error) {
	if typ != TypeAuditLogs {
		return Job{}, fmt.Errorf("unsupported export type %q", typ)
	}
	format = strings.ToUpper(format)
	if format != FormatJSON && format != FormatCSV {
		return Job{}, fmt.Errorf("unsupported export format %q", format)
	}

	// The job record and its checkpoint are written under a fresh context:
	// only the snapshot run honors the caller's cancellation, so even a
	// request cancelled up front leaves a durable FAILED job.
	head, err := x.entries.Head(context.Background())
	if err != nil {
		return Job{}, err
	}

	job := Job{
		ID:            uuid.NewString(),
		Type:          typ,
		Format:        format,
		Status:        StatusPending,
		CheckpointSeq: head.Seq,
		RequestedAt:   x.clk.Now().UTC(),
	}
	_, err = x.db.ExecContext(context.Background(), `
		INSERT INTO export_jobs (id, type, format, status, checkpoint_seq, requested_unix)
		VALUES (?, ?, ?, ?, ?, ?)
	`, job.ID, job.Type, job.Format, job.Status, job.CheckpointSeq, job.RequestedAt.UnixNano())
	if err != nil {
		return Job{}, fmt.Errorf("insert job: %w", err)
	}

	artifact, runErr := x.run(ctx, job)
	now := x.clk.Now().UTC()
	if runErr != nil {
		job.Status = StatusFailed
		job.Error = runErr.Error()
		job.CompletedAt = now
		x.logger.Error("export failed", "job", job.ID, "error", runErr)
		metrics.Get().ExportJobs.WithLabelValues(StatusFailed).Inc()
	} else {
		job.Status = StatusComplete
		job.Artifact = artifact
		job.CompletedAt = now
		metrics.Get().ExportJobs.WithLabelValues(StatusComplete).Inc()
	}

	// Finalize with a fresh context: a cancelled request must still leave
	// the job durably marked FAILED rather than stuck PENDING.
	_, err = x.db.ExecContext(context.Background(), `
		UPDATE export_jobs SET status = ?, completed_unix = ?, artifact = ?, error = ? WHERE id = ?
	`, job.Status, now.UnixNano(), job.Artifact, job.Error, job.ID)
	if err != nil {
		return Job{}, fmt.Errorf("finalize job: %w", err)
	}

	if runErr != nil {
		return job, fmt.Errorf("%w: %v", ErrExportFailed, runErr)
	}
	return job, nil
}

// run writes the artifact to a temp file and renames it into place only on
// success, so no partial artifact is ever visible under the final name.
func (x *Exporter) run(ctx context.Context, job Job) (string, error) {
	ext := ".json"
	if job.Format == FormatCSV {
		ext = ".csv"
	}
	final := filepath.Join(x.dir, fmt.Sprintf("audit-%s%s", job.ID, ext))
	tmp := final + ".tmp"

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0640)
	if err != nil {
		return "", fmt.Errorf("create artifact: %w", err)
	}

	var writeErr error
	switch job.Format {
	case FormatCSV:
		writeErr = x.writeCSV(ctx, f, job.CheckpointSeq)
	default:
		writeErr = x.writeJSON(ctx, f, job.CheckpointSeq)
	}

	if writeErr == nil {
		writeErr = f.Sync()
	}
	if closeErr := f.Close(); writeErr == nil {
		writeErr = closeErr
	}
	if writeErr != nil {
		os.Remove(tmp)
		return "", writeErr
	}

	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("publish artifact: %w", err)
	}
	return final, nil
}

func (x *Exporter) writeCSV(ctx context.Context, f *os.File, checkpoint int64) error {
	w := csv.NewWriter(f)
	if err := w.Write([]string{"date_time", "actor", "action", "entity", "details", "hash"}); err != nil {
		return err
	}
	err := x.entries.EntriesUpTo(ctx, checkpoint, func(e audit.Entry) error {
		return w.Write([]string{
			e.CreatedAt.UTC().Format(time.RFC3339Nano),
			e.ActorID,
			string(e.Action),
			e.EntityType,
			e.Details,
			e.CurrHash,
		})
	})
	if err != nil {
		return err
	}
	w.Flush()
	return w.Error()
}

func (x *Exporter) writeJSON(ctx context.Context, f *os.File, checkpoint int64) error {
	var list []audit.Entry
	err := x.entries.EntriesUpTo(ctx, checkpoint, func(e audit.Entry) error {
		list = append(list, e)
		return nil
	})
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(list)
}

// Get returns one job by id.
func (x *Exporter) Get(ctx context.Context, id string) (Job, error) {
	row := x.db.QueryRowContext(ctx, `
		SELECT id, type, format, status, checkpoint_seq, requested_unix, completed_unix, artifact, error
		FROM export_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrJobNotFound
	}
	if err != nil {
		return Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// List returns jobs, newest first.
func (x *Exporter) List(ctx context.Context, limit int) ([]Job, error) {
	query := `SELECT id, type, format, status, checkpoint_seq, requested_unix, completed_unix, artifact, error
		FROM export_jobs ORDER BY requested_unix DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := x.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func scanJob(row interface{ Scan(...any) error }) (Job, error) {
	var j Job
	var requested, completed int64
	err := row.Scan(&j.ID, &j.Type, &j.Format, &j.Status, &j.CheckpointSeq, &requested, &completed, &j.Artifact, &j.Error)
	if err != nil {
		return Job{}, err
	}
	j.RequestedAt = time.Unix(0, requested).UTC()
	if completed > 0 {
		j.CompletedAt = time.Unix(0, completed).UTC()
	}
	return j, nil
}

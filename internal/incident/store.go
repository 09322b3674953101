// Package incident tracks detected anomalies: integrity breaks, suspicious
// action bursts, append failures. Incidents are opened by the engine,
// resolved by operators, and never silently deleted.
package incident

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/veritydir/chainlog/internal/clock"
)

// Incident types.
const (
	TypeIntegrityBreak = "integrity_break"
	TypeAnomaly        = "anomaly"
	TypeAppendFailure  = "append_failure"
)

// Incident statuses.
const (
	StatusOpen         = "OPEN"
	StatusAcknowledged = "ACKNOWLEDGED"
	StatusClosed       = "CLOSED"
)

// ErrNotFound indicates the requested incident does not exist.
var ErrNotFound = errors.New("incident not found")

// Incident is one detected anomaly.
type Incident struct {
	ID             string    `json:"id"`
	Type           string    `json:"type"`
	Status         string    `json:"status"`
	Message        string    `json:"message"`
	RelatedEntryID string    `json:"relatedEntryId,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Store persists incidents in SQLite.
type Store struct {
	db  *sql.DB
	clk clock.Clock
}

// NewStore prepares the incident schema on the given database.
func NewStore(db *sql.DB, clk clock.Clock) (*Store, error) {
	if clk == nil {
		clk = &clock.RealClock{}
	}
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS incidents (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'OPEN',
			message TEXT NOT NULL,
			related_entry_id TEXT NOT NULL DEFAULT '',
			created_unix INTEGER NOT NULL,
			updated_unix INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_incidents_status ON incidents(status);
		CREATE INDEX IF NOT EXISTS idx_incidents_type ON incidents(type);
	`)
	if err != nil {
		return nil, fmt.Errorf("create incident schema: %w", err)
	}
	return &Store{db: db, clk: clk}, nil
}

// Open creates a new OPEN incident and returns it.
func (s *Store) Open(ctx context.Context, typ, message, relatedEntryID string) (Incident, error) {
	now := s.clk.Now().UTC()
	inc := Incident{
		ID:             uuid.NewString(),
		Type:           typ,
		Status:         StatusOpen,
		Message:        message,
		RelatedEntryID: relatedEntryID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO incidents (id, type, status, message, related_entry_id, created_unix, updated_unix)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, inc.ID, inc.Type, inc.Status, inc.Message, inc.RelatedEntryID, now.UnixNano(), now.UnixNano())
	if err != nil {
		return Incident{}, fmt.Errorf("insert incident: %w", err)
	}
	return inc, nil
}

// openDeduped opens an incident unless an OPEN one of the same type
// already references the same related id.
func (s *Store) openDeduped(ctx context.Context, typ, relatedID, message string) (string, error) {
	var existing string
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM incidents
		WHERE type = ? AND status = ? AND related_entry_id = ?
	`, typ, StatusOpen, relatedID).Scan(&existing)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("lookup incident: %w", err)
	}

	inc, err := s.Open(ctx, typ, message, relatedID)
	if err != nil {
		return "", err
	}
	return inc.ID, nil
}

// OpenIntegrityBreak opens an integrity-break incident, deduplicating
// against an existing OPEN one for the same entry so repeated verification
// runs do not multiply incidents.
func (s *Store) OpenIntegrityBreak(ctx context.Context, entryID, message string) (string, error) {
	return s.openDeduped(ctx, TypeIntegrityBreak, entryID, message)
}

// OpenAnomaly opens an anomaly incident for an actor, deduplicating
// against an existing OPEN one so repeated scans of the same burst do
// not multiply incidents.
func (s *Store) OpenAnomaly(ctx context.Context, actorID, message string) (string, error) {
	return s.openDeduped(ctx, TypeAnomaly, actorID, message)
}

func scanIncident(row interface{ Scan(...any) error }) (Incident, error) {
	var inc Incident
	var created, updated int64
	err := row.Scan(&inc.ID, &inc.Type, &inc.Status, &inc.Message, &inc.RelatedEntryID, &created, &updated)
	if err != nil {
		return Incident{}, err
	}
	inc.CreatedAt = time.Unix(0, created).UTC()
	inc.UpdatedAt = time.Unix(0, updated).UTC()
	return inc, nil
}

// Get returns one incident by id.
func (s *Store) Get(ctx context.Context, id string) (Incident, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, type, status, message, related_entry_id, created_unix, updated_unix
		FROM incidents WHERE id = ?`, id)
	inc, err := scanIncident(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Incident{}, ErrNotFound
	}
	if err != nil {
		return Incident{}, fmt.Errorf("get incident: %w", err)
	}
	return inc, nil
}

// List returns incidents, optionally filtered by status, newest first.
func (s *Store) List(ctx context.Context, status string, limit int) ([]Incident, error) {
	query := `SELECT id, type, status, message, related_entry_id, created_unix, updated_unix FROM incidents`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_unix DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list incidents: %w", err)
	}
	defer rows.Close()

	var out []Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, fmt.Errorf("scan incident: %w", err)
		}
		out = append(out, inc)
	}
	return out, rows.Err()
}

// SetStatus transitions an incident to the given status.
func (s *Store) SetStatus(ctx context.Context, id, status string) error {
	switch status {
	case StatusOpen, StatusAcknowledged, StatusClosed:
	default:
		return fmt.Errorf("invalid status %q", status)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE incidents SET status = ?, updated_unix = ? WHERE id = ?`,
		status, s.clk.Now().UTC().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("update incident: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update incident: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Package retention evaluates per-entity-type retention policies against
// entry age and legal-hold flags, archiving and purging eligible entries
// in bounded batches.
package retention

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/veritydir/chainlog/internal/clock"
)

// ErrPolicyNotFound indicates no policy exists for the entity type.
var ErrPolicyNotFound = errors.New("retention policy not found")

// Policy is one per-entity-type retention rule. Policies are created and
// edited by operators only; the engine never auto-creates them.
type Policy struct {
	EntityType          string    `json:"entityType"`
	RetentionDays       int       `json:"retentionDays"`
	AutoPurge           bool      `json:"autoPurge"`
	ArchiveBeforeDelete bool      `json:"archiveBeforeDelete"`
	LegalHold           bool      `json:"legalHold"`
	UpdatedAt           time.Time `json:"updatedAt"`
}

// Validate checks policy fields.
func (p Policy) Validate() error {
	if p.EntityType == "" {
		return fmt.Errorf("entityType is required")
	}
	if p.RetentionDays < 0 {
		return fmt.Errorf("retentionDays must be >= 0")
	}
	return nil
}

// PolicyStore persists retention policies. The engine reads them fresh on
// each sweep, so an operator edit takes effect on the next run without
// restart.
type PolicyStore struct {
	db  *sql.DB
	clk clock.Clock
}

// NewPolicyStore prepares the policy schema on the given database.
func NewPolicyStore(db *sql.DB, clk clock.Clock) (*PolicyStore, error) {
	if clk == nil {
		clk = &clock.RealClock{}
	}
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS retention_policies (
			entity_type TEXT PRIMARY KEY,
			retention_days INTEGER NOT NULL,
			auto_purge INTEGER NOT NULL DEFAULT 0,
			archive_before_delete INTEGER NOT NULL DEFAULT 0,
			legal_hold INTEGER NOT NULL DEFAULT 0,
			updated_unix INTEGER NOT NULL
		);
	`)
	if err != nil {
		return nil, fmt.Errorf("create policy schema: %w", err)
	}
	return &PolicyStore{db: db, clk: clk}, nil
}

// Upsert creates or replaces the policy for its entity type.
func (s *PolicyStore) Upsert(ctx context.Context, p Policy) (Policy, error) {
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	p.UpdatedAt = s.clk.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO retention_policies (entity_type, retention_days, auto_purge, archive_before_delete, legal_hold, updated_unix)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_type) DO UPDATE SET
			retention_days = excluded.retention_days,
			auto_purge = excluded.auto_purge,
			archive_before_delete = excluded.archive_before_delete,
			legal_hold = excluded.legal_hold,
			updated_unix = excluded.updated_unix
	`, p.EntityType, p.RetentionDays, boolInt(p.AutoPurge), boolInt(p.ArchiveBeforeDelete),
		boolInt(p.LegalHold), p.UpdatedAt.UnixNano())
	if err != nil {
		return Policy{}, fmt.Errorf("upsert policy: %w", err)
	}
	return p, nil
}

// Get returns the policy for an entity type.
func (s *PolicyStore) Get(ctx context.Context, entityType string) (Policy, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT entity_type, retention_days, auto_purge, archive_before_delete, legal_hold, updated_unix
		FROM retention_policies WHERE entity_type = ?`, entityType)
	p, err := scanPolicy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Policy{}, ErrPolicyNotFound
	}
	if err != nil {
		return Policy{}, fmt.Errorf("get policy: %w", err)
	}
	return p, nil
}

// List returns all policies ordered by entity type.
func (s *PolicyStore) List(ctx context.Context) ([]Policy, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_type, retention_days, auto_purge, archive_before_delete, legal_hold, updated_unix
		FROM retention_policies ORDER BY entity_type ASC`)
	if err != nil {
		return nil, fmt.Errorf("list policies: %w", err)
	}
	defer rows.Close()

	var out []Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, fmt.Errorf("scan policy: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Delete removes the policy for an entity type.
func (s *PolicyStore) Delete(ctx context.Context, entityType string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM retention_policies WHERE entity_type = ?`, entityType)
	if err != nil {
		return fmt.Errorf("delete policy: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrPolicyNotFound
	}
	return nil
}

func scanPolicy(row interface{ Scan(...any) error }) (Policy, error) {
	var p Policy
	var autoPurge, archive, hold int
	var updated int64
	err := row.Scan(&p.EntityType, &p.RetentionDays, &autoPurge, &archive, &hold, &updated)
	if err != nil {
		return Policy{}, err
	}
	p.AutoPurge = autoPurge != 0
	p.ArchiveBeforeDelete = archive != 0
	p.LegalHold = hold != 0
	p.UpdatedAt = time.Unix(0, updated).UTC()
	return p, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

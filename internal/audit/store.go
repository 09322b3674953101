package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Store provides durable, append-only storage for the audit chain.
// It is the only component that writes audit_entries rows and the only
// writer of prev_hash/curr_hash. Purges go through PurgeBatch, which
// records a tombstone carrying the hash linkage so the chain stays
// walkable across redacted gaps.
type Store struct {
	db *sql.DB
}

// NewStore prepares the chain schema on the given database.
func NewStore(db *sql.DB) (*Store, error) {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS audit_entries (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			actor_id TEXT NOT NULL,
			actor_role TEXT NOT NULL,
			action TEXT NOT NULL,
			entity_type TEXT NOT NULL,
			target_id TEXT NOT NULL DEFAULT '',
			details TEXT NOT NULL DEFAULT '',
			ip_address TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			created_unix INTEGER NOT NULL,
			prev_hash TEXT NOT NULL,
			curr_hash TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_entries_action ON audit_entries(action);
		CREATE INDEX IF NOT EXISTS idx_entries_entity ON audit_entries(entity_type);
		CREATE INDEX IF NOT EXISTS idx_entries_actor ON audit_entries(actor_id);
		CREATE INDEX IF NOT EXISTS idx_entries_created ON audit_entries(created_unix);

		CREATE TABLE IF NOT EXISTS chain_tombstones (
			seq INTEGER PRIMARY KEY,
			entry_id TEXT NOT NULL,
			entity_type TEXT NOT NULL,
			created_at TEXT NOT NULL,
			created_unix INTEGER NOT NULL,
			prev_hash TEXT NOT NULL,
			curr_hash TEXT NOT NULL,
			purged_at TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT 'retention'
		);
	`)
	if err != nil {
		return nil, fmt.Errorf("create chain schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Head describes the current tip of the chain.
type Head struct {
	Seq       int64
	Hash      string
	CreatedAt time.Time
}

// Head returns the sequence, hash, and timestamp of the most recent chain
// position, counting tombstones of purged entries. An empty chain yields
// seq 0 and the genesis sentinel.
func (s *Store) Head(ctx context.Context) (Head, error) {
	head := Head{Hash: GenesisHash}

	scanTip := func(query string) error {
		var seq, unix int64
		var hash string
		err := s.db.QueryRowContext(ctx, query).Scan(&seq, &hash, &unix)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		if seq > head.Seq {
			head.Seq = seq
			head.Hash = hash
			head.CreatedAt = time.Unix(0, unix).UTC()
		}
		return nil
	}

	if err := scanTip(`SELECT seq, curr_hash, created_unix FROM audit_entries ORDER BY seq DESC LIMIT 1`); err != nil {
		return Head{}, fmt.Errorf("%w: read chain head: %v", ErrPersistence, err)
	}
	if err := scanTip(`SELECT seq, curr_hash, created_unix FROM chain_tombstones ORDER BY seq DESC LIMIT 1`); err != nil {
		return Head{}, fmt.Errorf("%w: read tombstone head: %v", ErrPersistence, err)
	}
	return head, nil
}

// Append commits a fully hashed entry and returns it with its assigned
// sequence number. Callers must serialize the read-head-then-append
// sequence; the Writer owns that critical section.
func (s *Store) Append(ctx context.Context, e Entry) (Entry, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_entries
			(id, actor_id, actor_role, action, entity_type, target_id, details, ip_address, created_at, created_unix, prev_hash, curr_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.ActorID, e.ActorRole, string(e.Action), e.EntityType, e.TargetID, e.Details, e.IPAddress,
		canonicalTime(e.CreatedAt), e.CreatedAt.UnixNano(), e.PrevHash, e.CurrHash)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: insert entry: %v", ErrPersistence, err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return Entry{}, fmt.Errorf("%w: entry seq: %v", ErrPersistence, err)
	}
	e.Seq = seq
	return e, nil
}

const entryColumns = `seq, id, actor_id, actor_role, action, entity_type, target_id, details, ip_address, created_at, prev_hash, curr_hash`

func scanEntry(row interface{ Scan(...any) error }) (Entry, error) {
	var e Entry
	var action, createdAt string
	err := row.Scan(&e.Seq, &e.ID, &e.ActorID, &e.ActorRole, &action, &e.EntityType,
		&e.TargetID, &e.Details, &e.IPAddress, &createdAt, &e.PrevHash, &e.CurrHash)
	if err != nil {
		return Entry{}, err
	}
	e.Action = Action(action)
	t, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return Entry{}, fmt.Errorf("parse created_at: %w", err)
	}
	e.CreatedAt = t
	return e, nil
}

// Get returns the entry with the given id.
func (s *Store) Get(ctx context.Context, id string) (Entry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM audit_entries WHERE id = ?`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("%w: get entry: %v", ErrPersistence, err)
	}
	return e, nil
}

// Filter selects entries for List.
type Filter struct {
	Action     Action
	EntityType string
	ActorID    string
	Since      *time.Time
	Until      *time.Time
	MaxSeq     int64 // bound reads to a recorded checkpoint; 0 means unbounded
	Limit      int64
	Offset     int64
}

// clause renders the filter as a WHERE tail with its bind arguments.
func (f Filter) clause() (string, []any) {
	query := " WHERE 1=1"
	var args []any

	if f.Action != "" {
		query += " AND action = ?"
		args = append(args, string(f.Action))
	}
	if f.EntityType != "" {
		query += " AND entity_type = ?"
		args = append(args, f.EntityType)
	}
	if f.ActorID != "" {
		query += " AND actor_id = ?"
		args = append(args, f.ActorID)
	}
	if f.Since != nil {
		query += " AND created_unix >= ?"
		args = append(args, f.Since.UnixNano())
	}
	if f.Until != nil {
		query += " AND created_unix <= ?"
		args = append(args, f.Until.UnixNano())
	}
	if f.MaxSeq > 0 {
		query += " AND seq <= ?"
		args = append(args, f.MaxSeq)
	}
	return query, args
}

// List returns entries matching the filter, newest first.
func (s *Store) List(ctx context.Context, f Filter) ([]Entry, error) {
	where, args := f.clause()
	query := `SELECT ` + entryColumns + ` FROM audit_entries` + where

	query += " ORDER BY seq DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
		if f.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, f.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list entries: %v", ErrPersistence, err)
	}
	defer rows.Close()

	var list []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan entry: %v", ErrPersistence, err)
		}
		list = append(list, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list entries: %v", ErrPersistence, err)
	}
	return list, nil
}

// Count returns the number of stored entries.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_entries`).Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: count entries: %v", ErrPersistence, err)
	}
	return n, nil
}

// CountFiltered returns the number of entries matching the filter,
// ignoring its limit and offset. List pagination reports totals with it.
func (s *Store) CountFiltered(ctx context.Context, f Filter) (int64, error) {
	where, args := f.clause()
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_entries`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: count entries: %v", ErrPersistence, err)
	}
	return n, nil
}

// CountUpTo returns the number of entries at or below the given sequence.
// Exports use it to audit artifact completeness against a checkpoint.
func (s *Store) CountUpTo(ctx context.Context, maxSeq int64) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_entries WHERE seq <= ?`, maxSeq).Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: count entries: %v", ErrPersistence, err)
	}
	return n, nil
}

// EntriesUpTo streams entries in chain order up to and including maxSeq.
func (s *Store) EntriesUpTo(ctx context.Context, maxSeq int64, fn func(Entry) error) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM audit_entries WHERE seq <= ? ORDER BY seq ASC`, maxSeq)
	if err != nil {
		return fmt.Errorf("%w: read entries: %v", ErrPersistence, err)
	}
	defer rows.Close()

	for rows.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		e, err := scanEntry(rows)
		if err != nil {
			return fmt.Errorf("%w: scan entry: %v", ErrPersistence, err)
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("%w: read entries: %v", ErrPersistence, err)
	}
	return nil
}

// Link is one chain position seen by the verifier: either a live entry or
// the tombstone of a purged one.
type Link struct {
	Seq       int64
	Tombstone bool
	Entry     Entry  // populated for live entries
	EntryID   string // original entry id for tombstones
	PrevHash  string
	CurrHash  string
}

// Walk visits chain positions in sequence order over (fromSeq, toSeq],
// merging live entries and tombstones. The bounded range means appends
// racing with a walk are never visited.
func (s *Store) Walk(ctx context.Context, fromSeq, toSeq int64, fn func(Link) error) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, 0, id, actor_id, actor_role, action, entity_type, target_id, details, ip_address, created_at, prev_hash, curr_hash
			FROM audit_entries WHERE seq > ? AND seq <= ?
		UNION ALL
		SELECT seq, 1, entry_id, '', '', '', entity_type, '', '', '', created_at, prev_hash, curr_hash
			FROM chain_tombstones WHERE seq > ? AND seq <= ?
		ORDER BY 1 ASC
	`, fromSeq, toSeq, fromSeq, toSeq)
	if err != nil {
		return fmt.Errorf("%w: walk chain: %v", ErrPersistence, err)
	}
	defer rows.Close()

	for rows.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		var l Link
		var tomb int
		var id, actorID, actorRole, action, entityType, targetID, details, ip, createdAt string
		if err := rows.Scan(&l.Seq, &tomb, &id, &actorID, &actorRole, &action, &entityType,
			&targetID, &details, &ip, &createdAt, &l.PrevHash, &l.CurrHash); err != nil {
			return fmt.Errorf("%w: scan link: %v", ErrPersistence, err)
		}
		if tomb == 1 {
			l.Tombstone = true
			l.EntryID = id
		} else {
			t, err := time.Parse(time.RFC3339Nano, createdAt)
			if err != nil {
				return fmt.Errorf("%w: parse created_at: %v", ErrPersistence, err)
			}
			l.Entry = Entry{
				Seq: l.Seq, ID: id, ActorID: actorID, ActorRole: actorRole,
				Action: Action(action), EntityType: entityType, TargetID: targetID,
				Details: details, IPAddress: ip, CreatedAt: t,
				PrevHash: l.PrevHash, CurrHash: l.CurrHash,
			}
		}
		if err := fn(l); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("%w: walk chain: %v", ErrPersistence, err)
	}
	return nil
}

// HashAt returns the curr_hash recorded at the given sequence, looking
// through both live entries and tombstones. Used to seed checkpointed
// verification.
func (s *Store) HashAt(ctx context.Context, seq int64) (string, error) {
	if seq == 0 {
		return GenesisHash, nil
	}
	var hash string
	err := s.db.QueryRowContext(ctx, `
		SELECT curr_hash FROM audit_entries WHERE seq = ?
		UNION ALL
		SELECT curr_hash FROM chain_tombstones WHERE seq = ?
	`, seq, seq).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: no chain position %d", ErrNotFound, seq)
	}
	if err != nil {
		return "", fmt.Errorf("%w: hash at seq %d: %v", ErrPersistence, seq, err)
	}
	return hash, nil
}

// CountEligible counts entries of entityType created before cutoff.
func (s *Store) CountEligible(ctx context.Context, entityType string, cutoff time.Time) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM audit_entries WHERE entity_type = ? AND created_unix < ?`,
		entityType, cutoff.UnixNano()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("%w: count eligible: %v", ErrPersistence, err)
	}
	return n, nil
}

// ListEligible returns up to limit entries of entityType created before
// cutoff, oldest first, for retention batching.
func (s *Store) ListEligible(ctx context.Context, entityType string, cutoff time.Time, limit int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM audit_entries
		 WHERE entity_type = ? AND created_unix < ? ORDER BY seq ASC LIMIT ?`,
		entityType, cutoff.UnixNano(), limit)
	if err != nil {
		return nil, fmt.Errorf("%w: list eligible: %v", ErrPersistence, err)
	}
	defer rows.Close()

	var list []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan eligible: %v", ErrPersistence, err)
		}
		list = append(list, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list eligible: %v", ErrPersistence, err)
	}
	return list, nil
}

// PurgeBatch deletes the given entries and records a tombstone per entry in
// one transaction, so a crash mid-sweep never leaves a half-purged entry.
// Hash links of surviving neighbors are never rewritten; the tombstone
// carries the purged entry's linkage so the verifier can bridge the gap.
func (s *Store) PurgeBatch(ctx context.Context, entries []Entry, reason string, purgedAt time.Time) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin purge: %v", ErrPersistence, err)
	}
	defer tx.Rollback()

	for _, e := range entries {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO chain_tombstones (seq, entry_id, entity_type, created_at, created_unix, prev_hash, curr_hash, purged_at, reason)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, e.Seq, e.ID, e.EntityType, canonicalTime(e.CreatedAt), e.CreatedAt.UnixNano(),
			e.PrevHash, e.CurrHash, canonicalTime(purgedAt), reason)
		if err != nil {
			return fmt.Errorf("%w: insert tombstone: %v", ErrPersistence, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM audit_entries WHERE seq = ?`, e.Seq); err != nil {
			return fmt.Errorf("%w: delete entry: %v", ErrPersistence, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit purge: %v", ErrPersistence, err)
	}
	return nil
}

// CountsByAction returns entry counts per action since the given time.
func (s *Store) CountsByAction(ctx context.Context, since time.Time) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT action, COUNT(*) FROM audit_entries WHERE created_unix >= ? GROUP BY action`,
		since.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("%w: counts by action: %v", ErrPersistence, err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var action string
		var n int64
		if err := rows.Scan(&action, &n); err != nil {
			return nil, fmt.Errorf("%w: scan count: %v", ErrPersistence, err)
		}
		counts[action] = n
	}
	return counts, rows.Err()
}

// ActorActivity is one row of the top-actors ranking.
type ActorActivity struct {
	ActorID string `json:"actorId"`
	Count   int64  `json:"count"`
}

// TopActors returns the most active actors since the given time.
func (s *Store) TopActors(ctx context.Context, since time.Time, limit int) ([]ActorActivity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT actor_id, COUNT(*) AS n FROM audit_entries
		WHERE created_unix >= ? GROUP BY actor_id ORDER BY n DESC, actor_id ASC LIMIT ?
	`, since.UnixNano(), limit)
	if err != nil {
		return nil, fmt.Errorf("%w: top actors: %v", ErrPersistence, err)
	}
	defer rows.Close()

	var out []ActorActivity
	for rows.Next() {
		var a ActorActivity
		if err := rows.Scan(&a.ActorID, &a.Count); err != nil {
			return nil, fmt.Errorf("%w: scan actor: %v", ErrPersistence, err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// CountByActorSince counts entries per actor inside a window; the anomaly
// scan uses it to flag suspicious bursts of privileged actions.
func (s *Store) CountByActorSince(ctx context.Context, since time.Time) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT actor_id, COUNT(*) FROM audit_entries WHERE created_unix >= ? GROUP BY actor_id`,
		since.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("%w: count by actor: %v", ErrPersistence, err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var actor string
		var n int64
		if err := rows.Scan(&actor, &n); err != nil {
			return nil, fmt.Errorf("%w: scan actor count: %v", ErrPersistence, err)
		}
		counts[actor] = n
	}
	return counts, rows.Err()
}

// TamperRaw overwrites a stored column value directly, bypassing hashing.
// It exists only so integration tests can simulate tampering; nothing in
// the serving path calls it.
func (s *Store) TamperRaw(ctx context.Context, id, column, value string) error {
	switch column {
	case "details", "actor_id", "action", "target_id":
	default:
		return fmt.Errorf("column %q not allowed", column)
	}
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE audit_entries SET %s = ? WHERE id = ?`, column), value, id)
	return err
}

package retention

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/veritydir/chainlog/internal/audit"
	"github.com/veritydir/chainlog/internal/clock"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "retention.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// seedEntries appends n chained entries of entityType, each createdAt the
// given age before the mock clock's now.
func seedEntries(t *testing.T, store *audit.Store, n int, entityType string, createdAt time.Time) []audit.Entry {
	t.Helper()
	ctx := context.Background()

	var out []audit.Entry
	for i := 0; i < n; i++ {
		head, err := store.Head(ctx)
		if err != nil {
			t.Fatalf("head: %v", err)
		}
		e := audit.Entry{
			ID:         uuid.NewString(),
			ActorID:    "admin-1",
			ActorRole:  "ADMIN",
			Action:     audit.ActionUpdate,
			EntityType: entityType,
			CreatedAt:  createdAt.Add(time.Duration(i) * time.Second),
			PrevHash:   head.Hash,
		}
		e.CurrHash = audit.ComputeHash(head.Hash, e)
		e, err = store.Append(ctx, e)
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		out = append(out, e)
	}
	return out
}

type engineFixture struct {
	store    *audit.Store
	policies *PolicyStore
	archiver *FileArchiver
	clk      *clock.MockClock
	engine   *Engine
}

func newEngineFixture(t *testing.T, batchSize int) *engineFixture {
	t.Helper()
	db := newTestDB(t)

	store, err := audit.NewStore(db)
	if err != nil {
		t.Fatalf("entry store: %v", err)
	}
	policies, err := NewPolicyStore(db, nil)
	if err != nil {
		t.Fatalf("policy store: %v", err)
	}
	archiver, err := NewFileArchiver(t.TempDir())
	if err != nil {
		t.Fatalf("archiver: %v", err)
	}
	clk := clock.NewMockClock(time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC))

	return &engineFixture{
		store:    store,
		policies: policies,
		archiver: archiver,
		clk:      clk,
		engine:   NewEngine(store, policies, archiver, clk, nil, batchSize),
	}
}

func (f *engineFixture) putPolicy(t *testing.T, p Policy) {
	t.Helper()
	if _, err := f.policies.Upsert(context.Background(), p); err != nil {
		t.Fatalf("upsert policy: %v", err)
	}
}

func TestEngine_LegalHoldBlocksPurge(t *testing.T) {
	f := newEngineFixture(t, 0)
	ctx := context.Background()

	old := f.clk.Now().AddDate(0, 0, -100)
	seedEntries(t, f.store, 3, "invoice", old)
	f.putPolicy(t, Policy{
		EntityType:    "invoice",
		RetentionDays: 30,
		AutoPurge:     true,
		LegalHold:     true,
	})

	res, err := f.engine.RunSweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.Purged != 0 || res.Archived != 0 {
		t.Errorf("legal hold purged=%d archived=%d, want 0/0", res.Purged, res.Archived)
	}
	if res.SkippedLegalHold != 3 {
		t.Errorf("skipped = %d, want 3", res.SkippedLegalHold)
	}

	n, _ := f.store.Count(ctx)
	if n != 3 {
		t.Errorf("%d entries remain, want 3", n)
	}
}

func TestEngine_FlagsWithoutAutoPurge(t *testing.T) {
	f := newEngineFixture(t, 0)
	ctx := context.Background()

	seedEntries(t, f.store, 2, "user", f.clk.Now().AddDate(0, 0, -60))
	f.putPolicy(t, Policy{
		EntityType:    "user",
		RetentionDays: 30,
		AutoPurge:     false,
	})

	res, err := f.engine.RunSweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.Flagged != 2 {
		t.Errorf("flagged = %d, want 2", res.Flagged)
	}
	if res.Purged != 0 {
		t.Errorf("purged = %d, want 0", res.Purged)
	}
}

func TestEngine_ArchiveThenPurge(t *testing.T) {
	f := newEngineFixture(t, 0)
	ctx := context.Background()

	expired := seedEntries(t, f.store, 3, "session", f.clk.Now().AddDate(0, 0, -90))
	fresh := seedEntries(t, f.store, 2, "session", f.clk.Now().Add(-time.Hour))
	f.putPolicy(t, Policy{
		EntityType:          "session",
		RetentionDays:       30,
		AutoPurge:           true,
		ArchiveBeforeDelete: true,
	})

	res, err := f.engine.RunSweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.Archived != 3 || res.Purged != 3 {
		t.Errorf("archived=%d purged=%d, want 3/3", res.Archived, res.Purged)
	}

	for _, e := range expired {
		if _, err := f.store.Get(ctx, e.ID); !errors.Is(err, audit.ErrNotFound) {
			t.Errorf("expired entry %s survived the sweep", e.ID)
		}
	}
	for _, e := range fresh {
		if _, err := f.store.Get(ctx, e.ID); err != nil {
			t.Errorf("in-retention entry %s was purged", e.ID)
		}
	}

	archived, err := f.archiver.ReadArchived("session")
	if err != nil {
		t.Fatalf("read archive: %v", err)
	}
	if len(archived) != 3 {
		t.Fatalf("archive holds %d entries, want 3", len(archived))
	}
	if archived[0].CurrHash != expired[0].CurrHash {
		t.Error("archived copy lost the original hash")
	}
}

func TestEngine_PurgeWithoutArchive(t *testing.T) {
	f := newEngineFixture(t, 0)
	ctx := context.Background()

	seedEntries(t, f.store, 2, "session", f.clk.Now().AddDate(0, 0, -90))
	f.putPolicy(t, Policy{
		EntityType:    "session",
		RetentionDays: 30,
		AutoPurge:     true,
	})

	res, err := f.engine.RunSweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.Purged != 2 || res.Archived != 0 {
		t.Errorf("purged=%d archived=%d, want 2/0", res.Purged, res.Archived)
	}
}

type failingArchiver struct {
	failIDs map[string]bool
	inner   Archiver
}

func (a *failingArchiver) Archive(ctx context.Context, e audit.Entry) error {
	if a.failIDs[e.ID] {
		return errors.New("cold storage unavailable")
	}
	return a.inner.Archive(ctx, e)
}

func TestEngine_FailedArchiveDefersPurge(t *testing.T) {
	f := newEngineFixture(t, 0)
	ctx := context.Background()

	entries := seedEntries(t, f.store, 3, "invoice", f.clk.Now().AddDate(0, 0, -90))
	stuck := entries[1]

	f.engine.archiver = &failingArchiver{
		failIDs: map[string]bool{stuck.ID: true},
		inner:   f.archiver,
	}
	f.putPolicy(t, Policy{
		EntityType:          "invoice",
		RetentionDays:       30,
		AutoPurge:           true,
		ArchiveBeforeDelete: true,
	})

	res, err := f.engine.RunSweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.Purged != 2 || res.ArchiveFailures != 1 {
		t.Errorf("purged=%d archiveFailures=%d, want 2/1", res.Purged, res.ArchiveFailures)
	}

	// The unarchived entry stays durable until a later sweep succeeds.
	if _, err := f.store.Get(ctx, stuck.ID); err != nil {
		t.Errorf("entry with failed archive was purged: %v", err)
	}

	// Next sweep, with the archiver healthy again, finishes the job.
	f.engine.archiver = f.archiver
	res, err = f.engine.RunSweep(ctx)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if res.Purged != 1 {
		t.Errorf("second sweep purged %d, want 1", res.Purged)
	}
	if _, err := f.store.Get(ctx, stuck.ID); !errors.Is(err, audit.ErrNotFound) {
		t.Error("deferred entry not purged on retry")
	}
}

func TestEngine_BatchesLargePurges(t *testing.T) {
	f := newEngineFixture(t, 4)
	ctx := context.Background()

	seedEntries(t, f.store, 10, "session", f.clk.Now().AddDate(0, 0, -90))
	f.putPolicy(t, Policy{
		EntityType:    "session",
		RetentionDays: 30,
		AutoPurge:     true,
	})

	res, err := f.engine.RunSweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.Purged != 10 {
		t.Errorf("purged = %d, want 10", res.Purged)
	}
	n, _ := f.store.Count(ctx)
	if n != 0 {
		t.Errorf("%d entries remain, want 0", n)
	}
}

// cancellingArchiver archives normally, then cancels the sweep context
// once it has handled the given number of entries.
type cancellingArchiver struct {
	inner  Archiver
	cancel context.CancelFunc
	after  int
	calls  int
}

func (a *cancellingArchiver) Archive(ctx context.Context, e audit.Entry) error {
	if err := a.inner.Archive(ctx, e); err != nil {
		return err
	}
	a.calls++
	if a.calls == a.after {
		a.cancel()
	}
	return nil
}

func TestEngine_CancelledSweepKeepsCommittedBatches(t *testing.T) {
	f := newEngineFixture(t, 2)

	seedEntries(t, f.store, 6, "session", f.clk.Now().AddDate(0, 0, -90))
	f.putPolicy(t, Policy{
		EntityType:          "session",
		RetentionDays:       30,
		AutoPurge:           true,
		ArchiveBeforeDelete: true,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.engine.archiver = &cancellingArchiver{inner: f.archiver, cancel: cancel, after: 4}

	res, err := f.engine.RunSweep(ctx)
	if err == nil {
		t.Fatal("cancelled sweep returned no error")
	}
	if res.Purged != 2 {
		t.Errorf("purged = %d, want the one committed batch of 2", res.Purged)
	}

	// The first batch stays purged, the rest of the chain is untouched.
	n, _ := f.store.Count(context.Background())
	if n != 4 {
		t.Errorf("%d entries remain, want 4", n)
	}

	// A later sweep finishes the job from where it stopped.
	f.engine.archiver = f.archiver
	res, err = f.engine.RunSweep(context.Background())
	if err != nil {
		t.Fatalf("resumed sweep: %v", err)
	}
	if res.Purged != 4 {
		t.Errorf("resumed sweep purged %d, want 4", res.Purged)
	}
	n, _ = f.store.Count(context.Background())
	if n != 0 {
		t.Errorf("%d entries remain after resume, want 0", n)
	}
}

func TestEngine_PolicyEditsApplyNextSweep(t *testing.T) {
	f := newEngineFixture(t, 0)
	ctx := context.Background()

	seedEntries(t, f.store, 2, "invoice", f.clk.Now().AddDate(0, 0, -90))
	f.putPolicy(t, Policy{EntityType: "invoice", RetentionDays: 30, AutoPurge: false})

	res, err := f.engine.RunSweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.Purged != 0 {
		t.Fatalf("flag-only sweep purged %d", res.Purged)
	}

	f.putPolicy(t, Policy{EntityType: "invoice", RetentionDays: 30, AutoPurge: true})
	res, err = f.engine.RunSweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.Purged != 2 {
		t.Errorf("post-edit sweep purged %d, want 2", res.Purged)
	}
}

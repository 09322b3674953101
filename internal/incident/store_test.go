package incident

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "incidents.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store, err := NewStore(db, nil)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	return store
}

func TestStore_OpenAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	inc, err := store.Open(ctx, TypeAnomaly, "burst of 150 actions", "")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if inc.Status != StatusOpen {
		t.Errorf("status = %s, want OPEN", inc.Status)
	}

	got, err := store.Get(ctx, inc.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Type != TypeAnomaly || got.Message != inc.Message {
		t.Errorf("stored incident = %+v", got)
	}

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing incident error = %v, want ErrNotFound", err)
	}
}

func TestStore_OpenIntegrityBreakDeduplicates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first, err := store.OpenIntegrityBreak(ctx, "entry-9", "hash mismatch at seq 9")
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	// Repeated verification of the same break reuses the open incident.
	second, err := store.OpenIntegrityBreak(ctx, "entry-9", "hash mismatch at seq 9")
	if err != nil {
		t.Fatalf("open again: %v", err)
	}
	if first != second {
		t.Errorf("duplicate incident opened: %s then %s", first, second)
	}

	// Once closed, a new break on the same entry opens a fresh incident.
	if err := store.SetStatus(ctx, first, StatusClosed); err != nil {
		t.Fatalf("close: %v", err)
	}
	third, err := store.OpenIntegrityBreak(ctx, "entry-9", "hash mismatch at seq 9")
	if err != nil {
		t.Fatalf("open after close: %v", err)
	}
	if third == first {
		t.Error("closed incident reused")
	}
}

func TestStore_OpenAnomalyDeduplicates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first, err := store.OpenAnomaly(ctx, "rogue", "burst of 150 actions")
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	// The same burst seen by a later scan reuses the open incident.
	second, err := store.OpenAnomaly(ctx, "rogue", "burst of 180 actions")
	if err != nil {
		t.Fatalf("open again: %v", err)
	}
	if first != second {
		t.Errorf("duplicate incident opened: %s then %s", first, second)
	}

	// A different actor gets its own incident.
	other, err := store.OpenAnomaly(ctx, "mallory", "burst of 200 actions")
	if err != nil {
		t.Fatalf("open other actor: %v", err)
	}
	if other == first {
		t.Error("incident shared across actors")
	}

	if err := store.SetStatus(ctx, first, StatusClosed); err != nil {
		t.Fatalf("close: %v", err)
	}
	reopened, err := store.OpenAnomaly(ctx, "rogue", "new burst")
	if err != nil {
		t.Fatalf("open after close: %v", err)
	}
	if reopened == first {
		t.Error("closed incident reused")
	}
}

func TestStore_ListByStatus(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a, _ := store.Open(ctx, TypeAnomaly, "a", "")
	store.Open(ctx, TypeAppendFailure, "b", "")

	if err := store.SetStatus(ctx, a.ID, StatusAcknowledged); err != nil {
		t.Fatalf("ack: %v", err)
	}

	open, err := store.List(ctx, StatusOpen, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(open) != 1 || open[0].Type != TypeAppendFailure {
		t.Errorf("open incidents = %+v, want the append failure only", open)
	}

	all, err := store.List(ctx, "", 0)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("all incidents = %d, want 2", len(all))
	}
}

func TestStore_SetStatus(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	inc, _ := store.Open(ctx, TypeAnomaly, "a", "")

	if err := store.SetStatus(ctx, inc.ID, "RESOLVED"); err == nil {
		t.Error("invalid status accepted")
	}
	if err := store.SetStatus(ctx, "missing", StatusClosed); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing incident error = %v, want ErrNotFound", err)
	}

	if err := store.SetStatus(ctx, inc.ID, StatusClosed); err != nil {
		t.Fatalf("close: %v", err)
	}
	got, _ := store.Get(ctx, inc.ID)
	if got.Status != StatusClosed {
		t.Errorf("status = %s, want CLOSED", got.Status)
	}
}

package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/veritydir/chainlog/internal/audit"
	"github.com/veritydir/chainlog/internal/events"
	"github.com/veritydir/chainlog/internal/incident"
)

func TestScheduler_AddTaskValidation(t *testing.T) {
	s := New(nil)

	noop := func(ctx context.Context) error { return nil }

	if err := s.AddTask(&Task{Schedule: Every(time.Minute), Func: noop}); err == nil {
		t.Error("task without ID accepted")
	}
	if err := s.AddTask(&Task{ID: "a", Func: noop}); err == nil {
		t.Error("task without schedule accepted")
	}
	if err := s.AddTask(&Task{ID: "a", Schedule: Every(time.Minute)}); err == nil {
		t.Error("task without func accepted")
	}

	task := &Task{ID: "a", Name: "A", Schedule: Every(time.Minute), Func: noop, Enabled: true}
	if err := s.AddTask(task); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.AddTask(task); err == nil {
		t.Error("duplicate task ID accepted")
	}
}

func TestScheduler_RunTask(t *testing.T) {
	s := New(nil)

	var runs atomic.Int64
	err := s.AddTask(&Task{
		ID:       "count",
		Name:     "Count",
		Schedule: Every(time.Hour),
		Enabled:  true,
		Func: func(ctx context.Context) error {
			runs.Add(1)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	if err := s.RunTask("count"); err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := s.RunTask("missing"); err == nil {
		t.Error("unknown task accepted")
	}

	deadline := time.After(time.Second)
	for runs.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("task never ran")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}

	var status TaskStatus
	for _, st := range s.GetStatus() {
		if st.ID == "count" {
			status = st
		}
	}
	if status.RunCount != 1 {
		t.Errorf("run count = %d, want 1", status.RunCount)
	}
}

func TestScheduler_RecordsTaskFailure(t *testing.T) {
	s := New(nil)

	s.AddTask(&Task{
		ID:       "fail",
		Name:     "Fail",
		Schedule: Every(time.Hour),
		Enabled:  true,
		Func: func(ctx context.Context) error {
			return errors.New("boom")
		},
	})
	s.RunTask("fail")

	deadline := time.After(time.Second)
	for {
		st := s.GetStatus()[0]
		if st.RunCount > 0 {
			if st.ErrorCount != 1 || st.LastError != "boom" {
				t.Errorf("status = %+v", st)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("task never ran")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func TestIntervalSchedule(t *testing.T) {
	base := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)
	next := Every(30 * time.Minute).Next(base)
	if next != base.Add(30*time.Minute) {
		t.Errorf("next = %s", next)
	}
}

func TestDailySchedule(t *testing.T) {
	sched := Daily(3, 30)

	before := time.Date(2026, 9, 1, 1, 0, 0, 0, time.UTC)
	next := sched.Next(before)
	if next.Hour() != 3 || next.Minute() != 30 || next.Day() != 1 {
		t.Errorf("next from before = %s", next)
	}

	after := time.Date(2026, 9, 1, 4, 0, 0, 0, time.UTC)
	next = sched.Next(after)
	if next.Day() != 2 {
		t.Errorf("next from after = %s", next)
	}
}

func TestIntegrityCheckTask(t *testing.T) {
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "integrity.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store, err := audit.NewStore(db)
	if err != nil {
		t.Fatalf("entry store: %v", err)
	}
	incidents, err := incident.NewStore(db, nil)
	if err != nil {
		t.Fatalf("incident store: %v", err)
	}
	verifier := audit.NewVerifier(store, incidents, events.NewHub(), nil)

	ctx := context.Background()
	var victim audit.Entry
	for i := 0; i < 3; i++ {
		head, _ := store.Head(ctx)
		e := audit.Entry{
			ID:         uuid.NewString(),
			ActorID:    "admin-1",
			ActorRole:  "ADMIN",
			Action:     audit.ActionUpdate,
			EntityType: "invoice",
			Details:    "edit",
			CreatedAt:  time.Now().UTC(),
			PrevHash:   head.Hash,
		}
		e.CurrHash = audit.ComputeHash(head.Hash, e)
		if _, err := store.Append(ctx, e); err != nil {
			t.Fatalf("append: %v", err)
		}
		if i == 1 {
			victim = e
		}
	}

	task := NewIntegrityCheckTask(verifier, time.Hour)
	if err := task.Func(ctx); err != nil {
		t.Fatalf("intact chain reported: %v", err)
	}

	if err := store.TamperRaw(ctx, victim.ID, "details", "forged"); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	err = task.Func(ctx)
	if !errors.Is(err, audit.ErrIntegrity) {
		t.Fatalf("error = %v, want ErrIntegrity", err)
	}
}

func TestAnomalyScanTask(t *testing.T) {
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "anomaly.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store, err := audit.NewStore(db)
	if err != nil {
		t.Fatalf("entry store: %v", err)
	}
	incidents, err := incident.NewStore(db, nil)
	if err != nil {
		t.Fatalf("incident store: %v", err)
	}
	hub := events.NewHub()
	alerts := hub.Subscribe(4, events.KindAlert)

	// One actor bursts past the threshold inside the window.
	ctx := context.Background()
	now := time.Now().UTC()
	for i := 0; i < 5; i++ {
		head, _ := store.Head(ctx)
		e := audit.Entry{
			ID:         uuid.NewString(),
			ActorID:    "rogue",
			ActorRole:  "ADMIN",
			Action:     audit.ActionDelete,
			EntityType: "user",
			CreatedAt:  now.Add(-time.Minute),
			PrevHash:   head.Hash,
		}
		e.CurrHash = audit.ComputeHash(head.Hash, e)
		if _, err := store.Append(ctx, e); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	task := NewAnomalyScanTask(store, incidents, hub, nil,
		AnomalyConfig{Window: 10 * time.Minute, Threshold: 5}, time.Minute)
	if err := task.Func(ctx); err != nil {
		t.Fatalf("scan: %v", err)
	}

	// A second scan of the same burst must not open a duplicate.
	if err := task.Func(ctx); err != nil {
		t.Fatalf("rescan: %v", err)
	}

	open, err := incidents.List(ctx, incident.StatusOpen, 0)
	if err != nil {
		t.Fatalf("list incidents: %v", err)
	}
	if len(open) != 1 || open[0].Type != incident.TypeAnomaly {
		t.Fatalf("incidents = %+v, want one anomaly", open)
	}

	select {
	case ev := <-alerts:
		data := ev.Data.(events.AlertData)
		if data.Type != incident.TypeAnomaly || data.IncidentID != open[0].ID {
			t.Errorf("alert = %+v", data)
		}
	case <-time.After(100 * time.Millisecond):
		t.Error("no alert broadcast")
	}
}

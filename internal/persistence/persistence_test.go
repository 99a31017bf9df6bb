package persistence

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/ry-ops/taskguard/internal/config"
	"github.com/ry-ops/taskguard/internal/model"
	"github.com/ry-ops/taskguard/internal/store"
)

type noopPublisher struct{}

func (noopPublisher) Publish(model.Event) {}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newRunningStore(t *testing.T) *store.Store {
	t.Helper()
	st := store.New(store.WithHeartbeatRingSize(4))
	go st.Run()
	t.Cleanup(st.Stop)
	return st
}

func TestMemoryOnlyEngineHasNoWAL(t *testing.T) {
	st := newRunningStore(t)
	cfg := config.Config{PersistenceMode: config.PersistenceMemoryOnly}
	e, err := New(st, cfg, noopPublisher{}, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if e.wal != nil {
		t.Fatalf("memory-only engine must not open a WAL")
	}
	if err := e.Recover(context.Background()); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if _, err := e.RegisterWorker(nil, 1); err != nil {
		t.Fatalf("RegisterWorker: %v", err)
	}
}

func TestPeriodicSnapshotWriteAndRecover(t *testing.T) {
	dir := t.TempDir()
	snapPath := filepath.Join(dir, "snapshot.json")

	st := newRunningStore(t)
	cfg := config.Config{PersistenceMode: config.PersistencePeriodicSnapshot, SnapshotPath: snapPath, SnapshotInterval: time.Hour}
	e, err := New(st, cfg, noopPublisher{}, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	w, _ := e.RegisterWorker([]string{"gpu"}, 2)
	task, _ := e.AdmitTask("x", "", model.PriorityP1, 1, time.Minute)
	if err := e.AssignTask(task.ID, w.ID); err != nil {
		t.Fatalf("AssignTask: %v", err)
	}

	e.snapshotTick()

	st2 := newRunningStore(t)
	cfg2 := cfg
	e2, err := New(st2, cfg2, noopPublisher{}, testLogger())
	if err != nil {
		t.Fatalf("New (recovery): %v", err)
	}
	if err := e2.Recover(context.Background()); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	got, err := e2.GetTask(task.ID)
	if err != nil {
		t.Fatalf("GetTask after recovery: %v", err)
	}
	if got.State != model.TaskInProgress {
		t.Fatalf("want in-progress after recovery, got %s", got.State)
	}
}

func TestWriteAheadLogReplayReconstructsState(t *testing.T) {
	dir := t.TempDir()
	walPath := filepath.Join(dir, "wal.log")
	snapPath := filepath.Join(dir, "snapshot.json")

	st := newRunningStore(t)
	cfg := config.Config{PersistenceMode: config.PersistenceWriteAheadLog, WALPath: walPath, SnapshotPath: snapPath, SnapshotInterval: time.Hour}
	e, err := New(st, cfg, noopPublisher{}, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := e.Recover(context.Background()); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	w, err := e.RegisterWorker([]string{"gpu"}, 2)
	if err != nil {
		t.Fatalf("RegisterWorker: %v", err)
	}
	task, err := e.AdmitTask("do the thing", "", model.PriorityP0, 2, time.Minute)
	if err != nil {
		t.Fatalf("AdmitTask: %v", err)
	}
	if err := e.AssignTask(task.ID, w.ID); err != nil {
		t.Fatalf("AssignTask: %v", err)
	}
	if err := e.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	st2 := newRunningStore(t)
	e2, err := New(st2, cfg, noopPublisher{}, testLogger())
	if err != nil {
		t.Fatalf("New (recovery): %v", err)
	}
	if err := e2.Recover(context.Background()); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	gotTask, err := e2.GetTask(task.ID)
	if err != nil {
		t.Fatalf("GetTask after replay: %v", err)
	}
	if gotTask.State != model.TaskInProgress || gotTask.WorkerID != w.ID {
		t.Fatalf("replay did not reconstruct assignment: %+v", gotTask)
	}

	gotWorker, err := e2.GetWorker(w.ID)
	if err != nil {
		t.Fatalf("GetWorker after replay: %v", err)
	}
	if gotWorker.Load != 1 {
		t.Fatalf("want load 1 after replay, got %d", gotWorker.Load)
	}
}

package lifecycle

import (
	"log/slog"
	"io"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/ry-ops/taskguard/internal/model"
)

type fakeStore struct {
	late, timedOut   []model.Worker
	drainExpired     []model.Worker
	forceUnregistered []string
	released         []string
}

func (f *fakeStore) ListStaleWorkers(warnCutoff, timeoutCutoff time.Time) ([]model.Worker, []model.Worker) {
	return f.late, f.timedOut
}

func (f *fakeStore) ListDrainDeadlineExpired(now time.Time) []model.Worker {
	return f.drainExpired
}

func (f *fakeStore) ForceUnregisterWorker(id string, reason model.EventKind) ([]string, error) {
	f.forceUnregistered = append(f.forceUnregistered, id)
	return []string{"orphan-" + id}, nil
}

func (f *fakeStore) ReleaseTask(taskID, excludeWorkerID, reason string) error {
	f.released = append(f.released, taskID)
	return nil
}

func (f *fakeStore) RegisterWorker(capabilities []string, maxConcurrent int) (model.Worker, error) {
	return model.Worker{}, nil
}

func (f *fakeStore) UnregisterWorker(id string, drainGrace time.Duration) error { return nil }

func (f *fakeStore) RecordHeartbeat(id, status string, progress map[string]float64) error { return nil }

func testManager(fs *fakeStore) *Manager {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(fs, Config{HeartbeatCheckInterval: time.Second, HeartbeatWarning: 10 * time.Second, HeartbeatTimeout: 15 * time.Second}, noop.NewMeterProvider().Meter("test"), log)
}

func TestSweepHeartbeatsReleasesOrphanedTasksOnTimeout(t *testing.T) {
	fs := &fakeStore{timedOut: []model.Worker{{ID: "w1"}}}
	m := testManager(fs)
	m.sweepHeartbeats()

	if len(fs.forceUnregistered) != 1 || fs.forceUnregistered[0] != "w1" {
		t.Fatalf("expected w1 force-unregistered, got %v", fs.forceUnregistered)
	}
	if len(fs.released) != 1 || fs.released[0] != "orphan-w1" {
		t.Fatalf("expected orphan-w1 released, got %v", fs.released)
	}
}

func TestSweepHeartbeatsDoesNotTouchLateWorkers(t *testing.T) {
	fs := &fakeStore{late: []model.Worker{{ID: "w2"}}}
	m := testManager(fs)
	m.sweepHeartbeats()

	if len(fs.forceUnregistered) != 0 {
		t.Fatalf("late workers must not be force-unregistered, got %v", fs.forceUnregistered)
	}
}

func TestSweepDrainDeadlinesReleasesTasks(t *testing.T) {
	fs := &fakeStore{drainExpired: []model.Worker{{ID: "w3"}}}
	m := testManager(fs)
	m.sweepDrainDeadlines()

	if len(fs.forceUnregistered) != 1 || fs.forceUnregistered[0] != "w3" {
		t.Fatalf("expected w3 force-unregistered, got %v", fs.forceUnregistered)
	}
	if len(fs.released) != 1 || fs.released[0] != "orphan-w3" {
		t.Fatalf("expected orphan-w3 released, got %v", fs.released)
	}
}

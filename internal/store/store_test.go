package store

import (
	"testing"
	"time"

	"github.com/ry-ops/taskguard/internal/model"
)

type recordingPublisher struct {
	events []model.Event
}

func (r *recordingPublisher) Publish(ev model.Event) {
	r.events = append(r.events, ev)
}

func newTestStore(t *testing.T) (*Store, *recordingPublisher) {
	t.Helper()
	pub := &recordingPublisher{}
	s := New(WithPublisher(pub), WithHeartbeatRingSize(4))
	go s.Run()
	t.Cleanup(s.Stop)
	return s, pub
}

func TestRegisterWorkerAssignsIdleState(t *testing.T) {
	s, _ := newTestStore(t)
	w, err := s.RegisterWorker([]string{"gpu"}, 2)
	if err != nil {
		t.Fatalf("RegisterWorker: %v", err)
	}
	if w.State != model.WorkerIdle {
		t.Fatalf("want idle state, got %s", w.State)
	}
	if !w.HasCapability("gpu") {
		t.Fatalf("expected capability gpu")
	}
}

func TestRegisterWorkerDuplicateID(t *testing.T) {
	s, _ := newTestStore(t)
	if _, err := s.RegisterWorkerWithID("w1", nil, 1); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if _, err := s.RegisterWorkerWithID("w1", nil, 1); err != ErrAlreadyExists {
		t.Fatalf("want ErrAlreadyExists, got %v", err)
	}
}

func TestQueuePriorityOrderingStableWithinRank(t *testing.T) {
	s, _ := newTestStore(t)
	a, _ := s.AdmitTask("a", "", model.PriorityP2, 3, time.Minute)
	b, _ := s.AdmitTask("b", "", model.PriorityP0, 3, time.Minute)
	c, _ := s.AdmitTask("c", "", model.PriorityP2, 3, time.Minute)
	d, _ := s.AdmitTask("d", "", model.PriorityP1, 3, time.Minute)

	q := s.PeekQueue()
	var ids []string
	for _, t := range q {
		ids = append(ids, t.ID)
	}
	want := []string{b.ID, d.ID, a.ID, c.ID}
	for i, id := range want {
		if ids[i] != id {
			t.Fatalf("queue order mismatch at %d: got %v want %v", i, ids, want)
		}
	}
}

func TestAssignTaskTransitionsStraightToInProgress(t *testing.T) {
	s, _ := newTestStore(t)
	w, _ := s.RegisterWorker(nil, 1)
	task, _ := s.AdmitTask("x", "", model.PriorityP1, 1, time.Minute)

	if err := s.AssignTask(task.ID, w.ID); err != nil {
		t.Fatalf("AssignTask: %v", err)
	}
	got, err := s.GetTask(task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.State != model.TaskInProgress {
		t.Fatalf("want in-progress, got %s", got.State)
	}
	gw, _ := s.GetWorker(w.ID)
	if gw.Load != 1 || gw.State != model.WorkerBusy {
		t.Fatalf("worker not updated: load=%d state=%s", gw.Load, gw.State)
	}
}

func TestAssignTaskRejectsNonQueuedTask(t *testing.T) {
	s, _ := newTestStore(t)
	w, _ := s.RegisterWorker(nil, 2)
	task, _ := s.AdmitTask("x", "", model.PriorityP1, 1, time.Minute)
	if err := s.AssignTask(task.ID, w.ID); err != nil {
		t.Fatalf("first assign: %v", err)
	}
	if err := s.AssignTask(task.ID, w.ID); err != ErrConflict {
		t.Fatalf("want ErrConflict on double-assign, got %v", err)
	}
}

func TestCompleteTaskIsIdempotent(t *testing.T) {
	s, _ := newTestStore(t)
	w, _ := s.RegisterWorker(nil, 1)
	task, _ := s.AdmitTask("x", "", model.PriorityP1, 1, time.Minute)
	_ = s.AssignTask(task.ID, w.ID)

	if err := s.CompleteTask(task.ID, model.Outcome{State: model.TaskCompleted}); err != nil {
		t.Fatalf("first complete: %v", err)
	}
	if err := s.CompleteTask(task.ID, model.Outcome{State: model.TaskCompleted}); err != ErrConflict {
		t.Fatalf("want ErrConflict on second complete, got %v", err)
	}
	gw, _ := s.GetWorker(w.ID)
	if gw.Load != 0 {
		t.Fatalf("want load 0 after completion, got %d", gw.Load)
	}
}

func TestReleaseTaskRetriesThenFails(t *testing.T) {
	s, _ := newTestStore(t)
	w1, _ := s.RegisterWorker(nil, 1)
	task, _ := s.AdmitTask("x", "", model.PriorityP1, 1, time.Minute)
	_ = s.AssignTask(task.ID, w1.ID)

	if err := s.ReleaseTask(task.ID, w1.ID, "worker-timeout"); err != nil {
		t.Fatalf("release: %v", err)
	}
	got, _ := s.GetTask(task.ID)
	if got.State != model.TaskQueued || got.RetryCount != 1 {
		t.Fatalf("want requeued retry 1, got state=%s retry=%d", got.State, got.RetryCount)
	}

	w2, _ := s.RegisterWorker(nil, 1)
	_ = s.AssignTask(task.ID, w2.ID)
	if err := s.ReleaseTask(task.ID, w2.ID, "worker-timeout"); err != nil {
		t.Fatalf("second release: %v", err)
	}
	got, _ = s.GetTask(task.ID)
	if got.State != model.TaskFailed {
		t.Fatalf("want failed after exhausting retries, got %s", got.State)
	}
}

func TestListCandidatesExcludesIneligibleWorkers(t *testing.T) {
	s, _ := newTestStore(t)
	full, _ := s.RegisterWorker([]string{"nlp"}, 1)
	task, _ := s.AdmitTask("x", "", model.PriorityP1, 1, time.Minute)
	_ = s.AssignTask(task.ID, full.ID) // now at max load

	other, _ := s.RegisterWorker([]string{"nlp"}, 1)
	task2, _ := s.AdmitTask("y", "", model.PriorityP1, 1, time.Minute)

	candidates, err := s.ListCandidates(task2.ID, "nlp")
	if err != nil {
		t.Fatalf("ListCandidates: %v", err)
	}
	if len(candidates) != 1 || candidates[0].ID != other.ID {
		t.Fatalf("expected only %s eligible, got %+v", other.ID, candidates)
	}
}

func TestForceUnregisterWorkerReturnsOrphanedTasks(t *testing.T) {
	s, _ := newTestStore(t)
	w, _ := s.RegisterWorker(nil, 2)
	task, _ := s.AdmitTask("x", "", model.PriorityP1, 1, time.Minute)
	_ = s.AssignTask(task.ID, w.ID)

	orphaned, err := s.ForceUnregisterWorker(w.ID, model.EventWorkerTimeout)
	if err != nil {
		t.Fatalf("ForceUnregisterWorker: %v", err)
	}
	if len(orphaned) != 1 || orphaned[0] != task.ID {
		t.Fatalf("expected orphaned task %s, got %v", task.ID, orphaned)
	}
	if _, err := s.GetWorker(w.ID); err != ErrNotFound {
		t.Fatalf("expected worker gone, got err=%v", err)
	}
}

func TestRecordHeartbeatAfterTimeoutReturnsNotFound(t *testing.T) {
	s, _ := newTestStore(t)
	w, _ := s.RegisterWorker(nil, 1)
	if _, err := s.ForceUnregisterWorker(w.ID, model.EventWorkerTimeout); err != nil {
		t.Fatalf("force unregister: %v", err)
	}
	if err := s.RecordHeartbeat(w.ID, "ok", nil); err != ErrNotFound {
		t.Fatalf("want ErrNotFound for zombie heartbeat, got %v", err)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	w, _ := s.RegisterWorker([]string{"gpu"}, 2)
	task, _ := s.AdmitTask("x", "", model.PriorityP1, 1, time.Minute)
	_ = s.AssignTask(task.ID, w.ID)

	snap := s.SnapshotForPersistence()

	s2, _ := newTestStore(t)
	s2.ApplyRecovered(snap)

	got, err := s2.GetTask(task.ID)
	if err != nil {
		t.Fatalf("GetTask after recovery: %v", err)
	}
	if got.State != model.TaskInProgress {
		t.Fatalf("want in-progress after recovery, got %s", got.State)
	}
	gw, err := s2.GetWorker(w.ID)
	if err != nil {
		t.Fatalf("GetWorker after recovery: %v", err)
	}
	if gw.Load != 1 {
		t.Fatalf("want load 1 after recovery, got %d", gw.Load)
	}
}

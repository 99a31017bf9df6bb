package store

import (
	"time"

	"github.com/ry-ops/taskguard/internal/model"
)

// insertQueued inserts taskID into the priority queue, maintaining a stable
// ordering by (priority rank, submission order): scanning from the front and
// inserting before the first entry with a strictly higher (worse) rank number,
// or with the same rank and a later submission time, leaves same-rank entries
// in submission order (a re-queued task regains its original place), satisfying
// the "within a priority level, admission order equals dispatch order" property.
func (s *Store) insertQueued(taskID string, rank int) {
	submitted := s.tasks[taskID].SubmittedAt
	pos := len(s.queue)
	for i, id := range s.queue {
		other := s.tasks[id]
		if other.Priority.Rank() > rank || (other.Priority.Rank() == rank && other.SubmittedAt.After(submitted)) {
			pos = i
			break
		}
	}
	s.queue = append(s.queue, "")
	copy(s.queue[pos+1:], s.queue[pos:])
	s.queue[pos] = taskID
}

func (s *Store) removeQueued(taskID string) {
	for i, id := range s.queue {
		if id == taskID {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return
		}
	}
}

// AdmitTask generates an ID and admits a new task onto the priority queue.
func (s *Store) AdmitTask(desc, declaredType string, priority model.TaskPriority, maxRetries int, ttl time.Duration) (model.Task, error) {
	return s.AdmitTaskWithID(newID(), desc, declaredType, priority, maxRetries, ttl)
}

// AdmitTaskWithID admits a task under an explicit ID (normal path via
// AdmitTask, or WAL/snapshot replay during recovery).
func (s *Store) AdmitTaskWithID(id, desc, declaredType string, priority model.TaskPriority, maxRetries int, ttl time.Duration) (model.Task, error) {
	type reply struct {
		t   model.Task
		err error
	}
	out := make(chan reply, 1)
	s.submit(func() {
		if _, exists := s.tasks[id]; exists {
			out <- reply{err: ErrAlreadyExists}
			return
		}
		t := &model.Task{
			ID:           id,
			SubmittedAt:  time.Now(),
			Description:  desc,
			DeclaredType: declaredType,
			Priority:     priority,
			MaxRetries:   maxRetries,
			TTL:          ttl,
			State:        model.TaskAdmitted,
		}
		s.tasks[id] = t
		t.State = model.TaskQueued
		s.insertQueued(id, priority.Rank())
		s.publish(model.Event{Kind: model.EventTaskAdmitted, SubjectID: id, After: taskSummary(t)})
		out <- reply{t: cloneTask(t)}
	})
	r := <-out
	return r.t, r.err
}

// SetRouting records the MoE routing decision (chosen category and per-
// category scores) on a task, without changing its lifecycle state.
func (s *Store) SetRouting(taskID, category string, scores map[string]float64) error {
	out := make(chan error, 1)
	s.submit(func() {
		t, ok := s.tasks[taskID]
		if !ok {
			out <- ErrNotFound
			return
		}
		t.ChosenCategory = category
		t.Scores = scores
		out <- nil
	})
	return <-out
}

// PeekQueue returns a snapshot of the queue in dispatch order, for the
// scheduler's dispatch loop to inspect without committing to a pop.
func (s *Store) PeekQueue() []model.Task {
	out := make(chan []model.Task, 1)
	s.submit(func() {
		list := make([]model.Task, 0, len(s.queue))
		for _, id := range s.queue {
			list = append(list, cloneTask(s.tasks[id]))
		}
		out <- list
	})
	return <-out
}

// ListCandidates returns workers eligible to receive taskID: admissible
// lifecycle state, load below max, carrying requiredCapability (when it is
// non-empty), and not in the task's excluded-worker set.
func (s *Store) ListCandidates(taskID string, requiredCapability string) ([]model.Worker, error) {
	type reply struct {
		list []model.Worker
		err  error
	}
	out := make(chan reply, 1)
	s.submit(func() {
		t, ok := s.tasks[taskID]
		if !ok {
			out <- reply{err: ErrNotFound}
			return
		}
		var list []model.Worker
		for _, w := range s.workers {
			if !w.State.Admissible() {
				continue
			}
			if w.Load >= w.MaxConcurrent {
				continue
			}
			if requiredCapability != "" && !w.HasCapability(requiredCapability) {
				continue
			}
			if _, excluded := t.ExcludedWorkers[w.ID]; excluded {
				continue
			}
			list = append(list, cloneWorker(w))
		}
		out <- reply{list: list}
	})
	r := <-out
	return r.list, r.err
}

// AssignTask hands taskID to workerID. Per the daemon's fire-and-forget
// dispatch model (no blocking worker-ack RPC), this transitions the task
// straight from Queued to InProgress and removes it from the queue.
func (s *Store) AssignTask(taskID, workerID string) error {
	out := make(chan error, 1)
	s.submit(func() {
		t, ok := s.tasks[taskID]
		if !ok {
			out <- ErrNotFound
			return
		}
		w, ok := s.workers[workerID]
		if !ok {
			out <- ErrNotFound
			return
		}
		if t.State != model.TaskQueued {
			out <- ErrConflict
			return
		}
		before := taskSummary(t)
		s.removeQueued(taskID)
		t.State = model.TaskInProgress
		t.WorkerID = workerID
		w.Load++
		w.LastAssignedAt = time.Now()
		if w.State == model.WorkerIdle {
			w.State = model.WorkerBusy
		}
		s.publish(model.Event{Kind: model.EventTaskAssigned, SubjectID: taskID, Before: before, After: taskSummary(t)})
		out <- nil
	})
	return <-out
}

// CompleteTask records a terminal outcome reported by the task's assigned
// worker. It is idempotent: a report for an already-terminal task returns
// ErrConflict rather than re-applying the mutation, satisfying the
// exactly-once completion-accounting property.
func (s *Store) CompleteTask(taskID string, outcome model.Outcome) error {
	out := make(chan error, 1)
	s.submit(func() {
		t, ok := s.tasks[taskID]
		if !ok {
			out <- ErrNotFound
			return
		}
		if t.State.Terminal() {
			out <- ErrConflict
			return
		}
		before := taskSummary(t)
		if t.State == model.TaskQueued {
			s.removeQueued(taskID)
		}
		t.State = outcome.State
		t.Outcome = &outcome
		if w, ok := s.workers[t.WorkerID]; ok {
			w.Load--
			if w.Load < 0 {
				w.Load = 0
			}
			if w.State == model.WorkerDraining && w.Load == 0 {
				delete(s.workers, w.ID)
				s.publish(model.Event{Kind: model.EventWorkerUnregistered, SubjectID: w.ID})
			} else if w.State == model.WorkerBusy && w.Load == 0 {
				w.State = model.WorkerIdle
			}
		}
		kind := model.EventTaskCompleted
		if outcome.State == model.TaskFailed {
			kind = model.EventTaskFailed
		} else if outcome.State == model.TaskExpired {
			kind = model.EventTaskExpired
		}
		s.publish(model.Event{Kind: kind, SubjectID: taskID, Before: before, After: taskSummary(t)})
		out <- nil
	})
	return <-out
}

// ReleaseTask returns an in-flight task to the queue after its worker is
// gone (timeout, force-unregister) or a dispatch attempt failed. If retries
// remain it is re-enqueued with RetryCount incremented and the failed worker
// excluded from future candidate lists; otherwise it is marked Failed with
// reason "exhausted-retries".
func (s *Store) ReleaseTask(taskID, excludeWorkerID, reason string) error {
	out := make(chan error, 1)
	s.submit(func() {
		t, ok := s.tasks[taskID]
		if !ok {
			out <- ErrNotFound
			return
		}
		if t.State.Terminal() {
			out <- ErrConflict
			return
		}
		before := taskSummary(t)
		t.WorkerID = ""
		if excludeWorkerID != "" {
			if t.ExcludedWorkers == nil {
				t.ExcludedWorkers = make(map[string]struct{})
			}
			t.ExcludedWorkers[excludeWorkerID] = struct{}{}
		}
		if t.RetryCount >= t.MaxRetries {
			t.State = model.TaskFailed
			t.Outcome = &model.Outcome{State: model.TaskFailed, Reason: "exhausted-retries", Detail: reason}
			s.publish(model.Event{Kind: model.EventTaskFailed, SubjectID: taskID, Before: before, After: taskSummary(t)})
			out <- nil
			return
		}
		t.RetryCount++
		t.State = model.TaskQueued
		s.insertQueued(taskID, t.Priority.Rank())
		s.publish(model.Event{Kind: model.EventTaskReassigned, SubjectID: taskID, Before: before, After: taskSummary(t)})
		out <- nil
	})
	return <-out
}

// CancelTask marks a task Cancelled-in-effect: if still queued it is removed
// outright; if in progress it is left running (the scheduler enforces the
// grace period and forces failure afterward via ReleaseTask/CompleteTask).
func (s *Store) CancelTask(taskID, reason string) (model.Task, error) {
	type reply struct {
		t   model.Task
		err error
	}
	out := make(chan reply, 1)
	s.submit(func() {
		t, ok := s.tasks[taskID]
		if !ok {
			out <- reply{err: ErrNotFound}
			return
		}
		if t.State.Terminal() {
			out <- reply{err: ErrConflict}
			return
		}
		before := taskSummary(t)
		if t.State == model.TaskQueued {
			s.removeQueued(taskID)
			t.State = model.TaskFailed
			t.Outcome = &model.Outcome{State: model.TaskFailed, Reason: "cancelled", Detail: reason}
			s.publish(model.Event{Kind: model.EventTaskCancelled, SubjectID: taskID, Before: before, After: taskSummary(t)})
		}
		out <- reply{t: cloneTask(t)}
	})
	r := <-out
	return r.t, r.err
}

// GetTask returns a snapshot of one task's state.
func (s *Store) GetTask(id string) (model.Task, error) {
	type reply struct {
		t   model.Task
		err error
	}
	out := make(chan reply, 1)
	s.submit(func() {
		t, ok := s.tasks[id]
		if !ok {
			out <- reply{err: ErrNotFound}
			return
		}
		out <- reply{t: cloneTask(t)}
	})
	r := <-out
	return r.t, r.err
}

// ListTasks returns a snapshot of every task.
func (s *Store) ListTasks() []model.Task {
	out := make(chan []model.Task, 1)
	s.submit(func() {
		list := make([]model.Task, 0, len(s.tasks))
		for _, t := range s.tasks {
			list = append(list, cloneTask(t))
		}
		out <- list
	})
	return <-out
}

// ListExpired returns non-terminal tasks whose TTL has elapsed since
// submission, for the TTL sweep (C7) to expire.
func (s *Store) ListExpired(now time.Time) []model.Task {
	out := make(chan []model.Task, 1)
	s.submit(func() {
		var list []model.Task
		for _, t := range s.tasks {
			if t.State.Terminal() {
				continue
			}
			if t.TTL > 0 && now.After(t.SubmittedAt.Add(t.TTL)) {
				list = append(list, cloneTask(t))
			}
		}
		out <- list
	})
	return <-out
}

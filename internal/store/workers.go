package store

import (
	"time"

	"github.com/ry-ops/taskguard/internal/model"
)

// RegisterWorker generates an ID and registers a new worker with the given
// capability tags and concurrency limit.
func (s *Store) RegisterWorker(capabilities []string, maxConcurrent int) (model.Worker, error) {
	return s.RegisterWorkerWithID(newID(), capabilities, maxConcurrent)
}

// RegisterWorkerWithID registers a worker under an explicit ID. Used both for
// normal registration (via RegisterWorker) and for WAL/snapshot replay during
// crash recovery, where the ID must match what was already durably recorded.
func (s *Store) RegisterWorkerWithID(id string, capabilities []string, maxConcurrent int) (model.Worker, error) {
	type reply struct {
		w   model.Worker
		err error
	}
	out := make(chan reply, 1)
	s.submit(func() {
		if _, exists := s.workers[id]; exists {
			out <- reply{err: ErrAlreadyExists}
			return
		}
		now := time.Now()
		w := &model.Worker{
			ID:            id,
			Capabilities:  toSet(capabilities),
			MaxConcurrent: maxConcurrent,
			RegisteredAt:  now,
			LastHeartbeat: now,
			State:         model.WorkerIdle,
			Heartbeats:    model.NewHeartbeatRing(s.heartbeatRingSize),
		}
		s.workers[id] = w
		s.publish(model.Event{Kind: model.EventWorkerRegistered, SubjectID: id, After: workerSummary(w)})
		out <- reply{w: cloneWorker(w)}
	})
	r := <-out
	return r.w, r.err
}

// UnregisterWorker begins graceful removal of a worker. If it currently holds
// no tasks it is removed immediately; otherwise it moves to Draining and will
// be removed once its load reaches zero or drainDeadline passes, whichever
// comes first (the latter is enforced by the lifecycle sweep, not here).
func (s *Store) UnregisterWorker(id string, drainGrace time.Duration) error {
	out := make(chan error, 1)
	s.submit(func() {
		w, ok := s.workers[id]
		if !ok {
			out <- ErrNotFound
			return
		}
		before := workerSummary(w)
		if w.Load == 0 {
			delete(s.workers, id)
			s.publish(model.Event{Kind: model.EventWorkerUnregistered, SubjectID: id, Before: before})
			out <- nil
			return
		}
		w.State = model.WorkerDraining
		w.DrainDeadline = time.Now().Add(drainGrace)
		out <- nil
	})
	return <-out
}

// ForceUnregisterWorker removes a worker unconditionally — used by the
// heartbeat-timeout sweep and by drain-deadline enforcement. It returns the
// IDs of tasks that were still assigned to the worker so the caller can
// release them back to the queue via ReleaseTask.
//
// When reason is EventWorkerTimeout the worker is moved to TimedOut before
// removal, so the abnormal Busy/Idle -> TimedOut -> Unregistered branch of
// the lifecycle actually fires and is reflected in the published event's
// Before snapshot, rather than jumping straight from Busy/Idle to deleted.
func (s *Store) ForceUnregisterWorker(id string, reason model.EventKind) ([]string, error) {
	type reply struct {
		taskIDs []string
		err     error
	}
	out := make(chan reply, 1)
	s.submit(func() {
		w, ok := s.workers[id]
		if !ok {
			out <- reply{err: ErrNotFound}
			return
		}
		if reason == model.EventWorkerTimeout {
			w.State = model.WorkerTimedOut
		}
		before := workerSummary(w)
		var orphaned []string
		for _, t := range s.tasks {
			if t.WorkerID == id && !t.State.Terminal() {
				orphaned = append(orphaned, t.ID)
			}
		}
		delete(s.workers, id)
		s.publish(model.Event{Kind: reason, SubjectID: id, Before: before})
		out <- reply{taskIDs: orphaned}
	})
	r := <-out
	return r.taskIDs, r.err
}

// RecordHeartbeat records a liveness pulse from a worker. A worker that has
// already timed out and been force-unregistered is, by construction, absent
// from the map, so a stale heartbeat from it naturally returns ErrNotFound
// rather than reviving a zombie entry.
func (s *Store) RecordHeartbeat(id, status string, progress map[string]float64) error {
	out := make(chan error, 1)
	s.submit(func() {
		w, ok := s.workers[id]
		if !ok {
			out <- ErrNotFound
			return
		}
		now := time.Now()
		w.LastHeartbeat = now
		w.Heartbeats.Push(model.HeartbeatRecord{Timestamp: now, Status: status, Progress: progress})
		out <- nil
	})
	return <-out
}

// GetWorker returns a snapshot of one worker's state.
func (s *Store) GetWorker(id string) (model.Worker, error) {
	type reply struct {
		w   model.Worker
		err error
	}
	out := make(chan reply, 1)
	s.submit(func() {
		w, ok := s.workers[id]
		if !ok {
			out <- reply{err: ErrNotFound}
			return
		}
		out <- reply{w: cloneWorker(w)}
	})
	r := <-out
	return r.w, r.err
}

// ListWorkers returns a snapshot of every registered worker.
func (s *Store) ListWorkers() []model.Worker {
	out := make(chan []model.Worker, 1)
	s.submit(func() {
		list := make([]model.Worker, 0, len(s.workers))
		for _, w := range s.workers {
			list = append(list, cloneWorker(w))
		}
		out <- list
	})
	return <-out
}

// ListStaleWorkers returns workers whose last heartbeat precedes cutoff and
// are not already TimedOut, split by whether they have crossed the warning
// threshold (warnCutoff) or the hard timeout threshold (timeoutCutoff). Used
// by the lifecycle heartbeat sweep (C6).
func (s *Store) ListStaleWorkers(warnCutoff, timeoutCutoff time.Time) (late, timedOut []model.Worker) {
	type reply struct{ late, timedOut []model.Worker }
	out := make(chan reply, 1)
	s.submit(func() {
		var r reply
		for _, w := range s.workers {
			if w.State == model.WorkerTimedOut || w.State == model.WorkerUnregistered {
				continue
			}
			switch {
			case w.LastHeartbeat.Before(timeoutCutoff):
				r.timedOut = append(r.timedOut, cloneWorker(w))
			case w.LastHeartbeat.Before(warnCutoff):
				r.late = append(r.late, cloneWorker(w))
			}
		}
		out <- r
	})
	r := <-out
	return r.late, r.timedOut
}

// ListDrainDeadlineExpired returns workers still Draining whose deadline has
// passed without load reaching zero.
func (s *Store) ListDrainDeadlineExpired(now time.Time) []model.Worker {
	out := make(chan []model.Worker, 1)
	s.submit(func() {
		var list []model.Worker
		for _, w := range s.workers {
			if w.State == model.WorkerDraining && now.After(w.DrainDeadline) {
				list = append(list, cloneWorker(w))
			}
		}
		out <- list
	})
	return <-out
}

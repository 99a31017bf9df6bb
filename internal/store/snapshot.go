package store

import "github.com/ry-ops/taskguard/internal/model"

// Snapshot is the full authoritative state, serialized for persistence (C2).
// It is produced and installed only at well-defined points — periodic
// snapshot writes and startup recovery — never per-mutation.
type Snapshot struct {
	Workers []model.Worker
	Tasks   []model.Task
	Queue   []string
	Clock   uint64
}

// NextSeq returns a monotonically increasing sequence number, used by the
// persistence engine (C2) to order write-ahead-log entries. It carries no
// meaning to the store itself beyond "happened after everything with a
// lower value."
func (s *Store) NextSeq() uint64 {
	out := make(chan uint64, 1)
	s.submit(func() {
		s.clock++
		out <- s.clock
	})
	return <-out
}

// SnapshotForPersistence returns a point-in-time copy of all state suitable
// for writing to disk.
func (s *Store) SnapshotForPersistence() Snapshot {
	out := make(chan Snapshot, 1)
	s.submit(func() {
		snap := Snapshot{
			Workers: make([]model.Worker, 0, len(s.workers)),
			Tasks:   make([]model.Task, 0, len(s.tasks)),
			Queue:   append([]string(nil), s.queue...),
			Clock:   s.clock,
		}
		for _, w := range s.workers {
			snap.Workers = append(snap.Workers, cloneWorker(w))
		}
		for _, t := range s.tasks {
			snap.Tasks = append(snap.Tasks, cloneTask(t))
		}
		out <- snap
	})
	return <-out
}

// ApplyRecovered installs a snapshot loaded at startup. In write-ahead-log
// mode the persistence engine replays later WAL entries on top of it
// afterwards, through the ordinary mutation methods. It must be called at
// most once, before any other operation is issued against the store, since
// it overwrites rather than merges.
func (s *Store) ApplyRecovered(snap Snapshot) {
	done := make(chan struct{})
	s.submit(func() {
		s.workers = make(map[string]*model.Worker, len(snap.Workers))
		for i := range snap.Workers {
			w := snap.Workers[i]
			if w.Heartbeats == nil {
				w.Heartbeats = model.NewHeartbeatRing(s.heartbeatRingSize)
			}
			s.workers[w.ID] = &w
		}
		s.tasks = make(map[string]*model.Task, len(snap.Tasks))
		for i := range snap.Tasks {
			t := snap.Tasks[i]
			s.tasks[t.ID] = &t
		}
		s.queue = append([]string(nil), snap.Queue...)
		s.clock = snap.Clock
		s.publish(model.Event{Kind: model.EventRecoveryCompleted})
		close(done)
	})
	<-done
}

// Package store implements C1, the authoritative in-memory state store for
// workers, tasks, and their assignment relation. Every mutation is funneled
// through a single goroutine (the "run loop") fed by a channel of closures,
// the single-threaded-mutator option spec.md §4.1 explicitly allows — this
// makes every operation linearizable relative to every other without holding
// locks across components, and is the same "sole writer" discipline the
// design notes (spec.md §9) call for when collapsing the source's
// multi-process file coordination into one process.
package store

import (
	"time"

	"github.com/google/uuid"

	"github.com/ry-ops/taskguard/internal/model"
)

// Publisher receives every Event the store produces. The event bus (C3)
// implements this; tests may supply a no-op or recording stub.
type Publisher interface {
	Publish(model.Event)
}

type nopPublisher struct{}

func (nopPublisher) Publish(model.Event) {}

// Store is C1. Construct with New and call Run in its own goroutine before
// issuing any operations.
type Store struct {
	cmds chan func()
	done chan struct{}

	events Publisher

	workers map[string]*model.Worker
	tasks   map[string]*model.Task
	queue   []string // task IDs, ordered by priority then submission time
	clock   uint64

	heartbeatRingSize int
}

// Option configures a Store at construction time.
type Option func(*Store)

// WithPublisher routes emitted events to pub instead of discarding them.
func WithPublisher(pub Publisher) Option {
	return func(s *Store) { s.events = pub }
}

// WithHeartbeatRingSize bounds the per-worker heartbeat history length.
func WithHeartbeatRingSize(n int) Option {
	return func(s *Store) { s.heartbeatRingSize = n }
}

// New constructs a Store. Call Run to start processing operations.
func New(opts ...Option) *Store {
	s := &Store{
		cmds:              make(chan func()),
		done:              make(chan struct{}),
		events:            nopPublisher{},
		workers:           make(map[string]*model.Worker),
		tasks:             make(map[string]*model.Task),
		heartbeatRingSize: 32,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run processes operations serially until ctx's done channel closes via Stop.
// It must be started in its own goroutine before any public method is called.
func (s *Store) Run() {
	for {
		select {
		case cmd := <-s.cmds:
			cmd()
		case <-s.done:
			return
		}
	}
}

// Stop terminates the run loop. Pending operations sent concurrently with
// Stop may block forever; callers must stop issuing operations first.
func (s *Store) Stop() {
	close(s.done)
}

// submit sends a closure to the run loop and blocks the caller until it runs.
// The closure itself is responsible for signalling any result back out.
func (s *Store) submit(cmd func()) {
	select {
	case s.cmds <- cmd:
	case <-s.done:
	}
}

func (s *Store) publish(ev model.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	s.events.Publish(ev)
}

func toSet(tags []string) map[string]struct{} {
	set := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		set[t] = struct{}{}
	}
	return set
}

func fromSet(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	return out
}

func newID() string { return uuid.NewString() }

func workerSummary(w *model.Worker) map[string]any {
	return map[string]any{
		"id":            w.ID,
		"state":         string(w.State),
		"load":          w.Load,
		"maxConcurrent": w.MaxConcurrent,
		"capabilities":  fromSet(w.Capabilities),
	}
}

func taskSummary(t *model.Task) map[string]any {
	m := map[string]any{
		"id":         t.ID,
		"state":      string(t.State),
		"priority":   string(t.Priority),
		"workerId":   t.WorkerID,
		"retryCount": t.RetryCount,
		"category":   t.ChosenCategory,
	}
	if t.Outcome != nil {
		m["outcomeState"] = string(t.Outcome.State)
		m["outcomeReason"] = t.Outcome.Reason
	}
	return m
}

// cloneWorker returns a value copy safe to hand to callers outside the run
// loop (the heartbeat ring pointer is intentionally shared; callers only
// read it through Records()).
func cloneWorker(w *model.Worker) model.Worker {
	cp := *w
	caps := make(map[string]struct{}, len(w.Capabilities))
	for k := range w.Capabilities {
		caps[k] = struct{}{}
	}
	cp.Capabilities = caps
	return cp
}

func cloneTask(t *model.Task) model.Task {
	cp := *t
	if t.Scores != nil {
		cp.Scores = make(map[string]float64, len(t.Scores))
		for k, v := range t.Scores {
			cp.Scores[k] = v
		}
	}
	if t.ExcludedWorkers != nil {
		cp.ExcludedWorkers = make(map[string]struct{}, len(t.ExcludedWorkers))
		for k := range t.ExcludedWorkers {
			cp.ExcludedWorkers[k] = struct{}{}
		}
	}
	if t.Outcome != nil {
		o := *t.Outcome
		cp.Outcome = &o
	}
	return cp
}

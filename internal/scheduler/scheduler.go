// Package scheduler implements C7, sitting between admission and the worker
// pool: it runs the dispatch loop, drives completion handling, and sweeps
// expired tasks on a cron schedule, following the same cron-driven sweep
// shape as the lifecycle manager (internal/lifecycle), itself grounded on
// the orchestrator's Scheduler (services/orchestrator/scheduler.go).
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ry-ops/taskguard/internal/model"
	"github.com/ry-ops/taskguard/internal/router"
	"github.com/ry-ops/taskguard/internal/validator"
)

// Store is the subset of store.Store the scheduler depends on.
type Store interface {
	AdmitTask(desc, declaredType string, priority model.TaskPriority, maxRetries int, ttl time.Duration) (model.Task, error)
	SetRouting(taskID, category string, scores map[string]float64) error
	PeekQueue() []model.Task
	ListCandidates(taskID string, requiredCapability string) ([]model.Worker, error)
	AssignTask(taskID, workerID string) error
	CompleteTask(taskID string, outcome model.Outcome) error
	ReleaseTask(taskID, excludeWorkerID, reason string) error
	CancelTask(taskID, reason string) (model.Task, error)
	ListExpired(now time.Time) []model.Task
	GetTask(id string) (model.Task, error)
}

// WorkerNotifier pushes a dispatch or cancellation notice out to the
// external surface's channel for a given worker. The scheduler's contract
// with the worker pool ends at "notified"; delivery confirmation flows back
// in through Heartbeat/CompleteTask, not through this call.
type WorkerNotifier interface {
	NotifyAssigned(ctx context.Context, workerID string, task model.Task) error
	NotifyCancel(ctx context.Context, workerID string, taskID string) error
}

// Config tunes the scheduler's timers and limits.
type Config struct {
	TTLSweepInterval  time.Duration
	DefaultTTL        time.Duration
	DefaultMaxRetries int
	CancelGrace       time.Duration
}

// Scheduler is C7.
type Scheduler struct {
	store     Store
	validator *validator.Validator
	router    *router.Router
	notifier  WorkerNotifier
	cfg       Config
	cron      *cron.Cron
	tracer    trace.Tracer
	log       *slog.Logger

	dispatchSignal chan struct{}
	stop           chan struct{}
	wg             sync.WaitGroup

	admitted  metric.Int64Counter
	rejected  metric.Int64Counter
	dispatched metric.Int64Counter
	expired   metric.Int64Counter
}

// New constructs a Scheduler. Call Start to begin the dispatch loop and TTL
// sweep.
func New(st Store, v *validator.Validator, r *router.Router, notifier WorkerNotifier, cfg Config, meter metric.Meter, log *slog.Logger) *Scheduler {
	admitted, _ := meter.Int64Counter("taskguard_scheduler_tasks_admitted_total")
	rejected, _ := meter.Int64Counter("taskguard_scheduler_tasks_rejected_total")
	dispatched, _ := meter.Int64Counter("taskguard_scheduler_tasks_dispatched_total")
	expired, _ := meter.Int64Counter("taskguard_scheduler_tasks_expired_total")
	return &Scheduler{
		store:          st,
		validator:      v,
		router:         r,
		notifier:       notifier,
		cfg:            cfg,
		cron:           cron.New(),
		tracer:         otel.Tracer("taskguard-scheduler"),
		log:            log,
		dispatchSignal: make(chan struct{}, 1),
		stop:           make(chan struct{}),
		admitted:       admitted,
		rejected:       rejected,
		dispatched:     dispatched,
		expired:        expired,
	}
}

// Start launches the dispatch loop goroutine and registers the TTL sweep.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(every(s.cfg.TTLSweepInterval), s.sweepExpired); err != nil {
		return err
	}
	s.cron.Start()

	s.wg.Add(1)
	go s.dispatchLoop()

	s.log.Info("scheduler started", "ttl_sweep_interval", s.cfg.TTLSweepInterval, "default_ttl", s.cfg.DefaultTTL)
	return nil
}

// Stop signals the dispatch loop and cron to stop and waits for them.
func (s *Scheduler) Stop(ctx context.Context) error {
	close(s.stop)
	stopCtx := s.cron.Stop()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-stopCtx.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func every(d time.Duration) string {
	return "@every " + d.String()
}

// wakeDispatch nudges the dispatch loop without blocking if it is already
// awake and about to run.
func (s *Scheduler) wakeDispatch() {
	select {
	case s.dispatchSignal <- struct{}{}:
	default:
	}
}

// Submit runs admission: validation, then queue insertion. A rejected task
// never reaches C1 and no worker is contacted.
func (s *Scheduler) Submit(ctx context.Context, desc, declaredType string, priority model.TaskPriority, ttl time.Duration, maxRetries int) (model.Task, validator.Decision, error) {
	ctx, span := s.tracer.Start(ctx, "scheduler.submit")
	defer span.End()

	decision := s.validator.Classify(desc)
	if decision.Verdict == validator.VerdictReject {
		s.rejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", decision.Reason)))
		return model.Task{}, decision, errRejected{decision}
	}

	if ttl <= 0 {
		ttl = s.cfg.DefaultTTL
	}
	if maxRetries <= 0 {
		maxRetries = s.cfg.DefaultMaxRetries
	}
	if priority == "" {
		priority = model.PriorityP2
	}

	task, err := s.store.AdmitTask(desc, declaredType, priority, maxRetries, ttl)
	if err != nil {
		return model.Task{}, decision, err
	}
	s.admitted.Add(ctx, 1, metric.WithAttributes(attribute.String("priority", string(priority))))
	s.wakeDispatch()
	return task, decision, nil
}

type errRejected struct{ decision validator.Decision }

func (e errRejected) Error() string { return "rejected: " + e.decision.Reason }

// dispatchLoop blocks on (queue non-empty) ∧ (worker available) by waking
// on every admission, completion, and a slow fallback tick, then attempting
// to drain the head of the queue.
func (s *Scheduler) dispatchLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-s.dispatchSignal:
			s.drainQueue()
		case <-ticker.C:
			s.drainQueue()
		}
	}
}

// drainQueue attempts to dispatch every task currently at the head of the
// queue in order, stopping at the first task for which no eligible worker
// exists (it is left in place until capacity frees, preserving queue order).
func (s *Scheduler) drainQueue() {
	ctx := context.Background()
	for {
		queue := s.store.PeekQueue()
		if len(queue) == 0 {
			return
		}
		head := queue[0]
		if !s.tryDispatch(ctx, head) {
			return
		}
	}
}

func (s *Scheduler) tryDispatch(ctx context.Context, task model.Task) bool {
	ctx, span := s.tracer.Start(ctx, "scheduler.dispatch", trace.WithAttributes(attribute.String("task_id", task.ID)))
	defer span.End()

	decision := s.router.Route(task)
	category := decision.Categories[0]
	requiredCap := s.router.RequiredCapability(category)

	candidates, err := s.store.ListCandidates(task.ID, requiredCap)
	if err != nil || len(candidates) == 0 {
		return false
	}
	chosen, ok := router.ChooseWorker(candidates)
	if !ok {
		return false
	}

	_ = s.store.SetRouting(task.ID, category, decision.Scores)
	if err := s.store.AssignTask(task.ID, chosen.ID); err != nil {
		return false
	}
	s.dispatched.Add(ctx, 1, metric.WithAttributes(attribute.String("category", category)))

	if err := s.notifier.NotifyAssigned(ctx, chosen.ID, task); err != nil {
		s.log.Warn("notify assigned failed, releasing task for retry", "task_id", task.ID, "worker_id", chosen.ID, "error", err)
		_ = s.store.ReleaseTask(task.ID, chosen.ID, "notify-failed")
	}
	return true
}

// ReportCompletion drives the C1 completion transition and triggers another
// dispatch iteration so the freed worker capacity is used immediately.
func (s *Scheduler) ReportCompletion(taskID string, outcome model.Outcome) error {
	if err := s.store.CompleteTask(taskID, outcome); err != nil {
		return err
	}
	s.wakeDispatch()
	return nil
}

// Cancel implements the cancellation semantics: a Queued task is removed
// immediately; an InProgress task gets a best-effort cancel notice and a
// grace period before being forced to Failed with reassignment if retries
// remain.
func (s *Scheduler) Cancel(ctx context.Context, taskID, reason string) error {
	task, err := s.store.CancelTask(taskID, reason)
	if err != nil {
		return err
	}
	if task.State != model.TaskInProgress {
		return nil
	}

	_ = s.notifier.NotifyCancel(ctx, task.WorkerID, taskID)
	go s.enforceCancelGrace(task.ID)
	return nil
}

func (s *Scheduler) enforceCancelGrace(taskID string) {
	time.Sleep(s.cfg.CancelGrace)
	current, err := s.store.GetTask(taskID)
	if err != nil || current.State.Terminal() {
		return
	}
	_ = s.store.ReleaseTask(taskID, current.WorkerID, "cancel-forced")
	s.wakeDispatch()
}

// sweepExpired implements the TTL sweep: non-terminal tasks past their TTL
// transition to Expired; in-progress ones get a best-effort cancel notice to
// their worker.
func (s *Scheduler) sweepExpired() {
	ctx, span := s.tracer.Start(context.Background(), "scheduler.sweep_expired")
	defer span.End()

	for _, t := range s.store.ListExpired(time.Now()) {
		if t.State == model.TaskInProgress {
			_ = s.notifier.NotifyCancel(ctx, t.WorkerID, t.ID)
		}
		if err := s.store.CompleteTask(t.ID, model.Outcome{State: model.TaskExpired, Reason: "ttl-exceeded"}); err != nil {
			s.log.Error("expire task failed", "task_id", t.ID, "error", err)
			continue
		}
		s.expired.Add(ctx, 1)
	}
	s.wakeDispatch()
}

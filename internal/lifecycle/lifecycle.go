// Package lifecycle implements C6, the worker lifecycle manager: heartbeat
// supervision on a cron schedule, timeout-driven failover, and drain-deadline
// enforcement. The cron-driven sweep, otel counters, and slog call shape
// follow the orchestrator's Scheduler (services/orchestrator/scheduler.go),
// generalized from workflow-execution cron jobs to fixed-interval health
// sweeps via @every expressions.
package lifecycle

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ry-ops/taskguard/internal/model"
	"github.com/ry-ops/taskguard/internal/store"
)

// Store is the subset of store.Store the lifecycle manager depends on.
type Store interface {
	ListStaleWorkers(warnCutoff, timeoutCutoff time.Time) (late, timedOut []model.Worker)
	ListDrainDeadlineExpired(now time.Time) []model.Worker
	ForceUnregisterWorker(id string, reason model.EventKind) ([]string, error)
	ReleaseTask(taskID, excludeWorkerID, reason string) error
	RegisterWorker(capabilities []string, maxConcurrent int) (model.Worker, error)
	UnregisterWorker(id string, drainGrace time.Duration) error
	RecordHeartbeat(id, status string, progress map[string]float64) error
}

var _ Store = (*store.Store)(nil)

// Config tunes sweep intervals and thresholds.
type Config struct {
	HeartbeatCheckInterval time.Duration
	HeartbeatWarning       time.Duration
	HeartbeatTimeout       time.Duration
	DrainGrace             time.Duration
}

// Manager is C6.
type Manager struct {
	store  Store
	cfg    Config
	cron   *cron.Cron
	tracer trace.Tracer
	log    *slog.Logger

	timeouts metric.Int64Counter
	lates    metric.Int64Counter
}

// New constructs a Manager. Call Start to begin the sweep schedule.
func New(st Store, cfg Config, meter metric.Meter, log *slog.Logger) *Manager {
	timeouts, _ := meter.Int64Counter("taskguard_lifecycle_worker_timeouts_total")
	lates, _ := meter.Int64Counter("taskguard_lifecycle_worker_late_total")
	return &Manager{
		store:    st,
		cfg:      cfg,
		cron:     cron.New(),
		tracer:   otel.Tracer("taskguard-lifecycle"),
		log:      log,
		timeouts: timeouts,
		lates:    lates,
	}
}

// Start registers the heartbeat and drain sweeps and starts the cron
// scheduler. every(d) formats a robfig/cron "@every" spec.
func (m *Manager) Start() error {
	if _, err := m.cron.AddFunc(every(m.cfg.HeartbeatCheckInterval), m.sweepHeartbeats); err != nil {
		return err
	}
	if _, err := m.cron.AddFunc(every(m.cfg.HeartbeatCheckInterval), m.sweepDrainDeadlines); err != nil {
		return err
	}
	m.cron.Start()
	m.log.Info("lifecycle manager started",
		"heartbeat_check_interval", m.cfg.HeartbeatCheckInterval,
		"heartbeat_warning", m.cfg.HeartbeatWarning,
		"heartbeat_timeout", m.cfg.HeartbeatTimeout,
	)
	return nil
}

// Stop drains the cron scheduler, waiting up to ctx's deadline.
func (m *Manager) Stop(ctx context.Context) error {
	stopCtx := m.cron.Stop()
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

// sweepHeartbeats implements the C6 heartbeat-check-interval tick: workers
// past the warning cutoff are logged as late with no state change; workers
// past the timeout cutoff are force-unregistered and their tasks released
// back to the queue.
func (m *Manager) sweepHeartbeats() {
	ctx, span := m.tracer.Start(context.Background(), "lifecycle.sweep_heartbeats")
	defer span.End()

	now := time.Now()
	warnCutoff := now.Add(-m.cfg.HeartbeatWarning)
	timeoutCutoff := now.Add(-m.cfg.HeartbeatTimeout)

	late, timedOut := m.store.ListStaleWorkers(warnCutoff, timeoutCutoff)

	for _, w := range late {
		m.lates.Add(ctx, 1, metric.WithAttributes(attribute.String("worker_id", w.ID)))
		m.log.Warn("worker heartbeat late", "worker_id", w.ID, "last_heartbeat", w.LastHeartbeat)
	}

	for _, w := range timedOut {
		m.timeouts.Add(ctx, 1, metric.WithAttributes(attribute.String("worker_id", w.ID)))
		orphaned, err := m.store.ForceUnregisterWorker(w.ID, model.EventWorkerTimeout)
		if err != nil {
			m.log.Error("force-unregister timed-out worker failed", "worker_id", w.ID, "error", err)
			continue
		}
		m.log.Warn("worker timed out", "worker_id", w.ID, "last_heartbeat", w.LastHeartbeat, "orphaned_tasks", len(orphaned))
		for _, taskID := range orphaned {
			if err := m.store.ReleaseTask(taskID, w.ID, "worker-timeout"); err != nil {
				m.log.Error("release orphaned task failed", "task_id", taskID, "worker_id", w.ID, "error", err)
			}
		}
	}
}

// sweepDrainDeadlines force-removes workers that have been Draining past
// their deadline, releasing whatever tasks they still held.
func (m *Manager) sweepDrainDeadlines() {
	ctx, span := m.tracer.Start(context.Background(), "lifecycle.sweep_drain_deadlines")
	defer span.End()
	_ = ctx

	for _, w := range m.store.ListDrainDeadlineExpired(time.Now()) {
		orphaned, err := m.store.ForceUnregisterWorker(w.ID, model.EventWorkerUnregistered)
		if err != nil {
			m.log.Error("force-unregister drained worker failed", "worker_id", w.ID, "error", err)
			continue
		}
		m.log.Info("drain deadline expired, worker removed", "worker_id", w.ID, "orphaned_tasks", len(orphaned))
		for _, taskID := range orphaned {
			if err := m.store.ReleaseTask(taskID, w.ID, "drain-deadline-expired"); err != nil {
				m.log.Error("release task after drain deadline failed", "task_id", taskID, "worker_id", w.ID, "error", err)
			}
		}
	}
}

// RegisterWorker and UnregisterWorker delegate straight to the store; they
// exist on Manager so the external surface has a single lifecycle facade to
// call instead of reaching into C1 directly.
func (m *Manager) RegisterWorker(capabilities []string, maxConcurrent int) (model.Worker, error) {
	return m.store.RegisterWorker(capabilities, maxConcurrent)
}

func (m *Manager) UnregisterWorker(id string) error {
	return m.store.UnregisterWorker(id, m.cfg.DrainGrace)
}

func (m *Manager) Heartbeat(id, status string, progress map[string]float64) error {
	return m.store.RecordHeartbeat(id, status, progress)
}

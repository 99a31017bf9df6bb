package persistence

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand"
	"os"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ry-ops/taskguard/internal/config"
	"github.com/ry-ops/taskguard/internal/model"
	"github.com/ry-ops/taskguard/internal/store"
)

// snapshotRetryAttempts and snapshotRetryBaseDelay bound the exponential
// backoff snapshotTick applies to a failing snapshot write before giving up
// and entering degraded mode for this tick.
const (
	snapshotRetryAttempts  = 3
	snapshotRetryBaseDelay = 200 * time.Millisecond
)

// Engine is C2. It embeds *store.Store so callers that only need C1's
// contract can keep using an Engine exactly like a Store; the mutating
// methods are shadowed (wal_ops.go) so that in write-ahead-log mode each
// mutation is logged before it is applied, per the "log-then-apply" ordering
// spec.md's write-ahead-log mode requires. In the other two modes the
// shadowing methods forward straight to the embedded Store — memory-only
// truly does nothing extra, and periodic-snapshot only adds a background
// snapshot cron job.
type Engine struct {
	*store.Store

	mode     config.PersistenceMode
	wal      *walWriter
	walPath  string
	snapPath string
	interval time.Duration

	cron *cron.Cron
	pub  store.Publisher
	log  *slog.Logger

	degraded atomic.Bool
}

// New constructs an Engine over st. In write-ahead-log mode it opens (or
// creates) the WAL file; callers must call Recover before Start so replayed
// state is installed before new mutations are accepted.
func New(st *store.Store, cfg config.Config, pub store.Publisher, log *slog.Logger) (*Engine, error) {
	e := &Engine{
		Store:    st,
		mode:     cfg.PersistenceMode,
		walPath:  cfg.WALPath,
		snapPath: cfg.SnapshotPath,
		interval: cfg.SnapshotInterval,
		cron:     cron.New(),
		pub:      pub,
		log:      log,
	}
	if e.mode == config.PersistenceWriteAheadLog {
		w, err := openWAL(cfg.WALPath)
		if err != nil {
			return nil, err
		}
		e.wal = w
	}
	return e, nil
}

// Recover loads whatever durable state exists and installs it into the
// store. It must run before any other operation reaches the store.
func (e *Engine) Recover(ctx context.Context) error {
	if e.mode == config.PersistenceMemoryOnly {
		return nil
	}

	snap, found, err := readSnapshot(e.snapPath)
	if err != nil {
		e.log.Warn("snapshot unreadable, starting from empty state", "error", err)
	} else if found {
		e.Store.ApplyRecovered(snap)
	}

	if e.mode != config.PersistenceWriteAheadLog {
		return nil
	}

	entries, err := readWAL(e.walPath)
	if err != nil {
		return err
	}
	replayed := 0
	for _, entry := range entries {
		if entry.Seq <= snap.Clock {
			continue
		}
		if err := e.replay(entry); err != nil {
			e.log.Warn("skipping unreplayable wal entry", "kind", entry.Kind, "seq", entry.Seq, "error", err)
			continue
		}
		replayed++
	}
	e.log.Info("recovery complete", "mode", e.mode, "snapshot_found", found, "wal_entries_replayed", replayed)
	return nil
}

func (e *Engine) replay(entry WALEntry) error {
	switch entry.Kind {
	case opRegisterWorker:
		var d registerWorkerData
		if err := json.Unmarshal(entry.Data, &d); err != nil {
			return err
		}
		_, err := e.Store.RegisterWorkerWithID(d.ID, d.Capabilities, d.MaxConcurrent)
		return ignoreAlreadyExists(err)
	case opUnregisterWorker:
		var d unregisterWorkerData
		if err := json.Unmarshal(entry.Data, &d); err != nil {
			return err
		}
		return e.Store.UnregisterWorker(d.ID, d.DrainGrace)
	case opForceUnregister:
		var d forceUnregisterData
		if err := json.Unmarshal(entry.Data, &d); err != nil {
			return err
		}
		_, err := e.Store.ForceUnregisterWorker(d.ID, d.Reason)
		return err
	case opHeartbeat:
		var d heartbeatData
		if err := json.Unmarshal(entry.Data, &d); err != nil {
			return err
		}
		return e.Store.RecordHeartbeat(d.ID, d.Status, d.Progress)
	case opAdmitTask:
		var d admitTaskData
		if err := json.Unmarshal(entry.Data, &d); err != nil {
			return err
		}
		_, err := e.Store.AdmitTaskWithID(d.ID, d.Description, d.DeclaredType, d.Priority, d.MaxRetries, d.TTL)
		return ignoreAlreadyExists(err)
	case opSetRouting:
		var d setRoutingData
		if err := json.Unmarshal(entry.Data, &d); err != nil {
			return err
		}
		return e.Store.SetRouting(d.TaskID, d.Category, d.Scores)
	case opAssignTask:
		var d assignTaskData
		if err := json.Unmarshal(entry.Data, &d); err != nil {
			return err
		}
		return e.Store.AssignTask(d.TaskID, d.WorkerID)
	case opCompleteTask:
		var d completeTaskData
		if err := json.Unmarshal(entry.Data, &d); err != nil {
			return err
		}
		return e.Store.CompleteTask(d.TaskID, d.Outcome)
	case opReleaseTask:
		var d releaseTaskData
		if err := json.Unmarshal(entry.Data, &d); err != nil {
			return err
		}
		return e.Store.ReleaseTask(d.TaskID, d.ExcludeWorkerID, d.Reason)
	case opCancelTask:
		var d cancelTaskData
		if err := json.Unmarshal(entry.Data, &d); err != nil {
			return err
		}
		_, err := e.Store.CancelTask(d.TaskID, d.Reason)
		return err
	default:
		return nil
	}
}

func ignoreAlreadyExists(err error) error {
	if err == store.ErrAlreadyExists {
		return nil
	}
	return err
}

// Start begins the periodic-snapshot cron job. Memory-only and
// write-ahead-log modes (the latter persists per-mutation, synchronously)
// have nothing to schedule beyond WAL compaction, which this also registers.
func (e *Engine) Start() error {
	if e.mode == config.PersistenceMemoryOnly {
		return nil
	}
	if _, err := e.cron.AddFunc(every(e.interval), e.snapshotTick); err != nil {
		return err
	}
	e.cron.Start()
	e.log.Info("persistence engine started", "mode", e.mode, "snapshot_interval", e.interval)
	return nil
}

// Stop flushes and closes the WAL (if open) and stops the snapshot cron.
func (e *Engine) Stop(ctx context.Context) error {
	if e.mode != config.PersistenceMemoryOnly {
		stopCtx := e.cron.Stop()
		select {
		case <-stopCtx.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if e.wal != nil {
		return e.wal.close()
	}
	return nil
}

func every(d time.Duration) string { return "@every " + d.String() }

// snapshotTick writes a snapshot with exponential-backoff retries; repeated
// failure sets the degraded flag (reported by Degraded) and publishes a
// degraded-mode-entered event rather than panicking the daemon. Admissions
// are not refused while degraded. In write-ahead-log mode a successful snapshot
// also compacts the WAL, since every mutation up to the snapshot's clock is
// now captured durably in the snapshot file.
func (e *Engine) snapshotTick() {
	ctx := context.Background()
	snap := e.Store.SnapshotForPersistence()

	err := e.writeSnapshotWithRetry(ctx, snap)
	if err != nil {
		if e.degraded.CompareAndSwap(false, true) {
			e.log.Error("snapshot write failed repeatedly, entering degraded mode", "error", err)
			e.pub.Publish(model.Event{Kind: model.EventDegradedModeEntered, After: map[string]any{"reason": err.Error()}})
		}
		return
	}

	if e.degraded.CompareAndSwap(true, false) {
		e.log.Info("snapshot write recovered, exiting degraded mode")
		e.pub.Publish(model.Event{Kind: model.EventDegradedModeExited})
	}
	e.pub.Publish(model.Event{Kind: model.EventSnapshotCreated, After: map[string]any{"workers": len(snap.Workers), "tasks": len(snap.Tasks), "clock": snap.Clock}})

	if e.mode == config.PersistenceWriteAheadLog && e.wal != nil {
		e.compactWAL()
	}
}

// writeSnapshotWithRetry attempts writeSnapshot up to snapshotRetryAttempts
// times with exponential backoff and full jitter between attempts, logging
// each failed attempt so an operator can see retries happening in real time
// rather than only learning about them once degraded mode is entered.
func (e *Engine) writeSnapshotWithRetry(ctx context.Context, snap store.Snapshot) error {
	cur := snapshotRetryBaseDelay
	var lastErr error
	for attempt := 1; attempt <= snapshotRetryAttempts; attempt++ {
		lastErr = writeSnapshot(e.snapPath, snap)
		if lastErr == nil {
			return nil
		}
		e.log.Warn("snapshot write attempt failed", "attempt", attempt, "of", snapshotRetryAttempts, "error", lastErr)
		if attempt == snapshotRetryAttempts {
			break
		}
		if cur > 60*time.Second {
			cur = 60 * time.Second
		}
		sleep := time.Duration(rand.Int63n(int64(cur) + 1))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
		cur *= 2
	}
	return lastErr
}

func (e *Engine) compactWAL() {
	if err := e.wal.close(); err != nil {
		e.log.Warn("close wal before compaction failed", "error", err)
	}
	if err := os.Truncate(e.walPath, 0); err != nil {
		e.log.Warn("truncate wal during compaction failed", "error", err)
	}
	w, err := openWAL(e.walPath)
	if err != nil {
		e.log.Error("reopen wal after compaction failed", "error", err)
		return
	}
	e.wal = w
}

// Degraded reports whether the persistence engine is currently in degraded
// (non-durable) mode due to repeated write failures.
func (e *Engine) Degraded() bool {
	return e.degraded.Load()
}

// Mode reports the configured durability mode, for the health endpoint.
func (e *Engine) Mode() config.PersistenceMode {
	return e.mode
}

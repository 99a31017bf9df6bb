package persistence

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/ry-ops/taskguard/internal/config"
	"github.com/ry-ops/taskguard/internal/model"
)

// The methods below shadow the embedded *store.Store methods of the same
// name. Outside write-ahead-log mode they are pure pass-throughs; in
// write-ahead-log mode each generates any ID itself, appends a WAL entry,
// fsyncs, and only then applies the mutation to the store — log before
// apply, so a crash between the two always leaves the WAL, not the store,
// as the source of truth for what "happened."

func (e *Engine) logAndApply(kind walOpKind, data any, apply func() error) error {
	if e.mode != config.PersistenceWriteAheadLog {
		return apply()
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if err := e.wal.append(WALEntry{Seq: e.Store.NextSeq(), Kind: kind, Timestamp: time.Now(), Data: payload}); err != nil {
		return err
	}
	return apply()
}

func (e *Engine) RegisterWorker(capabilities []string, maxConcurrent int) (model.Worker, error) {
	if e.mode != config.PersistenceWriteAheadLog {
		return e.Store.RegisterWorker(capabilities, maxConcurrent)
	}
	id := uuid.NewString()
	var w model.Worker
	err := e.logAndApply(opRegisterWorker, registerWorkerData{ID: id, Capabilities: capabilities, MaxConcurrent: maxConcurrent}, func() error {
		var err error
		w, err = e.Store.RegisterWorkerWithID(id, capabilities, maxConcurrent)
		return err
	})
	return w, err
}

func (e *Engine) UnregisterWorker(id string, drainGrace time.Duration) error {
	return e.logAndApply(opUnregisterWorker, unregisterWorkerData{ID: id, DrainGrace: drainGrace}, func() error {
		return e.Store.UnregisterWorker(id, drainGrace)
	})
}

func (e *Engine) ForceUnregisterWorker(id string, reason model.EventKind) ([]string, error) {
	var orphaned []string
	err := e.logAndApply(opForceUnregister, forceUnregisterData{ID: id, Reason: reason}, func() error {
		var err error
		orphaned, err = e.Store.ForceUnregisterWorker(id, reason)
		return err
	})
	return orphaned, err
}

func (e *Engine) RecordHeartbeat(id, status string, progress map[string]float64) error {
	return e.logAndApply(opHeartbeat, heartbeatData{ID: id, Status: status, Progress: progress}, func() error {
		return e.Store.RecordHeartbeat(id, status, progress)
	})
}

func (e *Engine) AdmitTask(desc, declaredType string, priority model.TaskPriority, maxRetries int, ttl time.Duration) (model.Task, error) {
	if e.mode != config.PersistenceWriteAheadLog {
		return e.Store.AdmitTask(desc, declaredType, priority, maxRetries, ttl)
	}
	id := uuid.NewString()
	var t model.Task
	err := e.logAndApply(opAdmitTask, admitTaskData{ID: id, Description: desc, DeclaredType: declaredType, Priority: priority, MaxRetries: maxRetries, TTL: ttl}, func() error {
		var err error
		t, err = e.Store.AdmitTaskWithID(id, desc, declaredType, priority, maxRetries, ttl)
		return err
	})
	return t, err
}

func (e *Engine) SetRouting(taskID, category string, scores map[string]float64) error {
	return e.logAndApply(opSetRouting, setRoutingData{TaskID: taskID, Category: category, Scores: scores}, func() error {
		return e.Store.SetRouting(taskID, category, scores)
	})
}

func (e *Engine) AssignTask(taskID, workerID string) error {
	return e.logAndApply(opAssignTask, assignTaskData{TaskID: taskID, WorkerID: workerID}, func() error {
		return e.Store.AssignTask(taskID, workerID)
	})
}

func (e *Engine) CompleteTask(taskID string, outcome model.Outcome) error {
	return e.logAndApply(opCompleteTask, completeTaskData{TaskID: taskID, Outcome: outcome}, func() error {
		return e.Store.CompleteTask(taskID, outcome)
	})
}

func (e *Engine) ReleaseTask(taskID, excludeWorkerID, reason string) error {
	return e.logAndApply(opReleaseTask, releaseTaskData{TaskID: taskID, ExcludeWorkerID: excludeWorkerID, Reason: reason}, func() error {
		return e.Store.ReleaseTask(taskID, excludeWorkerID, reason)
	})
}

func (e *Engine) CancelTask(taskID, reason string) (model.Task, error) {
	var t model.Task
	err := e.logAndApply(opCancelTask, cancelTaskData{TaskID: taskID, Reason: reason}, func() error {
		var err error
		t, err = e.Store.CancelTask(taskID, reason)
		return err
	})
	return t, err
}

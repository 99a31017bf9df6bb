// Package persistence implements C2, the durability layer above the state
// store. It supports three modes — memory-only, periodic-snapshot, and
// write-ahead-log — selected by internal/config.PersistenceMode. The
// write-ahead-log format (JSON-lines in a single file, fsync per append,
// read-in-order replay on recovery) is grounded on the audit trail's PersistentAuditLog
// (services/audit-trail/internal/persistent_log.go); the atomic
// snapshot-then-rename technique is grounded on noisefs's index persistence
// (pkg/fuse/index.go's SaveIndex).
package persistence

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ry-ops/taskguard/internal/model"
)

// walOpKind tags the shape of Data in a WALEntry.
type walOpKind string

const (
	opRegisterWorker    walOpKind = "register-worker"
	opUnregisterWorker  walOpKind = "unregister-worker"
	opForceUnregister   walOpKind = "force-unregister-worker"
	opHeartbeat         walOpKind = "heartbeat"
	opAdmitTask         walOpKind = "admit-task"
	opSetRouting        walOpKind = "set-routing"
	opAssignTask        walOpKind = "assign-task"
	opCompleteTask      walOpKind = "complete-task"
	opReleaseTask       walOpKind = "release-task"
	opCancelTask        walOpKind = "cancel-task"
)

// WALEntry is one durable record in the write-ahead log. Seq matches the
// store's logical clock at the time of the write, giving recovery a cheap
// way to skip entries already reflected in a loaded snapshot.
type WALEntry struct {
	Seq       uint64          `json:"seq"`
	Kind      walOpKind       `json:"kind"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

type registerWorkerData struct {
	ID            string   `json:"id"`
	Capabilities  []string `json:"capabilities"`
	MaxConcurrent int      `json:"maxConcurrent"`
}

type unregisterWorkerData struct {
	ID         string        `json:"id"`
	DrainGrace time.Duration `json:"drainGrace"`
}

type forceUnregisterData struct {
	ID     string          `json:"id"`
	Reason model.EventKind `json:"reason"`
}

type heartbeatData struct {
	ID       string             `json:"id"`
	Status   string             `json:"status"`
	Progress map[string]float64 `json:"progress"`
}

type admitTaskData struct {
	ID           string             `json:"id"`
	Description  string             `json:"description"`
	DeclaredType string             `json:"declaredType"`
	Priority     model.TaskPriority `json:"priority"`
	MaxRetries   int                `json:"maxRetries"`
	TTL          time.Duration      `json:"ttl"`
}

type setRoutingData struct {
	TaskID   string             `json:"taskId"`
	Category string             `json:"category"`
	Scores   map[string]float64 `json:"scores"`
}

type assignTaskData struct {
	TaskID   string `json:"taskId"`
	WorkerID string `json:"workerId"`
}

type completeTaskData struct {
	TaskID  string        `json:"taskId"`
	Outcome model.Outcome `json:"outcome"`
}

type releaseTaskData struct {
	TaskID          string `json:"taskId"`
	ExcludeWorkerID string `json:"excludeWorkerId"`
	Reason          string `json:"reason"`
}

type cancelTaskData struct {
	TaskID string `json:"taskId"`
	Reason string `json:"reason"`
}

// walWriter appends JSON-lines entries to a single file, fsyncing after
// every write so a crash never loses an acknowledged mutation.
type walWriter struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

func openWAL(path string) (*walWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open wal: %w", err)
	}
	return &walWriter{path: path, f: f}, nil
}

func (w *walWriter) append(entry WALEntry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal wal entry: %w", err)
	}
	line = append(line, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.f.Write(line); err != nil {
		return fmt.Errorf("write wal entry: %w", err)
	}
	return w.f.Sync()
}

func (w *walWriter) close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}

// readWAL reads every well-formed entry from path in file order. A
// truncated final line (a crash mid-write) is silently dropped rather than
// failing recovery.
func readWAL(path string) ([]WALEntry, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open wal for read: %w", err)
	}
	defer f.Close()

	var entries []WALEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e WALEntry
		if err := json.Unmarshal(line, &e); err != nil {
			break // truncated/corrupt tail entry: stop, keep what's valid
		}
		entries = append(entries, e)
	}
	return entries, nil
}

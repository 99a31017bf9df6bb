// Package surface implements C8, the daemon's external interface: an HTTP
// request/response API (task submission, worker lifecycle, health and
// metrics) routed with gorilla/mux, and a gorilla/websocket push channel that
// streams model.Event records out of the event bus. It also owns the
// worker-facing side of dispatch: WorkerOutbox satisfies
// scheduler.WorkerNotifier by queuing assignment and cancellation notices
// into per-worker channels that a worker's own websocket connection drains,
// the same connection-keyed channel-fan-out shape the announcement web UI
// uses for its browser clients
// (TheEntropyCollective-noisefs/cmd/announce-webui/main.go's wsClients map).
package surface

import (
	"context"
	"log/slog"
	"sync"

	"github.com/ry-ops/taskguard/internal/model"
)

// NoticeKind distinguishes the two notices a worker can receive.
type NoticeKind string

const (
	NoticeAssigned NoticeKind = "assigned"
	NoticeCancel   NoticeKind = "cancel"
)

// Notice is one dispatch/cancel instruction pushed to a worker.
type Notice struct {
	Kind   NoticeKind  `json:"kind"`
	TaskID string      `json:"taskId"`
	Task   *model.Task `json:"task,omitempty"`
}

const noticeBufferDepth = 64

// WorkerOutbox fans dispatch and cancellation notices out to per-worker
// buffered channels. It implements scheduler.WorkerNotifier; the scheduler's
// contract ends at "notified", so a notice for a worker with no listener or a
// full outbox is logged and dropped rather than retried, and the notify
// methods still return nil. A task whose assignment notice was dropped stays
// in progress until it is completed or the TTL sweep expires it.
type WorkerOutbox struct {
	mu   sync.RWMutex
	subs map[string]chan Notice
	log  *slog.Logger
}

// NewWorkerOutbox constructs an empty outbox.
func NewWorkerOutbox(log *slog.Logger) *WorkerOutbox {
	return &WorkerOutbox{subs: make(map[string]chan Notice), log: log}
}

// Listen registers (or replaces) the outbound channel for workerID, returning
// it for a handler to range over until the worker's connection closes.
func (o *WorkerOutbox) Listen(workerID string) chan Notice {
	o.mu.Lock()
	defer o.mu.Unlock()
	if existing, ok := o.subs[workerID]; ok {
		close(existing)
	}
	ch := make(chan Notice, noticeBufferDepth)
	o.subs[workerID] = ch
	return ch
}

// StopListening detaches workerID's channel if it is still the one passed in
// (a worker that reconnected already replaced it via Listen).
func (o *WorkerOutbox) StopListening(workerID string, ch chan Notice) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.subs[workerID] == ch {
		delete(o.subs, workerID)
		close(ch)
	}
}

func (o *WorkerOutbox) push(workerID string, n Notice) {
	o.mu.RLock()
	ch, ok := o.subs[workerID]
	o.mu.RUnlock()
	if !ok {
		o.log.Debug("no listener for worker notice, dropping", "worker_id", workerID, "kind", n.Kind)
		return
	}
	select {
	case ch <- n:
	default:
		o.log.Warn("worker outbox full, dropping notice", "worker_id", workerID, "kind", n.Kind)
	}
}

// NotifyAssigned implements scheduler.WorkerNotifier.
func (o *WorkerOutbox) NotifyAssigned(_ context.Context, workerID string, task model.Task) error {
	o.push(workerID, Notice{Kind: NoticeAssigned, TaskID: task.ID, Task: &task})
	return nil
}

// NotifyCancel implements scheduler.WorkerNotifier.
func (o *WorkerOutbox) NotifyCancel(_ context.Context, workerID string, taskID string) error {
	o.push(workerID, Notice{Kind: NoticeCancel, TaskID: taskID})
	return nil
}

package surface

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/ry-ops/taskguard/internal/model"
)

type healthResponse struct {
	Status        string `json:"status"`
	Persistence   string `json:"persistence"`
	WorkerCount   int    `json:"workerCount"`
	QueuedTasks   int    `json:"queuedTasks"`
	InFlightTasks int    `json:"inFlightTasks"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if s.persist.Degraded() {
		status = "degraded"
	}

	tasks := s.store.ListTasks()
	inFlight := 0
	for _, t := range tasks {
		if t.State == model.TaskInProgress {
			inFlight++
		}
	}

	writeJSON(w, http.StatusOK, healthResponse{
		Status:        status,
		Persistence:   string(s.persist.Mode()),
		WorkerCount:   len(s.store.ListWorkers()),
		QueuedTasks:   len(s.store.PeekQueue()),
		InFlightTasks: inFlight,
	})
}

type metricsResponse struct {
	TasksByState   map[string]int `json:"tasksByState"`
	WorkersByState map[string]int `json:"workersByState"`
	QueueDepth     int            `json:"queueDepth"`
}

// handleMetricsSummary is a human/JSON-readable rollup of the spec's metrics
// surface; the request counter and latency histogram are exported through
// the OpenTelemetry meter wired at startup (internal/otelinit), not
// duplicated here. Event-bus drops are not counted anywhere.
func (s *Server) handleMetricsSummary(w http.ResponseWriter, r *http.Request) {
	tasks := s.store.ListTasks()
	byState := make(map[string]int)
	for _, t := range tasks {
		byState[string(t.State)]++
	}
	workers := s.store.ListWorkers()
	workersByState := make(map[string]int)
	for _, wk := range workers {
		workersByState[string(wk.State)]++
	}
	writeJSON(w, http.StatusOK, metricsResponse{
		TasksByState:   byState,
		WorkersByState: workersByState,
		QueueDepth:     len(s.store.PeekQueue()),
	})
}

var eventStreamUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleEventStream is the observer-facing push channel: every subscriber
// gets its own eventbus.Bus subscription and the connection simply relays
// whatever the bus delivers, including synthetic lost-events markers when the
// subscriber falls behind.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	conn, err := eventStreamUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("event stream upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub := s.bus.Subscribe()
	defer sub.Close()

	go drainIncoming(conn)

	for ev := range sub.Events() {
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}
}

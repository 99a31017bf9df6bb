package surface

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/ry-ops/taskguard/internal/model"
)

type registerWorkerRequest struct {
	Capabilities  []string `json:"capabilities"`
	MaxConcurrent int      `json:"maxConcurrent"`
}

type registerWorkerResponse struct {
	WorkerID            string `json:"workerId"`
	HeartbeatIntervalMs int64  `json:"heartbeatIntervalMs"`
}

func (s *Server) handleRegisterWorker(w http.ResponseWriter, r *http.Request) {
	var req registerWorkerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid-request", "malformed request body")
		return
	}
	if req.MaxConcurrent <= 0 {
		req.MaxConcurrent = s.cfg.MaxTasksPerWorker
	}

	worker, err := s.lifecycle.RegisterWorker(req.Capabilities, req.MaxConcurrent)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, registerWorkerResponse{
		WorkerID:            worker.ID,
		HeartbeatIntervalMs: s.cfg.HeartbeatCheckInterval.Milliseconds(),
	})
}

func (s *Server) handleUnregisterWorker(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.lifecycle.UnregisterWorker(id); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"workerId": id, "status": "unregistering"})
}

func (s *Server) handleGetWorker(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	worker, err := s.store.GetWorker(id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, workerView(worker))
}

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	workers := s.store.ListWorkers()
	views := make([]workerViewT, 0, len(workers))
	for _, wk := range workers {
		views = append(views, workerView(wk))
	}
	writeJSON(w, http.StatusOK, map[string]any{"workers": views})
}

type heartbeatRequest struct {
	Status          string             `json:"status"`
	ProgressByTaskID map[string]float64 `json:"progressByTaskId,omitempty"`
}

type heartbeatResponse struct {
	Ack           bool     `json:"ack"`
	Reassignments []string `json:"reassignments,omitempty"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid-request", "malformed request body")
		return
	}
	if err := s.lifecycle.Heartbeat(id, req.Status, req.ProgressByTaskID); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, heartbeatResponse{Ack: true})
}

var workerNotificationsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleWorkerNotifications is the push-channel endpoint a worker process
// dials after registering: every NotifyAssigned/NotifyCancel call the
// scheduler makes for this worker ID arrives here as a JSON frame.
func (s *Server) handleWorkerNotifications(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.store.GetWorker(id); err != nil {
		writeStoreError(w, err)
		return
	}

	conn, err := workerNotificationsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("worker notification upgrade failed", "worker_id", id, "error", err)
		return
	}
	defer conn.Close()

	ch := s.outbox.Listen(id)
	defer s.outbox.StopListening(id, ch)

	go drainIncoming(conn)

	for notice := range ch {
		if err := conn.WriteJSON(notice); err != nil {
			return
		}
	}
}

// drainIncoming discards frames the worker sends (pings, acks); its only job
// is to notice the connection closing so the outer loop can exit.
func drainIncoming(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

type workerViewT struct {
	ID            string   `json:"id"`
	State         string   `json:"state"`
	Load          int      `json:"load"`
	MaxConcurrent int      `json:"maxConcurrent"`
	Capabilities  []string `json:"capabilities"`
}

func workerView(w model.Worker) workerViewT {
	caps := make([]string, 0, len(w.Capabilities))
	for c := range w.Capabilities {
		caps = append(caps, c)
	}
	return workerViewT{
		ID:            w.ID,
		State:         string(w.State),
		Load:          w.Load,
		MaxConcurrent: w.MaxConcurrent,
		Capabilities:  caps,
	}
}

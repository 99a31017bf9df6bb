package surface

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/ry-ops/taskguard/internal/model"
	"github.com/ry-ops/taskguard/internal/store"
	"github.com/ry-ops/taskguard/internal/validator"
)

type submitTaskRequest struct {
	Description string `json:"description"`
	Type        string `json:"type,omitempty"`
	Priority    string `json:"priority,omitempty"`
	TTLMs       int64  `json:"ttlMs,omitempty"`
	MaxRetries  int    `json:"maxRetries,omitempty"`
}

type routingDecisionView struct {
	Category string             `json:"category,omitempty"`
	Scores   map[string]float64 `json:"scores,omitempty"`
}

type submitTaskResponse struct {
	TaskID         string                `json:"taskId"`
	Status         string                `json:"status"`
	RoutingDecision *routingDecisionView `json:"routingDecision,omitempty"`
}

type rejectionResponse struct {
	Rejected bool                  `json:"rejected"`
	Reason   string                `json:"reason"`
	Threats  []validator.ThreatMatch `json:"threats"`
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var req submitTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid-request", "malformed request body")
		return
	}
	if req.Description == "" {
		writeError(w, http.StatusBadRequest, "invalid-request", "description is required")
		return
	}

	priority := model.TaskPriority(req.Priority)
	ttl := time.Duration(req.TTLMs) * time.Millisecond

	task, decision, err := s.scheduler.Submit(r.Context(), req.Description, req.Type, priority, ttl, req.MaxRetries)
	if err != nil {
		if decision.Verdict == validator.VerdictReject {
			writeJSON(w, http.StatusUnprocessableEntity, rejectionResponse{
				Rejected: true,
				Reason:   decision.Reason,
				Threats:  decision.Threats,
			})
			return
		}
		writeError(w, http.StatusConflict, "state-conflict", err.Error())
		return
	}

	// Routing happens asynchronously when the dispatch loop picks the task off
	// the queue, so it is never known yet at submission time; routingDecision
	// is left empty, and the chosen category appears as chosenCategory on
	// GET /v1/tasks/{id} once dispatch has run.
	writeJSON(w, http.StatusAccepted, submitTaskResponse{TaskID: task.ID, Status: string(task.State)})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	task, err := s.store.GetTask(id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, taskView(task))
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	filterState := r.URL.Query().Get("state")
	tasks := s.store.ListTasks()
	views := make([]taskViewT, 0, len(tasks))
	for _, t := range tasks {
		if filterState != "" && string(t.State) != filterState {
			continue
		}
		views = append(views, taskView(t))
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": views})
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var body struct {
		Reason string `json:"reason,omitempty"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.Reason == "" {
		body.Reason = "operator-requested"
	}
	if err := s.scheduler.Cancel(r.Context(), id, body.Reason); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"taskId": id, "status": "cancel-requested"})
}

type completionReportRequest struct {
	WorkerID  string `json:"workerId"`
	TaskID    string `json:"taskId"`
	Outcome   string `json:"outcome"`
	Detail    string `json:"detail,omitempty"`
	Artifacts any    `json:"artifacts,omitempty"`
}

func (s *Server) handleReportCompletion(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req completionReportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid-request", "malformed request body")
		return
	}
	req.TaskID = id

	state := model.TaskCompleted
	if req.Outcome == "failure" {
		state = model.TaskFailed
	}
	outcome := model.Outcome{State: state, Reason: req.Outcome, Detail: req.Detail}

	if err := s.scheduler.ReportCompletion(req.TaskID, outcome); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"taskId": req.TaskID, "status": "recorded"})
}

type taskViewT struct {
	ID             string            `json:"id"`
	State          string            `json:"state"`
	Priority       string            `json:"priority"`
	DeclaredType   string            `json:"declaredType,omitempty"`
	ChosenCategory string            `json:"chosenCategory,omitempty"`
	WorkerID       string            `json:"workerId,omitempty"`
	RetryCount     int               `json:"retryCount"`
	SubmittedAt    time.Time         `json:"submittedAt"`
	Outcome        *model.Outcome    `json:"outcome,omitempty"`
}

func taskView(t model.Task) taskViewT {
	return taskViewT{
		ID:             t.ID,
		State:          string(t.State),
		Priority:       string(t.Priority),
		DeclaredType:   t.DeclaredType,
		ChosenCategory: t.ChosenCategory,
		WorkerID:       t.WorkerID,
		RetryCount:     t.RetryCount,
		SubmittedAt:    t.SubmittedAt,
		Outcome:        t.Outcome,
	}
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch err {
	case store.ErrNotFound:
		writeError(w, http.StatusNotFound, "not-found", err.Error())
	case store.ErrConflict:
		writeError(w, http.StatusConflict, "state-conflict", err.Error())
	case store.ErrAlreadyExists:
		writeError(w, http.StatusConflict, "state-conflict", err.Error())
	case store.ErrQueueFull:
		writeError(w, http.StatusServiceUnavailable, "resource-exhaustion", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

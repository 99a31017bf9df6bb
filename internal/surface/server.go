package surface

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel/metric"

	"github.com/ry-ops/taskguard/internal/config"
	"github.com/ry-ops/taskguard/internal/eventbus"
	"github.com/ry-ops/taskguard/internal/lifecycle"
	"github.com/ry-ops/taskguard/internal/model"
	"github.com/ry-ops/taskguard/internal/scheduler"
)

// Store is the subset of the persistence engine (itself embedding the C1
// store) the external surface reads for query endpoints.
type Store interface {
	GetTask(id string) (model.Task, error)
	ListTasks() []model.Task
	GetWorker(id string) (model.Worker, error)
	ListWorkers() []model.Worker
	PeekQueue() []model.Task
}

// PersistenceStatus reports the durability backend's mode and health, for
// the health endpoint.
type PersistenceStatus interface {
	Mode() config.PersistenceMode
	Degraded() bool
}

// Server wires the daemon's HTTP and websocket surface to the scheduler,
// lifecycle manager, state store, event bus, and worker outbox.
type Server struct {
	router     *mux.Router
	scheduler  *scheduler.Scheduler
	lifecycle  *lifecycle.Manager
	store      Store
	persist    PersistenceStatus
	bus        *eventbus.Bus
	outbox     *WorkerOutbox
	cfg        config.Config
	log        *slog.Logger
	startedAt  time.Time

	requests metric.Int64Counter
	latency  metric.Float64Histogram
}

// New constructs a Server and registers all routes.
func New(sched *scheduler.Scheduler, lm *lifecycle.Manager, st Store, persist PersistenceStatus, bus *eventbus.Bus, outbox *WorkerOutbox, cfg config.Config, meter metric.Meter, log *slog.Logger) *Server {
	requests, _ := meter.Int64Counter("taskguard_http_requests_total")
	latency, _ := meter.Float64Histogram("taskguard_http_request_duration_ms")

	s := &Server{
		router:    mux.NewRouter(),
		scheduler: sched,
		lifecycle: lm,
		store:     st,
		persist:   persist,
		bus:       bus,
		outbox:    outbox,
		cfg:       cfg,
		log:       log,
		startedAt: time.Now(),
		requests:  requests,
		latency:   latency,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.Use(s.loggingMiddleware)

	v1.HandleFunc("/tasks", s.handleSubmitTask).Methods(http.MethodPost)
	v1.HandleFunc("/tasks", s.handleListTasks).Methods(http.MethodGet)
	v1.HandleFunc("/tasks/{id}", s.handleGetTask).Methods(http.MethodGet)
	v1.HandleFunc("/tasks/{id}/cancel", s.handleCancelTask).Methods(http.MethodPost)
	v1.HandleFunc("/tasks/{id}/completion", s.handleReportCompletion).Methods(http.MethodPost)

	v1.HandleFunc("/workers", s.handleRegisterWorker).Methods(http.MethodPost)
	v1.HandleFunc("/workers", s.handleListWorkers).Methods(http.MethodGet)
	v1.HandleFunc("/workers/{id}", s.handleGetWorker).Methods(http.MethodGet)
	v1.HandleFunc("/workers/{id}", s.handleUnregisterWorker).Methods(http.MethodDelete)
	v1.HandleFunc("/workers/{id}/heartbeat", s.handleHeartbeat).Methods(http.MethodPost)
	v1.HandleFunc("/workers/{id}/notifications", s.handleWorkerNotifications).Methods(http.MethodGet)

	v1.HandleFunc("/events", s.handleEventStream).Methods(http.MethodGet)

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/metricsz", s.handleMetricsSummary).Methods(http.MethodGet)
}

// Handler returns the root http.Handler for use with http.Server.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		elapsed := float64(time.Since(start).Milliseconds())

		ctx := r.Context()
		s.requests.Add(ctx, 1)
		s.latency.Record(ctx, elapsed)
		s.log.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rw.status,
			"duration_ms", elapsed,
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

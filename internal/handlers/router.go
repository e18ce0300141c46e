package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"runboard/internal/db"
	"runboard/internal/engine"
	"runboard/internal/registry"
	"runboard/internal/stream"
)

// RunService is the slice of the run engine the HTTP layer depends on.
type RunService interface {
	Tasks() []registry.Task
	Trigger(ctx context.Context, taskHandler string, input []byte) (*engine.RunAggregate, error)
	Get(ctx context.Context, taskHandler string, runID uuid.UUID) (*engine.RunAggregate, error)
	Cancel(ctx context.Context, taskHandler string, runID uuid.UUID) (*engine.RunAggregate, error)
	Retry(ctx context.Context, taskHandler string, runID uuid.UUID) (*engine.RunAggregate, error)
}

// Config controls runtime behaviour for the API handlers.
type Config struct {
	AllowedOrigins []string
	StreamOptions  stream.Options
}

// API wires dependencies and configuration for HTTP handlers.
type API struct {
	svc       RunService
	pool      *pgxpool.Pool
	log       zerolog.Logger
	config    Config
	snapshots func(ctx context.Context, taskHandler string, runID uuid.UUID) (*stream.Snapshot, error)
}

// New initialises the API layer.
func New(svc RunService, pool *pgxpool.Pool, log zerolog.Logger, cfg Config) (*API, error) {
	if svc == nil {
		return nil, errors.New("run service is required")
	}

	a := &API{
		svc:    svc,
		pool:   pool,
		log:    log,
		config: cfg,
	}
	a.snapshots = func(ctx context.Context, taskHandler string, runID uuid.UUID) (*stream.Snapshot, error) {
		return stream.LoadSnapshot(ctx, a.pool, taskHandler, runID)
	}
	return a, nil
}

// Routes constructs the chi router containing all API endpoints.
func (a *API) Routes() (http.Handler, error) {
	if a == nil {
		return nil, errors.New("nil api")
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	allowed := a.config.AllowedOrigins
	if len(allowed) == 0 {
		allowed = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowed,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           int((10 * time.Minute).Seconds()),
	}))
	r.Use(httprate.Limit(100, time.Minute))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if a.pool != nil {
			if err := db.Ping(r.Context(), a.pool); err != nil {
				respondError(w, http.StatusServiceUnavailable, err)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	r.Method("GET", "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/tasks", a.handleListTasks)

		r.Route("/tasks/{task}/runs", func(r chi.Router) {
			// The stream endpoint holds its connection open, so the
			// request timeout applies to everything but it.
			r.Group(func(r chi.Router) {
				r.Use(middleware.Timeout(30 * time.Second))
				r.Post("/", a.handleTriggerRun)
				r.Get("/{runID}", a.handleGetRun)
				r.Post("/{runID}/cancel", a.handleCancelRun)
				r.Post("/{runID}/retry", a.handleRetryRun)
			})
			r.Get("/{runID}/stream", a.handleStreamRun)
		})
	})

	return r, nil
}

func runParams(r *http.Request) (string, uuid.UUID, error) {
	task := chi.URLParam(r, "task")
	if task == "" {
		return "", uuid.Nil, errors.New("task handler is required")
	}
	runID, err := uuid.Parse(chi.URLParam(r, "runID"))
	if err != nil {
		return "", uuid.Nil, errors.New("valid run id is required")
	}
	return task, runID, nil
}

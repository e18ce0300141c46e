package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (a *API) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks := a.svc.Tasks()
	views := make([]TaskView, 0, len(tasks))
	for _, task := range tasks {
		views = append(views, projectTask(task))
	}
	respondJSON(w, http.StatusOK, map[string]any{"tasks": views})
}

func (a *API) handleTriggerRun(w http.ResponseWriter, r *http.Request) {
	task := chi.URLParam(r, "task")

	var req struct {
		Input json.RawMessage `json:"input"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	agg, err := a.svc.Trigger(ctx, task, req.Input)
	if err != nil {
		respondEngineError(w, a.log, err)
		return
	}

	respondJSON(w, http.StatusCreated, map[string]any{"run": projectRun(agg)})
}

func (a *API) handleGetRun(w http.ResponseWriter, r *http.Request) {
	task, runID, err := runParams(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	agg, err := a.svc.Get(ctx, task, runID)
	if err != nil {
		respondEngineError(w, a.log, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"run": projectRun(agg)})
}

func (a *API) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	task, runID, err := runParams(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	agg, err := a.svc.Cancel(ctx, task, runID)
	if err != nil {
		respondEngineError(w, a.log, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"run": projectRun(agg)})
}

func (a *API) handleRetryRun(w http.ResponseWriter, r *http.Request) {
	task, runID, err := runParams(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	agg, err := a.svc.Retry(ctx, task, runID)
	if err != nil {
		respondEngineError(w, a.log, err)
		return
	}

	respondJSON(w, http.StatusCreated, map[string]any{"run": projectRun(agg)})
}

package handlers

import (
	"errors"
	"fmt"
	"net/http"

	"runboard/internal/stream"
)

// handleStreamRun serves a run timeline as a server-sent event stream. The
// connection stays open until the replay finishes or the client disconnects;
// the request context tears down the subscription's timers either way.
func (a *API) handleStreamRun(w http.ResponseWriter, r *http.Request) {
	task, runID, err := runParams(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, errors.New("streaming unsupported by transport"))
		return
	}

	snap, err := a.snapshots(r.Context(), task, runID)
	if err != nil {
		respondEngineError(w, a.log, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := stream.Subscribe(r.Context(), snap, a.config.StreamOptions)
	defer sub.Close()

	for evt := range sub.Events() {
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Kind, evt.Data); err != nil {
			// Transport gone; Close stops this subscription's timers
			// without touching sibling subscriptions.
			a.log.Debug().Err(err).Str("run_id", runID.String()).Msg("stream write failed")
			return
		}
		flusher.Flush()
	}
}

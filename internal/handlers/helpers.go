package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"runboard/internal/engine"
)

func decodeJSON(r *http.Request, dest any) error {
	if r.Body == nil {
		return errors.New("request body required")
	}
	defer r.Body.Close()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dest)
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	respondJSON(w, status, map[string]any{"error": err.Error()})
}

// respondEngineError maps the engine error taxonomy to HTTP statuses with
// stable machine-readable codes. Internal causes are logged with full
// context and surfaced generically.
func respondEngineError(w http.ResponseWriter, log zerolog.Logger, err error) {
	code := engine.CodeOf(err)
	if code == engine.CodeInternal {
		log.Error().Err(err).Msg("request failed")
	}
	respondJSON(w, statusFor(code), map[string]any{
		"code":  code,
		"error": engine.MessageOf(err),
	})
}

func statusFor(code engine.Code) int {
	switch code {
	case engine.CodeNotFound:
		return http.StatusNotFound
	case engine.CodeInvalidState, engine.CodeLimitExceeded, engine.CodeValidation:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, 5*time.Second)
}

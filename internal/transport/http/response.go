package httptransport

import (
	"encoding/json"
	"errors"
	"net/http"

	"libdiff/internal/gerrit"
	"libdiff/internal/repository"
	"libdiff/internal/service"
)

const unknownChangeMsg = "I don't know about that change yet. Try submitting it?"

type apiError struct {
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, apiError{Message: msg})
}

// statusFor maps a service error onto a response. ok is false for errors
// that should be logged and hidden behind a 500.
func statusFor(err error) (code int, msg string, ok bool) {
	var fe *gerrit.FetchError
	switch {
	case errors.Is(err, service.ErrInvalidChange):
		return http.StatusBadRequest, err.Error(), true
	case errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound, unknownChangeMsg, true
	case errors.Is(err, service.ErrNotRetryable):
		return http.StatusConflict, err.Error(), true
	case errors.Is(err, service.ErrQueueFull):
		return http.StatusServiceUnavailable, "too many builds queued, try again later", true
	case errors.As(err, &fe):
		if fe.Kind == gerrit.KindNotFound {
			return http.StatusNotFound, "change " + fe.Change + " does not exist on Gerrit", true
		}
		return http.StatusBadGateway, fe.Error(), true
	default:
		return http.StatusInternalServerError, "internal error", false
	}
}

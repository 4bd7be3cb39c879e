package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"finquest/internal/calc"
	"finquest/internal/core"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// writeError maps domain errors onto HTTP statuses. Validation failures are
// the client's fault; duplicates are conflicts so redelivering producers can
// tell them apart from rejections.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, core.ErrDuplicateEvent), errors.Is(err, core.ErrAlertExists):
		status = http.StatusConflict
	case errors.Is(err, core.ErrNotFound):
		status = http.StatusNotFound
	case isValidationError(err):
		status = http.StatusBadRequest
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func isValidationError(err error) bool {
	for _, sentinel := range []error{
		core.ErrEmptyEventID,
		core.ErrEmptyUserID,
		core.ErrEmptyCategory,
		core.ErrInvalidAmount,
		core.ErrFutureTimestamp,
		core.ErrUnknownEventType,
		core.ErrUnknownEventOp,
		core.ErrMissingReference,
		calc.ErrInvalidInput,
	} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}

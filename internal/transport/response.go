// Package transport contains the HTTP router, middleware chain, and request
// handlers for the case dispatch API.
package transport

import (
	"encoding/json"
	"net/http"

	"github.com/pitabwire/caseflow/model"
)

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrBadRequest:             http.StatusBadRequest,
	model.ErrUnauthorized:           http.StatusUnauthorized,
	model.ErrNotFound:               http.StatusNotFound,
	model.ErrConflict:               http.StatusConflict,
	model.ErrValidationError:        http.StatusUnprocessableEntity,
	model.ErrInternalError:          http.StatusInternalServerError,
	model.ErrDatabaseError:          http.StatusInternalServerError,
	model.ErrActionNotFound:         http.StatusNotFound,
	model.ErrConfigNotFound:         http.StatusNotFound,
	model.ErrInvalidStateTransition: http.StatusConflict,
	model.ErrNotUnique:              http.StatusBadRequest,
	model.ErrNoGetAction:            http.StatusUnprocessableEntity,
	model.ErrFunctionFailed:         http.StatusUnprocessableEntity,
	model.ErrChainIntegrity:         http.StatusInternalServerError,
}

// StatusFor returns the HTTP status for an envelope code.
func StatusFor(code string) int {
	if status, ok := statusForCode[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

// WriteError writes an ErrorEnvelope as a JSON response with the matching
// HTTP status code. Errors without an envelope in their chain become a
// generic 500.
func WriteError(w http.ResponseWriter, err error) {
	ee, ok := model.AsEnvelope(err)
	if !ok {
		ee = model.NewInternalError()
	}

	type errorResponse struct {
		Error *model.ErrorEnvelope `json:"error"`
	}
	WriteJSON(w, StatusFor(ee.Code), errorResponse{Error: ee})
}

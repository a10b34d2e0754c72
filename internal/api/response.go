package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"serum_rest/internal/domain"
)

const (
	statusOK    = "ok"
	statusError = "error"
)

// Envelope is the body of every API response. Data is set on success,
// Message on failure.
type Envelope struct {
	Status  string `json:"status"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, body Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Warn("Failed to write response", slog.Any("error", err))
	}
}

func writeOK(w http.ResponseWriter, data any) {
	if data == nil {
		data = struct{}{}
	}
	writeJSON(w, http.StatusOK, Envelope{Status: statusOK, Data: data})
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, Envelope{Status: statusError, Message: message})
}

// writeFailure maps err onto a status code and an error envelope.
func writeFailure(w http.ResponseWriter, err error) {
	writeError(w, StatusFor(err), err.Error())
}

// StatusFor returns the HTTP status code of an error.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrUnknownMarket), errors.Is(err, domain.ErrOrderNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrNoTargetAccount), errors.Is(err, domain.ErrNoPayerAccount):
		return http.StatusConflict
	case errors.Is(err, domain.ErrTransactionRejected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, domain.ErrNetworkUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

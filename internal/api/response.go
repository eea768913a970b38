package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/austindbirch/impact_relay/internal/delivery"
	"github.com/austindbirch/impact_relay/internal/logging"
)

const maxBodyBytes = 1 << 20

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeMessage(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// writeError maps the domain error taxonomy to HTTP statuses. Unexpected
// errors are logged and answered with a generic message.
func writeError(w http.ResponseWriter, r *http.Request, log *logging.Logger, err error) {
	switch {
	case delivery.IsValidation(err):
		writeMessage(w, http.StatusBadRequest, err.Error())
	case delivery.IsNotFound(err):
		writeMessage(w, http.StatusNotFound, err.Error())
	case delivery.IsSignature(err):
		writeMessage(w, http.StatusUnauthorized, "signature verification failed")
	case errors.Is(err, delivery.ErrConcurrencyConflict):
		writeMessage(w, http.StatusConflict, err.Error())
	default:
		log.WithContext(r.Context()).WithField("path", r.URL.Path).WithError(err).Error("request failed")
		writeMessage(w, http.StatusInternalServerError, "internal error")
	}
}

// decodeBody reads an optional JSON body into v. An empty body leaves v
// untouched.
func decodeBody(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return &delivery.ValidationError{Field: "body", Reason: "unreadable"}
	}
	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return &delivery.ValidationError{Field: "body", Reason: "invalid JSON: " + err.Error()}
	}
	return nil
}

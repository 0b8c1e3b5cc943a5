package apperr

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/narthex-io/narthex/platform/go/logging"
)

type errorBody struct {
	Error     string `json:"error"`
	Detail    string `json:"detail,omitempty"`
	Step      string `json:"step,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// Render writes the machine-readable error response with the request
// correlation id, logging internal errors at error level.
func Render(w http.ResponseWriter, r *http.Request, err error) {
	status := HTTPStatus(err)
	body := errorBody{
		Error:     CodeOf(err),
		RequestID: middleware.GetReqID(r.Context()),
	}

	var ae *Error
	if errors.As(err, &ae) {
		body.Detail = ae.Msg
		body.Step = ae.Step
	}

	logger := logging.FromRequest(r, zap.NewNop())
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", zap.Error(err), zap.Int("status", status))
	} else {
		logger.Debug("request rejected", zap.String("code", body.Error), zap.Int("status", status))
	}

	WriteJSON(w, status, body)
}

// WriteJSON encodes v as the response body with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

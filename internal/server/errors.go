package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	relayerrors "github.com/elecbits/heartbeat-relay/internal/errors"
	"github.com/elecbits/heartbeat-relay/internal/middleware"
)

// ErrorResponse represents the standard error response format.
type ErrorResponse struct {
	Status    string `json:"status"`
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// writeError maps err onto a status code and error body
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var re *relayerrors.RelayError
	if !errors.As(err, &re) {
		s.logger.Error("Unclassified handler error", zap.Error(err))
		s.writeErrorResponse(w, r, http.StatusInternalServerError, relayerrors.ErrCodeInternal.String(), "internal server error")
		return
	}
	s.writeErrorResponse(w, r, re.HTTPStatus(), re.Code.String(), re.Message)
}

func (s *Server) writeErrorResponse(w http.ResponseWriter, r *http.Request, statusCode int, code, message string) {
	writeJSON(w, statusCode, ErrorResponse{
		Status:    "error",
		ErrorCode: code,
		Message:   message,
		RequestID: middleware.RequestIDFrom(r.Context()),
	})
}

func writeJSON(w http.ResponseWriter, statusCode int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(body)
}

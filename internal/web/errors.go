package web

// errors.go turns handler errors into responses. The technical error is
// logged with the request id; the client gets core.MapError's message and
// support code, as JSON for /api and as an HTML alert otherwise.

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/JonMunkholm/geosync/internal/core"
	"github.com/JonMunkholm/geosync/internal/logging"
	"github.com/JonMunkholm/geosync/internal/web/templates"
)

// ErrorResponse is the JSON body of every API error.
type ErrorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Action    string `json:"action,omitempty"`
	Code      string `json:"code"`
	RequestID string `json:"request_id,omitempty"`
}

// statusByCode maps support codes to HTTP statuses.
var statusByCode = map[string]int{
	"TOK001": http.StatusConflict,
	"CHK001": http.StatusUnprocessableEntity,
	"FMT001": http.StatusUnsupportedMediaType,
	"CNV001": http.StatusUnprocessableEntity,
	"GEO001": http.StatusUnprocessableEntity,
	"DB001":  http.StatusServiceUnavailable,
	"NET001": http.StatusBadGateway,
	"SYN001": http.StatusTooManyRequests,
	"SYN002": http.StatusConflict,
	"SRC001": http.StatusBadRequest,
	"RUN001": http.StatusNotFound,
	"UPL001": http.StatusBadRequest,
	"CTX001": http.StatusServiceUnavailable,
	"CTX002": http.StatusGatewayTimeout,
}

// statusFor picks the HTTP status for err.
func statusFor(err error) int {
	if status, ok := statusByCode[core.MapError(err).Code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// logLevelFor logs classified client errors at Warn; unmapped errors and
// server-side failures stay at Error.
func logLevelFor(err error, status int) slog.Level {
	if core.IsUserFacing(err) && status < http.StatusInternalServerError {
		return slog.LevelWarn
	}
	return slog.LevelError
}

// respondError logs err and writes the mapped message. A zero status is
// derived from the error class.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error, status int) {
	if status == 0 {
		status = statusFor(err)
	}
	msg := core.MapError(err)
	requestID := middleware.GetReqID(r.Context())

	logging.FromContext(r.Context()).Log(r.Context(), logLevelFor(err, status), "request error",
		"path", r.URL.Path,
		"method", r.Method,
		"status", status,
		"error", err.Error(),
		"code", msg.Code,
	)

	if status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", "30")
	}
	if wantsJSON(r) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(ErrorResponse{
			Error:     msg.Message,
			Message:   msg.Message,
			Action:    msg.Action,
			Code:      msg.Code,
			RequestID: requestID,
		})
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	templates.ErrorAlert(msg.Message, msg.Action, msg.Code).Render(r.Context(), w)
}

// badRequest answers malformed requests that never reach the service.
func badRequest(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, ErrorResponse{
		Error:   message,
		Message: message,
		Code:    "REQ001",
	})
}

// wantsJSON reports whether the client should get a JSON error.
func wantsJSON(r *http.Request) bool {
	if strings.Contains(r.Header.Get("Accept"), "application/json") {
		return true
	}
	if strings.Contains(r.Header.Get("Content-Type"), "application/json") {
		return true
	}
	return strings.HasPrefix(r.URL.Path, "/api/")
}

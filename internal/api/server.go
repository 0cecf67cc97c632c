// Package api provides the HTTP surface of the gateway: the
// OpenAI-compatible completion endpoint, the conversational message
// endpoint and credential management.
package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/goccy/go-json"

	keymux "github.com/blueberrycongee/keymux"
	"github.com/blueberrycongee/keymux/internal/pool"
	kerrors "github.com/blueberrycongee/keymux/pkg/errors"
)

// Server holds the HTTP handlers and their collaborators.
type Server struct {
	client *keymux.Client
	pool   *pool.Pool
	logger *slog.Logger
}

// NewServer creates the HTTP surface over a configured client.
func NewServer(client *keymux.Client, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		client: client,
		pool:   client.Pool(),
		logger: logger,
	}
}

// RegisterRoutes registers all routes on the given mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/chat/completions", s.handleCompletions)
	mux.HandleFunc("POST /chatgpt/message/{sessionId}", s.handleMessage)

	mux.HandleFunc("POST /chatgpt/account/create", s.handleAccountCreate)
	mux.HandleFunc("GET /chatgpt/account", s.handleAccountList)
	mux.HandleFunc("POST /chatgpt/account/delete", s.handleAccountDelete)
	mux.HandleFunc("POST /chatgpt/account/update", s.handleAccountUpdate)

	mux.HandleFunc("GET /healthz", s.handleHealthz)
}

// ErrorResponse is the OpenAI-compatible error envelope.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes the error payload.
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("response encoding failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, errType, message string) {
	s.writeJSON(w, status, ErrorResponse{Error: ErrorDetail{Message: message, Type: errType}})
}

// writeFailure maps internal errors to HTTP statuses.
func (s *Server) writeFailure(w http.ResponseWriter, err error) {
	var verr *kerrors.ValidationError
	var timeout *kerrors.QueueTimeoutError
	var upstream *kerrors.UpstreamError
	var exhausted *kerrors.RetriesExhaustedError

	switch {
	case errors.As(err, &verr):
		s.writeError(w, http.StatusBadRequest, "invalid_request_error", verr.Message)
	case errors.Is(err, kerrors.ErrQueueFull):
		s.writeError(w, http.StatusTooManyRequests, "overloaded_error", err.Error())
	case errors.Is(err, kerrors.ErrNoAvailableCredential):
		s.writeError(w, http.StatusServiceUnavailable, "overloaded_error", err.Error())
	case errors.As(err, &timeout):
		s.writeError(w, http.StatusGatewayTimeout, "timeout_error", err.Error())
	case errors.As(err, &exhausted), errors.As(err, &upstream):
		s.writeError(w, http.StatusBadGateway, "upstream_error", err.Error())
	default:
		s.writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

package api

import (
	"io"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/keymux/pkg/types"
)

// handleCompletions serves POST /v1/chat/completions. With stream=true the
// normalized upstream event stream is piped to the caller; otherwise the
// completion object is returned as JSON.
func (s *Server) handleCompletions(w http.ResponseWriter, r *http.Request) {
	var req types.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request_error", "malformed request body")
		return
	}

	if !req.Stream {
		resp, err := s.client.Completion(r.Context(), &req)
		if err != nil {
			s.writeFailure(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, resp)
		return
	}

	body, err := s.client.CompletionStream(r.Context(), &req)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 4096)
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr == io.EOF {
			return
		}
		if readErr != nil {
			s.logger.Warn("stream interrupted", "error", readErr)
			return
		}
	}
}

// messageRequest is the conversational endpoint payload.
type messageRequest struct {
	Message string `json:"message"`
}

// handleMessage serves POST /chatgpt/message/{sessionId}.
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionId")

	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request_error", "malformed request body")
		return
	}

	reply, err := s.client.SendMessage(r.Context(), req.Message, sessionID)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"sessionId": sessionID,
		"response":  reply,
	})
}

package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mirelk/stepflow/internal/streaming"
)

// handleStreamAll streams every broadcast message via Server-Sent Events.
func (s *Server) handleStreamAll(w http.ResponseWriter, r *http.Request) {
	s.serveSSE(w, r, streaming.Filter{})
}

// handleStreamExecution streams the messages of one execution.
func (s *Server) handleStreamExecution(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.deps.Repo.GetExecution(r.Context(), id); err != nil {
		writeEngineError(w, err)
		return
	}
	s.serveSSE(w, r, streaming.Filter{ExecutionID: id})
}

// serveSSE is the common SSE implementation.
func (s *Server) serveSSE(w http.ResponseWriter, r *http.Request, filter streaming.Filter) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	ch, cancel, err := s.deps.Subscriber.Subscribe(r.Context(), filter)
	if err != nil {
		s.deps.Logger.Error("SSE subscribe failed", "error", err)
		http.Error(w, "subscribe failed", http.StatusInternalServerError)
		return
	}
	defer cancel()

	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.Type, data)
			flusher.Flush()
		}
	}
}

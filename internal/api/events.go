package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-chi/chi/v5"
)

// sseKeepAlive is how often an idle stream gets a comment line so proxies
// keep it open.
const sseKeepAlive = 15 * time.Second

// handleStreamEvents streams a user's task events as server-sent events.
// An optional req_id query narrows the stream to one request.
func (s *Server) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil || userID <= 0 {
		s.writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}
	reqID := r.URL.Query().Get("req_id")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for SSE", "error", err)
	}

	sessionID, ch, unsub := s.engine.Hub().Subscribe(userID, reqID)
	defer unsub()

	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)
	flush := func() {
		if canFlush {
			flusher.Flush()
		}
	}
	_ = writeSSEEvent(w, "ready", sessionID)
	flush()

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				// Server shutting down.
				_ = writeSSEEvent(w, "done", "stream closed")
				flush()
				return
			}
			data, err := sonic.MarshalString(ev)
			if err != nil {
				s.logger.Error("encode task event", "task_id", ev.TaskID, "error", err)
				continue
			}
			if err := writeSSEEvent(w, ev.Kind, data); err != nil {
				return // Write failed (e.g. client gone).
			}
			flush()
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flush()
		case <-r.Context().Done():
			return // Client disconnected.
		}
	}
}

// writeSSEEvent writes a named SSE event. Multi-line data is split so that
// each segment gets its own "data:" prefix.
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	for seg := range strings.SplitSeq(data, "\n") {
		if _, err := fmt.Fprintf(w, "data: %s\n", seg); err != nil {
			return err
		}
	}
	// Blank line terminates the event.
	_, err := fmt.Fprint(w, "\n")
	return err
}

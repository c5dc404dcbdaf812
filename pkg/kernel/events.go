package kernel

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/manthysbr/scoutOS/internal/core/domain"
)

// handleExecutionSSE streams one execution's events. The first event is a
// "snapshot" of the execution; a finished execution gets only that.
func (s *Server) handleExecutionSSE(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	execID := domain.ExecutionID(id)

	// subscribe before the snapshot so nothing falls between the two
	ch, unsub := s.eventBus.Subscribe(execID)
	defer unsub()

	exec, err := s.orch.Snapshot(r.Context(), execID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	flusher, ok := s.startSSE(w)
	if !ok {
		return
	}
	writeSSE(w, "snapshot", exec)
	flusher.Flush()
	if exec.Status.IsTerminal() && !s.orch.IsActive(execID) {
		return
	}
	s.pump(w, r, flusher, ch, func(ev domain.Event) bool {
		return ev.Type == domain.EventExecutionCompleted
	})
}

// handleBroadcastSSE streams every execution's events until the client leaves.
func (s *Server) handleBroadcastSSE(w http.ResponseWriter, r *http.Request) {
	ch, unsub := s.eventBus.SubscribeGlobal()
	defer unsub()

	flusher, ok := s.startSSE(w)
	if !ok {
		return
	}
	s.pump(w, r, flusher, ch, nil)
}

func (s *Server) startSSE(w http.ResponseWriter) (http.Flusher, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return nil, false
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return flusher, true
}

// pump copies events to the client until it disconnects, the bus closes the
// channel, or last reports true for a delivered event.
func (s *Server) pump(w http.ResponseWriter, r *http.Request, flusher http.Flusher, ch <-chan domain.Event, last func(domain.Event) bool) {
	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case ev, ok := <-ch:
			if !ok {
				return
			}
			writeSSE(w, string(ev.Type), ev)
			flusher.Flush()
			if last != nil && last(ev) {
				return
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, event string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}

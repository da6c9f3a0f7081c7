package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/openweavr/weavr/internal/streaming"
)

// sseKeepAlive is how often an idle stream gets a comment line so proxies do
// not time it out.
var sseKeepAlive = 15 * time.Second

// eventFilterFrom reads ?workflow=, ?run_id= and a comma separated ?type=.
func eventFilterFrom(r *http.Request) streaming.EventFilter {
	q := r.URL.Query()
	f := streaming.EventFilter{Workflow: q.Get("workflow"), RunID: q.Get("run_id")}
	for _, t := range strings.Split(q.Get("type"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			f.EventTypes = append(f.EventTypes, t)
		}
	}
	return f
}

// handleEvents streams hub events as text/event-stream until the client goes
// away or the hub closes the subscription.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondWithError(w, http.StatusInternalServerError, "response does not support streaming")
		return
	}

	events, unsubscribe, err := s.deps.Hub.Subscribe(r.Context(), eventFilterFrom(r))
	if err != nil {
		s.deps.Logger.Warn("event stream subscribe failed", zap.Error(err))
		respondWithError(w, http.StatusServiceUnavailable, "event stream unavailable")
		return
	}
	defer unsubscribe()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "retry: %d\n\n", (3 * time.Second).Milliseconds())
	flusher.Flush()

	ping := time.NewTicker(sseKeepAlive)
	defer ping.Stop()

	var seq uint64
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ping.C:
			fmt.Fprint(w, ": ping\n\n")
		case ev, open := <-events:
			if !open {
				return
			}
			body, err := json.Marshal(ev)
			if err != nil {
				s.deps.Logger.Debug("dropping unencodable event", zap.String("type", ev.EventType), zap.Error(err))
				continue
			}
			seq++
			fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", seq, ev.EventType, body)
		}
		flusher.Flush()
	}
}

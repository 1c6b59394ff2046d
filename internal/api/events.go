package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// handleEvents streams status events for one case as server-sent events.
// A comment line is written every keepalive interval so idle proxies keep
// the connection open.
func handleEvents(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caseID := chi.URLParam(r, "caseID")
		if _, err := deps.Cases.Get(r.Context(), caseID); err != nil {
			writeError(w, deps.logger(), err)
			return
		}
		if deps.Events == nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "event stream not available")
			return
		}

		ch, err := deps.Events.Subscribe(r.Context(), caseID)
		if err != nil {
			deps.logger().Error("subscribing to case events", "case_id", caseID, "err", err)
			httpError(w, http.StatusInternalServerError, "api_error", "event stream not available")
			return
		}

		rc := http.NewResponseController(w)
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		if err := rc.Flush(); err != nil {
			deps.logger().Warn("streaming not supported", "err", err)
			return
		}

		keepalive := deps.Keepalive
		if keepalive <= 0 {
			keepalive = defaultKeepalive
		}
		ticker := time.NewTicker(keepalive)
		defer ticker.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-ticker.C:
				if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
					return
				}
			case e, ok := <-ch:
				if !ok {
					return
				}
				payload, err := json.Marshal(e)
				if err != nil {
					deps.logger().Warn("encoding event", "err", err)
					continue
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
					return
				}
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}

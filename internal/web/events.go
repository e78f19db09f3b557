package web

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/courrier-mg/courrier/internal/lifecycle"
)

// eventBuffer bounds how far a slow client may fall behind before its
// stream is closed. Clients reconnect and resynchronize from the snapshots.
const eventBuffer = 64

// HandleEvents handles GET /api/events: a server-sent event stream of
// controller events. The stream opens with a "snapshot" event per pipeline,
// then carries every transition as a "draft" event in the order the
// controller applied them.
func (h *Handlers) HandleEvents(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)

	events := make(chan lifecycle.Event, eventBuffer)
	lagged := make(chan struct{})
	closed := false
	unsubscribe := h.ctrl.Subscribe(func(ev lifecycle.Event) {
		if closed {
			return
		}
		select {
		case events <- ev:
		default:
			closed = true
			close(lagged)
		}
	})
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for _, p := range []lifecycle.Pipeline{lifecycle.Incoming, lifecycle.Outgoing} {
		if err := writeEvent(w, "snapshot", lifecycle.Event{Pipeline: p, Draft: h.ctrl.Snapshot(p)}); err != nil {
			return
		}
	}
	if err := rc.Flush(); err != nil {
		h.log.Debug("web.events.flush_unsupported", zap.Error(err))
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case <-h.base.Done():
			return
		case <-lagged:
			h.log.Warn("web.events.lagged")
			return
		case ev := <-events:
			if err := writeEvent(w, "draft", ev); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}

func writeEvent(w io.Writer, name string, ev lifecycle.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
	return err
}

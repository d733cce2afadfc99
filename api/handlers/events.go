package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/fleetworks/conveyor/queue"
)

// EventSource streams job-available events; the queue's Redis notifier
// satisfies it.
type EventSource interface {
	Listen(ctx context.Context, events chan<- queue.JobEvent) error
}

// EventsHandler pushes job-available events to websocket subscribers so
// idle robots wake without polling. Events are advisory: a dropped or
// duplicated message costs a poll interval, never a job.
type EventsHandler struct {
	source EventSource
	logger *zap.Logger
}

// NewEventsHandler creates the event stream handler.
func NewEventsHandler(source EventSource, logger *zap.Logger) *EventsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventsHandler{source: source, logger: logger.With(zap.String("component", "events_api"))}
}

// HandleStream serves GET /api/v1/events/jobs as a websocket.
func (h *EventsHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	if h.source == nil {
		WriteError(w, http.StatusServiceUnavailable, CodeInternal, "event streaming disabled", h.logger)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events := make(chan queue.JobEvent, 16)
	listenErr := make(chan error, 1)
	go func() {
		listenErr <- h.source.Listen(ctx, events)
	}()

	// Drain reads so client pings and close frames are processed.
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				cancel()
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "stream closed")
			return
		case err := <-listenErr:
			if err != nil && !errors.Is(err, context.Canceled) {
				h.logger.Warn("event source stopped", zap.Error(err))
			}
			conn.Close(websocket.StatusInternalError, "event source stopped")
			return
		case event := <-events:
			writeCtx, writeCancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, event)
			writeCancel()
			if err != nil {
				// Slow or gone subscriber; it can reconnect and re-poll.
				return
			}
		}
	}
}

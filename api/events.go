package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"
)

// writeTimeout bounds one event frame; a client that cannot keep up is
// disconnected rather than allowed to stall the feed.
const writeTimeout = 10 * time.Second

// handleEvents upgrades to WebSocket and streams membership and job
// lifecycle events until the client disconnects. Events the client is
// too slow to drain are dropped by the subscriber channels, so the
// feed is a live view, not a durable log.
func (h *handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()

	memberEvents, unsubscribeMembers := h.registry.Subscribe()
	defer unsubscribeMembers()
	jobEvents, unsubscribeJobs := h.scheduler.Subscribe()
	defer unsubscribeJobs()

	// CloseRead pumps control frames and cancels the context when the
	// client goes away; we never expect data frames from the client.
	ctx := conn.CloseRead(r.Context())

	h.logger.Debug("event feed opened", zap.String("remote", r.RemoteAddr))

	for {
		var msg EventMessage
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case ev, ok := <-memberEvents:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "node shutting down")
				return
			}
			msg = EventMessage{
				Source:    "membership",
				Type:      string(ev.Type),
				Peer:      ev.Peer,
				Timestamp: time.Now(),
			}
		case ev, ok := <-jobEvents:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "node shutting down")
				return
			}
			msg = EventMessage{
				Source:    "job",
				Type:      string(ev.Type),
				Job:       ev.Job,
				Timestamp: time.Now(),
			}
		}

		data, err := json.Marshal(msg)
		if err != nil {
			h.logger.Error("encoding event failed", zap.Error(err))
			continue
		}
		if err := writeFrame(ctx, conn, data); err != nil {
			h.logger.Debug("event feed closed", zap.Error(err))
			return
		}
	}
}

func writeFrame(ctx context.Context, conn *websocket.Conn, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

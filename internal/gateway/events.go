// ABOUTME: SSE event stream handler for real-time delivery
// ABOUTME: Subscribes each identity to its topic plus the agent pool

package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/parleyhq/parley/internal/auth"
	"github.com/parleyhq/parley/internal/conversation"
)

// heartbeatInterval keeps intermediaries from closing idle streams.
const heartbeatInterval = 30 * time.Second

// handleEvents handles GET /api/events: a long-lived SSE stream carrying
// every delivery event addressed to the caller. Agents additionally receive
// the shared pool stream (escalation notices, claim outcomes).
func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		g.sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	identity := auth.MustFromContext(r.Context())
	ctx := r.Context()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	userCh, _ := g.broadcaster.Subscribe(ctx, conversation.UserTopic(identity.UserID))

	// Nil channel for non-agents: the select arm simply never fires
	var poolCh <-chan *conversation.Event
	if identity.IsAgent() {
		poolCh, _ = g.broadcaster.Subscribe(ctx, conversation.AgentPoolTopic)
	}

	g.presence.Connect(identity.UserID)
	defer g.presence.Disconnect(identity.UserID)

	g.writeSSEEvent(w, "connected", map[string]string{"user_id": identity.UserID})
	flusher.Flush()

	g.logger.Debug("event stream opened", "user_id", identity.UserID, "role", identity.Role)

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			g.logger.Debug("event stream closed", "user_id", identity.UserID)
			return
		case event, open := <-userCh:
			if !open {
				return
			}
			g.writeSSEEvent(w, event.Type, event)
			flusher.Flush()
		case event, open := <-poolCh:
			if !open {
				return
			}
			g.writeSSEEvent(w, event.Type, event)
			flusher.Flush()
		case <-heartbeat.C:
			// SSE comment line, ignored by clients
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		}
	}
}

// writeSSEEvent writes a single SSE event to the response writer.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return
	}

	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}

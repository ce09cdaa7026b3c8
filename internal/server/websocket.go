package server

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-responder/internal/metrics"
	"github.com/kubilitics/kubilitics-responder/internal/notify"
)

// WebSocket message types
const (
	MessageTypeNotification = "notification"
	MessageTypeHeartbeat    = "heartbeat"
	MessageTypeComplete     = "complete"
)

// WSMessage is one frame on the notification stream.
type WSMessage struct {
	Type         string               `json:"type"`
	Notification *notify.Notification `json:"notification,omitempty"`
	Timestamp    time.Time            `json:"timestamp"`
}

var defaultOrigins = []string{"http://localhost:3000", "http://localhost:5173"}

// newUpgrader builds an upgrader accepting the given origins. Requests
// without an Origin header come from non-browser clients and are accepted.
func newUpgrader(allowed []string) *websocket.Upgrader {
	if len(allowed) == 0 {
		allowed = defaultOrigins
	}
	set := make(map[string]bool, len(allowed))
	wildcard := false
	for _, o := range allowed {
		if o == "*" {
			wildcard = true
		}
		set[strings.ToLower(strings.TrimRight(o, "/"))] = true
	}
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || wildcard {
				return true
			}
			return set[strings.ToLower(strings.TrimRight(origin, "/"))]
		},
	}
}

// wsConnection serialises writes to one stream.
type wsConnection struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConnection) send(msg *WSMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteJSON(msg)
}

// handleIncidentStream relays one incident's notifications over WebSocket.
// URL pattern: /ws/incidents/{id}
// The stream ends after the investigation-done notification, when the
// client disconnects, or when the server stops.
func (s *Server) handleIncidentStream(w http.ResponseWriter, r *http.Request) {
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/ws/incidents/"), "/")
	if id == "" {
		http.Error(w, "incident ID required", http.StatusBadRequest)
		return
	}
	if s.deps.Bus == nil {
		http.Error(w, "notification stream not configured", http.StatusNotImplemented)
		return
	}
	snap, err := s.deps.Investigations.Get(id)
	if err != nil {
		http.Error(w, "incident not found: "+id, http.StatusNotFound)
		return
	}

	// Subscribe before upgrading so nothing published in between is lost.
	sub := s.deps.Bus.Subscribe(id)
	defer s.deps.Bus.Unsubscribe(sub)

	conn, err := newUpgrader(s.config.AllowedOrigins).Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	metrics.WebSocketConnections.Inc()
	defer metrics.WebSocketConnections.Dec()

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	// Reader: only detects the client going away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	wsc := &wsConnection{conn: conn}

	// An investigation that already finished gets its final state and closes.
	if snap.Incident.Phase.IsTerminal() {
		wsc.send(&WSMessage{Type: MessageTypeComplete, Notification: &notify.Notification{
			IncidentID: id,
			Kind:       notify.KindInvestigationDone,
			Phase:      snap.Incident.Phase,
			Message:    snap.Incident.FailureReason,
			Timestamp:  time.Now(),
		}, Timestamp: time.Now()})
		return
	}

	ticker := time.NewTicker(s.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := wsc.send(&WSMessage{Type: MessageTypeHeartbeat, Timestamp: time.Now()}); err != nil {
				return
			}
		case n, ok := <-sub.Ch:
			if !ok {
				return
			}
			msgType := MessageTypeNotification
			if n.Kind == notify.KindInvestigationDone {
				msgType = MessageTypeComplete
			}
			if err := wsc.send(&WSMessage{Type: msgType, Notification: &n, Timestamp: time.Now()}); err != nil {
				return
			}
			if msgType == MessageTypeComplete {
				return
			}
		}
	}
}

package mcp

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/mark3labs/mcp-go/server"
)

// RunEventMethod is the notification method carrying watched run events.
const RunEventMethod = "notifications/relay/run_event"

// RunNotification is one pushed update for a watched run. Error is set
// instead of EventType when the event stream broke.
type RunNotification struct {
	RunID     string
	EventType string
	Payload   json.RawMessage
	Error     string
}

func (n RunNotification) params() map[string]any {
	p := map[string]any{"run_id": n.RunID}
	if n.EventType != "" {
		p["event_type"] = n.EventType
	}
	if len(n.Payload) > 0 {
		p["payload"] = n.Payload
	}
	if n.Error != "" {
		p["error"] = n.Error
	}
	return p
}

// RunNotifier pushes run updates to whoever watches the run.
type RunNotifier interface {
	Notify(ctx context.Context, n RunNotification) error
}

// MCPNotifier delivers notifications to the watching MCP session.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	watches   *WatchRegistry
}

func NewMCPNotifier(mcpServer *server.MCPServer, watches *WatchRegistry) *MCPNotifier {
	return &MCPNotifier{mcpServer: mcpServer, watches: watches}
}

// Notify is best-effort: an unwatched run or a vanished session is not an error.
func (n *MCPNotifier) Notify(_ context.Context, note RunNotification) error {
	sessionID, ok := n.watches.Watcher(note.RunID)
	if !ok {
		return nil
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, RunEventMethod, note.params())
	if errors.Is(err, server.ErrSessionNotFound) {
		n.watches.DropSession(sessionID)
		return nil
	}
	return err
}

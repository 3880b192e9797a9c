package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/relay/internal/listener"
	"github.com/rendis/relay/pkg/schema"
)

type waitResult struct {
	RunID   string              `json:"run_id"`
	Status  schema.RunEventType `json:"status"`
	Payload json.RawMessage     `json:"payload,omitempty"`
	Events  []schema.RunEvent   `json:"events"`
}

type handlerInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// handleWaitRun blocks until the run reaches a terminal event or the timeout expires.
func (s *RelayServer) handleWaitRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	timeout := s.waitTimeout
	if raw := req.GetString("timeout", ""); raw != "" {
		d, parseErr := time.ParseDuration(raw)
		if parseErr != nil || d <= 0 {
			return mcp.NewToolResultError(fmt.Sprintf("invalid timeout %q: must be a positive duration", raw)), nil
		}
		timeout = d
	}
	if s.runtime == nil {
		return mcp.NewToolResultError("worker is not running"), nil
	}

	sub, subErr := s.runtime.SubscribeToRun(runID)
	if subErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("subscribe failed: %v", subErr)), nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result := waitResult{RunID: runID, Events: []schema.RunEvent{}}
	for ev, streamErr := range sub.Stream(waitCtx) {
		if streamErr != nil {
			if errors.Is(streamErr, listener.ErrWaitCancelled) {
				return mcp.NewToolResultError(fmt.Sprintf("timed out waiting for run %s after %s", runID, timeout)), nil
			}
			return mcp.NewToolResultError(fmt.Sprintf("run event stream closed: %v", streamErr)), nil
		}
		result.Events = append(result.Events, ev)
		result.Status = ev.EventType
		result.Payload = ev.Payload
	}
	return marshalResult(result)
}

// handleWatchRun forwards a run's events to the calling session in the background.
func (s *RelayServer) handleWatchRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	if s.runtime == nil {
		return mcp.NewToolResultError("worker is not running"), nil
	}
	sub, subErr := s.runtime.SubscribeToRun(runID)
	if subErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("subscribe failed: %v", subErr)), nil
	}
	s.captureSession(ctx, runID)

	s.wg.Add(1)
	go s.forward(runID, sub)

	return marshalResult(map[string]any{"ok": true, "run_id": runID})
}

func (s *RelayServer) forward(runID string, sub *listener.Streamable) {
	defer s.wg.Done()
	defer s.watches.Unwatch(runID)

	for ev, err := range sub.Stream(s.ctx) {
		note := RunNotification{RunID: runID}
		if err != nil {
			if errors.Is(err, listener.ErrWaitCancelled) {
				return
			}
			note.Error = err.Error()
		} else {
			note.EventType = string(ev.EventType)
			note.Payload = ev.Payload
		}
		if notifyErr := s.notifier.Notify(s.ctx, note); notifyErr != nil {
			s.logger.Warn("run notification failed", "run_id", runID, "error", notifyErr)
		}
	}
}

// handleStatus returns the worker status snapshot.
func (s *RelayServer) handleStatus(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.runtime == nil {
		return mcp.NewToolResultError("worker is not running"), nil
	}
	return marshalResult(s.runtime.Status())
}

// handleHandlers lists registered handlers with their input schemas.
func (s *RelayServer) handleHandlers(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if name := req.GetString("name", ""); name != "" {
		h, err := s.registry.Get(name)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("handler lookup failed: %v", err)), nil
		}
		sch := h.Schema()
		return marshalResult(handlerInfo{Name: h.Name(), Description: sch.Description, InputSchema: sch.InputSchema})
	}

	list := s.registry.List()
	out := make([]handlerInfo, 0, len(list))
	for _, info := range list {
		hi := handlerInfo{Name: info.Name, Description: info.Description}
		if h, ok := s.registry.Lookup(info.Name); ok {
			hi.InputSchema = h.Schema().InputSchema
		}
		out = append(out, hi)
	}
	return marshalResult(map[string]any{"handlers": out, "total": len(out)})
}

// captureSession points the run's notifications at the caller's MCP session.
func (s *RelayServer) captureSession(ctx context.Context, runID string) {
	session := server.ClientSessionFromContext(ctx)
	if session == nil {
		return
	}
	if prev, replaced := s.watches.Watch(runID, session.SessionID()); replaced {
		s.logger.Debug("run watch moved to new session", "run_id", runID, "previous_session", prev)
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}

package mcp

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/relay/internal/actions"
	"github.com/rendis/relay/internal/backoff"
	"github.com/rendis/relay/internal/listener"
	"github.com/rendis/relay/internal/transport"
	"github.com/rendis/relay/internal/validation"
	"github.com/rendis/relay/internal/worker"
	"github.com/rendis/relay/pkg/schema"
)

// --- Fakes ---

type fakeRuntime struct {
	pool   *listener.PooledListener
	status worker.Status
	subErr error
}

func (f *fakeRuntime) Status() worker.Status { return f.status }

func (f *fakeRuntime) SubscribeToRun(runID string) (*listener.Streamable, error) {
	if f.subErr != nil {
		return nil, f.subErr
	}
	return f.pool.Subscribe(runID), nil
}

type recordingNotifier struct {
	mu    sync.Mutex
	notes []RunNotification
}

func (n *recordingNotifier) Notify(_ context.Context, note RunNotification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notes = append(n.notes, note)
	return nil
}

func (n *recordingNotifier) Notes() []RunNotification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]RunNotification(nil), n.notes...)
}

func newRuntime(t *testing.T) (*fakeRuntime, *transport.MemorySession) {
	t.Helper()
	mem := transport.NewMemorySession()
	pool := listener.NewPooledListener(mem, listener.WithBackoff(backoff.Backoff{Base: time.Millisecond, Max: 10 * time.Millisecond}))
	t.Cleanup(pool.Close)
	return &fakeRuntime{pool: pool}, mem
}

// --- Helper ---

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	return mcp.GetTextFromContent(result.Content[0])
}

func publishWhenSubscribed(t *testing.T, mem *transport.MemorySession, runID string, events ...schema.RunEventType) {
	t.Helper()
	go func() {
		deadline := time.Now().Add(5 * time.Second)
		for mem.SubscribeCount(runID) == 0 && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
		for _, typ := range events {
			mem.PublishRunEvent(&schema.RunEvent{RunID: runID, EventType: typ, Payload: json.RawMessage(`{"step":"a"}`)})
		}
	}()
}

// --- Tests ---

func TestWaitRunTool(t *testing.T) {
	rt, mem := newRuntime(t)
	s := NewRelayServer(RelayServerDeps{Runtime: rt})
	defer s.Close()

	publishWhenSubscribed(t, mem, "run-1", schema.RunEventStarted, schema.RunEventCompleted)

	result, err := s.handleWaitRun(context.Background(), buildRequest("relay.wait_run", map[string]any{
		"run_id":  "run-1",
		"timeout": "5s",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))

	var got waitResult
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &got))
	assert.Equal(t, "run-1", got.RunID)
	assert.Equal(t, schema.RunEventCompleted, got.Status)
	require.Len(t, got.Events, 2)
	assert.Equal(t, schema.RunEventStarted, got.Events[0].EventType)
	assert.JSONEq(t, `{"step":"a"}`, string(got.Payload))
}

func TestWaitRunToolTimeout(t *testing.T) {
	rt, _ := newRuntime(t)
	s := NewRelayServer(RelayServerDeps{Runtime: rt})
	defer s.Close()

	result, err := s.handleWaitRun(context.Background(), buildRequest("relay.wait_run", map[string]any{
		"run_id":  "run-1",
		"timeout": "20ms",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "timed out waiting for run run-1")

	// The timed-out wait released its subscription.
	assert.Eventually(t, func() bool { return rt.pool.Len() == 0 }, time.Second, time.Millisecond)
}

func TestWaitRunTimeoutKeepsConcurrentWatch(t *testing.T) {
	rt, mem := newRuntime(t)
	n := &recordingNotifier{}
	s := NewRelayServer(RelayServerDeps{Runtime: rt, Notifier: n})
	defer s.Close()

	_, err := s.handleWatchRun(context.Background(), buildRequest("relay.watch_run", map[string]any{"run_id": "run-1"}))
	require.NoError(t, err)

	result, err := s.handleWaitRun(context.Background(), buildRequest("relay.wait_run", map[string]any{
		"run_id":  "run-1",
		"timeout": "20ms",
	}))
	require.NoError(t, err)
	require.True(t, result.IsError)
	assert.Equal(t, 1, rt.pool.Len())

	publishWhenSubscribed(t, mem, "run-1", schema.RunEventCompleted)
	require.Eventually(t, func() bool { return len(n.Notes()) == 1 }, 5*time.Second, time.Millisecond)
	assert.Equal(t, "completed", n.Notes()[0].EventType)
}

func TestWaitRunToolValidation(t *testing.T) {
	rt, _ := newRuntime(t)
	s := NewRelayServer(RelayServerDeps{Runtime: rt})
	defer s.Close()

	result, err := s.handleWaitRun(context.Background(), buildRequest("relay.wait_run", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = s.handleWaitRun(context.Background(), buildRequest("relay.wait_run", map[string]any{
		"run_id":  "run-1",
		"timeout": "soon",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "invalid timeout")

	rt.subErr = schema.NewError(schema.ErrCodeCancelled, "worker is stopped")
	result, err = s.handleWaitRun(context.Background(), buildRequest("relay.wait_run", map[string]any{"run_id": "run-1"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "worker is stopped")
}

func TestWaitRunToolWithoutRuntime(t *testing.T) {
	s := NewRelayServer(RelayServerDeps{})
	defer s.Close()

	result, err := s.handleWaitRun(context.Background(), buildRequest("relay.wait_run", map[string]any{"run_id": "run-1"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestWatchRunTool(t *testing.T) {
	rt, mem := newRuntime(t)
	n := &recordingNotifier{}
	s := NewRelayServer(RelayServerDeps{Runtime: rt, Notifier: n})
	defer s.Close()

	publishWhenSubscribed(t, mem, "run-1", schema.RunEventStarted, schema.RunEventFailed)

	result, err := s.handleWatchRun(context.Background(), buildRequest("relay.watch_run", map[string]any{"run_id": "run-1"}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	require.Eventually(t, func() bool { return len(n.Notes()) == 2 }, 5*time.Second, time.Millisecond)
	notes := n.Notes()
	assert.Equal(t, "started", notes[0].EventType)
	assert.Equal(t, "failed", notes[1].EventType)
	assert.Equal(t, "run-1", notes[1].RunID)
	assert.JSONEq(t, `{"step":"a"}`, string(notes[1].Payload))
	assert.Eventually(t, func() bool { return s.watches.Len() == 0 }, time.Second, time.Millisecond)
}

func TestWatchRunStopsOnClose(t *testing.T) {
	rt, _ := newRuntime(t)
	n := &recordingNotifier{}
	s := NewRelayServer(RelayServerDeps{Runtime: rt, Notifier: n})

	_, err := s.handleWatchRun(context.Background(), buildRequest("relay.watch_run", map[string]any{"run_id": "run-1"}))
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		s.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("close did not stop the watch")
	}
	assert.Empty(t, n.Notes())
}

func TestStatusTool(t *testing.T) {
	rt, _ := newRuntime(t)
	rt.status = worker.Status{
		WorkerID: "worker-1",
		Name:     "builder",
		Handlers: []string{"x"},
		Inflight: []worker.InflightRun{{StepRunID: "sr-1", ActionID: "x", Status: schema.StepRunRunning}},
	}
	s := NewRelayServer(RelayServerDeps{Runtime: rt})
	defer s.Close()

	result, err := s.handleStatus(context.Background(), buildRequest("relay.status", nil))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var got worker.Status
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &got))
	assert.Equal(t, "worker-1", got.WorkerID)
	require.Len(t, got.Inflight, 1)
	assert.Equal(t, "sr-1", got.Inflight[0].StepRunID)
}

func TestHandlersTool(t *testing.T) {
	reg := actions.NewRegistry()
	v, err := validation.NewJSONSchemaValidator()
	require.NoError(t, err)
	require.NoError(t, actions.RegisterBuiltins(reg, v))

	s := NewRelayServer(RelayServerDeps{Registry: reg})
	defer s.Close()

	result, err := s.handleHandlers(context.Background(), buildRequest("relay.handlers", nil))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var got struct {
		Handlers []handlerInfo `json:"handlers"`
		Total    int           `json:"total"`
	}
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &got))
	assert.Equal(t, reg.Count(), got.Total)
	assert.Equal(t, reg.Names()[0], got.Handlers[0].Name)

	result, err = s.handleHandlers(context.Background(), buildRequest("relay.handlers", map[string]any{"name": "jq.transform"}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	var one handlerInfo
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &one))
	assert.Equal(t, "jq.transform", one.Name)
	assert.NotEmpty(t, one.InputSchema)

	result, err = s.handleHandlers(context.Background(), buildRequest("relay.handlers", map[string]any{"name": "missing"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

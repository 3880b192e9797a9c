package actions

import (
	"context"
	"encoding/json"

	"github.com/rendis/relay/pkg/schema"
)

// Handler executes one kind of action on this worker. Name is the action ID
// the dispatcher routes on.
type Handler interface {
	Name() string
	Schema() HandlerSchema
	Execute(ctx context.Context, input Input) (*Output, error)
}

// HandlerSchema describes a handler's payload contract. A non-empty
// InputSchema is enforced before Execute is called.
type HandlerSchema struct {
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
	Description string          `json:"description,omitempty"`
}

// Input is what a handler receives for one step run.
type Input struct {
	// Payload is the action's raw JSON payload.
	Payload json.RawMessage
	// Params is the decoded payload when it is a JSON object, otherwise nil.
	Params map[string]any
	Action *schema.Action
}

// Output is a handler's result, reported as the Completed event payload.
type Output struct {
	Data json.RawMessage `json:"data,omitempty"`
}

// Info summarizes a registered handler.
type Info struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// HandlerFunc is the signature accepted by Func.
type HandlerFunc func(ctx context.Context, input Input) (any, error)

// Func adapts a plain function into a Handler. The function's result is
// marshaled to JSON.
func Func(name, description string, fn HandlerFunc) Handler {
	return &funcHandler{name: name, desc: description, fn: fn}
}

type funcHandler struct {
	name string
	desc string
	fn   HandlerFunc
}

func (h *funcHandler) Name() string { return h.name }

func (h *funcHandler) Schema() HandlerSchema { return HandlerSchema{Description: h.desc} }

func (h *funcHandler) Execute(ctx context.Context, input Input) (*Output, error) {
	v, err := h.fn(ctx, input)
	if err != nil {
		return nil, err
	}
	return marshalOutput(h.name, v)
}

func marshalOutput(name string, v any) (*Output, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "%s: marshal output: %v", name, err).WithCause(err)
	}
	return &Output{Data: data}, nil
}

// ActionMeta exposes the correlation fields of an action to expressions.
func ActionMeta(a *schema.Action) map[string]any {
	if a == nil {
		return map[string]any{}
	}
	return map[string]any{
		"tenant_id":       a.TenantID,
		"job_id":          a.JobID,
		"job_run_id":      a.JobRunID,
		"step_id":         a.StepID,
		"step_run_id":     a.StepRunID,
		"action_id":       a.ActionID,
		"workflow_run_id": a.WorkflowRunID,
	}
}

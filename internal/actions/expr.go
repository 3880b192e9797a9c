package actions

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rendis/relay/internal/expressions"
)

const expressionInputSchema = `{
  "type": "object",
  "required": ["%s"],
  "properties": {
    "%s": { "type": "string", "minLength": 1 },
    "data": {}
  }
}`

// ExpressionHandlers returns expr.eval, cel.eval and jq.transform.
func ExpressionHandlers() ([]Handler, error) {
	celEngine, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	return []Handler{
		&evalHandler{
			name:   "expr.eval",
			field:  "expression",
			desc:   "Evaluate an Expr expression against the action payload",
			engine: expressions.NewExprEngine(),
		},
		&evalHandler{
			name:   "cel.eval",
			field:  "expression",
			desc:   "Evaluate a CEL expression against the action payload",
			engine: celEngine,
		},
		&evalHandler{
			name:   "jq.transform",
			field:  "filter",
			desc:   "Run a jq filter over the action payload",
			engine: expressions.NewGoJQEngine(),
		},
	}, nil
}

// evalHandler runs the program in params[field] against a document holding
// the payload, its params and the action metadata. When params.data is set
// it replaces the payload in the document.
type evalHandler struct {
	name   string
	field  string
	desc   string
	engine expressions.Engine
}

func (h *evalHandler) Name() string { return h.name }

func (h *evalHandler) Schema() HandlerSchema {
	return HandlerSchema{
		Description: h.desc,
		InputSchema: json.RawMessage(fmt.Sprintf(expressionInputSchema, h.field, h.field)),
	}
}

func (h *evalHandler) Execute(ctx context.Context, input Input) (*Output, error) {
	program, err := requireString(input.Params, h.name, h.field)
	if err != nil {
		return nil, err
	}

	var payload any = input.Params
	if data, ok := input.Params["data"]; ok {
		payload = data
	}
	doc := map[string]any{
		"payload": payload,
		"params":  input.Params,
		"action":  ActionMeta(input.Action),
	}

	result, err := h.engine.Evaluate(ctx, program, doc)
	if err != nil {
		return nil, err
	}
	return marshalOutput(h.name, map[string]any{"result": result})
}

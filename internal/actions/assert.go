package actions

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"

	"github.com/rendis/relay/internal/validation"
	"github.com/rendis/relay/pkg/schema"
)

const schemaAssertInputSchema = `{
  "type": "object",
  "required": ["schema"],
  "properties": {
    "schema": { "type": ["object", "boolean"] },
    "data": {},
    "message": { "type": "string" }
  }
}`

const equalsAssertInputSchema = `{
  "type": "object",
  "required": ["expected", "actual"],
  "properties": {
    "expected": {},
    "actual": {},
    "message": { "type": "string" }
  }
}`

var passResult = json.RawMessage(`{"pass":true}`)

// AssertHandlers returns assert.equals and assert.schema.
func AssertHandlers(validator validation.Validator) []Handler {
	return []Handler{
		&equalsHandler{},
		&schemaHandler{validator: validator},
	}
}

type equalsHandler struct{}

func (h *equalsHandler) Name() string { return "assert.equals" }

func (h *equalsHandler) Schema() HandlerSchema {
	return HandlerSchema{
		Description: "Fail unless expected and actual are deeply equal",
		InputSchema: json.RawMessage(equalsAssertInputSchema),
	}
}

// Params come from decoded JSON, so numbers are already float64 on both sides.
func (h *equalsHandler) Execute(_ context.Context, input Input) (*Output, error) {
	expected, actual := input.Params["expected"], input.Params["actual"]
	if reflect.DeepEqual(expected, actual) {
		return &Output{Data: passResult}, nil
	}
	return nil, schema.NewError(schema.ErrCodeValidation,
		optionalString(input.Params, "message", "assertion failed: values are not equal")).
		WithDetails(map[string]any{"expected": expected, "actual": actual})
}

type schemaHandler struct {
	validator validation.Validator
}

func (h *schemaHandler) Name() string { return "assert.schema" }

func (h *schemaHandler) Schema() HandlerSchema {
	return HandlerSchema{
		Description: "Fail unless data conforms to the given JSON Schema",
		InputSchema: json.RawMessage(schemaAssertInputSchema),
	}
}

func (h *schemaHandler) Execute(_ context.Context, input Input) (*Output, error) {
	schemaBytes, err := json.Marshal(input.Params["schema"])
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "assert.schema: serialize schema: %s", err)
	}
	data, err := json.Marshal(input.Params["data"])
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "assert.schema: serialize data: %s", err)
	}

	if err := h.validator.ValidatePayload(data, schemaBytes); err != nil {
		details := map[string]any{"error": err.Error()}
		var re *schema.RelayError
		if errors.As(err, &re) && re.Details != nil {
			details["violations"] = re.Details["violations"]
		}
		return nil, schema.NewError(schema.ErrCodeValidation,
			optionalString(input.Params, "message", "assertion failed: data does not match schema")).
			WithDetails(details)
	}
	return &Output{Data: passResult}, nil
}

package validation

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/relay/pkg/schema"
)

const amountSchema = `{
  "type": "object",
  "required": ["amount"],
  "properties": {
    "amount": { "type": "number", "minimum": 0 },
    "currency": { "type": "string", "enum": ["EUR", "USD"] }
  }
}`

func newValidator(t *testing.T) *JSONSchemaValidator {
	t.Helper()
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)
	return v
}

func TestValidatePayload_Valid(t *testing.T) {
	v := newValidator(t)
	err := v.ValidatePayload(json.RawMessage(`{"amount": 12.5, "currency": "EUR"}`), []byte(amountSchema))
	assert.NoError(t, err)
}

func TestValidatePayload_NoSchema(t *testing.T) {
	v := newValidator(t)
	assert.NoError(t, v.ValidatePayload(json.RawMessage(`"anything"`), nil))
}

func TestValidatePayload_SingleViolation(t *testing.T) {
	v := newValidator(t)
	err := v.ValidatePayload(json.RawMessage(`{"amount": -1}`), []byte(amountSchema))
	require.Error(t, err)

	var re *schema.RelayError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, schema.ErrCodeValidation, re.Code)
	assert.Contains(t, re.Message, "/amount")
	assert.Len(t, re.Details["violations"], 1)
}

func TestValidatePayload_MultipleViolations(t *testing.T) {
	v := newValidator(t)
	err := v.ValidatePayload(json.RawMessage(`{"amount": "ten", "currency": "GBP"}`), []byte(amountSchema))
	require.Error(t, err)

	var re *schema.RelayError
	require.ErrorAs(t, err, &re)
	assert.Contains(t, re.Message, "validation failed with 2 errors")
}

func TestValidatePayload_EmptyPayloadIsNull(t *testing.T) {
	v := newValidator(t)
	err := v.ValidatePayload(nil, []byte(amountSchema))
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	assert.NoError(t, v.ValidatePayload(nil, []byte(`{"type": ["object", "null"]}`)))
}

func TestValidatePayload_BadInputs(t *testing.T) {
	v := newValidator(t)

	err := v.ValidatePayload(json.RawMessage(`{}`), []byte(`{not json`))
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	err = v.ValidatePayload(json.RawMessage(`{"amount":`), []byte(amountSchema))
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestValidatePayload_CachesCompiledSchemas(t *testing.T) {
	v := newValidator(t)

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, v.ValidatePayload(json.RawMessage(`{"amount": 1}`), []byte(amountSchema)))
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, v.cache.Len())
}

func TestValidateSettings(t *testing.T) {
	v := newValidator(t)

	ok := map[string]any{
		"dispatcher_address": "localhost:7070",
		"max_runs":           10,
		"log_level":          "debug",
		"shutdown_timeout":   "1m30s",
		"labels":             map[string]any{"zone": "eu"},
		"mcp":                map[string]any{"enabled": true},
	}
	assert.NoError(t, v.ValidateSettings(ok))
	assert.NoError(t, v.ValidateSettings(nil))

	err := v.ValidateSettings(map[string]any{"max_runs": 0, "log_level": "loud"})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	err = v.ValidateSettings(map[string]any{"shutdown_timeout": "soon"})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	err = v.ValidateSettings(map[string]any{"unknown_field": true})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

package validation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/relay/pkg/schema"
)

const settingsSchemaURL = "https://relay.dev/schemas/settings.json"

// settingsSchemaJSON describes the worker settings file.
const settingsSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://relay.dev/schemas/settings.json",
  "type": "object",
  "properties": {
    "dispatcher_address": { "type": "string", "minLength": 1 },
    "worker_name": { "type": "string", "minLength": 1 },
    "max_runs": { "type": "integer", "minimum": 1 },
    "log_level": { "type": "string", "enum": ["debug", "info", "warn", "error"] },
    "log_format": { "type": "string", "enum": ["text", "json"] },
    "listener_retry_count": { "type": "integer", "minimum": 0 },
    "listener_retry_interval": { "$ref": "#/$defs/duration" },
    "startup_retries": { "type": "integer", "minimum": 0 },
    "startup_interval": { "$ref": "#/$defs/duration" },
    "shutdown_timeout": { "$ref": "#/$defs/duration" },
    "journal_path": { "type": "string" },
    "journal_retention": { "$ref": "#/$defs/duration" },
    "prune_schedule": { "type": "string" },
    "metrics_address": { "type": "string" },
    "labels": {
      "type": "object",
      "additionalProperties": { "type": "string" }
    },
    "mcp": {
      "type": "object",
      "properties": {
        "enabled": { "type": "boolean" },
        "wait_timeout": { "$ref": "#/$defs/duration" }
      },
      "additionalProperties": false
    }
  },
  "additionalProperties": false,
  "$defs": {
    "duration": {
      "type": "string",
      "pattern": "^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"
    }
  }
}`

// DefaultSchemaCacheSize bounds the number of compiled payload schemas kept.
const DefaultSchemaCacheSize = 128

// JSONSchemaValidator implements Validator. It is safe for concurrent use.
type JSONSchemaValidator struct {
	settingsSchema *jsonschema.Schema

	cache *lru.Cache[string, *jsonschema.Schema]
	seq   atomic.Uint64
}

// NewJSONSchemaValidator creates a validator with the settings schema compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := newCompiler()
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(settingsSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal settings schema: %w", err)
	}
	if err := c.AddResource(settingsSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add settings schema resource: %w", err)
	}
	settings, err := c.Compile(settingsSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile settings schema: %w", err)
	}

	cache, err := lru.New[string, *jsonschema.Schema](DefaultSchemaCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create schema cache: %w", err)
	}
	return &JSONSchemaValidator{settingsSchema: settings, cache: cache}, nil
}

// ValidatePayload checks a raw JSON payload against payloadSchema. An empty
// schema accepts anything; an empty payload is validated as null.
func (v *JSONSchemaValidator) ValidatePayload(payload json.RawMessage, payloadSchema []byte) error {
	if len(payloadSchema) == 0 {
		return nil
	}
	compiled, err := v.getOrCompile(payloadSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid payload schema").WithCause(err)
	}

	raw := bytes.TrimSpace(payload)
	if len(raw) == 0 {
		raw = []byte("null")
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "payload is not valid JSON").WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		return toRelayError(err)
	}
	return nil
}

// ValidateSettings checks a decoded settings document. Values decoded from
// YAML are round-tripped through JSON first.
func (v *JSONSchemaValidator) ValidateSettings(doc any) error {
	if doc == nil {
		return nil
	}
	val, err := toJSONValue(doc)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "settings are not representable as JSON").WithCause(err)
	}
	if err := v.settingsSchema.Validate(val); err != nil {
		return toRelayError(err)
	}
	return nil
}

func (v *JSONSchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)
	if cached, ok := v.cache.Get(key); ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Each schema gets its own compiler and URL so resources never collide.
	url := fmt.Sprintf("relay://payload-schema/%d", v.seq.Add(1))
	c := newCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache.Add(key, compiled)
	return compiled, nil
}

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips v through encoding/json so numbers become
// json.Number, as the jsonschema library expects.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(b))
}

// toRelayError flattens a jsonschema.ValidationError into a VALIDATION_ERROR
// listing every leaf violation with its instance location.
func toRelayError(err error) *schema.RelayError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	switch len(violations) {
	case 0:
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	case 1:
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}
	return schema.NewErrorf(schema.ErrCodeValidation, "validation failed with %d errors", len(violations)).
		WithDetails(map[string]any{"violations": violations})
}

func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/" + strings.Join(verr.InstanceLocation, "/")
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}
	var out []string
	for _, cause := range verr.Causes {
		out = append(out, collectViolations(cause)...)
	}
	return out
}

var _ Validator = (*JSONSchemaValidator)(nil)

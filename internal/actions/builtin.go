package actions

import (
	"github.com/rendis/relay/internal/validation"
	"github.com/rendis/relay/pkg/schema"
)

// RegisterBuiltins registers the expression, crypto and assertion handlers.
func RegisterBuiltins(reg *Registry, validator validation.Validator) error {
	all, err := ExpressionHandlers()
	if err != nil {
		return err
	}
	all = append(all, CryptoHandlers()...)
	all = append(all, AssertHandlers(validator)...)

	for _, h := range all {
		if err := reg.Register(h); err != nil {
			return err
		}
	}
	return nil
}

func requireString(params map[string]any, handler, key string) (string, error) {
	s, ok := params[key].(string)
	if !ok || s == "" {
		return "", schema.NewErrorf(schema.ErrCodeValidation, "%s requires non-empty %q string parameter", handler, key)
	}
	return s, nil
}

func optionalString(params map[string]any, key, fallback string) string {
	if s, ok := params[key].(string); ok && s != "" {
		return s
	}
	return fallback
}

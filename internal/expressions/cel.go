package expressions

import (
	"context"
	"fmt"
	"reflect"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/rendis/relay/pkg/schema"
)

// celVariables are the names bound in every CEL program.
var celVariables = []string{"payload", "params", "action"}

// CELEngine evaluates Common Expression Language programs. The environment
// declares payload as dyn and params and action as string-keyed maps.
type CELEngine struct {
	env   *cel.Env
	cache *programCache[cel.Program]
}

// NewCELEngine creates a CEL engine.
func NewCELEngine() (*CELEngine, error) {
	mapType := cel.MapType(cel.StringType, cel.DynType)
	env, err := cel.NewEnv(
		cel.Variable("payload", cel.DynType),
		cel.Variable("params", mapType),
		cel.Variable("action", mapType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return &CELEngine{env: env, cache: newProgramCache[cel.Program](DefaultCacheSize)}, nil
}

func (e *CELEngine) Name() string { return "cel" }

// Evaluate runs expression and converts the result to plain Go values, so
// maps and lists marshal to JSON directly.
func (e *CELEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty CEL expression")
	}

	prg, err := e.cache.getOrCompile(expression, e.compile)
	if err != nil {
		return nil, err
	}

	out, _, err := prg.ContextEval(ctx, activation(data))
	if err != nil {
		return nil, evalError("CEL", expression, err)
	}
	v, err := celNative(out)
	if err != nil {
		return nil, evalError("CEL", expression, err)
	}
	return v, nil
}

func (e *CELEngine) compile(expression string) (cel.Program, error) {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, compileError("CEL", expression, issues.Err())
	}
	prg, err := e.env.Program(ast, cel.InterruptCheckFrequency(100))
	if err != nil {
		return nil, compileError("CEL", expression, err)
	}
	return prg, nil
}

// activation defaults missing variables so programs never hit unbound names.
func activation(data map[string]any) map[string]any {
	act := make(map[string]any, len(celVariables))
	for _, key := range celVariables {
		if v, ok := data[key]; ok && v != nil {
			act[key] = v
			continue
		}
		if key == "payload" {
			act[key] = nil
		} else {
			act[key] = map[string]any{}
		}
	}
	return act
}

func celNative(v ref.Val) (any, error) {
	switch v.(type) {
	case traits.Mapper, traits.Lister:
		native, err := v.ConvertToNative(reflect.TypeFor[*structpb.Value]())
		if err != nil {
			return nil, err
		}
		return native.(*structpb.Value).AsInterface(), nil
	}
	return v.Value(), nil
}

var _ Engine = (*CELEngine)(nil)

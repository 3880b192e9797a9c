package expressions

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/relay/pkg/schema"
)

func doc(t *testing.T, payload string) map[string]any {
	t.Helper()
	var p any
	require.NoError(t, json.Unmarshal([]byte(payload), &p))
	return map[string]any{
		"payload": p,
		"params":  map[string]any{"threshold": 10.0},
		"action":  map[string]any{"step_run_id": "sr-1", "action_id": "x"},
	}
}

func TestExpr_EvaluatesAgainstDocument(t *testing.T) {
	e := NewExprEngine()
	out, err := e.Evaluate(context.Background(), "payload.n * 2 > params.threshold", doc(t, `{"n": 6}`))
	require.NoError(t, err)
	assert.Equal(t, true, out)

	out, err = e.Evaluate(context.Background(), "action.step_run_id", doc(t, `{}`))
	require.NoError(t, err)
	assert.Equal(t, "sr-1", out)
}

func TestExpr_UndefinedVariableIsNil(t *testing.T) {
	e := NewExprEngine()
	out, err := e.Evaluate(context.Background(), "missing ?? 1", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, out)
}

func TestExpr_Errors(t *testing.T) {
	e := NewExprEngine()

	_, err := e.Evaluate(context.Background(), "", nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	_, err = e.Evaluate(context.Background(), "1 +", nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = e.Evaluate(ctx, "1", nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExpr_CachesPrograms(t *testing.T) {
	e := NewExprEngine()
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := e.Evaluate(context.Background(), "1 + 1", nil)
			assert.NoError(t, err)
			assert.Equal(t, 2, out)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, e.cache.len())
}

func TestCEL_EvaluatesAgainstDocument(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)
	assert.Equal(t, "cel", e.Name())

	out, err := e.Evaluate(context.Background(), "payload.n > params.threshold", doc(t, `{"n": 12}`))
	require.NoError(t, err)
	assert.Equal(t, true, out)

	out, err = e.Evaluate(context.Background(), `action.action_id + "-" + action.step_run_id`, doc(t, `{}`))
	require.NoError(t, err)
	assert.Equal(t, "x-sr-1", out)
}

func TestCEL_ConvertsCompositeResults(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	out, err := e.Evaluate(context.Background(), `{"a": [1, 2], "b": [3]}`, nil)
	require.NoError(t, err)

	raw, err := json.Marshal(out)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a": [1, 2], "b": [3]}`, string(raw))
}

func TestCEL_Errors(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	_, err = e.Evaluate(context.Background(), "", nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	_, err = e.Evaluate(context.Background(), "unknown_var == 1", nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	_, err = e.Evaluate(context.Background(), "params.nope", nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeExecution))
}

func TestGoJQ_Transforms(t *testing.T) {
	e := NewGoJQEngine()
	out, err := e.Evaluate(context.Background(), ".payload.items | map(. * 2)", doc(t, `{"items": [1, 2, 3]}`))
	require.NoError(t, err)
	raw, err := json.Marshal(out)
	require.NoError(t, err)
	assert.JSONEq(t, `[2, 4, 6]`, string(raw))
}

func TestGoJQ_MultipleAndEmptyOutputs(t *testing.T) {
	e := NewGoJQEngine()

	out, err := e.Evaluate(context.Background(), ".payload.items[]", doc(t, `{"items": ["a", "b"]}`))
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, out)

	out, err = e.Evaluate(context.Background(), "empty", nil)
	require.NoError(t, err)
	assert.Nil(t, out)

	all, err := e.EvaluateAll(context.Background(), ".action.action_id", doc(t, `{}`))
	require.NoError(t, err)
	assert.Equal(t, []any{"x"}, all)
}

func TestGoJQ_Errors(t *testing.T) {
	e := NewGoJQEngine()

	_, err := e.Evaluate(context.Background(), ".[", nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	_, err = e.Evaluate(context.Background(), `error("boom")`, nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeExecution))
}

func TestGoJQ_EnvironmentHidden(t *testing.T) {
	t.Setenv("RELAY_SECRET", "hunter2")
	e := NewGoJQEngine()
	out, err := e.Evaluate(context.Background(), "$ENV.RELAY_SECRET", nil)
	require.NoError(t, err)
	assert.Nil(t, out)
}

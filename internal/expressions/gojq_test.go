package expressions

import (
	"context"
	"sync"
	"testing"

	"github.com/rendis/flowcore/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewGoJQEngine(t *testing.T) {
	e := NewGoJQEngine()
	assert.Equal(t, "jq", e.Name())
}

func TestGoJQ_Transforms(t *testing.T) {
	e := NewGoJQEngine()
	data := map[string]any{
		"payload": map[string]any{
			"items": []any{
				map[string]any{"name": "a", "price": 3.0},
				map[string]any{"name": "b", "price": 7.0},
			},
		},
		"args": map[string]any{"min": int64(5)},
	}

	tests := []struct {
		name string
		expr string
		want any
	}{
		{"field", ".payload.items[0].name", "a"},
		{"filter", `[.payload.items[] | select(.price >= 5) | .name]`, []any{"b"}},
		{"sum", "[.payload.items[].price] | add", 10.0},
		{"null", ".payload.missing", nil},
		{"multiple outputs", ".payload.items[].name", []any{"a", "b"}},
		{"object construction", `{count: (.payload.items | length)}`, map[string]any{"count": 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := e.Evaluate(context.Background(), tt.expr, data)
			require.NoError(t, err)
			assert.Equal(t, tt.want, out)
		})
	}
}

func TestGoJQ_Errors(t *testing.T) {
	e := NewGoJQEngine()

	for _, expr := range []string{"", ".[", `error("boom")`} {
		_, err := e.Evaluate(context.Background(), expr, map[string]any{})
		require.Error(t, err, expr)
		assert.Equal(t, schema.ErrCodeEval, schema.ErrorCode(err))
	}
}

func TestGoJQ_NoEnvAccess(t *testing.T) {
	e := NewGoJQEngine()

	out, err := e.Evaluate(context.Background(), "$ENV | length", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, 0, out)
}

func TestGoJQ_Concurrent(t *testing.T) {
	e := NewGoJQEngine()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			out, err := e.Evaluate(context.Background(), ".n + 1", map[string]any{"n": n})
			assert.NoError(t, err)
			assert.Equal(t, n+1, out)
		}(i)
	}
	wg.Wait()
}

func TestNormalizeForJQ(t *testing.T) {
	in := map[string]any{"a": int64(1), "b": []any{int32(2), "x"}, "c": float32(1.5)}
	out := normalizeForJQ(in).(map[string]any)

	assert.Equal(t, float64(1), out["a"])
	assert.Equal(t, []any{float64(2), "x"}, out["b"])
	assert.Equal(t, float64(1.5), out["c"])
	assert.Nil(t, normalizeForJQ(nil))
}

func TestGoJQ_OutputLimit(t *testing.T) {
	e := NewGoJQEngine()

	_, err := e.Evaluate(context.Background(), "range(1000000)", map[string]any{})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeEval, schema.ErrorCode(err))

	out, err := e.Evaluate(context.Background(), "[range(5)] | length", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, 5, out)
}

func TestGoJQ_HaltStopsQuietly(t *testing.T) {
	e := NewGoJQEngine()

	out, err := e.Evaluate(context.Background(), "1, halt, 2", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, 1, out)
}

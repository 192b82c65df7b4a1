package expressions

import (
	"context"
	"testing"

	"github.com/rendis/flowcore/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderTemplate_WholeIslandKeepsRawValue(t *testing.T) {
	s := NewSandbox()

	res := s.RenderTemplate(context.Background(), "{{ 40 + 2 }}", map[string]any{})
	assert.True(t, res.Ok())
	assert.Equal(t, 42, res.Value)
	assert.Equal(t, "42", res.Text)
	assert.Equal(t, []string{"40 + 2"}, res.Islands)
}

func TestRenderTemplate_MixedTextConcatenates(t *testing.T) {
	s := NewSandbox()

	res := s.RenderTemplate(context.Background(), "x={{40+2}}", map[string]any{})
	assert.True(t, res.Ok())
	assert.Equal(t, "x=42", res.Text)
	assert.Equal(t, "x=42", res.Value)
}

func TestRenderTemplate_FailingIslandKeepsRawText(t *testing.T) {
	s := NewSandbox()

	res := s.RenderTemplate(context.Background(), "a {{ 1 + }} b {{ payload.n }}", map[string]any{
		"payload": map[string]any{"n": 2},
	})
	assert.Equal(t, "a {{ 1 + }} b 2", res.Text)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "{{ 1 + }}", res.Errors[0].Island)
	assert.Equal(t, schema.ErrCodeEval, schema.ErrorCode(res.Errors[0].Err))
	assert.Len(t, res.Islands, 2)
}

func TestRenderTemplate_UnsafeWholeIsland(t *testing.T) {
	s := NewSandbox()

	res := s.RenderTemplate(context.Background(), "{{ process.exit() }}", nil)
	assert.Equal(t, "{{ process.exit() }}", res.Value)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, schema.ErrCodeUnsafeExpression, schema.ErrorCode(res.Errors[0].Err))
}

func TestRenderTemplate_NoIslands(t *testing.T) {
	s := NewSandbox()

	for _, text := range []string{"plain text", "hello {{ name", ""} {
		res := s.RenderTemplate(context.Background(), text, nil)
		assert.Equal(t, text, res.Text)
		assert.Equal(t, text, res.Value)
		assert.Empty(t, res.Islands)
		assert.True(t, res.Ok())
	}
}

func TestRenderTemplate_ContainersRenderAsJSON(t *testing.T) {
	s := NewSandbox()

	res := s.RenderTemplate(context.Background(), "items: {{ payload.items }}", map[string]any{
		"payload": map[string]any{"items": []any{"a", 1}},
	})
	assert.Equal(t, `items: ["a",1]`, res.Text)
}

func TestIsIsland(t *testing.T) {
	expr, ok := IsIsland("  {{ a > 1 }} ")
	assert.True(t, ok)
	assert.Equal(t, "a > 1", expr)

	_, ok = IsIsland("{{ a }} and {{ b }}")
	assert.False(t, ok)
	_, ok = IsIsland("a > 1")
	assert.False(t, ok)
}

func TestDeepRender(t *testing.T) {
	s := NewSandbox()
	input := map[string]any{
		"a": "{{ payload.n * 2 }}",
		"b": []any{"x{{ payload.n }}", 5, map[string]any{"c": "{{ 1 + }}"}},
		"d": true,
		"e": nil,
	}
	data := map[string]any{"payload": map[string]any{"n": 3}}

	out, errs := s.DeepRender(context.Background(), input, data)
	require.Len(t, errs, 1)

	rendered := out.(map[string]any)
	assert.Equal(t, 6, rendered["a"])
	assert.Equal(t, []any{"x3", 5, map[string]any{"c": "{{ 1 + }}"}}, rendered["b"])
	assert.Equal(t, true, rendered["d"])
	assert.Nil(t, rendered["e"])

	assert.Equal(t, "{{ payload.n * 2 }}", input["a"], "input must not be modified")
}

func TestRenderTemplate_PaddedIslandRendersAsText(t *testing.T) {
	s := NewSandbox()

	res := s.RenderTemplate(context.Background(), "  {{ 40 + 2 }}  ", map[string]any{})
	assert.True(t, res.Ok())
	assert.Equal(t, "  42  ", res.Text)
	assert.Equal(t, "  42  ", res.Value)
}

func TestRenderTemplate_NonFiniteValues(t *testing.T) {
	s := NewSandbox()

	for _, tmpl := range []string{`{{ Number("abc") }}`, `{{ 1/0 }}`, `{{ Math.sqrt(-1) }}`} {
		res := s.RenderTemplate(context.Background(), tmpl, map[string]any{})
		require.True(t, res.Ok(), tmpl)
		assert.Nil(t, res.Value, tmpl)
	}

	res := s.RenderTemplate(context.Background(), `n={{ Number("abc") }}`, map[string]any{})
	assert.Equal(t, "n=NaN", res.Text)
}

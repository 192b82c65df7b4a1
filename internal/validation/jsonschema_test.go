package validation

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const personSchema = `{
	"type":"object",
	"required":["name"],
	"properties":{
		"name":{"type":"string","minLength":1},
		"age":{"type":"integer","minimum":0},
		"email":{"type":"string","format":"email"}
	},
	"additionalProperties":false
}`

func TestArgSchema_Valid(t *testing.T) {
	v := NewArgSchemaValidator()
	violations, err := v.Validate(map[string]any{"name": "ana", "age": 30, "email": "ana@example.com"}, []byte(personSchema))
	require.NoError(t, err)
	assert.Empty(t, violations)
}

func TestArgSchema_EmptySchemaAcceptsAnything(t *testing.T) {
	v := NewArgSchemaValidator()
	violations, err := v.Validate(map[string]any{"x": []any{1, 2}}, nil)
	require.NoError(t, err)
	assert.Empty(t, violations)
}

func TestArgSchema_Violations(t *testing.T) {
	tests := []struct {
		name string
		args map[string]any
		want string
	}{
		{"missing required", map[string]any{}, "name"},
		{"wrong type", map[string]any{"name": 5}, "/name"},
		{"below minimum", map[string]any{"name": "a", "age": -1}, "/age"},
		{"bad format", map[string]any{"name": "a", "email": "not-an-email"}, "/email"},
		{"extra property", map[string]any{"name": "a", "extra": true}, "extra"},
	}

	v := NewArgSchemaValidator()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			violations, err := v.Validate(tt.args, []byte(personSchema))
			require.NoError(t, err)
			require.NotEmpty(t, violations)
			assert.Contains(t, violations[0], tt.want)
		})
	}
}

func TestArgSchema_NilArgsValidatedAsEmptyObject(t *testing.T) {
	v := NewArgSchemaValidator()
	violations, err := v.Validate(nil, []byte(personSchema))
	require.NoError(t, err)
	assert.NotEmpty(t, violations)
}

func TestArgSchema_InvalidSchema(t *testing.T) {
	v := NewArgSchemaValidator()

	_, err := v.Validate(map[string]any{}, []byte(`{"type":`))
	assert.Error(t, err)

	assert.Error(t, v.CompileSchema([]byte(`{"type":"no-such-type"}`)))
	assert.NoError(t, v.CompileSchema([]byte(personSchema)))
}

func TestArgSchema_Cache(t *testing.T) {
	v := NewArgSchemaValidator()
	_, err := v.Validate(map[string]any{"name": "a"}, []byte(personSchema))
	require.NoError(t, err)
	_, err = v.Validate(map[string]any{"name": "b"}, []byte(personSchema))
	require.NoError(t, err)
	assert.Len(t, v.cache, 1)
}

func TestArgSchema_Concurrent(t *testing.T) {
	v := NewArgSchemaValidator()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			violations, err := v.Validate(map[string]any{"name": "n", "age": i}, []byte(personSchema))
			assert.NoError(t, err)
			assert.Empty(t, violations)
		}(i)
	}
	wg.Wait()
	assert.Len(t, v.cache, 1)
}

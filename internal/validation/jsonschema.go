package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

// ArgSchemaValidator checks rendered node arguments against a template's
// argument schema (JSON Schema, draft 2020-12 by default).
// Compiled schemas are cached by their text. It is safe for concurrent use.
type ArgSchemaValidator struct {
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewArgSchemaValidator creates an ArgSchemaValidator with an empty cache.
func NewArgSchemaValidator() *ArgSchemaValidator {
	return &ArgSchemaValidator{cache: make(map[string]*jsonschema.Schema)}
}

// Validate returns the violations of args against argSchema, one
// "location: message" string each. An empty schema accepts anything.
// The error is non-nil only when argSchema itself does not compile.
func (v *ArgSchemaValidator) Validate(args map[string]any, argSchema []byte) ([]string, error) {
	if len(argSchema) == 0 {
		return nil, nil
	}

	compiled, err := v.getOrCompile(argSchema)
	if err != nil {
		return nil, err
	}

	if args == nil {
		args = map[string]any{}
	}
	doc, err := toJSONValue(args)
	if err != nil {
		return nil, fmt.Errorf("serialize args: %w", err)
	}

	if err := compiled.Validate(doc); err != nil {
		var verr *jsonschema.ValidationError
		if !errors.As(err, &verr) {
			return []string{err.Error()}, nil
		}
		violations := collectViolations(verr)
		if len(violations) == 0 {
			violations = []string{verr.Error()}
		}
		return violations, nil
	}
	return nil, nil
}

// CompileSchema reports whether argSchema is a valid JSON Schema.
func (v *ArgSchemaValidator) CompileSchema(argSchema []byte) error {
	_, err := v.getOrCompile(argSchema)
	return err
}

// getOrCompile returns a cached compiled schema or compiles and caches a new one.
func (v *ArgSchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	// Double-check after acquiring write lock.
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	url := fmt.Sprintf("flowcore://arg-schema/%d", len(v.cache))

	// A fresh compiler per schema avoids resource collisions.
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}

	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

// toJSONValue round-trips a Go value through JSON so numbers become
// json.Number, which the jsonschema library expects.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// collectViolations walks a ValidationError tree and collects the leaf
// messages prefixed with their instance location.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}

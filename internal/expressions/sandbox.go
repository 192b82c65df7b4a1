package expressions

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/rendis/flowcore/pkg/schema"
)

// DefaultEvalTimeout is the wall-clock budget for a single evaluation.
const DefaultEvalTimeout = 50 * time.Millisecond

// Sandbox evaluates single constrained expressions with expr-lang/expr.
// Expression text is screened by a syntax denylist and an identifier denylist
// before compilation, runs against a fixed set of built-ins plus the caller's
// read-only data, and is bounded by a wall-clock budget.
// Thread-safe: compiled *vm.Program objects are cached and reused across goroutines.
type Sandbox struct {
	timeout   time.Duration
	strict    bool
	onFailure func(code string)

	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// Option configures a Sandbox.
type Option func(*Sandbox)

// WithTimeout overrides the evaluation budget. Non-positive values keep the default.
func WithTimeout(d time.Duration) Option {
	return func(s *Sandbox) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithStrictVariables makes references to names absent from the data a
// compile error instead of evaluating to nil. Strict programs are not cached
// because their validity depends on the data's keys.
func WithStrictVariables() Option {
	return func(s *Sandbox) { s.strict = true }
}

// WithFailureObserver registers a callback invoked with the error code of every failed evaluation.
func WithFailureObserver(fn func(code string)) Option {
	return func(s *Sandbox) { s.onFailure = fn }
}

// NewSandbox creates a Sandbox.
func NewSandbox(opts ...Option) *Sandbox {
	s := &Sandbox{
		timeout: DefaultEvalTimeout,
		cache:   make(map[string]*vm.Program),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name returns the engine identifier.
func (s *Sandbox) Name() string {
	return "expr"
}

// Timeout returns the configured evaluation budget.
func (s *Sandbox) Timeout() time.Duration {
	return s.timeout
}

// Evaluate screens, compiles (or retrieves from cache) and runs expression
// against data. Built-ins take precedence over data keys of the same name.
func (s *Sandbox) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	out, err := s.evaluate(ctx, expression, data)
	if err != nil && s.onFailure != nil {
		s.onFailure(schema.ErrorCode(err))
	}
	return out, err
}

func (s *Sandbox) evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeEval, "empty expression")
	}
	if err := checkSafety(expression); err != nil {
		return nil, err
	}

	env := buildEnv(data)

	prg, err := s.getOrCompile(expression, env)
	if err != nil {
		return nil, err
	}

	return s.run(ctx, expression, prg, env)
}

type runResult struct {
	out any
	err error
}

// run executes prg on its own goroutine so the budget can be enforced.
// A program that overruns is abandoned; its goroutine finishes on its own.
func (s *Sandbox) run(ctx context.Context, expression string, prg *vm.Program, env map[string]any) (any, error) {
	done := make(chan runResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- runResult{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		out, err := vm.Run(prg, env)
		done <- runResult{out: out, err: err}
	}()

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeEval,
				"evaluation failed for %q: %s", expression, res.err.Error()).
				WithCause(res.err).
				WithDetails(map[string]any{"expression": expression})
		}
		return res.out, nil
	case <-timer.C:
		return nil, schema.NewErrorf(schema.ErrCodeEvalTimeout,
			"evaluation of %q exceeded %s", expression, s.timeout).
			WithDetails(map[string]any{"expression": expression, "timeout_ms": s.timeout.Milliseconds()})
	case <-ctx.Done():
		return nil, schema.NewErrorf(schema.ErrCodeEvalTimeout,
			"evaluation of %q interrupted: %s", expression, ctx.Err()).
			WithCause(ctx.Err()).
			WithDetails(map[string]any{"expression": expression})
	}
}

// getOrCompile returns a cached compiled program or compiles and caches a new one.
func (s *Sandbox) getOrCompile(expression string, env map[string]any) (*vm.Program, error) {
	if s.strict {
		return compile(expression, expr.Env(env))
	}

	s.mu.RLock()
	if prg, ok := s.cache[expression]; ok {
		s.mu.RUnlock()
		return prg, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	// Double-check after acquiring write lock.
	if prg, ok := s.cache[expression]; ok {
		return prg, nil
	}

	prg, err := compile(expression, expr.Env(builtinEnv()), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, err
	}

	s.cache[expression] = prg
	return prg, nil
}

func compile(expression string, opts ...expr.Option) (*vm.Program, error) {
	opts = append(opts, builtinFunctions()...)
	prg, err := expr.Compile(expression, opts...)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeEval,
			"compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression, "phase": "compile"})
	}
	return prg, nil
}

// buildEnv merges caller data under the built-ins. Keys that collide with a
// built-in name are dropped.
func buildEnv(data map[string]any) map[string]any {
	builtins := builtinEnv()
	env := make(map[string]any, len(data)+len(builtins))
	for k, v := range data {
		if isBuiltinName(k) {
			continue
		}
		env[k] = v
	}
	for k, v := range builtins {
		env[k] = v
	}
	return env
}

var _ Engine = (*Sandbox)(nil)

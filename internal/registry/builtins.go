package registry

import (
	"context"
	"log/slog"

	"github.com/rendis/flowcore/internal/expressions"
	"github.com/rendis/flowcore/pkg/schema"
)

var builtinHandlers = map[string]Handler{
	"noop":  noopHandler,
	"log":   logHandler,
	"set":   setHandler,
	"merge": mergeHandler,
	"fail":  failHandler,
}

// Builtin returns the fallback handler for key, if one exists.
func Builtin(key string) (Handler, bool) {
	h, ok := builtinHandlers[schema.NormalizeKey(key)]
	return h, ok
}

// BuiltinKeys lists the fallback handler keys.
func BuiltinKeys() []string {
	return []string{"fail", "log", "merge", "noop", "set"}
}

// noop passes the payload through unchanged.
func noopHandler(_ context.Context, call HandlerCall) (any, error) {
	return call.Payload, nil
}

// log records the rendered args and passes the payload through.
func logHandler(ctx context.Context, call HandlerCall) (any, error) {
	level := slog.LevelInfo
	if lv, ok := call.Args["level"].(string); ok {
		_ = level.UnmarshalText([]byte(lv))
	}
	msg, _ := call.Args["message"].(string)
	if msg == "" {
		msg = "flow log"
	}
	slog.Log(ctx, level, msg, "node_id", call.Node.ID, "args", call.Args)
	return call.Payload, nil
}

// set replaces the payload with the rendered args.
func setHandler(_ context.Context, call HandlerCall) (any, error) {
	return expressions.DeepCopyMap(call.Args), nil
}

// merge overlays the rendered args onto an object payload.
func mergeHandler(_ context.Context, call HandlerCall) (any, error) {
	out := map[string]any{}
	if m, ok := call.Payload.(map[string]any); ok {
		out = expressions.DeepCopyMap(m)
	}
	for k, v := range call.Args {
		out[k] = expressions.DeepCopy(v)
	}
	return out, nil
}

// fail always returns an error, for exercising error paths.
func failHandler(_ context.Context, call HandlerCall) (any, error) {
	msg, _ := call.Args["message"].(string)
	if msg == "" {
		msg = "fail handler invoked"
	}
	return nil, schema.NewError(schema.ErrCodeHandlerFailed, msg).WithNode(call.Node.ID)
}

package registry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rendis/flowcore/internal/expressions"
	"github.com/rendis/flowcore/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	p := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}

func echoHandler(_ context.Context, call HandlerCall) (any, error) {
	return call.Args, nil
}

func newTestRegistry(t *testing.T, opts ...Option) *Registry {
	t.Helper()
	cel, err := expressions.NewCELEngine()
	require.NoError(t, err)
	all := append([]Option{WithEngine(expressions.NewGoJQEngine()), WithEngine(cel)}, opts...)
	return New(all...)
}

// pluginTree lays out two units: alpha with three module shapes, beta with a manifest.
func pluginTree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	writeFile(t, root, "alpha/functions/single.json",
		`{"key": "tmpl_Double", "run": {"engine": "expr", "expression": "args.n * 2"}}`)
	writeFile(t, root, "alpha/functions/handlers.yaml", `
handlers:
  Upper:
    engine: jq
    expression: ".args.s | ascii_upcase"
`)
	writeFile(t, root, "alpha/functions/flat.yml", `
fn_add:
  engine: cel
  expression: "args.a + args.b"
description: not a handler
`)
	writeFile(t, root, "alpha/functions/README.md", "ignored")
	writeFile(t, root, "beta/manifest.yaml", "provider: mail\ntemplates:\n  - send\n")
	writeFile(t, root, "beta/functions/send.json", `{"key": "send-mail", "run": "args"}`)
	return root
}

func TestRegistry_Register(t *testing.T) {
	reg := New()

	assert.True(t, reg.Register("tmpl_Echo", echoHandler, ""))
	assert.False(t, reg.Register("  ", echoHandler, ""))
	assert.False(t, reg.Register("nil", nil, ""))

	fn, ok := reg.Resolve("ECHO")
	require.True(t, ok)
	out, err := fn(context.Background(), HandlerCall{Args: map[string]any{"x": 1}})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"x": 1}, out)

	infos := reg.List()
	require.Len(t, infos, 1)
	assert.Equal(t, "echo", infos[0].Key)
	assert.Equal(t, SourceProgrammatic, infos[0].Source)
	assert.False(t, infos[0].RegisteredAt.IsZero())

	_, ok = reg.Resolve("missing")
	assert.False(t, ok)
}

func TestRegistry_ListSorted(t *testing.T) {
	reg := New()
	for _, k := range []string{"zeta", "alpha", "mid"} {
		require.True(t, reg.Register(k, echoHandler, "test"))
	}

	var keys []string
	for _, info := range reg.List() {
		keys = append(keys, info.Key)
	}
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, keys)
	assert.Equal(t, 3, reg.Count())
}

func TestRegistry_Reload_ModuleShapes(t *testing.T) {
	reg := newTestRegistry(t)
	reg.AddBaseDir(pluginTree(t), nil)

	report, err := reg.Reload(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Issues)
	assert.Equal(t, []string{"add", "double", "send_mail", "upper"}, report.Keys)

	ctx := context.Background()
	tests := []struct {
		key  string
		args map[string]any
		want any
	}{
		{"double", map[string]any{"n": 21}, 42},
		{"upper", map[string]any{"s": "abc"}, "ABC"},
		{"add", map[string]any{"a": int64(1), "b": int64(2)}, int64(3)},
		{"send_mail", map[string]any{"to": "x"}, map[string]any{"to": "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			fn, ok := reg.Resolve(tt.key)
			require.True(t, ok)
			out, err := fn(ctx, HandlerCall{Args: tt.args})
			require.NoError(t, err)
			assert.Equal(t, tt.want, out)
		})
	}

	for _, info := range reg.List() {
		if info.Key == "double" {
			assert.Equal(t, "alpha/functions/single.json", info.Source)
		}
	}
}

func TestRegistry_Reload_TwiceYieldsSameKeys(t *testing.T) {
	reg := newTestRegistry(t)
	reg.AddBaseDir(pluginTree(t), nil)
	reg.Register("custom", echoHandler, "")

	first, err := reg.Reload(context.Background())
	require.NoError(t, err)
	second, err := reg.Reload(context.Background())
	require.NoError(t, err)

	assert.Equal(t, first.Keys, second.Keys)
	assert.Contains(t, second.Keys, "custom", "programmatic handlers survive reload")
}

func TestRegistry_Reload_BrokenModulesAreIssues(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "unit/functions/good.json", `{"key": "good", "run": {"expression": "1"}}`)
	writeFile(t, root, "unit/functions/broken.json", `{`)
	writeFile(t, root, "unit/functions/engine.json", `{"key": "bad", "run": {"engine": "lua", "expression": "1"}}`)
	writeFile(t, root, "unit/functions/empty.json", `{"description": "nothing here"}`)

	reg := New()
	reg.AddBaseDir(root, nil)

	report, err := reg.Reload(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"good"}, report.Keys)
	assert.Len(t, report.Issues, 3)
	for _, is := range report.Issues {
		assert.Equal(t, "unit", is.Unit)
		assert.NotEmpty(t, is.Message)
	}
}

func TestRegistry_Reload_CollidingKeysAreDeterministic(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "unit/functions/mail.yaml", `
handlers:
  send_mail: "2"
  Send Mail: "1"
`)

	reg := New()
	reg.AddBaseDir(root, nil)

	for i := 0; i < 5; i++ {
		report, err := reg.Reload(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []string{"send_mail"}, report.Keys)
		require.Len(t, report.Issues, 1)
		assert.Equal(t, schema.ErrCodeConflict, schema.ErrorCode(report.Issues[0].Err))
		assert.Contains(t, report.Issues[0].Message, "Send Mail")

		h, ok := reg.Resolve("send_mail")
		require.True(t, ok)
		out, err := h(context.Background(), HandlerCall{})
		require.NoError(t, err)
		assert.Equal(t, 1, out)
	}
}

func TestRegistry_Reload_FlatModuleReportsUnusableKeys(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "unit/functions/flat.json", `{
		"total": {"expression": "2"},
		"!!!": {"expression": "3"},
		"note": "not a handler"
	}`)

	reg := New()
	reg.AddBaseDir(root, nil)

	report, err := reg.Reload(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"total"}, report.Keys)
	require.Len(t, report.Issues, 1)
	assert.Contains(t, report.Issues[0].Message, "normalizes to empty")
}

func TestRegistry_Reload_ManifestImport(t *testing.T) {
	var mu sync.Mutex
	var imported []Unit
	var manifests []map[string]any
	imp := ManifestImporterFunc(func(_ context.Context, unit Unit, manifest map[string]any) error {
		mu.Lock()
		defer mu.Unlock()
		imported = append(imported, unit)
		manifests = append(manifests, manifest)
		return nil
	})

	reg := newTestRegistry(t, WithImporter(imp))
	reg.AddBaseDir(pluginTree(t), map[string]any{"repo": "core"})

	report, err := reg.Reload(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Issues)

	require.Len(t, imported, 1)
	assert.Equal(t, "beta", imported[0].Name)
	assert.Equal(t, "core", imported[0].Meta["repo"])
	assert.Equal(t, "mail", manifests[0]["provider"])
}

func TestRegistry_Reload_ManifestFailureDoesNotBlockHandlers(t *testing.T) {
	imp := ManifestImporterFunc(func(context.Context, Unit, map[string]any) error {
		return errors.New("db down")
	})
	reg := newTestRegistry(t, WithImporter(imp))
	reg.AddBaseDir(pluginTree(t), nil)

	report, err := reg.Reload(context.Background())
	require.NoError(t, err)
	assert.Contains(t, report.Keys, "send_mail")
	require.Len(t, report.Issues, 1)
	assert.Equal(t, "beta", report.Issues[0].Unit)
	assert.Equal(t, schema.ErrCodePlugin, schema.ErrorCode(report.Issues[0].Err))
}

func TestRegistry_Reload_MissingBaseDir(t *testing.T) {
	reg := New()
	reg.AddBaseDir(filepath.Join(t.TempDir(), "nope"), nil)

	report, err := reg.Reload(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Keys)
	assert.Len(t, report.Issues, 1)
}

func TestRegistry_Reload_CancelledKeepsIndex(t *testing.T) {
	reg := New()
	reg.Register("keep", echoHandler, "")
	reg.AddBaseDir(t.TempDir(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := reg.Reload(ctx)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeCancelled, schema.ErrorCode(err))
	assert.True(t, reg.Has("keep"))
}

func TestRegistry_AddBaseDir_Dedup(t *testing.T) {
	reg := New()
	reg.AddBaseDir("/a", nil)
	reg.AddBaseDir("/a", map[string]any{"v": 2})
	reg.AddBaseDir("/b", nil)

	dirs := reg.BaseDirs()
	require.Len(t, dirs, 2)
	assert.Equal(t, 2, dirs[0].Meta["v"])
}

func TestRegistry_ConcurrentResolveDuringReload(t *testing.T) {
	reg := newTestRegistry(t)
	reg.AddBaseDir(pluginTree(t), nil)
	reg.Register("custom", echoHandler, "")
	_, err := reg.Reload(context.Background())
	require.NoError(t, err)

	var misses atomic.Int64
	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				for _, k := range []string{"custom", "double", "upper", "add", "send_mail"} {
					if !reg.Has(k) {
						misses.Add(1)
					}
				}
			}
		}()
	}

	for i := 0; i < 20; i++ {
		_, err := reg.Reload(context.Background())
		require.NoError(t, err)
	}
	close(stop)
	wg.Wait()

	assert.Zero(t, misses.Load(), "resolvers must never observe a partial index")
}

func TestRegistry_ReloadObserver(t *testing.T) {
	var got int
	reg := New(WithReloadObserver(func(n int) { got = n }))
	reg.Register("a", echoHandler, "")

	_, err := reg.Reload(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, got)
}

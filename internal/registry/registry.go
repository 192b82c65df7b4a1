package registry

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rendis/flowcore/internal/expressions"
	"github.com/rendis/flowcore/pkg/schema"
	"github.com/viant/afs"
)

type entry struct {
	fn   Handler
	info Info
}

// snapshot is an immutable handler index. It is never modified after it is published.
type snapshot struct {
	entries map[string]entry
}

// BaseDir is a directory whose immediate sub-directories are plugin units.
type BaseDir struct {
	Path string
	Meta map[string]any
}

// Registry indexes handlers by normalized key. Reads go through an atomically
// swapped snapshot and never block; writers are serialized.
type Registry struct {
	snap atomic.Pointer[snapshot]

	mu           sync.Mutex
	programmatic map[string]entry
	baseDirs     []BaseDir

	fs       afs.Service
	importer ManifestImporter
	engines  map[string]expressions.Engine
	logger   *slog.Logger
	onReload func(handlers int)
	now      func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithImporter sets the collaborator that receives plugin-unit manifests.
func WithImporter(imp ManifestImporter) Option {
	return func(r *Registry) { r.importer = imp }
}

// WithEngine registers an expression engine usable by function modules.
func WithEngine(e expressions.Engine) Option {
	return func(r *Registry) { r.engines[e.Name()] = e }
}

// WithLogger sets the registry logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithFileSystem overrides the afs service used for discovery.
func WithFileSystem(fs afs.Service) Option {
	return func(r *Registry) { r.fs = fs }
}

// WithReloadObserver is called with the handler count after every successful reload.
func WithReloadObserver(fn func(handlers int)) Option {
	return func(r *Registry) { r.onReload = fn }
}

// New creates an empty Registry. An expr sandbox engine is always available to
// function modules; jq and cel engines are added with WithEngine.
func New(opts ...Option) *Registry {
	r := &Registry{
		programmatic: make(map[string]entry),
		fs:           afs.New(),
		engines:      make(map[string]expressions.Engine),
		logger:       slog.Default(),
		now:          time.Now,
	}
	sandbox := expressions.NewSandbox()
	r.engines[sandbox.Name()] = sandbox
	for _, opt := range opts {
		opt(r)
	}
	r.snap.Store(&snapshot{entries: map[string]entry{}})
	return r
}

// Register adds or replaces a programmatic handler. It returns false for an
// empty key or nil handler. Programmatic handlers survive every Reload.
func (r *Registry) Register(key string, fn Handler, source string) bool {
	norm := schema.NormalizeKey(key)
	if norm == "" || fn == nil {
		return false
	}
	if source == "" {
		source = SourceProgrammatic
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e := entry{fn: fn, info: Info{Key: norm, Source: source, RegisteredAt: r.now()}}
	r.programmatic[norm] = e

	cur := r.snap.Load()
	next := make(map[string]entry, len(cur.entries)+1)
	for k, v := range cur.entries {
		next[k] = v
	}
	next[norm] = e
	r.snap.Store(&snapshot{entries: next})
	return true
}

// Resolve looks up a handler by key. The key is normalized first.
func (r *Registry) Resolve(key string) (Handler, bool) {
	e, ok := r.snap.Load().entries[schema.NormalizeKey(key)]
	if !ok {
		return nil, false
	}
	return e.fn, true
}

// Has reports whether key resolves to a registered handler.
func (r *Registry) Has(key string) bool {
	_, ok := r.Resolve(key)
	return ok
}

// Count returns the number of registered handlers.
func (r *Registry) Count() int {
	return len(r.snap.Load().entries)
}

// List returns info for all registered handlers, sorted by key.
func (r *Registry) List() []Info {
	entries := r.snap.Load().entries
	infos := make([]Info, 0, len(entries))
	for _, e := range entries {
		infos = append(infos, e.info)
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Key < infos[j].Key
	})
	return infos
}

// AddBaseDir registers a plugin base directory. It takes effect on the next Reload.
func (r *Registry) AddBaseDir(path string, meta map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, d := range r.baseDirs {
		if d.Path == path {
			r.baseDirs[i].Meta = meta
			return
		}
	}
	r.baseDirs = append(r.baseDirs, BaseDir{Path: path, Meta: meta})
}

// BaseDirs returns the registered base directories.
func (r *Registry) BaseDirs() []BaseDir {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]BaseDir(nil), r.baseDirs...)
}

// Reload rebuilds the whole index from the base directories plus the
// programmatic handlers and publishes it in a single atomic store. Problems
// with individual units or modules are reported, never fatal. The previous
// index stays in place if ctx is cancelled.
func (r *Registry) Reload(ctx context.Context) (*ReloadReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	report := &ReloadReport{}
	next := make(map[string]entry)

	for _, dir := range r.baseDirs {
		if err := ctx.Err(); err != nil {
			return nil, schema.NewError(schema.ErrCodeCancelled, "registry reload cancelled").WithCause(err)
		}
		r.discover(ctx, dir, next, report)
	}
	if err := ctx.Err(); err != nil {
		return nil, schema.NewError(schema.ErrCodeCancelled, "registry reload cancelled").WithCause(err)
	}

	for k, e := range r.programmatic {
		next[k] = e
	}

	r.snap.Store(&snapshot{entries: next})

	report.Keys = make([]string, 0, len(next))
	for k := range next {
		report.Keys = append(report.Keys, k)
	}
	sort.Strings(report.Keys)

	for _, is := range report.Issues {
		r.logger.Warn("plugin issue during reload", "unit", is.Unit, "path", is.Path, "error", is.Message)
	}
	r.logger.Info("handler registry reloaded", "handlers", len(next), "issues", len(report.Issues))
	if r.onReload != nil {
		r.onReload(len(next))
	}
	return report, nil
}

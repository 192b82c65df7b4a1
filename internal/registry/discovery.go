package registry

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/rendis/flowcore/pkg/schema"
	"github.com/viant/afs/option"
	"github.com/viant/afs/storage"
	"gopkg.in/yaml.v3"
)

const functionsDir = "functions"

var manifestNames = []string{"manifest.json", "manifest.yaml", "manifest.yml"}

// Unit is one plugin unit: an immediate sub-directory of a base directory.
type Unit struct {
	Name string         `json:"name"`
	URL  string         `json:"url"`
	Meta map[string]any `json:"meta,omitempty"`
}

// ManifestImporter persists the providers and templates a unit manifest describes.
type ManifestImporter interface {
	Import(ctx context.Context, unit Unit, manifest map[string]any) error
}

// ManifestImporterFunc adapts a function to ManifestImporter.
type ManifestImporterFunc func(ctx context.Context, unit Unit, manifest map[string]any) error

// Import calls f.
func (f ManifestImporterFunc) Import(ctx context.Context, unit Unit, manifest map[string]any) error {
	return f(ctx, unit, manifest)
}

// Issue is a problem with one unit or module found during Reload.
type Issue struct {
	Unit    string `json:"unit"`
	Path    string `json:"path"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

// ReloadReport is the outcome of Reload.
type ReloadReport struct {
	Keys   []string `json:"keys"`
	Issues []Issue  `json:"issues,omitempty"`
}

func (rep *ReloadReport) addIssue(unit, url string, err error) {
	rep.Issues = append(rep.Issues, Issue{Unit: unit, Path: url, Message: err.Error(), Err: err})
}

// RunSpec declares a handler as one expression evaluated by a named engine.
type RunSpec struct {
	Engine     string `json:"engine" yaml:"engine"`
	Expression string `json:"expression" yaml:"expression"`
}

// discover walks the units of one base directory into next.
func (r *Registry) discover(ctx context.Context, dir BaseDir, next map[string]entry, report *ReloadReport) {
	objects, err := r.fs.List(ctx, dir.Path, option.NewRecursive(false))
	if err != nil {
		report.addIssue("", dir.Path, fmt.Errorf("list base dir: %w", err))
		return
	}

	for i, obj := range objects {
		// The listed directory itself comes first.
		if i == 0 && obj.IsDir() && obj.Name() == path.Base(strings.TrimRight(dir.Path, "/")) {
			continue
		}
		if !obj.IsDir() {
			continue
		}
		unit := Unit{Name: obj.Name(), URL: obj.URL(), Meta: dir.Meta}
		r.loadUnit(ctx, unit, next, report)
	}
}

func (r *Registry) loadUnit(ctx context.Context, unit Unit, next map[string]entry, report *ReloadReport) {
	r.importManifest(ctx, unit, report)

	fnURL := joinURL(unit.URL, functionsDir)
	exists, err := r.fs.Exists(ctx, fnURL)
	if err != nil || !exists {
		return
	}

	objects, err := r.fs.List(ctx, fnURL, option.NewRecursive(false))
	if err != nil {
		report.addIssue(unit.Name, fnURL, fmt.Errorf("list functions: %w", err))
		return
	}

	modules := make([]storage.Object, 0, len(objects))
	for _, obj := range objects {
		if !obj.IsDir() && isModuleFile(obj.Name()) {
			modules = append(modules, obj)
		}
	}
	sort.Slice(modules, func(i, j int) bool { return modules[i].Name() < modules[j].Name() })

	for _, obj := range modules {
		data, err := r.fs.Download(ctx, obj)
		if err != nil {
			report.addIssue(unit.Name, obj.URL(), fmt.Errorf("read module: %w", err))
			continue
		}
		specs, issues, err := parseModule(data)
		for _, issue := range issues {
			report.addIssue(unit.Name, obj.URL(), issue)
		}
		if err != nil {
			report.addIssue(unit.Name, obj.URL(), err)
			continue
		}
		for key, spec := range specs {
			fn, err := r.compileSpec(spec)
			if err != nil {
				report.addIssue(unit.Name, obj.URL(), fmt.Errorf("handler %q: %w", key, err))
				continue
			}
			next[key] = entry{fn: fn, info: Info{
				Key:          key,
				Source:       unit.Name + "/" + functionsDir + "/" + obj.Name(),
				RegisteredAt: r.now(),
			}}
		}
	}
}

func (r *Registry) importManifest(ctx context.Context, unit Unit, report *ReloadReport) {
	for _, name := range manifestNames {
		url := joinURL(unit.URL, name)
		exists, err := r.fs.Exists(ctx, url)
		if err != nil || !exists {
			continue
		}
		data, err := r.fs.DownloadWithURL(ctx, url)
		if err != nil {
			report.addIssue(unit.Name, url, fmt.Errorf("read manifest: %w", err))
			return
		}
		var manifest map[string]any
		if err := yaml.Unmarshal(data, &manifest); err != nil {
			report.addIssue(unit.Name, url, fmt.Errorf("decode manifest: %w", err))
			return
		}
		if r.importer == nil {
			return
		}
		if err := r.importer.Import(ctx, unit, manifest); err != nil {
			report.addIssue(unit.Name, url, schema.NewError(schema.ErrCodePlugin, "manifest import failed").WithCause(err))
		}
		return
	}
}

// compileSpec binds a run spec to its engine.
func (r *Registry) compileSpec(spec RunSpec) (Handler, error) {
	engineName := strings.ToLower(strings.TrimSpace(spec.Engine))
	if engineName == "" {
		engineName = "expr"
	}
	eng, ok := r.engines[engineName]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodePlugin, "unknown engine %q", spec.Engine)
	}
	if strings.TrimSpace(spec.Expression) == "" {
		return nil, schema.NewError(schema.ErrCodePlugin, "empty expression")
	}
	expression := spec.Expression
	return func(ctx context.Context, call HandlerCall) (any, error) {
		return eng.Evaluate(ctx, expression, call.Data())
	}, nil
}

// parseModule decodes a function module and returns its run specs keyed by
// normalized handler key. Shapes, by precedence: {key, run}, {handlers: {...}},
// then a flat object of run specs. Keys are visited in sorted order; a key that
// normalizes to one already taken is skipped and reported in issues, as is a
// flat-object entry that cannot be used.
func parseModule(data []byte) (map[string]RunSpec, []error, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, nil, schema.NewError(schema.ErrCodePlugin, "decode module").WithCause(err)
	}
	if len(doc) == 0 {
		return nil, nil, schema.NewError(schema.ErrCodePlugin, "module is empty")
	}

	specs := make(map[string]RunSpec)
	declared := make(map[string]string)
	var issues []error
	add := func(key string, raw any) error {
		norm := schema.NormalizeKey(key)
		if norm == "" {
			return schema.NewErrorf(schema.ErrCodePlugin, "handler key %q normalizes to empty", key)
		}
		spec, ok := asRunSpec(raw)
		if !ok {
			return schema.NewErrorf(schema.ErrCodePlugin, "handler %q has no valid run spec", key)
		}
		if first, dup := declared[norm]; dup {
			issues = append(issues, schema.NewErrorf(schema.ErrCodeConflict,
				"handler %q collides with %q on key %q; keeping %q", key, first, norm, first))
			return nil
		}
		declared[norm] = key
		specs[norm] = spec
		return nil
	}

	if key, ok := doc["key"].(string); ok {
		if run, has := doc["run"]; has {
			if err := add(key, run); err != nil {
				return nil, nil, err
			}
			return specs, nil, nil
		}
	}

	if handlers, ok := doc["handlers"].(map[string]any); ok {
		for _, key := range sortedKeys(handlers) {
			if err := add(key, handlers[key]); err != nil {
				return nil, nil, err
			}
		}
		return specs, issues, nil
	}

	for _, key := range sortedKeys(doc) {
		obj, isObj := doc[key].(map[string]any)
		if !isObj {
			continue
		}
		if _, ok := asRunSpec(obj); !ok {
			continue
		}
		if err := add(key, obj); err != nil {
			issues = append(issues, err)
		}
	}
	if len(specs) == 0 {
		return nil, issues, schema.NewError(schema.ErrCodePlugin, "module declares no handlers")
	}
	return specs, issues, nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// asRunSpec accepts {engine?, expression} objects and bare expression strings.
func asRunSpec(raw any) (RunSpec, bool) {
	switch v := raw.(type) {
	case string:
		if strings.TrimSpace(v) == "" {
			return RunSpec{}, false
		}
		return RunSpec{Engine: "expr", Expression: v}, true
	case map[string]any:
		expr, ok := v["expression"].(string)
		if !ok || strings.TrimSpace(expr) == "" {
			return RunSpec{}, false
		}
		engine, _ := v["engine"].(string)
		return RunSpec{Engine: engine, Expression: expr}, true
	}
	return RunSpec{}, false
}

func isModuleFile(name string) bool {
	switch strings.ToLower(path.Ext(name)) {
	case ".json", ".yaml", ".yml":
		return true
	}
	return false
}

func joinURL(base, name string) string {
	return strings.TrimRight(base, "/") + "/" + name
}

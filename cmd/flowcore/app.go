package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/yaml.v3"

	"github.com/rendis/flowcore/internal/engine"
	"github.com/rendis/flowcore/internal/expressions"
	"github.com/rendis/flowcore/internal/logging"
	"github.com/rendis/flowcore/internal/metrics"
	"github.com/rendis/flowcore/internal/registry"
	"github.com/rendis/flowcore/internal/run"
	"github.com/rendis/flowcore/internal/store"
	"github.com/rendis/flowcore/internal/streaming"
	"github.com/rendis/flowcore/internal/validation"
	"github.com/rendis/flowcore/pkg/schema"
)

// app holds the components shared by every command that touches the store.
type app struct {
	cfg      Config
	logger   *slog.Logger
	store    *store.LibSQLStore
	registry *registry.Registry
	metrics  *metrics.Metrics
	hub      *streaming.MemoryHub
	engine   *engine.Engine
	runs     *run.Manager
}

// openStore opens and migrates the configured database.
func openStore(ctx context.Context, cfg Config) (*store.LibSQLStore, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return st, nil
}

func newLogger(cfg Config, w io.Writer) *slog.Logger {
	return logging.New(w, cfg.LogLevel, cfg.LogFormat)
}

// newApp wires store → registry → engine → run manager. Logs go to logOut.
func newApp(ctx context.Context, cfg Config, logOut io.Writer) (*app, error) {
	logger := newLogger(cfg, logOut)

	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	mt := metrics.New(prometheus.NewRegistry())

	reg, err := newRegistry(cfg, st, logger, mt)
	if err != nil {
		st.Close()
		return nil, err
	}
	if _, err := reg.Reload(ctx); err != nil {
		st.Close()
		return nil, err
	}

	sandbox := expressions.NewSandbox(
		expressions.WithTimeout(cfg.EvalTimeout.Std()),
		expressions.WithFailureObserver(mt.ExpressionFailed),
	)
	eng := engine.New(reg, sandbox,
		engine.WithConfig(engine.Config{NodeTimeout: cfg.NodeTimeout.Std()}),
		engine.WithLogger(logger),
		engine.WithMetrics(mt),
	)

	hub := streaming.NewMemoryHub()
	runs := run.NewManager(st, eng,
		run.WithConfig(run.Config{PoolSize: cfg.PoolSize, RunTimeout: cfg.RunTimeout.Std()}),
		run.WithHub(hub),
		run.WithLogger(logger),
		run.WithMetrics(mt),
	)

	return &app{
		cfg:      cfg,
		logger:   logger,
		store:    st,
		registry: reg,
		metrics:  mt,
		hub:      hub,
		engine:   eng,
		runs:     runs,
	}, nil
}

// newRegistry builds a registry over the configured plugin directories whose
// unit manifests are imported into st.
func newRegistry(cfg Config, st *store.LibSQLStore, logger *slog.Logger, mt *metrics.Metrics) (*registry.Registry, error) {
	celEngine, err := expressions.NewCELEngine()
	if err != nil {
		return nil, fmt.Errorf("cel engine: %w", err)
	}
	reg := registry.New(
		registry.WithLogger(logger),
		registry.WithEngine(expressions.NewGoJQEngine()),
		registry.WithEngine(celEngine),
		registry.WithImporter(registry.ManifestImporterFunc(func(ctx context.Context, unit registry.Unit, manifest map[string]any) error {
			return st.ImportManifest(ctx, unit.Name, manifest)
		})),
		registry.WithReloadObserver(mt.RegistryReloaded),
	)
	for _, dir := range cfg.PluginDirs {
		reg.AddBaseDir(dir, nil)
	}
	return reg, nil
}

func (a *app) loaders() validation.Loaders {
	return validation.FromStore(a.store)
}

// Close stops the worker pool and closes the store.
func (a *app) Close() {
	a.runs.Shutdown()
	if err := a.store.Close(); err != nil {
		a.logger.Warn("close store", slog.String("error", err.Error()))
	}
}

// readGraphFile loads a flow graph from a JSON or YAML file; "-" reads stdin.
func readGraphFile(path string, stdin io.Reader) (*schema.Graph, json.RawMessage, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read graph: %w", err)
	}

	raw, err := toJSON(path, data)
	if err != nil {
		return nil, nil, err
	}
	g, err := schema.ParseGraph(raw)
	if err != nil {
		return nil, nil, err
	}
	return g, raw, nil
}

// toJSON converts YAML documents to JSON; JSON passes through.
func toJSON(path string, data []byte) (json.RawMessage, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return data, nil
	}
	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("convert %s: %w", path, err)
	}
	return out, nil
}

// parseJSONObject decodes a --context/--payload style flag value. Empty means nil.
func parseJSONObject(flag, value string) (map[string]any, error) {
	if value == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(value), &m); err != nil {
		return nil, fmt.Errorf("--%s must be a JSON object: %w", flag, err)
	}
	return m, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds all flowcore configuration.
// Priority: flags > env vars > settings.json > defaults.
type Config struct {
	ListenAddr  string   `json:"listen_addr"`
	DBPath      string   `json:"db_path"`
	LogLevel    string   `json:"log_level"`
	LogFormat   string   `json:"log_format"`
	PoolSize    int      `json:"pool_size"`
	PluginDirs  []string `json:"plugin_dirs"`
	EvalTimeout Duration `json:"eval_timeout"`
	NodeTimeout Duration `json:"node_timeout"`
	RunTimeout  Duration `json:"run_timeout"`
	AMQPURL     string   `json:"amqp_url"`
	TraceStdout bool     `json:"trace_stdout"`
}

// Duration is a time.Duration that reads and writes as a Go duration string.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		// Bare numbers are milliseconds.
		var ms int64
		if nerr := json.Unmarshal(b, &ms); nerr != nil {
			return fmt.Errorf("duration must be a string like \"5s\" or milliseconds: %w", err)
		}
		*d = Duration(time.Duration(ms) * time.Millisecond)
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func defaultConfig() Config {
	return Config{
		ListenAddr:  ":4200",
		DBPath:      filepath.Join(flowcoreDir(), "flowcore.db"),
		LogLevel:    "info",
		LogFormat:   "text",
		PoolSize:    8,
		EvalTimeout: Duration(50 * time.Millisecond),
	}
}

func flowcoreDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".flowcore"
	}
	return filepath.Join(home, ".flowcore")
}

func settingsPath() string {
	return filepath.Join(flowcoreDir(), "settings.json")
}

// loadConfig layers path (ignored if missing) and FLOWCORE_* env vars over the defaults.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	// Layer 2: settings.json.
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	// Layer 3: env vars override.
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv("FLOWCORE_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("FLOWCORE_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("FLOWCORE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("FLOWCORE_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("FLOWCORE_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("FLOWCORE_PLUGIN_DIRS"); v != "" {
		cfg.PluginDirs = filepath.SplitList(v)
	}
	for name, dst := range map[string]*Duration{
		"FLOWCORE_EVAL_TIMEOUT": &cfg.EvalTimeout,
		"FLOWCORE_NODE_TIMEOUT": &cfg.NodeTimeout,
		"FLOWCORE_RUN_TIMEOUT":  &cfg.RunTimeout,
	} {
		v := os.Getenv(name)
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*dst = Duration(d)
	}
	if v := os.Getenv("FLOWCORE_AMQP_URL"); v != "" {
		cfg.AMQPURL = v
	}
	if v := os.Getenv("FLOWCORE_TRACE_STDOUT"); v != "" {
		cfg.TraceStdout = v == "true" || v == "1"
	}
	return nil
}

// validate rejects settings no component can start with.
func (c Config) validate() error {
	var problems []string
	if c.DBPath == "" {
		problems = append(problems, "db_path is empty")
	}
	if c.PoolSize < 1 {
		problems = append(problems, "pool_size must be at least 1")
	}
	if c.EvalTimeout < 0 || c.NodeTimeout < 0 || c.RunTimeout < 0 {
		problems = append(problems, "timeouts must not be negative")
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		problems = append(problems, fmt.Sprintf("log_format %q must be text or json", c.LogFormat))
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

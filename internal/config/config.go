// Package config loads the configuration shared by the coordinator and
// node binaries.
//
// Values are layered: built-in defaults, then the YAML file named by
// --config or IMAGESYNC_CONFIG, then a handful of environment variables
// (NODE_ID, NODE_LISTEN, NODE_ADDR, COORDINATOR_ADDR, ...) so containers
// can be configured without a file, then command-line flags.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable holding the config path.
const EnvConfigPath = "IMAGESYNC_CONFIG"

// Config is the root configuration.
type Config struct {
	Log         LogConfig         `yaml:"log"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Node        NodeConfig        `yaml:"node"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is text or json.
	Format string `yaml:"format"`
}

// CoordinatorConfig configures the orchestrating process.
type CoordinatorConfig struct {
	Listen string `yaml:"listen"`
	// StateDB is the checkpoint database path.
	StateDB string `yaml:"state_db"`
	// Catalog is the desired-set manifest (YAML or JSONC).
	Catalog string `yaml:"catalog"`
	// RetentionFile receives the retained-id set after each run.
	RetentionFile string `yaml:"retention_file"`
	// PrimaryNode performs every upstream fetch. Empty selects the
	// lexicographically first registered node.
	PrimaryNode string `yaml:"primary_node"`
	// Proxy is passed to every upstream download.
	Proxy string `yaml:"proxy"`

	MaxFanOutSources int   `yaml:"max_fan_out_sources"`
	MinFreeSpace     int64 `yaml:"min_free_space"`
	BootloaderSlack  int64 `yaml:"bootloader_slack"`
	DeleteAttempts   int   `yaml:"delete_attempts"`

	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
	DiskCheckTimeout time.Duration `yaml:"disk_check_timeout"`
	CatalogTimeout   time.Duration `yaml:"catalog_timeout"`
	DeleteTimeout    time.Duration `yaml:"delete_timeout"`
	DownloadTimeout  time.Duration `yaml:"download_timeout"`
	HealthInterval   time.Duration `yaml:"health_interval"`
	RetryInitial     time.Duration `yaml:"retry_initial"`
	RetryMax         time.Duration `yaml:"retry_max"`
}

// NodeConfig configures a controller node.
type NodeConfig struct {
	ID              string `yaml:"id"`
	Listen          string `yaml:"listen"`
	Addr            string `yaml:"addr"`
	CoordinatorAddr string `yaml:"coordinator_addr"`
	StoreDir        string `yaml:"store_dir"`
	// Endpoints are the base URLs peers fetch boot resources from.
	// Empty defaults to Addr.
	Endpoints []string `yaml:"endpoints"`

	ReportInterval    time.Duration `yaml:"report_interval"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	DownloadTimeout   time.Duration `yaml:"download_timeout"`
	LockPollInterval  time.Duration `yaml:"lock_poll_interval"`
	RegisterAttempts  int           `yaml:"register_attempts"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "text"},
		Coordinator: CoordinatorConfig{
			Listen:           ":8080",
			StateDB:          "/var/lib/imagesync/coordinator.db",
			Catalog:          "/etc/imagesync/images.yaml",
			RetentionFile:    "/var/lib/imagesync/retention.yaml",
			MaxFanOutSources: 5,
			MinFreeSpace:     4 << 30,
			BootloaderSlack:  100 << 20,
			DeleteAttempts:   3,
			HeartbeatTimeout: 10 * time.Second,
			DiskCheckTimeout: 30 * time.Second,
			CatalogTimeout:   30 * time.Second,
			DeleteTimeout:    15 * time.Minute,
			DownloadTimeout:  2 * time.Hour,
			HealthInterval:   10 * time.Second,
			RetryInitial:     time.Second,
			RetryMax:         time.Minute,
		},
		Node: NodeConfig{
			Listen:            ":8081",
			Addr:              "http://127.0.0.1:8081",
			StoreDir:          "/var/lib/imagesync/boot-resources",
			ReportInterval:    10 * time.Second,
			HeartbeatInterval: 3 * time.Second,
			DownloadTimeout:   2 * time.Hour,
			LockPollInterval:  time.Second,
			RegisterAttempts:  10,
		},
	}
}

// LoadFile merges the YAML file at path over the defaults. Unknown keys
// are rejected.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	defer f.Close()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decoding %s: %w", path, err)
	}
	return cfg, nil
}

// Load reads the file named by path, or by IMAGESYNC_CONFIG when path is
// empty, falling back to defaults when neither is set. Environment
// overrides are applied last.
func Load(path string, getenv func(string) string) (*Config, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	if path == "" {
		path = getenv(EnvConfigPath)
	}
	cfg := Default()
	if path != "" {
		var err error
		if cfg, err = LoadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.ApplyEnv(getenv)
	return cfg, nil
}

// ApplyEnv overrides fields from environment variables that are set.
func (c *Config) ApplyEnv(getenv func(string) string) {
	set := func(dst *string, key string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	set(&c.Log.Level, "LOG_LEVEL")
	set(&c.Log.Format, "LOG_FORMAT")

	set(&c.Coordinator.Listen, "COORDINATOR_LISTEN")
	set(&c.Coordinator.StateDB, "STATE_DB")
	set(&c.Coordinator.Catalog, "CATALOG_PATH")
	set(&c.Coordinator.RetentionFile, "RETENTION_FILE")
	set(&c.Coordinator.PrimaryNode, "PRIMARY_NODE")
	set(&c.Coordinator.Proxy, "HTTP_PROXY_URL")

	set(&c.Node.ID, "NODE_ID")
	set(&c.Node.Listen, "NODE_LISTEN")
	set(&c.Node.Addr, "NODE_ADDR")
	set(&c.Node.CoordinatorAddr, "COORDINATOR_ADDR")
	set(&c.Node.StoreDir, "STORE_DIR")
	if v := getenv("NODE_ENDPOINTS"); v != "" {
		c.Node.Endpoints = splitList(v)
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ValidateCoordinator checks the fields the coordinator needs.
func (c *Config) ValidateCoordinator() error {
	cc := c.Coordinator
	var errs []error
	if cc.Listen == "" {
		errs = append(errs, errors.New("coordinator.listen is required"))
	}
	if cc.StateDB == "" {
		errs = append(errs, errors.New("coordinator.state_db is required"))
	}
	if cc.Catalog == "" {
		errs = append(errs, errors.New("coordinator.catalog is required"))
	}
	if cc.MaxFanOutSources <= 0 {
		errs = append(errs, fmt.Errorf("coordinator.max_fan_out_sources must be positive, got %d", cc.MaxFanOutSources))
	}
	if cc.MinFreeSpace <= 0 {
		errs = append(errs, fmt.Errorf("coordinator.min_free_space must be positive, got %d", cc.MinFreeSpace))
	}
	if cc.BootloaderSlack < 0 {
		errs = append(errs, fmt.Errorf("coordinator.bootloader_slack must not be negative, got %d", cc.BootloaderSlack))
	}
	if cc.DeleteAttempts <= 0 {
		errs = append(errs, fmt.Errorf("coordinator.delete_attempts must be positive, got %d", cc.DeleteAttempts))
	}
	for name, d := range map[string]time.Duration{
		"heartbeat_timeout":  cc.HeartbeatTimeout,
		"disk_check_timeout": cc.DiskCheckTimeout,
		"catalog_timeout":    cc.CatalogTimeout,
		"delete_timeout":     cc.DeleteTimeout,
		"download_timeout":   cc.DownloadTimeout,
		"health_interval":    cc.HealthInterval,
		"retry_initial":      cc.RetryInitial,
		"retry_max":          cc.RetryMax,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("coordinator.%s must be positive", name))
		}
	}
	if cc.RetryMax < cc.RetryInitial {
		errs = append(errs, errors.New("coordinator.retry_max must not be below retry_initial"))
	}
	errs = append(errs, c.Log.validate())
	return errors.Join(errs...)
}

// ValidateNode checks the fields a node needs.
func (c *Config) ValidateNode() error {
	nc := c.Node
	var errs []error
	if nc.ID == "" {
		errs = append(errs, errors.New("node.id is required (or set NODE_ID)"))
	}
	if nc.CoordinatorAddr == "" {
		errs = append(errs, errors.New("node.coordinator_addr is required (or set COORDINATOR_ADDR)"))
	}
	if nc.StoreDir == "" {
		errs = append(errs, errors.New("node.store_dir is required"))
	}
	if nc.Addr == "" {
		errs = append(errs, errors.New("node.addr is required"))
	}
	if nc.ReportInterval <= 0 || nc.HeartbeatInterval <= 0 || nc.DownloadTimeout <= 0 || nc.LockPollInterval <= 0 {
		errs = append(errs, errors.New("node intervals and timeouts must be positive"))
	}
	if nc.RegisterAttempts <= 0 {
		errs = append(errs, errors.New("node.register_attempts must be positive"))
	}
	errs = append(errs, c.Log.validate())
	return errors.Join(errs...)
}

// NodeEndpoints returns the configured endpoints, defaulting to Addr.
func (c *Config) NodeEndpoints() []string {
	if len(c.Node.Endpoints) > 0 {
		return c.Node.Endpoints
	}
	return []string{c.Node.Addr}
}

func (l LogConfig) validate() error {
	if _, err := parseLevel(l.Level); err != nil {
		return err
	}
	switch l.Format {
	case "text", "json":
		return nil
	default:
		return fmt.Errorf("log.format must be text or json, got %q", l.Format)
	}
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

// NewLogger builds the process logger described by l.
func (l LogConfig) NewLogger(w io.Writer) *slog.Logger {
	level, err := parseLevel(l.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

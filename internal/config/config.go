// Package config loads and validates hydrator configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/JakeFAU/bulk-hydrator/internal/archive"
	"github.com/JakeFAU/bulk-hydrator/internal/extract"
	"github.com/JakeFAU/bulk-hydrator/internal/hydrator"
	"github.com/JakeFAU/bulk-hydrator/internal/logging"
	"github.com/JakeFAU/bulk-hydrator/internal/policy/ratelimit"
	"github.com/JakeFAU/bulk-hydrator/internal/provision"
)

// EnvPrefix prefixes every environment override, e.g. HYDRATOR_WORKER_PATH.
const EnvPrefix = "HYDRATOR"

// Archive lookup modes.
const (
	ArchiveNone    = "none"
	ArchiveCommand = "command"
	ArchiveTimemap = "timemap"
)

// Storage backends.
const (
	StorageLocal  = "local"
	StorageGCS    = "gcs"
	StorageMemory = "memory"
)

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Hydrator  HydratorConfig   `mapstructure:"hydrator"`
	Worker    WorkerConfig     `mapstructure:"worker"`
	Archive   ArchiveConfig    `mapstructure:"archive"`
	Storage   StorageConfig    `mapstructure:"storage"`
	Database  DatabaseConfig   `mapstructure:"database"`
	PubSub    PubSubConfig     `mapstructure:"pubsub"`
	Progress  ProgressConfig   `mapstructure:"progress"`
	Server    ServerConfig     `mapstructure:"server"`
	Logging   logging.Options  `mapstructure:"logging"`
	RateLimit ratelimit.Config `mapstructure:"rate_limit"`
}

// HydratorConfig holds the run switches.
type HydratorConfig struct {
	SkipExisting    bool   `mapstructure:"skip_existing"`
	HaltOnError     bool   `mapstructure:"halt_on_error"`
	Concurrency     int    `mapstructure:"concurrency"`
	DuplicateIDs    string `mapstructure:"duplicate_ids"`
	ExtractionField string `mapstructure:"extraction_field"`
	SnapshotField   string `mapstructure:"snapshot_field"`
}

// RunOptions converts the section into controller options.
func (h HydratorConfig) RunOptions() hydrator.RunOptions {
	return hydrator.RunOptions{
		SkipExisting:    h.SkipExisting,
		HaltOnError:     h.HaltOnError,
		Concurrency:     h.Concurrency,
		DuplicatePolicy: hydrator.DuplicatePolicy(h.DuplicateIDs),
		ExtractionField: h.ExtractionField,
		SnapshotField:   h.SnapshotField,
	}
}

// WorkerConfig locates, builds and invokes the extraction worker.
type WorkerConfig struct {
	Path         string        `mapstructure:"path"`
	Source       string        `mapstructure:"source"`
	Build        string        `mapstructure:"build"`
	GoBinary     string        `mapstructure:"go_binary"`
	BuildTimeout time.Duration `mapstructure:"build_timeout"`
	ServiceAddr  string        `mapstructure:"service_addr"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// ArchiveConfig selects the secondary lookup.
type ArchiveConfig struct {
	Mode      string        `mapstructure:"mode"`
	Command   string        `mapstructure:"command"`
	Timeout   time.Duration `mapstructure:"timeout"`
	BaseURL   string        `mapstructure:"base_url"`
	UserAgent string        `mapstructure:"user_agent"`
}

// StorageConfig selects the artifact backend. The local backend writes to the
// output directory given on the command line.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// DatabaseConfig enables Postgres run history when DSN is set.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	EnsureSchema    bool          `mapstructure:"ensure_schema"`
}

// PubSubConfig holds the run summary topic.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ProgressConfig controls the progress hub and its sinks.
type ProgressConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	LogEnabled        bool          `mapstructure:"log_enabled"`
	PrometheusEnabled bool          `mapstructure:"prometheus_enabled"`
	BufferSize        int           `mapstructure:"buffer_size"`
	MaxBatchEvents    int           `mapstructure:"max_batch_events"`
	MaxBatchWait      time.Duration `mapstructure:"max_batch_wait"`
	SinkTimeout       time.Duration `mapstructure:"sink_timeout"`
}

// ServerConfig controls the optional status server.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// flagKeys maps command-line flags onto configuration keys.
var flagKeys = map[string]string{
	"skip-existing":  "hydrator.skip_existing",
	"halt-on-error":  "hydrator.halt_on_error",
	"concurrency":    "hydrator.concurrency",
	"worker":         "worker.path",
	"worker-source":  "worker.source",
	"build":          "worker.build",
	"service-addr":   "worker.service_addr",
	"worker-timeout": "worker.timeout",
	"archive":        "archive.mode",
	"status-addr":    "server.addr",
}

// Load builds a Config from defaults, an optional file, the environment and
// flags, in increasing priority.
func Load(path string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	if flags != nil {
		for name, key := range flagKeys {
			flag := flags.Lookup(name)
			if flag == nil {
				continue
			}
			if err := v.BindPFlag(key, flag); err != nil {
				return Config{}, fmt.Errorf("bind flag %s: %w", name, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("hydrator.skip_existing", false)
	v.SetDefault("hydrator.halt_on_error", false)
	v.SetDefault("hydrator.concurrency", 1)
	v.SetDefault("hydrator.duplicate_ids", string(hydrator.DuplicateSkip))
	v.SetDefault("hydrator.extraction_field", hydrator.DefaultExtractionField)
	v.SetDefault("hydrator.snapshot_field", hydrator.DefaultSnapshotField)
	v.SetDefault("worker.path", "bin/extract-worker")
	v.SetDefault("worker.source", "")
	v.SetDefault("worker.build", string(provision.BuildChanged))
	v.SetDefault("worker.go_binary", "go")
	v.SetDefault("worker.build_timeout", provision.DefaultBuildTimeout)
	v.SetDefault("worker.service_addr", extract.DefaultServiceAddr)
	v.SetDefault("worker.timeout", extract.DefaultTimeout)
	v.SetDefault("archive.mode", ArchiveNone)
	v.SetDefault("archive.command", archive.DefaultCommand)
	v.SetDefault("archive.timeout", archive.DefaultTimeout)
	v.SetDefault("archive.base_url", archive.DefaultTimemapBase)
	v.SetDefault("archive.user_agent", "bulk-hydrator/1.0")
	v.SetDefault("storage.backend", StorageLocal)
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("storage.prefix", "")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_conns", 4)
	v.SetDefault("database.min_conns", 0)
	v.SetDefault("database.max_conn_lifetime", time.Hour)
	v.SetDefault("database.ensure_schema", true)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("progress.enabled", true)
	v.SetDefault("progress.log_enabled", false)
	v.SetDefault("progress.prometheus_enabled", true)
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.max_batch_events", 256)
	v.SetDefault("progress.max_batch_wait", 250*time.Millisecond)
	v.SetDefault("progress.sink_timeout", 5*time.Second)
	v.SetDefault("server.addr", "")
	v.SetDefault("server.shutdown_timeout", 5*time.Second)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("rate_limit.per_host_rps", 0.0)
	v.SetDefault("rate_limit.burst", 1)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Hydrator.Concurrency <= 0 {
		return fmt.Errorf("hydrator.concurrency must be > 0")
	}
	if !hydrator.DuplicatePolicy(c.Hydrator.DuplicateIDs).Valid() {
		return fmt.Errorf("hydrator.duplicate_ids must be one of skip, overwrite, error (got %q)", c.Hydrator.DuplicateIDs)
	}
	if c.Hydrator.ExtractionField == "" || c.Hydrator.SnapshotField == "" {
		return fmt.Errorf("hydrator.extraction_field and hydrator.snapshot_field must be set")
	}
	if c.Hydrator.ExtractionField == c.Hydrator.SnapshotField {
		return fmt.Errorf("hydrator.extraction_field and hydrator.snapshot_field must differ")
	}
	for _, reserved := range []string{hydrator.FieldID, hydrator.FieldURL} {
		if c.Hydrator.ExtractionField == reserved || c.Hydrator.SnapshotField == reserved {
			return fmt.Errorf("derived fields cannot overwrite %s", reserved)
		}
	}
	if strings.TrimSpace(c.Worker.Path) == "" {
		return fmt.Errorf("worker.path is required")
	}
	if !provision.BuildPolicy(c.Worker.Build).Valid() {
		return fmt.Errorf("worker.build must be one of missing, changed, always (got %q)", c.Worker.Build)
	}
	if c.Worker.Timeout <= 0 {
		return fmt.Errorf("worker.timeout must be > 0")
	}
	if strings.TrimSpace(c.Worker.ServiceAddr) == "" {
		return fmt.Errorf("worker.service_addr is required")
	}
	switch c.Archive.Mode {
	case ArchiveNone, ArchiveTimemap:
	case ArchiveCommand:
		if strings.TrimSpace(c.Archive.Command) == "" {
			return fmt.Errorf("archive.command is required when archive.mode is command")
		}
	default:
		return fmt.Errorf("archive.mode must be one of none, command, timemap (got %q)", c.Archive.Mode)
	}
	switch c.Storage.Backend {
	case StorageLocal, StorageMemory:
	case StorageGCS:
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket is required when storage.backend is gcs")
		}
	default:
		return fmt.Errorf("storage.backend must be one of local, gcs, memory (got %q)", c.Storage.Backend)
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set together")
	}
	if c.Database.MaxConns < 0 || c.Database.MinConns < 0 {
		return fmt.Errorf("database connection limits must be >= 0")
	}
	if c.RateLimit.PerHostRPS < 0 {
		return fmt.Errorf("rate_limit.per_host_rps must be >= 0")
	}
	return nil
}

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/provgate/provgate/pkg/telemetry"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "PROVGATE_"

// Config is the process configuration of the gateway.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Rules        RulesConfig        `yaml:"rules"`
	Audit        AuditConfig        `yaml:"audit"`
	Provisioning ProvisioningConfig `yaml:"provisioning"`
	Telemetry    telemetry.Config   `yaml:"telemetry"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	ListenAddress   string        `yaml:"listen_address" validate:"required,hostname_port"`
	ReadTimeout     time.Duration `yaml:"read_timeout" validate:"gte=0"`
	WriteTimeout    time.Duration `yaml:"write_timeout" validate:"gte=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gte=0"`
}

// RulesConfig locates the rule document.
type RulesConfig struct {
	// Path is a YAML or CUE rule document.
	Path string `yaml:"path" validate:"required"`

	// Watch reloads the document when it changes on disk.
	Watch    bool          `yaml:"watch"`
	Debounce time.Duration `yaml:"debounce" validate:"gte=0"`
}

// AuditConfig selects the audit sink.
type AuditConfig struct {
	Enabled bool `yaml:"enabled"`

	// Driver is sqlite, pgx, log or memory.
	Driver string `yaml:"driver" validate:"required,oneof=sqlite pgx log memory"`

	// DSN is required by the sqlite and pgx drivers.
	DSN string `yaml:"dsn" validate:"required_if=Driver sqlite,required_if=Driver pgx"`

	// Log also writes every record to the application log when the driver
	// stores them elsewhere.
	Log bool `yaml:"log"`
}

// Queryable reports whether the configured sink can list records.
func (a AuditConfig) Queryable() bool {
	return a.Enabled && a.Driver != "log"
}

// ProvisioningConfig tunes the orchestrator.
type ProvisioningConfig struct {
	// DefaultTarget is used when neither the request nor the rule document
	// names a target system.
	DefaultTarget string `yaml:"default_target"`

	BackendTimeout   time.Duration `yaml:"backend_timeout" validate:"gt=0"`
	BatchParallelism int           `yaml:"batch_parallelism" validate:"gte=1,lte=256"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddress:   "0.0.0.0:8000",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Rules: RulesConfig{
			Path:     "configs/rules.yaml",
			Watch:    true,
			Debounce: 500 * time.Millisecond,
		},
		Audit: AuditConfig{
			Enabled: true,
			Driver:  "sqlite",
			DSN:     "provgate-audit.db",
			Log:     true,
		},
		Provisioning: ProvisioningConfig{
			BackendTimeout:   30 * time.Second,
			BatchParallelism: 10,
		},
		Telemetry: *telemetry.DefaultConfig(),
	}
}

// Load reads the file at path over the defaults, applies environment
// overrides and validates the result. An empty path loads defaults only.
// Files ending in .cue are evaluated with CUE first.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if strings.EqualFold(filepath.Ext(path), ".cue") {
			if data, err = exportCUE(path, data); err != nil {
				return nil, err
			}
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// exportCUE evaluates a CUE file to JSON, which yaml.v3 then decodes.
func exportCUE(path string, data []byte) ([]byte, error) {
	val := cuecontext.New().CompileBytes(data, cue.Filename(path))
	if err := val.Err(); err != nil {
		return nil, fmt.Errorf("invalid CUE config %s: %s", path, cueerrors.Details(err, nil))
	}
	if err := val.Validate(cue.Concrete(true)); err != nil {
		return nil, fmt.Errorf("CUE config %s is not concrete: %s", path, cueerrors.Details(err, nil))
	}
	out, err := val.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("failed to export CUE config %s: %w", path, err)
	}
	return out, nil
}

// Validate checks struct constraints and the telemetry section.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var msgs []string
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry configuration: %w", err)
	}
	return nil
}

type override struct {
	name  string
	apply func(v string) error
}

func (c *Config) overrides() []override {
	str := func(dst *string) func(string) error {
		return func(v string) error { *dst = v; return nil }
	}
	boolean := func(dst *bool) func(string) error {
		return func(v string) error {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return err
			}
			*dst = b
			return nil
		}
	}
	duration := func(dst *time.Duration) func(string) error {
		return func(v string) error {
			d, err := time.ParseDuration(v)
			if err != nil {
				return err
			}
			*dst = d
			return nil
		}
	}
	integer := func(dst *int) func(string) error {
		return func(v string) error {
			n, err := strconv.Atoi(v)
			if err != nil {
				return err
			}
			*dst = n
			return nil
		}
	}

	return []override{
		{"LISTEN_ADDRESS", str(&c.Server.ListenAddress)},
		{"SHUTDOWN_TIMEOUT", duration(&c.Server.ShutdownTimeout)},
		{"RULES_PATH", str(&c.Rules.Path)},
		{"RULES_WATCH", boolean(&c.Rules.Watch)},
		{"AUDIT_ENABLED", boolean(&c.Audit.Enabled)},
		{"AUDIT_DRIVER", str(&c.Audit.Driver)},
		{"AUDIT_DSN", str(&c.Audit.DSN)},
		{"AUDIT_LOG", boolean(&c.Audit.Log)},
		{"DEFAULT_TARGET", str(&c.Provisioning.DefaultTarget)},
		{"BACKEND_TIMEOUT", duration(&c.Provisioning.BackendTimeout)},
		{"BATCH_PARALLELISM", integer(&c.Provisioning.BatchParallelism)},
		{"ENVIRONMENT", str(&c.Telemetry.Environment)},
		{"LOG_LEVEL", str(&c.Telemetry.Logging.Level)},
		{"LOG_FORMAT", str(&c.Telemetry.Logging.Format)},
		{"TRACING_ENABLED", boolean(&c.Telemetry.Tracing.Enabled)},
		{"TRACING_EXPORTER", str(&c.Telemetry.Tracing.Exporter)},
		{"TRACING_ENDPOINT", str(&c.Telemetry.Tracing.Endpoint)},
		{"EVENTS_LOG_LEVEL", str(&c.Telemetry.Events.LogLevel)},
	}
}

// applyEnv applies PROVGATE_* variables found by lookup.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	for _, o := range c.overrides() {
		v, ok := lookup(EnvPrefix + o.name)
		if !ok {
			continue
		}
		if err := o.apply(v); err != nil {
			return fmt.Errorf("invalid %s%s=%q: %w", EnvPrefix, o.name, v, err)
		}
	}
	return nil
}

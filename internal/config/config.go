package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"

	"licensekit/internal/product"
)

// EnvPrefix is the prefix of every environment variable read by Load
const EnvPrefix = "LICENSEKIT"

// Config represents the complete engine and host configuration
type Config struct {
	Vendor    VendorConfig    `yaml:"vendor" envconfig:"VENDOR"`
	Engine    EngineConfig    `yaml:"engine" envconfig:"ENGINE"`
	Store     StoreConfig     `yaml:"store" envconfig:"STORE"`
	Logging   LoggingConfig   `yaml:"logging" envconfig:"LOGGING"`
	Telemetry TelemetryConfig `yaml:"telemetry" envconfig:"TELEMETRY"`
	Server    ServerConfig    `yaml:"server" envconfig:"SERVER"`

	// Products carries the static fallback details per product ID. YAML only.
	Products map[string]product.Config `yaml:"products" ignored:"true"`

	// ForceExit terminates the process when the product access dialog is
	// cancelled with an expired trial.
	ForceExit bool `yaml:"force_exit" split_words:"true"`
	// Debug raises the log level and enables the stdout trace exporter.
	Debug bool `yaml:"debug" split_words:"true"`
}

// VendorConfig contains the remote vendor API settings
type VendorConfig struct {
	BaseURL  string        `yaml:"base_url" split_words:"true" default:"https://vendors.example.com"`
	VendorID string        `yaml:"vendor_id" split_words:"true"`
	APIKey   string        `yaml:"api_key" split_words:"true"`
	Timeout  time.Duration `yaml:"timeout" split_words:"true" default:"15s"`
	RPS      float64       `yaml:"rps" split_words:"true" default:"5"`
	Burst    int           `yaml:"burst" split_words:"true" default:"10"`
}

// EngineConfig contains the state machine tunables
type EngineConfig struct {
	MaxInputRetries     int           `yaml:"max_input_retries" split_words:"true" default:"3"`
	CheckoutLoadTimeout time.Duration `yaml:"checkout_load_timeout" split_words:"true" default:"30s"`
	OrderConfirmTimeout time.Duration `yaml:"order_confirm_timeout" split_words:"true" default:"2m"`
	// OfflineGracePeriod bounds how old a stored verification may be. Zero means unlimited.
	OfflineGracePeriod time.Duration `yaml:"offline_grace_period" split_words:"true" default:"0s"`
	QueueSize          int           `yaml:"queue_size" split_words:"true" default:"64"`
	RevalidateOnStart  bool          `yaml:"revalidate_on_start" split_words:"true" default:"true"`
	// DrainTimeout bounds how long shutdown waits for in-flight operations
	DrainTimeout time.Duration `yaml:"drain_timeout" split_words:"true" default:"5s"`
}

// StoreConfig selects and configures the License Store backend
type StoreConfig struct {
	Backend    string `yaml:"backend" split_words:"true" default:"file"` // file, sql, memory
	Path       string `yaml:"path" split_words:"true" default:"licenses.dat"`
	DSN        string `yaml:"dsn" split_words:"true" default:"licenses.db"`
	Passphrase string `yaml:"passphrase" split_words:"true"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level    string `yaml:"level" split_words:"true" default:"info"`
	Format   string `yaml:"format" split_words:"true" default:"json"`
	Output   string `yaml:"output" split_words:"true" default:"console"`
	FilePath string `yaml:"file_path" split_words:"true" default:"logs/licensekit.log"`
}

// TelemetryConfig contains OpenTelemetry configuration
type TelemetryConfig struct {
	ServiceName    string  `yaml:"service_name" split_words:"true" default:"licensekit"`
	ServiceVersion string  `yaml:"service_version" split_words:"true" default:"dev"`
	Environment    string  `yaml:"environment" split_words:"true" default:"development"`
	EnableMetrics  bool    `yaml:"enable_metrics" split_words:"true" default:"true"`
	EnableTracing  bool    `yaml:"enable_tracing" split_words:"true" default:"false"`
	SampleRatio    float64 `yaml:"sample_ratio" split_words:"true" default:"1.0"`
}

// ServerConfig contains the local HTTP bridge configuration
type ServerConfig struct {
	Enabled         bool          `yaml:"enabled" split_words:"true" default:"true"`
	Host            string        `yaml:"host" split_words:"true" default:"127.0.0.1"`
	Port            int           `yaml:"port" split_words:"true" default:"8765"`
	ReadTimeout     time.Duration `yaml:"read_timeout" split_words:"true" default:"15s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" split_words:"true" default:"5m"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" split_words:"true" default:"10s"`
	RateLimitRPS    float64       `yaml:"rate_limit_rps" split_words:"true" default:"20"`
	RateLimitBurst  int           `yaml:"rate_limit_burst" split_words:"true" default:"40"`
	// APIKey, when set, must accompany every /api request as X-API-Key
	APIKey string `yaml:"api_key" split_words:"true"`
	// AllowedOrigins may open the event stream in addition to same-origin pages
	AllowedOrigins []string `yaml:"allowed_origins" split_words:"true"`
}

// Addr returns the listen address of the bridge
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Load reads configuration in three layers: defaults, then the YAML file
// named by LICENSEKIT_CONFIG_FILE (or the first file found in the usual
// locations), then explicitly set environment variables.
func Load() (*Config, error) {
	return LoadFile(getConfigFilePath())
}

// LoadFile is Load with an explicit YAML path. An empty path skips the file layer.
func LoadFile(path string) (*Config, error) {
	cfg, err := defaults()
	if err != nil {
		return nil, err
	}

	if path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if cfg.Debug {
		cfg.Logging.Level = "debug"
		cfg.Telemetry.EnableTracing = true
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Default returns the default configuration, taken from the struct tags
func Default() *Config {
	cfg, err := defaults()
	if err != nil {
		// Only reachable with a malformed default tag.
		panic(fmt.Sprintf("config: invalid default tag: %v", err))
	}
	return cfg
}

// defaults fills cfg from the default tags alone by processing against a
// prefix no environment variable uses.
func defaults() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix+"_DEFAULTS_ONLY_", &cfg); err != nil {
		return nil, err
	}
	cfg.Products = map[string]product.Config{}
	return &cfg, nil
}

// applyEnv overlays only the environment variables that are actually set, so
// values from the YAML file survive when the environment is silent.
func applyEnv(cfg *Config) error {
	var env Config
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return err
	}

	set := make(map[string]bool)
	for _, kv := range os.Environ() {
		name, _, _ := strings.Cut(kv, "=")
		if strings.HasPrefix(name, EnvPrefix+"_") {
			set[name] = true
		}
	}
	if len(set) == 0 {
		return nil
	}

	mergeConfigs(cfg, &env, set)
	return nil
}

func key(parts ...string) string {
	return EnvPrefix + "_" + strings.Join(parts, "_")
}

// mergeConfigs copies each explicitly set environment value from env to dst
func mergeConfigs(dst, env *Config, set map[string]bool) {
	if set[key("FORCE_EXIT")] {
		dst.ForceExit = env.ForceExit
	}
	if set[key("DEBUG")] {
		dst.Debug = env.Debug
	}

	// Vendor
	if set[key("VENDOR", "BASE_URL")] {
		dst.Vendor.BaseURL = env.Vendor.BaseURL
	}
	if set[key("VENDOR", "VENDOR_ID")] {
		dst.Vendor.VendorID = env.Vendor.VendorID
	}
	if set[key("VENDOR", "API_KEY")] {
		dst.Vendor.APIKey = env.Vendor.APIKey
	}
	if set[key("VENDOR", "TIMEOUT")] {
		dst.Vendor.Timeout = env.Vendor.Timeout
	}
	if set[key("VENDOR", "RPS")] {
		dst.Vendor.RPS = env.Vendor.RPS
	}
	if set[key("VENDOR", "BURST")] {
		dst.Vendor.Burst = env.Vendor.Burst
	}

	// Engine
	if set[key("ENGINE", "MAX_INPUT_RETRIES")] {
		dst.Engine.MaxInputRetries = env.Engine.MaxInputRetries
	}
	if set[key("ENGINE", "CHECKOUT_LOAD_TIMEOUT")] {
		dst.Engine.CheckoutLoadTimeout = env.Engine.CheckoutLoadTimeout
	}
	if set[key("ENGINE", "ORDER_CONFIRM_TIMEOUT")] {
		dst.Engine.OrderConfirmTimeout = env.Engine.OrderConfirmTimeout
	}
	if set[key("ENGINE", "OFFLINE_GRACE_PERIOD")] {
		dst.Engine.OfflineGracePeriod = env.Engine.OfflineGracePeriod
	}
	if set[key("ENGINE", "QUEUE_SIZE")] {
		dst.Engine.QueueSize = env.Engine.QueueSize
	}
	if set[key("ENGINE", "REVALIDATE_ON_START")] {
		dst.Engine.RevalidateOnStart = env.Engine.RevalidateOnStart
	}
	if set[key("ENGINE", "DRAIN_TIMEOUT")] {
		dst.Engine.DrainTimeout = env.Engine.DrainTimeout
	}

	// Store
	if set[key("STORE", "BACKEND")] {
		dst.Store.Backend = env.Store.Backend
	}
	if set[key("STORE", "PATH")] {
		dst.Store.Path = env.Store.Path
	}
	if set[key("STORE", "DSN")] {
		dst.Store.DSN = env.Store.DSN
	}
	if set[key("STORE", "PASSPHRASE")] {
		dst.Store.Passphrase = env.Store.Passphrase
	}

	// Logging
	if set[key("LOGGING", "LEVEL")] {
		dst.Logging.Level = env.Logging.Level
	}
	if set[key("LOGGING", "FORMAT")] {
		dst.Logging.Format = env.Logging.Format
	}
	if set[key("LOGGING", "OUTPUT")] {
		dst.Logging.Output = env.Logging.Output
	}
	if set[key("LOGGING", "FILE_PATH")] {
		dst.Logging.FilePath = env.Logging.FilePath
	}

	// Telemetry
	if set[key("TELEMETRY", "SERVICE_NAME")] {
		dst.Telemetry.ServiceName = env.Telemetry.ServiceName
	}
	if set[key("TELEMETRY", "SERVICE_VERSION")] {
		dst.Telemetry.ServiceVersion = env.Telemetry.ServiceVersion
	}
	if set[key("TELEMETRY", "ENVIRONMENT")] {
		dst.Telemetry.Environment = env.Telemetry.Environment
	}
	if set[key("TELEMETRY", "ENABLE_METRICS")] {
		dst.Telemetry.EnableMetrics = env.Telemetry.EnableMetrics
	}
	if set[key("TELEMETRY", "ENABLE_TRACING")] {
		dst.Telemetry.EnableTracing = env.Telemetry.EnableTracing
	}
	if set[key("TELEMETRY", "SAMPLE_RATIO")] {
		dst.Telemetry.SampleRatio = env.Telemetry.SampleRatio
	}

	// Server
	if set[key("SERVER", "ENABLED")] {
		dst.Server.Enabled = env.Server.Enabled
	}
	if set[key("SERVER", "HOST")] {
		dst.Server.Host = env.Server.Host
	}
	if set[key("SERVER", "PORT")] {
		dst.Server.Port = env.Server.Port
	}
	if set[key("SERVER", "READ_TIMEOUT")] {
		dst.Server.ReadTimeout = env.Server.ReadTimeout
	}
	if set[key("SERVER", "WRITE_TIMEOUT")] {
		dst.Server.WriteTimeout = env.Server.WriteTimeout
	}
	if set[key("SERVER", "SHUTDOWN_TIMEOUT")] {
		dst.Server.ShutdownTimeout = env.Server.ShutdownTimeout
	}
	if set[key("SERVER", "RATE_LIMIT_RPS")] {
		dst.Server.RateLimitRPS = env.Server.RateLimitRPS
	}
	if set[key("SERVER", "RATE_LIMIT_BURST")] {
		dst.Server.RateLimitBurst = env.Server.RateLimitBurst
	}
	if set[key("SERVER", "API_KEY")] {
		dst.Server.APIKey = env.Server.APIKey
	}
	if set[key("SERVER", "ALLOWED_ORIGINS")] {
		dst.Server.AllowedOrigins = env.Server.AllowedOrigins
	}
}

// loadFromFile overlays the YAML file onto cfg. Keys absent from the file
// keep their current values.
func loadFromFile(filePath string, cfg *Config) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// validate validates the configuration
func (c *Config) validate() error {
	if c.Engine.MaxInputRetries < 0 {
		return fmt.Errorf("max input retries must not be negative: %d", c.Engine.MaxInputRetries)
	}
	if c.Engine.CheckoutLoadTimeout <= 0 {
		return fmt.Errorf("checkout load timeout must be positive")
	}
	if c.Engine.OrderConfirmTimeout <= 0 {
		return fmt.Errorf("order confirm timeout must be positive")
	}
	if c.Engine.OfflineGracePeriod < 0 {
		return fmt.Errorf("offline grace period must not be negative")
	}

	switch c.Store.Backend {
	case "file", "sql", "memory":
	default:
		return fmt.Errorf("unsupported store backend: %q", c.Store.Backend)
	}

	if c.Vendor.RPS <= 0 {
		return fmt.Errorf("vendor rps must be positive")
	}

	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	for id, p := range c.Products {
		switch p.Kind {
		case "", product.KindSDK, product.KindOther:
		default:
			return fmt.Errorf("product %s: unknown kind %q", id, p.Kind)
		}
		if p.Fallback.TrialLength < 0 {
			return fmt.Errorf("product %s: trial length must not be negative", id)
		}
	}

	// Logs are always JSON.
	c.Logging.Format = "json"

	return nil
}

// getConfigFilePath returns the path to the config file
func getConfigFilePath() string {
	if path := os.Getenv(EnvPrefix + "_CONFIG_FILE"); path != "" {
		return path
	}

	locations := []string{
		"licensekit.yaml",
		"configs/licensekit.yaml",
	}

	for _, location := range locations {
		if _, err := os.Stat(location); err == nil {
			return location
		}
	}

	return "" // No config file found, use env vars only
}

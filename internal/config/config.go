package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Poll interval bounds. Values outside are rejected by Validate.
const (
	MinPollInterval = 10 * time.Second
	MaxPollInterval = 300 * time.Second
)

// Config holds all agent configuration values.
type Config struct {
	// Remote API
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
	TokenName  string `yaml:"token_name"`
	TokenValue string `yaml:"token_value"`
	VerifySSL  bool   `yaml:"verify_ssl"`

	// Polling
	PollInterval   time.Duration `yaml:"poll_interval"`
	PollTimeout    time.Duration `yaml:"poll_timeout"`    // overall deadline for one poll cycle
	RequestTimeout time.Duration `yaml:"request_timeout"` // deadline for one HTTP call
	MaxAttempts    int           `yaml:"max_attempts"`
	RetryBackoff   time.Duration `yaml:"retry_backoff"`
	MaxConcurrency int           `yaml:"max_concurrency"`
	StaleTolerance int           `yaml:"stale_tolerance"`
	TicketLifetime time.Duration `yaml:"ticket_lifetime"`

	// Identity
	ClusterID    string `yaml:"cluster_id"`
	ClusterName  string `yaml:"cluster_name"`
	AgentVersion string `yaml:"-"`

	// Agent
	HealthPort     int    `yaml:"health_port"`
	DebugEndpoints bool   `yaml:"debug_endpoints"` // PVE_DEBUG_ENDPOINTS, enables pprof/debug on health port
	LogLevel       string `yaml:"log_level"`
	LogFormat      string `yaml:"log_format"` // "json" or "text"

	ConfigFile string `yaml:"-"`
}

// Default returns a Config with every default applied.
func Default() Config {
	return Config{
		Port:           8006,
		VerifySSL:      false,
		PollInterval:   30 * time.Second,
		PollTimeout:    60 * time.Second,
		RequestTimeout: 30 * time.Second,
		MaxAttempts:    3,
		RetryBackoff:   1 * time.Second,
		MaxConcurrency: 8,
		StaleTolerance: 3,
		TicketLifetime: 110 * time.Minute,
		HealthPort:     8080,
		LogLevel:       "info",
		LogFormat:      "json",
		AgentVersion:   "dev",
	}
}

// Load builds a Config from defaults, then the YAML file named by
// PVE_CONFIG_FILE (if any), then PVE_* environment variables.
func Load() (Config, error) {
	cfg := Default()

	cfg.ConfigFile = os.Getenv("PVE_CONFIG_FILE")
	if cfg.ConfigFile != "" {
		if err := loadFile(cfg.ConfigFile, &cfg); err != nil {
			return Config{}, err
		}
	}

	env := &envReader{}
	cfg.Host = env.str("PVE_HOST", cfg.Host)
	cfg.Port = env.integer("PVE_PORT", cfg.Port)
	cfg.Username = env.str("PVE_USERNAME", cfg.Username)
	cfg.Password = env.str("PVE_PASSWORD", cfg.Password)
	cfg.TokenName = env.str("PVE_TOKEN_NAME", cfg.TokenName)
	cfg.TokenValue = env.str("PVE_TOKEN_VALUE", cfg.TokenValue)
	cfg.VerifySSL = env.boolean("PVE_VERIFY_SSL", cfg.VerifySSL)

	cfg.PollInterval = env.duration("PVE_POLL_INTERVAL", cfg.PollInterval)
	cfg.PollTimeout = env.duration("PVE_POLL_TIMEOUT", cfg.PollTimeout)
	cfg.RequestTimeout = env.duration("PVE_REQUEST_TIMEOUT", cfg.RequestTimeout)
	cfg.MaxAttempts = env.integer("PVE_MAX_ATTEMPTS", cfg.MaxAttempts)
	cfg.RetryBackoff = env.duration("PVE_RETRY_BACKOFF", cfg.RetryBackoff)
	cfg.MaxConcurrency = env.integer("PVE_MAX_CONCURRENCY", cfg.MaxConcurrency)
	cfg.StaleTolerance = env.integer("PVE_STALE_TOLERANCE", cfg.StaleTolerance)
	cfg.TicketLifetime = env.duration("PVE_TICKET_LIFETIME", cfg.TicketLifetime)

	cfg.ClusterID = env.str("PVE_CLUSTER_ID", cfg.ClusterID)
	cfg.ClusterName = env.str("PVE_CLUSTER_NAME", cfg.ClusterName)
	cfg.AgentVersion = env.str("PVE_AGENT_VERSION", cfg.AgentVersion)

	cfg.HealthPort = env.integer("PVE_HEALTH_PORT", cfg.HealthPort)
	cfg.DebugEndpoints = env.boolean("PVE_DEBUG_ENDPOINTS", cfg.DebugEndpoints)
	cfg.LogLevel = env.str("PVE_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = env.str("PVE_LOG_FORMAT", cfg.LogFormat)

	if err := env.err(); err != nil {
		return Config{}, err
	}

	if cfg.ClusterID == "" {
		cfg.ClusterID = uuid.New().String()
	}

	return cfg, nil
}

// BaseURL returns the API root, e.g. https://pve.example:8006/api2/json.
func (c Config) BaseURL() string {
	host := strings.TrimSuffix(c.Host, "/")
	host = strings.TrimPrefix(host, "https://")
	host = strings.TrimPrefix(host, "http://")
	return fmt.Sprintf("https://%s:%d/api2/json", host, c.Port)
}

// UsesToken reports whether API-token credentials are configured.
func (c Config) UsesToken() bool {
	return c.TokenName != "" || c.TokenValue != ""
}

// loadFile decodes the YAML file at path over cfg. Duration fields accept
// Go duration strings ("45s") or bare integers counted as seconds.
func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	if len(doc.Content) == 0 {
		return nil
	}
	if err := secondsAsDurations(doc.Content[0]); err != nil {
		return fmt.Errorf("config: %s: %w", path, err)
	}
	if err := doc.Decode(cfg); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

// durationKeys are the YAML keys of the time.Duration fields of Config.
var durationKeys = func() map[string]bool {
	keys := map[string]bool{}
	t := reflect.TypeFor[Config]()
	for i := range t.NumField() {
		f := t.Field(i)
		if f.Type != reflect.TypeFor[time.Duration]() {
			continue
		}
		if name, _, _ := strings.Cut(f.Tag.Get("yaml"), ","); name != "" && name != "-" {
			keys[name] = true
		}
	}
	return keys
}()

// secondsAsDurations rewrites duration values of the top-level mapping so
// that the decoder sees duration strings, and rejects values that are
// neither.
func secondsAsDurations(root *yaml.Node) error {
	if root.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(root.Content); i += 2 {
		key, val := root.Content[i], root.Content[i+1]
		if !durationKeys[key.Value] {
			continue
		}
		if val.Kind != yaml.ScalarNode {
			return fmt.Errorf("line %d: %s: expected a duration", val.Line, key.Value)
		}
		d, err := parseDurationValue(val.Value)
		if err != nil {
			return fmt.Errorf("line %d: %s: %w", val.Line, key.Value, err)
		}
		val.Tag = "!!str"
		val.Value = d.String()
	}
	return nil
}

// parseDurationValue accepts a Go duration string or integer seconds.
func parseDurationValue(v string) (time.Duration, error) {
	if d, err := time.ParseDuration(v); err == nil {
		return d, nil
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return 0, fmt.Errorf("invalid duration %q (want e.g. 30s or 30)", v)
}

// envReader reads PVE_* variables. Unset or empty variables keep the
// current value; values that do not parse are collected and reported
// together by err.
type envReader struct {
	errs []error
}

func (r *envReader) fail(key, v, want string) {
	r.errs = append(r.errs, fmt.Errorf("config: %s=%q is not a valid %s", key, v, want))
}

func (r *envReader) err() error {
	return errors.Join(r.errs...)
}

func (r *envReader) str(key, current string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return current
}

func (r *envReader) duration(key string, current time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return current
	}
	d, err := parseDurationValue(v)
	if err != nil {
		r.fail(key, v, "duration")
		return current
	}
	return d
}

func (r *envReader) boolean(key string, current bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return current
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.fail(key, v, "boolean")
		return current
	}
	return b
}

func (r *envReader) integer(key string, current int) int {
	v := os.Getenv(key)
	if v == "" {
		return current
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		r.fail(key, v, "integer")
		return current
	}
	return n
}

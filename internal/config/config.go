// Package config holds all configuration types and loading logic for infobridge.
// Config structure never shrinks — fields are only added, never renamed or removed.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Mode selects between the real backing services and in-process mocks.
type Mode string

const (
	ModeProd Mode = "prod" // real Redis, Kafka and registry clients
	ModeDev  Mode = "dev"  // in-memory stores and mocked registries
)

// Config is the root configuration for an infobridge instance.
type Config struct {
	Mode     Mode           `yaml:"mode"`
	Server   ServerConfig   `yaml:"server"`
	Auth     AuthConfig     `yaml:"auth"`
	Redis    RedisConfig    `yaml:"redis"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Retry    RetryConfig    `yaml:"retry"`
	Bucket   BucketConfig   `yaml:"bucket"`
	Registry RegistryConfig `yaml:"registry"`
}

// ServerConfig holds network settings for the inspection API.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// AuthConfig controls API key authentication on the inspection API.
type AuthConfig struct {
	Enabled bool   `yaml:"enabled"`
	APIKey  string `yaml:"api_key"`
}

// RedisConfig holds connection settings for the shared state store.
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	// StateTTL bounds how long processing state and correlation
	// mappings live. Duration string, e.g. "24h".
	StateTTL string `yaml:"state_ttl"`
	// DLQTTL bounds how long dead letter records live, e.g. "720h".
	DLQTTL string `yaml:"dlq_ttl"`
}

// KafkaConfig holds broker addresses and the topics infobridge talks on.
type KafkaConfig struct {
	Brokers []string     `yaml:"brokers"`
	GroupID string       `yaml:"group_id"`
	Topics  TopicsConfig `yaml:"topics"`
}

// TopicsConfig names every topic the service consumes or produces.
type TopicsConfig struct {
	// Sykmelding is the inbound topic of received sick leave notes.
	Sykmelding string `yaml:"sykmelding"`
	// Query carries correlated query requests toward the registry system.
	Query string `yaml:"query"`
	// Update carries fire-and-forget update requests.
	Update string `yaml:"update"`
	// Reply is the shared reply topic for query responses.
	Reply string `yaml:"reply"`
	// Oppgave carries manual work items for cases that need human follow-up.
	Oppgave string `yaml:"oppgave"`
}

// RetryConfig controls the periodic retry/reaper sweep.
type RetryConfig struct {
	MaxRetries    int    `yaml:"max_retries"`
	SweepInterval string `yaml:"sweep_interval"`
	InitialDelay  string `yaml:"initial_delay"`
	// StuckAfter is how long a case may sit without an update before the
	// sweeper treats it as stuck, e.g. "30m".
	StuckAfter string `yaml:"stuck_after"`
	// Backoff lists the minimum wait before retry attempt N+1, indexed by
	// the case's current retry count. The last entry applies to all
	// higher counts.
	Backoff []string `yaml:"backoff"`
}

// BucketConfig names the object storage bucket holding raw case documents.
type BucketConfig struct {
	Name string `yaml:"name"`
}

// RegistryConfig holds base URLs for the external registry services.
type RegistryConfig struct {
	PersonURL string `yaml:"person_url"`
	HPRURL    string `yaml:"hpr_url"`
	NorgURL   string `yaml:"norg_url"`
	TSSURL    string `yaml:"tss_url"`
}

// Default returns a Config populated with safe, sensible defaults.
// It is the canonical source of truth for default values.
func Default() *Config {
	return &Config{
		Mode: ModeProd,
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Auth: AuthConfig{
			Enabled: false,
			APIKey:  "",
		},
		Redis: RedisConfig{
			Address:  "localhost:6379",
			Password: "",
			DB:       0,
			StateTTL: "24h",
			DLQTTL:   "720h",
		},
		Kafka: KafkaConfig{
			Brokers: []string{"localhost:9092"},
			GroupID: "infobridge",
			Topics: TopicsConfig{
				Sykmelding: "teamsykmelding.ok-sykmelding",
				Query:      "infobridge.infotrygd-sporring",
				Update:     "infobridge.infotrygd-oppdatering",
				Reply:      "infobridge.infotrygd-svar",
				Oppgave:    "infobridge.manuell-oppgave",
			},
		},
		Retry: RetryConfig{
			MaxRetries:    3,
			SweepInterval: "5m",
			InitialDelay:  "1m",
			StuckAfter:    "30m",
			Backoff:       []string{"5m", "10m", "20m", "30m"},
		},
		Bucket: BucketConfig{
			Name: "infobridge-sykmelding-fellesformat",
		},
		Registry: RegistryConfig{
			PersonURL: "http://pdl-api.default",
			HPRURL:    "http://helsepersonell-api.default",
			NorgURL:   "http://norg2.default",
			TSSURL:    "http://tss-proxy.default",
		},
	}
}

// Load reads a YAML config file at path and overlays it on top of Default().
// If the file does not exist the default config is returned without error,
// making it easy to run infobridge with no config file at all.
//
// After loading the file, environment variables are applied as overrides:
//
//	INFOBRIDGE_MODE           — sets mode ("prod" or "dev")
//	INFOBRIDGE_AUTH_API_KEY   — sets auth.api_key and enables auth
//	INFOBRIDGE_PORT           — sets server.port
//	INFOBRIDGE_REDIS_ADDRESS  — sets redis.address
//	INFOBRIDGE_REDIS_PASSWORD — sets redis.password
//	INFOBRIDGE_KAFKA_BROKERS  — sets kafka.brokers (single broker)
//	INFOBRIDGE_BUCKET_NAME    — sets bucket.name
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv overlays environment variable overrides onto cfg.
func applyEnv(cfg *Config) {
	if v := os.Getenv("INFOBRIDGE_MODE"); v != "" {
		cfg.Mode = Mode(v)
	}
	if v := os.Getenv("INFOBRIDGE_AUTH_API_KEY"); v != "" {
		cfg.Auth.APIKey = v
		cfg.Auth.Enabled = true
	}
	if v := os.Getenv("INFOBRIDGE_PORT"); v != "" {
		var p int
		if _, err := fmt.Sscanf(v, "%d", &p); err == nil && p > 0 {
			cfg.Server.Port = p
		}
	}
	if v := os.Getenv("INFOBRIDGE_REDIS_ADDRESS"); v != "" {
		cfg.Redis.Address = v
	}
	if v := os.Getenv("INFOBRIDGE_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("INFOBRIDGE_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = []string{v}
	}
	if v := os.Getenv("INFOBRIDGE_BUCKET_NAME"); v != "" {
		cfg.Bucket.Name = v
	}
}

// Validate checks that the config values are consistent and within acceptable
// ranges. It returns the first error found.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeProd, ModeDev:
		// valid
	default:
		return errors.New(`mode must be "prod" or "dev"`)
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return errors.New("server.port must be between 1 and 65535")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return errors.New("auth.api_key must be set when auth is enabled")
	}
	if c.Mode == ModeProd {
		if c.Redis.Address == "" {
			return errors.New("redis.address must not be empty")
		}
		if len(c.Kafka.Brokers) == 0 {
			return errors.New("kafka.brokers must not be empty")
		}
		if c.Bucket.Name == "" {
			return errors.New("bucket.name must not be empty")
		}
	}
	for _, pair := range []struct {
		name  string
		value string
	}{
		{"redis.state_ttl", c.Redis.StateTTL},
		{"redis.dlq_ttl", c.Redis.DLQTTL},
		{"retry.sweep_interval", c.Retry.SweepInterval},
		{"retry.initial_delay", c.Retry.InitialDelay},
		{"retry.stuck_after", c.Retry.StuckAfter},
	} {
		if _, err := time.ParseDuration(pair.value); err != nil {
			return fmt.Errorf("%s: invalid duration %q", pair.name, pair.value)
		}
	}
	if c.Retry.MaxRetries < 0 {
		return errors.New("retry.max_retries must be >= 0")
	}
	if len(c.Retry.Backoff) == 0 {
		return errors.New("retry.backoff must list at least one delay")
	}
	for _, b := range c.Retry.Backoff {
		if _, err := time.ParseDuration(b); err != nil {
			return fmt.Errorf("retry.backoff: invalid duration %q", b)
		}
	}
	return nil
}

// StateTTL returns redis.state_ttl as a time.Duration. Call Validate first.
func (c *Config) StateTTL() time.Duration { return mustDuration(c.Redis.StateTTL) }

// DLQTTL returns redis.dlq_ttl as a time.Duration. Call Validate first.
func (c *Config) DLQTTL() time.Duration { return mustDuration(c.Redis.DLQTTL) }

// SweepInterval returns retry.sweep_interval as a time.Duration.
func (c *Config) SweepInterval() time.Duration { return mustDuration(c.Retry.SweepInterval) }

// InitialDelay returns retry.initial_delay as a time.Duration.
func (c *Config) InitialDelay() time.Duration { return mustDuration(c.Retry.InitialDelay) }

// StuckAfter returns retry.stuck_after as a time.Duration.
func (c *Config) StuckAfter() time.Duration { return mustDuration(c.Retry.StuckAfter) }

// BackoffSteps returns retry.backoff as durations.
func (c *Config) BackoffSteps() []time.Duration {
	out := make([]time.Duration, len(c.Retry.Backoff))
	for i, b := range c.Retry.Backoff {
		out[i] = mustDuration(b)
	}
	return out
}

func mustDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		panic(fmt.Sprintf("config: duration %q not validated", s))
	}
	return d
}

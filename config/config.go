package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	mmate "github.com/glimte/mmate-redis"
	"github.com/glimte/mmate-redis/serialization"
)

// Config is the process-level configuration for mmate-redis programs
type Config struct {
	Redis     RedisConfig     `yaml:"redis"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Codec     CodecConfig     `yaml:"codec"`
	Log       LogConfig       `yaml:"log"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// RedisConfig locates the backend
type RedisConfig struct {
	URL            string        `yaml:"url"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// ReconnectConfig controls the delay schedule after a dropped connection
type ReconnectConfig struct {
	Base        time.Duration `yaml:"base"`
	Max         time.Duration `yaml:"max"`
	Multiplier  float64       `yaml:"multiplier"`
	Jitter      float64       `yaml:"jitter"`
	MaxAttempts int           `yaml:"max_attempts"` // 0 retries forever
}

// CodecConfig selects payload compression for codecs built by the CLI
type CodecConfig struct {
	Compression string `yaml:"compression"`
}

// LogConfig controls the process logger
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

// MetricsConfig controls the Prometheus namespace
type MetricsConfig struct {
	Namespace string `yaml:"namespace"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Redis: RedisConfig{
			URL:            "redis://localhost:6379/0",
			ConnectTimeout: 30 * time.Second,
		},
		Reconnect: ReconnectConfig{
			Base:       500 * time.Millisecond,
			Max:        30 * time.Second,
			Multiplier: 2.0,
			Jitter:     0.2,
		},
		Codec: CodecConfig{
			Compression: string(serialization.CompressionNone),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Namespace: "mmate",
		},
	}
}

// Load builds a Config from defaults, then the YAML file at path (skipped
// when path is empty), then MMATE_* environment variables, and validates it
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := cfg.decode(data); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
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

// decode overlays YAML onto cfg, rejecting unknown keys
func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		*dst = d
		return nil
	}
	float := func(key string, dst *float64) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		*dst = f
		return nil
	}

	str("MMATE_REDIS_URL", &c.Redis.URL)
	str("MMATE_LOG_LEVEL", &c.Log.Level)
	str("MMATE_LOG_FORMAT", &c.Log.Format)
	str("MMATE_COMPRESSION", &c.Codec.Compression)

	return errors.Join(
		dur("MMATE_RECONNECT_BASE", &c.Reconnect.Base),
		dur("MMATE_RECONNECT_MAX", &c.Reconnect.Max),
		dur("MMATE_CONNECT_TIMEOUT", &c.Redis.ConnectTimeout),
		float("MMATE_RECONNECT_MULTIPLIER", &c.Reconnect.Multiplier),
		float("MMATE_RECONNECT_JITTER", &c.Reconnect.Jitter),
	)
}

// Validate reports every invalid setting
func (c *Config) Validate() error {
	var errs []error

	if c.Redis.URL == "" {
		errs = append(errs, errors.New("redis.url is required"))
	}
	if c.Redis.ConnectTimeout <= 0 {
		errs = append(errs, errors.New("redis.connect_timeout must be positive"))
	}
	if c.Reconnect.Base <= 0 {
		errs = append(errs, errors.New("reconnect.base must be positive"))
	}
	if c.Reconnect.Max < c.Reconnect.Base {
		errs = append(errs, errors.New("reconnect.max must not be less than reconnect.base"))
	}
	if c.Reconnect.Multiplier < 1 {
		errs = append(errs, errors.New("reconnect.multiplier must be at least 1"))
	}
	if c.Reconnect.Jitter < 0 || c.Reconnect.Jitter > 1 {
		errs = append(errs, errors.New("reconnect.jitter must be between 0 and 1"))
	}
	if c.Reconnect.MaxAttempts < 0 {
		errs = append(errs, errors.New("reconnect.max_attempts must not be negative"))
	}
	if _, err := serialization.ParseCompression(c.Codec.Compression); err != nil {
		errs = append(errs, fmt.Errorf("codec.compression: %w", err))
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Compression returns the configured payload compression
func (c *Config) Compression() serialization.Compression {
	algo, err := serialization.ParseCompression(c.Codec.Compression)
	if err != nil {
		return serialization.CompressionNone
	}
	return algo
}

// ClientOptions maps the configuration to client options
func (c *Config) ClientOptions() []mmate.ClientOption {
	return []mmate.ClientOption{
		mmate.WithReconnectBackoff(c.Reconnect.Base, c.Reconnect.Max, c.Reconnect.Multiplier, c.Reconnect.Jitter),
		mmate.WithMaxReconnectAttempts(c.Reconnect.MaxAttempts),
		mmate.WithConnectTimeout(c.Redis.ConnectTimeout),
	}
}

// Logger builds the process logger writing to w
func (c *Config) Logger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.Log.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if strings.EqualFold(c.Log.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

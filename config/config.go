// Package config loads hyperdl settings from a config file, the environment
// and command line flags through viper.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/gkatanacio/hyperdl/download"
	"github.com/gkatanacio/hyperdl/logging"
)

// EnvPrefix is the prefix of environment variables read by Load.
const EnvPrefix = "HYPERDL"

// ByteSize is a size in bytes that can be written as a plain number or a
// human readable string such as "512KiB" or "4 MB".
type ByteSize int64

// Config defines the configuration of hyperdl.
type Config struct {
	NumParts         int            `mapstructure:"num_parts" validate:"gte=1"`
	ChunkSize        ByteSize       `mapstructure:"chunk_size" validate:"gt=0"`
	DownloadDir      string         `mapstructure:"download_dir" validate:"required"`
	ProgressInterval time.Duration  `mapstructure:"progress_interval" validate:"gt=0"`
	RateLimit        ByteSize       `mapstructure:"rate_limit" validate:"gte=0"`
	TeardownTimeout  time.Duration  `mapstructure:"teardown_timeout" validate:"gt=0"`
	Retry            Retry          `mapstructure:"retry"`
	Sessions         Sessions       `mapstructure:"sessions"`
	Logging          logging.Config `mapstructure:"logging"`
}

// Retry defines how transient stream errors are retried.
type Retry struct {
	Attempts       int           `mapstructure:"attempts" validate:"gte=0"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff" validate:"gte=0"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff" validate:"gte=0"`
}

// Sessions describes the authenticated sessions the pool is built from. One
// session is created per token.
type Sessions struct {
	BaseURL string        `mapstructure:"base_url" validate:"omitempty,url"`
	Tokens  []string      `mapstructure:"tokens" validate:"dive,required"`
	Timeout time.Duration `mapstructure:"timeout" validate:"gte=0"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	opts := download.DefaultOptions()
	return Config{
		NumParts:         opts.NumParts,
		ChunkSize:        ByteSize(opts.ChunkSize),
		DownloadDir:      "downloads",
		ProgressInterval: opts.ProgressInterval,
		TeardownTimeout:  opts.TeardownTimeout,
		Retry: Retry{
			Attempts:       opts.Retry.Attempts,
			InitialBackoff: opts.Retry.InitialBackoff,
			MaxBackoff:     opts.Retry.MaxBackoff,
		},
		Sessions: Sessions{
			Timeout: 30 * time.Second,
		},
		Logging: logging.Config{
			Level: "info",
		},
	}
}

// SetDefaults registers every key on v, with its default where it has one,
// so that environment variables are picked up by Unmarshal.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("num_parts", d.NumParts)
	v.SetDefault("chunk_size", int64(d.ChunkSize))
	v.SetDefault("download_dir", d.DownloadDir)
	v.SetDefault("progress_interval", d.ProgressInterval)
	v.SetDefault("rate_limit", int64(d.RateLimit))
	v.SetDefault("teardown_timeout", d.TeardownTimeout)
	v.SetDefault("retry.attempts", d.Retry.Attempts)
	v.SetDefault("retry.initial_backoff", d.Retry.InitialBackoff)
	v.SetDefault("retry.max_backoff", d.Retry.MaxBackoff)
	v.SetDefault("sessions.timeout", d.Sessions.Timeout)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.debug", d.Logging.Debug)

	for _, key := range []string{"sessions.base_url", "sessions.tokens", "logging.file", "logging.max_size_mb", "logging.max_backups"} {
		_ = v.BindEnv(key)
	}
}

// NewViper returns a viper instance reading HYPERDL_* environment variables,
// with nested keys separated by underscores (HYPERDL_RETRY_ATTEMPTS).
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	return v
}

// Load reads the config file named by configFile, if any, and unmarshals v
// into a validated Config.
func Load(v *viper.Viper, configFile string) (Config, error) {
	if v == nil {
		return Config{}, errors.New("config: nil viper")
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg := Default()
	err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		byteSizeHook(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)))
	if err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := newValidator().Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	return nil
}

// ValidateSessions checks that at least one session can be built.
func (c *Config) ValidateSessions() error {
	validate := newValidator()
	if err := validate.Var(c.Sessions.BaseURL, "required,url"); err != nil {
		return fmt.Errorf("config: sessions.base_url: %w", err)
	}
	if err := validate.Var(c.Sessions.Tokens, "min=1"); err != nil {
		return fmt.Errorf("config: at least one session token is required: %w", err)
	}
	return nil
}

// newValidator returns a validator reporting fields by their config key.
func newValidator() *validator.Validate {
	validate := validator.New()
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("mapstructure"), ",")
		if name == "" {
			return f.Name
		}
		return name
	})
	return validate
}

// DownloadOptions maps the configuration onto the options of the download service.
func (c *Config) DownloadOptions() download.Options {
	return download.Options{
		NumParts:         c.NumParts,
		ChunkSize:        int(c.ChunkSize),
		ProgressInterval: c.ProgressInterval,
		RateLimit:        int64(c.RateLimit),
		TeardownTimeout:  c.TeardownTimeout,
		Retry: download.RetryOptions{
			Attempts:       c.Retry.Attempts,
			InitialBackoff: c.Retry.InitialBackoff,
			MaxBackoff:     c.Retry.MaxBackoff,
		},
	}
}

// ParseByteSize parses sizes such as "65536", "512KiB" or "4 MB".
func ParseByteSize(s string) (ByteSize, error) {
	n, err := humanize.ParseBytes(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid byte size %q: %w", s, err)
	}
	return ByteSize(n), nil
}

func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}

// byteSizeHook decodes strings into ByteSize values.
func byteSizeHook() mapstructure.DecodeHookFuncType {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if to != reflect.TypeOf(ByteSize(0)) || from.Kind() != reflect.String {
			return data, nil
		}
		return ParseByteSize(data.(string))
	}
}

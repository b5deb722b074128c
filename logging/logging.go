// Package logging builds the zap logger used across hyperdl.
package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config holds the configuration for logging.
type Config struct {
	// Level is one of debug, info, warn or error. Defaults to info.
	// Ignored when Debug is set.
	Level string `mapstructure:"level"`

	// Debug forces the debug level and a console encoder instead of JSON.
	Debug bool `mapstructure:"debug"`

	// File, when set, additionally writes JSON logs to a rotated file.
	File string `mapstructure:"file"`

	// MaxSizeMB is the size at which File is rotated. Defaults to 100.
	MaxSizeMB int `mapstructure:"max_size_mb" validate:"gte=0"`

	// MaxBackups is the number of rotated files kept. Zero keeps all of them.
	MaxBackups int `mapstructure:"max_backups" validate:"gte=0"`
}

// Validate ensures the logging Config is valid.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	_, err := c.level()
	return err
}

func (c *Config) level() (zapcore.Level, error) {
	if c.Debug {
		return zapcore.DebugLevel, nil
	}
	if c.Level == "" {
		return zapcore.InfoLevel, nil
	}

	lvl, err := zapcore.ParseLevel(c.Level)
	if err != nil {
		return lvl, fmt.Errorf("logging: invalid level %q: %w", c.Level, err)
	}
	return lvl, nil
}

// New returns a logger writing to stderr and, if configured, to a rotated file.
func New(cfg Config) (*zap.Logger, error) {
	return newLogger(cfg, os.Stderr)
}

func newLogger(cfg Config, console io.Writer) (*zap.Logger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	lvl, _ := cfg.level()

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var consoleEnc zapcore.Encoder
	if cfg.Debug {
		devCfg := zap.NewDevelopmentEncoderConfig()
		consoleEnc = zapcore.NewConsoleEncoder(devCfg)
	} else {
		consoleEnc = zapcore.NewJSONEncoder(encCfg)
	}

	cores := []zapcore.Core{
		zapcore.NewCore(consoleEnc, zapcore.Lock(zapcore.AddSync(console)), lvl),
	}

	if cfg.File != "" {
		maxSize := cfg.MaxSizeMB
		if maxSize == 0 {
			maxSize = 100
		}
		file := zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    maxSize,
			MaxBackups: cfg.MaxBackups,
		})
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), file, lvl))
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller()), nil
}

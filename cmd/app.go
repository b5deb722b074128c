package cmd

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/gkatanacio/hyperdl/config"
	"github.com/gkatanacio/hyperdl/download"
	"github.com/gkatanacio/hyperdl/httpsource"
	"github.com/gkatanacio/hyperdl/logging"
)

// app bundles what a command needs to talk to the sessions.
type app struct {
	cfg    config.Config
	logger *zap.Logger
	pool   *download.SessionPool
}

func newApp() (*app, error) {
	cfg, err := config.Load(v, configFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.ValidateSessions(); err != nil {
		return nil, err
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger}
	pooled := make([]download.Session, 0, len(cfg.Sessions.Tokens))
	for i, token := range cfg.Sessions.Tokens {
		s, err := httpsource.NewSession(fmt.Sprintf("helper_%d", i), httpsource.Options{
			BaseURL: cfg.Sessions.BaseURL,
			Token:   token,
			Timeout: cfg.Sessions.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("session %d: %w", i, err)
		}
		pooled = append(pooled, s)
	}
	a.pool = download.NewSessionPool(pooled...)

	logger.Debug("sessions ready", zap.Int("sessions", a.pool.Len()), zap.String("base_url", cfg.Sessions.BaseURL))

	return a, nil
}

func (a *app) close() {
	_ = a.logger.Sync()
}

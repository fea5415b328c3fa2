// Package config provides configuration for the application wiring.
package config

import (
	"errors"
	"time"

	"waitgate/internal/admission/core"
)

// WaveConfig declares one admission wave.
type WaveConfig struct {
	ID       int64
	Capacity int64
}

// Config captures dependency and runtime settings.
type Config struct {
	HTTPListenAddr string
	TrustForwarded bool
	SecureCookies  bool
	MaxBodyBytes   int64

	WebhookSecret      string
	SignatureTolerance time.Duration

	AdminToken string

	Waves []WaveConfig

	RedisAddr     string
	RedisPassword string
	PostgresDSN   string
	MigrationPath string
	AMQPURL       string
	AMQPExchange  string

	BreakerOptions core.BreakerOptions
	AuditOptions   core.RecorderOptions

	CounterGrace   time.Duration
	JanitorEvery   time.Duration
	RequestTimeout time.Duration
	DrainTimeout   time.Duration
}

// Validate rejects configurations the service cannot start with.
func (cfg *Config) Validate() error {
	if cfg == nil {
		return core.Wrap(core.CodeConfiguration, "config is nil", nil)
	}
	if cfg.WebhookSecret == "" {
		return core.Wrap(core.CodeConfiguration, "webhook secret is required", nil)
	}
	if cfg.AdminToken == "" {
		return core.Wrap(core.CodeConfiguration, "admin token is required", nil)
	}
	if len(cfg.Waves) == 0 {
		return core.Wrap(core.CodeConfiguration, "at least one wave is required", nil)
	}
	seen := make(map[int64]bool, len(cfg.Waves))
	for _, wave := range cfg.Waves {
		if wave.ID <= 0 || wave.Capacity <= 0 {
			return core.Wrap(core.CodeConfiguration, "wave id and capacity must be positive", nil)
		}
		if seen[wave.ID] {
			return core.Wrap(core.CodeConfiguration, "duplicate wave id", nil)
		}
		seen[wave.ID] = true
	}
	if cfg.SignatureTolerance < 0 {
		return core.Wrap(core.CodeConfiguration, "signature tolerance must not be negative", nil)
	}
	return nil
}

// CoreWaves converts the wave configuration for the seat controller.
func (cfg *Config) CoreWaves() ([]core.Wave, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	waves := make([]core.Wave, 0, len(cfg.Waves))
	for _, wave := range cfg.Waves {
		waves = append(waves, core.Wave{ID: wave.ID, Capacity: wave.Capacity})
	}
	return waves, nil
}

// Package config provides configuration loading.
package config

import (
	"encoding/json"
	"errors"
	"flag"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"waitgate/internal/admission/core"
)

// LoadOptions controls config loading.
type LoadOptions struct {
	ConfigPath string
	Args       []string
	Environ    []string
}

// LoadConfig loads configuration from defaults, file, env, and flags,
// in that order of precedence.
func LoadConfig(opts LoadOptions) (*Config, error) {
	args := opts.Args
	if args == nil {
		args = os.Args[1:]
	}
	environ := opts.Environ
	if environ == nil {
		environ = os.Environ()
	}

	flags, err := parseFlagOverrides(args)
	if err != nil {
		return nil, err
	}

	configPath := opts.ConfigPath
	if flags.ConfigPath != nil {
		configPath = *flags.ConfigPath
	}

	cfg := defaultConfig()
	if configPath != "" {
		fileOverrides, err := loadConfigFile(configPath)
		if err != nil {
			return nil, err
		}
		applyFileOverrides(cfg, fileOverrides)
	}
	if err := applyEnvOverrides(cfg, environ); err != nil {
		return nil, err
	}
	applyFlagOverrides(cfg, flags)
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		HTTPListenAddr:     ":8080",
		SecureCookies:      true,
		MaxBodyBytes:       1 << 20,
		SignatureTolerance: core.DefaultSignatureTolerance,
		AMQPExchange:       "waitgate.alerts",
		Waves:              []WaveConfig{{ID: 1, Capacity: 100}},
		BreakerOptions: core.BreakerOptions{
			FailureThreshold: 5,
			OpenDuration:     250 * time.Millisecond,
			HalfOpenMaxCalls: 3,
		},
		CounterGrace:   time.Minute,
		JanitorEvery:   30 * time.Second,
		RequestTimeout: 2 * time.Second,
		DrainTimeout:   5 * time.Second,
	}
}

type configOverrides struct {
	HTTPListenAddr          *string      `json:"HTTPListenAddr"`
	TrustForwarded          *bool        `json:"TrustForwarded"`
	SecureCookies           *bool        `json:"SecureCookies"`
	MaxBodyBytes            *int64       `json:"MaxBodyBytes"`
	WebhookSecret           *string      `json:"WebhookSecret"`
	SignatureToleranceSecs  *int64       `json:"SignatureToleranceSeconds"`
	AdminToken              *string      `json:"AdminToken"`
	Waves                   []WaveConfig `json:"Waves"`
	RedisAddr               *string      `json:"RedisAddr"`
	RedisPassword           *string      `json:"RedisPassword"`
	PostgresDSN             *string      `json:"PostgresDSN"`
	MigrationPath           *string      `json:"MigrationPath"`
	AMQPURL                 *string      `json:"AMQPURL"`
	AMQPExchange            *string      `json:"AMQPExchange"`
	BreakerFailureThreshold *int64       `json:"BreakerFailureThreshold"`
	BreakerOpenMS           *int64       `json:"BreakerOpenMS"`
	CounterGraceSecs        *int64       `json:"CounterGraceSeconds"`
	DrainTimeoutSecs        *int64       `json:"DrainTimeoutSeconds"`
}

func loadConfigFile(path string) (*configOverrides, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var overrides configOverrides
	if err := json.Unmarshal(data, &overrides); err != nil {
		return nil, err
	}
	return &overrides, nil
}

func applyFileOverrides(cfg *Config, overrides *configOverrides) {
	if cfg == nil || overrides == nil {
		return
	}
	if overrides.HTTPListenAddr != nil {
		cfg.HTTPListenAddr = *overrides.HTTPListenAddr
	}
	if overrides.TrustForwarded != nil {
		cfg.TrustForwarded = *overrides.TrustForwarded
	}
	if overrides.SecureCookies != nil {
		cfg.SecureCookies = *overrides.SecureCookies
	}
	if overrides.MaxBodyBytes != nil {
		cfg.MaxBodyBytes = *overrides.MaxBodyBytes
	}
	if overrides.WebhookSecret != nil {
		cfg.WebhookSecret = *overrides.WebhookSecret
	}
	if overrides.SignatureToleranceSecs != nil {
		cfg.SignatureTolerance = time.Duration(*overrides.SignatureToleranceSecs) * time.Second
	}
	if overrides.AdminToken != nil {
		cfg.AdminToken = *overrides.AdminToken
	}
	if len(overrides.Waves) > 0 {
		cfg.Waves = overrides.Waves
	}
	if overrides.RedisAddr != nil {
		cfg.RedisAddr = *overrides.RedisAddr
	}
	if overrides.RedisPassword != nil {
		cfg.RedisPassword = *overrides.RedisPassword
	}
	if overrides.PostgresDSN != nil {
		cfg.PostgresDSN = *overrides.PostgresDSN
	}
	if overrides.MigrationPath != nil {
		cfg.MigrationPath = *overrides.MigrationPath
	}
	if overrides.AMQPURL != nil {
		cfg.AMQPURL = *overrides.AMQPURL
	}
	if overrides.AMQPExchange != nil {
		cfg.AMQPExchange = *overrides.AMQPExchange
	}
	if overrides.BreakerFailureThreshold != nil {
		cfg.BreakerOptions.FailureThreshold = *overrides.BreakerFailureThreshold
	}
	if overrides.BreakerOpenMS != nil {
		cfg.BreakerOptions.OpenDuration = time.Duration(*overrides.BreakerOpenMS) * time.Millisecond
	}
	if overrides.CounterGraceSecs != nil {
		cfg.CounterGrace = time.Duration(*overrides.CounterGraceSecs) * time.Second
	}
	if overrides.DrainTimeoutSecs != nil {
		cfg.DrainTimeout = time.Duration(*overrides.DrainTimeoutSecs) * time.Second
	}
}

func applyEnvOverrides(cfg *Config, environ []string) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	env := make(map[string]string, len(environ))
	for _, entry := range environ {
		key, value, found := strings.Cut(entry, "=")
		if found {
			env[key] = value
		}
	}

	if value, ok := env["WAITGATE_HTTP_ADDR"]; ok {
		cfg.HTTPListenAddr = value
	}
	if value, ok := env["WAITGATE_TRUST_FORWARDED"]; ok {
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			return errors.New("invalid WAITGATE_TRUST_FORWARDED")
		}
		cfg.TrustForwarded = parsed
	}
	if value, ok := env["WAITGATE_SECURE_COOKIES"]; ok {
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			return errors.New("invalid WAITGATE_SECURE_COOKIES")
		}
		cfg.SecureCookies = parsed
	}
	if value, ok := env["WAITGATE_WEBHOOK_SECRET"]; ok {
		cfg.WebhookSecret = value
	}
	if value, ok := env["WAITGATE_SIGNATURE_TOLERANCE_SECONDS"]; ok {
		parsed, err := strconv.ParseInt(value, 10, 64)
		if err != nil || parsed < 0 {
			return errors.New("invalid WAITGATE_SIGNATURE_TOLERANCE_SECONDS")
		}
		cfg.SignatureTolerance = time.Duration(parsed) * time.Second
	}
	if value, ok := env["WAITGATE_ADMIN_TOKEN"]; ok {
		cfg.AdminToken = value
	}
	if value, ok := env["WAITGATE_WAVES"]; ok {
		waves, err := parseWaves(value)
		if err != nil {
			return err
		}
		cfg.Waves = waves
	}
	if value, ok := env["WAITGATE_REDIS_ADDR"]; ok {
		cfg.RedisAddr = value
	}
	if value, ok := env["WAITGATE_REDIS_PASSWORD"]; ok {
		cfg.RedisPassword = value
	}
	if value, ok := env["WAITGATE_POSTGRES_DSN"]; ok {
		cfg.PostgresDSN = value
	}
	if value, ok := env["WAITGATE_MIGRATION_PATH"]; ok {
		cfg.MigrationPath = value
	}
	if value, ok := env["WAITGATE_AMQP_URL"]; ok {
		cfg.AMQPURL = value
	}
	if value, ok := env["WAITGATE_AMQP_EXCHANGE"]; ok {
		cfg.AMQPExchange = value
	}
	return nil
}

// parseWaves reads "id:capacity" pairs separated by commas,
// e.g. "1:100,2:250".
func parseWaves(value string) ([]WaveConfig, error) {
	parts := strings.Split(value, ",")
	waves := make([]WaveConfig, 0, len(parts))
	for _, part := range parts {
		idRaw, capRaw, found := strings.Cut(strings.TrimSpace(part), ":")
		if !found {
			return nil, errors.New("invalid WAITGATE_WAVES")
		}
		id, err := strconv.ParseInt(idRaw, 10, 64)
		if err != nil || id <= 0 {
			return nil, errors.New("invalid WAITGATE_WAVES")
		}
		capacity, err := strconv.ParseInt(capRaw, 10, 64)
		if err != nil || capacity <= 0 {
			return nil, errors.New("invalid WAITGATE_WAVES")
		}
		waves = append(waves, WaveConfig{ID: id, Capacity: capacity})
	}
	return waves, nil
}

type flagOverrides struct {
	ConfigPath     *string
	HTTPListenAddr *string
	AdminToken     *string
	RedisAddr      *string
	PostgresDSN    *string
	AMQPURL        *string
}

func parseFlagOverrides(args []string) (flagOverrides, error) {
	fs := flag.NewFlagSet("waitgate", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.Usage = func() {}

	configPath := fs.String("config", "", "config file path")
	httpAddr := fs.String("http_addr", "", "http address")
	adminToken := fs.String("admin_token", "", "admin token")
	redisAddr := fs.String("redis_addr", "", "redis address")
	postgresDSN := fs.String("postgres_dsn", "", "postgres dsn")
	amqpURL := fs.String("amqp_url", "", "amqp url")

	if err := fs.Parse(args); err != nil {
		return flagOverrides{}, errors.New("invalid flag values")
	}

	overrides := flagOverrides{}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "config":
			overrides.ConfigPath = configPath
		case "http_addr":
			overrides.HTTPListenAddr = httpAddr
		case "admin_token":
			overrides.AdminToken = adminToken
		case "redis_addr":
			overrides.RedisAddr = redisAddr
		case "postgres_dsn":
			overrides.PostgresDSN = postgresDSN
		case "amqp_url":
			overrides.AMQPURL = amqpURL
		}
	})
	return overrides, nil
}

func applyFlagOverrides(cfg *Config, overrides flagOverrides) {
	if cfg == nil {
		return
	}
	if overrides.HTTPListenAddr != nil {
		cfg.HTTPListenAddr = *overrides.HTTPListenAddr
	}
	if overrides.AdminToken != nil {
		cfg.AdminToken = *overrides.AdminToken
	}
	if overrides.RedisAddr != nil {
		cfg.RedisAddr = *overrides.RedisAddr
	}
	if overrides.PostgresDSN != nil {
		cfg.PostgresDSN = *overrides.PostgresDSN
	}
	if overrides.AMQPURL != nil {
		cfg.AMQPURL = *overrides.AMQPURL
	}
}

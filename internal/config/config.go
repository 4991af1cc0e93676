package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/lukassherman27/Benlsey-Operating-System-sub003/internal/lock"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Reconcile ReconcileConfig `yaml:"reconcile" mapstructure:"reconcile"`
	Sweep     SweepConfig     `yaml:"sweep" mapstructure:"sweep"`
	LockRules []lock.Rule     `yaml:"lock_rules" mapstructure:"lock_rules"`
	Notify    NotifyConfig    `yaml:"notify" mapstructure:"notify"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// ReconcileConfig configures acceptance policy and observation lifetime.
type ReconcileConfig struct {
	HighConfidenceThreshold float64 `yaml:"high_confidence_threshold" mapstructure:"high_confidence_threshold"`
	// RejectBelow auto-rejects observations under this confidence. Zero disables it.
	RejectBelow           float64       `yaml:"reject_below" mapstructure:"reject_below"`
	DefaultObservationTTL time.Duration `yaml:"default_observation_ttl" mapstructure:"default_observation_ttl"`
	// FieldsRequiringHumanReview maps entity kind to fields never applied automatically.
	FieldsRequiringHumanReview map[string][]string `yaml:"fields_requiring_human_review" mapstructure:"fields_requiring_human_review"`
	// FieldThresholds maps entity kind to per-field auto-approve thresholds.
	FieldThresholds map[string]map[string]float64 `yaml:"field_thresholds" mapstructure:"field_thresholds"`
	SchemaPath      string                        `yaml:"schema_path" mapstructure:"schema_path"`
	MaxAttempts     int                           `yaml:"max_attempts" mapstructure:"max_attempts"`
}

// SweepConfig configures the background expiry and reconcile sweep.
type SweepConfig struct {
	IntervalSecs int     `yaml:"interval_secs" mapstructure:"interval_secs"`
	Concurrency  int     `yaml:"concurrency" mapstructure:"concurrency"`
	MaxPerSecond float64 `yaml:"max_per_second" mapstructure:"max_per_second"`
}

// NotifyConfig configures review-surface notifications. Empty URLs disable a sink.
type NotifyConfig struct {
	WebhookURL              string `yaml:"webhook_url" mapstructure:"webhook_url"`
	WebhookFailureThreshold int    `yaml:"webhook_failure_threshold" mapstructure:"webhook_failure_threshold"`
	WebhookResetSecs        int    `yaml:"webhook_reset_secs" mapstructure:"webhook_reset_secs"`
	NATSURL                 string `yaml:"nats_url" mapstructure:"nats_url"`
	NATSSubject             string `yaml:"nats_subject" mapstructure:"nats_subject"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("BOS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "bos.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("reconcile.high_confidence_threshold", 0.9)
	v.SetDefault("reconcile.reject_below", 0.0)
	v.SetDefault("reconcile.default_observation_ttl", "720h")
	v.SetDefault("reconcile.schema_path", "")
	v.SetDefault("reconcile.max_attempts", 4)
	v.SetDefault("sweep.interval_secs", 300)
	v.SetDefault("sweep.concurrency", 4)
	v.SetDefault("sweep.max_per_second", 20.0)
	v.SetDefault("lock_rules", defaultLockRules())
	v.SetDefault("notify.webhook_url", "")
	v.SetDefault("notify.webhook_failure_threshold", 5)
	v.SetDefault("notify.webhook_reset_secs", 30)
	v.SetDefault("notify.nats_url", "")
	v.SetDefault("notify.nats_subject", "bos.observations")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func defaultLockRules() []map[string]any {
	rules := make([]map[string]any, len(lock.DefaultRules))
	for i, r := range lock.DefaultRules {
		rules[i] = map[string]any{
			"kind":       string(r.Kind),
			"field":      r.Field,
			"value":      r.Value,
			"lock_field": r.LockField,
			"reason":     r.Reason,
		}
	}
	return rules
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []string

	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Sprintf("store.driver must be sqlite or postgres, got %q", c.Store.Driver))
	}
	if c.Store.DatabaseURL == "" {
		errs = append(errs, "store.database_url is required")
	}

	r := c.Reconcile
	if r.HighConfidenceThreshold <= 0 || r.HighConfidenceThreshold > 1 {
		errs = append(errs, fmt.Sprintf("reconcile.high_confidence_threshold must be in (0, 1], got %v", r.HighConfidenceThreshold))
	}
	if r.RejectBelow < 0 || r.RejectBelow >= r.HighConfidenceThreshold {
		errs = append(errs, fmt.Sprintf("reconcile.reject_below must be >= 0 and below the threshold, got %v", r.RejectBelow))
	}
	for kind, fields := range r.FieldThresholds {
		for field, t := range fields {
			if t <= 0 || t > 1 {
				errs = append(errs, fmt.Sprintf("reconcile.field_thresholds.%s.%s must be in (0, 1], got %v", kind, field, t))
			}
		}
	}
	if r.DefaultObservationTTL < 0 {
		errs = append(errs, "reconcile.default_observation_ttl must not be negative")
	}

	if c.Sweep.IntervalSecs <= 0 {
		errs = append(errs, "sweep.interval_secs must be > 0")
	}
	if c.Sweep.Concurrency < 1 || c.Sweep.Concurrency > 64 {
		errs = append(errs, "sweep.concurrency must be between 1 and 64")
	}
	if c.Server.Port <= 0 {
		errs = append(errs, "server.port must be > 0")
	}

	if len(errs) > 0 {
		return eris.New("config: " + strings.Join(errs, "; "))
	}
	return nil
}

// SweepInterval returns the sweep period.
func (s SweepConfig) SweepInterval() time.Duration {
	return time.Duration(s.IntervalSecs) * time.Second
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}

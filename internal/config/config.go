package config

import (
	"fmt"
	"os"
	"reflect"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/dunamismax/sharpscale/internal/logging"
	"github.com/dunamismax/sharpscale/internal/sharpen"
	"github.com/go-playground/validator/v10"
	"github.com/hibiken/asynq"
	"github.com/spf13/viper"
)

const (
	EnvPrefix     = "SHARPSCALE"
	EnvConfigFile = "SHARPSCALE_CONFIG"
)

type Config struct {
	API       APIConfig       `mapstructure:"api"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Webhook   WebhookConfig   `mapstructure:"webhook"`
	Logging   logging.Config  `mapstructure:"logging"`
	Enhance   EnhanceConfig   `mapstructure:"enhance"`
}

type APIConfig struct {
	Addr           string        `mapstructure:"addr" default:":8080" validate:"required"`
	PresignTTL     time.Duration `mapstructure:"presign_ttl" default:"15m"`
	MaxUploadBytes int64         `mapstructure:"max_upload_bytes" default:"33554432" validate:"gt=0"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout" default:"30s"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout" default:"2m"`
}

type QueueConfig struct {
	RedisAddr     string `mapstructure:"redis_addr" default:"localhost:6379" validate:"required"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	Name          string `mapstructure:"name" default:"default" validate:"required"`
}

func (q QueueConfig) RedisClientOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     q.RedisAddr,
		Password: q.RedisPassword,
		DB:       q.RedisDB,
	}
}

type WorkerConfig struct {
	// Concurrency and MaxActiveJobs default from the CPU count when unset.
	Concurrency    int    `mapstructure:"concurrency" validate:"gte=0"`
	MaxActiveJobs  int    `mapstructure:"max_active_jobs" validate:"gte=0"`
	LocalOutputDir string `mapstructure:"local_output_dir" default:"./.sharpscale-output"`
	OutputPrefix   string `mapstructure:"output_prefix" default:"outputs"`
	MetricsAddr    string `mapstructure:"metrics_addr" default:":9091"`
}

const (
	StorageProviderMinio = "minio"
	StorageProviderOSS   = "oss"
)

type StorageConfig struct {
	Provider  string `mapstructure:"provider" default:"minio" validate:"oneof=minio oss"`
	Endpoint  string `mapstructure:"endpoint" default:"localhost:9000" validate:"required"`
	AccessKey string `mapstructure:"access_key" default:"minioadmin"`
	SecretKey string `mapstructure:"secret_key" default:"minioadmin"`
	Bucket    string `mapstructure:"bucket" default:"sharpscale-jobs" validate:"required"`
	Region    string `mapstructure:"region" default:"us-east-1"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

type DatabaseConfig struct {
	// DSN selects the Postgres store. Empty keeps jobs in memory.
	DSN string `mapstructure:"dsn"`
}

type TelemetryConfig struct {
	ServiceName  string `mapstructure:"service_name" default:"sharpscale"`
	Exporter     string `mapstructure:"exporter" default:"none" validate:"oneof=none stdout otlp"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	OTLPInsecure bool   `mapstructure:"otlp_insecure"`
}

type RateLimitConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Capacity     int           `mapstructure:"capacity" default:"60" validate:"gt=0"`
	Window       time.Duration `mapstructure:"window" default:"1m"`
	UserIDHeader string        `mapstructure:"user_id_header" default:"X-User-ID"`
	KeyPrefix    string        `mapstructure:"key_prefix" default:"sharpscale:ratelimit"`
}

type WebhookConfig struct {
	SigningSecret  string        `mapstructure:"signing_secret"`
	Timeout        time.Duration `mapstructure:"timeout" default:"10s"`
	MaxAttempts    int           `mapstructure:"max_attempts" default:"3" validate:"gte=1"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff" default:"1s"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff" default:"10s"`
}

type EnhanceConfig struct {
	Filter    string `mapstructure:"filter" default:"catmull-rom"`
	MaxPixels int    `mapstructure:"max_pixels" default:"268435456" validate:"gt=0"`
	// Quality maps lossy formats to a default quality in (0, 1].
	Quality map[string]float64 `mapstructure:"quality" default:"{\"jpeg\": 0.95, \"webp\": 0.95}"`
	// SharpenMultipliers maps an upscale factor to a sharpen intensity multiplier.
	SharpenMultipliers map[string]float64 `mapstructure:"sharpen_multipliers" default:"{\"4\": 2.5}"`
	Workers            int                `mapstructure:"workers" validate:"gte=0"`
	DeliveryDelay      time.Duration      `mapstructure:"delivery_delay" default:"500ms"`
}

// SharpenPolicy converts the configured multipliers into a sharpen.Policy.
func (e EnhanceConfig) SharpenPolicy() (sharpen.Policy, error) {
	multipliers := make(map[int]float64, len(e.SharpenMultipliers))
	for key, m := range e.SharpenMultipliers {
		factor, err := strconv.Atoi(strings.TrimSpace(key))
		if err != nil || factor < 1 {
			return sharpen.Policy{}, fmt.Errorf("sharpen multiplier key %q is not a positive factor", key)
		}
		if m <= 0 {
			return sharpen.Policy{}, fmt.Errorf("sharpen multiplier for factor %d must be positive", factor)
		}
		multipliers[factor] = m
	}
	return sharpen.Policy{Multipliers: multipliers}, nil
}

// aliases keeps the plain variable names used by local docker setups working
// next to the prefixed ones.
var aliases = map[string][]string{
	"queue.redis_addr":     {"REDIS_ADDR"},
	"queue.redis_password": {"REDIS_PASSWORD"},
	"queue.redis_db":       {"REDIS_DB"},
	"storage.endpoint":     {"MINIO_ENDPOINT"},
	"storage.access_key":   {"MINIO_ACCESS_KEY"},
	"storage.secret_key":   {"MINIO_SECRET_KEY"},
	"storage.bucket":       {"MINIO_BUCKET"},
	"storage.region":       {"MINIO_REGION"},
	"storage.use_ssl":      {"MINIO_USE_SSL"},
	"database.dsn":         {"POSTGRES_DSN"},
}

// Load reads configuration from the file named by SHARPSCALE_CONFIG, if any,
// and from SHARPSCALE_* environment variables.
func Load() (Config, error) {
	return LoadFile(os.Getenv(EnvConfigFile))
}

func LoadFile(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	bindEnv(v, reflect.TypeOf(Config{}), "")

	if strings.TrimSpace(path) != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := defaults.Set(&cfg); err != nil {
		return Config{}, fmt.Errorf("set defaults: %w", err)
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := defaults.Set(&cfg); err != nil {
		return Config{}, fmt.Errorf("set defaults after unmarshal: %w", err)
	}
	cfg.applyRuntimeDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := c.Enhance.SharpenPolicy(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	for format, q := range c.Enhance.Quality {
		if q <= 0 || q > 1 {
			return fmt.Errorf("invalid config: enhance.quality.%s must be in (0, 1]", format)
		}
	}
	return nil
}

func (c *Config) applyRuntimeDefaults() {
	if c.Worker.Concurrency == 0 {
		c.Worker.Concurrency = max(2, runtime.NumCPU())
	}
	if c.Worker.MaxActiveJobs == 0 {
		c.Worker.MaxActiveJobs = max(1, runtime.NumCPU()/2)
	}
}

// bindEnv registers every scalar leaf of t so viper.Unmarshal sees values
// that only exist in the environment.
func bindEnv(v *viper.Viper, t reflect.Type, prefix string) {
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		name := field.Tag.Get("mapstructure")
		if name == "" || name == "-" {
			continue
		}
		key := name
		if prefix != "" {
			key = prefix + "." + name
		}

		switch field.Type.Kind() {
		case reflect.Struct:
			bindEnv(v, field.Type, key)
		case reflect.Map, reflect.Slice:
		default:
			envs := []string{EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))}
			envs = append(envs, aliases[key]...)
			_ = v.BindEnv(append([]string{key}, envs...)...)
		}
	}
}

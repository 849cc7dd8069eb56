package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ehr/telehealth/internal/platform/videotoken"
)

type Config struct {
	Port           string        `mapstructure:"PORT"`
	Env            string        `mapstructure:"ENV"`
	LogLevel       string        `mapstructure:"LOG_LEVEL"`
	DatabaseURL    string        `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32         `mapstructure:"DB_MIN_CONNS"`
	DefaultClinic  string        `mapstructure:"DEFAULT_CLINIC"`
	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	AuthIssuer     string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string        `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string        `mapstructure:"AUTH_SIGNING_KEY"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`
	BodyLimit      string        `mapstructure:"BODY_LIMIT"`

	// Video room credentials
	VideoJWTSecret        string        `mapstructure:"VIDEO_JWT_SECRET"`
	VideoJWTIssuer        string        `mapstructure:"VIDEO_JWT_ISSUER"`
	VideoJWTAudience      string        `mapstructure:"VIDEO_JWT_AUDIENCE"`
	VideoTokenTTL         time.Duration `mapstructure:"VIDEO_TOKEN_TTL"`
	VideoCreateMaxRetries int           `mapstructure:"VIDEO_CREATE_MAX_RETRIES"`

	// Session event fan-out sinks; each is optional.
	RedisURL        string `mapstructure:"REDIS_URL"`
	RedisChannel    string `mapstructure:"REDIS_CHANNEL"`
	AMQPURL         string `mapstructure:"AMQP_URL"`
	AMQPExchange    string `mapstructure:"AMQP_EXCHANGE"`
	EventBufferSize int    `mapstructure:"EVENT_BUFFER_SIZE"`
}

var boundKeys = []string{
	"PORT", "ENV", "LOG_LEVEL", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"DEFAULT_CLINIC", "CORS_ORIGINS",
	"AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY",
	"REQUEST_TIMEOUT", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "BODY_LIMIT",
	"VIDEO_JWT_SECRET", "VIDEO_JWT_ISSUER", "VIDEO_JWT_AUDIENCE",
	"VIDEO_TOKEN_TTL", "VIDEO_CREATE_MAX_RETRIES",
	"REDIS_URL", "REDIS_CHANNEL", "AMQP_URL", "AMQP_EXCHANGE", "EVENT_BUFFER_SIZE",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("DEFAULT_CLINIC", "default")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("REQUEST_TIMEOUT", "15s")
	v.SetDefault("RATE_LIMIT_RPS", 20)
	v.SetDefault("RATE_LIMIT_BURST", 40)
	v.SetDefault("BODY_LIMIT", "64K")
	v.SetDefault("VIDEO_JWT_ISSUER", videotoken.DefaultIssuer)
	v.SetDefault("VIDEO_JWT_AUDIENCE", videotoken.DefaultAudience)
	v.SetDefault("VIDEO_TOKEN_TTL", videotoken.DefaultTTL.String())
	v.SetDefault("VIDEO_CREATE_MAX_RETRIES", 3)
	v.SetDefault("REDIS_CHANNEL", "telehealth.video-session-events")
	v.SetDefault("AMQP_EXCHANGE", "telehealth.video-session-events")
	v.SetDefault("EVENT_BUFFER_SIZE", 256)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range boundKeys {
		_ = v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: ============================================================")
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: Callers are identified by the X-User-ID header, unsigned.")
		log.Println("WARNING: Do NOT use this configuration in production.")
		log.Println("WARNING: ============================================================")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// TokenConfig returns the settings the video token issuer is built from.
func (c *Config) TokenConfig() videotoken.Config {
	return videotoken.Config{
		Secret:   c.VideoJWTSecret,
		Issuer:   c.VideoJWTIssuer,
		Audience: c.VideoJWTAudience,
		TTL:      c.VideoTokenTTL,
	}
}

// Validate checks that the configuration is safe to run. The video signing
// secret is checked in every environment, including development: a server that
// would mint room tokens with a guessable key refuses to start.
func (c *Config) Validate() error {
	if err := videotoken.CheckSecret(c.VideoJWTSecret); err != nil {
		return fmt.Errorf("VIDEO_JWT_SECRET: %w", err)
	}
	if c.VideoTokenTTL < 0 {
		return fmt.Errorf("VIDEO_TOKEN_TTL must not be negative, got %s", c.VideoTokenTTL)
	}
	if c.VideoCreateMaxRetries < 1 {
		return fmt.Errorf("VIDEO_CREATE_MAX_RETRIES must be at least 1, got %d", c.VideoCreateMaxRetries)
	}

	if !c.IsDev() {
		if c.AuthSigningKey == "" {
			return fmt.Errorf(
				"AUTH_SIGNING_KEY must be set when ENV=%q. "+
					"Refusing to start without caller authentication", c.Env)
		}
		if c.AuthSigningKey == c.VideoJWTSecret {
			return fmt.Errorf("AUTH_SIGNING_KEY must differ from VIDEO_JWT_SECRET")
		}
	}

	if c.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must be positive, got %s", c.RequestTimeout)
	}
	if c.EventBufferSize < 1 {
		return fmt.Errorf("EVENT_BUFFER_SIZE must be at least 1, got %d", c.EventBufferSize)
	}

	return nil
}

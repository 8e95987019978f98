package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type RelayConfig struct {
	// Backend is "redis" or "memory".
	Backend string      `mapstructure:"backend"`
	Redis   RedisConfig `mapstructure:"redis"`
}

type ICEConfig struct {
	Servers []string `mapstructure:"servers"`
}

type SignalConfig struct {
	SendAttempts int           `mapstructure:"send_attempts"`
	SendBackoff  time.Duration `mapstructure:"send_backoff"`
	QueueSize    int           `mapstructure:"queue_size"`
}

type WSConfig struct {
	PingPeriod   time.Duration `mapstructure:"ping_period"`
	ReadLimit    int64         `mapstructure:"read_limit"`
	RateLimit    int           `mapstructure:"rate_limit"`
	RateInterval time.Duration `mapstructure:"rate_interval"`
}

// ParticipantConfig is used by the headless participant only.
type ParticipantConfig struct {
	Session string `mapstructure:"session"`
	ID      string `mapstructure:"id"`
	Name    string `mapstructure:"name"`
	Role    string `mapstructure:"role"`
	Media   string `mapstructure:"media"`
}

type Config struct {
	Mode           string            `mapstructure:"mode"`
	Port           int               `mapstructure:"port"`
	StaticPath     string            `mapstructure:"static_path"`
	Secret         string            `mapstructure:"secret"`
	JWTSecret      string            `mapstructure:"jwt_secret"`
	LogLevel       string            `mapstructure:"log_level"`
	AllowedOrigins []string          `mapstructure:"allowed_origins"`
	Relay          RelayConfig       `mapstructure:"relay"`
	ICE            ICEConfig         `mapstructure:"ice"`
	Signal         SignalConfig      `mapstructure:"signal"`
	WS             WSConfig          `mapstructure:"ws"`
	Participant    ParticipantConfig `mapstructure:"participant"`
}

func Load() (*Config, error) {
	return LoadWithFlags(nil)
}

// LoadWithFlags reads config/config.<CONFIG_ENV>.yaml, then CLASSROOM_*
// environment variables (a .env file is honored), then flags, each
// overriding the previous.
func LoadWithFlags(flags *pflag.FlagSet) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Warn().Err(err).Str("module", "config").Msg("failed to read .env")
	}

	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("CLASSROOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("bind flags: %w", err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log.Info().
		Str("module", "config").
		Str("mode", cfg.Mode).
		Int("port", cfg.Port).
		Str("relay", cfg.Relay.Backend).
		Msg("config ready")
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("secret", "classroom-cookie-secret")
	v.SetDefault("jwt_secret", "classroom-jwt-secret")
	v.SetDefault("log_level", "info")
	v.SetDefault("allowed_origins", []string{})

	v.SetDefault("relay.backend", "memory")
	v.SetDefault("relay.redis.addr", "localhost:6379")
	v.SetDefault("relay.redis.password", "")
	v.SetDefault("relay.redis.db", 0)

	v.SetDefault("ice.servers", []string{
		"stun:stun.l.google.com:19302",
		"stun:stun1.l.google.com:19302",
	})

	v.SetDefault("signal.send_attempts", 3)
	v.SetDefault("signal.send_backoff", "200ms")
	v.SetDefault("signal.queue_size", 64)

	v.SetDefault("ws.ping_period", "54s")
	v.SetDefault("ws.read_limit", 65536)
	v.SetDefault("ws.rate_limit", 50)
	v.SetDefault("ws.rate_interval", "1s")

	v.SetDefault("participant.session", "")
	v.SetDefault("participant.id", "")
	v.SetDefault("participant.name", "")
	v.SetDefault("participant.role", "viewer")
	v.SetDefault("participant.media", "synthetic")
}

func (c *Config) validate() error {
	switch c.Relay.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown relay backend %q", c.Relay.Backend)
	}
	if c.Signal.SendAttempts < 1 {
		return fmt.Errorf("signal.send_attempts must be at least 1, got %d", c.Signal.SendAttempts)
	}
	if c.WS.PingPeriod <= 0 {
		return fmt.Errorf("ws.ping_period must be positive")
	}
	return nil
}

// Level is the configured log level, info when unparsable.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

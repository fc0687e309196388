package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/dkeye/Lobby/internal/app/ratelimit"
)

type Config struct {
	Mode           string        `mapstructure:"mode"`
	Port           int           `mapstructure:"port"`
	LogLevel       string        `mapstructure:"log_level"`
	StaticPath     string        `mapstructure:"static_path"`
	ReadLimit      int64         `mapstructure:"read_limit"`
	PingPeriod     time.Duration `mapstructure:"ping_period"`
	SendQueue      int           `mapstructure:"send_queue"`
	MaxConnections int           `mapstructure:"max_connections"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`

	Auth        AuthConfig        `mapstructure:"auth"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Interaction InteractionConfig `mapstructure:"interaction"`
	RateLimit   RateLimitConfig   `mapstructure:"ratelimit"`
}

// AuthConfig verifies HS256 identity tokens. An empty secret turns every
// connection into a guest.
type AuthConfig struct {
	Secret   string        `mapstructure:"secret"`
	Issuer   string        `mapstructure:"issuer"`
	Audience string        `mapstructure:"audience"`
	Leeway   time.Duration `mapstructure:"leeway"`
}

type StorageConfig struct {
	Path          string        `mapstructure:"path"`
	Timeout       time.Duration `mapstructure:"timeout"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

type InteractionConfig struct {
	RequestTTL         time.Duration `mapstructure:"request_ttl"`
	NegotiationTimeout time.Duration `mapstructure:"negotiation_timeout"`
}

type RateLimitConfig struct {
	SweepInterval time.Duration       `mapstructure:"sweep_interval"`
	Retention     time.Duration       `mapstructure:"retention"`
	Rules         map[string]RuleSpec `mapstructure:"rules"`
}

// LimiterRules converts the configured overrides for ratelimit.New.
func (c RateLimitConfig) LimiterRules() map[string]ratelimit.Rule {
	rules := make(map[string]ratelimit.Rule, len(c.Rules))
	for event, r := range c.Rules {
		rules[event] = ratelimit.Rule{Max: r.Max, Window: r.Window, Message: r.Message}
	}
	return rules
}

// RuleSpec overrides the built-in ceiling for one event.
type RuleSpec struct {
	Max     int           `mapstructure:"max"`
	Window  time.Duration `mapstructure:"window"`
	Message string        `mapstructure:"message"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("log_level", "info")
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("send_queue", 64)
	v.SetDefault("max_connections", 20)
	v.SetDefault("allowed_origins", []string{})

	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.issuer", "")
	v.SetDefault("auth.audience", "")
	v.SetDefault("auth.leeway", "30s")

	v.SetDefault("storage.path", "./data/lobby.db")
	v.SetDefault("storage.timeout", "5s")
	v.SetDefault("storage.flush_interval", "1s")

	v.SetDefault("interaction.request_ttl", "30s")
	v.SetDefault("interaction.negotiation_timeout", "20s")

	v.SetDefault("ratelimit.sweep_interval", "5m")
	v.SetDefault("ratelimit.retention", "5m")
}

// Load reads config/config.<CONFIG_ENV>.yaml (dev by default).
func Load() (*Config, error) {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFrom(fmt.Sprintf("config/config.%s.yaml", env))
}

// LoadFrom reads fileName if it exists, then applies LOBBY_* overrides,
// e.g. LOBBY_AUTH_SECRET for auth.secret.
func LoadFrom(fileName string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)
	v.SetEnvPrefix("LOBBY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("⚠️ Config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Printf("✅ Loaded config: %s\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	fmt.Printf("🧩 Mode: %s | Port: %d | Max players: %d | Store: %s\n", cfg.Mode, cfg.Port, cfg.MaxConnections, cfg.Storage.Path)
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.MaxConnections <= 0 {
		errs = append(errs, errors.New("max_connections must be positive"))
	}
	if c.SendQueue <= 0 {
		errs = append(errs, errors.New("send_queue must be positive"))
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		errs = append(errs, errors.New("storage.path is required"))
	}
	if c.Interaction.RequestTTL <= 0 {
		errs = append(errs, errors.New("interaction.request_ttl must be positive"))
	}
	for name, rule := range c.RateLimit.Rules {
		if rule.Max <= 0 || rule.Window <= 0 {
			errs = append(errs, fmt.Errorf("ratelimit.rules.%s needs positive max and window", name))
		}
	}
	if c.RateLimit.SweepInterval <= 0 {
		errs = append(errs, errors.New("ratelimit.sweep_interval must be positive"))
	}
	if longest := ratelimit.LongestWindow(c.RateLimit.LimiterRules()); c.RateLimit.Retention < longest {
		errs = append(errs, fmt.Errorf("ratelimit.retention %s is shorter than the longest window %s", c.RateLimit.Retention, longest))
	}
	return errors.Join(errs...)
}

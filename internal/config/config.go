package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Token       TokenConfig       `mapstructure:"token"`
	Permissions PermissionsConfig `mapstructure:"permissions"`
	Audit       AuditConfig       `mapstructure:"audit"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type LoggingConfig struct {
	Format string `mapstructure:"format"`
	Level  string `mapstructure:"level"`
}

// TokenConfig holds the key material and default claims of the token codec.
// Keys are base64-encoded PEM. An empty key disables the operations that
// need it.
type TokenConfig struct {
	SigningPrivateKey    string        `mapstructure:"signing_private_key"`
	SigningPublicKey     string        `mapstructure:"signing_public_key"`
	EncryptionPrivateKey string        `mapstructure:"encryption_private_key"`
	EncryptionPublicKey  string        `mapstructure:"encryption_public_key"`
	Issuer               string        `mapstructure:"issuer"`
	Audience             string        `mapstructure:"audience"`
	Expiration           time.Duration `mapstructure:"expiration"`
}

type PermissionsConfig struct {
	RoutesFile    string `mapstructure:"routes_file"`
	KeyMatch      string `mapstructure:"key_match"`
	ExposeMissing bool   `mapstructure:"expose_missing"`
}

type AuditConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	BufferSize      int  `mapstructure:"buffer_size"`
	FlushIntervalMs int  `mapstructure:"flush_interval_ms"`
	RetentionDays   int  `mapstructure:"retention_days"`
}

type DatabaseConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	PoolSize int    `mapstructure:"pool_size"`
}

// ConnString returns the PostgreSQL connection string.
func (d DatabaseConfig) ConnString() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		d.User, d.Password, d.Host, d.Port, d.Name)
}

// EnvPrefix prefixes every environment override, e.g.
// PERMGATE_TOKEN_SIGNING_PRIVATE_KEY.
const EnvPrefix = "PERMGATE"

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.level", "info")
	v.SetDefault("database.enabled", false)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "")
	v.SetDefault("database.password", "")
	v.SetDefault("database.name", "marketplace")
	v.SetDefault("database.pool_size", 10)
	v.SetDefault("token.signing_private_key", "")
	v.SetDefault("token.signing_public_key", "")
	v.SetDefault("token.encryption_private_key", "")
	v.SetDefault("token.encryption_public_key", "")
	v.SetDefault("token.issuer", "permgate")
	v.SetDefault("token.audience", "marketplace")
	v.SetDefault("token.expiration", "1h")
	v.SetDefault("permissions.routes_file", "routes.yaml")
	v.SetDefault("permissions.key_match", "regex")
	v.SetDefault("permissions.expose_missing", false)
	v.SetDefault("audit.enabled", true)
	v.SetDefault("audit.buffer_size", 500)
	v.SetDefault("audit.flush_interval_ms", 1000)
	v.SetDefault("audit.retention_days", 30)
}

// Load reads permgate.yaml (optional) from the working directory or from
// configFile when given, then applies PERMGATE_* environment overrides.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("permgate")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.Token.Expiration <= 0 {
		return nil, fmt.Errorf("token.expiration must be positive, got %s", cfg.Token.Expiration)
	}
	if cfg.Audit.FlushIntervalMs <= 0 {
		return nil, fmt.Errorf("audit.flush_interval_ms must be positive, got %d", cfg.Audit.FlushIntervalMs)
	}

	return &cfg, nil
}

package config

import (
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Log         LogConfig         `mapstructure:"log"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Vault       VaultConfig       `mapstructure:"vault"`
	Monitor     MonitorConfig     `mapstructure:"monitor"`
	Broadcaster BroadcasterConfig `mapstructure:"broadcaster"`
	Keyring     KeyringConfig     `mapstructure:"keyring"`
	RateLimit   RateLimitConfig   `mapstructure:"rate_limit"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
}

type ServerConfig struct {
	Port string `mapstructure:"port"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json | text
}

type AuthConfig struct {
	RequireAPIKey bool             `mapstructure:"require_api_key"`
	AdminKey      string           `mapstructure:"admin_key"`
	Operators     []OperatorConfig `mapstructure:"operators"`
}

// OperatorConfig binds an API key to the vault actor it authenticates.
type OperatorConfig struct {
	APIKey       string `mapstructure:"api_key"`
	ActorID      string `mapstructure:"actor_id"`
	Role         string `mapstructure:"role"`
	Jurisdiction string `mapstructure:"jurisdiction"`
}

type DatabaseConfig struct {
	DSN                    string `mapstructure:"dsn"` // empty = in-memory store
	MaxOpenConns           int    `mapstructure:"max_open_conns"`
	AuditRetentionDays     int    `mapstructure:"audit_retention_days"`
	CleanupIntervalMinutes int    `mapstructure:"cleanup_interval_minutes"`
}

type RedisConfig struct {
	Addr                  string `mapstructure:"addr"`
	Password              string `mapstructure:"password"`
	DB                    int    `mapstructure:"db"`
	IdempotencyTTLSeconds int    `mapstructure:"idempotency_ttl_seconds"`
	AuditListKey          string `mapstructure:"audit_list_key"`
	AuditListMax          int    `mapstructure:"audit_list_max"`
}

type VaultConfig struct {
	RequestTTL         time.Duration `mapstructure:"request_ttl"`
	HighRiskThreshold  float64       `mapstructure:"high_risk_threshold"`
	BusinessHoursStart int           `mapstructure:"business_hours_start"`
	BusinessHoursEnd   int           `mapstructure:"business_hours_end"`
	FrequencyWindow    time.Duration `mapstructure:"frequency_window"`
	FrequencyLimit     int           `mapstructure:"frequency_limit"`
	NextAuditDays      int           `mapstructure:"next_audit_days"`
	VerifySignatures   bool          `mapstructure:"verify_signatures"`
	DefaultAuditorID   string        `mapstructure:"default_auditor_id"`
	AuditLogDir        string        `mapstructure:"audit_log_dir"`
}

type MonitorConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	HealthInterval     time.Duration `mapstructure:"health_interval"`
	RiskInterval       time.Duration `mapstructure:"risk_interval"`
	ComplianceInterval time.Duration `mapstructure:"compliance_interval"`
	AuditInterval      time.Duration `mapstructure:"audit_interval"`
	TimeoutInterval    time.Duration `mapstructure:"timeout_interval"`
}

type BroadcasterConfig struct {
	URL       string `mapstructure:"url"` // empty = in-memory broadcaster
	TimeoutMs int    `mapstructure:"timeout_ms"`
}

type KeyringConfig struct {
	// Keys maps signer id to a hex secp256k1 private key for the local key ring.
	Keys map[string]string `mapstructure:"keys"`
}

type RateLimitConfig struct {
	QPS   float64 `mapstructure:"qps"`
	Burst int     `mapstructure:"burst"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./configs")

	// Environment variables support
	// e.g. POLYVAULT_DATABASE_DSN
	viper.SetEnvPrefix("polyvault")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults(viper.GetViper())

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Println("No config file found, using defaults and env vars")
		} else {
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("auth.require_api_key", false)
	v.SetDefault("auth.admin_key", "")
	v.SetDefault("database.max_open_conns", 50)
	v.SetDefault("database.audit_retention_days", 365)
	v.SetDefault("database.cleanup_interval_minutes", 60)
	v.SetDefault("redis.idempotency_ttl_seconds", 86400)
	v.SetDefault("redis.audit_list_key", "polyvault:audit")
	v.SetDefault("redis.audit_list_max", 10000)

	v.SetDefault("vault.request_ttl", 24*time.Hour)
	v.SetDefault("vault.high_risk_threshold", 0.7)
	v.SetDefault("vault.business_hours_start", 9)
	v.SetDefault("vault.business_hours_end", 17)
	v.SetDefault("vault.frequency_window", time.Hour)
	v.SetDefault("vault.frequency_limit", 2)
	v.SetDefault("vault.next_audit_days", 90)
	v.SetDefault("vault.verify_signatures", false)
	v.SetDefault("vault.default_auditor_id", "polyvault-auditor")
	v.SetDefault("vault.audit_log_dir", "logs")

	v.SetDefault("monitor.enabled", true)
	v.SetDefault("monitor.health_interval", time.Minute)
	v.SetDefault("monitor.risk_interval", 5*time.Minute)
	v.SetDefault("monitor.compliance_interval", time.Hour)
	v.SetDefault("monitor.audit_interval", 6*time.Hour)
	v.SetDefault("monitor.timeout_interval", 30*time.Second)

	v.SetDefault("broadcaster.timeout_ms", 10000)
	v.SetDefault("rate_limit.qps", 20)
	v.SetDefault("rate_limit.burst", 40)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
}

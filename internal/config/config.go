/**
 * @description
 * This package handles the configuration management for the custody-service. It
 * uses Viper to read settings from environment variables and an optional .env file.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/spf13/viper"
	"github.com/transfa/custody-service/internal/custody"
)

const (
	StorageDriverPostgres = "postgres"
	StorageDriverMemory   = "memory"
)

// Config holds all the configuration variables for the custody-service.
type Config struct {
	ServerPort    string `mapstructure:"SERVER_PORT"`
	StorageDriver string `mapstructure:"STORAGE_DRIVER"`
	DatabaseURL   string `mapstructure:"DATABASE_URL"`

	WalletID         string   `mapstructure:"WALLET_ID"`
	CustodyApprovers string   `mapstructure:"CUSTODY_APPROVERS"`
	Quorum           int      `mapstructure:"CUSTODY_QUORUM"`
	Approvers        []string `mapstructure:"-"`

	RabbitMQURL          string `mapstructure:"RABBITMQ_URL"`
	EventExchange        string `mapstructure:"CUSTODY_EVENT_EXCHANGE"`
	DepositExchange      string `mapstructure:"CUSTODY_DEPOSIT_EXCHANGE"`
	DepositQueue         string `mapstructure:"CUSTODY_DEPOSIT_QUEUE"`
	RedisURL             string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	ApprovalRatePerMin   int    `mapstructure:"APPROVAL_RATE_LIMIT_PER_MINUTE"`

	JWKSURL       string `mapstructure:"JWKS_URL"`
	JWTAudience   string `mapstructure:"JWT_AUDIENCE"`
	JWTIssuer     string `mapstructure:"JWT_ISSUER"`
	JWTHMACSecret string `mapstructure:"JWT_HMAC_SECRET"`

	LedgerAuditSchedule  string `mapstructure:"LEDGER_AUDIT_SCHEDULE"`
	OutboxPurgeSchedule  string `mapstructure:"OUTBOX_PURGE_SCHEDULE"`
	OutboxRetentionHours int    `mapstructure:"OUTBOX_RETENTION_HOURS"`

	CORSAllowedOrigins string `mapstructure:"CORS_ALLOWED_ORIGINS"`
}

// LoadConfig reads configuration from environment variables and an optional
// .env file in path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("STORAGE_DRIVER", StorageDriverPostgres)
	viper.SetDefault("WALLET_ID", "primary")
	viper.SetDefault("CUSTODY_EVENT_EXCHANGE", "custody.events")
	viper.SetDefault("CUSTODY_DEPOSIT_EXCHANGE", "transfa.events")
	viper.SetDefault("CUSTODY_DEPOSIT_QUEUE", "custody_service.deposits")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "transfa:custody:rate_limit")
	viper.SetDefault("APPROVAL_RATE_LIMIT_PER_MINUTE", 60)
	viper.SetDefault("LEDGER_AUDIT_SCHEDULE", "@every 5m")
	viper.SetDefault("OUTBOX_PURGE_SCHEDULE", "@daily")
	viper.SetDefault("OUTBOX_RETENTION_HOURS", 168)

	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("STORAGE_DRIVER")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("WALLET_ID", "WALLET_ID", "CUSTODY_WALLET_ID")
	_ = viper.BindEnv("CUSTODY_APPROVERS")
	_ = viper.BindEnv("CUSTODY_QUORUM")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("CUSTODY_EVENT_EXCHANGE")
	_ = viper.BindEnv("CUSTODY_DEPOSIT_EXCHANGE")
	_ = viper.BindEnv("CUSTODY_DEPOSIT_QUEUE")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "CUSTODY_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("APPROVAL_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("JWKS_URL", "JWKS_URL", "CLERK_JWKS_URL")
	_ = viper.BindEnv("JWT_AUDIENCE")
	_ = viper.BindEnv("JWT_ISSUER")
	_ = viper.BindEnv("JWT_HMAC_SECRET")
	_ = viper.BindEnv("LEDGER_AUDIT_SCHEDULE")
	_ = viper.BindEnv("OUTBOX_PURGE_SCHEDULE")
	_ = viper.BindEnv("OUTBOX_RETENTION_HOURS")
	_ = viper.BindEnv("CORS_ALLOWED_ORIGINS")

	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}

	config.StorageDriver = strings.ToLower(strings.TrimSpace(config.StorageDriver))
	switch config.StorageDriver {
	case StorageDriverPostgres, StorageDriverMemory:
	default:
		return config, fmt.Errorf("unsupported STORAGE_DRIVER %q", config.StorageDriver)
	}

	config.WalletID = strings.TrimSpace(config.WalletID)
	config.Approvers = splitList(config.CustodyApprovers)
	if config.Quorum == 0 && len(config.Approvers) > 0 {
		config.Quorum = len(config.Approvers)/2 + 1
	}

	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "transfa:custody:rate_limit"
	}
	if config.OutboxRetentionHours <= 0 {
		config.OutboxRetentionHours = 168
	}
	return config, nil
}

// Policy builds the approver policy from CUSTODY_APPROVERS and CUSTODY_QUORUM.
func (c Config) Policy() (*custody.Policy, error) {
	return custody.NewPolicy(c.Approvers, c.Quorum)
}

// AllowedOrigins returns the CORS origins, defaulting to any origin.
func (c Config) AllowedOrigins() []string {
	origins := splitList(c.CORSAllowedOrigins)
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}

// splitList splits a comma separated value and trims each entry. A trailing
// comma is tolerated; other blank entries are kept so policy validation rejects them.
func splitList(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		out = append(out, strings.TrimSpace(part))
	}
	for len(out) > 0 && out[len(out)-1] == "" {
		out = out[:len(out)-1]
	}
	return out
}

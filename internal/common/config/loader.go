// internal/common/config/loader.go
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

func Load() (*Config, error) {
	loadEnvFile()

	v := viper.New()

	// Base config
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath("../../configs")
	v.AddConfigPath(".")

	// Enable ENV override like DATABASE_POSTGRES_HOST
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	env := os.Getenv("APP_ENVIRONMENT")
	if env == "" {
		env = "development"
	}

	// 1. base config
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading base config: %w", err)
		}
	}

	// 2. environment overlay
	v.SetConfigName(fmt.Sprintf("config.%s", env))
	_ = v.MergeInConfig() // ignore error if not found

	return finish(v)
}

// LoadFromFile loads configuration from a specific file path
func LoadFromFile(path string) (*Config, error) {
	loadEnvFile()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	return finish(v)
}

func finish(v *viper.Viper) (*Config, error) {
	expandEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)
	overrideEmptyConfig(&cfg)

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// loadEnvFile loads .env from the first location that has one
func loadEnvFile() {
	possiblePaths := []string{
		".env",
		"../.env",
		"../../.env",
		"../../../.env",
	}

	if rootDir := findProjectRoot(); rootDir != "" {
		possiblePaths = append(possiblePaths, filepath.Join(rootDir, ".env"))
	}

	for _, path := range possiblePaths {
		if _, err := os.Stat(path); err == nil {
			if err := godotenv.Load(path); err == nil {
				return
			}
		}
	}
}

// Find project root by looking for go.mod
func findProjectRoot() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return ""
}

func expandEnvVars(v *viper.Viper) {
	for _, key := range v.AllKeys() {
		strVal, ok := v.Get(key).(string)
		if !ok {
			continue
		}
		if strings.Contains(strVal, "${") || (strings.HasPrefix(strVal, "$") && len(strVal) > 1) {
			expanded := os.ExpandEnv(strVal)
			if expanded != strVal && expanded != "" {
				v.Set(key, expanded)
			}
		}
	}
}

// Direct override if secrets are still empty after expansion
func overrideEmptyConfig(cfg *Config) {
	if cfg.Database.Postgres.User == "" {
		if val := os.Getenv("DB_USER"); val != "" {
			cfg.Database.Postgres.User = val
		}
	}
	if cfg.Database.Postgres.Password == "" {
		if val := os.Getenv("DB_PASSWORD"); val != "" {
			cfg.Database.Postgres.Password = val
		}
	}

	if cfg.Providers.SendGrid.APIKey == "" {
		if val := os.Getenv("SENDGRID_API_KEY"); val != "" {
			cfg.Providers.SendGrid.APIKey = val
		}
	}
	if cfg.Providers.Twilio.AuthToken == "" {
		if val := os.Getenv("TWILIO_AUTH_TOKEN"); val != "" {
			cfg.Providers.Twilio.AuthToken = val
		}
	}
	if cfg.Push.VAPIDKey == "" {
		if val := os.Getenv("FCM_VAPID_KEY"); val != "" {
			cfg.Push.VAPIDKey = val
		}
	}

	for provider, envKey := range map[string]string{
		"sendgrid": "SENDGRID_WEBHOOK_SECRET",
		"twilio":   "TWILIO_AUTH_TOKEN",
		"fcm":      "FCM_WEBHOOK_SECRET",
		"ses":      "SES_WEBHOOK_SECRET",
	} {
		if cfg.Webhook.Secrets[provider] != "" {
			continue
		}
		if val := os.Getenv(envKey); val != "" {
			cfg.Webhook.Secrets[provider] = val
		}
	}
}

// applyDefaults sets default values for optional configuration fields
func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "fidelya-notifications"
	}

	if cfg.Server.Address == "" {
		cfg.Server.Address = ":8080"
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 10000
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 10000
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30000
	}

	// Database defaults
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "postgres"
	}
	if cfg.Database.Postgres.Port == 0 {
		cfg.Database.Postgres.Port = 5432
	}
	if cfg.Database.Postgres.MaxConnections == 0 {
		cfg.Database.Postgres.MaxConnections = 25
	}
	if cfg.Database.Postgres.MaxIdle == 0 {
		cfg.Database.Postgres.MaxIdle = 5
	}
	if cfg.Database.Postgres.SSLMode == "" {
		cfg.Database.Postgres.SSLMode = "disable"
	}
	if cfg.Database.Elasticsearch.Index == "" {
		cfg.Database.Elasticsearch.Index = "notification-delivery-events"
	}

	// Queue defaults
	if cfg.Queue.Interval == 0 {
		cfg.Queue.Interval = 5000
	}
	if cfg.Queue.Concurrency == 0 {
		cfg.Queue.Concurrency = 4
	}
	if cfg.Queue.BatchSize == 0 {
		cfg.Queue.BatchSize = 50
	}
	if cfg.Queue.StaleMultiplier == 0 {
		cfg.Queue.StaleMultiplier = 3
	}
	if cfg.Queue.MaxRetries == 0 {
		cfg.Queue.MaxRetries = 3
	}
	if cfg.Queue.BackoffBase == 0 {
		cfg.Queue.BackoffBase = 2000
	}
	if cfg.Queue.BackoffMax == 0 {
		cfg.Queue.BackoffMax = 300000
	}
	if cfg.Queue.SendTimeout == 0 {
		cfg.Queue.SendTimeout = 10000
	}
	if cfg.Queue.ConfirmTimeout == 0 {
		cfg.Queue.ConfirmTimeout = 72
	}
	if cfg.Queue.RetentionDays == 0 {
		cfg.Queue.RetentionDays = 7
	}
	if cfg.Queue.CleanupSchedule == "" {
		cfg.Queue.CleanupSchedule = "30 3 * * *"
	}

	// Sweep defaults
	if cfg.Sweep.Schedule == "" {
		cfg.Sweep.Schedule = "0 0 * * *"
	}
	if cfg.Sweep.Timezone == "" {
		cfg.Sweep.Timezone = "America/Argentina/Buenos_Aires"
	}
	if cfg.Sweep.BatchSize == 0 {
		cfg.Sweep.BatchSize = 500
	}
	if cfg.Sweep.Timeout == 0 {
		cfg.Sweep.Timeout = 300000
	}

	// Webhook defaults
	if cfg.Webhook.MaxBodyBytes == 0 {
		cfg.Webhook.MaxBodyBytes = 1 << 20
	}
	if cfg.Webhook.ReplayTTL == 0 {
		cfg.Webhook.ReplayTTL = 86400
	}
	if cfg.Webhook.Secrets == nil {
		cfg.Webhook.Secrets = map[string]string{}
	}

	// Provider defaults
	if cfg.Providers.Email == "" {
		cfg.Providers.Email = "sendgrid"
	}
	if cfg.Providers.SMS == "" {
		cfg.Providers.SMS = "twilio"
	}
	if cfg.Providers.SendGrid.BaseURL == "" {
		cfg.Providers.SendGrid.BaseURL = "https://api.sendgrid.com"
	}
	if cfg.Providers.Twilio.BaseURL == "" {
		cfg.Providers.Twilio.BaseURL = "https://api.twilio.com"
	}
	if cfg.Providers.AWS.Region == "" {
		cfg.Providers.AWS.Region = "us-east-1"
	}

	if cfg.Channels.RegistryPath == "" {
		cfg.Channels.RegistryPath = "configs/channels.json"
	}

	if cfg.Push.DefaultURL == "" {
		cfg.Push.DefaultURL = "/"
	}
	if cfg.Push.ServiceWorkerURL == "" {
		cfg.Push.ServiceWorkerURL = "/firebase-messaging-sw.js"
	}

	// Messaging defaults
	if cfg.Messaging.RabbitMQ.Exchange == "" {
		cfg.Messaging.RabbitMQ.Exchange = "fidelya.events"
	}
	if cfg.Messaging.RabbitMQ.Queue == "" {
		cfg.Messaging.RabbitMQ.Queue = "notifications.requested"
	}
	if cfg.Messaging.RabbitMQ.RoutingKey == "" {
		cfg.Messaging.RabbitMQ.RoutingKey = "notification.requested"
	}
	if cfg.Messaging.RabbitMQ.RetryCount == 0 {
		cfg.Messaging.RabbitMQ.RetryCount = 5
	}
	if cfg.Messaging.RabbitMQ.RetryDelay == 0 {
		cfg.Messaging.RabbitMQ.RetryDelay = 5000
	}

	// Logging defaults
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}

	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = cfg.App.Name
	}
}

// validateConfig validates critical configuration fields
func validateConfig(cfg *Config) error {
	switch cfg.Database.Driver {
	case "memory":
	case "postgres":
		if cfg.Database.Postgres.Host == "" {
			return fmt.Errorf("database.postgres.host is required")
		}
		if cfg.Database.Postgres.Database == "" {
			return fmt.Errorf("database.postgres.database is required")
		}
		if cfg.Database.Postgres.User == "" {
			return fmt.Errorf("database.postgres.user is required")
		}
	default:
		return fmt.Errorf("database.driver must be postgres or memory, got %q", cfg.Database.Driver)
	}

	if cfg.Database.Redis.Address == "" {
		return fmt.Errorf("database.redis.address is required")
	}

	if cfg.Database.Elasticsearch.Enabled && len(cfg.Database.Elasticsearch.Addresses) == 0 {
		return fmt.Errorf("database.elasticsearch.addresses is required when enabled")
	}

	switch cfg.Providers.Email {
	case "sendgrid", "ses":
	default:
		return fmt.Errorf("providers.email must be sendgrid or ses, got %q", cfg.Providers.Email)
	}
	switch cfg.Providers.SMS {
	case "twilio", "sns":
	default:
		return fmt.Errorf("providers.sms must be twilio or sns, got %q", cfg.Providers.SMS)
	}

	if cfg.Queue.Concurrency < 1 {
		return fmt.Errorf("queue.concurrency must be positive")
	}
	if cfg.Queue.Interval < 100 {
		return fmt.Errorf("queue.interval must be at least 100ms")
	}

	if cfg.Messaging.RabbitMQ.Enabled && cfg.Messaging.RabbitMQ.URL == "" {
		return fmt.Errorf("messaging.rabbitmq.url is required when enabled")
	}

	return nil
}

// internal/common/config/config.go
package config

import (
	"fmt"
	"time"
)

// Config is the main application configuration struct.
type Config struct {
	App           AppConfig           `mapstructure:"app"`
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Queue         QueueConfig         `mapstructure:"queue"`
	Sweep         SweepConfig         `mapstructure:"sweep"`
	Webhook       WebhookConfig       `mapstructure:"webhook"`
	Providers     ProvidersConfig     `mapstructure:"providers"`
	Push          PushConfig          `mapstructure:"push"`
	Messaging     MessagingConfig     `mapstructure:"messaging"`
	Channels      ChannelsConfig      `mapstructure:"channels"`
	Logging       LoggingConfig       `mapstructure:"logging"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

// --- Core App/Infrastructure Config ---
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

type ServerConfig struct {
	Address         string `mapstructure:"address"`
	ReadTimeout     int    `mapstructure:"read_timeout"`     // milliseconds
	WriteTimeout    int    `mapstructure:"write_timeout"`    // milliseconds
	ShutdownTimeout int    `mapstructure:"shutdown_timeout"` // milliseconds
}

type DatabaseConfig struct {
	Driver        string              `mapstructure:"driver"` // "postgres" or "memory"
	Postgres      PostgresConfig      `mapstructure:"postgres"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
	Redis         RedisConfig         `mapstructure:"redis"`
}

type PostgresConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
	MaxIdle        int    `mapstructure:"max_idle"`
	SSLMode        string `mapstructure:"sslmode"`
}

// GetDSN returns the PostgreSQL connection string
func (p PostgresConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

type ElasticsearchConfig struct {
	Enabled   bool     `mapstructure:"enabled"`
	Addresses []string `mapstructure:"addresses"`
	Username  string   `mapstructure:"username"`
	Password  string   `mapstructure:"password"`
	Index     string   `mapstructure:"index"`
}

type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// --- Pipeline Configuration ---

// QueueConfig holds the notification queue processor settings.
type QueueConfig struct {
	Enabled          bool   `mapstructure:"enabled"`
	Interval         int    `mapstructure:"interval"` // milliseconds
	Concurrency      int    `mapstructure:"concurrency"`
	BatchSize        int    `mapstructure:"batch_size"`
	StaleMultiplier  int    `mapstructure:"stale_multiplier"`
	MaxRetries       int    `mapstructure:"max_retries"`
	BackoffBase      int    `mapstructure:"backoff_base"` // milliseconds
	BackoffMax       int    `mapstructure:"backoff_max"`  // milliseconds
	SendTimeout      int    `mapstructure:"send_timeout"` // milliseconds
	RetentionDays    int    `mapstructure:"retention_days"`
	CleanupSchedule  string `mapstructure:"cleanup_schedule"`
	BacklogThreshold int    `mapstructure:"backlog_threshold"`
	ConfirmTimeout   int    `mapstructure:"confirm_timeout"` // hours
}

// SweepConfig holds the scheduled benefit expiry sweep settings.
type SweepConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Schedule  string `mapstructure:"schedule"`
	Timezone  string `mapstructure:"timezone"`
	BatchSize int    `mapstructure:"batch_size"`
	Timeout   int    `mapstructure:"timeout"` // milliseconds
}

// WebhookConfig holds the delivery-status webhook settings.
type WebhookConfig struct {
	MaxBodyBytes int64             `mapstructure:"max_body_bytes"`
	ReplayTTL    int               `mapstructure:"replay_ttl"` // seconds
	PublicURL    string            `mapstructure:"public_url"`
	Secrets      map[string]string `mapstructure:"secrets"`
}

// ProvidersConfig selects and configures the channel providers.
type ProvidersConfig struct {
	Email    string `mapstructure:"email"` // "sendgrid" or "ses"
	SMS      string `mapstructure:"sms"`   // "twilio" or "sns"
	SendGrid struct {
		APIKey    string `mapstructure:"api_key"`
		BaseURL   string `mapstructure:"base_url"`
		FromEmail string `mapstructure:"from_email"`
		FromName  string `mapstructure:"from_name"`
	} `mapstructure:"sendgrid"`
	Twilio struct {
		AccountSID     string `mapstructure:"account_sid"`
		AuthToken      string `mapstructure:"auth_token"`
		BaseURL        string `mapstructure:"base_url"`
		FromNumber     string `mapstructure:"from_number"`
		StatusCallback string `mapstructure:"status_callback"`
	} `mapstructure:"twilio"`
	AWS struct {
		Region string `mapstructure:"region"`
		SES    struct {
			FromEmail        string `mapstructure:"from_email"`
			ConfigurationSet string `mapstructure:"configuration_set"`
		} `mapstructure:"ses"`
		SNS struct {
			DefaultSMSSenderID string `mapstructure:"default_sms_sender_id"`
		} `mapstructure:"sns"`
	} `mapstructure:"aws"`
	FCM struct {
		Enabled         bool   `mapstructure:"enabled"`
		ProjectID       string `mapstructure:"project_id"`
		CredentialsFile string `mapstructure:"credentials_file"`
		DefaultIcon     string `mapstructure:"default_icon"`
	} `mapstructure:"fcm"`
}

// PushConfig holds browser push settings handed to the subscription manager.
type PushConfig struct {
	VAPIDKey         string `mapstructure:"vapid_key"`
	ServiceWorkerURL string `mapstructure:"service_worker_url"`
	DefaultURL       string `mapstructure:"default_url"`
}

// MessagingConfig holds the intake broker settings.
type MessagingConfig struct {
	RabbitMQ struct {
		Enabled    bool   `mapstructure:"enabled"`
		URL        string `mapstructure:"url"`
		Exchange   string `mapstructure:"exchange"`
		Queue      string `mapstructure:"queue"`
		RoutingKey string `mapstructure:"routing_key"`
		RetryCount int    `mapstructure:"retry_count"`
		RetryDelay int    `mapstructure:"retry_delay"` // milliseconds
	} `mapstructure:"rabbitmq"`
}

// ChannelsConfig points at the channel routing registry.
type ChannelsConfig struct {
	RegistryPath string `mapstructure:"registry_path"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// ObservabilityConfig holds tracing settings.
type ObservabilityConfig struct {
	ServiceName    string `mapstructure:"service_name"`
	JaegerEndpoint string `mapstructure:"jaeger_endpoint"`
}

// GetDuration converts milliseconds from config to time.Duration
func GetDuration(milliseconds int) time.Duration {
	return time.Duration(milliseconds) * time.Millisecond
}

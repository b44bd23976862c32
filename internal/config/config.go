/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	defaultRateLimitPrefix  = "transfa:outgoing_payments:rate_limit"
	defaultWorkerSchedule   = "@every 1s"
	defaultWorkerCount      = 1
	defaultWorkerBatchLimit = 100
	defaultMaxStateAttempts = 5
	defaultGrantLockTimeout = 5000
	defaultCreateRatePerMin = 60
	defaultConsumerPrefetch = 20
	defaultWebhookExchange  = "outgoing_payment_events"
	defaultFundingQueue     = "outgoing_payment_service.funding"
	defaultFundingExchange  = "transaction_events"
)

// Config holds all the configuration variables for the outgoing-payment-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort                      string `mapstructure:"SERVER_PORT"`
	DatabaseURL                     string `mapstructure:"DATABASE_URL"`
	RedisURL                        string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix            string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL                     string `mapstructure:"RABBITMQ_URL"`
	WebhookExchange                 string `mapstructure:"WEBHOOK_EXCHANGE"`
	FundingEventExchange            string `mapstructure:"FUNDING_EVENT_EXCHANGE"`
	FundingEventQueue               string `mapstructure:"FUNDING_EVENT_QUEUE"`
	ConsumerPrefetch                int    `mapstructure:"CONSUMER_PREFETCH"`
	AccountingServiceURL            string `mapstructure:"ACCOUNTING_SERVICE_URL"`
	AccountingServiceInternalAPIKey string `mapstructure:"ACCOUNTING_SERVICE_INTERNAL_API_KEY"`
	PaymentMethodServiceURL         string `mapstructure:"PAYMENT_METHOD_SERVICE_URL"`
	ReceiverServiceURL              string `mapstructure:"RECEIVER_SERVICE_URL"`
	QuoteServiceURL                 string `mapstructure:"QUOTE_SERVICE_URL"`
	InternalAPIKey                  string `mapstructure:"INTERNAL_API_KEY"`
	GrantTokenSecret                string `mapstructure:"GRANT_TOKEN_SECRET"`
	WorkerSchedule                  string `mapstructure:"WORKER_SCHEDULE"`
	WorkerCount                     int    `mapstructure:"WORKER_COUNT"`
	WorkerBatchLimit                int    `mapstructure:"WORKER_BATCH_LIMIT"`
	WorkerMaxStateAttempts          int    `mapstructure:"WORKER_MAX_STATE_ATTEMPTS"`
	GrantLockTimeoutMS              int    `mapstructure:"GRANT_LOCK_TIMEOUT_MS"`
	CreateRateLimitPerMinute        int    `mapstructure:"CREATE_RATE_LIMIT_PER_MINUTE"`
}

// GrantLockTimeout is the longest a create waits for a grant lock.
func (c Config) GrantLockTimeout() time.Duration {
	return time.Duration(c.GrantLockTimeoutMS) * time.Millisecond
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", defaultRateLimitPrefix)
	viper.SetDefault("WEBHOOK_EXCHANGE", defaultWebhookExchange)
	viper.SetDefault("FUNDING_EVENT_EXCHANGE", defaultFundingExchange)
	viper.SetDefault("FUNDING_EVENT_QUEUE", defaultFundingQueue)
	viper.SetDefault("CONSUMER_PREFETCH", defaultConsumerPrefetch)
	viper.SetDefault("WORKER_SCHEDULE", defaultWorkerSchedule)
	viper.SetDefault("WORKER_COUNT", defaultWorkerCount)
	viper.SetDefault("WORKER_BATCH_LIMIT", defaultWorkerBatchLimit)
	viper.SetDefault("WORKER_MAX_STATE_ATTEMPTS", defaultMaxStateAttempts)
	viper.SetDefault("GRANT_LOCK_TIMEOUT_MS", defaultGrantLockTimeout)
	viper.SetDefault("CREATE_RATE_LIMIT_PER_MINUTE", defaultCreateRatePerMin)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "OUTGOING_PAYMENT_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("WEBHOOK_EXCHANGE")
	_ = viper.BindEnv("FUNDING_EVENT_EXCHANGE")
	_ = viper.BindEnv("FUNDING_EVENT_QUEUE")
	_ = viper.BindEnv("CONSUMER_PREFETCH")
	_ = viper.BindEnv("ACCOUNTING_SERVICE_URL")
	_ = viper.BindEnv("ACCOUNTING_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("PAYMENT_METHOD_SERVICE_URL")
	_ = viper.BindEnv("RECEIVER_SERVICE_URL")
	_ = viper.BindEnv("QUOTE_SERVICE_URL")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "OUTGOING_PAYMENT_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("GRANT_TOKEN_SECRET")
	_ = viper.BindEnv("WORKER_SCHEDULE")
	_ = viper.BindEnv("WORKER_COUNT")
	_ = viper.BindEnv("WORKER_BATCH_LIMIT")
	_ = viper.BindEnv("WORKER_MAX_STATE_ATTEMPTS")
	_ = viper.BindEnv("GRANT_LOCK_TIMEOUT_MS")
	_ = viper.BindEnv("CREATE_RATE_LIMIT_PER_MINUTE")

	// Attempt to read the config file. It's okay if it doesn't exist.
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
	if strings.TrimSpace(config.InternalAPIKey) == "" {
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("OUTGOING_PAYMENT_SERVICE_INTERNAL_API_KEY"))
	}
	config.AccountingServiceInternalAPIKey = strings.TrimSpace(config.AccountingServiceInternalAPIKey)
	if config.AccountingServiceInternalAPIKey == "" {
		config.AccountingServiceInternalAPIKey = config.InternalAPIKey
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = defaultRateLimitPrefix
	}
	config.WorkerSchedule = strings.TrimSpace(config.WorkerSchedule)
	if config.WorkerSchedule == "" {
		config.WorkerSchedule = defaultWorkerSchedule
	}

	if config.WorkerCount <= 0 {
		log.Printf("level=warn component=config msg=\"invalid worker count; using default\" value=%d", config.WorkerCount)
		config.WorkerCount = defaultWorkerCount
	}
	if config.WorkerBatchLimit <= 0 {
		config.WorkerBatchLimit = defaultWorkerBatchLimit
	}
	if config.WorkerMaxStateAttempts <= 0 {
		log.Printf("level=warn component=config msg=\"invalid max state attempts; using default\" value=%d", config.WorkerMaxStateAttempts)
		config.WorkerMaxStateAttempts = defaultMaxStateAttempts
	}
	if config.GrantLockTimeoutMS <= 0 {
		config.GrantLockTimeoutMS = defaultGrantLockTimeout
	}
	if config.CreateRateLimitPerMinute < 0 {
		log.Printf("level=warn component=config msg=\"negative create rate limit configured; disabling\" value=%d", config.CreateRateLimitPerMinute)
		config.CreateRateLimitPerMinute = 0
	}
	if config.ConsumerPrefetch < 0 {
		config.ConsumerPrefetch = 0
	}

	return
}

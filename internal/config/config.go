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

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the gift-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort           string `mapstructure:"SERVER_PORT"`
	DatabaseURL          string `mapstructure:"DATABASE_URL"`
	RedisURL             string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL          string `mapstructure:"RABBITMQ_URL"`

	ProviderAPIBaseURL   string `mapstructure:"PROVIDER_API_BASE_URL"`
	ProviderAPIKey       string `mapstructure:"PROVIDER_API_KEY"`
	ProviderWebhookKey   string `mapstructure:"PROVIDER_WEBHOOK_SIGNING_KEY"`
	MailAPIBaseURL       string `mapstructure:"MAIL_API_BASE_URL"`
	MailAPIKey           string `mapstructure:"MAIL_API_KEY"`
	MailFromAddress      string `mapstructure:"MAIL_FROM_ADDRESS"`
	InternalAPIKey       string `mapstructure:"INTERNAL_API_KEY"`

	ClaimRateLimitPerMinute   int `mapstructure:"CLAIM_RATE_LIMIT_PER_MINUTE"`
	GiftClaimAttemptsPerMin   int `mapstructure:"GIFT_CLAIM_ATTEMPTS_PER_MINUTE"`
	DetailsRateLimitPerMinute int `mapstructure:"DETAILS_RATE_LIMIT_PER_MINUTE"`
	CodeFailureThreshold      int `mapstructure:"CODE_FAILURE_THRESHOLD"`
	CodeFailureWindowMinutes  int `mapstructure:"CODE_FAILURE_WINDOW_MINUTES"`
	CodeLockoutMinutes        int `mapstructure:"CODE_LOCKOUT_MINUTES"`

	MinGiftAmountMinor    int64 `mapstructure:"MIN_GIFT_AMOUNT_MINOR"`
	MaxGiftAmountMinor    int64 `mapstructure:"MAX_GIFT_AMOUNT_MINOR"`
	MonthlyAmountCapMinor int64 `mapstructure:"MONTHLY_AMOUNT_CAP_MINOR"`
	MonthlyGiftCountCap   int   `mapstructure:"MONTHLY_GIFT_COUNT_CAP"`

	ReconcileCronSchedule   string `mapstructure:"RECONCILE_CRON_SCHEDULE"`
	ReconcileLookbackHours  int    `mapstructure:"RECONCILE_LOOKBACK_HOURS"`
	ReconcileTimeoutMinutes int    `mapstructure:"RECONCILE_TIMEOUT_MINUTES"`
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "giftwave:rate_guard")
	viper.SetDefault("CLAIM_RATE_LIMIT_PER_MINUTE", 30)
	viper.SetDefault("GIFT_CLAIM_ATTEMPTS_PER_MINUTE", 5)
	viper.SetDefault("DETAILS_RATE_LIMIT_PER_MINUTE", 120)
	viper.SetDefault("CODE_FAILURE_THRESHOLD", 10)
	viper.SetDefault("CODE_FAILURE_WINDOW_MINUTES", 60)
	viper.SetDefault("CODE_LOCKOUT_MINUTES", 60)
	viper.SetDefault("MIN_GIFT_AMOUNT_MINOR", 100)
	viper.SetDefault("MAX_GIFT_AMOUNT_MINOR", 50_000_00)
	viper.SetDefault("MONTHLY_AMOUNT_CAP_MINOR", 200_000_00)
	viper.SetDefault("MONTHLY_GIFT_COUNT_CAP", 100)
	viper.SetDefault("RECONCILE_CRON_SCHEDULE", "*/15 * * * *")
	viper.SetDefault("RECONCILE_LOOKBACK_HOURS", 24)
	viper.SetDefault("RECONCILE_TIMEOUT_MINUTES", 5)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "GIFT_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("PROVIDER_API_BASE_URL")
	_ = viper.BindEnv("PROVIDER_API_KEY")
	_ = viper.BindEnv("PROVIDER_WEBHOOK_SIGNING_KEY")
	_ = viper.BindEnv("MAIL_API_BASE_URL")
	_ = viper.BindEnv("MAIL_API_KEY")
	_ = viper.BindEnv("MAIL_FROM_ADDRESS")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "GIFT_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("CLAIM_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("GIFT_CLAIM_ATTEMPTS_PER_MINUTE")
	_ = viper.BindEnv("DETAILS_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("CODE_FAILURE_THRESHOLD")
	_ = viper.BindEnv("CODE_FAILURE_WINDOW_MINUTES")
	_ = viper.BindEnv("CODE_LOCKOUT_MINUTES")
	_ = viper.BindEnv("MIN_GIFT_AMOUNT_MINOR")
	_ = viper.BindEnv("MAX_GIFT_AMOUNT_MINOR")
	_ = viper.BindEnv("MONTHLY_AMOUNT_CAP_MINOR")
	_ = viper.BindEnv("MONTHLY_GIFT_COUNT_CAP")
	_ = viper.BindEnv("RECONCILE_CRON_SCHEDULE")
	_ = viper.BindEnv("RECONCILE_LOOKBACK_HOURS")
	_ = viper.BindEnv("RECONCILE_TIMEOUT_MINUTES")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		// If the config file is not found, we can ignore the error.
		// For other errors, we should return them.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	if strings.TrimSpace(config.InternalAPIKey) == "" {
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("GIFT_SERVICE_INTERNAL_API_KEY"))
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "giftwave:rate_guard"
	}

	if config.ClaimRateLimitPerMinute <= 0 {
		log.Printf("level=warn component=config msg=\"non-positive claim rate limit; coercing to default\" value=%d", config.ClaimRateLimitPerMinute)
		config.ClaimRateLimitPerMinute = 30
	}
	if config.GiftClaimAttemptsPerMin <= 0 {
		config.GiftClaimAttemptsPerMin = 5
	}
	if config.DetailsRateLimitPerMinute <= 0 {
		config.DetailsRateLimitPerMinute = 120
	}
	if config.CodeFailureThreshold <= 0 {
		config.CodeFailureThreshold = 10
	}
	if config.MinGiftAmountMinor < 0 {
		log.Printf("level=warn component=config msg=\"negative minimum gift amount; coercing to zero\" value=%d", config.MinGiftAmountMinor)
		config.MinGiftAmountMinor = 0
	}
	if config.MaxGiftAmountMinor > 0 && config.MaxGiftAmountMinor < config.MinGiftAmountMinor {
		log.Printf("level=warn component=config msg=\"per-gift maximum below minimum; disabling maximum\" min=%d max=%d", config.MinGiftAmountMinor, config.MaxGiftAmountMinor)
		config.MaxGiftAmountMinor = 0
	}
	if config.ReconcileLookbackHours <= 0 {
		config.ReconcileLookbackHours = 24
	}
	if config.ReconcileTimeoutMinutes <= 0 {
		config.ReconcileTimeoutMinutes = 5
	}

	return
}

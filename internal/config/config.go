/**
 * @description
 * This package handles the configuration management for the service. It uses
 * the Viper library to read configuration from environment variables,
 * providing a centralized and straightforward way to manage application
 * settings.
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

// Config holds all the configuration variables for the transfer-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort           string `mapstructure:"SERVER_PORT"`
	DatabaseURL          string `mapstructure:"DATABASE_URL"`
	RabbitMQURL          string `mapstructure:"RABBITMQ_URL"`
	TransferRequestQueue string `mapstructure:"TRANSFER_REQUEST_QUEUE"`
	LedgerAPIBaseURL     string `mapstructure:"LEDGER_API_BASE_URL"`
	LedgerAPIKey         string `mapstructure:"LEDGER_API_KEY"`
	InternalAPIKey       string `mapstructure:"INTERNAL_API_KEY"`
	RedisURL             string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	InitiateRateLimit    int    `mapstructure:"INITIATE_RATE_LIMIT_PER_MINUTE"`
	DispatchPartitions   int    `mapstructure:"DISPATCH_PARTITIONS"`
	DispatchPollMillis   int    `mapstructure:"DISPATCH_POLL_INTERVAL_MS"`
	DispatchBatchSize    int    `mapstructure:"DISPATCH_BATCH_SIZE"`
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
	viper.SetDefault("SERVER_PORT", "8085")
	viper.SetDefault("TRANSFER_REQUEST_QUEUE", "transfer_service.transfer_requests")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "transfer:rate_limit")
	viper.SetDefault("INITIATE_RATE_LIMIT_PER_MINUTE", 0) // Default: limiter disabled
	viper.SetDefault("DISPATCH_PARTITIONS", 4)
	viper.SetDefault("DISPATCH_POLL_INTERVAL_MS", 250)
	viper.SetDefault("DISPATCH_BATCH_SIZE", 50)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("TRANSFER_REQUEST_QUEUE")
	_ = viper.BindEnv("LEDGER_API_BASE_URL")
	_ = viper.BindEnv("LEDGER_API_KEY")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "TRANSFER_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("INITIATE_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("DISPATCH_PARTITIONS")
	_ = viper.BindEnv("DISPATCH_POLL_INTERVAL_MS")
	_ = viper.BindEnv("DISPATCH_BATCH_SIZE")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
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
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("TRANSFER_SERVICE_INTERNAL_API_KEY"))
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "transfer:rate_limit"
	}

	if config.InitiateRateLimit < 0 {
		log.Printf("level=warn component=config msg=\"negative initiation rate limit; disabling limiter\" limit=%d", config.InitiateRateLimit)
		config.InitiateRateLimit = 0
	}
	if config.DispatchPartitions <= 0 {
		config.DispatchPartitions = 4
	}
	if config.DispatchPollMillis <= 0 {
		config.DispatchPollMillis = 250
	}
	if config.DispatchBatchSize <= 0 {
		config.DispatchBatchSize = 50
	}

	return
}

// Package config loads the runtime configuration from the environment.
//
// Values come from TRADECORE_* environment variables, optionally seeded from .env
// files, fall back to defaults and are validated with struct tags.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"tradecore/internal/model"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

const envPrefix = "TRADECORE_"

// Config holds all application configuration.
type Config struct {
	Exchange  ExchangeConfig
	Trading   TradingConfig
	Storage   StorageConfig
	Server    ServerConfig
	Logging   LoggingConfig
	Profiling ProfilingConfig
}

// ExchangeConfig selects the exchange, its credentials and the market data to follow.
type ExchangeConfig struct {
	Name         string   `validate:"required,oneof=ftx kraken_futures kraken_spot"`
	APIKey       string   `validate:"required_with=APISecret"`
	APISecret    string   `validate:"required_with=APIKey"`
	Subaccount   string   // FTX only
	WSToken      string   // Kraken Spot private feeds only
	WSEndpoint   string   `validate:"omitempty,url"`
	RESTBaseURL  string   `validate:"omitempty,url"`
	Instruments  []string `validate:"required,min=1,dive,required"`
	BarFrequency string   `validate:"required"`
}

// TradingConfig enables the execution engine.
type TradingConfig struct {
	Enabled       bool
	RetryInterval time.Duration `validate:"gt=0"`
	QueueSize     int           `validate:"gt=0"`
}

// StorageConfig selects where completed trade logs are written.
type StorageConfig struct {
	Driver string `validate:"oneof=none csv postgres"`
	Dir    string `validate:"required_if=Driver csv"`
	DSN    string `validate:"required_if=Driver postgres"`
}

// ServerConfig configures the gRPC endpoint.
type ServerConfig struct {
	GRPCAddress    string `validate:"required"`
	MaxInstruments int    `validate:"gt=0"`
}

// LoggingConfig configures the global logger.
type LoggingConfig struct {
	Level  string `validate:"oneof=trace debug info warn error"`
	Format string `validate:"oneof=console json"`
}

// ProfilingConfig enables continuous profiling.
type ProfilingConfig struct {
	ServerAddress   string `validate:"omitempty,url"`
	ApplicationName string `validate:"required_with=ServerAddress"`
}

// Load reads the given .env files, when they exist, and builds the configuration from
// the environment. Variables already set in the environment win over .env values.
func Load(envFiles ...string) (*Config, error) {
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}

	cfg := &Config{
		Exchange:  loadExchangeConfig(),
		Trading:   loadTradingConfig(),
		Storage:   loadStorageConfig(),
		Server:    loadServerConfig(),
		Logging:   loadLoggingConfig(),
		Profiling: loadProfilingConfig(),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadExchangeConfig() ExchangeConfig {
	return ExchangeConfig{
		Name:         getEnvString("EXCHANGE", "ftx"),
		APIKey:       getEnvString("API_KEY", ""),
		APISecret:    getEnvString("API_SECRET", ""),
		Subaccount:   getEnvString("SUBACCOUNT", ""),
		WSToken:      getEnvString("WS_TOKEN", ""),
		WSEndpoint:   getEnvString("WS_ENDPOINT", ""),
		RESTBaseURL:  getEnvString("REST_BASE_URL", ""),
		Instruments:  getEnvList("INSTRUMENTS", []string{"btc_usd_perp"}),
		BarFrequency: getEnvString("BAR_FREQUENCY", "1m"),
	}
}

func loadTradingConfig() TradingConfig {
	return TradingConfig{
		Enabled:       getEnvBool("TRADING_ENABLED", false),
		RetryInterval: getEnvDuration("TRADING_RETRY_INTERVAL", 500*time.Millisecond),
		QueueSize:     getEnvInt("TRADING_QUEUE_SIZE", 256),
	}
}

func loadStorageConfig() StorageConfig {
	return StorageConfig{
		Driver: getEnvString("STORAGE_DRIVER", "csv"),
		Dir:    getEnvString("TRADE_LOG_DIR", "trades"),
		DSN:    getEnvString("DATABASE_DSN", ""),
	}
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		GRPCAddress:    getEnvString("GRPC_ADDRESS", ":50051"),
		MaxInstruments: getEnvInt("MAX_INSTRUMENTS", 16),
	}
}

func loadLoggingConfig() LoggingConfig {
	return LoggingConfig{
		Level:  getEnvString("LOG_LEVEL", "info"),
		Format: getEnvString("LOG_FORMAT", "console"),
	}
}

func loadProfilingConfig() ProfilingConfig {
	return ProfilingConfig{
		ServerAddress:   getEnvString("PYROSCOPE_ADDRESS", ""),
		ApplicationName: getEnvString("PYROSCOPE_APPLICATION", "tradecore"),
	}
}

// Validate checks the struct tags and the cross-field rules the tags cannot express.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Trading.Enabled {
		if c.Exchange.APIKey == "" {
			return errors.New("invalid configuration: trading requires API credentials")
		}
		if c.Exchange.Name == model.KrakenSpotExchange.String() {
			return errors.New("invalid configuration: trading is not supported on kraken_spot")
		}
	}
	return nil
}

// ExchangeID returns the configured exchange.
func (c *Config) ExchangeID() model.Exchange {
	ex, _ := model.ParseExchange(c.Exchange.Name)
	return ex
}

// String returns a representation without credentials.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Exchange{Name:%s, Instruments:%v, Bars:%s, Auth:%v}, Trading{Enabled:%v}, Storage{Driver:%s}, Server{GRPC:%s}",
		c.Exchange.Name, c.Exchange.Instruments, c.Exchange.BarFrequency, c.Exchange.APIKey != "",
		c.Trading.Enabled, c.Storage.Driver, c.Server.GRPCAddress,
	)
}

// Helper functions for environment variable parsing. Keys are given without prefix.

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(envPrefix + key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(envPrefix + key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(envPrefix + key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
		switch strings.ToLower(value) {
		case "yes", "on":
			return true
		case "no", "off":
			return false
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(envPrefix + key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(envPrefix + key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

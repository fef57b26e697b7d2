/**
 * @description
 * This package handles the configuration management for the connector. It uses
 * the Viper library to read configuration from environment variables and an
 * optional .env file. Structured settings (ledger list, credentials, routes,
 * notification keys) arrive as JSON strings and are decoded and validated here
 * so the rest of the process only sees typed values.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 * - github.com/shopspring/decimal: For the slippage and route rates.
 */

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the connector.
type Config struct {
	ServerPort                    string  `mapstructure:"SERVER_PORT"`
	LogLevel                      string  `mapstructure:"LOG_LEVEL"`
	ConnectorLedgersJSON          string  `mapstructure:"CONNECTOR_LEDGERS"`
	LedgerCredentialsJSON         string  `mapstructure:"LEDGER_CREDENTIALS"`
	IDSecret                      string  `mapstructure:"CONNECTOR_ID_SECRET"`
	FXSlippage                    string  `mapstructure:"FX_SLIPPAGE"`
	MinMessageWindowSeconds       float64 `mapstructure:"MIN_MESSAGE_WINDOW_SECONDS"`
	MaxHoldTimeSeconds            float64 `mapstructure:"MAX_HOLD_TIME_SECONDS"`
	LedgerRequestTimeoutSeconds   float64 `mapstructure:"LEDGER_REQUEST_TIMEOUT_SECONDS"`
	NotificationVerify            bool    `mapstructure:"NOTIFICATION_VERIFY"`
	NotificationKeysJSON          string  `mapstructure:"NOTIFICATION_KEYS"`
	RouteRatesJSON                string  `mapstructure:"ROUTE_RATES"`
	DatabaseURL                   string  `mapstructure:"DATABASE_URL"`
	RabbitMQURL                   string  `mapstructure:"RABBITMQ_URL"`
	LedgerEventQueue              string  `mapstructure:"LEDGER_EVENT_QUEUE"`
	RedisURL                      string  `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix          string  `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	QuoteRateLimitPerMinute       int     `mapstructure:"QUOTE_RATE_LIMIT_PER_MINUTE"`
	PrecisionCacheRefreshSchedule string  `mapstructure:"PRECISION_CACHE_REFRESH_SCHEDULE"`
	CORSAllowedOrigins            string  `mapstructure:"CORS_ALLOWED_ORIGINS"`
	LedgerWSSubscribe             bool    `mapstructure:"LEDGER_WS_SUBSCRIBE"`

	Ledgers          []LedgerConfig    `mapstructure:"-"`
	Routes           []RouteConfig     `mapstructure:"-"`
	NotificationKeys map[string]string `mapstructure:"-"`
	Slippage         decimal.Decimal   `mapstructure:"-"`
}

// LedgerConfig is one ledger the connector holds an account on.
type LedgerConfig struct {
	Currency string
	Ledger   string
	Account  string
	Username string
	Password string
}

// RouteConfig is one statically configured exchange route. Rate converts a
// source amount into the final amount; HopRate, when set, converts it into the
// amount credited on DestinationLedger for routes that continue elsewhere.
type RouteConfig struct {
	SourceLedger      string `json:"source_ledger"`
	DestinationLedger string `json:"destination_ledger"`
	FinalLedger       string `json:"final_ledger,omitempty"`
	NextAccount       string `json:"next_account,omitempty"`
	Rate              string `json:"rate"`
	HopRate           string `json:"hop_rate,omitempty"`
}

type ledgerCredentials struct {
	AccountURI string `json:"account_uri"`
	Username   string `json:"username"`
	Password   string `json:"password"`
}

var ErrMissingIDSecret = errors.New("CONNECTOR_ID_SECRET must be set")

// LoadConfig reads configuration from environment variables and an optional
// .env file in path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "4000")
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("CONNECTOR_LEDGERS", "[]")
	viper.SetDefault("LEDGER_CREDENTIALS", "{}")
	viper.SetDefault("FX_SLIPPAGE", "0.001")
	viper.SetDefault("MIN_MESSAGE_WINDOW_SECONDS", 1)
	viper.SetDefault("MAX_HOLD_TIME_SECONDS", 10)
	viper.SetDefault("LEDGER_REQUEST_TIMEOUT_SECONDS", 5)
	viper.SetDefault("NOTIFICATION_VERIFY", false)
	viper.SetDefault("NOTIFICATION_KEYS", "{}")
	viper.SetDefault("ROUTE_RATES", "[]")
	viper.SetDefault("LEDGER_EVENT_QUEUE", "connector.ledger_notifications")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "connector:rate_limit")
	viper.SetDefault("QUOTE_RATE_LIMIT_PER_MINUTE", 600)
	viper.SetDefault("PRECISION_CACHE_REFRESH_SCHEDULE", "@every 1h")
	viper.SetDefault("CORS_ALLOWED_ORIGINS", "*")
	viper.SetDefault("LEDGER_WS_SUBSCRIBE", false)

	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("LOG_LEVEL")
	_ = viper.BindEnv("CONNECTOR_LEDGERS")
	_ = viper.BindEnv("LEDGER_CREDENTIALS", "LEDGER_CREDENTIALS", "CONNECTOR_CREDENTIALS")
	_ = viper.BindEnv("CONNECTOR_ID_SECRET")
	_ = viper.BindEnv("FX_SLIPPAGE", "FX_SLIPPAGE", "CONNECTOR_SLIPPAGE")
	_ = viper.BindEnv("MIN_MESSAGE_WINDOW_SECONDS")
	_ = viper.BindEnv("MAX_HOLD_TIME_SECONDS")
	_ = viper.BindEnv("LEDGER_REQUEST_TIMEOUT_SECONDS")
	_ = viper.BindEnv("NOTIFICATION_VERIFY")
	_ = viper.BindEnv("NOTIFICATION_KEYS")
	_ = viper.BindEnv("ROUTE_RATES")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("LEDGER_EVENT_QUEUE")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("QUOTE_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("PRECISION_CACHE_REFRESH_SCHEDULE")
	_ = viper.BindEnv("CORS_ALLOWED_ORIGINS")
	_ = viper.BindEnv("LEDGER_WS_SUBSCRIBE")

	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	if err = viper.Unmarshal(&config); err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.IDSecret = strings.TrimSpace(config.IDSecret)
	if config.IDSecret == "" {
		return config, ErrMissingIDSecret
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "connector:rate_limit"
	}

	if config.Slippage, err = decimal.NewFromString(strings.TrimSpace(config.FXSlippage)); err != nil {
		return config, fmt.Errorf("invalid FX_SLIPPAGE %q: %w", config.FXSlippage, err)
	}
	if config.Slippage.IsNegative() || config.Slippage.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return config, fmt.Errorf("FX_SLIPPAGE must be in [0, 1), got %s", config.Slippage)
	}
	if config.MinMessageWindowSeconds < 0 || config.MaxHoldTimeSeconds <= 0 {
		return config, fmt.Errorf("MIN_MESSAGE_WINDOW_SECONDS must be >= 0 and MAX_HOLD_TIME_SECONDS > 0")
	}

	if config.Ledgers, err = parseLedgers(config.ConnectorLedgersJSON, config.LedgerCredentialsJSON); err != nil {
		return
	}
	if config.Routes, err = parseRoutes(config.RouteRatesJSON); err != nil {
		return
	}
	if err = json.Unmarshal([]byte(orDefault(config.NotificationKeysJSON, "{}")), &config.NotificationKeys); err != nil {
		return config, fmt.Errorf("invalid NOTIFICATION_KEYS: %w", err)
	}
	if config.NotificationVerify && len(config.NotificationKeys) == 0 {
		return config, errors.New("NOTIFICATION_VERIFY is set but NOTIFICATION_KEYS is empty")
	}

	return config, nil
}

func (c Config) MinMessageWindow() time.Duration {
	return seconds(c.MinMessageWindowSeconds)
}

func (c Config) MaxHoldTime() time.Duration {
	return seconds(c.MaxHoldTimeSeconds)
}

func (c Config) LedgerRequestTimeout() time.Duration {
	return seconds(c.LedgerRequestTimeoutSeconds)
}

// CORSOrigins splits CORS_ALLOWED_ORIGINS on commas.
func (c Config) CORSOrigins() []string {
	var out []string
	for _, origin := range strings.Split(c.CORSAllowedOrigins, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			out = append(out, origin)
		}
	}
	return out
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

func orDefault(raw, fallback string) string {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	return raw
}

// parseLedgers decodes entries of the form "USD@http://usd-ledger.example"
// and joins them with their credentials.
func parseLedgers(ledgersJSON, credentialsJSON string) ([]LedgerConfig, error) {
	var entries []string
	if err := json.Unmarshal([]byte(orDefault(ledgersJSON, "[]")), &entries); err != nil {
		return nil, fmt.Errorf("invalid CONNECTOR_LEDGERS: %w", err)
	}
	creds := map[string]ledgerCredentials{}
	if err := json.Unmarshal([]byte(orDefault(credentialsJSON, "{}")), &creds); err != nil {
		return nil, fmt.Errorf("invalid LEDGER_CREDENTIALS: %w", err)
	}

	ledgers := make([]LedgerConfig, 0, len(entries))
	for _, entry := range entries {
		currency, ledger, ok := strings.Cut(entry, "@")
		if !ok || currency == "" || ledger == "" {
			return nil, fmt.Errorf("invalid CONNECTOR_LEDGERS entry %q: expected CURRENCY@LEDGER_URI", entry)
		}
		ledger = strings.TrimSuffix(ledger, "/")
		cred, ok := creds[ledger]
		if !ok || cred.AccountURI == "" {
			return nil, fmt.Errorf("missing LEDGER_CREDENTIALS account_uri for ledger %s", ledger)
		}
		ledgers = append(ledgers, LedgerConfig{
			Currency: currency,
			Ledger:   ledger,
			Account:  cred.AccountURI,
			Username: cred.Username,
			Password: cred.Password,
		})
	}
	return ledgers, nil
}

func parseRoutes(raw string) ([]RouteConfig, error) {
	var routes []RouteConfig
	if err := json.Unmarshal([]byte(orDefault(raw, "[]")), &routes); err != nil {
		return nil, fmt.Errorf("invalid ROUTE_RATES: %w", err)
	}
	for i, route := range routes {
		if route.SourceLedger == "" || route.DestinationLedger == "" {
			return nil, fmt.Errorf("ROUTE_RATES[%d] needs source_ledger and destination_ledger", i)
		}
		rate, err := decimal.NewFromString(route.Rate)
		if err != nil || !rate.IsPositive() {
			return nil, fmt.Errorf("ROUTE_RATES[%d] has invalid rate %q", i, route.Rate)
		}
		if route.HopRate != "" {
			hopRate, err := decimal.NewFromString(route.HopRate)
			if err != nil || !hopRate.IsPositive() {
				return nil, fmt.Errorf("ROUTE_RATES[%d] has invalid hop_rate %q", i, route.HopRate)
			}
		}
		if route.FinalLedger != "" && route.FinalLedger != route.DestinationLedger && route.NextAccount == "" {
			return nil, fmt.Errorf("ROUTE_RATES[%d] continues to %s but has no next_account", i, route.FinalLedger)
		}
	}
	return routes, nil
}

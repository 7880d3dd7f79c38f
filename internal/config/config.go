package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// PriceConfig is one configured (tier, cycle) price.
type PriceConfig struct {
	PriceID     string `mapstructure:"priceId"`
	AmountCents int64  `mapstructure:"amountCents"`
}

// TierPrices holds both billing cycles of a tier.
type TierPrices struct {
	Monthly PriceConfig `mapstructure:"monthly"`
	Yearly  PriceConfig `mapstructure:"yearly"`
}

// Config is the application configuration.
type Config struct {
	App struct {
		Port            string        `mapstructure:"port"`
		Env             string        `mapstructure:"env"`
		ShutdownTimeout time.Duration `mapstructure:"shutdownTimeout"`
	} `mapstructure:"app"`
	Database struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"database"`
	Redis struct {
		Addr     string        `mapstructure:"addr"`
		Password string        `mapstructure:"password"`
		DB       int           `mapstructure:"db"`
		CacheTTL time.Duration `mapstructure:"cacheTtl"`
	} `mapstructure:"redis"`
	Kafka struct {
		Enabled bool     `mapstructure:"enabled"`
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"kafka"`
	Stripe struct {
		APIKey        string `mapstructure:"apiKey"`
		WebhookSecret string `mapstructure:"webhookSecret"`
	} `mapstructure:"stripe"`
	Billing struct {
		Basic             TierPrices    `mapstructure:"basic"`
		Premium           TierPrices    `mapstructure:"premium"`
		Fleet             TierPrices    `mapstructure:"fleet"`
		IdempotencyWindow time.Duration `mapstructure:"idempotencyWindow"`
		TrialDays         int           `mapstructure:"trialDays"`
	} `mapstructure:"billing"`
	Auth struct {
		// JWTSecret enables service-token checks on the subscription API when set.
		JWTSecret string `mapstructure:"jwtSecret"`
		Scope     string `mapstructure:"scope"`
	} `mapstructure:"auth"`
	Logging struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"logging"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.port", "8080")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.shutdownTimeout", 15*time.Second)

	v.SetDefault("database.dsn", "")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.cacheTtl", 5*time.Minute)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "subscription-events")

	v.SetDefault("stripe.apiKey", "")
	v.SetDefault("stripe.webhookSecret", "")

	// Amounts in cents. Price ids have no default: an unset id means not configured.
	v.SetDefault("billing.basic.monthly.priceId", "")
	v.SetDefault("billing.basic.monthly.amountCents", 1900)
	v.SetDefault("billing.basic.yearly.priceId", "")
	v.SetDefault("billing.basic.yearly.amountCents", 19000)
	v.SetDefault("billing.premium.monthly.priceId", "")
	v.SetDefault("billing.premium.monthly.amountCents", 3900)
	v.SetDefault("billing.premium.yearly.priceId", "")
	v.SetDefault("billing.premium.yearly.amountCents", 39000)
	v.SetDefault("billing.fleet.monthly.priceId", "")
	v.SetDefault("billing.fleet.monthly.amountCents", 6900)
	v.SetDefault("billing.fleet.yearly.priceId", "")
	v.SetDefault("billing.fleet.yearly.amountCents", 69000)
	v.SetDefault("billing.idempotencyWindow", 30*time.Second)
	v.SetDefault("billing.trialDays", 14)

	v.SetDefault("auth.jwtSecret", "")
	v.SetDefault("auth.scope", "billing")

	v.SetDefault("logging.level", "info")
}

// LoadConfig loads configuration from an optional .env file, an optional
// config.yaml in dir and the environment (APP_PORT, BILLING_FLEET_YEARLY_PRICEID, ...).
func LoadConfig(dir string) (*Config, error) {
	if os.Getenv("APP_ENV") != "production" {
		if err := godotenv.Load(dir + "/.env"); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config: failed to load .env: %w", err)
		}
	}

	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(dir)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal: %w", err)
	}
	return &cfg, nil
}

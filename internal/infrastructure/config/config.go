package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"

	"github.com/smartsanitation/fleet-core/internal/core/domain"
)

const (
	StoreMongo  = "mongo"
	StoreMemory = "memory"
)

type Config struct {
	Port            string        `env:"PORT,              default=8080"`
	Env             string        `env:"ENV,               default=development"`
	JWTSecret       string        `env:"JWT_SECRET"`
	TokenTTL        time.Duration `env:"JWT_TTL,      default=24h"`
	LogLevel        string        `env:"LOG_LEVEL,         default=info"`
	TelemetryAPIKey string        `env:"TELEMETRY_API_KEY"`
	StoreDriver     string        `env:"STORE_DRIVER,      default=mongo"`
	CORSOrigins     []string      `env:"CORS_ORIGINS,   default=*"`

	Mongo     MongoConfig
	Redis     RedisConfig
	Mpesa     MpesaConfig
	Paystack  PaystackConfig
	Payments  PaymentsConfig
	Broadcast BroadcastConfig
	Units     UnitsConfig
	MQTT      MQTTConfig
	Kafka     KafkaConfig
}

type MongoConfig struct {
	URI         string        `env:"MONGO_URI,           default=mongodb://localhost:27017"`
	Database    string        `env:"MONGO_DB,            default=fleet_core"`
	Timeout     time.Duration `env:"MONGO_TIMEOUT,       default=10s"`
	MaxPoolSize uint64        `env:"MONGO_MAX_POOL_SIZE, default=50"`
	MinPoolSize uint64        `env:"MONGO_MIN_POOL_SIZE, default=0"`
}

type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR,     default=localhost:6379"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB,       default=0"`
	Enabled  bool   `env:"REDIS_ENABLED,  default=true"`
}

type MpesaConfig struct {
	Environment      string `env:"MPESA_ENVIRONMENT,       default=sandbox"`
	BaseURL          string `env:"MPESA_BASE_URL"`
	ConsumerKey      string `env:"MPESA_CONSUMER_KEY"`
	ConsumerSecret   string `env:"MPESA_CONSUMER_SECRET"`
	ShortCode        string `env:"MPESA_SHORTCODE"`
	Passkey          string `env:"MPESA_PASSKEY"`
	CallbackURL      string `env:"MPESA_CALLBACK_URL"`
	AccountReference string `env:"MPESA_ACCOUNT_REFERENCE, default=SmartSanitation"`
}

type PaystackConfig struct {
	BaseURL     string `env:"PAYSTACK_BASE_URL"`
	SecretKey   string `env:"PAYSTACK_SECRET"`
	CallbackURL string `env:"PAYSTACK_CALLBACK_URL"`
}

type PaymentsConfig struct {
	Sandbox            bool          `env:"PAYMENTS_SANDBOX,     default=false"`
	MobileMoneyTTL     time.Duration `env:"MOBILE_MONEY_TTL,     default=5m"`
	CardGatewayTTL     time.Duration `env:"CARD_GATEWAY_TTL,     default=30m"`
	MobileMoneyTimeout time.Duration `env:"MOBILE_MONEY_TIMEOUT, default=10s"`
	CardGatewayTimeout time.Duration `env:"CARD_GATEWAY_TIMEOUT, default=30s"`
	SweepInterval      time.Duration `env:"SWEEP_INTERVAL,       default=30s"`
	CallbackGrace      time.Duration `env:"CALLBACK_GRACE,       default=3s"`
}

type BroadcastConfig struct {
	QueueSize int `env:"BROADCAST_QUEUE_SIZE, default=256"`
}

type UnitsConfig struct {
	StaleAfter        time.Duration `env:"STALE_UNIT_AFTER,   default=1h"`
	DispatcherWorkers int           `env:"TELEMETRY_WORKERS,  default=8"`
}

type MQTTConfig struct {
	BrokerURL string `env:"MQTT_BROKER_URL"`
	ClientID  string `env:"MQTT_CLIENT_ID"`
	Username  string `env:"MQTT_USERNAME"`
	Password  string `env:"MQTT_PASSWORD"`
	Topic     string `env:"MQTT_TOPIC, default=units/+/telemetry"`
}

type KafkaConfig struct {
	Brokers []string `env:"KAFKA_BROKERS"`
	Topic   string   `env:"KAFKA_TOPIC, default=fleet.changes"`
}

// Load reads an optional .env file, then configuration from the environment.
func Load(ctx context.Context) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return LoadFrom(ctx, envconfig.OsLookuper())
}

// LoadFrom processes configuration from l and validates it.
func LoadFrom(ctx context.Context, l envconfig.Lookuper) (*Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: &cfg, Lookuper: l}); err != nil {
		return nil, fmt.Errorf("process env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.StoreDriver != StoreMongo && c.StoreDriver != StoreMemory {
		return fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", StoreMongo, StoreMemory, c.StoreDriver)
	}
	if c.JWTSecret == "" && c.IsProduction() {
		return errors.New("JWT_SECRET is required in production")
	}
	if c.Broadcast.QueueSize <= 0 {
		return errors.New("BROADCAST_QUEUE_SIZE must be positive")
	}
	return nil
}

func (c *Config) IsProduction() bool { return c.Env == "production" }

// ProviderTTLs returns how long an attempt may stay open, per provider.
func (c *Config) ProviderTTLs() map[domain.Provider]time.Duration {
	return map[domain.Provider]time.Duration{
		domain.ProviderMobileMoney: c.Payments.MobileMoneyTTL,
		domain.ProviderCardGateway: c.Payments.CardGatewayTTL,
	}
}

// ProviderTimeouts returns the outbound initiation timeout, per provider.
func (c *Config) ProviderTimeouts() map[domain.Provider]time.Duration {
	return map[domain.Provider]time.Duration{
		domain.ProviderMobileMoney: c.Payments.MobileMoneyTimeout,
		domain.ProviderCardGateway: c.Payments.CardGatewayTimeout,
	}
}

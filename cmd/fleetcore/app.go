package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/smartsanitation/fleet-core/internal/core/domain"
	"github.com/smartsanitation/fleet-core/internal/core/ports"
	"github.com/smartsanitation/fleet-core/internal/core/service"
	"github.com/smartsanitation/fleet-core/internal/infrastructure/config"
	"github.com/smartsanitation/fleet-core/internal/infrastructure/db/memory"
	mongostore "github.com/smartsanitation/fleet-core/internal/infrastructure/db/mongo"
	redisstore "github.com/smartsanitation/fleet-core/internal/infrastructure/db/redis"
	"github.com/smartsanitation/fleet-core/internal/infrastructure/gateway"
	"github.com/smartsanitation/fleet-core/pkg/logger"
)

// stores holds the repositories selected by STORE_DRIVER and the optional
// Redis client. close releases whatever was opened.
type stores struct {
	units    ports.UnitRepository
	payments ports.PaymentRepository
	users    ports.AuthRepository

	db    *mongo.Database
	redis *redis.Client

	close func()
}

func loadConfig(ctx context.Context) (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(ctx)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	log := logger.Init(logger.Options{
		Level:   cfg.LogLevel,
		Pretty:  !cfg.IsProduction(),
		Service: "fleetcore",
	})
	return cfg, log, nil
}

func openStores(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*stores, error) {
	s := &stores{close: func() {}}
	var closers []func()
	s.close = func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	switch cfg.StoreDriver {
	case config.StoreMemory:
		log.Warn().Msg("using in-memory store; data is lost on restart")
		s.units = memory.NewUnitRepository()
		s.payments = memory.NewPaymentRepository()
		s.users = memory.NewAuthRepository()
	default:
		client, db, err := mongostore.Connect(ctx, mongostore.Config{
			URI:         cfg.Mongo.URI,
			Database:    cfg.Mongo.Database,
			Timeout:     cfg.Mongo.Timeout,
			MaxPoolSize: cfg.Mongo.MaxPoolSize,
			MinPoolSize: cfg.Mongo.MinPoolSize,
		})
		if err != nil {
			return nil, err
		}
		closers = append(closers, func() {
			_ = mongostore.Disconnect(client, 5*time.Second)
		})

		units := mongostore.NewUnitRepository(db)
		payments := mongostore.NewPaymentRepository(db)
		users := mongostore.NewAuthRepository(db)
		for name, ensure := range map[string]func(context.Context) error{
			"units":    units.EnsureIndexes,
			"payments": payments.EnsureIndexes,
			"users":    users.EnsureIndexes,
		} {
			if err := ensure(ctx); err != nil {
				s.close()
				return nil, fmt.Errorf("ensure %s indexes: %w", name, err)
			}
		}
		s.units, s.payments, s.users, s.db = units, payments, users, db
		log.Info().Str("database", cfg.Mongo.Database).Msg("connected to mongodb")
	}

	if cfg.Redis.Enabled {
		rdb, err := redisstore.Connect(ctx, redisstore.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			// Dedup is optional.
			log.Warn().Err(err).Msg("redis unavailable, callback dedup disabled")
		} else {
			closers = append(closers, func() { _ = rdb.Close() })
			s.redis = rdb
		}
	}

	return s, nil
}

// dedupChecker returns nil when Redis is not connected.
func (s *stores) dedupChecker() service.DedupChecker {
	if s.redis == nil {
		return nil
	}
	return redisstore.NewDedupChecker(s.redis)
}

// buildGateways returns the provider adapters. mpesa is nil in sandbox mode.
func buildGateways(cfg *config.Config, log zerolog.Logger) ([]ports.PaymentGateway, *gateway.Mpesa) {
	if cfg.Payments.Sandbox {
		log.Warn().Msg("payments running against the sandbox adapters")
		return []ports.PaymentGateway{
			gateway.NewSandbox(domain.ProviderMobileMoney),
			gateway.NewSandbox(domain.ProviderCardGateway),
		}, nil
	}

	httpClient := &http.Client{Timeout: 30 * time.Second}
	mpesa := gateway.NewMpesa(gateway.MpesaConfig{
		Environment:      cfg.Mpesa.Environment,
		BaseURL:          cfg.Mpesa.BaseURL,
		ConsumerKey:      cfg.Mpesa.ConsumerKey,
		ConsumerSecret:   cfg.Mpesa.ConsumerSecret,
		ShortCode:        cfg.Mpesa.ShortCode,
		Passkey:          cfg.Mpesa.Passkey,
		CallbackURL:      cfg.Mpesa.CallbackURL,
		AccountReference: cfg.Mpesa.AccountReference,
	}, httpClient, log)
	paystack := gateway.NewPaystack(gateway.PaystackConfig{
		BaseURL:     cfg.Paystack.BaseURL,
		SecretKey:   cfg.Paystack.SecretKey,
		CallbackURL: cfg.Paystack.CallbackURL,
	}, httpClient, log)
	return []ports.PaymentGateway{mpesa, paystack}, mpesa
}

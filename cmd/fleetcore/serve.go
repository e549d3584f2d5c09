package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/smartsanitation/fleet-core/internal/api"
	"github.com/smartsanitation/fleet-core/internal/core/service"
	"github.com/smartsanitation/fleet-core/internal/infrastructure/broadcast"
	"github.com/smartsanitation/fleet-core/internal/infrastructure/kafka"
	"github.com/smartsanitation/fleet-core/internal/infrastructure/mqtt"
	"github.com/smartsanitation/fleet-core/internal/infrastructure/queue"
	"github.com/smartsanitation/fleet-core/internal/infrastructure/scheduler"
	"github.com/smartsanitation/fleet-core/pkg/logger"
)

const shutdownTimeout = 15 * time.Second

func serveCmd() *cobra.Command {
	var noSweeper bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, the sweeper and the optional MQTT and Kafka pipelines",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), noSweeper)
		},
	}
	cmd.Flags().BoolVar(&noSweeper, "no-sweeper", false, "do not run the sweeper here; changes made by a separate fleetcore sweep reach Kafka only, not this process's stream clients")
	return cmd
}

func runServe(parent context.Context, noSweeper bool) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, log, err := loadConfig(ctx)
	if err != nil {
		return err
	}

	st, err := openStores(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer st.close()

	// --- Core ---
	hub := broadcast.NewHub(cfg.Broadcast.QueueSize, logger.Component("broadcast"))
	locks := service.NewKeyedMutex()
	telemetrySvc := service.NewTelemetryService(st.units, hub, locks, logger.Component("telemetry"))
	unitSvc := service.NewUnitService(st.units, logger.Component("units"))
	gateways, mpesa := buildGateways(cfg, log)
	paymentSvc := service.NewPaymentService(st.payments, gateways, hub, st.dedupChecker(),
		service.PaymentOptions{
			InitiateTimeouts: cfg.ProviderTimeouts(),
			CallbackGrace:    cfg.Payments.CallbackGrace,
		}, logger.Component("payments"))
	authSvc := service.NewAuthService(st.users, cfg.JWTSecret, cfg.TokenTTL)

	var wg sync.WaitGroup
	goRun := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	if mpesa != nil {
		goRun(func() { mpesa.RunTokenRefresher(ctx) })
	}

	// --- Telemetry pipeline ---
	dispatcher := queue.NewDispatcher(cfg.Units.DispatcherWorkers, telemetrySvc, logger.Component("dispatcher"))
	dispatcher.Start(ctx)

	if cfg.MQTT.BrokerURL != "" {
		consumer := mqtt.NewConsumer(mqtt.Config{
			BrokerURL: cfg.MQTT.BrokerURL,
			ClientID:  cfg.MQTT.ClientID,
			Username:  cfg.MQTT.Username,
			Password:  cfg.MQTT.Password,
			Topic:     cfg.MQTT.Topic,
		}, dispatcher, log)
		if err := consumer.Start(ctx); err != nil {
			return err
		}
	}

	if len(cfg.Kafka.Brokers) > 0 {
		sink := kafka.NewSink(kafka.Config{Brokers: cfg.Kafka.Brokers, Topic: cfg.Kafka.Topic}, hub, log)
		goRun(func() { sink.Run(ctx) })
	}

	if !noSweeper {
		sweeper := scheduler.NewSweeper(scheduler.Config{
			Interval:   cfg.Payments.SweepInterval,
			TTLs:       cfg.ProviderTTLs(),
			StaleAfter: cfg.Units.StaleAfter,
		}, paymentSvc, telemetrySvc, log)
		goRun(func() { sweeper.Run(ctx) })
	}

	// --- HTTP ---
	e := api.NewRouter(api.Deps{
		Telemetry:   telemetrySvc,
		Units:       unitSvc,
		Payments:    paymentSvc,
		Auth:        authSvc,
		Gateways:    gateways,
		Hub:         hub,
		Mongo:       st.db,
		Redis:       st.redis,
		JWTSecret:   cfg.JWTSecret,
		DeviceKey:   cfg.TelemetryAPIKey,
		CORSOrigins: cfg.CORSOrigins,
		Log:         logger.Component("http"),
	})

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("port", cfg.Port).Str("env", cfg.Env).Msg("http server listening")
		if err := e.Start(":" + cfg.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("http server failed")
			stop()
			wg.Wait()
			dispatcher.Wait()
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown failed")
	}

	stop()
	wg.Wait()
	dispatcher.Wait()
	log.Info().Msg("fleetcore stopped")
	return nil
}

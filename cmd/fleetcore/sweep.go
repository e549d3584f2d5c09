package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/smartsanitation/fleet-core/internal/core/ports"
	"github.com/smartsanitation/fleet-core/internal/core/service"
	"github.com/smartsanitation/fleet-core/internal/infrastructure/broadcast"
	"github.com/smartsanitation/fleet-core/internal/infrastructure/kafka"
	"github.com/smartsanitation/fleet-core/internal/infrastructure/scheduler"
	"github.com/smartsanitation/fleet-core/pkg/logger"
)

// sweepCmd runs one expiry and stale-unit pass, for cron-style deployments
// that start serve with --no-sweeper.
func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire overdue payment attempts and mark silent units offline, once",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			cfg, log, err := loadConfig(ctx)
			if err != nil {
				return err
			}
			st, err := openStores(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer st.close()

			// Stream clients of a serve process never see these changes live.
			// With Kafka configured they are forwarded to the change topic;
			// otherwise dashboards pick them up on their next full-state fetch.
			var publisher ports.EventPublisher = broadcast.NewHub(1, logger.Component("broadcast"))
			var batch *kafka.Batch
			if len(cfg.Kafka.Brokers) > 0 {
				batch = kafka.NewBatch(kafka.Config{Brokers: cfg.Kafka.Brokers, Topic: cfg.Kafka.Topic}, log)
				defer batch.Close()
				publisher = batch
			}

			gateways, _ := buildGateways(cfg, log)
			payments := service.NewPaymentService(st.payments, gateways, publisher, st.dedupChecker(),
				service.PaymentOptions{InitiateTimeouts: cfg.ProviderTimeouts()}, logger.Component("payments"))
			telemetry := service.NewTelemetryService(st.units, publisher, service.NewKeyedMutex(), logger.Component("telemetry"))

			sweeper := scheduler.NewSweeper(scheduler.Config{
				TTLs:       cfg.ProviderTTLs(),
				StaleAfter: cfg.Units.StaleAfter,
			}, payments, telemetry, log)

			expired, offline := sweeper.RunOnce(ctx)
			fmt.Fprintf(cmd.OutOrStdout(), "expired %d payment attempt(s), marked %d unit(s) offline\n", expired, offline)

			if batch != nil {
				n, err := batch.Flush(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "published %d change event(s) to %s\n", n, cfg.Kafka.Topic)
			}
			return nil
		},
	}
}

// Package mqtt subscribes to device telemetry on an MQTT broker and feeds it
// to the sharded dispatcher.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/smartsanitation/fleet-core/internal/core/domain"
	"github.com/smartsanitation/fleet-core/internal/core/ports"
	"github.com/smartsanitation/fleet-core/internal/infrastructure/metrics"
	"github.com/smartsanitation/fleet-core/internal/infrastructure/queue"
)

const (
	DefaultTopic = "units/+/telemetry"
	sourceMQTT   = "mqtt"
	qosAtLeast   = 1
)

var errBadTopic = errors.New("topic does not carry a serial number")

type Config struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string
	Topic     string
}

// Enqueuer is the slice of the dispatcher the consumer needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, r queue.Reading) error
}

// Consumer owns one MQTT connection.
type Consumer struct {
	cfg    Config
	client paho.Client
	sink   Enqueuer
	log    zerolog.Logger
	ctx    context.Context
}

func NewConsumer(cfg Config, sink Enqueuer, log zerolog.Logger) *Consumer {
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	if cfg.ClientID == "" {
		cfg.ClientID = fmt.Sprintf("fleetcore-%d", time.Now().UnixNano())
	}
	return &Consumer{cfg: cfg, sink: sink, log: log.With().Str("component", "mqtt").Logger()}
}

// Start connects and subscribes. Messages are processed until ctx is cancelled;
// the subscription is restored on every reconnect.
func (c *Consumer) Start(ctx context.Context) error {
	c.ctx = ctx
	opts := paho.NewClientOptions().
		AddBroker(c.cfg.BrokerURL).
		SetClientID(c.cfg.ClientID).
		SetUsername(c.cfg.Username).
		SetPassword(c.cfg.Password).
		SetAutoReconnect(true).
		SetCleanSession(false).
		SetOrderMatters(true).
		SetOnConnectHandler(func(cl paho.Client) {
			tok := cl.Subscribe(c.cfg.Topic, qosAtLeast, c.handle)
			if tok.Wait() && tok.Error() != nil {
				c.log.Error().Err(tok.Error()).Str("topic", c.cfg.Topic).Msg("subscribe failed")
				return
			}
			c.log.Info().Str("topic", c.cfg.Topic).Msg("subscribed to telemetry")
		}).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			c.log.Warn().Err(err).Msg("mqtt connection lost")
		})

	c.client = paho.NewClient(opts)
	if tok := c.client.Connect(); tok.Wait() && tok.Error() != nil {
		return fmt.Errorf("mqtt connect: %w", tok.Error())
	}

	go func() {
		<-ctx.Done()
		c.client.Disconnect(250)
	}()
	return nil
}

func (c *Consumer) handle(_ paho.Client, msg paho.Message) {
	r, err := ParseMessage(msg.Topic(), msg.Payload())
	if err != nil {
		metrics.TelemetryReadingsTotal.WithLabelValues(sourceMQTT, "invalid").Inc()
		c.log.Warn().Err(err).Str("topic", msg.Topic()).Msg("dropping malformed telemetry message")
		return
	}
	if err := c.sink.Enqueue(c.ctx, r); err != nil {
		c.log.Warn().Err(err).Str("serial_no", r.SerialNo).Msg("telemetry enqueue aborted")
	}
}

type telemetryMessage struct {
	FillLevel    *float64            `json:"fill_level"`
	BatteryLevel *float64            `json:"battery_level"`
	Coordinates  *domain.Coordinates `json:"coordinates,omitempty"`
	Timestamp    *time.Time          `json:"timestamp,omitempty"`
}

// ParseMessage decodes a units/<serial>/telemetry message.
func ParseMessage(topic string, payload []byte) (queue.Reading, error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != "units" || parts[1] == "" || parts[2] != "telemetry" {
		return queue.Reading{}, fmt.Errorf("%w: %q", errBadTopic, topic)
	}

	var m telemetryMessage
	if err := json.Unmarshal(payload, &m); err != nil {
		return queue.Reading{}, fmt.Errorf("decode telemetry: %w", err)
	}
	if m.FillLevel == nil || m.BatteryLevel == nil {
		return queue.Reading{}, fmt.Errorf("%w: fill_level and battery_level are required", domain.ErrInvalidReading)
	}

	return queue.Reading{
		SerialNo: parts[1],
		Source:   sourceMQTT,
		Reading: ports.TelemetryReading{
			FillLevel:    *m.FillLevel,
			BatteryLevel: *m.BatteryLevel,
			Coordinates:  m.Coordinates,
			Timestamp:    m.Timestamp,
		},
	}, nil
}

package broker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"detectsvc/internal/infra"
	"detectsvc/internal/metrics"
)

// DeliveryHandler settles one delivery. It must ack or nack before returning.
type DeliveryHandler interface {
	Handle(ctx context.Context, d amqp.Delivery)
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	URL            string
	Queue          string
	Exchange       string
	ReconnectDelay time.Duration
	Dial           Dialer
	Metrics        *metrics.Metrics
}

// Manager keeps one consumer attached to the job queue, reconnecting after
// any connection level failure until its context is cancelled.
type Manager struct {
	opts      ManagerOptions
	handler   DeliveryHandler
	logger    zerolog.Logger
	consuming atomic.Bool
}

func NewManager(opts ManagerOptions, handler DeliveryHandler, logger zerolog.Logger) *Manager {
	if opts.Dial == nil {
		opts.Dial = DialAMQP
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 5 * time.Second
	}
	return &Manager{
		opts:    opts,
		handler: handler,
		logger:  logger.With().Str("component", "broker").Logger(),
	}
}

// Consuming reports whether a consumer is currently attached.
func (m *Manager) Consuming() bool {
	return m.consuming.Load()
}

// Run blocks until ctx is cancelled. A job being handled when the context is
// cancelled runs to completion and is settled before Run returns.
func (m *Manager) Run(ctx context.Context) error {
	for {
		err := m.consume(ctx)
		m.setConsuming(false)
		if ctx.Err() != nil {
			m.logger.Info().Msg("broker: consumer stopped")
			return nil
		}
		m.logger.Warn().Err(err).Dur("retry_in", m.opts.ReconnectDelay).Msg("broker: connection lost")
		m.opts.Metrics.Reconnect()

		timer := time.NewTimer(m.opts.ReconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			m.logger.Info().Msg("broker: consumer stopped")
			return nil
		case <-timer.C:
		}
	}
}

func (m *Manager) consume(ctx context.Context) error {
	conn, err := m.opts.Dial(m.opts.URL)
	if err != nil {
		return fmt.Errorf("dial %s: %w", infra.MaskURL(m.opts.URL), err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if err := declare(ch, m.opts.Queue, m.opts.Exchange); err != nil {
		return err
	}
	if err := ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("set prefetch: %w", err)
	}
	deliveries, err := ch.Consume(m.opts.Queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", m.opts.Queue, err)
	}
	closed := conn.NotifyClose(make(chan *amqp.Error, 1))

	m.setConsuming(true)
	m.logger.Info().Str("queue", m.opts.Queue).Str("exchange", m.opts.Exchange).Msg("broker: consuming")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case amqpErr, ok := <-closed:
			if !ok || amqpErr == nil {
				return errors.New("connection closed")
			}
			return amqpErr
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}
			m.handler.Handle(context.WithoutCancel(ctx), d)
		}
	}
}

func (m *Manager) setConsuming(on bool) {
	m.consuming.Store(on)
	m.opts.Metrics.SetConsuming(on)
}

// declare is idempotent; both ends of the pipeline call it.
func declare(ch Channel, queue, exchange string) error {
	if queue != "" {
		if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare queue %s: %w", queue, err)
		}
	}
	if exchange != "" {
		if err := ch.ExchangeDeclare(exchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare exchange %s: %w", exchange, err)
		}
	}
	return nil
}

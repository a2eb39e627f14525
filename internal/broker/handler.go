package broker

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"detectsvc/internal/domain"
	"detectsvc/internal/metrics"
)

const deliveryCountHeader = "x-delivery-count"

// JobProcessor turns a job into a result.
type JobProcessor interface {
	Process(ctx context.Context, job domain.Job) (domain.Result, error)
}

// ResultPublisher delivers a result keyed by routing key.
type ResultPublisher interface {
	Publish(ctx context.Context, routingKey string, result domain.Result) error
}

// HandlerOptions configures a Handler. Cache and Metrics are optional.
type HandlerOptions struct {
	Cache         ResultCache
	Metrics       *metrics.Metrics
	MaxDeliveries int
	PublishTries  uint
	// RetryBackOff builds the backoff used between publish attempts.
	RetryBackOff func() backoff.BackOff
}

// Handler settles one job delivery: process, publish, then ack. Every failure
// nacks with requeue unless the delivery limit has been reached.
type Handler struct {
	processor JobProcessor
	publisher ResultPublisher
	opts      HandlerOptions
	logger    zerolog.Logger
}

func NewHandler(processor JobProcessor, publisher ResultPublisher, opts HandlerOptions, logger zerolog.Logger) *Handler {
	if opts.PublishTries == 0 {
		opts.PublishTries = 3
	}
	if opts.RetryBackOff == nil {
		opts.RetryBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 250 * time.Millisecond
			b.MaxInterval = 2 * time.Second
			return b
		}
	}
	h := &Handler{
		processor: processor,
		publisher: publisher,
		opts:      opts,
		logger:    logger.With().Str("component", "handler").Logger(),
	}
	if opts.MaxDeliveries > 1 {
		// classic queues only expose the redelivered flag, which counts as one.
		h.logger.Warn().
			Int("max_deliveries", opts.MaxDeliveries).
			Msg("handler: delivery limits above 1 need the x-delivery-count header of quorum queues, classic queues never reach them")
	}
	return h
}

func (h *Handler) Handle(ctx context.Context, d amqp.Delivery) {
	start := time.Now()
	outcome := h.handle(ctx, d)
	h.opts.Metrics.JobSettled(string(outcome), time.Since(start))
}

func (h *Handler) handle(ctx context.Context, d amqp.Delivery) domain.JobOutcome {
	log := h.logger.With().Uint64("delivery_tag", d.DeliveryTag).Logger()

	if limit := h.opts.MaxDeliveries; limit > 0 {
		if n := deliveryCount(d); n >= limit {
			log.Error().Int("deliveries", n).Int("max", limit).Msg("handler: delivery limit reached, rejecting")
			h.nack(log, d, false)
			return domain.JobOutcomeRejected
		}
	}

	job, err := domain.ParseJob(d.Body)
	if err != nil {
		log.Error().Err(err).Msg("handler: malformed job")
		h.nack(log, d, true)
		return domain.JobOutcomeMalformed
	}
	log = log.With().Str("chat_id", job.ChatID).Str("job_id", job.CorrelationID()).Logger()

	key := JobKey(job)
	outcome := domain.JobOutcomeSucceeded
	result, cached := h.cached(ctx, log, key)
	if cached {
		result = result.ForJob(job)
		outcome = domain.JobOutcomeDuplicate
		log.Info().Str("prediction_uid", result.PredictionUID).Msg("handler: job already processed, republishing")
	} else {
		log.Info().Str("bucket", job.Bucket).Str("key", job.Key).Msg("handler: job received")
		result, err = h.processor.Process(ctx, job)
		if err != nil {
			log.Error().Err(err).Msg("handler: job failed, requeueing")
			h.nack(log, d, true)
			return domain.JobOutcomeRequeued
		}
		if h.opts.Cache != nil {
			if err := h.opts.Cache.Put(ctx, key, result); err != nil {
				log.Warn().Err(err).Msg("handler: result cache write failed")
			}
		}
	}

	if err := h.publish(ctx, job.ChatID, result); err != nil {
		h.opts.Metrics.PublishFailed()
		log.Error().Err(err).Str("prediction_uid", result.PredictionUID).Msg("handler: publish failed, requeueing")
		h.nack(log, d, true)
		return domain.JobOutcomePublishErr
	}

	if err := d.Ack(false); err != nil {
		log.Error().Err(err).Msg("handler: ack failed")
	}
	log.Info().
		Str("prediction_uid", result.PredictionUID).
		Int("detections", result.DetectionCount).
		Float64("time_took", result.TimeTook).
		Msg("handler: job done")
	return outcome
}

func (h *Handler) cached(ctx context.Context, log zerolog.Logger, key string) (domain.Result, bool) {
	if h.opts.Cache == nil {
		return domain.Result{}, false
	}
	res, err := h.opts.Cache.Get(ctx, key)
	if err != nil {
		log.Warn().Err(err).Msg("handler: result cache read failed")
		return domain.Result{}, false
	}
	if res == nil {
		return domain.Result{}, false
	}
	return *res, true
}

func (h *Handler) publish(ctx context.Context, routingKey string, result domain.Result) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, h.publisher.Publish(ctx, routingKey, result)
	},
		backoff.WithBackOff(h.opts.RetryBackOff()),
		backoff.WithMaxTries(h.opts.PublishTries),
	)
	return err
}

func (h *Handler) nack(log zerolog.Logger, d amqp.Delivery, requeue bool) {
	if err := d.Nack(false, requeue); err != nil {
		log.Error().Err(err).Bool("requeue", requeue).Msg("handler: nack failed")
	}
}

// deliveryCount is how many times the broker has delivered the message
// before this delivery.
func deliveryCount(d amqp.Delivery) int {
	switch v := d.Headers[deliveryCountHeader].(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int16:
		return int(v)
	case int8:
		return int(v)
	case uint8:
		return int(v)
	case uint16:
		return int(v)
	case uint32:
		return int(v)
	}
	if d.Redelivered {
		return 1
	}
	return 0
}

package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"detectsvc/internal/domain"
)

// Publisher sends results to the result exchange. Each call opens and closes
// its own connection so it never shares state with the consumer.
type Publisher struct {
	url      string
	exchange string
	dial     Dialer
	now      func() time.Time
}

func NewPublisher(url, exchange string, dial Dialer) *Publisher {
	if dial == nil {
		dial = DialAMQP
	}
	return &Publisher{url: url, exchange: exchange, dial: dial, now: time.Now}
}

// Publish sends result with the chat id as routing key.
func (p *Publisher) Publish(ctx context.Context, routingKey string, result domain.Result) error {
	body, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("%w: encode result: %v", domain.ErrPublish, err)
	}
	return p.PublishRaw(ctx, p.exchange, routingKey, body)
}

// PublishRaw sends an already encoded JSON body. An empty exchange publishes
// to the default exchange, where the routing key names a queue.
func (p *Publisher) PublishRaw(ctx context.Context, exchange, routingKey string, body []byte) error {
	conn, err := p.dial(p.url)
	if err != nil {
		return fmt.Errorf("%w: dial: %v", domain.ErrPublish, err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("%w: open channel: %v", domain.ErrPublish, err)
	}
	defer ch.Close()

	queue := ""
	if exchange == "" {
		queue = routingKey
	}
	if err := declare(ch, queue, exchange); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrPublish, err)
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    p.now().UTC(),
		Body:         body,
	}
	if err := ch.PublishWithContext(ctx, exchange, routingKey, false, false, msg); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrPublish, err)
	}
	return nil
}

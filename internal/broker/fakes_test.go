package broker

import (
	"context"
	"errors"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"detectsvc/internal/domain"
)

type settlement struct {
	tag     uint64
	ack     bool
	requeue bool
}

type fakeAck struct {
	mu      sync.Mutex
	settled []settlement
}

func (a *fakeAck) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.settled = append(a.settled, settlement{tag: tag, ack: true})
	return nil
}

func (a *fakeAck) Nack(tag uint64, multiple, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.settled = append(a.settled, settlement{tag: tag, requeue: requeue})
	return nil
}

func (a *fakeAck) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func (a *fakeAck) all() []settlement {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]settlement(nil), a.settled...)
}

type published struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

type qosCall struct {
	count, size int
	global      bool
}

type fakeChannel struct {
	mu         sync.Mutex
	deliveries chan amqp.Delivery
	queues     []string
	exchanges  []string
	kinds      []string
	qos        []qosCall
	published  []published
	publishErr error
	closed     bool
}

func (c *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !durable {
		return amqp.Queue{}, errors.New("queue must be durable")
	}
	c.queues = append(c.queues, name)
	return amqp.Queue{Name: name}, nil
}

func (c *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !durable {
		return errors.New("exchange must be durable")
	}
	c.exchanges = append(c.exchanges, name)
	c.kinds = append(c.kinds, kind)
	return nil
}

func (c *fakeChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.qos = append(c.qos, qosCall{prefetchCount, prefetchSize, global})
	return nil
}

func (c *fakeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	if autoAck {
		return nil, errors.New("auto ack not allowed")
	}
	return c.deliveries, nil
}

func (c *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.publishErr != nil {
		return c.publishErr
	}
	c.published = append(c.published, published{exchange: exchange, key: key, msg: msg})
	return nil
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

type fakeConn struct {
	mu     sync.Mutex
	ch     *fakeChannel
	notify chan *amqp.Error
	closed bool
}

func (c *fakeConn) Channel() (Channel, error) { return c.ch, nil }

func (c *fakeConn) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notify = receiver
	return receiver
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// drop simulates the broker closing the connection.
func (c *fakeConn) drop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notify <- &amqp.Error{Code: amqp.ConnectionForced, Reason: "forced"}
}

type fakeProcessor struct {
	mu     sync.Mutex
	calls  []domain.Job
	result domain.Result
	err    error
}

func (p *fakeProcessor) Process(ctx context.Context, job domain.Job) (domain.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, job)
	if p.err != nil {
		return domain.Result{}, p.err
	}
	return p.result.ForJob(job), nil
}

type fakePublisher struct {
	mu       sync.Mutex
	attempts int
	sent     []domain.Result
	keys     []string
	failures int
}

func (p *fakePublisher) Publish(ctx context.Context, routingKey string, result domain.Result) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempts++
	if p.failures > 0 {
		p.failures--
		return domain.ErrPublish
	}
	p.sent = append(p.sent, result)
	p.keys = append(p.keys, routingKey)
	return nil
}

type memCache struct {
	items map[string]domain.Result
}

func (c *memCache) Get(ctx context.Context, key string) (*domain.Result, error) {
	if r, ok := c.items[key]; ok {
		return &r, nil
	}
	return nil, nil
}

func (c *memCache) Put(ctx context.Context, key string, result domain.Result) error {
	c.items[key] = result
	return nil
}

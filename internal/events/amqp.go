package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	DefaultQueueName   = "queue.events"
	DefaultBufferSize  = 256
	DefaultDialTimeout = 2 * time.Second

	publishTimeout = 5 * time.Second
	redialBackoff  = 5 * time.Second
)

var (
	ErrPublisherBusy   = errors.New("event buffer full")
	ErrPublisherClosed = errors.New("event publisher closed")
)

type AMQPOptions struct {
	QueueName   string
	BufferSize  int
	DialTimeout time.Duration
	Logger      *zap.Logger
}

// AMQPPublisher sends events as persistent JSON messages to a durable queue
// on the default exchange. Publish only enqueues; a background loop owns the
// broker connection, so a slow or absent broker never delays the caller.
// Events that arrive while the buffer is full are dropped.
type AMQPPublisher struct {
	url         string
	queueName   string
	dialTimeout time.Duration
	logger      *zap.Logger

	events    chan QueueEvent
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once

	// Owned by run.
	conn    *amqp.Connection
	ch      *amqp.Channel
	retryAt time.Time
}

func NewAMQPPublisher(url string, opts AMQPOptions) *AMQPPublisher {
	if opts.QueueName == "" {
		opts.QueueName = DefaultQueueName
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	p := &AMQPPublisher{
		url:         url,
		queueName:   opts.QueueName,
		dialTimeout: opts.DialTimeout,
		logger:      opts.Logger,
		events:      make(chan QueueEvent, opts.BufferSize),
		done:        make(chan struct{}),
	}
	p.wg.Add(1)
	go p.run()
	return p
}

// Publish hands event to the background loop without waiting for the broker.
func (p *AMQPPublisher) Publish(ctx context.Context, event QueueEvent) error {
	select {
	case <-p.done:
		return ErrPublisherClosed
	default:
	}
	select {
	case p.events <- event:
		return nil
	default:
		return fmt.Errorf("drop %s: %w", event.Type, ErrPublisherBusy)
	}
}

// Close stops the loop and releases the broker connection. Events still
// buffered are sent if the broker is reachable.
func (p *AMQPPublisher) Close() error {
	p.closeOnce.Do(func() {
		close(p.done)
		p.wg.Wait()
	})
	return nil
}

func (p *AMQPPublisher) run() {
	defer p.wg.Done()
	defer p.reset()
	for {
		select {
		case event := <-p.events:
			p.send(event)
		case <-p.done:
			for {
				select {
				case event := <-p.events:
					p.send(event)
				default:
					return
				}
			}
		}
	}
}

func (p *AMQPPublisher) send(event QueueEvent) {
	body, err := json.Marshal(event)
	if err != nil {
		p.logger.Warn("marshal queue event failed", zap.String("type", event.Type), zap.Error(err))
		return
	}

	ch, err := p.channel()
	if err != nil {
		p.logger.Warn("queue event dropped", zap.String("type", event.Type), zap.String("queue_id", event.QueueID), zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    event.EventID,
		Type:         event.Type,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}
	if err := ch.PublishWithContext(ctx, "", p.queueName, false, false, msg); err != nil {
		p.reset()
		p.logger.Warn("publish queue event failed", zap.String("type", event.Type), zap.String("queue_id", event.QueueID), zap.Error(err))
	}
}

// channel returns an open channel, dialing with a bounded timeout when
// needed. After a failed dial it refuses to redial until the backoff passes.
func (p *AMQPPublisher) channel() (*amqp.Channel, error) {
	if p.conn != nil && !p.conn.IsClosed() && p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}
	p.reset()
	if time.Now().Before(p.retryAt) {
		return nil, errors.New("rabbitmq unavailable, waiting to redial")
	}

	conn, err := amqp.DialConfig(p.url, amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
		Dial:      amqp.DefaultDial(p.dialTimeout),
	})
	if err != nil {
		p.retryAt = time.Now().Add(redialBackoff)
		return nil, fmt.Errorf("rabbitmq dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		p.retryAt = time.Now().Add(redialBackoff)
		return nil, fmt.Errorf("rabbitmq channel: %w", err)
	}
	if _, err := ch.QueueDeclare(p.queueName, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		p.retryAt = time.Now().Add(redialBackoff)
		return nil, fmt.Errorf("rabbitmq queue declare: %w", err)
	}

	p.logger.Info("rabbitmq connected", zap.String("queue", p.queueName))
	p.conn = conn
	p.ch = ch
	return ch, nil
}

func (p *AMQPPublisher) reset() {
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
}

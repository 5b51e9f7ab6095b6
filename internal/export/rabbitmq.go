package export

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

// RabbitPublisher publishes to a durable fanout exchange and reconnects on
// demand when the connection drops.
type RabbitPublisher struct {
	url        string
	exchange   string
	maxRetries int
	retryDelay time.Duration
	log        *zap.Logger

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
}

// NewRabbitPublisher dials url and declares exchange.
func NewRabbitPublisher(ctx context.Context, url, exchange string, log *zap.Logger) (*RabbitPublisher, error) {
	if log == nil {
		log = zap.NewNop()
	}
	p := &RabbitPublisher{
		url:        url,
		exchange:   exchange,
		maxRetries: 5,
		retryDelay: 2 * time.Second,
		log:        log.With(zap.String("component", "export.rabbitmq")),
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.connectWithRetry(ctx); err != nil {
		return nil, fmt.Errorf("connect rabbitmq: %w", err)
	}
	return p, nil
}

func (p *RabbitPublisher) connect() error {
	p.closeLocked()

	conn, err := amqp.Dial(p.url)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(p.exchange, "fanout", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("declare exchange %s: %w", p.exchange, err)
	}
	p.conn = conn
	p.channel = ch
	p.log.Info("connected", zap.String("exchange", p.exchange))
	return nil
}

func (p *RabbitPublisher) connectWithRetry(ctx context.Context) error {
	var err error
	for i := 0; i < p.maxRetries; i++ {
		if err = p.connect(); err == nil {
			return nil
		}
		p.log.Warn("connect failed", zap.Int("attempt", i+1), zap.Int("max", p.maxRetries), zap.Error(err))
		if !sleep(ctx, p.retryDelay) {
			return ctx.Err()
		}
	}
	return fmt.Errorf("giving up after %d attempts: %w", p.maxRetries, err)
}

func (p *RabbitPublisher) Publish(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode ban message: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for i := 0; i < p.maxRetries; i++ {
		if p.conn == nil || p.conn.IsClosed() {
			if err = p.connectWithRetry(ctx); err != nil {
				return err
			}
		}
		err = p.channel.PublishWithContext(ctx, p.exchange, "", false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    msg.At,
			Body:         body,
		})
		if err == nil {
			return nil
		}
		p.log.Warn("publish failed", zap.Int("attempt", i+1), zap.Error(err))
		if p.conn != nil {
			p.conn.Close()
		}
		if !sleep(ctx, p.retryDelay) {
			return ctx.Err()
		}
	}
	return fmt.Errorf("publish to %s failed after %d attempts: %w", p.exchange, p.maxRetries, err)
}

// Ping reports the connection state without reconnecting.
func (p *RabbitPublisher) Ping() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil || p.conn.IsClosed() {
		return errors.New("rabbitmq connection is not active")
	}
	if p.channel == nil {
		return errors.New("rabbitmq channel is not active")
	}
	return nil
}

// Degraded reports a dropped connection.
func (p *RabbitPublisher) Degraded() bool { return p.Ping() != nil }

func (p *RabbitPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeLocked()
}

func (p *RabbitPublisher) closeLocked() error {
	if p.channel != nil {
		if err := p.channel.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			return err
		}
		p.channel = nil
	}
	if p.conn != nil {
		if err := p.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			return err
		}
		p.conn = nil
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Package publish delivers threat alerts to operator tooling over AMQP.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"waitgate/internal/admission/core"
	"waitgate/internal/admission/observability"
)

// AMQPPublisher fans threat alerts out on a durable fanout exchange. It
// reconnects lazily on publish because RabbitMQ connections drop under
// broker restarts and the alert path must not take the service down.
type AMQPPublisher struct {
	url      string
	exchange string
	logger   observability.Logger

	mu      sync.Mutex
	conn    *amqp091.Connection
	channel *amqp091.Channel

	maxRetries int
	retryDelay time.Duration
}

// NewAMQPPublisher dials the broker and declares the exchange.
func NewAMQPPublisher(url, exchange string, logger observability.Logger) (*AMQPPublisher, error) {
	if url == "" {
		return nil, errors.New("amqp url is required")
	}
	if exchange == "" {
		exchange = "waitgate.alerts"
	}
	if logger == nil {
		logger = observability.NopLogger{}
	}
	p := &AMQPPublisher{
		url:        url,
		exchange:   exchange,
		logger:     logger,
		maxRetries: 3,
		retryDelay: time.Second,
	}
	p.mu.Lock()
	err := p.connectLocked()
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (p *AMQPPublisher) connectLocked() error {
	p.closeLocked()

	conn, err := amqp091.Dial(p.url)
	if err != nil {
		return fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(p.exchange, "fanout", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("declare exchange: %w", err)
	}

	p.conn = conn
	p.channel = ch
	return nil
}

// PublishAlert sends the alert as JSON, reconnecting once per retry when the
// connection has dropped.
func (p *AMQPPublisher) PublishAlert(ctx context.Context, alert core.ThreatAlert) error {
	if p == nil {
		return errors.New("publisher is nil")
	}

	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt < p.maxRetries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if p.conn == nil || p.conn.IsClosed() {
			if err := p.connectLocked(); err != nil {
				lastErr = err
				p.logger.Error("amqp reconnect failed", map[string]any{"error": err.Error()})
				time.Sleep(p.retryDelay)
				continue
			}
		}

		err := p.channel.PublishWithContext(ctx, p.exchange, "", false, false, amqp091.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp091.Persistent,
		})
		if err == nil {
			return nil
		}
		lastErr = err
		p.closeLocked()
		time.Sleep(p.retryDelay)
	}
	return fmt.Errorf("publish alert after %d attempts: %w", p.maxRetries, lastErr)
}

// Ping reports whether the connection is currently usable.
func (p *AMQPPublisher) Ping() error {
	if p == nil {
		return errors.New("publisher is nil")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil || p.conn.IsClosed() {
		return errors.New("amqp connection is not active")
	}
	if p.channel == nil {
		return errors.New("amqp channel is not active")
	}
	return nil
}

// Close shuts the channel and connection.
func (p *AMQPPublisher) Close() error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeLocked()
}

func (p *AMQPPublisher) closeLocked() error {
	if p.channel != nil {
		if err := p.channel.Close(); err != nil && !errors.Is(err, amqp091.ErrClosed) {
			return err
		}
		p.channel = nil
	}
	if p.conn != nil {
		if err := p.conn.Close(); err != nil && !errors.Is(err, amqp091.ErrClosed) {
			return err
		}
		p.conn = nil
	}
	return nil
}

package inmemory

import (
	"context"
	"errors"
	"sync"

	"waitgate/internal/admission/core"
)

// AlertBus delivers threat alerts to in-process subscribers. It stands in
// for the AMQP publisher in tests and single-instance deployments.
type AlertBus struct {
	mu   sync.Mutex
	subs map[int]*alertSubscription
	next int
}

type alertSubscription struct {
	ctx     context.Context
	handler func(context.Context, core.ThreatAlert)
}

// NewAlertBus constructs an in-memory alert bus.
func NewAlertBus() *AlertBus {
	return &AlertBus{subs: make(map[int]*alertSubscription)}
}

// Subscribe registers a handler for published alerts. The subscription ends
// when ctx is cancelled.
func (b *AlertBus) Subscribe(ctx context.Context, handler func(context.Context, core.ThreatAlert)) error {
	if b == nil {
		return errors.New("alert bus is nil")
	}
	if handler == nil {
		return errors.New("handler is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	b.mu.Lock()
	if b.subs == nil {
		b.subs = make(map[int]*alertSubscription)
	}
	b.next++
	id := b.next
	b.subs[id] = &alertSubscription{ctx: ctx, handler: handler}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.remove(id)
	}()

	return nil
}

// PublishAlert delivers the alert to current subscribers.
func (b *AlertBus) PublishAlert(ctx context.Context, alert core.ThreatAlert) error {
	if b == nil {
		return errors.New("alert bus is nil")
	}

	b.mu.Lock()
	copySubs := make([]*alertSubscription, 0, len(b.subs))
	for _, sub := range b.subs {
		copySubs = append(copySubs, sub)
	}
	b.mu.Unlock()

	for _, sub := range copySubs {
		if sub == nil {
			continue
		}
		select {
		case <-sub.ctx.Done():
			continue
		default:
		}
		sub.handler(ctx, alert)
	}
	return nil
}

func (b *AlertBus) remove(id int) {
	if b == nil {
		return
	}
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

// Package events delivers engine lifecycle notifications to subscribers.
// Notifications are observations only; the event log in storage is the
// source of truth and never depends on a subscriber.
package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrBusClosed indicates the event bus has been closed.
	ErrBusClosed = errors.New("event bus is closed")
	// ErrChannelFull indicates the notification channel is full and cannot accept more.
	ErrChannelFull = errors.New("event channel is full")
	// ErrNoHandler indicates no handlers are registered for the notification type.
	ErrNoHandler = errors.New("no handlers registered for event type")
)

// Notification types published by the engine.
const (
	ExecutionStarted   = "execution_started"
	StateChanged       = "state_changed"
	ActionCompleted    = "action_completed"
	ActionFailed       = "action_failed"
	SyncPointSatisfied = "sync_point_satisfied"
	TimerFired         = "timer_fired"
	ExecutionFailed    = "execution_failed"
	ExecutionCancelled = "execution_cancelled"
)

// AllTypes subscribes a handler to every notification type.
const AllTypes = "*"

// Notification describes something that happened to an execution.
type Notification struct {
	Type        string
	TenantID    string
	ExecutionID uint64
	Sequence    uint64
	Data        map[string]interface{}
	At          time.Time
}

// Handler handles notifications.
type Handler interface {
	Handle(ctx context.Context, n Notification) error
}

// HandlerFunc is a function adapter for Handler.
type HandlerFunc func(ctx context.Context, n Notification) error

// Handle implements the Handler interface.
func (f HandlerFunc) Handle(ctx context.Context, n Notification) error {
	return f(ctx, n)
}

// Subscription identifies a registered handler.
type Subscription uint64

type subscriber struct {
	id      Subscription
	handler Handler
}

// Bus manages subscriptions and asynchronous delivery.
type Bus struct {
	handlers   map[string][]subscriber
	nextID     Subscription
	mu         sync.RWMutex
	ch         chan Notification
	errHandler func(n Notification, err error)
	logger     *zap.Logger
	timeout    time.Duration
	wg         sync.WaitGroup
	closed     bool
	closeMu    sync.RWMutex
}

// Option configures a Bus.
type Option func(*Bus)

// WithBufferSize sets the notification channel buffer size.
func WithBufferSize(size int) Option {
	return func(b *Bus) {
		b.ch = make(chan Notification, size)
	}
}

// WithErrorHandler sets a custom error handler function.
func WithErrorHandler(handler func(n Notification, err error)) Option {
	return func(b *Bus) {
		b.errHandler = handler
	}
}

// WithLogger sets the logger used by the default error handler.
func WithLogger(logger *zap.Logger) Option {
	return func(b *Bus) {
		b.logger = logger
	}
}

// WithHandlerTimeout bounds each delivery.
func WithHandlerTimeout(d time.Duration) Option {
	return func(b *Bus) {
		b.timeout = d
	}
}

// NewBus creates a Bus and starts its delivery goroutine.
// The default buffer size is 256 and handler errors are logged.
func NewBus(options ...Option) *Bus {
	b := &Bus{
		handlers: make(map[string][]subscriber),
		ch:       make(chan Notification, 256),
		logger:   zap.NewNop(),
		timeout:  5 * time.Second,
	}
	for _, option := range options {
		option(b)
	}
	if b.errHandler == nil {
		b.errHandler = b.logError
	}

	b.wg.Add(1)
	go b.process()

	return b
}

// Subscribe registers handler for a notification type, or AllTypes.
func (b *Bus) Subscribe(notificationType string, handler Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.handlers[notificationType] = append(b.handlers[notificationType], subscriber{id: b.nextID, handler: handler})
	return b.nextID
}

// SubscribeFunc subscribes a function as a handler.
func (b *Bus) SubscribeFunc(notificationType string, fn func(ctx context.Context, n Notification) error) Subscription {
	return b.Subscribe(notificationType, HandlerFunc(fn))
}

// Unsubscribe removes a subscription. It reports whether it was found.
func (b *Bus) Unsubscribe(id Subscription) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for typ, subs := range b.handlers {
		for i, s := range subs {
			if s.id != id {
				continue
			}
			b.handlers[typ] = append(subs[:i:i], subs[i+1:]...)
			if len(b.handlers[typ]) == 0 {
				delete(b.handlers, typ)
			}
			return true
		}
	}
	return false
}

// HasSubscribers checks if any handler would receive notificationType.
func (b *Bus) HasSubscribers(notificationType string) bool {
	return len(b.subscribers(notificationType)) > 0
}

func (b *Bus) subscribers(notificationType string) []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	subs := b.handlers[notificationType]
	all := b.handlers[AllTypes]
	out := make([]Handler, 0, len(subs)+len(all))
	for _, s := range subs {
		out = append(out, s.handler)
	}
	for _, s := range all {
		out = append(out, s.handler)
	}
	return out
}

// Publish queues n for asynchronous delivery.
// Returns an error if the context is canceled, the bus is closed, nobody
// listens, or the channel is full.
func (b *Bus) Publish(ctx context.Context, n Notification) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if n.At.IsZero() {
		n.At = time.Now()
	}

	b.closeMu.RLock()
	defer b.closeMu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}
	if !b.HasSubscribers(n.Type) {
		return ErrNoHandler
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case b.ch <- n:
		return nil
	default:
		return ErrChannelFull
	}
}

// PublishSync delivers n to every handler and returns their errors.
func (b *Bus) PublishSync(ctx context.Context, n Notification) []error {
	b.closeMu.RLock()
	closed := b.closed
	b.closeMu.RUnlock()
	if closed {
		return []error{ErrBusClosed}
	}

	handlers := b.subscribers(n.Type)
	if len(handlers) == 0 {
		return []error{ErrNoHandler}
	}
	if n.At.IsZero() {
		n.At = time.Now()
	}
	return b.deliver(ctx, handlers, n)
}

// Stop closes the bus. Queued notifications are still delivered.
func (b *Bus) Stop() {
	b.closeMu.Lock()
	if !b.closed {
		b.closed = true
		close(b.ch)
	}
	b.closeMu.Unlock()

	b.wg.Wait()
}

func (b *Bus) process() {
	defer b.wg.Done()

	for n := range b.ch {
		handlers := b.subscribers(n.Type)
		if len(handlers) == 0 {
			continue
		}
		for _, err := range b.deliver(context.Background(), handlers, n) {
			b.errHandler(n, err)
		}
	}
}

// deliver runs all handlers concurrently and collects errors.
func (b *Bus) deliver(ctx context.Context, handlers []Handler, n Notification) []error {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, len(handlers))
	for _, handler := range handlers {
		wg.Add(1)
		go func(h Handler) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					errCh <- fmt.Errorf("handler panic: %v", r)
				}
			}()
			if err := h.Handle(ctx, n); err != nil {
				errCh <- err
			}
		}(handler)
	}
	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	return errs
}

func (b *Bus) logError(n Notification, err error) {
	b.logger.Error("notification handler failed",
		zap.String("type", n.Type),
		zap.String("tenant_id", n.TenantID),
		zap.Uint64("execution_id", n.ExecutionID),
		zap.Error(err),
	)
}

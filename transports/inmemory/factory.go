package inmemory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/glimte/mmate-transit/contracts"
	"github.com/glimte/mmate-transit/messaging"
)

// Scheme is the address scheme of in-memory transports
const Scheme = "loopback"

// Factory implements messaging.TransportFactory on top of a Hub
type Factory struct {
	hub    *Hub
	logger *slog.Logger
}

// NewFactory creates a transport factory for hub
func NewFactory(hub *Hub) *Factory {
	return &Factory{hub: hub, logger: hub.logger}
}

// Hub returns the underlying hub
func (f *Factory) Hub() *Hub {
	return f.hub
}

// PublishAddress implements messaging.TransportFactory
func (f *Factory) PublishAddress(entityName string) string {
	return messaging.FormatAddress(Scheme, f.hub.name, messaging.KindExchange, entityName)
}

// SendAddress implements messaging.TransportFactory
func (f *Factory) SendAddress(queueName string) string {
	return messaging.FormatAddress(Scheme, f.hub.name, messaging.KindQueue, queueName)
}

// SendTransport implements messaging.TransportFactory
func (f *Factory) SendTransport(_ context.Context, address string) (messaging.SendTransport, error) {
	addr, err := messaging.ParseAddress(address)
	if err != nil {
		return nil, err
	}
	if addr.Scheme != Scheme {
		return nil, fmt.Errorf("inmemory: unsupported address scheme %q", addr.Scheme)
	}
	return &sendTransport{hub: f.hub, address: addr}, nil
}

// CreateReceiveTransport implements messaging.TransportFactory
func (f *Factory) CreateReceiveTransport(_ context.Context, settings messaging.ReceiveSettings, handler messaging.DeliveryHandler) (messaging.ReceiveTransport, error) {
	if settings.QueueName == "" {
		return nil, errors.New("inmemory: queue name is required")
	}
	if handler == nil {
		return nil, errors.New("inmemory: delivery handler is required")
	}
	prefetch := settings.PrefetchCount
	if prefetch <= 0 {
		prefetch = 1
	}
	return &receiveTransport{
		hub:      f.hub,
		settings: settings,
		handler:  handler,
		address:  f.SendAddress(settings.QueueName),
		sem:      semaphore.NewWeighted(int64(prefetch)),
		logger:   f.logger.With("queue", settings.QueueName),
	}, nil
}

// Close closes the hub
func (f *Factory) Close() error {
	return f.hub.Close()
}

type sendTransport struct {
	hub     *Hub
	address messaging.Address
}

func (t *sendTransport) Send(ctx context.Context, msg *messaging.TransportMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := time.Now()
	m := &Message{
		Body:        msg.Body,
		Headers:     contracts.CopyHeaders(msg.Headers),
		ContentType: msg.ContentType,
		MessageID:   msg.MessageID,
		Priority:    msg.Priority,
	}

	deliver := func() error {
		m.EnqueuedAt = time.Now()
		if msg.TimeToLive > 0 {
			expires := m.EnqueuedAt.Add(msg.TimeToLive)
			m.ExpiresAt = &expires
		}
		if t.address.Kind == messaging.KindExchange {
			return t.hub.Publish(t.address.Name, m)
		}
		return t.hub.Enqueue(t.address.Name, m)
	}

	if msg.ScheduledTime != nil && msg.ScheduledTime.After(now) {
		return t.hub.schedule(msg.ScheduledTime.Sub(now), func() {
			if err := deliver(); err != nil {
				t.hub.logger.Warn("scheduled delivery failed", "address", t.address.String(), "messageId", m.MessageID, "error", err)
			}
		})
	}
	return deliver()
}

type receiveTransport struct {
	hub      *Hub
	settings messaging.ReceiveSettings
	handler  messaging.DeliveryHandler
	address  string
	sem      *semaphore.Weighted
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	abort   context.CancelFunc
	loop    sync.WaitGroup
	active  sync.WaitGroup
}

func (r *receiveTransport) Address() string {
	return r.address
}

// Start declares the queue and its bindings. Deliveries run until Stop;
// ctx only bounds the declaration.
func (r *receiveTransport) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil
	}

	r.hub.mu.Lock()
	if r.hub.closed {
		r.hub.mu.Unlock()
		return ErrHubClosed
	}
	q := r.hub.queueLocked(r.settings.QueueName)
	q.autoDelete = r.settings.AutoDelete
	q.consumers++
	r.hub.mu.Unlock()
	for _, entity := range r.settings.EntityNames {
		r.hub.Bind(entity, r.settings.QueueName)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	handlerCtx, abort := context.WithCancel(context.Background())
	r.cancel = cancel
	r.abort = abort
	r.running = true

	r.loop.Add(1)
	go r.consume(loopCtx, handlerCtx, q)
	r.logger.Debug("receive transport started", "bindings", r.settings.EntityNames, "prefetch", r.settings.PrefetchCount)
	return nil
}

func (r *receiveTransport) consume(loopCtx, handlerCtx context.Context, q *queue) {
	defer r.loop.Done()
	for {
		m, ok := q.pop()
		if !ok {
			select {
			case <-q.notify:
				continue
			case <-loopCtx.Done():
				return
			}
		}
		if m.expired(time.Now()) {
			r.logger.Debug("dropping expired message", "messageId", m.MessageID)
			continue
		}
		if err := r.sem.Acquire(loopCtx, 1); err != nil {
			q.pushFront(m)
			return
		}
		r.active.Add(1)
		go func() {
			defer r.active.Done()
			defer r.sem.Release(1)
			if err := r.handler(handlerCtx, m.Body, contracts.CopyHeaders(m.Headers)); err != nil {
				r.logger.Warn("delivery rejected, moving to dead-letter queue", "messageId", m.MessageID, "error", err)
				r.hub.deadLetter(q.name, m, err)
			}
		}()
	}
}

// Stop stops receiving and waits for in-flight deliveries until ctx ends
func (r *receiveTransport) Stop(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return nil
	}
	r.running = false
	r.cancel()
	r.loop.Wait()

	done := make(chan struct{})
	go func() {
		r.active.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		r.abort()
		<-done
		err = ctx.Err()
	}
	r.abort()

	r.hub.mu.Lock()
	q, ok := r.hub.queues[r.settings.QueueName]
	deleteQueue := false
	if ok {
		q.consumers--
		deleteQueue = q.autoDelete && q.consumers <= 0
	}
	r.hub.mu.Unlock()
	if deleteQueue {
		r.hub.DeleteQueue(r.settings.QueueName)
	}
	r.logger.Debug("receive transport stopped")
	return err
}

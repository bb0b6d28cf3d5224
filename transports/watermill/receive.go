package watermill

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"golang.org/x/sync/semaphore"

	"github.com/glimte/mmate-transit/contracts"
	"github.com/glimte/mmate-transit/messaging"
)

type receiveTransport struct {
	factory  *Factory
	settings messaging.ReceiveSettings
	handler  messaging.DeliveryHandler
	address  string
	sem      *semaphore.Weighted
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	abort   context.CancelFunc
	loops   sync.WaitGroup
	active  sync.WaitGroup
}

func newReceiveTransport(f *Factory, settings messaging.ReceiveSettings, handler messaging.DeliveryHandler) *receiveTransport {
	prefetch := settings.PrefetchCount
	if prefetch <= 0 {
		prefetch = 1
	}
	return &receiveTransport{
		factory:  f,
		settings: settings,
		handler:  handler,
		address:  f.SendAddress(settings.QueueName),
		sem:      semaphore.NewWeighted(int64(prefetch)),
		logger:   f.logger.With("queue", settings.QueueName),
	}
}

func (r *receiveTransport) Address() string {
	return r.address
}

func (r *receiveTransport) topics() []string {
	topics := []string{r.factory.topic(r.settings.QueueName)}
	for _, entity := range r.settings.EntityNames {
		topics = append(topics, r.factory.topic(entity))
	}
	return topics
}

// Start subscribes to the queue topic and every bound entity topic.
// Subscriptions live until Stop; ctx is not retained.
func (r *receiveTransport) Start(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil
	}

	subCtx, cancel := context.WithCancel(context.Background())
	handlerCtx, abort := context.WithCancel(context.Background())
	for _, topic := range r.topics() {
		messages, err := r.factory.subscriber.Subscribe(subCtx, topic)
		if err != nil {
			cancel()
			abort()
			r.loops.Wait()
			return fmt.Errorf("watermill: subscribe to %s: %w", topic, err)
		}
		r.loops.Add(1)
		go r.consume(subCtx, handlerCtx, messages)
	}
	r.cancel, r.abort = cancel, abort
	r.running = true
	r.logger.Info("started consuming", "topics", r.topics())
	return nil
}

func (r *receiveTransport) consume(subCtx, handlerCtx context.Context, messages <-chan *message.Message) {
	defer r.loops.Done()
	for {
		select {
		case <-subCtx.Done():
			return
		case wm, ok := <-messages:
			if !ok {
				return
			}
			if err := r.sem.Acquire(subCtx, 1); err != nil {
				wm.Nack()
				return
			}
			r.active.Add(1)
			go func() {
				defer r.active.Done()
				defer r.sem.Release(1)
				r.handle(handlerCtx, wm)
			}()
		}
	}
}

func (r *receiveTransport) handle(ctx context.Context, wm *message.Message) {
	headers, err := headersOf(wm)
	if err != nil {
		r.logger.Error("malformed message metadata", "messageId", wm.UUID, "error", err)
		r.settle(wm, r.deadLetter(wm, headers, err))
		return
	}
	if expired(wm, time.Now()) {
		r.logger.Debug("dropping expired message", "messageId", wm.UUID)
		wm.Ack()
		return
	}

	if err := r.handler(ctx, wm.Payload, headers); err != nil {
		r.logger.Warn("delivery rejected, moving to dead-letter topic", "messageId", wm.UUID, "error", err)
		r.settle(wm, r.deadLetter(wm, headers, err))
		return
	}
	wm.Ack()
}

// settle acks once the message is safely dead-lettered, otherwise nacks
// it back to the subscriber
func (r *receiveTransport) settle(wm *message.Message, deadLetterErr error) {
	if deadLetterErr != nil {
		r.logger.Error("failed to dead-letter message", "messageId", wm.UUID, "error", deadLetterErr)
		wm.Nack()
		return
	}
	wm.Ack()
}

func (r *receiveTransport) deadLetter(wm *message.Message, headers map[string]any, reason error) error {
	headers = contracts.CopyHeaders(headers)
	headers[contracts.HeaderReason] = "dead-letter"
	headers[contracts.HeaderFaultMessage] = reason.Error()
	headers[contracts.HeaderFaultInputAddress] = r.address
	return r.factory.publish(r.factory.topic(r.settings.QueueName+DeadLetterSuffix), deadLetterMessage(wm, headers))
}

// Stop closes the subscriptions and waits for in-flight deliveries until
// ctx ends
func (r *receiveTransport) Stop(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return nil
	}
	r.running = false
	r.cancel()
	r.loops.Wait()

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
	r.logger.Info("stopped consuming")
	return err
}

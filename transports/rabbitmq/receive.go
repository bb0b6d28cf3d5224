package rabbitmq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-transit/contracts"
	"github.com/glimte/mmate-transit/internal/ids"
	"github.com/glimte/mmate-transit/messaging"
)

const redeclareTimeout = 30 * time.Second

// receiveTransport consumes one queue with manual acknowledgement. A
// delivery the handler rejects is moved to <queue>_error and acked.
// Consumption resumes after a reconnect.
type receiveTransport struct {
	factory  *Factory
	settings messaging.ReceiveSettings
	handler  messaging.DeliveryHandler
	address  string
	prefetch int
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
	ch      *amqp.Channel
	tag     string
	ctx     context.Context
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
		prefetch: prefetch,
		logger:   f.logger.With("queue", settings.QueueName),
	}
}

func (r *receiveTransport) Address() string {
	return r.address
}

// Start declares the queue and bindings and starts consuming. Deliveries
// run until Stop; ctx only bounds the declaration.
func (r *receiveTransport) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil
	}

	if err := r.declare(ctx); err != nil {
		return err
	}
	r.ctx, r.abort = context.WithCancel(context.Background())
	if err := r.consume(); err != nil {
		r.abort()
		return err
	}
	r.running = true
	r.factory.manager.AddStateListener(r)
	r.logger.Info("started consuming", "bindings", r.settings.EntityNames, "prefetchCount", r.prefetch)
	return nil
}

func (r *receiveTransport) declare(ctx context.Context) error {
	queue := r.factory.queueDeclaration(r.settings)
	return r.factory.topology.DeclareTopology(ctx, receiveTopology(queue, r.settings.EntityNames))
}

// consume must be called with mu held
func (r *receiveTransport) consume() error {
	ch, err := r.factory.manager.Channel()
	if err != nil {
		return &ChannelError{Op: "open consumer channel", ChannelID: r.settings.QueueName, Err: err, Timestamp: time.Now()}
	}
	if err := ch.Qos(r.prefetch, 0, false); err != nil {
		ch.Close()
		return &ChannelError{Op: "set qos", ChannelID: r.settings.QueueName, Err: err, Timestamp: time.Now()}
	}
	tag := ids.NewTemporaryName("mmate")
	deliveries, err := ch.Consume(r.settings.QueueName, tag, false, r.settings.Exclusive, false, false, nil)
	if err != nil {
		ch.Close()
		return &ChannelError{Op: "consume", ChannelID: r.settings.QueueName, Err: err, Timestamp: time.Now()}
	}
	r.ch, r.tag = ch, tag

	r.loops.Add(1)
	go r.process(deliveries)
	return nil
}

func (r *receiveTransport) process(deliveries <-chan amqp.Delivery) {
	defer r.loops.Done()
	for d := range deliveries {
		r.active.Add(1)
		go func(d amqp.Delivery) {
			defer r.active.Done()
			r.handle(d)
		}(d)
	}
}

func (r *receiveTransport) handle(d amqp.Delivery) {
	headers := fromTable(d.Headers)
	if d.Redelivered {
		if _, ok := headers[contracts.HeaderRedeliveryCount]; !ok {
			headers[contracts.HeaderRedeliveryCount] = int64(1)
			headers[contracts.HeaderRedeliveryReason] = "redelivered"
		}
	}

	err := r.handler(r.ctx, d.Body, headers)
	if err == nil {
		if ackErr := d.Ack(false); ackErr != nil {
			r.logger.Error("failed to ack message", "messageId", d.MessageId, "error", ackErr)
		}
		return
	}

	r.logger.Warn("delivery rejected, moving to error queue", "messageId", d.MessageId, "error", err)
	if dlErr := r.deadLetter(d, err); dlErr != nil {
		r.logger.Error("failed to move message to error queue", "messageId", d.MessageId, "error", dlErr)
		if nackErr := d.Nack(false, false); nackErr != nil {
			r.logger.Error("failed to nack message", "messageId", d.MessageId, "error", nackErr, "originalError", err)
		}
		return
	}
	if ackErr := d.Ack(false); ackErr != nil {
		r.logger.Error("failed to ack message", "messageId", d.MessageId, "error", ackErr)
	}
}

func (r *receiveTransport) deadLetter(d amqp.Delivery, reason error) error {
	ctx, cancel := context.WithTimeout(context.Background(), redeclareTimeout)
	defer cancel()

	queue := r.settings.QueueName + ErrorQueueSuffix
	if err := r.factory.ensure(ctx, "queue:"+queue, func(ctx context.Context) error {
		return r.factory.topology.EnsureQueue(ctx, queue)
	}); err != nil {
		return err
	}

	headers := amqp.Table{}
	for k, v := range d.Headers {
		headers[k] = v
	}
	headers[contracts.HeaderReason] = "dead-letter"
	headers[contracts.HeaderFaultMessage] = reason.Error()
	headers[contracts.HeaderFaultInputAddress] = r.address

	return r.factory.publish(ctx, "", queue, amqp.Publishing{
		Headers:       headers,
		ContentType:   d.ContentType,
		MessageId:     d.MessageId,
		CorrelationId: d.CorrelationId,
		Timestamp:     time.Now().UTC(),
		DeliveryMode:  amqp.Persistent,
		Body:          d.Body,
	})
}

// Stop cancels the consumer and waits for in-flight deliveries until ctx
// ends.
func (r *receiveTransport) Stop(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return nil
	}
	r.running = false
	r.factory.manager.RemoveStateListener(r)

	if r.ch != nil && !r.ch.IsClosed() {
		if err := r.ch.Cancel(r.tag, false); err != nil {
			r.logger.Warn("failed to cancel consumer", "consumerTag", r.tag, "error", err)
			r.ch.Close()
		}
	}
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

	if r.ch != nil {
		r.ch.Close()
		r.ch = nil
	}
	r.logger.Info("stopped consuming")
	return err
}

// OnConnected redeclares the topology and resumes consuming after a
// reconnect. Exclusive and auto-delete queues are gone by then.
func (r *receiveTransport) OnConnected() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), redeclareTimeout)
	defer cancel()
	if err := r.declare(ctx); err != nil {
		r.logger.Error("failed to redeclare queue after reconnect", "error", err)
		return
	}
	if err := r.consume(); err != nil {
		r.logger.Error("failed to resume consuming after reconnect", "error", err)
		return
	}
	r.logger.Info("resumed consuming after reconnect")
}

func (r *receiveTransport) OnDisconnected(err error) {
	r.logger.Warn("consumer disconnected", "error", err)
}

func (r *receiveTransport) OnReconnecting(int) {}

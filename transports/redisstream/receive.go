package redisstream

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/semaphore"

	"github.com/glimte/mmate-transit/contracts"
	"github.com/glimte/mmate-transit/messaging"
)

const (
	minReadBackoff = 100 * time.Millisecond
	maxReadBackoff = 5 * time.Second
	ackTimeout     = 10 * time.Second
)

type receiveTransport struct {
	factory  *Factory
	settings messaging.ReceiveSettings
	handler  messaging.DeliveryHandler
	address  string
	consumer string
	prefetch int
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
		consumer: consumerTag(f),
		prefetch: prefetch,
		sem:      semaphore.NewWeighted(int64(prefetch)),
		logger:   f.logger.With("queue", settings.QueueName),
	}
}

func (r *receiveTransport) Address() string {
	return r.address
}

// Start creates the consumer group and records the entity bindings.
// Reading runs until Stop; ctx only bounds the setup.
func (r *receiveTransport) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil
	}

	if err := r.factory.ensureGroup(ctx, r.settings.QueueName); err != nil {
		return err
	}
	if len(r.settings.EntityNames) > 0 {
		pipe := r.factory.client.Pipeline()
		for _, entity := range r.settings.EntityNames {
			pipe.SAdd(ctx, r.factory.bindingsKey(entity), r.settings.QueueName)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	handlerCtx, abort := context.WithCancel(context.Background())
	r.cancel, r.abort = cancel, abort
	r.running = true

	r.loops.Add(1)
	go r.read(loopCtx, handlerCtx)
	if r.factory.claimIdle > 0 && !r.settings.Exclusive {
		r.loops.Add(1)
		go r.claim(loopCtx, handlerCtx)
	}
	r.logger.Info("started consuming", "bindings", r.settings.EntityNames, "consumer", r.consumer, "prefetchCount", r.prefetch)
	return nil
}

func (r *receiveTransport) read(loopCtx, handlerCtx context.Context) {
	defer r.loops.Done()
	stream := r.factory.streamKey(r.settings.QueueName)
	backoff := minReadBackoff

	for {
		if loopCtx.Err() != nil {
			return
		}
		// Never read more than there are free handler slots
		if err := r.sem.Acquire(loopCtx, 1); err != nil {
			return
		}
		free := 1
		for free < r.prefetch && r.sem.TryAcquire(1) {
			free++
		}

		res, err := r.factory.client.XReadGroup(loopCtx, &redis.XReadGroupArgs{
			Group:    r.factory.group,
			Consumer: r.consumer,
			Streams:  []string{stream, ">"},
			Count:    int64(free),
			Block:    r.factory.block,
		}).Result()

		received := 0
		if err == nil {
			for _, s := range res {
				for _, m := range s.Messages {
					received++
					r.dispatch(handlerCtx, m, false)
				}
			}
		}
		r.sem.Release(int64(free - received))

		switch {
		case err == nil, errors.Is(err, redis.Nil):
			backoff = minReadBackoff
		case loopCtx.Err() != nil:
			return
		default:
			r.logger.Warn("failed to read stream", "error", err, "retryIn", backoff)
			select {
			case <-time.After(backoff):
				backoff = min(backoff*2, maxReadBackoff)
			case <-loopCtx.Done():
				return
			}
		}
	}
}

// claim moves entries pending on crashed consumers to this one
func (r *receiveTransport) claim(loopCtx, handlerCtx context.Context) {
	defer r.loops.Done()
	ticker := time.NewTicker(r.factory.claimEvery)
	defer ticker.Stop()
	stream := r.factory.streamKey(r.settings.QueueName)

	for {
		select {
		case <-loopCtx.Done():
			return
		case <-ticker.C:
		}

		msgs, _, err := r.factory.client.XAutoClaim(loopCtx, &redis.XAutoClaimArgs{
			Stream:   stream,
			Group:    r.factory.group,
			Consumer: r.consumer,
			MinIdle:  r.factory.claimIdle,
			Start:    "0",
			Count:    int64(r.prefetch),
		}).Result()
		if err != nil {
			if loopCtx.Err() == nil && !errors.Is(err, redis.Nil) {
				r.logger.Warn("failed to claim pending entries", "error", err)
			}
			continue
		}
		for _, m := range msgs {
			if err := r.sem.Acquire(loopCtx, 1); err != nil {
				return
			}
			r.dispatch(handlerCtx, m, true)
		}
	}
}

// dispatch runs the handler for m on its own goroutine. The caller holds
// one semaphore slot for it.
func (r *receiveTransport) dispatch(ctx context.Context, m redis.XMessage, claimed bool) {
	r.active.Add(1)
	go func() {
		defer r.active.Done()
		defer r.sem.Release(1)
		r.handle(ctx, m, claimed)
	}()
}

func (r *receiveTransport) handle(ctx context.Context, m redis.XMessage, claimed bool) {
	e, err := decodeEntry(m.ID, m.Values)
	if err != nil {
		r.logger.Error("malformed stream entry", "entryId", m.ID, "error", err)
		r.deadLetter(e, err)
		r.ack(m.ID)
		return
	}
	if e.expired(time.Now()) {
		r.logger.Debug("dropping expired message", "messageId", e.MessageID)
		r.ack(m.ID)
		return
	}
	if claimed {
		e.Headers[contracts.HeaderRedeliveryCount] = contracts.RedeliveryCount(e.Headers) + 1
		e.Headers[contracts.HeaderRedeliveryReason] = "claimed"
	}

	if err := r.handler(ctx, e.Body, contracts.CopyHeaders(e.Headers)); err != nil {
		r.logger.Warn("delivery rejected, moving to dead-letter stream", "messageId", e.MessageID, "error", err)
		r.deadLetter(e, err)
	}
	r.ack(m.ID)
}

func (r *receiveTransport) ack(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), ackTimeout)
	defer cancel()
	stream := r.factory.streamKey(r.settings.QueueName)
	if err := r.factory.client.XAck(ctx, stream, r.factory.group, id).Err(); err != nil {
		r.logger.Error("failed to ack entry", "entryId", id, "error", err)
		return
	}
	if r.factory.deleteOnAck {
		_ = r.factory.client.XDel(ctx, stream, id).Err()
	}
}

func (r *receiveTransport) deadLetter(e *entry, reason error) {
	ctx, cancel := context.WithTimeout(context.Background(), ackTimeout)
	defer cancel()

	if e.Headers == nil {
		e.Headers = map[string]any{}
	}
	e.Headers[contracts.HeaderReason] = "dead-letter"
	e.Headers[contracts.HeaderFaultMessage] = reason.Error()
	e.Headers[contracts.HeaderFaultInputAddress] = r.address

	pipe := r.factory.client.Pipeline()
	r.factory.add(ctx, pipe, r.settings.QueueName+DeadLetterSuffix, e.values())
	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.Error("failed to dead-letter message", "messageId", e.MessageID, "error", err)
	}
}

// Stop stops reading and waits for in-flight deliveries until ctx ends.
// Auto-delete queues lose their stream, group and bindings.
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

	if r.settings.AutoDelete || r.settings.Exclusive {
		cleanup, cancel := context.WithTimeout(context.WithoutCancel(ctx), ackTimeout)
		defer cancel()
		pipe := r.factory.client.Pipeline()
		for _, entity := range r.settings.EntityNames {
			pipe.SRem(cleanup, r.factory.bindingsKey(entity), r.settings.QueueName)
		}
		pipe.Del(cleanup, r.factory.streamKey(r.settings.QueueName))
		if _, cerr := pipe.Exec(cleanup); cerr != nil {
			r.logger.Warn("failed to delete auto-delete queue", "error", cerr)
		}
	}
	r.logger.Info("stopped consuming")
	return err
}

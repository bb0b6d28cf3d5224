package rabbitmq

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-transit/internal/ids"
)

// ChannelPool hands out publisher channels. Channels are put into confirm
// mode once, when they are created.
type ChannelPool struct {
	manager     *ConnectionManager
	channels    chan *PooledChannel
	maxSize     int
	minSize     int
	idleTimeout time.Duration
	waitTimeout time.Duration
	confirm     bool

	mu     sync.Mutex
	closed bool
	active int
	done   chan struct{}
}

// PooledChannel wraps an AMQP channel with pool metadata
type PooledChannel struct {
	*amqp.Channel
	id        string
	lastUsed  time.Time
	confirmed bool
}

// ID identifies the channel in logs and errors
func (c *PooledChannel) ID() string {
	return c.id
}

// ChannelPoolOption configures the channel pool
type ChannelPoolOption func(*ChannelPool)

// WithMaxSize sets the maximum pool size
func WithMaxSize(size int) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.maxSize = size
	}
}

// WithMinSize sets the number of channels opened up front
func WithMinSize(size int) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.minSize = size
	}
}

// WithIdleTimeout closes channels unused for longer than timeout
func WithIdleTimeout(timeout time.Duration) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.idleTimeout = timeout
	}
}

// WithConfirmMode enables publisher confirms on pooled channels
func WithConfirmMode(enabled bool) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.confirm = enabled
	}
}

// NewChannelPool creates a channel pool on top of manager
func NewChannelPool(manager *ConnectionManager, options ...ChannelPoolOption) (*ChannelPool, error) {
	if manager == nil {
		return nil, fmt.Errorf("%w: connection manager is required", ErrInvalidConfiguration)
	}

	pool := &ChannelPool{
		manager:     manager,
		maxSize:     10,
		minSize:     1,
		idleTimeout: 5 * time.Minute,
		waitTimeout: 5 * time.Second,
		confirm:     true,
		done:        make(chan struct{}),
	}
	for _, opt := range options {
		opt(pool)
	}

	if pool.maxSize < 1 {
		return nil, fmt.Errorf("%w: max size must be at least 1", ErrInvalidConfiguration)
	}
	if pool.minSize < 0 || pool.minSize > pool.maxSize {
		return nil, fmt.Errorf("%w: min size must be between 0 and max size", ErrInvalidConfiguration)
	}

	pool.channels = make(chan *PooledChannel, pool.maxSize)

	created := make([]*PooledChannel, 0, pool.minSize)
	for i := 0; i < pool.minSize; i++ {
		ch, err := pool.create()
		if err != nil {
			for _, c := range created {
				c.Channel.Close()
			}
			return nil, &ChannelError{
				Op:        "pool initialization",
				ChannelID: fmt.Sprintf("init-%d", i),
				Err:       err,
				Timestamp: time.Now(),
			}
		}
		created = append(created, ch)
	}
	for _, ch := range created {
		pool.channels <- ch
	}

	go pool.cleanupIdle()
	return pool, nil
}

// Get retrieves a channel, opening a new one while under the size limit
func (cp *ChannelPool) Get(ctx context.Context) (*PooledChannel, error) {
	if cp.isClosed() {
		return nil, ErrChannelPoolClosed
	}

	select {
	case ch, ok := <-cp.channels:
		if !ok {
			return nil, ErrChannelPoolClosed
		}
		return cp.checkout(ctx, ch)
	default:
	}

	cp.mu.Lock()
	if cp.active < cp.maxSize {
		cp.mu.Unlock()
		return cp.createContext(ctx)
	}
	cp.mu.Unlock()

	timer := time.NewTimer(cp.waitTimeout)
	defer timer.Stop()
	select {
	case ch, ok := <-cp.channels:
		if !ok {
			return nil, ErrChannelPoolClosed
		}
		return cp.checkout(ctx, ch)
	case <-ctx.Done():
		return nil, &ChannelError{Op: "get channel", ChannelID: "pool", Err: ctx.Err(), Timestamp: time.Now()}
	case <-timer.C:
		return nil, &ChannelError{Op: "get channel", ChannelID: "pool", Err: ErrChannelPoolExhausted, Timestamp: time.Now()}
	}
}

func (cp *ChannelPool) checkout(ctx context.Context, ch *PooledChannel) (*PooledChannel, error) {
	if ch.Channel.IsClosed() {
		cp.release()
		return cp.createContext(ctx)
	}
	ch.lastUsed = time.Now()
	return ch, nil
}

// Put returns a channel to the pool. Closed channels are discarded.
func (cp *ChannelPool) Put(ch *PooledChannel) {
	if ch == nil {
		return
	}
	if ch.Channel.IsClosed() {
		cp.release()
		return
	}
	ch.lastUsed = time.Now()

	cp.mu.Lock()
	defer cp.mu.Unlock()
	if cp.closed {
		ch.Channel.Close()
		return
	}
	select {
	case cp.channels <- ch:
	default:
		ch.Channel.Close()
		cp.active--
	}
}

// Execute runs fn with a channel from the pool
func (cp *ChannelPool) Execute(ctx context.Context, fn func(*PooledChannel) error) (err error) {
	ch, err := cp.Get(ctx)
	if err != nil {
		return err
	}
	defer cp.Put(ch)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in channel execution: %v", r)
		}
	}()
	return fn(ch)
}

// Size returns the number of open channels, idle or checked out
func (cp *ChannelPool) Size() int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.active
}

// Close closes all idle channels. Channels returned afterwards are closed
// on Put.
func (cp *ChannelPool) Close() error {
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return nil
	}
	cp.closed = true
	close(cp.done)
	close(cp.channels)
	cp.mu.Unlock()

	for ch := range cp.channels {
		if !ch.Channel.IsClosed() {
			ch.Channel.Close()
		}
	}
	return nil
}

func (cp *ChannelPool) isClosed() bool {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.closed
}

func (cp *ChannelPool) release() {
	cp.mu.Lock()
	cp.active--
	cp.mu.Unlock()
}

func (cp *ChannelPool) createContext(ctx context.Context) (*PooledChannel, error) {
	if err := ctx.Err(); err != nil {
		return nil, &ChannelError{Op: "create channel", ChannelID: "new", Err: err, Timestamp: time.Now()}
	}
	return cp.create()
}

func (cp *ChannelPool) create() (*PooledChannel, error) {
	ch, err := cp.manager.Channel()
	if err != nil {
		return nil, &ChannelError{
			Op:        "create channel",
			ChannelID: "new",
			Err:       fmt.Errorf("%w: %w", ErrChannelCreationFailed, err),
			Timestamp: time.Now(),
		}
	}

	pooled := &PooledChannel{
		Channel:  ch,
		id:       ids.NewTemporaryName("ch"),
		lastUsed: time.Now(),
	}
	if cp.confirm {
		if err := ch.Confirm(false); err != nil {
			ch.Close()
			return nil, &ChannelError{Op: "enable confirms", ChannelID: pooled.id, Err: err, Timestamp: time.Now()}
		}
		pooled.confirmed = true
	}

	cp.mu.Lock()
	cp.active++
	cp.mu.Unlock()
	return pooled, nil
}

func (cp *ChannelPool) cleanupIdle() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-cp.done:
			return
		case <-ticker.C:
		}

		cutoff := time.Now().Add(-cp.idleTimeout)
		var keep []*PooledChannel
	drain:
		for {
			select {
			case ch, ok := <-cp.channels:
				if !ok {
					return
				}
				cp.mu.Lock()
				idle := ch.lastUsed.Before(cutoff) && cp.active > cp.minSize
				if idle || ch.Channel.IsClosed() {
					cp.active--
				}
				cp.mu.Unlock()
				if idle || ch.Channel.IsClosed() {
					ch.Channel.Close()
					continue
				}
				keep = append(keep, ch)
			default:
				break drain
			}
		}
		for _, ch := range keep {
			cp.Put(ch)
		}
	}
}

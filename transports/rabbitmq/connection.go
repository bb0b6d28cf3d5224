package rabbitmq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ConnectionStateListener receives connection state change notifications.
// Listeners are called on their own goroutine.
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
	OnReconnecting(attempt int)
}

// DialFunc opens an AMQP connection
type DialFunc func(url string, cfg amqp.Config) (*amqp.Connection, error)

// ConnectionManager owns the broker connection and re-establishes it with
// exponential backoff when the broker closes it.
type ConnectionManager struct {
	url               string
	name              string
	dial              DialFunc
	dialTimeout       time.Duration
	heartbeat         time.Duration
	reconnectDelay    time.Duration
	maxReconnectDelay time.Duration
	maxRetries        int
	logger            *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.RWMutex
	conn      *amqp.Connection
	connected bool
	closed    bool

	listenersMu sync.RWMutex
	listeners   []ConnectionStateListener
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithConnectionLogger sets the logger
func WithConnectionLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithConnectionName sets the connection name shown in the management UI
func WithConnectionName(name string) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.name = name
	}
}

// WithReconnectDelay sets the initial and maximum reconnection delay
func WithReconnectDelay(initial, max time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.reconnectDelay = initial
		if max >= initial {
			cm.maxReconnectDelay = max
		}
	}
}

// WithMaxRetries sets the maximum number of reconnection attempts. Zero or
// a negative value retries forever.
func WithMaxRetries(retries int) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.maxRetries = retries
	}
}

// WithDialer replaces amqp.DialConfig, for TLS setups and tests
func WithDialer(dial DialFunc) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dial = dial
	}
}

// WithDialTimeout bounds a single dial attempt
func WithDialTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dialTimeout = timeout
	}
}

// NewConnectionManager creates a connection manager. It does not dial
// until Connect is called.
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:               url,
		name:              "mmate-transit",
		dial:              amqp.DialConfig,
		dialTimeout:       30 * time.Second,
		heartbeat:         10 * time.Second,
		reconnectDelay:    time.Second,
		maxReconnectDelay: time.Minute,
		maxRetries:        -1,
		logger:            slog.Default(),
	}
	for _, opt := range options {
		opt(cm)
	}
	cm.ctx, cm.cancel = context.WithCancel(context.Background())
	return cm
}

// Connect establishes the initial connection
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.closed {
		return ErrConnectionClosed
	}
	if cm.connected {
		return nil
	}

	conn, err := cm.dialContext(ctx)
	if err != nil {
		return &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  1,
		}
	}
	cm.install(conn)
	cm.logger.Info("connected to RabbitMQ", "url", SanitizeURL(cm.url))
	cm.notifyConnected()
	return nil
}

// GetConnection returns the current connection
func (cm *ConnectionManager) GetConnection() (*amqp.Connection, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if cm.closed {
		return nil, ErrConnectionClosed
	}
	if !cm.connected || cm.conn == nil {
		return nil, ErrConnectionNotReady
	}
	if cm.conn.IsClosed() {
		return nil, ErrConnectionClosed
	}
	return cm.conn, nil
}

// Channel opens a dedicated channel on the current connection
func (cm *ConnectionManager) Channel() (*amqp.Channel, error) {
	conn, err := cm.GetConnection()
	if err != nil {
		return nil, err
	}
	return conn.Channel()
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.connected
}

// Close closes the connection and stops reconnecting
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.closed {
		return nil
	}
	cm.closed = true
	cm.connected = false
	cm.cancel()

	if cm.conn != nil {
		err := cm.conn.Close()
		cm.conn = nil
		if err != nil && err != amqp.ErrClosed {
			return err
		}
	}
	return nil
}

// install must be called with mu held
func (cm *ConnectionManager) install(conn *amqp.Connection) {
	cm.conn = conn
	cm.connected = true
	notify := conn.NotifyClose(make(chan *amqp.Error, 1))
	go cm.watch(notify)
}

type dialResult struct {
	conn *amqp.Connection
	err  error
}

func (cm *ConnectionManager) dialContext(ctx context.Context) (*amqp.Connection, error) {
	ctx, cancel := context.WithTimeout(ctx, cm.dialTimeout)
	defer cancel()

	cfg := amqp.Config{
		Heartbeat:  cm.heartbeat,
		Locale:     "en_US",
		Properties: amqp.Table{"connection_name": cm.name},
		Dial:       amqp.DefaultDial(cm.dialTimeout),
	}

	res := make(chan dialResult, 1)
	go func() {
		conn, err := cm.dial(cm.url, cfg)
		res <- dialResult{conn: conn, err: err}
	}()

	select {
	case r := <-res:
		return r.conn, r.err
	case <-ctx.Done():
		go func() {
			if r := <-res; r.conn != nil {
				r.conn.Close()
			}
		}()
		if ctx.Err() == context.DeadlineExceeded {
			return nil, ErrConnectionTimeout
		}
		return nil, ctx.Err()
	}
}

// watch waits for the broker to close the connection and reconnects
func (cm *ConnectionManager) watch(notify <-chan *amqp.Error) {
	select {
	case err, ok := <-notify:
		if !ok && cm.ctx.Err() != nil {
			return
		}
		cm.mu.Lock()
		if cm.closed {
			cm.mu.Unlock()
			return
		}
		cm.connected = false
		cm.conn = nil
		cm.mu.Unlock()

		var cause error
		if err != nil {
			cause = err
			cm.logger.Error("connection closed", "error", err)
		} else {
			cause = ErrConnectionClosed
			cm.logger.Warn("connection closed")
		}
		cm.notifyDisconnected(cause)
		cm.reconnect()

	case <-cm.ctx.Done():
	}
}

func (cm *ConnectionManager) reconnectBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cm.reconnectDelay
	b.MaxInterval = cm.maxReconnectDelay
	b.RandomizationFactor = 0.25
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	b.Reset()
	if cm.maxRetries > 0 {
		return backoff.WithMaxRetries(b, uint64(cm.maxRetries))
	}
	return b
}

func (cm *ConnectionManager) reconnect() {
	policy := cm.reconnectBackOff()
	started := time.Now()

	for attempt := 1; ; attempt++ {
		cm.notifyReconnecting(attempt)
		cm.logger.Info("attempting to reconnect", "attempt", attempt, "maxRetries", cm.maxRetries)

		conn, err := cm.dialContext(cm.ctx)
		if err == nil {
			cm.mu.Lock()
			if cm.closed {
				cm.mu.Unlock()
				conn.Close()
				return
			}
			cm.install(conn)
			cm.mu.Unlock()

			cm.logger.Info("reconnected to RabbitMQ", "attempts", attempt, "duration", time.Since(started))
			cm.notifyConnected()
			return
		}
		if cm.ctx.Err() != nil {
			return
		}

		delay := policy.NextBackOff()
		if delay == backoff.Stop {
			cm.logger.Error("max reconnection attempts reached", "attempts", attempt, "duration", time.Since(started))
			cm.notifyDisconnected(&ConnectionError{
				Op:        "reconnect",
				URL:       SanitizeURL(cm.url),
				Err:       ErrMaxRetriesExceeded,
				Timestamp: time.Now(),
				Attempts:  attempt,
			})
			return
		}
		cm.logger.Warn("reconnection failed", "error", err, "attempt", attempt, "nextRetryIn", delay)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-cm.ctx.Done():
			timer.Stop()
			return
		}
	}
}

// AddStateListener adds a connection state listener
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.listeners = append(cm.listeners, listener)
}

// RemoveStateListener removes a connection state listener
func (cm *ConnectionManager) RemoveStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	for i, l := range cm.listeners {
		if l == listener {
			cm.listeners = append(cm.listeners[:i], cm.listeners[i+1:]...)
			return
		}
	}
}

func (cm *ConnectionManager) each(fn func(ConnectionStateListener)) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()
	for _, l := range cm.listeners {
		go fn(l)
	}
}

func (cm *ConnectionManager) notifyConnected() {
	cm.each(func(l ConnectionStateListener) { l.OnConnected() })
}

func (cm *ConnectionManager) notifyDisconnected(err error) {
	cm.each(func(l ConnectionStateListener) { l.OnDisconnected(err) })
}

func (cm *ConnectionManager) notifyReconnecting(attempt int) {
	cm.each(func(l ConnectionStateListener) { l.OnReconnecting(attempt) })
}

package inmemory

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/glimte/mmate-transit/contracts"
)

// DeadLetterSuffix names the queue deliveries rejected by a handler move to
const DeadLetterSuffix = "_error"

// ErrHubClosed is returned once the hub has been closed
var ErrHubClosed = errors.New("inmemory: hub closed")

// Message is one message stored in a queue
type Message struct {
	Body        []byte
	Headers     map[string]any
	ContentType string
	MessageID   string
	Priority    uint8
	EnqueuedAt  time.Time
	ExpiresAt   *time.Time
}

func (m *Message) expired(now time.Time) bool {
	return m.ExpiresAt != nil && m.ExpiresAt.Before(now)
}

type queue struct {
	name       string
	mu         sync.Mutex
	items      []*Message
	notify     chan struct{}
	autoDelete bool
	consumers  int
}

func newQueue(name string) *queue {
	return &queue{name: name, notify: make(chan struct{}, 1)}
}

// push queues m behind every waiting message of equal or higher priority
func (q *queue) push(m *Message) {
	q.mu.Lock()
	i := len(q.items)
	for i > 0 && q.items[i-1].Priority < m.Priority {
		i--
	}
	q.items = slices.Insert(q.items, i, m)
	q.mu.Unlock()
	q.signal()
}

func (q *queue) pushFront(m *Message) {
	q.mu.Lock()
	q.items = append([]*Message{m}, q.items...)
	q.mu.Unlock()
	q.signal()
}

func (q *queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *queue) pop() (*Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	m := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return m, true
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Hub is an in-process broker of fanout exchanges and queues
type Hub struct {
	name   string
	logger *slog.Logger

	mu        sync.Mutex
	closed    bool
	exchanges map[string]map[string]struct{}
	queues    map[string]*queue
	timers    map[*time.Timer]struct{}
}

// HubOption configures a Hub
type HubOption func(*Hub)

// WithName sets the host part of the hub's addresses
func WithName(name string) HubOption {
	return func(h *Hub) {
		if name != "" {
			h.name = name
		}
	}
}

// WithLogger sets the hub logger
func WithLogger(logger *slog.Logger) HubOption {
	return func(h *Hub) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// NewHub creates an empty hub
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		name:      "localhost",
		logger:    slog.Default(),
		exchanges: map[string]map[string]struct{}{},
		queues:    map[string]*queue{},
		timers:    map[*time.Timer]struct{}{},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Name returns the host part of the hub's addresses
func (h *Hub) Name() string {
	return h.name
}

// DeclareQueue creates a queue if it does not exist
func (h *Hub) DeclareQueue(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.queueLocked(name)
}

func (h *Hub) queueLocked(name string) *queue {
	q, ok := h.queues[name]
	if !ok {
		q = newQueue(name)
		h.queues[name] = q
	}
	return q
}

// Bind routes messages published to exchange into queue
func (h *Hub) Bind(exchange, queueName string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.queueLocked(queueName)
	bound, ok := h.exchanges[exchange]
	if !ok {
		bound = map[string]struct{}{}
		h.exchanges[exchange] = bound
	}
	bound[queueName] = struct{}{}
}

// DeleteQueue removes a queue, its messages and its bindings
func (h *Hub) DeleteQueue(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.queues, name)
	for _, bound := range h.exchanges {
		delete(bound, name)
	}
}

// Publish copies m into every queue bound to exchange
func (h *Hub) Publish(exchange string, m *Message) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrHubClosed
	}
	var targets []*queue
	for name := range h.exchanges[exchange] {
		targets = append(targets, h.queues[name])
	}
	h.mu.Unlock()

	if len(targets) == 0 {
		h.logger.Debug("no queues bound to exchange, message dropped", "exchange", exchange, "messageId", m.MessageID)
		return nil
	}
	for _, q := range targets {
		q.push(m.clone())
	}
	return nil
}

// Enqueue adds m to a queue, creating the queue if needed
func (h *Hub) Enqueue(queueName string, m *Message) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrHubClosed
	}
	q := h.queueLocked(queueName)
	h.mu.Unlock()
	q.push(m)
	return nil
}

// schedule runs fn after d unless the hub is closed first
func (h *Hub) schedule(d time.Duration, fn func()) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrHubClosed
	}
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		h.mu.Lock()
		delete(h.timers, t)
		h.mu.Unlock()
		fn()
	})
	h.timers[t] = struct{}{}
	return nil
}

// QueueLength returns the number of messages waiting in a queue
func (h *Hub) QueueLength(name string) int {
	h.mu.Lock()
	q, ok := h.queues[name]
	h.mu.Unlock()
	if !ok {
		return 0
	}
	return q.len()
}

// Queues lists the declared queue names in sorted order
func (h *Hub) Queues() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	names := make([]string, 0, len(h.queues))
	for name := range h.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Bindings lists the queues bound to exchange in sorted order
func (h *Hub) Bindings(exchange string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	names := make([]string, 0, len(h.exchanges[exchange]))
	for name := range h.exchanges[exchange] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Receive removes the next message from a queue, waiting until one
// arrives or ctx ends. It must not be used on queues with active consumers.
func (h *Hub) Receive(ctx context.Context, queueName string) (*Message, error) {
	h.mu.Lock()
	q := h.queueLocked(queueName)
	h.mu.Unlock()
	for {
		if m, ok := q.pop(); ok {
			if m.expired(time.Now()) {
				continue
			}
			return m, nil
		}
		select {
		case <-q.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close stops pending scheduled deliveries and rejects new messages
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for t := range h.timers {
		t.Stop()
	}
	h.timers = map[*time.Timer]struct{}{}
	return nil
}

func (h *Hub) deadLetter(queueName string, m *Message, reason error) {
	dl := m.clone()
	dl.Headers[contracts.HeaderReason] = "dead-letter"
	dl.Headers[contracts.HeaderFaultMessage] = reason.Error()
	dl.ExpiresAt = nil
	if err := h.Enqueue(queueName+DeadLetterSuffix, dl); err != nil {
		h.logger.Warn("failed to dead-letter message", "queue", queueName, "messageId", m.MessageID, "error", err)
	}
}

func (m *Message) clone() *Message {
	out := *m
	out.Headers = contracts.CopyHeaders(m.Headers)
	return &out
}

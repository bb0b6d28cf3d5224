package topology

import (
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/glimte/mmate-transit/contracts"
	"github.com/glimte/mmate-transit/retry"
)

var (
	// ErrInvalidName is returned for empty consumer, queue or entity names
	ErrInvalidName = errors.New("topology: invalid name")

	// ErrQueueConflict is returned when a consumer is moved to a different queue
	ErrQueueConflict = errors.New("topology: consumer already bound to another queue")
)

// TopologyError describes a failed registration
type TopologyError struct {
	Op   string
	Name string
	Err  error
}

func (e *TopologyError) Error() string {
	return fmt.Sprintf("topology error: %s %q: %v", e.Op, e.Name, e.Err)
}

func (e *TopologyError) Unwrap() error {
	return e.Err
}

// MessageTopology describes where a message type is published
type MessageTopology struct {
	Type       reflect.Type
	URN        string
	EntityName string
}

// MessageBinding connects a consumer queue to a message type's entity
type MessageBinding struct {
	MessageType reflect.Type
	URN         string
	EntityName  string
}

// ConsumerTopology describes one consumer's receive endpoint
type ConsumerTopology struct {
	ConsumerName   string
	QueueName      string
	Bindings       []MessageBinding
	PrefetchCount  int
	QueueArguments map[string]any
	Filters        []string
	Retry          retry.Policy
}

// Binding returns the binding for urn, if present
func (c ConsumerTopology) Binding(urn string) (MessageBinding, bool) {
	for _, b := range c.Bindings {
		if b.URN == urn {
			return b, true
		}
	}
	return MessageBinding{}, false
}

func (c ConsumerTopology) clone() ConsumerTopology {
	out := c
	out.Bindings = append([]MessageBinding(nil), c.Bindings...)
	out.Filters = append([]string(nil), c.Filters...)
	if c.QueueArguments != nil {
		out.QueueArguments = make(map[string]any, len(c.QueueArguments))
		for k, v := range c.QueueArguments {
			out.QueueArguments[k] = v
		}
	}
	return out
}

// ConsumerOption customizes a consumer registration
type ConsumerOption func(*ConsumerTopology)

// WithQueueName overrides the formatted queue name
func WithQueueName(name string) ConsumerOption {
	return func(c *ConsumerTopology) {
		c.QueueName = name
	}
}

// WithPrefetchCount overrides the bus default prefetch count
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *ConsumerTopology) {
		c.PrefetchCount = count
	}
}

// WithQueueArgument sets a broker-specific queue argument
func WithQueueArgument(key string, value any) ConsumerOption {
	return func(c *ConsumerTopology) {
		if c.QueueArguments == nil {
			c.QueueArguments = map[string]any{}
		}
		c.QueueArguments[key] = value
	}
}

// WithFilters appends named filters resolved when the consumer pipe is built
func WithFilters(names ...string) ConsumerOption {
	return func(c *ConsumerTopology) {
		for _, name := range names {
			if !contains(c.Filters, name) {
				c.Filters = append(c.Filters, name)
			}
		}
	}
}

// WithRetry overrides the bus default retry policy
func WithRetry(policy retry.Policy) ConsumerOption {
	return func(c *ConsumerTopology) {
		c.Retry = policy
	}
}

// Option configures a Registry
type Option func(*Registry)

// WithEntityNameFormatter replaces the entity name formatter
func WithEntityNameFormatter(f EntityNameFormatter) Option {
	return func(r *Registry) {
		r.entityFormatter = f
	}
}

// WithEntityPrefix uses PrefixEntityNameFormatter with prefix
func WithEntityPrefix(prefix string) Option {
	return WithEntityNameFormatter(PrefixEntityNameFormatter{Prefix: prefix})
}

// WithQueueNameFormatter replaces the queue name formatter
func WithQueueNameFormatter(f QueueNameFormatter) Option {
	return func(r *Registry) {
		r.queueFormatter = f
	}
}

// WithEntityNameOverride pins the entity name for a message type given by
// simple type name or URN.
func WithEntityNameOverride(typeName, entityName string) Option {
	return func(r *Registry) {
		r.overrides[typeName] = entityName
	}
}

// Registry holds message and consumer topologies in registration order
type Registry struct {
	mu              sync.RWMutex
	entityFormatter EntityNameFormatter
	queueFormatter  QueueNameFormatter
	overrides       map[string]string
	messages        []MessageTopology
	messageIndex    map[string]int
	consumers       []ConsumerTopology
	consumerIndex   map[string]int
}

// NewRegistry creates a registry with the default formatters
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		entityFormatter: PrefixEntityNameFormatter{Prefix: DefaultEntityPrefix},
		queueFormatter:  KebabQueueNameFormatter{Suffix: DefaultQueueSuffix},
		overrides:       map[string]string{},
		messageIndex:    map[string]int{},
		consumerIndex:   map[string]int{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterMessage records t and returns its topology. Registering the same
// type again returns the existing entry.
func (r *Registry) RegisterMessage(t reflect.Type) MessageTopology {
	t = elem(t)
	urn := contracts.URN(t)

	r.mu.RLock()
	if i, ok := r.messageIndex[urn]; ok {
		m := r.messages[i]
		r.mu.RUnlock()
		return m
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registerMessageLocked(t, urn)
}

func (r *Registry) registerMessageLocked(t reflect.Type, urn string) MessageTopology {
	if i, ok := r.messageIndex[urn]; ok {
		return r.messages[i]
	}
	m := MessageTopology{Type: t, URN: urn, EntityName: r.resolveEntityName(t, urn)}
	r.messageIndex[urn] = len(r.messages)
	r.messages = append(r.messages, m)
	return m
}

func (r *Registry) resolveEntityName(t reflect.Type, urn string) string {
	if name, ok := r.overrides[urn]; ok {
		return name
	}
	if name, ok := r.overrides[SimpleTypeName(t)]; ok {
		return name
	}
	if namer, ok := reflect.New(t).Interface().(contracts.EntityNamer); ok {
		if name := namer.EntityName(); name != "" {
			return name
		}
	}
	return r.entityFormatter.FormatEntityName(t)
}

// SetEntityName pins the entity name of t, updating any consumer bindings
// already registered for it.
func (r *Registry) SetEntityName(t reflect.Type, name string) error {
	if name == "" {
		return &TopologyError{Op: "set entity name", Name: SimpleTypeName(t), Err: ErrInvalidName}
	}
	t = elem(t)
	urn := contracts.URN(t)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.overrides[urn] = name
	if i, ok := r.messageIndex[urn]; ok {
		r.messages[i].EntityName = name
	} else {
		r.registerMessageLocked(t, urn)
	}
	for ci := range r.consumers {
		for bi := range r.consumers[ci].Bindings {
			if r.consumers[ci].Bindings[bi].URN == urn {
				r.consumers[ci].Bindings[bi].EntityName = name
			}
		}
	}
	return nil
}

// EntityName resolves the entity name of t, registering it if needed
func (r *Registry) EntityName(t reflect.Type) string {
	return r.RegisterMessage(t).EntityName
}

// Message looks up a registered message topology by URN
func (r *Registry) Message(urn string) (MessageTopology, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.messageIndex[urn]
	if !ok {
		return MessageTopology{}, false
	}
	return r.messages[i], true
}

// Messages returns all message topologies in registration order
func (r *Registry) Messages() []MessageTopology {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]MessageTopology(nil), r.messages...)
}

// QueueName formats the default queue name for consumerName
func (r *Registry) QueueName(consumerName string) string {
	return r.queueFormatter.FormatQueueName(consumerName)
}

// RegisterConsumer binds consumerName to messageType. Registration is
// idempotent per (consumer, message type): repeating it updates options
// and the binding instead of adding a duplicate.
func (r *Registry) RegisterConsumer(consumerName string, messageType reflect.Type, opts ...ConsumerOption) (ConsumerTopology, error) {
	if consumerName == "" {
		return ConsumerTopology{}, &TopologyError{Op: "register consumer", Name: consumerName, Err: ErrInvalidName}
	}
	messageType = elem(messageType)
	urn := contracts.URN(messageType)

	r.mu.Lock()
	defer r.mu.Unlock()

	msg := r.registerMessageLocked(messageType, urn)

	i, exists := r.consumerIndex[consumerName]
	var c ConsumerTopology
	if exists {
		c = r.consumers[i].clone()
	} else {
		c = ConsumerTopology{ConsumerName: consumerName, QueueName: r.queueFormatter.FormatQueueName(consumerName)}
	}

	previousQueue := c.QueueName
	for _, opt := range opts {
		opt(&c)
	}
	if c.QueueName == "" {
		return ConsumerTopology{}, &TopologyError{Op: "register consumer", Name: consumerName, Err: ErrInvalidName}
	}
	if exists && previousQueue != c.QueueName && len(c.Bindings) > 0 {
		return ConsumerTopology{}, &TopologyError{
			Op:   "register consumer",
			Name: consumerName,
			Err:  fmt.Errorf("%w: %s (requested %s)", ErrQueueConflict, previousQueue, c.QueueName),
		}
	}

	binding := MessageBinding{MessageType: messageType, URN: urn, EntityName: msg.EntityName}
	replaced := false
	for bi := range c.Bindings {
		if c.Bindings[bi].URN == urn {
			c.Bindings[bi] = binding
			replaced = true
		}
	}
	if !replaced {
		c.Bindings = append(c.Bindings, binding)
	}

	if exists {
		r.consumers[i] = c
	} else {
		r.consumerIndex[consumerName] = len(r.consumers)
		r.consumers = append(r.consumers, c)
	}
	return c.clone(), nil
}

// Consumer looks up a consumer topology by name
func (r *Registry) Consumer(name string) (ConsumerTopology, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.consumerIndex[name]
	if !ok {
		return ConsumerTopology{}, false
	}
	return r.consumers[i].clone(), true
}

// Consumers returns all consumer topologies in registration order
func (r *Registry) Consumers() []ConsumerTopology {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ConsumerTopology, len(r.consumers))
	for i, c := range r.consumers {
		out[i] = c.clone()
	}
	return out
}

// Endpoints groups consumer topologies by queue name, preserving the order
// in which queues were first registered.
func (r *Registry) Endpoints() []Endpoint {
	consumers := r.Consumers()
	var endpoints []Endpoint
	index := map[string]int{}
	for _, c := range consumers {
		i, ok := index[c.QueueName]
		if !ok {
			index[c.QueueName] = len(endpoints)
			endpoints = append(endpoints, Endpoint{QueueName: c.QueueName})
			i = len(endpoints) - 1
		}
		endpoints[i].add(c)
	}
	return endpoints
}

// Endpoint merges every consumer topology that receives from one queue
type Endpoint struct {
	QueueName      string
	Consumers      []ConsumerTopology
	Bindings       []MessageBinding
	PrefetchCount  int
	QueueArguments map[string]any
}

func (e *Endpoint) add(c ConsumerTopology) {
	e.Consumers = append(e.Consumers, c)
	for _, b := range c.Bindings {
		dup := false
		for _, existing := range e.Bindings {
			if existing.URN == b.URN {
				dup = true
				break
			}
		}
		if !dup {
			e.Bindings = append(e.Bindings, b)
		}
	}
	if c.PrefetchCount > e.PrefetchCount {
		e.PrefetchCount = c.PrefetchCount
	}
	for k, v := range c.QueueArguments {
		if e.QueueArguments == nil {
			e.QueueArguments = map[string]any{}
		}
		if _, set := e.QueueArguments[k]; !set {
			e.QueueArguments[k] = v
		}
	}
}

// EntityNames lists the distinct entity names the endpoint is bound to
func (e Endpoint) EntityNames() []string {
	var names []string
	for _, b := range e.Bindings {
		if !contains(names, b.EntityName) {
			names = append(names, b.EntityName)
		}
	}
	return names
}

func elem(t reflect.Type) reflect.Type {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t
}

func contains(values []string, v string) bool {
	for _, existing := range values {
		if existing == v {
			return true
		}
	}
	return false
}

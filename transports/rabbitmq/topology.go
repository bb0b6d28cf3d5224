package rabbitmq

import (
	"context"
	"errors"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange types used by the transport
const (
	ExchangeFanout  = amqp.ExchangeFanout
	ExchangeDelayed = "x-delayed-message"
)

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Arguments  amqp.Table
}

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// Binding binds a queue, or with ToExchange set an exchange, to Exchange
type Binding struct {
	Queue      string
	ToExchange string
	Exchange   string
	RoutingKey string
	Arguments  amqp.Table
}

// Topology is a set of declarations applied in order: exchanges, queues,
// bindings.
type Topology struct {
	Exchanges []ExchangeDeclaration
	Queues    []QueueDeclaration
	Bindings  []Binding
}

// TopologyManager declares exchanges, queues and bindings
type TopologyManager struct {
	pool *ChannelPool
}

// NewTopologyManager creates a new topology manager
func NewTopologyManager(pool *ChannelPool) *TopologyManager {
	return &TopologyManager{pool: pool}
}

// DeclareTopology declares the complete topology on one channel
func (tm *TopologyManager) DeclareTopology(ctx context.Context, topology Topology) error {
	return tm.pool.Execute(ctx, func(ch *PooledChannel) error {
		for _, exchange := range topology.Exchanges {
			if err := declareExchange(ch.Channel, exchange); err != nil {
				return err
			}
		}
		for _, queue := range topology.Queues {
			if _, err := declareQueue(ch.Channel, queue); err != nil {
				return err
			}
		}
		for _, binding := range topology.Bindings {
			if err := bind(ch.Channel, binding); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeclareExchange declares a single exchange
func (tm *TopologyManager) DeclareExchange(ctx context.Context, exchange ExchangeDeclaration) error {
	return tm.pool.Execute(ctx, func(ch *PooledChannel) error {
		return declareExchange(ch.Channel, exchange)
	})
}

// DeclareQueue declares a single queue
func (tm *TopologyManager) DeclareQueue(ctx context.Context, queue QueueDeclaration) (amqp.Queue, error) {
	var q amqp.Queue
	err := tm.pool.Execute(ctx, func(ch *PooledChannel) error {
		var err error
		q, err = declareQueue(ch.Channel, queue)
		return err
	})
	return q, err
}

// EnsureQueue makes sure a queue named name exists. Existing queues are
// left untouched whatever their arguments; missing ones are declared
// durable.
func (tm *TopologyManager) EnsureQueue(ctx context.Context, name string) error {
	err := tm.pool.Execute(ctx, func(ch *PooledChannel) error {
		_, err := ch.QueueDeclarePassive(name, false, false, false, false, nil)
		return err
	})
	var amqpErr *amqp.Error
	switch {
	case err == nil:
		return nil
	case errors.As(err, &amqpErr) && amqpErr.Code == amqp.ResourceLocked:
		// exclusive to another connection; it exists
		return nil
	case isNotFound(err):
		_, err = tm.DeclareQueue(ctx, QueueDeclaration{Name: name, Durable: true})
		return err
	default:
		return &TopologyError{Component: "queue", Name: name, Op: "inspect", Err: err}
	}
}

// BindQueue binds a queue to an exchange
func (tm *TopologyManager) BindQueue(ctx context.Context, binding Binding) error {
	return tm.pool.Execute(ctx, func(ch *PooledChannel) error {
		return bind(ch.Channel, binding)
	})
}

// DeleteQueue deletes a queue
func (tm *TopologyManager) DeleteQueue(ctx context.Context, name string) error {
	return tm.pool.Execute(ctx, func(ch *PooledChannel) error {
		if _, err := ch.QueueDelete(name, false, false, false); err != nil {
			return &TopologyError{Component: "queue", Name: name, Op: "delete", Err: err}
		}
		return nil
	})
}

func declareExchange(ch *amqp.Channel, exchange ExchangeDeclaration) error {
	kind := exchange.Type
	if kind == "" {
		kind = ExchangeFanout
	}
	if err := ch.ExchangeDeclare(exchange.Name, kind, exchange.Durable, exchange.AutoDelete, false, false, exchange.Arguments); err != nil {
		return &TopologyError{Component: "exchange", Name: exchange.Name, Op: "declare", Err: err}
	}
	return nil
}

func declareQueue(ch *amqp.Channel, queue QueueDeclaration) (amqp.Queue, error) {
	q, err := ch.QueueDeclare(queue.Name, queue.Durable, queue.AutoDelete, queue.Exclusive, false, queue.Arguments)
	if err != nil {
		return q, &TopologyError{Component: "queue", Name: queue.Name, Op: "declare", Err: err}
	}
	return q, nil
}

func bind(ch *amqp.Channel, binding Binding) error {
	if binding.ToExchange != "" {
		if err := ch.ExchangeBind(binding.ToExchange, binding.RoutingKey, binding.Exchange, false, binding.Arguments); err != nil {
			return &TopologyError{Component: "binding", Name: binding.Exchange + "->" + binding.ToExchange, Op: "declare", Err: err}
		}
		return nil
	}
	if err := ch.QueueBind(binding.Queue, binding.RoutingKey, binding.Exchange, false, binding.Arguments); err != nil {
		return &TopologyError{Component: "binding", Name: binding.Exchange + "->" + binding.Queue, Op: "declare", Err: err}
	}
	return nil
}

// receiveTopology declares a consumer queue and binds it to one fanout
// exchange per entity.
func receiveTopology(queue QueueDeclaration, entities []string) Topology {
	t := Topology{Queues: []QueueDeclaration{queue}}
	for _, entity := range entities {
		t.Exchanges = append(t.Exchanges, ExchangeDeclaration{Name: entity, Type: ExchangeFanout, Durable: true})
		t.Bindings = append(t.Bindings, Binding{Queue: queue.Name, Exchange: entity})
	}
	return t
}

// delayTopology declares the delayed-message exchange that feeds a
// queue or an exchange. It requires the rabbitmq_delayed_message_exchange
// plugin.
func delayTopology(kind, name string) (string, Topology) {
	delay := name + DelayedExchangeSuffix
	t := Topology{
		Exchanges: []ExchangeDeclaration{{
			Name:      delay,
			Type:      ExchangeDelayed,
			Durable:   true,
			Arguments: amqp.Table{"x-delayed-type": ExchangeFanout},
		}},
	}
	if kind == exchangeKind {
		t.Exchanges = append(t.Exchanges, ExchangeDeclaration{Name: name, Type: ExchangeFanout, Durable: true})
		t.Bindings = append(t.Bindings, Binding{ToExchange: name, Exchange: delay})
	} else {
		t.Bindings = append(t.Bindings, Binding{Queue: name, Exchange: delay})
	}
	return delay, t
}

package topology

import (
	"reflect"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-transit/contracts"
	"github.com/glimte/mmate-transit/retry"
)

type Foo struct{}

type OrderSubmitted struct {
	OrderID string
}

type PaymentCaptured struct{}

func (PaymentCaptured) EntityName() string { return "payments.captured" }

func typeOf[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

func TestEntityNames(t *testing.T) {
	t.Run("default formatter uses prefix and simple type name", func(t *testing.T) {
		r := NewRegistry()
		assert.Equal(t, "mmate:Foo", r.EntityName(typeOf[Foo]()))
		assert.Equal(t, "mmate:Foo", r.EntityName(typeOf[*Foo]()))
	})

	t.Run("custom prefix", func(t *testing.T) {
		r := NewRegistry(WithEntityPrefix("shop"))
		assert.Equal(t, "shop:OrderSubmitted", r.EntityName(typeOf[OrderSubmitted]()))
	})

	t.Run("configured override wins over the formatter", func(t *testing.T) {
		r := NewRegistry(WithEntityNameOverride("Foo", "custom-foo"))
		assert.Equal(t, "custom-foo", r.EntityName(typeOf[Foo]()))
	})

	t.Run("override by urn", func(t *testing.T) {
		r := NewRegistry(WithEntityNameOverride(contracts.URNOf[Foo](), "by-urn"))
		assert.Equal(t, "by-urn", r.EntityName(typeOf[Foo]()))
	})

	t.Run("message types can name themselves", func(t *testing.T) {
		r := NewRegistry()
		assert.Equal(t, "payments.captured", r.EntityName(typeOf[PaymentCaptured]()))
	})

	t.Run("SetEntityName updates registered bindings", func(t *testing.T) {
		r := NewRegistry()
		_, err := r.RegisterConsumer("FooConsumer", typeOf[Foo]())
		require.NoError(t, err)

		require.NoError(t, r.SetEntityName(typeOf[Foo](), "renamed"))
		c, ok := r.Consumer("FooConsumer")
		require.True(t, ok)
		assert.Equal(t, "renamed", c.Bindings[0].EntityName)
		assert.Equal(t, "renamed", r.EntityName(typeOf[Foo]()))

		assert.ErrorIs(t, r.SetEntityName(typeOf[Foo](), ""), ErrInvalidName)
	})
}

func TestQueueNames(t *testing.T) {
	cases := map[string]string{
		"OrderSubmittedConsumer": "order-submitted-consumer-queue",
		"HTTPOrderConsumer":      "http-order-consumer-queue",
		"billing_worker":         "billing-worker-queue",
		"v2Consumer":             "v2-consumer-queue",
		"already-queue":          "already-queue",
	}
	r := NewRegistry()
	for in, want := range cases {
		t.Run(in, func(t *testing.T) {
			assert.Equal(t, want, r.QueueName(in))
		})
	}
}

func TestRegisterConsumer(t *testing.T) {
	t.Run("creates a topology with the default queue", func(t *testing.T) {
		r := NewRegistry()
		c, err := r.RegisterConsumer("OrderConsumer", typeOf[OrderSubmitted](), WithPrefetchCount(8))
		require.NoError(t, err)

		assert.Equal(t, "order-consumer-queue", c.QueueName)
		assert.Equal(t, 8, c.PrefetchCount)
		require.Len(t, c.Bindings, 1)
		assert.Equal(t, contracts.URNOf[OrderSubmitted](), c.Bindings[0].URN)
		assert.Equal(t, "mmate:OrderSubmitted", c.Bindings[0].EntityName)
	})

	t.Run("re-registration updates instead of duplicating", func(t *testing.T) {
		r := NewRegistry()
		_, err := r.RegisterConsumer("OrderConsumer", typeOf[OrderSubmitted]())
		require.NoError(t, err)
		c, err := r.RegisterConsumer("OrderConsumer", typeOf[OrderSubmitted](),
			WithPrefetchCount(4), WithRetry(retry.Immediate(1)), WithFilters("audit", "audit"))
		require.NoError(t, err)

		assert.Len(t, c.Bindings, 1)
		assert.Equal(t, 4, c.PrefetchCount)
		assert.Equal(t, 1, c.Retry.Limit())
		assert.Equal(t, []string{"audit"}, c.Filters)
		assert.Len(t, r.Consumers(), 1)
	})

	t.Run("a consumer may bind several message types", func(t *testing.T) {
		r := NewRegistry()
		_, err := r.RegisterConsumer("OrderConsumer", typeOf[OrderSubmitted]())
		require.NoError(t, err)
		c, err := r.RegisterConsumer("OrderConsumer", typeOf[Foo]())
		require.NoError(t, err)

		require.Len(t, c.Bindings, 2)
		_, ok := c.Binding(contracts.URNOf[Foo]())
		assert.True(t, ok)
	})

	t.Run("explicit queue name wins", func(t *testing.T) {
		r := NewRegistry()
		c, err := r.RegisterConsumer("OrderConsumer", typeOf[OrderSubmitted](), WithQueueName("orders"))
		require.NoError(t, err)
		assert.Equal(t, "orders", c.QueueName)
	})

	t.Run("moving a bound consumer to another queue is rejected", func(t *testing.T) {
		r := NewRegistry()
		_, err := r.RegisterConsumer("OrderConsumer", typeOf[OrderSubmitted]())
		require.NoError(t, err)
		_, err = r.RegisterConsumer("OrderConsumer", typeOf[Foo](), WithQueueName("elsewhere"))
		assert.ErrorIs(t, err, ErrQueueConflict)
	})

	t.Run("empty consumer name is rejected", func(t *testing.T) {
		_, err := NewRegistry().RegisterConsumer("", typeOf[Foo]())
		var topoErr *TopologyError
		require.ErrorAs(t, err, &topoErr)
		assert.ErrorIs(t, err, ErrInvalidName)
	})

	t.Run("returned topologies are copies", func(t *testing.T) {
		r := NewRegistry()
		c, err := r.RegisterConsumer("OrderConsumer", typeOf[OrderSubmitted](), WithQueueArgument("x-max-length", 10))
		require.NoError(t, err)
		c.QueueArguments["x-max-length"] = 99
		c.Bindings[0].EntityName = "mutated"

		stored, _ := r.Consumer("OrderConsumer")
		assert.Equal(t, 10, stored.QueueArguments["x-max-length"])
		assert.Equal(t, "mmate:OrderSubmitted", stored.Bindings[0].EntityName)
	})
}

func TestEndpoints(t *testing.T) {
	r := NewRegistry()
	_, _ = r.RegisterConsumer("A", typeOf[OrderSubmitted](), WithQueueName("shared"), WithPrefetchCount(2))
	_, _ = r.RegisterConsumer("B", typeOf[Foo](), WithQueueName("shared"), WithPrefetchCount(5), WithQueueArgument("x-queue-type", "quorum"))
	_, _ = r.RegisterConsumer("C", typeOf[OrderSubmitted]())

	endpoints := r.Endpoints()
	require.Len(t, endpoints, 2)

	shared := endpoints[0]
	assert.Equal(t, "shared", shared.QueueName)
	assert.Len(t, shared.Consumers, 2)
	assert.Len(t, shared.Bindings, 2)
	assert.Equal(t, 5, shared.PrefetchCount)
	assert.Equal(t, "quorum", shared.QueueArguments["x-queue-type"])
	assert.Equal(t, []string{"mmate:OrderSubmitted", "mmate:Foo"}, shared.EntityNames())

	assert.Equal(t, "c-queue", endpoints[1].QueueName)
}

func TestConcurrentReads(t *testing.T) {
	r := NewRegistry()
	_, err := r.RegisterConsumer("OrderConsumer", typeOf[OrderSubmitted]())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok := r.Message(contracts.URNOf[OrderSubmitted]())
			assert.True(t, ok)
			assert.Equal(t, "mmate:Foo", r.EntityName(typeOf[Foo]()))
			assert.NotEmpty(t, r.Endpoints())
		}()
	}
	wg.Wait()
	assert.Len(t, r.Messages(), 2)
}

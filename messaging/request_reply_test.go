package messaging_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-transit/contracts"
	"github.com/glimte/mmate-transit/messaging"
)

func orderService(t *testing.T, bus *messaging.Bus) {
	t.Helper()
	err := messaging.HandleFunc(bus, "OrderService", func(ctx context.Context, cc *messaging.ConsumeContext[OrderSubmitted]) error {
		order := cc.Message()
		switch {
		case order.OrderID == "":
			return errors.New("order id is required")
		case order.Total < 0:
			return cc.Respond(ctx, OrderRejected{OrderID: order.OrderID, Reason: "negative total"})
		default:
			return cc.Respond(ctx, OrderAccepted{OrderID: order.OrderID})
		}
	}, messaging.WithQueue("order-service"))
	require.NoError(t, err)
}

func tempQueues(queues []string) []string {
	var out []string
	for _, q := range queues {
		if strings.HasPrefix(q, "mmate-response-") {
			out = append(out, q)
		}
	}
	return out
}

func TestRequest(t *testing.T) {
	ctx := context.Background()

	t.Run("Reply is returned to the caller", func(t *testing.T) {
		bus, hub := newBus(t)
		orderService(t, bus)
		startBus(t, bus)

		accepted, err := messaging.Request[OrderAccepted](ctx, bus, bus.QueueAddress("order-service"), OrderSubmitted{OrderID: "r-1"})
		require.NoError(t, err)
		assert.Equal(t, "r-1", accepted.OrderID)
		assert.Empty(t, tempQueues(hub.Queues()), "reply queue is removed")
	})

	t.Run("Published request is answered", func(t *testing.T) {
		bus, _ := newBus(t)
		orderService(t, bus)
		startBus(t, bus)

		accepted, err := messaging.Request[OrderAccepted](ctx, bus, "", OrderSubmitted{OrderID: "r-2"})
		require.NoError(t, err)
		assert.Equal(t, "r-2", accepted.OrderID)
	})

	t.Run("Reply is matched against several response types", func(t *testing.T) {
		bus, _ := newBus(t)
		orderService(t, bus)
		startBus(t, bus)

		resp, err := messaging.Request2[OrderAccepted, OrderRejected](ctx, bus, bus.QueueAddress("order-service"), OrderSubmitted{OrderID: "r-3", Total: -1})
		require.NoError(t, err)
		assert.Equal(t, 1, resp.Index())
		_, isAccepted := resp.Is1()
		assert.False(t, isAccepted)
		rejected, ok := resp.Is2()
		require.True(t, ok)
		assert.Equal(t, "negative total", rejected.Reason)
	})

	t.Run("Consumer fault fails the request", func(t *testing.T) {
		bus, hub := newBus(t)
		orderService(t, bus)
		startBus(t, bus)

		_, err := messaging.Request[OrderAccepted](ctx, bus, bus.QueueAddress("order-service"), OrderSubmitted{})
		require.Error(t, err)
		assert.ErrorIs(t, err, messaging.ErrRequestFaulted)

		var faultErr *messaging.RequestFaultError
		require.ErrorAs(t, err, &faultErr)
		require.NotEmpty(t, faultErr.Exceptions)
		assert.Equal(t, "order id is required", faultErr.Exceptions[0].Message)
		require.NotNil(t, faultErr.Host)

		var info *contracts.ExceptionInfo
		assert.ErrorAs(t, err, &info)
		assert.Equal(t, 0, hub.QueueLength("order-service_fault"))
	})

	t.Run("Request times out without a reply", func(t *testing.T) {
		bus, hub := newBus(t)
		startBus(t, bus)
		hub.DeclareQueue("nobody")

		start := time.Now()
		_, err := messaging.Request[OrderAccepted](ctx, bus, bus.QueueAddress("nobody"), OrderSubmitted{OrderID: "r-5"},
			messaging.WithTimeout(messaging.TimeoutAfter(50*time.Millisecond)))
		assert.ErrorIs(t, err, messaging.ErrRequestTimeout)
		assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
		assert.Empty(t, tempQueues(hub.Queues()))
	})

	t.Run("Unbounded request ends with its context", func(t *testing.T) {
		bus, _ := newBus(t)
		startBus(t, bus)

		reqCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()
		_, err := messaging.Request[OrderAccepted](reqCtx, bus, bus.QueueAddress("nobody"), OrderSubmitted{OrderID: "r-6"},
			messaging.WithTimeout(messaging.TimeoutNone))
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("Reply of an unexpected type is rejected", func(t *testing.T) {
		bus, _ := newBus(t)
		orderService(t, bus)
		startBus(t, bus)

		_, err := messaging.Request[struct {
			Unrelated int `json:"unrelated"`
		}](ctx, bus, bus.QueueAddress("order-service"), OrderSubmitted{OrderID: "r-7"})
		assert.ErrorIs(t, err, messaging.ErrUnexpectedResponse)
	})

	t.Run("Request options reach the request message", func(t *testing.T) {
		bus, _ := newBus(t)
		headers := make(chan map[string]any, 1)
		require.NoError(t, messaging.HandleFunc(bus, "EchoService", func(ctx context.Context, cc *messaging.ConsumeContext[OrderSubmitted]) error {
			headers <- cc.Headers()
			return cc.Respond(ctx, OrderAccepted{OrderID: cc.Message().OrderID})
		}, messaging.WithQueue("echo")))
		startBus(t, bus)

		_, err := messaging.Request[OrderAccepted](ctx, bus, bus.QueueAddress("echo"), OrderSubmitted{OrderID: "r-8"},
			messaging.WithRequestOptions(messaging.WithHeader("tenant", "acme")))
		require.NoError(t, err)
		assert.Equal(t, "acme", wait(t, headers)["tenant"])
	})
}

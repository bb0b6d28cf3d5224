//go:build integration

package redisstream_test

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	redismodule "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/glimte/mmate-transit/internal/ids"
	"github.com/glimte/mmate-transit/messaging"
	"github.com/glimte/mmate-transit/retry"
	"github.com/glimte/mmate-transit/transports/redisstream"
)

type ShipmentDispatched struct {
	ShipmentID string `json:"shipmentId"`
	Carrier    string `json:"carrier"`
}

type TrackingNumber struct {
	ShipmentID string `json:"shipmentId"`
	Number     string `json:"number"`
}

func redisURL(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	if url := os.Getenv("REDIS_URL"); url != "" {
		return url
	}
	if os.Getenv("TESTCONTAINERS_RYUK_DISABLED") == "" {
		os.Setenv("TESTCONTAINERS_RYUK_DISABLED", "true")
	}

	ctx := context.Background()
	container, err := redismodule.Run(ctx, "redis:8.4.0-alpine")
	testcontainers.CleanupContainer(t, container)
	if err != nil {
		t.Fatalf("failed to start redis container: %v", err)
	}

	uri, err := container.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("failed to get redis uri: %v", err)
	}
	return uri
}

func newFactory(t *testing.T, url string, opts ...redisstream.Option) *redisstream.Factory {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	opts = append([]redisstream.Option{
		redisstream.WithKeyPrefix("it-" + strings.ToLower(ids.NewULID())),
		redisstream.WithBlock(200 * time.Millisecond),
	}, opts...)
	factory, err := redisstream.Dial(ctx, url, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = factory.Close() })
	return factory
}

func startBus(t *testing.T, bus *messaging.Bus) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, bus.Start(ctx))
	t.Cleanup(func() { _ = bus.Stop(context.Background()) })
}

func TestRedisStreamTransport(t *testing.T) {
	url := redisURL(t)
	ctx := context.Background()

	t.Run("published message reaches every bound queue", func(t *testing.T) {
		factory := newFactory(t, url)
		bus := messaging.NewBus(factory, messaging.WithRetryPolicy(retry.None()))

		billing := make(chan ShipmentDispatched, 1)
		notify := make(chan ShipmentDispatched, 1)
		require.NoError(t, messaging.HandleFunc(bus, "BillingConsumer", func(ctx context.Context, cc *messaging.ConsumeContext[ShipmentDispatched]) error {
			billing <- cc.Message()
			return nil
		}, messaging.WithQueue("billing")))
		require.NoError(t, messaging.HandleFunc(bus, "NotifyConsumer", func(ctx context.Context, cc *messaging.ConsumeContext[ShipmentDispatched]) error {
			notify <- cc.Message()
			return nil
		}, messaging.WithQueue("notify")))
		startBus(t, bus)

		require.NoError(t, bus.Publish(ctx, ShipmentDispatched{ShipmentID: "s-1", Carrier: "dhl"}))

		for _, got := range []chan ShipmentDispatched{billing, notify} {
			select {
			case m := <-got:
				assert.Equal(t, "s-1", m.ShipmentID)
				assert.Equal(t, "dhl", m.Carrier)
			case <-time.After(10 * time.Second):
				t.Fatal("message not delivered")
			}
		}
	})

	t.Run("request is answered over a temporary reply stream", func(t *testing.T) {
		factory := newFactory(t, url)
		bus := messaging.NewBus(factory, messaging.WithRetryPolicy(retry.None()))

		require.NoError(t, messaging.HandleFunc(bus, "TrackingService", func(ctx context.Context, cc *messaging.ConsumeContext[ShipmentDispatched]) error {
			return cc.Respond(ctx, TrackingNumber{ShipmentID: cc.Message().ShipmentID, Number: "TRK-42"})
		}, messaging.WithQueue("tracking")))
		startBus(t, bus)

		tracking, err := messaging.Request[TrackingNumber](ctx, bus, bus.QueueAddress("tracking"), ShipmentDispatched{ShipmentID: "s-2"},
			messaging.WithTimeout(messaging.TimeoutAfter(10*time.Second)))
		require.NoError(t, err)
		assert.Equal(t, "s-2", tracking.ShipmentID)
		assert.Equal(t, "TRK-42", tracking.Number)
	})

	t.Run("rejected delivery lands on the dead-letter stream", func(t *testing.T) {
		factory := newFactory(t, url)

		rt, err := factory.CreateReceiveTransport(ctx, messaging.ReceiveSettings{QueueName: "labels", PrefetchCount: 2},
			func(context.Context, []byte, map[string]any) error {
				return errors.New("printer offline")
			})
		require.NoError(t, err)
		require.NoError(t, rt.Start(ctx))
		t.Cleanup(func() { _ = rt.Stop(context.Background()) })

		dead := make(chan map[string]any, 1)
		dlq, err := factory.CreateReceiveTransport(ctx, messaging.ReceiveSettings{QueueName: "labels" + redisstream.DeadLetterSuffix},
			func(_ context.Context, _ []byte, headers map[string]any) error {
				dead <- headers
				return nil
			})
		require.NoError(t, err)
		require.NoError(t, dlq.Start(ctx))
		t.Cleanup(func() { _ = dlq.Stop(context.Background()) })

		st, err := factory.SendTransport(ctx, factory.SendAddress("labels"))
		require.NoError(t, err)
		require.NoError(t, st.Send(ctx, &messaging.TransportMessage{Body: []byte(`{}`), MessageID: "m-dead"}))

		select {
		case headers := <-dead:
			assert.Equal(t, "dead-letter", headers["x-reason"])
			assert.Equal(t, "printer offline", headers["x-fault-message"])
			assert.Equal(t, factory.SendAddress("labels"), headers["x-fault-input-address"])
		case <-time.After(10 * time.Second):
			t.Fatal("message not dead-lettered")
		}
	})

	t.Run("auto-delete queue removes its stream on stop", func(t *testing.T) {
		factory := newFactory(t, url)
		rt, err := factory.CreateReceiveTransport(ctx, messaging.ReceiveSettings{
			QueueName:   "ephemeral",
			EntityNames: []string{"mmate:ShipmentDispatched"},
			AutoDelete:  true,
		}, func(context.Context, []byte, map[string]any) error { return nil })
		require.NoError(t, err)
		require.NoError(t, rt.Start(ctx))

		bound, err := factory.Bindings(ctx, "mmate:ShipmentDispatched")
		require.NoError(t, err)
		assert.Equal(t, []string{"ephemeral"}, bound)

		require.NoError(t, rt.Stop(ctx))
		bound, err = factory.Bindings(ctx, "mmate:ShipmentDispatched")
		require.NoError(t, err)
		assert.Empty(t, bound)
	})

	t.Run("scheduled send is rejected", func(t *testing.T) {
		factory := newFactory(t, url)
		bus := messaging.NewBus(factory)
		err := bus.ScheduleSend(ctx, bus.QueueAddress("later"), time.Now().Add(time.Minute), ShipmentDispatched{ShipmentID: "s-3"})
		assert.ErrorIs(t, err, messaging.ErrSchedulingUnsupported)
	})
}

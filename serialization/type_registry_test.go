package serialization

import (
	"encoding/json"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-transit/contracts"
)

type SubmitOrder struct {
	OrderID    string  `json:"orderId"`
	CustomerID string  `json:"customerId"`
	Amount     float64 `json:"amount"`
}

type OrderShipped struct {
	OrderID string `json:"orderId"`
	Carrier string `json:"carrier"`
}

func TestTypeRegistry(t *testing.T) {
	t.Run("registers types under their urn", func(t *testing.T) {
		registry := NewTypeRegistry()

		urn, err := RegisterType[SubmitOrder](registry)
		require.NoError(t, err)
		assert.Equal(t, contracts.URNOf[SubmitOrder](), urn)
		assert.True(t, registry.IsRegistered(urn))

		got, ok := registry.URN(reflect.TypeOf(&SubmitOrder{}))
		assert.True(t, ok)
		assert.Equal(t, urn, got)
	})

	t.Run("registering the same type twice is a no-op", func(t *testing.T) {
		registry := NewTypeRegistry()
		_, err := RegisterType[SubmitOrder](registry)
		require.NoError(t, err)
		_, err = RegisterType[*SubmitOrder](registry)
		require.NoError(t, err)
		assert.Len(t, registry.ListTypes(), 1)
	})

	t.Run("rejects nil types", func(t *testing.T) {
		_, err := NewTypeRegistry().Register(nil)
		assert.Error(t, err)
	})

	t.Run("creates instances by urn", func(t *testing.T) {
		registry := NewTypeRegistry()
		urn, _ := RegisterType[SubmitOrder](registry)

		v, err := registry.New(urn)
		require.NoError(t, err)
		assert.IsType(t, &SubmitOrder{}, v)

		_, err = registry.New("urn:message:missing")
		assert.ErrorIs(t, err, ErrUnknownMessageType)
	})

	t.Run("decodes the first registered message type", func(t *testing.T) {
		registry := NewTypeRegistry()
		_, _ = RegisterType[OrderShipped](registry)

		env := &contracts.Envelope{
			MessageType: []string{"urn:message:other:Thing", contracts.URNOf[OrderShipped]()},
			Message:     json.RawMessage(`{"orderId":"o-1","carrier":"ups"}`),
		}
		urn, v, err := registry.Decode(env)
		require.NoError(t, err)
		assert.Equal(t, contracts.URNOf[OrderShipped](), urn)
		assert.Equal(t, &OrderShipped{OrderID: "o-1", Carrier: "ups"}, v)
	})

	t.Run("decode reports unknown types and malformed payloads distinctly", func(t *testing.T) {
		registry := NewTypeRegistry()
		_, _ = RegisterType[OrderShipped](registry)

		_, _, err := registry.Decode(&contracts.Envelope{MessageType: []string{"urn:message:x:Y"}})
		assert.ErrorIs(t, err, ErrUnknownMessageType)
		assert.False(t, IsMalformed(err))

		_, _, err = registry.Decode(&contracts.Envelope{
			MessageType: []string{contracts.URNOf[OrderShipped]()},
			Message:     json.RawMessage(`{"orderId":42}`),
		})
		assert.True(t, IsMalformed(err))
	})
}

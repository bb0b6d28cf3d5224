package serialization

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type Address struct {
	City string `json:"city"`
}

type CustomerRegistered struct {
	CustomerID string        `json:"customerId"`
	Name       string        `json:"name" default:"anonymous"`
	Tier       int           `json:"tier" default:"1"`
	Active     bool          `json:"active" default:"true"`
	Score      float64       `json:"score"`
	Grace      time.Duration `json:"grace" default:"1h"`
	Address    Address       `json:"address"`
	Tags       []string      `json:"tags"`
	internal   string
}

func TestAdapt(t *testing.T) {
	t.Run("maps values by json name and applies defaults", func(t *testing.T) {
		got, err := Adapt[CustomerRegistered](map[string]any{
			"customerId": "c-1",
			"score":      7,
			"address":    map[string]any{"city": "Oslo"},
			"tags":       []any{"vip"},
		})
		require.NoError(t, err)

		assert.Equal(t, "c-1", got.CustomerID)
		assert.Equal(t, "anonymous", got.Name)
		assert.Equal(t, 1, got.Tier)
		assert.True(t, got.Active)
		assert.Equal(t, 7.0, got.Score)
		assert.Equal(t, time.Hour, got.Grace)
		assert.Equal(t, "Oslo", got.Address.City)
		assert.Equal(t, []string{"vip"}, got.Tags)
		assert.Empty(t, got.internal)
	})

	t.Run("matches go field names case-insensitively", func(t *testing.T) {
		got, err := Adapt[CustomerRegistered](map[string]any{"NAME": "Kari", "grace": "5m"})
		require.NoError(t, err)
		assert.Equal(t, "Kari", got.Name)
		assert.Equal(t, 5*time.Minute, got.Grace)
	})

	t.Run("adapts from a struct of another shape", func(t *testing.T) {
		type legacy struct {
			CustomerID string
			Tier       int64
		}
		got, err := Adapt[CustomerRegistered](&legacy{CustomerID: "c-2", Tier: 3})
		require.NoError(t, err)
		assert.Equal(t, "c-2", got.CustomerID)
		assert.Equal(t, 3, got.Tier)
		assert.Equal(t, "anonymous", got.Name)
	})

	t.Run("rejects non struct targets", func(t *testing.T) {
		_, err := Adapt[string](map[string]any{})
		assert.Error(t, err)
	})

	t.Run("reports values that cannot be converted", func(t *testing.T) {
		_, err := Adapt[CustomerRegistered](map[string]any{"tier": "high"})
		assert.Error(t, err)
	})
}

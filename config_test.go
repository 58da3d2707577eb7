package caravel

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const settingsYAML = `
inputAddress: order-state
concurrency: 32
requests:
  ProcessOrder:
    serviceAddress: order-service
    timeout: 30s
    responseType: OrderProcessed
schedules:
  OrderTimeout:
    delay: 10m
`

func TestParseSettings(t *testing.T) {
	t.Run("full document", func(t *testing.T) {
		settings, err := ParseSettings([]byte(settingsYAML))
		require.NoError(t, err)

		assert.Equal(t, "order-state", settings.InputAddress)
		assert.Equal(t, 32, settings.Concurrency)

		req, ok := settings.Request("ProcessOrder")
		require.True(t, ok)
		assert.Equal(t, "order-service", req.ServiceAddress)
		assert.Equal(t, 30*time.Second, req.Timeout)
		assert.Equal(t, "OrderProcessed", req.ResponseType)

		sched, ok := settings.Schedule("OrderTimeout")
		require.True(t, ok)
		assert.Equal(t, 10*time.Minute, sched.Delay)
	})

	t.Run("empty document", func(t *testing.T) {
		settings, err := ParseSettings([]byte(""))
		require.NoError(t, err)

		assert.Empty(t, settings.InputAddress)
		assert.Zero(t, settings.Concurrency)

		_, ok := settings.Request("ProcessOrder")
		assert.False(t, ok)
	})

	t.Run("invalid timeout string", func(t *testing.T) {
		_, err := ParseSettings([]byte("requests:\n  ProcessOrder:\n    timeout: soon\n"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid request timeout")
	})

	t.Run("invalid delay string", func(t *testing.T) {
		_, err := ParseSettings([]byte("schedules:\n  OrderTimeout:\n    delay: whenever\n"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid schedule delay")
	})

	t.Run("negative concurrency rejected", func(t *testing.T) {
		_, err := ParseSettings([]byte("concurrency: -1\n"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "concurrency")
	})

	t.Run("negative durations rejected", func(t *testing.T) {
		_, err := ParseSettings([]byte("requests:\n  ProcessOrder:\n    timeout: -5s\n"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "timeout must not be negative")

		_, err = ParseSettings([]byte("schedules:\n  OrderTimeout:\n    delay: -1m\n"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "delay must not be negative")
	})

	t.Run("malformed yaml", func(t *testing.T) {
		_, err := ParseSettings([]byte("inputAddress: [\n"))
		assert.Error(t, err)
	})
}

func TestLoadSettings(t *testing.T) {
	t.Run("from file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "caravel.yaml")
		require.NoError(t, os.WriteFile(path, []byte(settingsYAML), 0o600))

		settings, err := LoadSettings(path)
		require.NoError(t, err)
		assert.Equal(t, "order-state", settings.InputAddress)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadSettings(filepath.Join(t.TempDir(), "absent.yaml"))
		assert.Error(t, err)
	})
}

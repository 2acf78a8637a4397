package natsclient

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/taskflow/errors"
)

func TestConnectionStatus_String(t *testing.T) {
	tests := map[ConnectionStatus]string{
		StatusDisconnected:   "disconnected",
		StatusConnecting:     "connecting",
		StatusConnected:      "connected",
		StatusReconnecting:   "reconnecting",
		StatusCircuitOpen:    "circuit_open",
		ConnectionStatus(42): "unknown",
	}
	for status, want := range tests {
		assert.Equal(t, want, status.String())
	}
}

func TestNewClient_Defaults(t *testing.T) {
	c, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	assert.Equal(t, "nats://localhost:4222", c.URL())
	assert.Equal(t, StatusDisconnected, c.Status())
	assert.False(t, c.IsHealthy())
	assert.Equal(t, int32(0), c.Failures())
}

func TestNewClient_InvalidOption(t *testing.T) {
	_, err := NewClient("nats://localhost:4222", WithTimeout(0))
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	_, err = NewClient("nats://localhost:4222", WithCircuitBreaker(0, time.Second))
	require.Error(t, err)
}

func TestClientOptions(t *testing.T) {
	tests := []struct {
		name  string
		opt   ClientOption
		check func(*testing.T, *Client)
		fails bool
	}{
		{
			name:  "ping interval",
			opt:   WithPingInterval(5 * time.Second),
			check: func(t *testing.T, c *Client) { assert.Equal(t, 5*time.Second, c.pingInterval) },
		},
		{
			name:  "drain timeout",
			opt:   WithDrainTimeout(time.Second),
			check: func(t *testing.T, c *Client) { assert.Equal(t, time.Second, c.drainTimeout) },
		},
		{name: "zero ping interval", opt: WithPingInterval(0), fails: true},
		{name: "negative drain timeout", opt: WithDrainTimeout(-time.Second), fails: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := NewClient("nats://localhost:4222", tt.opt)
			if tt.fails {
				require.Error(t, err)
				assert.True(t, errors.IsInvalid(err))
				return
			}
			require.NoError(t, err)
			tt.check(t, c)
		})
	}
}

func TestClient_NotConnected(t *testing.T) {
	c, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)
	ctx := context.Background()

	err = c.Publish(ctx, "x", []byte("y"))
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.True(t, errors.IsTransient(err))

	_, err = c.Subscribe(ctx, "x", func(context.Context, []byte) {})
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = c.Reply(ctx, "x", func(context.Context, []byte) []byte { return nil })
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = c.Request(ctx, "x", nil)
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = c.JetStream()
	assert.ErrorIs(t, err, ErrNotConnected)

	assert.NoError(t, c.Close(ctx))
	assert.NoError(t, c.Close(ctx), "second close is a no-op")
}

func TestClient_CircuitOpensAfterFailures(t *testing.T) {
	c, err := NewClient("nats://127.0.0.1:1",
		WithTimeout(50*time.Millisecond),
		WithMaxReconnects(0),
		WithCircuitBreaker(2, time.Hour),
	)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		err := c.Connect(ctx)
		cancel()
		require.Error(t, err)
	}
	assert.Equal(t, StatusCircuitOpen, c.Status())

	err = c.Connect(context.Background())
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestClient_CircuitClosesAfterBackoff(t *testing.T) {
	c, err := NewClient("nats://127.0.0.1:1",
		WithTimeout(50*time.Millisecond),
		WithMaxReconnects(0),
		WithCircuitBreaker(1, 10*time.Millisecond),
	)
	require.NoError(t, err)

	require.Error(t, c.Connect(context.Background()))
	assert.Equal(t, StatusCircuitOpen, c.Status())

	time.Sleep(20 * time.Millisecond)
	assert.True(t, c.circuitAllows())
	assert.Equal(t, StatusDisconnected, c.Status())
	assert.Equal(t, int32(0), c.Failures())
}

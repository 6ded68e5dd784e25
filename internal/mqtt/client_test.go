package mqtt

import (
	"net"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kanshi/internal/config"
)

// closedBroker は接続を拒否するアドレスを返す
func closedBroker(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return "tcp://" + addr
}

func TestConnect_FailureStopsRetrying(t *testing.T) {
	orig := connectTimeout
	connectTimeout = 300 * time.Millisecond
	t.Cleanup(func() { connectTimeout = orig })

	before := runtime.NumGoroutine()

	c, err := Connect(config.MQTTConfig{
		Enabled:     true,
		Broker:      closedBroker(t),
		ClientID:    "kanshi-test",
		TopicPrefix: "kanshi",
	}, nil)
	require.ErrorIs(t, err, ErrConnectionFailed)
	assert.Nil(t, c)

	// 接続リトライのゴルーチンが残らない
	assert.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= before
	}, 2*time.Second, 20*time.Millisecond, "before=%d after=%d", before, runtime.NumGoroutine())
}

func TestClient_PublishNotConnected(t *testing.T) {
	c := &Client{}
	assert.ErrorIs(t, c.Publish("kanshi/status", nil, true), ErrNotConnected)
	assert.False(t, c.IsConnected())
	assert.NoError(t, c.Close())
}

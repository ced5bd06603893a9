package main

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"uk.co.dudmesh.telex/internal/model"
	"uk.co.dudmesh.telex/internal/network"
)

func TestProbe(t *testing.T) {
	var mu sync.Mutex
	received := []*model.Message{}
	listener := network.New(network.Config{Host: "127.0.0.1"}, func(ctx context.Context, msg *model.Message) error {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, msg)
		return nil
	})
	require.NoError(t, listener.Start(context.Background()))
	defer listener.Stop()
	target := listener.Addr().String()
	ctx := context.Background()

	t.Run("Connect only", func(t *testing.T) {
		res := probe(ctx, target, time.Second, nil)
		assert.True(t, res.OK, res.Detail)
	})

	t.Run("Send test message", func(t *testing.T) {
		msg := testMessage("0001", "0002", "hello")
		res := probe(ctx, target, time.Second, msg)
		assert.True(t, res.OK, res.Detail)

		assert.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			for _, m := range received {
				if m.MessageID == msg.MessageID {
					return true
				}
			}
			return false
		}, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("Rejected test message", func(t *testing.T) {
		msg := testMessage("0001", "0002", "hello")
		msg.Routing.Priority = 42
		res := probe(ctx, target, time.Second, msg)
		assert.False(t, res.OK)
		assert.Contains(t, res.Detail, "Validation error")
	})
}

func TestProbeUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	target := ln.Addr().String()
	ln.Close()

	res := probe(context.Background(), target, time.Second, nil)
	assert.False(t, res.OK)
	assert.NotEmpty(t, res.Detail)
}

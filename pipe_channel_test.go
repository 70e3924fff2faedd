//go:build linux || darwin

package reactorloop

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipeChannel_RoundTrip(t *testing.T) {
	l, err := NewLoop()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = l.Run(ctx) }()
	require.Eventually(t, func() bool { return l.State() == StateRunning }, time.Second, time.Millisecond)

	a, b, err := NewPipeSocketPair()
	require.NoError(t, err)

	received := make(chan []byte, 1)
	b.OnData = func(data []byte) { received <- data }

	_, err = l.Register(a, OpRead|OpWrite)
	require.NoError(t, err)
	_, err = l.Register(b, OpRead)
	require.NoError(t, err)

	require.NoError(t, a.Write([]byte("hello")))

	select {
	case data := <-received:
		assert.Equal(t, "hello", string(data))
	case <-time.After(2 * time.Second):
		t.Fatal("peer never observed the write")
	}
}

func TestPipeChannel_CloseNotifiesPeer(t *testing.T) {
	l, err := NewLoop()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = l.Run(ctx) }()
	require.Eventually(t, func() bool { return l.State() == StateRunning }, time.Second, time.Millisecond)

	a, b, err := NewPipeSocketPair()
	require.NoError(t, err)

	closed := make(chan struct{})
	b.OnClose = func(cause error) { close(closed) }

	_, err = l.Register(a, OpRead)
	require.NoError(t, err)
	regB, err := l.Register(b, OpRead)
	require.NoError(t, err)
	_ = regB

	future, err := l.Close()
	require.NoError(t, err)
	_, err = future.Await()
	require.NoError(t, err)

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("peer channel was never closed")
	}
}

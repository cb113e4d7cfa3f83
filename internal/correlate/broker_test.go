package correlate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/forge/internal/types"
)

func TestBroker_DeliverDuringSend(t *testing.T) {
	b := NewBroker[string]()

	got, err := b.Call(context.Background(), "req-1", time.Second, func() error {
		// Result arrives before send returns
		assert.True(t, b.Deliver("req-1", "done", nil))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "done", got)
	assert.Equal(t, 0, b.Pending())
}

func TestBroker_AsyncDelivery(t *testing.T) {
	b := NewBroker[int]()
	go func() {
		for b.Pending() == 0 {
			time.Sleep(time.Millisecond)
		}
		b.Deliver("req-2", 42, nil)
	}()

	got, err := b.Call(context.Background(), "req-2", 5*time.Second, nil)
	require.NoError(t, err)
	assert.Equal(t, 42, got)
	assert.Equal(t, 0, b.Pending())
}

func TestBroker_TimeoutRemovesListener(t *testing.T) {
	b := NewBroker[string]()

	start := time.Now()
	_, err := b.Call(context.Background(), "never", 50*time.Millisecond, nil)
	assert.True(t, errors.Is(err, types.ErrTimeout), "err = %v", err)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 0, b.Pending())

	// A late result finds no listener
	assert.False(t, b.Deliver("never", "late", nil))
}

func TestBroker_Errors(t *testing.T) {
	b := NewBroker[string]()

	sendErr := errors.New("send failed")
	_, err := b.Call(context.Background(), "x", time.Second, func() error { return sendErr })
	assert.ErrorIs(t, err, sendErr)
	assert.Equal(t, 0, b.Pending())

	resultErr := errors.New("task failed")
	_, err = b.Call(context.Background(), "y", time.Second, func() error {
		b.Deliver("y", "", resultErr)
		return nil
	})
	assert.ErrorIs(t, err, resultErr)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = b.Call(ctx, "z", time.Second, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, b.Pending())

	_, err = b.Call(context.Background(), "", time.Second, nil)
	assert.Error(t, err)
}

func TestBroker_DuplicateAndClose(t *testing.T) {
	b := NewBroker[string]()
	done := make(chan error, 1)
	go func() {
		_, err := b.Call(context.Background(), "dup", 5*time.Second, nil)
		done <- err
	}()
	for b.Pending() == 0 {
		time.Sleep(time.Millisecond)
	}

	_, err := b.Call(context.Background(), "dup", time.Second, nil)
	assert.True(t, errors.Is(err, types.ErrStateConflict), "err = %v", err)

	b.Close()
	assert.ErrorIs(t, <-done, ErrClosed)
	assert.Equal(t, 0, b.Pending())

	_, err = b.Call(context.Background(), "after", time.Second, nil)
	assert.ErrorIs(t, err, ErrClosed)
}

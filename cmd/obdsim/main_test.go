package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func shortRetry(t *testing.T) {
	t.Helper()
	base, hi := retryBase, retryMax
	retryBase, retryMax = time.Millisecond, 4*time.Millisecond
	t.Cleanup(func() { retryBase, retryMax = base, hi })
}

func TestConnectWithRetrySucceedsEventually(t *testing.T) {
	shortRetry(t)
	calls := 0
	err := connectWithRetry(context.Background(), zerolog.Nop(), "test", func(context.Context) error {
		calls++
		if calls < 4 {
			return errors.New("not yet")
		}
		return nil
	}, 2)
	require.NoError(t, err)
	assert.Equal(t, 4, calls)
}

func TestConnectWithRetryStopsOnCancel(t *testing.T) {
	shortRetry(t)
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := connectWithRetry(ctx, zerolog.Nop(), "test", func(context.Context) error {
		calls++
		if calls == 3 {
			cancel()
		}
		return errors.New("refused")
	}, 10)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 3, calls)
}

func TestSleepCtx(t *testing.T) {
	assert.NoError(t, sleepCtx(context.Background(), time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleepCtx(ctx, time.Hour), context.Canceled)
}

func TestNewLoggerFallsBackToInfo(t *testing.T) {
	assert.Equal(t, zerolog.InfoLevel, newLogger("bogus", "json").GetLevel())
	assert.Equal(t, zerolog.DebugLevel, newLogger("debug", "console").GetLevel())
}

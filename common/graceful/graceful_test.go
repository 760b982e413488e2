package graceful

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDrainWaitsForInFlight(t *testing.T) {
	done := BeginRequest()
	require.EqualValues(t, 1, InFlight())

	go func() {
		time.Sleep(150 * time.Millisecond)
		done()
		done()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, Drain(ctx))
	require.EqualValues(t, 0, InFlight())
}

func TestDrainTimeout(t *testing.T) {
	done := BeginRequest()
	defer done()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, Drain(ctx), context.DeadlineExceeded)
}

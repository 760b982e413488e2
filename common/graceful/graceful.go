// Package graceful tracks in-flight relays so shutdown can drain them.
package graceful

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/Laisky/zap"

	"github.com/nextrelay/bedrock-proxy/common/logger"
)

var (
	inFlightRequests atomic.Int64
	draining         atomic.Bool
)

// BeginRequest increments the in-flight request counter and returns a function
// to decrement it. Use with `defer` at the top of request handlers/middlewares.
func BeginRequest() func() {
	inFlightRequests.Add(1)
	var once atomic.Bool
	return func() {
		if once.CompareAndSwap(false, true) {
			inFlightRequests.Add(-1)
		}
	}
}

// InFlight returns the number of requests currently tracked.
func InFlight() int64 { return inFlightRequests.Load() }

// Drain waits for in-flight requests to reach zero, bounded by ctx.
func Drain(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		n := inFlightRequests.Load()
		if n <= 0 {
			logger.Logger.Info("graceful drain complete")
			return nil
		}

		select {
		case <-ctx.Done():
			logger.Logger.Error("graceful drain timeout", zap.Int64("in_flight_requests", n))
			return ctx.Err()
		case <-ticker.C:
			logger.Logger.Debug("draining...", zap.Int64("in_flight_requests", n))
		}
	}
}

// SetDraining flips the draining flag to true.
func SetDraining() { draining.Store(true) }

// IsDraining returns whether the server is currently draining.
func IsDraining() bool { return draining.Load() }

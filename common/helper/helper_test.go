package helper

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGenRequestIDUnique(t *testing.T) {
	seen := map[string]struct{}{}
	for i := 0; i < 100; i++ {
		id := GenRequestID()
		_, dup := seen[id]
		require.False(t, dup)
		seen[id] = struct{}{}
	}
}

func TestMessageWithRequestId(t *testing.T) {
	require.Equal(t, "boom", MessageWithRequestId("boom", ""))
	require.Equal(t, "boom (request id: abc)", MessageWithRequestId("boom", "abc"))
}

func TestElapsedMillis(t *testing.T) {
	require.GreaterOrEqual(t, ElapsedMillis(time.Now().Add(-time.Microsecond)), int64(1))
	require.GreaterOrEqual(t, ElapsedMillis(time.Now().Add(-2*time.Second)), int64(2000))
	require.Equal(t, int64(0), ElapsedMillis(time.Now().Add(time.Hour)))
}

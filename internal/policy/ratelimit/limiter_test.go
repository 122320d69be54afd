package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLimiterWaitDelaysSameHost(t *testing.T) {
	t.Parallel()

	l := New(Config{RPS: 10, Burst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://rates.example.com/a.pdf"))

	// 10 RPS with burst 1 refills one token every 100ms.
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://RATES.example.com/b.pdf"))
	require.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)

	// Other hosts have their own bucket.
	start = time.Now()
	require.NoError(t, l.Wait(ctx, "https://other.example.com/"))
	require.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestLimiterUnlimited(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	start := time.Now()
	for i := 0; i < 50; i++ {
		require.NoError(t, l.Wait(context.Background(), "https://x.example/"))
	}
	require.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestLimiterHonorsContext(t *testing.T) {
	t.Parallel()

	l := New(Config{RPS: 0.1, Burst: 1})
	require.NoError(t, l.Wait(context.Background(), "https://slow.example/"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.Error(t, l.Wait(ctx, "https://slow.example/"))
}

func TestHost(t *testing.T) {
	t.Parallel()

	require.Equal(t, "x.example", Host("https://X.example:8443/a"))
	require.Equal(t, "unknown", Host("::bad"))
	require.Equal(t, "unknown", Host("/relative"))
}

package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/research-engine/internal/model"
)

func newTestRedisLedger(t *testing.T, capUSD float64) (*RedisLedger, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() }) //nolint:errcheck
	return NewRedis(client, capUSD), mr
}

func ledgers(t *testing.T, capUSD float64) map[string]Ledger {
	rl, _ := newTestRedisLedger(t, capUSD)
	return map[string]Ledger{
		"memory": NewMemory(capUSD),
		"redis":  rl,
	}
}

func TestLedger_ReserveWithinCap(t *testing.T) {
	for name, l := range ledgers(t, 1.00) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			total, err := l.Reserve(ctx, 0.40)
			require.NoError(t, err)
			assert.InDelta(t, 0.40, total, 1e-9)

			total, err = l.Reserve(ctx, 0.60)
			require.NoError(t, err)
			assert.InDelta(t, 1.00, total, 1e-9)

			total, err = l.Reserve(ctx, 0.01)
			assert.ErrorIs(t, err, model.ErrCostCap)
			assert.InDelta(t, 1.00, total, 1e-9)

			spent, err := l.Spent(ctx)
			require.NoError(t, err)
			assert.InDelta(t, 1.00, spent, 1e-9, "rejected reservation is not counted")
		})
	}
}

func TestLedger_Settle(t *testing.T) {
	for name, l := range ledgers(t, 1.00) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := l.Reserve(ctx, 0.50)
			require.NoError(t, err)
			require.NoError(t, l.Settle(ctx, 0.50, 0.20))

			spent, err := l.Spent(ctx)
			require.NoError(t, err)
			assert.InDelta(t, 0.20, spent, 1e-9)

			// Actual spend above the reservation is recorded even past the cap.
			require.NoError(t, l.Settle(ctx, 0, 0.95))
			spent, err = l.Spent(ctx)
			require.NoError(t, err)
			assert.InDelta(t, 1.15, spent, 1e-9)

			require.NoError(t, l.Settle(ctx, 5, 0))
			spent, err = l.Spent(ctx)
			require.NoError(t, err)
			assert.Zero(t, spent)
		})
	}
}

func TestLedger_Unlimited(t *testing.T) {
	for name, l := range ledgers(t, 0) {
		t.Run(name, func(t *testing.T) {
			total, err := l.Reserve(context.Background(), 1000)
			require.NoError(t, err)
			assert.InDelta(t, 1000, total, 1e-9)
		})
	}
}

func TestLedger_ConcurrentReservationsNeverExceedCap(t *testing.T) {
	for name, l := range ledgers(t, 1.00) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			var wg sync.WaitGroup
			var mu sync.Mutex
			accepted := 0
			for i := 0; i < 40; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if _, err := l.Reserve(ctx, 0.10); err == nil {
						mu.Lock()
						accepted++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()

			assert.Equal(t, 10, accepted)
			spent, err := l.Spent(ctx)
			require.NoError(t, err)
			assert.InDelta(t, 1.00, spent, 1e-9)
		})
	}
}

func TestMemoryLedger_ResetsDaily(t *testing.T) {
	l := NewMemory(1.00)
	day := time.Date(2026, 5, 1, 23, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return day }

	_, err := l.Reserve(context.Background(), 1.00)
	require.NoError(t, err)

	day = day.Add(2 * time.Hour)
	total, err := l.Reserve(context.Background(), 0.50)
	require.NoError(t, err)
	assert.InDelta(t, 0.50, total, 1e-9)
}

func TestRedisLedger_KeyExpires(t *testing.T) {
	l, mr := newTestRedisLedger(t, 0)

	_, err := l.Reserve(context.Background(), 0.25)
	require.NoError(t, err)

	assert.Equal(t, keyTTL, mr.TTL(l.key()))
	mr.FastForward(keyTTL + time.Second)

	spent, err := l.Spent(context.Background())
	require.NoError(t, err)
	assert.Zero(t, spent)
}

// Package ledger tracks model spend across all sessions against a daily cap.
package ledger

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/research-engine/internal/model"
)

// Ledger is the shared spend counter. Reserve is an atomic check-and-add:
// two sessions can never jointly push the day's total past the cap.
type Ledger interface {
	// Reserve adds amountUSD to today's total if the result stays within
	// the cap and returns the new total. Over the cap it returns
	// model.ErrCostCap and leaves the total unchanged.
	Reserve(ctx context.Context, amountUSD float64) (float64, error)
	// Settle replaces a reservation with the actual spend. It never fails
	// on the cap; money already spent is always recorded.
	Settle(ctx context.Context, reservedUSD, actualUSD float64) error
	// Spent returns today's total.
	Spent(ctx context.Context) (float64, error)
}

// micros converts dollars to integer micro-dollars so totals add exactly.
func micros(usd float64) int64 {
	return int64(math.Round(usd * 1e6))
}

func dollars(m int64) float64 {
	return float64(m) / 1e6
}

func dayKey(now time.Time) string {
	return now.UTC().Format("2006-01-02")
}

// MemoryLedger is a process-local ledger.
type MemoryLedger struct {
	mu     sync.Mutex
	capUSD float64
	now    func() time.Time
	totals map[string]int64
}

// NewMemory creates a MemoryLedger. A cap of zero or less means unlimited.
func NewMemory(dailyCapUSD float64) *MemoryLedger {
	return &MemoryLedger{capUSD: dailyCapUSD, now: time.Now, totals: make(map[string]int64)}
}

func (l *MemoryLedger) Reserve(_ context.Context, amountUSD float64) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := dayKey(l.now())
	next := l.totals[key] + micros(amountUSD)
	if l.capUSD > 0 && next > micros(l.capUSD) {
		return dollars(l.totals[key]), eris.Wrapf(model.ErrCostCap, "ledger: daily cap %.2f reached", l.capUSD)
	}
	l.totals[key] = next
	return dollars(next), nil
}

func (l *MemoryLedger) Settle(_ context.Context, reservedUSD, actualUSD float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := dayKey(l.now())
	l.totals[key] += micros(actualUSD) - micros(reservedUSD)
	if l.totals[key] < 0 {
		l.totals[key] = 0
	}
	return nil
}

func (l *MemoryLedger) Spent(_ context.Context) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return dollars(l.totals[dayKey(l.now())]), nil
}

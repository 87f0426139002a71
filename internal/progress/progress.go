// Package progress fans out per-session progress messages to subscribers.
package progress

import (
	"context"
	"sync"
	"time"

	"github.com/sells-group/research-engine/internal/metrics"
	"github.com/sells-group/research-engine/internal/model"
)

// Stage names the point in an iteration a message was emitted at.
type Stage string

const (
	StageContext    Stage = "context"
	StageProposals  Stage = "proposals"
	StageJudge      Stage = "judge"
	StageEvidence   Stage = "evidence"
	StageCheckpoint Stage = "checkpoint"
	StageIteration  Stage = "iteration"
	StageStatus     Stage = "status"
)

// Saturation is the saturation snapshot carried in a message.
type Saturation struct {
	NoveltyRate           float64 `json:"novelty_rate"`
	ConsecutiveLowNovelty int     `json:"consecutive_low_novelty"`
	Saturated             bool    `json:"saturated"`
}

// Progress is one message on a session's stream.
type Progress struct {
	SessionID          string              `json:"session_id"`
	Iteration          int                 `json:"iteration"`
	Stage              Stage               `json:"stage"`
	FindingsCount      int                 `json:"findings_count"`
	SourcesCount       int                 `json:"sources_count"`
	BudgetRemainingUSD float64             `json:"budget_remaining_usd"`
	Saturation         Saturation          `json:"saturation"`
	Status             model.SessionStatus `json:"status"`
	Reason             string              `json:"reason,omitempty"`
	Detail             string              `json:"detail,omitempty"`
	At                 time.Time           `json:"at"`
}

// Terminal reports whether the message closes the stream.
func (p Progress) Terminal() bool {
	return p.Stage == StageStatus && p.Status != model.SessionStatusActive
}

// Broker publishes progress and hands out subscriptions.
type Broker interface {
	Publish(ctx context.Context, p Progress) error
	// Subscribe returns a channel of messages for sessionID and a cancel
	// func. The channel closes after cancel or when ctx is done.
	Subscribe(ctx context.Context, sessionID string) (<-chan Progress, func())
}

const subscriberBuffer = 64

type subscriber struct {
	ch   chan Progress
	once sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.ch) })
}

// MemoryBroker delivers in-process. Publish never blocks: a subscriber whose
// buffer is full misses the message.
type MemoryBroker struct {
	mu   sync.RWMutex
	subs map[string]map[*subscriber]struct{}
}

// NewMemoryBroker creates an empty MemoryBroker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subs: make(map[string]map[*subscriber]struct{})}
}

func (b *MemoryBroker) Publish(_ context.Context, p Progress) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs[p.SessionID] {
		deliver(s.ch, p)
	}
	return nil
}

func (b *MemoryBroker) Subscribe(ctx context.Context, sessionID string) (<-chan Progress, func()) {
	s := &subscriber{ch: make(chan Progress, subscriberBuffer)}

	b.mu.Lock()
	if b.subs[sessionID] == nil {
		b.subs[sessionID] = make(map[*subscriber]struct{})
	}
	b.subs[sessionID][s] = struct{}{}
	b.mu.Unlock()

	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[sessionID], s)
			if len(b.subs[sessionID]) == 0 {
				delete(b.subs, sessionID)
			}
			b.mu.Unlock()
			s.close()
			close(done)
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-done:
		}
	}()
	return s.ch, cancel
}

// Subscribers returns the number of live subscriptions for a session.
func (b *MemoryBroker) Subscribers(sessionID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[sessionID])
}

func deliver(ch chan Progress, p Progress) {
	select {
	case ch <- p:
	default:
		metrics.ProgressDropped.Inc()
	}
}

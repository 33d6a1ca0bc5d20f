package chatsync

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultRefreshInterval is the minimum spacing between two list refreshes
// triggered by the refresh signal.
const DefaultRefreshInterval = 500 * time.Millisecond

// RefreshSignal is the single "conversation list needs refresh" signal.
// Any push event or mutation raises it; one consumer goroutine drains it.
// Raises that happen while a refresh is queued coalesce into that refresh,
// and refreshes are spaced by a rate limiter so a burst of push events
// produces at most one extra fetch per interval.
type RefreshSignal struct {
	ch      chan struct{}
	limiter *rate.Limiter

	mu     sync.Mutex
	raised uint64
}

// NewRefreshSignal creates a signal whose consumer runs at most once per
// interval. A zero interval disables throttling.
func NewRefreshSignal(interval time.Duration) *RefreshSignal {
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	return &RefreshSignal{
		ch:      make(chan struct{}, 1),
		limiter: rate.NewLimiter(limit, 1),
	}
}

// Raise requests a refresh. It never blocks.
func (s *RefreshSignal) Raise() {
	s.mu.Lock()
	s.raised++
	s.mu.Unlock()
	select {
	case s.ch <- struct{}{}:
	default:
	}
}

// Raised returns how many times the signal has been raised.
func (s *RefreshSignal) Raised() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.raised
}

// Run consumes the signal until ctx is done, calling fn once per coalesced
// batch of raises.
func (s *RefreshSignal) Run(ctx context.Context, fn func(context.Context)) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.ch:
		}
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}
		fn(ctx)
	}
}

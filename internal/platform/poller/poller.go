// Package poller runs refresh functions on a fixed interval and on demand.
// It backs the analytics snapshot and is separate from the
// bounded retry used when linking visit records.
package poller

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// RefreshFunc does one refresh. Errors are logged and the next tick retries.
type RefreshFunc func(ctx context.Context) error

type subscription struct {
	name string
	fn   RefreshFunc
}

// Poller calls every subscribed RefreshFunc once per interval and whenever
// Trigger is called. Triggers that arrive while a run is in progress are
// coalesced into one follow-up run.
type Poller struct {
	interval time.Duration
	logger   zerolog.Logger

	mu     sync.Mutex
	subs   map[int]subscription
	nextID int

	trigger chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}
}

func New(interval time.Duration, logger zerolog.Logger) *Poller {
	return &Poller{
		interval: interval,
		logger:   logger,
		subs:     make(map[int]subscription),
		trigger:  make(chan struct{}, 1),
	}
}

// Subscribe registers fn and returns a func that removes it. The returned
// func is safe to call more than once.
func (p *Poller) Subscribe(name string, fn RefreshFunc) (unsubscribe func()) {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.subs[id] = subscription{name: name, fn: fn}
	p.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.subs, id)
			p.mu.Unlock()
		})
	}
}

// Trigger asks for a run as soon as possible without waiting for it.
func (p *Poller) Trigger() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

// Start runs one refresh immediately and then loops in the background
// until Stop is called or ctx is cancelled. Calling Start twice is a no-op.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	if p.done != nil {
		p.mu.Unlock()
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	done := p.done
	p.mu.Unlock()

	go func() {
		defer close(done)
		p.RunOnce(ctx)

		var tick <-chan time.Time
		if p.interval > 0 {
			ticker := time.NewTicker(p.interval)
			defer ticker.Stop()
			tick = ticker.C
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick:
				p.RunOnce(ctx)
			case <-p.trigger:
				p.RunOnce(ctx)
			}
		}
	}()
}

// Stop cancels the loop and waits for an in-flight run to return.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// RunOnce calls every subscriber sequentially.
func (p *Poller) RunOnce(ctx context.Context) {
	p.mu.Lock()
	subs := make([]subscription, 0, len(p.subs))
	for _, s := range p.subs {
		subs = append(subs, s)
	}
	p.mu.Unlock()

	for _, s := range subs {
		if ctx.Err() != nil {
			return
		}
		start := time.Now()
		if err := s.fn(ctx); err != nil {
			p.logger.Warn().Err(err).Str("subscriber", s.name).Msg("refresh failed")
			continue
		}
		p.logger.Debug().Str("subscriber", s.name).Dur("took", time.Since(start)).Msg("refreshed")
	}
}

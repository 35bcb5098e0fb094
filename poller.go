package chatsync

import (
	"context"
	"sync"
	"time"

	"github.com/raulk/clock"
)

// DefaultPollInterval is the gap between the end of one snapshot fetch and
// the start of the next.
const DefaultPollInterval = 3 * time.Second

// PollerState is the scheduler state.
type PollerState string

const (
	PollerIdle      PollerState = "idle"
	PollerScheduled PollerState = "scheduled"
	PollerFetching  PollerState = "fetching"
)

// PollFunc performs one refresh. ctx is cancelled when the poller stops.
type PollFunc func(ctx context.Context) error

// Poller runs a PollFunc periodically. The timer is armed only after a fetch
// completes, so fetches never overlap and the interval is measured between
// completions. Failures go to onError and never stop the schedule.
type Poller struct {
	interval time.Duration
	clock    clock.Clock
	fn       PollFunc
	onError  func(error)

	mu     sync.Mutex
	state  PollerState
	gen    uint64
	cancel context.CancelFunc
}

// NewPoller creates an idle poller. A nil clk means the wall clock.
func NewPoller(interval time.Duration, clk clock.Clock, fn PollFunc, onError func(error)) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if clk == nil {
		clk = clock.New()
	}
	if onError == nil {
		onError = func(error) {}
	}
	return &Poller{
		interval: interval,
		clock:    clk,
		fn:       fn,
		onError:  onError,
		state:    PollerIdle,
	}
}

// State returns the current scheduler state.
func (p *Poller) State() PollerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Start schedules the first fetch one interval from now. It returns false if
// the poller is already running.
func (p *Poller) Start(parent context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != PollerIdle {
		return false
	}
	ctx, cancel := context.WithCancel(parent)
	p.gen++
	p.cancel = cancel
	p.state = PollerScheduled
	go p.loop(ctx, p.gen, p.clock.Timer(p.interval))
	return true
}

// Stop cancels the pending timer and any in-flight fetch. Calling it on an
// idle poller is a no-op.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == PollerIdle {
		return
	}
	p.cancel()
	p.cancel = nil
	p.state = PollerIdle
}

// transition moves to st unless the poller was stopped or restarted since
// generation gen began.
func (p *Poller) transition(gen uint64, st PollerState) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gen != gen || p.state == PollerIdle {
		return false
	}
	p.state = st
	return true
}

func (p *Poller) loop(ctx context.Context, gen uint64, timer *clock.Timer) {
	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if !p.transition(gen, PollerFetching) {
			return
		}
		if err := p.fn(ctx); err != nil && ctx.Err() == nil {
			p.onError(err)
		}
		if !p.transition(gen, PollerScheduled) {
			return
		}
		timer = p.clock.Timer(p.interval)
	}
}

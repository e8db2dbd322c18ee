package ratecontrol

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// pacer hands out permits no closer together than the configured interval.
//
// The schedule is anchored at the round start. A caller that arrives after its
// scheduled slot gets the permit immediately, and the schedule is re-anchored at that
// moment, so lag is absorbed instead of being repaid with a burst.
type pacer struct {
	mu       sync.Mutex
	next     time.Time
	interval time.Duration

	// Rate tracking (atomic for lock-free reads)
	rateX1000 atomic.Int64
}

func newPacer(start time.Time, ratePerSec float64) *pacer {
	if ratePerSec <= 0 {
		ratePerSec = 1
	}
	p := &pacer{
		next:     start,
		interval: intervalFor(ratePerSec),
	}
	p.rateX1000.Store(int64(ratePerSec * 1000))
	return p
}

// Wait blocks until the next permit is due or the context is cancelled.
// A cancelled wait hands its slot back if no later permit was reserved meanwhile.
func (p *pacer) Wait(ctx context.Context) error {
	p.mu.Lock()
	now := time.Now()
	permit := p.next
	if permit.Before(now) {
		permit = now
	}
	p.next = permit.Add(p.interval)
	reserved := p.next
	p.mu.Unlock()

	wait := permit.Sub(now)
	if wait <= 0 {
		return nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		p.mu.Lock()
		if p.next.Equal(reserved) {
			p.next = permit
		}
		p.mu.Unlock()
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// SetRate changes the interval for permits reserved after the call.
func (p *pacer) SetRate(ratePerSec float64) {
	if ratePerSec <= 0 {
		ratePerSec = 1
	}
	p.mu.Lock()
	p.interval = intervalFor(ratePerSec)
	p.mu.Unlock()
	p.rateX1000.Store(int64(ratePerSec * 1000))
}

// Rate returns the current rate in permits per second.
func (p *pacer) Rate() float64 {
	return float64(p.rateX1000.Load()) / 1000
}

func intervalFor(ratePerSec float64) time.Duration {
	return time.Duration(float64(time.Second) / ratePerSec)
}

package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/VividCortex/ewma"
)

const defaultMovingAverageAge = 10

// RateTracker turns cumulative submitted and committed counts into per-second
// moving averages for the live view.
type RateTracker struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	sent       int64
	committed  int64
	sendEWMA   ewma.MovingAverage
	commitEWMA ewma.MovingAverage
}

// NewRateTracker starts a tracker sampling every interval. A zero interval
// means one second. Rates are per second regardless of the interval.
func NewRateTracker(ctx context.Context, interval time.Duration) *RateTracker {
	if interval <= 0 {
		interval = time.Second
	}
	ctx, cancel := context.WithCancel(ctx)
	rt := newRateTracker()
	rt.ctx, rt.cancel = ctx, cancel

	rt.wg.Add(1)
	go rt.updateForever(interval)
	return rt
}

func newRateTracker() *RateTracker {
	return &RateTracker{
		sendEWMA:   ewma.NewMovingAverage(defaultMovingAverageAge),
		commitEWMA: ewma.NewMovingAverage(defaultMovingAverageAge),
	}
}

func (rt *RateTracker) updateForever(interval time.Duration) {
	defer rt.wg.Done()

	t := time.NewTicker(interval)
	defer t.Stop()

	lastSent, lastCommitted := rt.Totals()
	for {
		select {
		case <-t.C:
			sent, committed := rt.Totals()
			rt.updateOnce(sent-lastSent, committed-lastCommitted, interval)
			lastSent, lastCommitted = sent, committed
		case <-rt.ctx.Done():
			return
		}
	}
}

func (rt *RateTracker) updateOnce(sent, committed int64, interval time.Duration) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	secs := interval.Seconds()
	rt.sendEWMA.Add(float64(sent) / secs)
	rt.commitEWMA.Add(float64(committed) / secs)
}

// Add records newly submitted and committed transactions.
func (rt *RateTracker) Add(sent, committed int64) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	rt.sent += sent
	rt.committed += committed
}

// Totals returns the cumulative counts.
func (rt *RateTracker) Totals() (sent, committed int64) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	return rt.sent, rt.committed
}

// Rates returns the moving averages. They stay 0 until the average has warmed up.
func (rt *RateTracker) Rates() (send, commit float64) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	return rt.sendEWMA.Value(), rt.commitEWMA.Value()
}

// Stop ends sampling.
func (rt *RateTracker) Stop() {
	if rt.cancel != nil {
		rt.cancel()
	}
	rt.wg.Wait()
}

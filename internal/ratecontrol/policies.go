package ratecontrol

import (
	"context"
	"fmt"
	"time"

	"github.com/gateway-fm/dualbench/pkg/types"
)

// fixedRate issues at a constant rate scheduled from the round start.
type fixedRate struct {
	tps   float64
	pacer *pacer
}

type fixedRateOpts struct {
	TPS float64 `json:"tps"`
}

func (f *fixedRate) Init(round types.RoundSpec) error {
	var opts fixedRateOpts
	if err := decodeOpts(round.RateControl, &opts); err != nil {
		return err
	}
	if opts.TPS <= 0 {
		return fmt.Errorf("%w: tps must be positive, got %v", ErrInvalidOptions, opts.TPS)
	}
	f.tps = opts.TPS
	return nil
}

func (f *fixedRate) Apply(ctx context.Context, start time.Time, _ int, _ Feedback) error {
	if f.pacer == nil {
		f.pacer = newPacer(start, f.tps)
	}
	return f.pacer.Wait(ctx)
}

func (f *fixedRate) End() {}

// linearRate moves the rate linearly from startingTps to finishingTps over the round,
// by issued count in fixed-count rounds and by elapsed time in duration rounds.
type linearRate struct {
	from, to float64
	round    types.RoundSpec
	pacer    *pacer
}

type linearRateOpts struct {
	StartingTPS  float64 `json:"startingTps"`
	FinishingTPS float64 `json:"finishingTps"`
}

func (l *linearRate) Init(round types.RoundSpec) error {
	var opts linearRateOpts
	if err := decodeOpts(round.RateControl, &opts); err != nil {
		return err
	}
	if opts.StartingTPS <= 0 || opts.FinishingTPS <= 0 {
		return fmt.Errorf("%w: startingTps and finishingTps must be positive", ErrInvalidOptions)
	}
	l.from, l.to = opts.StartingTPS, opts.FinishingTPS
	l.round = round
	return nil
}

// rateAt interpolates the target rate for the given progress in [0, 1].
func (l *linearRate) rateAt(progress float64) float64 {
	progress = min(max(progress, 0), 1)
	return l.from + progress*(l.to-l.from)
}

func (l *linearRate) progress(start time.Time, issued int) float64 {
	if l.round.DurationMode() {
		return float64(time.Since(start)) / float64(l.round.Duration())
	}
	if l.round.TxNumber <= 0 {
		return 0
	}
	return float64(issued) / float64(l.round.TxNumber)
}

func (l *linearRate) Apply(ctx context.Context, start time.Time, issued int, _ Feedback) error {
	rate := l.rateAt(l.progress(start, issued))
	if l.pacer == nil {
		l.pacer = newPacer(start, rate)
	} else {
		l.pacer.SetRate(rate)
	}
	return l.pacer.Wait(ctx)
}

func (l *linearRate) End() {}

// backlogPoll is how often fixedBacklog re-checks completion progress.
const backlogPoll = 10 * time.Millisecond

// fixedBacklog keeps the number of unfinished transactions at or under a target,
// optionally capped by a maximum rate.
type fixedBacklog struct {
	target int
	maxTPS float64
	pacer  *pacer
}

type fixedBacklogOpts struct {
	UnfinishedPerClient int     `json:"unfinishedPerClient"`
	MaxTPS              float64 `json:"maxTps"`
}

func (b *fixedBacklog) Init(round types.RoundSpec) error {
	var opts fixedBacklogOpts
	if err := decodeOpts(round.RateControl, &opts); err != nil {
		return err
	}
	if opts.UnfinishedPerClient <= 0 {
		return fmt.Errorf("%w: unfinishedPerClient must be positive", ErrInvalidOptions)
	}
	if opts.MaxTPS < 0 {
		return fmt.Errorf("%w: maxTps must not be negative", ErrInvalidOptions)
	}
	b.target = opts.UnfinishedPerClient
	b.maxTPS = opts.MaxTPS
	return nil
}

func (b *fixedBacklog) Apply(ctx context.Context, start time.Time, issued int, fb Feedback) error {
	if fb != nil {
		for issued-fb.Completed() >= b.target {
			if err := sleep(ctx, backlogPoll); err != nil {
				return err
			}
		}
	}
	if b.maxTPS > 0 {
		if b.pacer == nil {
			b.pacer = newPacer(start, b.maxTPS)
		}
		return b.pacer.Wait(ctx)
	}
	return ctx.Err()
}

func (b *fixedBacklog) End() {}

package ratecontrol

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gateway-fm/dualbench/pkg/types"
)

func round(policy string, opts string, txNumber int) types.RoundSpec {
	return types.RoundSpec{
		Label:       "test",
		RateControl: types.RateControlSpec{Type: policy, Opts: json.RawMessage(opts)},
		TxNumber:    txNumber,
	}
}

func TestPacerWaitImmediate(t *testing.T) {
	p := newPacer(time.Now(), 10000)

	start := time.Now()
	if err := p.Wait(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Millisecond {
		t.Errorf("expected near-instant first wait, got %v", elapsed)
	}
}

func TestPacerMinimumRate(t *testing.T) {
	if r := newPacer(time.Now(), 0).Rate(); r != 1 {
		t.Errorf("expected rate 1 (minimum), got %v", r)
	}
	p := newPacer(time.Now(), 50)
	p.SetRate(-3)
	if r := p.Rate(); r != 1 {
		t.Errorf("expected rate 1 (minimum), got %v", r)
	}
}

func TestPacerWaitCancellation(t *testing.T) {
	p := newPacer(time.Now(), 1)
	_ = p.Wait(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := p.Wait(ctx); err == nil {
		t.Error("expected error from cancelled context")
	}
}

func TestPacerCancelledWaitReturnsPermit(t *testing.T) {
	p := newPacer(time.Now(), 100) // 10ms interval
	if err := p.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}

	for range 10 {
		ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
		_ = p.Wait(ctx)
		cancel()
	}

	start := time.Now()
	for range 5 {
		if err := p.Wait(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	// 5 permits at 100/s take ~50ms; leaked slots would push this past 100ms
	if elapsed := time.Since(start); elapsed > 90*time.Millisecond {
		t.Errorf("cancelled waits leaked permit slots: 5 permits took %v", elapsed)
	}
}

func TestPacerSmoothness(t *testing.T) {
	rate := 100.0
	p := newPacer(time.Now(), rate)
	n := 10

	start := time.Now()
	for range n {
		if err := p.Wait(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	elapsed := time.Since(start)

	// First permit is immediate, the rest are spaced by the interval
	expected := time.Duration(float64(time.Second) * float64(n-1) / rate)
	if elapsed < time.Duration(float64(expected)*0.8) || elapsed > time.Duration(float64(expected)*1.5) {
		t.Errorf("expected elapsed ~%v, got %v", expected, elapsed)
	}
}

func TestPacerNoCatchUpBurst(t *testing.T) {
	// Start anchored in the past: the caller is one second behind schedule.
	rate := 100.0
	p := newPacer(time.Now().Add(-time.Second), rate)

	start := time.Now()
	for range 6 {
		if err := p.Wait(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	elapsed := time.Since(start)

	// Lag is absorbed: permits stay spaced by the interval instead of firing at once.
	minExpected := time.Duration(float64(5*10*time.Millisecond) * 0.8)
	if elapsed < minExpected {
		t.Errorf("pacer burst to catch up: 6 permits in %v, want >= %v", elapsed, minExpected)
	}
}

func TestRegistryUnknownPolicy(t *testing.T) {
	r := NewRegistry()
	_, err := r.New(round("warp-speed", `{}`, 10))
	if !errors.Is(err, ErrUnknownPolicy) {
		t.Errorf("expected ErrUnknownPolicy, got %v", err)
	}
}

func TestRegistryInvalidOptions(t *testing.T) {
	tests := []struct {
		name   string
		policy string
		opts   string
	}{
		{"fixed-rate zero tps", FixedRate, `{"tps":0}`},
		{"fixed-rate missing opts", FixedRate, ``},
		{"fixed-rate malformed", FixedRate, `{"tps":"fast"}`},
		{"linear-rate missing finish", LinearRate, `{"startingTps":5}`},
		{"fixed-backlog zero", FixedBacklog, `{"unfinishedPerClient":0}`},
		{"fixed-backlog negative cap", FixedBacklog, `{"unfinishedPerClient":5,"maxTps":-1}`},
	}

	r := NewRegistry()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.New(round(tt.policy, tt.opts, 10))
			if !errors.Is(err, ErrInvalidOptions) {
				t.Errorf("expected ErrInvalidOptions, got %v", err)
			}
		})
	}
}

func TestDefaultSpec(t *testing.T) {
	r := NewRegistry()
	spec := types.RoundSpec{RateControl: DefaultSpec(), TxNumber: 1}
	c, err := r.New(spec)
	if err != nil {
		t.Fatalf("default spec rejected: %v", err)
	}
	if fr, ok := c.(*fixedRate); !ok || fr.tps != 1 {
		t.Errorf("default controller = %#v, want fixed-rate at 1 tps", c)
	}
}

func TestFixedRateNeverExceedsCap(t *testing.T) {
	c, err := NewRegistry().New(round(FixedRate, `{"tps":200}`, 20))
	if err != nil {
		t.Fatal(err)
	}
	defer c.End()

	start := time.Now()
	for i := range 20 {
		if err := c.Apply(context.Background(), start, i, nil); err != nil {
			t.Fatal(err)
		}
	}
	elapsed := time.Since(start)

	// 19 intervals of 5ms
	if minExpected := 85 * time.Millisecond; elapsed < minExpected {
		t.Errorf("20 issues at 200 tps took %v, want >= %v", elapsed, minExpected)
	}
}

func TestLinearRateInterpolation(t *testing.T) {
	l := &linearRate{}
	if err := l.Init(round(LinearRate, `{"startingTps":10,"finishingTps":110}`, 100)); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		issued int
		want   float64
	}{
		{0, 10},
		{50, 60},
		{100, 110},
		{150, 110},
	}
	for _, tt := range tests {
		if got := l.rateAt(l.progress(time.Now(), tt.issued)); got != tt.want {
			t.Errorf("rate after %d issued = %v, want %v", tt.issued, got, tt.want)
		}
	}
}

func TestLinearRateDurationProgress(t *testing.T) {
	l := &linearRate{}
	spec := types.RoundSpec{
		RateControl: types.RateControlSpec{Type: LinearRate, Opts: json.RawMessage(`{"startingTps":100,"finishingTps":50}`)},
		TxDuration:  10,
	}
	if err := l.Init(spec); err != nil {
		t.Fatal(err)
	}
	got := l.rateAt(l.progress(time.Now().Add(-5*time.Second), 0))
	if got > 76 || got < 74 {
		t.Errorf("rate halfway through = %v, want ~75", got)
	}
}

type counter struct{ n atomic.Int64 }

func (c *counter) Completed() int { return int(c.n.Load()) }

func TestFixedBacklogWaitsForCompletion(t *testing.T) {
	c, err := NewRegistry().New(round(FixedBacklog, `{"unfinishedPerClient":2}`, 10))
	if err != nil {
		t.Fatal(err)
	}

	fb := &counter{}
	start := time.Now()

	// Two unfinished transactions are allowed without waiting
	for i := range 2 {
		if err := c.Apply(context.Background(), start, i, fb); err != nil {
			t.Fatal(err)
		}
	}

	done := make(chan error, 1)
	go func() { done <- c.Apply(context.Background(), start, 2, fb) }()

	select {
	case <-done:
		t.Fatal("third issue should wait for the backlog to drain")
	case <-time.After(50 * time.Millisecond):
	}

	fb.n.Store(1)
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(time.Second):
		t.Fatal("issue did not resume after a completion")
	}
}

func TestFixedBacklogCancellation(t *testing.T) {
	c, err := NewRegistry().New(round(FixedBacklog, `{"unfinishedPerClient":1}`, 10))
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	if err := c.Apply(ctx, time.Now(), 5, &counter{}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

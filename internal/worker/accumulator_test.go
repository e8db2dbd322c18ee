package worker

import (
	"sync"
	"testing"
	"time"

	"github.com/gateway-fm/dualbench/pkg/types"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func pair(create time.Time, delayA, delayB time.Duration) types.TxPair {
	a := types.TxStatus{
		Operation:  types.OpInvoke,
		Committed:  true,
		TimeCreate: create,
		TimeOrder:  create.Add(delayA / 2),
		TimeCommit: create.Add(delayA),
	}
	b := a
	b.TimeOrder = create.Add(delayB / 2)
	b.TimeCommit = create.Add(delayB)
	return types.TxPair{A: a, B: b}
}

func TestAccumulatorNoTrim(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	acc := NewRoundAccumulator(types.RoundSpec{TxNumber: 10}, clock.Now)
	start := acc.Begin()

	acc.Submitted(2)
	acc.Submitted(2)
	acc.Add([]types.TxPair{pair(start, time.Second, 2*time.Second), pair(start, time.Second, 2*time.Second)})

	w, err := acc.Tick()
	if err != nil {
		t.Fatal(err)
	}
	if w.Submitted != 4 || len(w.A) != 2 || len(w.B) != 2 {
		t.Fatalf("window = %+v", w)
	}
	if acc.Completed() != 2 {
		t.Errorf("completed = %d, want 2", acc.Completed())
	}

	res := acc.Result("solo", "raft")
	if len(res) != 3 {
		t.Fatalf("result keys = %d, want 3", len(res))
	}
	if got := res["solo"].Overall.Delay.Max; got != 1 {
		t.Errorf("solo max delay = %v, want 1", got)
	}
	if got := res["raft"].Overall.Delay.Max; got != 2 {
		t.Errorf("raft max delay = %v, want 2", got)
	}
	// B's 2s plus A's order-to-commit 0.5s.
	if got := res[types.SimulKey].Overall.Delay.Max; got != 2.5 {
		t.Errorf("simul max delay = %v, want 2.5", got)
	}

	w, err = acc.Tick()
	if err != nil {
		t.Fatal(err)
	}
	if w.Submitted != 0 || len(w.A) != 0 {
		t.Errorf("second tick should be empty, got %+v", w)
	}
	if acc.Result("solo", "raft")["solo"].Overall.Succ != 2 {
		t.Error("empty tick changed the aggregate")
	}
}

func TestAccumulatorDurationTrim(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	acc := NewRoundAccumulator(types.RoundSpec{TxDuration: 10, Trim: 5}, clock.Now)
	start := acc.Begin()

	clock.Advance(2 * time.Second)
	acc.Add([]types.TxPair{pair(start.Add(time.Second), time.Second, time.Second)})
	if _, err := acc.Tick(); err != nil {
		t.Fatal(err)
	}
	if !acc.Result("solo", "raft")["solo"].Overall.IsNull() {
		t.Fatal("results inside the trim window must be excluded")
	}

	clock.Advance(4 * time.Second)
	late := start.Add(5500 * time.Millisecond)
	acc.Add([]types.TxPair{pair(late, time.Second, time.Second)})
	if _, err := acc.Tick(); err != nil {
		t.Fatal(err)
	}

	res := acc.Result("solo", "raft")
	for _, name := range []string{"solo", "raft", types.SimulKey} {
		overall := res[name].Overall
		if overall.Succ != 1 {
			t.Errorf("%s succ = %d, want 1", name, overall.Succ)
		}
		if overall.Create.Min != types.Seconds(late) {
			t.Errorf("%s first snapshot includes trimmed results: create.min = %v", name, overall.Create.Min)
		}
	}
}

func TestAccumulatorCountTrim(t *testing.T) {
	acc := NewRoundAccumulator(types.RoundSpec{TxNumber: 100, Trim: 2}, nil)
	start := acc.Begin()

	windows := []int{2, 1, 3, 4}
	want := []int{0, 0, 3, 7}
	for i, n := range windows {
		pairs := make([]types.TxPair, n)
		for j := range pairs {
			pairs[j] = pair(start, time.Second, time.Second)
		}
		acc.Add(pairs)
		if _, err := acc.Tick(); err != nil {
			t.Fatal(err)
		}
		if got := acc.Result("solo", "raft")["solo"].Overall.Succ; got != want[i] {
			t.Errorf("after window %d: succ = %d, want %d", i, got, want[i])
		}
	}
}

func TestAccumulatorDropsFailedPairsFromSimul(t *testing.T) {
	acc := NewRoundAccumulator(types.RoundSpec{TxNumber: 2}, nil)
	start := acc.Begin()

	failed := pair(start, time.Second, time.Second)
	failed.B.Committed = false
	failed.B.TimeCommit = time.Time{}
	acc.Add([]types.TxPair{pair(start, time.Second, time.Second), failed})
	if _, err := acc.Tick(); err != nil {
		t.Fatal(err)
	}

	res := acc.Result("solo", "raft")
	if res["raft"].Overall.Fail != 1 || res["raft"].Overall.Succ != 1 {
		t.Errorf("raft = %+v", res["raft"].Overall)
	}
	if s := res[types.SimulKey].Overall; s.Succ != 1 || s.Fail != 0 {
		t.Errorf("simul succ/fail = %d/%d, want 1/0", s.Succ, s.Fail)
	}
}

func TestAccumulatorConcurrentAddAndTick(t *testing.T) {
	acc := NewRoundAccumulator(types.RoundSpec{TxNumber: 1000}, nil)
	start := acc.Begin()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			acc.Submitted(2)
			acc.Add([]types.TxPair{pair(start, time.Second, time.Second)})
		}()
	}

	submitted := 0
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	for running := true; running; {
		select {
		case <-done:
			running = false
		default:
		}
		w, err := acc.Tick()
		if err != nil {
			t.Fatal(err)
		}
		submitted += w.Submitted
	}

	if submitted != 200 {
		t.Errorf("submitted = %d, want 200", submitted)
	}
	if got := acc.Result("solo", "raft")["solo"].Overall.Succ; got != 100 {
		t.Errorf("succ = %d, want 100", got)
	}
}

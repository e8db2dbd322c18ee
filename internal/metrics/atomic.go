package metrics

import "sync/atomic"

// AtomicSubSaturating atomically subtracts delta from *addr, saturating at 0.
// Uses compare-and-swap so concurrent decrements never drive the value negative.
func AtomicSubSaturating(addr *int64, delta int64) int64 {
	for {
		current := atomic.LoadInt64(addr)
		newVal := current - delta
		if newVal < 0 {
			newVal = 0
		}
		if atomic.CompareAndSwapInt64(addr, current, newVal) {
			return newVal
		}
	}
}

// Counter is a simple atomic counter with convenience methods.
type Counter struct {
	value int64
}

// Add adds delta to the counter and returns the new value.
func (c *Counter) Add(delta int64) int64 {
	return atomic.AddInt64(&c.value, delta)
}

// Inc increments the counter by 1.
func (c *Counter) Inc() int64 {
	return atomic.AddInt64(&c.value, 1)
}

// Load returns the current value.
func (c *Counter) Load() int64 {
	return atomic.LoadInt64(&c.value)
}

// Swap stores val and returns the previous value.
func (c *Counter) Swap(val int64) int64 {
	return atomic.SwapInt64(&c.value, val)
}

// Reset sets the counter to 0.
func (c *Counter) Reset() {
	atomic.StoreInt64(&c.value, 0)
}

// SubSaturating subtracts delta, saturating at 0.
func (c *Counter) SubSaturating(delta int64) int64 {
	return AtomicSubSaturating(&c.value, delta)
}

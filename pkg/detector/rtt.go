package detector

import (
	"math"
	"sync/atomic"
	"time"
)

// RTT estimates round-trip delay with the Jacobson/Karels smoothed
// mean/deviation recurrence. The leader feeds it heartbeat acknowledgement
// delays for round-trip accounting.
type RTT struct {
	mean int64
	dev  int64
}

// Hint resets the estimate to a known mean with zero deviation.
func (r *RTT) Hint(mean time.Duration) {
	atomic.StoreInt64(&r.mean, int64(mean))
	atomic.StoreInt64(&r.dev, 0)
}

// Mean reads the smoothed round-trip time.
func (r *RTT) Mean() time.Duration {
	return time.Duration(atomic.LoadInt64(&r.mean))
}

// Deviation reads the smoothed deviation.
func (r *RTT) Deviation() time.Duration {
	return time.Duration(atomic.LoadInt64(&r.dev))
}

// Observe folds one sample into the estimate with the conventional gains.
func (r *RTT) Observe(v time.Duration) {
	r.ObserveWith(v, 0.125, 0.25)
}

// ObserveWith folds one sample in with explicit gains.
func (r *RTT) ObserveWith(v time.Duration, a, b float64) {
	mean := atomic.LoadInt64(&r.mean)
	dev := atomic.LoadInt64(&r.dev)

	newMean := int64((1.0-a)*float64(mean) + a*float64(v))
	newDev := int64((1.0-b)*float64(dev) + b*math.Abs(float64(v)-float64(mean)))

	// Lose the sample on a concurrent update rather than lock.
	atomic.CompareAndSwapInt64(&r.mean, mean, newMean)
	atomic.CompareAndSwapInt64(&r.dev, dev, newDev)
}

// Timeout is the usual mean + 4 deviations estimate.
func (r *RTT) Timeout() time.Duration {
	return r.Mean() + 4*r.Deviation()
}

// Package clock provides the simulated-time source for the engine.
// Two variants share one interface: a free-running "fast" clock that the
// engine simply advances in memory, and a realtime clock that paces
// sim-minutes against wall-clock time via a speed factor.
package clock

import (
	"sync"
	"time"
)

// Clock is a monotonic simulated-time source.
type Clock interface {
	// Now returns the current simulated time in minutes.
	Now() float64
	// Advance moves simulated time forward by delta minutes and returns
	// the new current time. Only meaningful for the fast variant; the
	// realtime variant's "now" moves only through its wall-paced
	// SleepUntil, and Advance on it is a no-op that still returns the
	// latest sim time.
	Advance(delta float64) float64
	// SleepUntil blocks until simulated time t has been reached according
	// to this clock's pacing rule, or the clock is stopped. Returns
	// immediately for the fast variant.
	SleepUntil(t float64)
	// Stop aborts any pending SleepUntil and causes future calls to
	// return immediately.
	Stop()
}

// Fast is a free-running clock: Now() only ever reflects what the engine
// has explicitly advanced it to. There is no relationship to wall time.
type Fast struct {
	mu  sync.Mutex
	now float64
}

// NewFast creates a free-running clock starting at sim-time 0.
func NewFast() *Fast {
	return &Fast{}
}

func (f *Fast) Now() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fast) Advance(delta float64) float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if delta > 0 {
		f.now += delta
	}
	return f.now
}

// SleepUntil on the fast clock simply advances now to t (if t is ahead)
// and returns; there is no actual waiting.
func (f *Fast) SleepUntil(t float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t > f.now {
		f.now = t
	}
}

func (f *Fast) Stop() {}

// Realtime binds simulated time to wall-clock time via a speed factor:
// wall_target = wall_start + sim_t*60/speed_factor. speed_factor >= 1
// (e.g. 60 = one sim-minute per real second; 120x is a typical setting).
type Realtime struct {
	speedFactor float64
	wallStart   time.Time

	mu       sync.Mutex
	now      float64
	stopped  bool
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewRealtime creates a realtime-paced clock. speedFactor must be >= 1.
func NewRealtime(speedFactor float64) *Realtime {
	if speedFactor < 1 {
		speedFactor = 1
	}
	return &Realtime{
		speedFactor: speedFactor,
		wallStart:   time.Now(),
		stopCh:      make(chan struct{}),
	}
}

func (r *Realtime) Now() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.now
}

func (r *Realtime) Advance(delta float64) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.now
}

// wallTarget computes the wall-clock instant corresponding to sim-time t.
func (r *Realtime) wallTarget(t float64) time.Time {
	offset := time.Duration(t * 60.0 / r.speedFactor * float64(time.Second))
	return r.wallStart.Add(offset)
}

// SleepUntil blocks until wall_target(t) is reached, or Stop is called,
// whichever comes first. Ordering guarantee: across concurrent callers,
// results of Now() are monotone non-decreasing.
func (r *Realtime) SleepUntil(t float64) {
	target := r.wallTarget(t)
	now := time.Now()
	if target.After(now) {
		timer := time.NewTimer(target.Sub(now))
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-r.stopCh:
		}
	}
	r.mu.Lock()
	if t > r.now {
		r.now = t
	}
	r.mu.Unlock()
}

// Stop aborts any pending SleepUntil immediately. Idempotent.
func (r *Realtime) Stop() {
	r.stopOnce.Do(func() {
		r.mu.Lock()
		r.stopped = true
		r.mu.Unlock()
		close(r.stopCh)
	})
}

// Elapsed returns the wall-clock duration since this clock's wallStart,
// used by callers checking realtime pacing accuracy.
func (r *Realtime) Elapsed() time.Duration {
	return time.Since(r.wallStart)
}

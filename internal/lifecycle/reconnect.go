package lifecycle

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ReconnectPolicy schedules automatic connect attempts after a connected
// session drops without being asked to.
type ReconnectPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// MaxElapsedTime stops the policy; zero retries forever.
	MaxElapsedTime time.Duration
}

func (p ReconnectPolicy) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	b.MaxElapsedTime = p.MaxElapsedTime
	b.Reset()
	return b
}

// reconnector tracks one active reconnect sequence. It is guarded by the
// owning manager's lock.
type reconnector struct {
	policy  *ReconnectPolicy
	backoff backoff.BackOff
	timer   *time.Timer
	gen     uint64
	// attempt is true while an automatic connect is in flight.
	attempt bool
}

func (r *reconnector) active() bool {
	return r.backoff != nil
}

// next arms fn after the next backoff delay. It reports false when the
// policy is disabled or exhausted.
func (r *reconnector) next(fn func(gen uint64)) (time.Duration, bool) {
	if r.policy == nil {
		return 0, false
	}
	if r.backoff == nil {
		r.backoff = r.policy.newBackOff()
	}
	d := r.backoff.NextBackOff()
	if d == backoff.Stop {
		r.stop()
		return 0, false
	}
	r.gen++
	gen := r.gen
	r.timer = time.AfterFunc(d, func() { fn(gen) })
	return d, true
}

func (r *reconnector) stop() {
	r.gen++
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.backoff = nil
	r.attempt = false
}

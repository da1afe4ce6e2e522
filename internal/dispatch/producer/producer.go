// Package producer implements the traffic generator: emits job payloads at
// random intervals, matching original_source's get_new_job/constant_timer/
// gaussian_timer trio.
package producer

import (
	"math/rand"
	"time"

	"github.com/relaypool/dispatch/internal/dispatch/wire"
)

const (
	minRuntime  = 3
	maxRuntime  = 15
	maxPriority = 10

	// minDelay is the floor a Gaussian sample is clamped to, so a large
	// negative sample never produces a zero or negative sleep.
	minDelay = 5 * time.Millisecond
)

// DelayFunc returns the next inter-submission delay.
type DelayFunc func() time.Duration

// ConstantDelay returns a DelayFunc that always yields period.
func ConstantDelay(period time.Duration) DelayFunc {
	return func() time.Duration { return period }
}

// GaussianDelay returns a DelayFunc sampling N(mean, stddev), clamped to a
// 5ms floor.
func GaussianDelay(mean, stddev time.Duration) DelayFunc {
	return func() time.Duration {
		sample := rand.NormFloat64()*float64(stddev) + float64(mean)
		d := time.Duration(sample)
		if d < minDelay {
			return minDelay
		}
		return d
	}
}

// NewJob builds a random job payload: runtime uniform in [3,15] seconds,
// priority uniform in [0,10].
func NewJob() wire.JobPayload {
	return wire.JobPayload{
		Runtime:  minRuntime + rand.Intn(maxRuntime-minRuntime+1),
		Priority: rand.Intn(maxPriority + 1),
	}
}

// New creates a Generator using delay for inter-submission timing.
func New(delay DelayFunc) *Generator {
	return &Generator{delay: delay}
}

// Generator produces a stream of (job, delay-until-next) pairs.
type Generator struct {
	delay DelayFunc
}

// Next returns the next job to submit and how long to wait before the one
// after it.
func (g *Generator) Next() (wire.JobPayload, time.Duration) {
	return NewJob(), g.delay()
}

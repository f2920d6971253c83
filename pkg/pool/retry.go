package pool

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// linearBackOff waits base*attempt, capped at max.
type linearBackOff struct {
	base    time.Duration
	max     time.Duration
	attempt int64
}

var _ backoff.BackOff = (*linearBackOff)(nil)

func newLinearBackOff(base, max time.Duration) *linearBackOff {
	return &linearBackOff{base: base, max: max}
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.attempt++
	d := b.base * time.Duration(b.attempt)
	if d > b.max {
		return b.max
	}
	return d
}

func (b *linearBackOff) Reset() {
	b.attempt = 0
}

// maxRetriesPerCall is the number of retries a single Execute may issue.
const maxRetriesPerCall = 1

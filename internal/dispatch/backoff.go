package dispatch

import (
	"math/rand"
	"sync"
	"time"
)

// backoffDelay computes the wait before the (retry+1)-th attempt: exponential
// growth from RetryBase, capped at RetryMaxDelay, with +/-20% jitter so
// several channels retrying in one cycle don't thunder together.
func backoffDelay(cfg Config, retry int) time.Duration {
	base := cfg.RetryBase
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	maxD := cfg.RetryMaxDelay
	if maxD <= 0 {
		maxD = 15 * time.Second
	}
	d := base
	for i := 1; i < retry; i++ {
		d *= 2
		if d > maxD {
			d = maxD
			break
		}
	}
	const jitter = 0.2
	r := (randFloat64()*2 - 1) * jitter
	d = time.Duration(float64(d) * (1 + r))
	if d < 0 {
		d = 0
	}
	if d > maxD {
		d = maxD
	}
	return d
}

var (
	rngMu sync.Mutex
	rng   = rand.New(rand.NewSource(time.Now().UnixNano()))
)

func randFloat64() float64 {
	rngMu.Lock()
	defer rngMu.Unlock()
	return rng.Float64()
}

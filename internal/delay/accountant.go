// Package delay models the latency contributed by a serially reused
// resource, such as an object tracker fed by a detector.
//
// The resource is a single non-preemptive server with an unbounded FIFO
// queue. Reporting only an invocation's own runtime understates end-to-end
// latency once the resource falls behind; the Accountant reports the time
// from an item's arrival until the resource finishes it.
package delay

import (
	"sync"
	"time"
)

// Accountant tracks when the last invocation of one resource completes.
// It is safe for concurrent use.
type Accountant struct {
	mu             sync.Mutex
	lastCompletion time.Duration
}

// Account records one invocation and returns its effective delay.
//
// arrival is when the item entered the pipeline, upstreamCost is how long
// the producer took before the item was ready for this resource, and
// ownCost is this resource's runtime. Negative costs count as zero.
func (a *Accountant) Account(arrival, upstreamCost, ownCost time.Duration) time.Duration {
	upstreamCost = max(upstreamCost, 0)
	ownCost = max(ownCost, 0)

	a.mu.Lock()
	defer a.mu.Unlock()

	ready := arrival + upstreamCost
	if ready > a.lastCompletion {
		// Idle: the input became available after the previous run finished.
		a.lastCompletion = ready + ownCost
		return upstreamCost + ownCost
	}
	// Busy: queue behind the previous run.
	a.lastCompletion += ownCost
	return a.lastCompletion - arrival
}

// LastCompletion returns the absolute completion time of the latest
// invocation.
func (a *Accountant) LastCompletion() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastCompletion
}

// Reset forgets all history.
func (a *Accountant) Reset() {
	a.mu.Lock()
	a.lastCompletion = 0
	a.mu.Unlock()
}

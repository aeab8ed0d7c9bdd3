// Package launch owns launch-level state for one test run: exactly-once
// creation of the remote launch, reference counting of still-running
// bundles, monotonic status aggregation, and the finalize guard.
package launch

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/singleflight"

	"github.com/launchrelay/launchrelay/types"
)

// CreationWork creates the remote launch resource and returns its ID. The
// coordinator decides when the work runs and how many times; it never
// constructs requests itself.
type CreationWork func(ctx context.Context) (string, error)

// Coordinator is the single source of truth for whether the launch exists,
// how many bundles are still running, the worst status observed so far, and
// whether finalize has happened. All methods are safe for concurrent use;
// state transitions serialize against each other so the count-to-zero check
// and the finalize guard can never race.
type Coordinator struct {
	mu        sync.Mutex
	launchID  string
	bundles   int
	status    types.Status
	finalized bool

	flight singleflight.Group
	log    log.Logger
}

// NewCoordinator creates a coordinator in its initial state
func NewCoordinator(lg log.Logger) *Coordinator {
	if lg == nil {
		lg = log.New()
	}
	return &Coordinator{
		status: types.StatusPassed,
		log:    lg,
	}
}

// CreateOrJoinLaunch returns the launch ID, creating the remote launch on
// first use. Concurrent callers share a single in-flight creation attempt
// and all receive its result, success or failure; the work runs at most once
// per successful completion. A failed attempt leaves the coordinator
// retryable with a fresh CreationWork. Cancelling ctx releases only this
// caller's wait; the shared attempt keeps running for the other waiters.
func (c *Coordinator) CreateOrJoinLaunch(ctx context.Context, work CreationWork) (string, error) {
	if id, ok := c.LaunchID(); ok {
		return id, nil
	}

	ch := c.flight.DoChan("launch", func() (any, error) {
		// An earlier attempt may have completed between the fast-path read
		// above and entering the flight.
		if id, ok := c.LaunchID(); ok {
			return id, nil
		}
		id, err := work(context.WithoutCancel(ctx))
		if err != nil {
			c.log.Warn("Launch creation attempt failed", "err", err)
			return "", err
		}
		c.storeLaunchID(id)
		c.log.Info("Launch created", "launch_id", id)
		return id, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// LaunchID returns the current launch ID. The second result is false until a
// creation attempt has succeeded.
func (c *Coordinator) LaunchID() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.launchID, c.launchID != ""
}

// IncrementBundleCount records one more active bundle
func (c *Coordinator) IncrementBundleCount() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bundles++
}

// DecrementBundleCount records one bundle as finished and reports whether it
// was the last one still running. Exactly one caller per cycle observes
// true, the one whose decrement reaches zero. The count never goes below
// zero; a decrement without a matching increment returns false.
func (c *Coordinator) DecrementBundleCount() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bundles == 0 {
		c.log.Warn("Bundle count decrement without matching increment")
		return false
	}
	c.bundles--
	return c.bundles == 0
}

// ActiveBundles returns the number of bundles currently running
func (c *Coordinator) ActiveBundles() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bundles
}

// UpdateStatus merges an observed outcome into the aggregated launch status.
// The aggregate only ever worsens under passed < skipped < failed.
func (c *Coordinator) UpdateStatus(observed types.Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = c.status.Merge(observed)
}

// AggregatedStatus returns the worst status observed so far. It is
// StatusPassed until the first update.
func (c *Coordinator) AggregatedStatus() types.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// MarkFinalized latches the finalize guard. Repeat calls are no-ops.
func (c *Coordinator) MarkFinalized() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finalized = true
}

// Finalized reports whether the launch has been finalized
func (c *Coordinator) Finalized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finalized
}

// Reset restores the coordinator to its initial state: no launch ID, zero
// bundles, StatusPassed, not finalized. Meant for test isolation and
// cross-launch reuse; callers must not reset while a creation attempt is in
// flight.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.launchID = ""
	c.bundles = 0
	c.status = types.StatusPassed
	c.finalized = false
}

func (c *Coordinator) storeLaunchID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.launchID = id
}

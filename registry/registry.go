// Package registry tracks the execution context of every running test and
// suite, keyed by stable operation identifiers. It mirrors what is currently
// executing and is independent of launch-level state; a lookup racing against
// completion is an expected steady-state condition, not an error.
package registry

import (
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/log"

	"github.com/launchrelay/launchrelay/types"
)

// Registry is a concurrent store of per-test and per-suite operations. Every
// operation serializes against every other; no caller observes a partially
// updated map.
type Registry struct {
	mu     sync.RWMutex
	tests  map[string]types.TestOperation
	suites map[string]types.SuiteOperation
	peak   int
	log    log.Logger
}

// NewRegistry creates an empty operation registry
func NewRegistry(lg log.Logger) *Registry {
	if lg == nil {
		lg = log.New()
	}
	return &Registry{
		tests:  make(map[string]types.TestOperation),
		suites: make(map[string]types.SuiteOperation),
		log:    lg,
	}
}

// RegisterTest inserts or overwrites the test entry for id. Registering an
// already-present identifier is last-write-wins, not an error.
func (r *Registry) RegisterTest(op types.TestOperation, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tests[id] = op
	r.bumpPeakLocked()
	r.log.Debug("Registered test operation", "id", id, "active", len(r.tests))
}

// RegisterSuite inserts or overwrites the suite entry for id
func (r *Registry) RegisterSuite(op types.SuiteOperation, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.suites[id] = op
	r.bumpPeakLocked()
	r.log.Debug("Registered suite operation", "id", id, "active", len(r.suites))
}

// Test returns the test entry for id. The second result is false when no
// entry is present.
func (r *Registry) Test(id string) (types.TestOperation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	op, ok := r.tests[id]
	return op, ok
}

// Suite returns the suite entry for id. The second result is false when no
// entry is present.
func (r *Registry) Suite(id string) (types.SuiteOperation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	op, ok := r.suites[id]
	return op, ok
}

// UpdateTest replaces the stored entry for id with op. Read-modify-write is
// the caller's responsibility; the registry stores whatever value is passed.
func (r *Registry) UpdateTest(op types.TestOperation, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tests[id] = op
	r.bumpPeakLocked()
}

// UpdateSuite replaces the stored entry for id with op
func (r *Registry) UpdateSuite(op types.SuiteOperation, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.suites[id] = op
	r.bumpPeakLocked()
}

// UnregisterTest removes the test entry for id. Removing an absent
// identifier is a no-op.
func (r *Registry) UnregisterTest(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tests, id)
}

// UnregisterSuite removes the suite entry for id
func (r *Registry) UnregisterSuite(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.suites, id)
}

// ActiveTestCount returns the number of currently registered tests
func (r *Registry) ActiveTestCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tests)
}

// ActiveSuiteCount returns the number of currently registered suites
func (r *Registry) ActiveSuiteCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.suites)
}

// ActiveOperationCount returns the number of registered operations of both
// kinds, observed in one snapshot
func (r *Registry) ActiveOperationCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tests) + len(r.suites)
}

// TestIDs returns the identifiers of all registered tests, sorted
func (r *Registry) TestIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.tests))
	for id := range r.tests {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// SuiteIDs returns the identifiers of all registered suites, sorted
func (r *Registry) SuiteIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.suites))
	for id := range r.suites {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// PeakOperationCount returns the historical maximum of concurrently
// registered operations, tests plus suites. Unregister never lowers it;
// only Reset clears it.
func (r *Registry) PeakOperationCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.peak
}

// Reset clears both maps and the peak counter
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tests = make(map[string]types.TestOperation)
	r.suites = make(map[string]types.SuiteOperation)
	r.peak = 0
}

// bumpPeakLocked records a new high-water mark after an insert. Callers must
// hold the write lock.
func (r *Registry) bumpPeakLocked() {
	if total := len(r.tests) + len(r.suites); total > r.peak {
		r.peak = total
	}
}

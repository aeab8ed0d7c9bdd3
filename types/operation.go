package types

import "time"

// TestOperation is the execution context of a single running test. An entry
// is registered when the test starts, mutated as the backend assigns an item
// ID and output arrives, and unregistered once the test finishes.
type TestOperation struct {
	CorrelationID string
	TestID        string // remote item ID; empty until the backend assigns one
	SuiteID       string // remote ID of the owning suite
	Name          string
	ClassName     string
	Status        Status
	StartedAt     time.Time
	FinishedAt    time.Time
	Attributes    map[string]string
}

// SuiteOperation is the execution context of a running suite. ChildTestIDs
// references test entries by identifier but does not own them; ownership of
// every entry lies with the registry.
type SuiteOperation struct {
	CorrelationID string
	SuiteID       string // remote item ID
	ParentID      string // remote ID of the enclosing suite; empty for root suites
	Name          string
	Status        Status
	StartedAt     time.Time
	ChildTestIDs  []string
	Attributes    map[string]string
}

package types

import (
	"strings"
	"time"
)

// Bundle is one independently-scheduled group of suites: a single go test
// invocation whose results report under the shared launch.
type Bundle struct {
	Name       string
	Package    string
	Run        string
	Timeout    *time.Duration
	Attributes map[string]string
}

// DisplayName returns the bundle name, falling back to the last path element
// of the package when no name is configured
func (b Bundle) DisplayName() string {
	if b.Name != "" {
		return b.Name
	}
	parts := strings.Split(strings.TrimSuffix(b.Package, "/..."), "/")
	return parts[len(parts)-1]
}

// BundleResult captures the outcome of one executed bundle
type BundleResult struct {
	Bundle   Bundle
	Status   Status
	Passed   int
	Failed   int
	Skipped  int
	Duration time.Duration
	Err      error
}

// Total returns the number of tests observed in the bundle
func (r BundleResult) Total() int {
	return r.Passed + r.Failed + r.Skipped
}

// LaunchSummary aggregates the bundle results of one completed launch
type LaunchSummary struct {
	LaunchID string
	Status   Status
	Bundles  []BundleResult
	Duration time.Duration
}

// Totals sums the per-bundle counters
func (s LaunchSummary) Totals() (passed, failed, skipped int) {
	for _, b := range s.Bundles {
		passed += b.Passed
		failed += b.Failed
		skipped += b.Skipped
	}
	return passed, failed, skipped
}

package types

// Status represents the reported outcome of a test, suite, or launch
type Status string

const (
	StatusPassed  Status = "passed"
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
)

// severity ranks outcomes from best to worst. Unknown values rank below
// StatusPassed so they can never displace a real outcome in a merge.
func (s Status) severity() int {
	switch s {
	case StatusPassed:
		return 0
	case StatusSkipped:
		return 1
	case StatusFailed:
		return 2
	default:
		return -1
	}
}

// Merge returns the worse of s and observed under passed < skipped < failed
func (s Status) Merge(observed Status) Status {
	if observed.severity() > s.severity() {
		return observed
	}
	return s
}

// Valid reports whether s is one of the three reportable outcomes
func (s Status) Valid() bool {
	return s.severity() >= 0
}

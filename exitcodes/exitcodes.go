// Package exitcodes defines the standard exit codes used by launchrelay.
package exitcodes

// Exit code constants used by launchrelay
// These constants define the exit codes that the application uses to indicate
// various states when it exits:
//
// * Success (0): Used when the run completed and every test passed
// * TestFailure (1): Used when one or more tests fail
// * RuntimeErr (2): Used for runtime errors such as broken configuration,
//   unreachable reporting backends, or panics
const (
	Success     = 0 // All tests pass
	TestFailure = 1 // Test failures
	RuntimeErr  = 2 // Runtime errors or timeouts
)

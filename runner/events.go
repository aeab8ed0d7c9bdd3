package runner

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/launchrelay/launchrelay/types"
)

// Actions emitted by go test -json, one event per line
const (
	ActionRun    = "run"
	ActionPause  = "pause"
	ActionCont   = "cont"
	ActionPass   = "pass"
	ActionFail   = "fail"
	ActionSkip   = "skip"
	ActionOutput = "output"
)

// TestEvent is a single event from the go test JSON output stream
type TestEvent struct {
	Time    time.Time // Time the event occurred
	Action  string    // The action taken (run, pause, cont, pass, fail, skip, output)
	Package string    // The package being tested
	Test    string    // The test function name (empty for package events)
	Output  string    // Output text (only for output actions)
	Elapsed float64   // Elapsed seconds for terminal actions
}

// parseTestEvent decodes one line of test output into a TestEvent
func parseTestEvent(line []byte) (TestEvent, error) {
	var event TestEvent
	err := json.Unmarshal(line, &event)
	return event, err
}

// splitTestName separates a go test name into the top-level function and the
// subtest path below it. "TestLogin/expired/token" yields
// ("TestLogin", "expired/token").
func splitTestName(full string) (funcName, subName string) {
	if i := strings.Index(full, "/"); i >= 0 {
		return full[:i], full[i+1:]
	}
	return full, ""
}

// statusForAction maps terminal event actions onto result statuses
func statusForAction(action string) (types.Status, bool) {
	switch action {
	case ActionPass:
		return types.StatusPassed, true
	case ActionSkip:
		return types.StatusSkipped, true
	case ActionFail:
		return types.StatusFailed, true
	}
	return "", false
}

package runner

import (
	"context"

	"github.com/ethereum/go-ethereum/log"

	"github.com/launchrelay/launchrelay/types"
)

// Cap on buffered function-level output lines held for leaf synthesis
const maxBufferedFuncLines = 200

// funcState tracks one top-level test function while its events stream in
type funcState struct {
	subs     map[string]bool // subtest name -> finished
	hasSubs  bool
	output   []string
	finished bool
}

// bundleTracker turns the serial event stream of one bundle into suite and
// test lifecycle calls on the sink. Top-level test functions become suites
// and their subtests become tests. A function that never starts a subtest
// gets one synthetic test named after itself, so leaf functions still show
// up as results.
type bundleTracker struct {
	sink   Sink
	bundle types.Bundle
	log    log.Logger

	funcs       map[string]*funcState
	status      types.Status
	passed      int
	failed      int
	skipped     int
	failureSeen bool
}

func newBundleTracker(sink Sink, bundle types.Bundle, lg log.Logger) *bundleTracker {
	return &bundleTracker{
		sink:   sink,
		bundle: bundle,
		log:    lg,
		funcs:  make(map[string]*funcState),
		status: types.StatusPassed,
	}
}

func (t *bundleTracker) handleEvent(ctx context.Context, event TestEvent) {
	if event.Test == "" {
		t.handlePackageEvent(event)
		return
	}

	funcName, subName := splitTestName(event.Test)
	switch event.Action {
	case ActionRun:
		if subName == "" {
			t.ensureFunc(ctx, funcName)
		} else {
			t.startSubtest(ctx, funcName, subName)
		}
	case ActionOutput:
		if subName == "" {
			t.bufferFuncOutput(ctx, funcName, event.Output)
		} else {
			t.sink.TestOutput(ctx, t.bundle, funcName, subName, event.Output)
		}
	case ActionPass, ActionFail, ActionSkip:
		status, _ := statusForAction(event.Action)
		if subName == "" {
			t.finishFunc(ctx, funcName, status)
		} else {
			t.finishSubtest(ctx, funcName, subName, status)
		}
	}
	// pause and cont carry no reportable state
}

// handlePackageEvent folds package-level terminal events into the bundle
// status. A package fail without any test events is how build failures
// surface; a package skip is an empty test target.
func (t *bundleTracker) handlePackageEvent(event TestEvent) {
	status, ok := statusForAction(event.Action)
	if !ok {
		return
	}
	if status == types.StatusFailed {
		t.failureSeen = true
	}
	t.status = t.status.Merge(status)
}

func (t *bundleTracker) ensureFunc(ctx context.Context, funcName string) *funcState {
	if st, ok := t.funcs[funcName]; ok {
		return st
	}
	st := &funcState{subs: make(map[string]bool)}
	t.funcs[funcName] = st
	if err := t.sink.SuiteStarted(ctx, t.bundle, funcName); err != nil {
		t.log.Warn("Failed to report suite start", "suite", funcName, "err", err)
	}
	return st
}

func (t *bundleTracker) startSubtest(ctx context.Context, funcName, subName string) {
	st := t.ensureFunc(ctx, funcName)
	st.hasSubs = true
	if _, started := st.subs[subName]; started {
		return
	}
	st.subs[subName] = false
	if err := t.sink.TestStarted(ctx, t.bundle, funcName, subName); err != nil {
		t.log.Warn("Failed to report test start", "test", subName, "err", err)
	}
}

// bufferFuncOutput holds a leaf function's own output until the function
// finishes and its synthetic test exists to receive it. Functions with
// subtests only emit framing at this level, which the raw bundle tail
// already captures.
func (t *bundleTracker) bufferFuncOutput(ctx context.Context, funcName, line string) {
	st := t.ensureFunc(ctx, funcName)
	if st.hasSubs {
		return
	}
	st.output = append(st.output, line)
	if len(st.output) > 2*maxBufferedFuncLines {
		st.output = append(st.output[:0], st.output[len(st.output)-maxBufferedFuncLines:]...)
	}
}

func (t *bundleTracker) finishSubtest(ctx context.Context, funcName, subName string, status types.Status) {
	st := t.ensureFunc(ctx, funcName)
	if st.subs[subName] {
		// already finished; duplicate terminal events are dropped
		return
	}
	if _, started := st.subs[subName]; !started {
		t.startSubtest(ctx, funcName, subName)
	}
	st.subs[subName] = true

	t.tally(status)
	if err := t.sink.TestFinished(ctx, t.bundle, funcName, subName, status); err != nil {
		t.log.Warn("Failed to report test finish", "test", subName, "err", err)
	}
}

func (t *bundleTracker) finishFunc(ctx context.Context, funcName string, status types.Status) {
	st := t.ensureFunc(ctx, funcName)
	if st.finished {
		return
	}
	st.finished = true

	if !st.hasSubs {
		// A leaf function is itself the only test of its suite
		if err := t.sink.TestStarted(ctx, t.bundle, funcName, funcName); err != nil {
			t.log.Warn("Failed to report test start", "test", funcName, "err", err)
		}
		for _, line := range st.output {
			t.sink.TestOutput(ctx, t.bundle, funcName, funcName, line)
		}
		st.output = nil

		t.tally(status)
		if err := t.sink.TestFinished(ctx, t.bundle, funcName, funcName, status); err != nil {
			t.log.Warn("Failed to report test finish", "test", funcName, "err", err)
		}
	}

	if err := t.sink.SuiteFinished(ctx, t.bundle, funcName, status); err != nil {
		t.log.Warn("Failed to report suite finish", "suite", funcName, "err", err)
	}
}

func (t *bundleTracker) tally(status types.Status) {
	t.status = t.status.Merge(status)
	switch status {
	case types.StatusPassed:
		t.passed++
	case types.StatusSkipped:
		t.skipped++
	case types.StatusFailed:
		t.failed++
		t.failureSeen = true
	}
}

// finish closes out anything the stream left open. A test abandoned mid-run
// (the process died or timed out) reports as failed.
func (t *bundleTracker) finish(ctx context.Context) {
	for funcName, st := range t.funcs {
		for subName, done := range st.subs {
			if !done {
				t.finishSubtest(ctx, funcName, subName, types.StatusFailed)
			}
		}
		if !st.finished {
			t.finishFunc(ctx, funcName, types.StatusFailed)
		}
	}
}

func (t *bundleTracker) summary() (status types.Status, passed, failed, skipped int) {
	return t.status, t.passed, t.failed, t.skipped
}

// sawFailure reports whether any test or package failure event arrived,
// which distinguishes an expected non-zero go test exit from a broken run
func (t *bundleTracker) sawFailure() bool {
	return t.failureSeen
}

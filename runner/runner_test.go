package runner

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"testing"
	"testing/iotest"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/launchrelay/launchrelay/types"
)

func newTestRunner(t *testing.T, sink Sink, goBinary string) *Runner {
	t.Helper()
	r, err := NewRunner(Config{
		WorkDir:        t.TempDir(),
		GoBinary:       goBinary,
		DefaultTimeout: time.Minute,
		Concurrency:    2,
		Sink:           sink,
		Log:            log.New(),
	})
	require.NoError(t, err)
	return r
}

func TestNewRunnerValidation(t *testing.T) {
	_, err := NewRunner(Config{WorkDir: t.TempDir()})
	require.ErrorContains(t, err, "sink")

	_, err = NewRunner(Config{Sink: &fakeSink{}})
	require.ErrorContains(t, err, "work directory")
}

func TestBuildBundleArgs(t *testing.T) {
	timeout := 2 * time.Minute

	tests := []struct {
		name   string
		bundle types.Bundle
		want   []string
	}{
		{
			name:   "package and run filter",
			bundle: types.Bundle{Package: "./internal/auth/...", Run: "^TestLogin$"},
			want:   []string{"test", "./internal/auth/...", "-run", "^TestLogin$", "-count", "1", "-timeout", "2m0s", "-v", "-json"},
		},
		{
			name:   "defaults to all packages",
			bundle: types.Bundle{},
			want:   []string{"test", "./...", "-count", "1", "-timeout", "2m0s", "-v", "-json"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, buildBundleArgs(tt.bundle, timeout))
		})
	}

	t.Run("zero timeout omits the flag", func(t *testing.T) {
		args := buildBundleArgs(types.Bundle{}, 0)
		assert.NotContains(t, args, "-timeout")
	})
}

func eventLine(t *testing.T, action, test, output string) string {
	t.Helper()
	return fmt.Sprintf(`{"Action":%q,"Test":%q,"Output":%q}`, action, test, output)
}

func TestRunStream(t *testing.T) {
	sink := &fakeSink{}
	r := newTestRunner(t, sink, "go")

	stream := strings.Join([]string{
		eventLine(t, ActionRun, "TestLogin", ""),
		eventLine(t, ActionRun, "TestLogin/valid", ""),
		eventLine(t, ActionOutput, "TestLogin/valid", "ok\n"),
		eventLine(t, ActionPass, "TestLogin/valid", ""),
		"not json at all",
		eventLine(t, ActionRun, "TestLogin/expired", ""),
		eventLine(t, ActionFail, "TestLogin/expired", ""),
		eventLine(t, ActionFail, "TestLogin", ""),
		eventLine(t, ActionFail, "", ""),
	}, "\n")

	res := r.RunStream(context.Background(), types.Bundle{Name: "auth"}, strings.NewReader(stream))

	require.NoError(t, res.Err)
	assert.Equal(t, types.StatusFailed, res.Status)
	assert.Equal(t, 1, res.Passed)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 2, res.Total())

	ops := sink.ops()
	assert.Equal(t, "bundle_started", ops[0])
	assert.Equal(t, "bundle_finished", ops[len(ops)-1])
	assert.Empty(t, sink.callsFor("attach"), "reported failures need no raw attachment")

	finals := sink.callsFor("bundle_finished")
	require.Len(t, finals, 1)
	assert.Equal(t, types.StatusFailed, finals[0].status)
}

func TestRunStreamBrokenPipe(t *testing.T) {
	sink := &fakeSink{}
	r := newTestRunner(t, sink, "go")

	prefix := eventLine(t, ActionRun, "TestLogin", "") + "\n"
	input := io.MultiReader(strings.NewReader(prefix), iotest.ErrReader(fmt.Errorf("pipe broke")))

	res := r.RunStream(context.Background(), types.Bundle{Name: "auth"}, input)

	require.Error(t, res.Err)
	assert.ErrorContains(t, res.Err, "pipe broke")
	assert.Equal(t, types.StatusFailed, res.Status)

	attaches := sink.callsFor("attach")
	require.Len(t, attaches, 1, "broken runs attach their raw output")
	assert.Positive(t, attaches[0].dataLen)

	require.Len(t, sink.callsFor("bundle_finished"), 1)
}

func TestRunStreamReportingUnavailable(t *testing.T) {
	sink := &fakeSink{bundleStartedErr: fmt.Errorf("backend down")}
	r := newTestRunner(t, sink, "go")

	stream := strings.Join([]string{
		eventLine(t, ActionRun, "TestPing", ""),
		eventLine(t, ActionPass, "TestPing", ""),
	}, "\n")

	res := r.RunStream(context.Background(), types.Bundle{Name: "auth"}, strings.NewReader(stream))

	require.NoError(t, res.Err, "reporting failures never fail the run")
	assert.Equal(t, types.StatusPassed, res.Status)
	assert.Equal(t, 1, res.Passed)
	require.Len(t, sink.callsFor("bundle_finished"), 1, "the launch reference is still released")
}

func TestRunnerExecNonTestBinary(t *testing.T) {
	// echo ignores the go test arguments and exits zero, exercising the
	// spawn-scan-wait path without a real test run
	sink := &fakeSink{}
	r := newTestRunner(t, sink, "echo")

	results, err := r.Run(context.Background(), []types.Bundle{{Name: "auth", Package: "./..."}})
	require.NoError(t, err)
	require.Len(t, results, 1)

	res := results[0]
	require.NoError(t, res.Err)
	assert.Equal(t, types.StatusPassed, res.Status)
	assert.Zero(t, res.Total())

	require.Len(t, sink.callsFor("bundle_started"), 1)
	require.Len(t, sink.callsFor("bundle_finished"), 1)
	require.Len(t, sink.callsFor("flush"), 1)
}

func TestRunnerExecFailingBinary(t *testing.T) {
	// false exits non-zero without emitting events, which reads as a broken
	// run rather than failed tests
	sink := &fakeSink{}
	r := newTestRunner(t, sink, "false")

	results, err := r.Run(context.Background(), []types.Bundle{{Name: "auth"}})
	require.NoError(t, err)
	require.Len(t, results, 1)

	res := results[0]
	require.Error(t, res.Err)
	assert.Equal(t, types.StatusFailed, res.Status)
	require.Len(t, sink.callsFor("attach"), 1)
	require.Len(t, sink.callsFor("bundle_finished"), 1)
}

func TestRunnerExecManyBundles(t *testing.T) {
	sink := &fakeSink{}
	r := newTestRunner(t, sink, "echo")

	bundles := []types.Bundle{{Name: "a"}, {Name: "b"}, {Name: "c"}, {Name: "d"}}
	results, err := r.Run(context.Background(), bundles)
	require.NoError(t, err)
	require.Len(t, results, len(bundles))

	for i, res := range results {
		assert.Equal(t, bundles[i].Name, res.Bundle.Name, "results keep input order")
		assert.NoError(t, res.Err)
	}
	assert.Len(t, sink.callsFor("bundle_finished"), len(bundles))
}

func TestRunnerRunRequiresBundles(t *testing.T) {
	r := newTestRunner(t, &fakeSink{}, "echo")
	_, err := r.Run(context.Background(), nil)
	require.ErrorContains(t, err, "no bundles")
}

func TestTailBuffer(t *testing.T) {
	b := newTailBuffer(8)

	_, err := b.Write([]byte("abcd"))
	require.NoError(t, err)
	assert.Equal(t, []byte("abcd"), b.Bytes())
	assert.False(t, b.Truncated())

	_, err = b.Write([]byte("efghij"))
	require.NoError(t, err)
	assert.Equal(t, []byte("cdefghij"), b.Bytes())
	assert.True(t, b.Truncated())

	// Bytes returns a copy
	got := b.Bytes()
	got[0] = 'X'
	assert.Equal(t, []byte("cdefghij"), b.Bytes())
}

func TestParseTestEvent(t *testing.T) {
	event, err := parseTestEvent([]byte(`{"Time":"2026-01-02T15:04:05Z","Action":"pass","Package":"example.com/m/auth","Test":"TestLogin/valid","Elapsed":0.42}`))
	require.NoError(t, err)
	assert.Equal(t, ActionPass, event.Action)
	assert.Equal(t, "TestLogin/valid", event.Test)
	assert.Equal(t, 0.42, event.Elapsed)
	assert.False(t, event.Time.IsZero())

	_, err = parseTestEvent([]byte("ok  \texample.com/m/auth\t0.5s"))
	require.Error(t, err)
}

func TestSplitTestName(t *testing.T) {
	tests := []struct {
		full     string
		funcName string
		subName  string
	}{
		{"TestLogin", "TestLogin", ""},
		{"TestLogin/valid", "TestLogin", "valid"},
		{"TestMatrix/linux/amd64", "TestMatrix", "linux/amd64"},
	}
	for _, tt := range tests {
		fn, sub := splitTestName(tt.full)
		assert.Equal(t, tt.funcName, fn)
		assert.Equal(t, tt.subName, sub)
	}
}

func TestTailBufferAsWriter(t *testing.T) {
	b := newTailBuffer(0)
	var w io.Writer = b
	n, err := w.Write(bytes.Repeat([]byte("x"), 100))
	require.NoError(t, err)
	assert.Equal(t, 100, n)
}

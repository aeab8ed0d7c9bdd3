// Package runner executes test bundles as go test -json child processes and
// relays their event streams to the reporting sink.
package runner

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/launchrelay/launchrelay/metrics"
	"github.com/launchrelay/launchrelay/shipper"
	"github.com/launchrelay/launchrelay/types"
)

const (
	defaultGoBinary      = "go"
	defaultBundleTimeout = 10 * time.Minute
	defaultConcurrency   = 4

	// Parent context slack past the child's -timeout, so the child reports
	// its own timeout panic before the parent kills it
	timeoutSlack = 200 * time.Millisecond

	// Deadline for closing out reporting once a bundle's own context died
	closeTimeout = 30 * time.Second

	// Output lines are embedded in the JSON events, so lines can get long
	maxEventLineBytes = 4 * 1024 * 1024
)

var newline = []byte("\n")

// Sink receives the lifecycle of every bundle the runner executes. Events of
// one bundle arrive serially; distinct bundles call concurrently.
type Sink interface {
	BundleStarted(ctx context.Context, bundle types.Bundle) error
	SuiteStarted(ctx context.Context, bundle types.Bundle, className string) error
	TestStarted(ctx context.Context, bundle types.Bundle, className, testName string) error
	TestOutput(ctx context.Context, bundle types.Bundle, className, testName, line string)
	TestFinished(ctx context.Context, bundle types.Bundle, className, testName string, status types.Status) error
	SuiteFinished(ctx context.Context, bundle types.Bundle, className string, status types.Status) error
	AttachBundleOutput(ctx context.Context, bundle types.Bundle, data []byte) error
	BundleFinished(ctx context.Context, bundle types.Bundle, status types.Status) (bool, error)
	Flush(ctx context.Context)
}

var _ Sink = (*shipper.Shipper)(nil)

// Config wires a runner to its target repo and reporting sink
type Config struct {
	// WorkDir is the root of the repo whose tests run
	WorkDir string
	// GoBinary overrides the go executable, mostly for tests
	GoBinary string
	// DefaultTimeout applies to bundles without their own timeout
	DefaultTimeout time.Duration
	// Concurrency caps how many bundles run at once
	Concurrency int
	// RawTailBytes bounds the raw output kept per bundle for attachments
	RawTailBytes int
	Sink         Sink
	Log          log.Logger
}

// Runner executes bundles and reports them through its sink
type Runner struct {
	workDir        string
	goBinary       string
	defaultTimeout time.Duration
	concurrency    int
	rawTailBytes   int
	sink           Sink
	tracer         trace.Tracer
	log            log.Logger
}

// NewRunner creates a runner from cfg
func NewRunner(cfg Config) (*Runner, error) {
	if cfg.Sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if cfg.WorkDir == "" {
		return nil, fmt.Errorf("work directory is required")
	}
	if cfg.GoBinary == "" {
		cfg.GoBinary = defaultGoBinary
	}
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = defaultBundleTimeout
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.Log == nil {
		cfg.Log = log.New()
	}

	return &Runner{
		workDir:        cfg.WorkDir,
		goBinary:       cfg.GoBinary,
		defaultTimeout: cfg.DefaultTimeout,
		concurrency:    cfg.Concurrency,
		rawTailBytes:   cfg.RawTailBytes,
		sink:           cfg.Sink,
		tracer:         otel.Tracer("bundle runner"),
		log:            cfg.Log,
	}, nil
}

// Run executes all bundles, up to the configured concurrency in parallel,
// and returns one result per bundle in input order. Test failures live in
// the results; the returned error reports only an aborted run.
func (r *Runner) Run(ctx context.Context, bundles []types.Bundle) ([]types.BundleResult, error) {
	if len(bundles) == 0 {
		return nil, fmt.Errorf("no bundles to run")
	}

	results := make([]types.BundleResult, len(bundles))
	p := pool.New().
		WithErrors().
		WithMaxGoroutines(r.concurrency).
		WithContext(ctx)
	for i, bundle := range bundles {
		p.Go(func(ctx context.Context) error {
			results[i] = r.runBundle(ctx, bundle)
			return ctx.Err()
		})
	}
	err := p.Wait()

	r.sink.Flush(ctx)
	return results, err
}

// RunStream ingests an already produced go test -json stream as one bundle.
// Used when another process ran the tests and only the relay is needed.
func (r *Runner) RunStream(ctx context.Context, bundle types.Bundle, input io.Reader) types.BundleResult {
	return r.runReported(ctx, bundle, 0, func(ctx context.Context, tracker *bundleTracker, tail *tailBuffer) error {
		return r.consumeEvents(ctx, input, tracker, tail)
	})
}

func (r *Runner) runBundle(ctx context.Context, bundle types.Bundle) types.BundleResult {
	timeout := r.defaultTimeout
	if bundle.Timeout != nil {
		timeout = *bundle.Timeout
	}
	return r.runReported(ctx, bundle, timeout, func(ctx context.Context, tracker *bundleTracker, tail *tailBuffer) error {
		return r.execBundle(ctx, bundle, timeout, tracker, tail)
	})
}

type bundleWork func(ctx context.Context, tracker *bundleTracker, tail *tailBuffer) error

// runReported wraps bundle work in the reporting lifecycle. The finishing
// call always runs, on a context that survives the bundle's own deadline, so
// the launch reference is released no matter how the work ends.
func (r *Runner) runReported(ctx context.Context, bundle types.Bundle, timeout time.Duration, work bundleWork) types.BundleResult {
	name := bundle.DisplayName()
	ctx, span := r.tracer.Start(ctx, fmt.Sprintf("bundle %s", name))
	defer span.End()

	if timeout != 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout+timeoutSlack)
		defer cancel()
	}

	lg := r.log.New("bundle", name)
	res := types.BundleResult{Bundle: bundle, Status: types.StatusPassed}
	started := time.Now()

	if err := r.sink.BundleStarted(ctx, bundle); err != nil {
		metrics.RecordErrorDetails("bundle_started", err)
		lg.Warn("Bundle reporting unavailable, results stay local", "err", err)
	}

	finished := false
	defer func() {
		if finished {
			return
		}
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
		defer cancel()
		if _, err := r.sink.BundleFinished(closeCtx, bundle, types.StatusFailed); err != nil {
			lg.Warn("Failed to finish bundle reporting", "err", err)
		}
	}()

	tracker := newBundleTracker(r.sink, bundle, lg)
	tail := newTailBuffer(r.rawTailBytes)

	runErr := work(ctx, tracker, tail)

	closeCtx, closeCancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
	defer closeCancel()

	tracker.finish(closeCtx)
	res.Status, res.Passed, res.Failed, res.Skipped = tracker.summary()
	res.Duration = time.Since(started)

	switch {
	case timeout != 0 && ctx.Err() == context.DeadlineExceeded:
		res.Err = fmt.Errorf("bundle %s timed out after %s", name, timeout)
	case runErr != nil && !tracker.sawFailure():
		// A non-zero exit with no reported failure means the run itself
		// broke: build error, panic outside tests, missing binary
		res.Err = fmt.Errorf("bundle %s: %w", name, runErr)
	}
	if res.Err != nil {
		res.Status = res.Status.Merge(types.StatusFailed)
		metrics.RecordErrorDetails("bundle_run", res.Err)
		lg.Error("Bundle run broke", "err", res.Err)

		if err := r.sink.AttachBundleOutput(closeCtx, bundle, tail.Bytes()); err != nil {
			lg.Warn("Failed to attach bundle output", "err", err)
		} else if tail.Truncated() {
			lg.Warn("Attached bundle output was truncated", "kept_bytes", len(tail.Bytes()))
		}
	}

	finished = true
	if _, err := r.sink.BundleFinished(closeCtx, bundle, res.Status); err != nil {
		lg.Warn("Failed to finish bundle reporting", "err", err)
	}

	lg.Info("Bundle finished",
		"status", res.Status,
		"passed", res.Passed,
		"failed", res.Failed,
		"skipped", res.Skipped,
		"duration", res.Duration)
	return res
}

func (r *Runner) execBundle(ctx context.Context, bundle types.Bundle, timeout time.Duration, tracker *bundleTracker, tail *tailBuffer) error {
	cmd := exec.CommandContext(ctx, r.goBinary, buildBundleArgs(bundle, timeout)...)
	cmd.Dir = r.workDir
	cmd.Stderr = tail

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open test output pipe: %w", err)
	}

	r.log.Debug("Running bundle command", "dir", cmd.Dir, "command", cmd.String(), "timeout", timeout)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", r.goBinary, err)
	}

	scanErr := r.consumeEvents(ctx, stdout, tracker, tail)
	waitErr := cmd.Wait()
	if scanErr != nil {
		return scanErr
	}
	return waitErr
}

func (r *Runner) consumeEvents(ctx context.Context, input io.Reader, tracker *bundleTracker, tail *tailBuffer) error {
	scanner := bufio.NewScanner(input)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		_, _ = tail.Write(line)
		_, _ = tail.Write(newline)

		event, err := parseTestEvent(line)
		if err != nil {
			// Interleaved non-JSON lines (toolchain warnings and the like)
			// stay in the raw tail only
			continue
		}
		tracker.handleEvent(ctx, event)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read test output: %w", err)
	}
	return nil
}

// buildBundleArgs constructs the go test invocation for a bundle
func buildBundleArgs(bundle types.Bundle, timeout time.Duration) []string {
	args := []string{"test"}

	if bundle.Package != "" {
		args = append(args, bundle.Package)
	} else {
		args = append(args, "./...")
	}

	if bundle.Run != "" {
		args = append(args, "-run", bundle.Run)
	}

	// Always disable caching
	args = append(args, "-count", "1")

	if timeout != 0 {
		args = append(args, "-timeout", timeout.String())
	}

	// Verbose JSON output carries per-test events and their output lines
	args = append(args, "-v", "-json")

	return args
}

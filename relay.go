package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/launchrelay/launchrelay/client"
	"github.com/launchrelay/launchrelay/exitcodes"
	"github.com/launchrelay/launchrelay/launch"
	"github.com/launchrelay/launchrelay/logging"
	"github.com/launchrelay/launchrelay/manifest"
	"github.com/launchrelay/launchrelay/registry"
	"github.com/launchrelay/launchrelay/runner"
	"github.com/launchrelay/launchrelay/service"
	"github.com/launchrelay/launchrelay/shipper"
	"github.com/launchrelay/launchrelay/types"

	"github.com/ethereum-optimism/optimism/op-service/cliapp"
)

// Relay implements the cliapp.Lifecycle interface.
var _ cliapp.Lifecycle = &Relay{}

// Relay runs test bundles and relays their results to the reporting backend.
type Relay struct {
	ctx         context.Context
	config      *Config
	version     string
	loader      *manifest.Loader
	coordinator *launch.Coordinator
	registry    *registry.Registry
	shipper     *shipper.Shipper
	runner      *runner.Runner
	audit       *logging.AuditLog
	scheduler   Scheduler
	svc         *service.Service

	resultMu sync.Mutex
	result   *types.LaunchSummary

	running atomic.Bool

	shutdownCallback func(error) // Callback to signal application shutdown
}

// New creates a new Relay instance from config. The shutdownCallback is
// invoked after a successful run-once cycle to stop the hosting app.
func New(ctx context.Context, config *Config, version string, shutdownCallback func(error)) (*Relay, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}

	config.Log.Debug("Relay config paths",
		"config.ManifestPath", config.ManifestPath,
		"config.WorkDir", config.WorkDir)

	loader, err := manifest.NewLoader(config.ManifestPath, config.WorkDir, config.Log)
	if err != nil {
		return nil, err
	}

	coordinator := launch.NewCoordinator(config.Log)
	reg := registry.NewRegistry(config.Log)

	reporter, err := client.New(client.Config{
		BaseURL: config.ReportURL,
		Project: config.ReportProject,
		Token:   config.ReportToken,
		Log:     config.Log,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create reporting client: %w", err)
	}

	var audit *logging.AuditLog
	if config.AuditLogPath != "" {
		audit, err = logging.NewAuditLog(config.AuditLogPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open audit log: %w", err)
		}
	}

	launchCfg := loader.Manifest().Launch
	launchName := launchCfg.Name
	if launchName == "" {
		launchName = config.ReportProject
	}
	attributes := make(map[string]string, len(launchCfg.Attributes)+1)
	for k, v := range launchCfg.Attributes {
		attributes[k] = v
	}
	if _, ok := attributes["module"]; !ok {
		if moduleName, err := loader.ModuleName(); err == nil {
			attributes["module"] = moduleName
		} else {
			config.Log.Debug("No module metadata for launch", "err", err)
		}
	}

	shipperCfg := shipper.Config{
		Coordinator: coordinator,
		Registry:    reg,
		Reporter:    reporter,
		Launch: shipper.LaunchSettings{
			Name:        launchName,
			Description: launchCfg.Description,
			Attributes:  attributes,
		},
		LogBatchSize: config.LogBatchSize,
		Log:          config.Log,
	}
	if audit != nil {
		shipperCfg.Audit = audit
	}

	ship, err := shipper.NewShipper(shipperCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create shipper: %w", err)
	}

	bundleRunner, err := runner.NewRunner(runner.Config{
		WorkDir:        config.WorkDir,
		GoBinary:       config.GoBinary,
		DefaultTimeout: config.DefaultTimeout,
		Concurrency:    config.Concurrency,
		Sink:           ship,
		Log:            config.Log,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create bundle runner: %w", err)
	}
	config.Log.Info("relay.New: created manifest loader, shipper, and runner")

	metricsAddr := ""
	if config.Metrics.Enabled {
		metricsAddr = net.JoinHostPort(config.Metrics.ListenAddr, strconv.Itoa(config.Metrics.ListenPort))
	}
	svc := service.New(service.Config{
		MetricsAddr: metricsAddr,
		DebugAddr:   config.DebugAddr,
		Coordinator: coordinator,
		Registry:    reg,
		Log:         config.Log,
	})

	return &Relay{
		ctx:              ctx,
		config:           config,
		version:          version,
		loader:           loader,
		coordinator:      coordinator,
		registry:         reg,
		shipper:          ship,
		runner:           bundleRunner,
		audit:            audit,
		scheduler:        NewIntervalScheduler(config.RunInterval, config.RunOnce, config.Log),
		svc:              svc,
		shutdownCallback: shutdownCallback,
	}, nil
}

// Start runs the relay until stopped.
// Start implements the cliapp.Lifecycle interface.
func (r *Relay) Start(ctx context.Context) error {
	defer func() {
		if rec := recover(); rec != nil {
			r.config.Log.Error("Runtime error occurred", "error", rec)
			os.Exit(exitcodes.RuntimeErr)
		}
	}()

	r.ctx = ctx
	r.running.Store(true)

	if r.config.RunOnce {
		r.config.Log.Info("Starting launchrelay in run-once mode", "version", r.version)
	} else {
		r.config.Log.Info("Starting launchrelay in continuous mode", "version", r.version, "interval", r.config.RunInterval)
	}

	r.svc.Start(ctx)

	r.scheduler.RegisterCallback(r.runCycle)
	if err := r.scheduler.Start(ctx); err != nil {
		// Runtime errors (configuration issues, aborted runs) return exit code 2
		r.config.Log.Error("Runtime error running bundles", "error", err)
		return cli.Exit(err.Error(), exitcodes.RuntimeErr)
	}

	// If in run-once mode, trigger shutdown and return
	if r.config.RunOnce {
		r.config.Log.Info("Run completed, exiting (run-once mode)")

		// Check if any tests failed and return the appropriate exit code
		if summary := r.Result(); summary != nil && summary.Status == types.StatusFailed {
			r.config.Log.Warn("Run-once cycle completed with failures, returning exit code 1")
			return NewTestFailureError(summaryLine(*summary))
		}

		go func() {
			r.shutdownCallback(nil)
		}()
		return nil // Success (exit code 0)
	}

	r.config.Log.Debug("launchrelay started successfully")
	return nil
}

// runCycle executes one full launch cycle: load the manifest, run every
// bundle, and print the aggregated results.
func (r *Relay) runCycle() error {
	started := time.Now()
	r.config.Log.Info("Running all bundles...")

	if err := r.loader.Reload(); err != nil {
		return NewRuntimeError(fmt.Errorf("failed to reload manifest: %w", err))
	}

	// Each cycle reports into its own launch
	r.coordinator.Reset()
	r.registry.Reset()

	var results []types.BundleResult
	if r.config.StdinBundle != "" {
		res := r.runner.RunStream(r.ctx, types.Bundle{Name: r.config.StdinBundle}, os.Stdin)
		results = []types.BundleResult{res}
	} else {
		bundles, err := r.loader.ResolveBundles(r.config.DefaultTimeout)
		if err != nil {
			return NewRuntimeError(err)
		}
		results, err = r.runner.Run(r.ctx, bundles)
		if err != nil {
			// This is a runtime error (not a test failure)
			r.config.Log.Error("Runtime error running bundles", "error", err)
			return NewRuntimeError(err)
		}
	}

	launchID, _ := r.coordinator.LaunchID()
	summary := &types.LaunchSummary{
		LaunchID: launchID,
		Status:   r.coordinator.AggregatedStatus(),
		Bundles:  results,
		Duration: time.Since(started),
	}
	r.setResult(summary)

	r.config.Log.Info("Printing results...")
	printResultsTable(*summary)
	fmt.Println(summaryLine(*summary))
	r.config.Log.Info("Launch cycle completed", "launch_id", summary.LaunchID, "status", summary.Status)
	return nil
}

// Stop stops the relay service.
// Stop implements the cliapp.Lifecycle interface.
func (r *Relay) Stop(ctx context.Context) error {
	r.config.Log.Info("Stopping launchrelay")

	// Check if we're already stopped
	if !r.running.Load() {
		r.config.Log.Debug("Service already stopped, nothing to do")
		return nil
	}

	// Update running state first to prevent new launch cycles
	r.running.Store(false)

	if err := r.scheduler.Stop(); err != nil {
		r.config.Log.Error("Error stopping scheduler", "error", err)
	}

	// Ship whatever output is still buffered before going down
	r.shipper.Flush(context.WithoutCancel(ctx))

	if r.audit != nil {
		if err := r.audit.Close(); err != nil {
			r.config.Log.Error("Error closing audit log", "error", err)
		}
	}

	r.svc.Shutdown()

	r.config.Log.Info("launchrelay stopped successfully")
	return nil
}

// Stopped returns true if the relay service is stopped.
// Stopped implements the cliapp.Lifecycle interface.
func (r *Relay) Stopped() bool {
	return !r.running.Load()
}

// WaitForShutdown blocks until all scheduler goroutines have terminated.
func (r *Relay) WaitForShutdown(ctx context.Context) error {
	return r.scheduler.WaitForShutdown(ctx)
}

// Result returns the summary of the most recently completed launch cycle.
func (r *Relay) Result() *types.LaunchSummary {
	r.resultMu.Lock()
	defer r.resultMu.Unlock()
	return r.result
}

func (r *Relay) setResult(summary *types.LaunchSummary) {
	r.resultMu.Lock()
	defer r.resultMu.Unlock()
	r.result = summary
}

// Coordinator exposes the launch coordinator for debug endpoints.
func (r *Relay) Coordinator() *launch.Coordinator {
	return r.coordinator
}

// OperationRegistry exposes the operation registry for debug endpoints.
func (r *Relay) OperationRegistry() *registry.Registry {
	return r.registry
}

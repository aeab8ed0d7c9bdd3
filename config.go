package relay

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v2"

	opmetrics "github.com/ethereum-optimism/optimism/op-service/metrics"
	"github.com/ethereum/go-ethereum/log"

	"github.com/launchrelay/launchrelay/flags"
)

// Config holds the application configuration
type Config struct {
	ManifestPath   string
	WorkDir        string
	ReportURL      string
	ReportProject  string
	ReportToken    string
	GoBinary       string
	RunInterval    time.Duration // Interval between runs
	RunOnce        bool          // Indicates if the service should exit after one run
	Concurrency    int           // Number of bundles run in parallel
	DefaultTimeout time.Duration // Default per-bundle timeout
	AuditLogPath   string        // JSON-lines audit trail destination, empty disables it
	LogBatchSize   int           // Buffered output lines per test before a batch ships
	DebugAddr      string        // Debug state server address, empty disables it
	StdinBundle    string        // Bundle name for stdin ingest mode
	Metrics        opmetrics.CLIConfig
	Log            log.Logger
}

// NewConfig creates a new Config from cli context
func NewConfig(ctx *cli.Context, log log.Logger, manifestPath, workDir string) (*Config, error) {
	if err := flags.CheckRequired(ctx); err != nil {
		return nil, fmt.Errorf("missing required flags: %w", err)
	}
	if manifestPath == "" {
		return nil, errors.New("manifest path is required")
	}
	if workDir == "" {
		return nil, errors.New("work directory is required")
	}

	absManifest, err := filepath.Abs(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path for manifest '%s': %w", manifestPath, err)
	}
	absWorkDir, err := filepath.Abs(workDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path for work directory '%s': %w", workDir, err)
	}

	reportURL := ctx.String(flags.ReportURL.Name)
	if reportURL == "" {
		return nil, errors.New("report URL is required")
	}
	reportProject := ctx.String(flags.ReportProject.Name)
	if reportProject == "" {
		return nil, errors.New("report project is required")
	}

	runInterval := ctx.Duration(flags.RunInterval.Name)
	runOnce := runInterval == 0

	stdinBundle := ctx.String(flags.StdinBundle.Name)
	if stdinBundle != "" && !runOnce {
		return nil, errors.New("stdin ingest cannot run on an interval")
	}

	auditLogPath := ctx.String(flags.AuditLog.Name)
	if auditLogPath != "" {
		if auditLogPath, err = filepath.Abs(auditLogPath); err != nil {
			return nil, fmt.Errorf("failed to resolve absolute path for audit log: %w", err)
		}
	}

	return &Config{
		ManifestPath:   absManifest,
		WorkDir:        absWorkDir,
		ReportURL:      reportURL,
		ReportProject:  reportProject,
		ReportToken:    ctx.String(flags.ReportToken.Name),
		GoBinary:       ctx.String(flags.GoBinary.Name),
		RunInterval:    runInterval,
		RunOnce:        runOnce,
		Concurrency:    ctx.Int(flags.Concurrency.Name),
		DefaultTimeout: ctx.Duration(flags.DefaultTimeout.Name),
		AuditLogPath:   auditLogPath,
		LogBatchSize:   ctx.Int(flags.LogBatchSize.Name),
		DebugAddr:      ctx.String(flags.DebugAddr.Name),
		StdinBundle:    stdinBundle,
		Metrics:        opmetrics.ReadCLIConfig(ctx),
		Log:            log,
	}, nil
}

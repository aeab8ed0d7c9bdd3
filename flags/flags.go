package flags

import (
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	opservice "github.com/ethereum-optimism/optimism/op-service"
	oplog "github.com/ethereum-optimism/optimism/op-service/log"
	opmetrics "github.com/ethereum-optimism/optimism/op-service/metrics"
)

const EnvVarPrefix = "LAUNCHRELAY"

var (
	Manifest = &cli.StringFlag{
		Name:     "manifest",
		Value:    "",
		Required: true,
		EnvVars:  opservice.PrefixEnvVar(EnvVarPrefix, "MANIFEST"),
		Usage:    "Path to the bundle manifest file (eg. 'bundles.yaml')",
	}
	WorkDir = &cli.StringFlag{
		Name:    "workdir",
		Value:   ".",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "WORKDIR"),
		Usage:   "Root of the repository whose tests run",
	}
	ReportURL = &cli.StringFlag{
		Name:     "report-url",
		Value:    "",
		Required: true,
		EnvVars:  opservice.PrefixEnvVar(EnvVarPrefix, "REPORT_URL"),
		Usage:    "Base URL of the reporting backend",
	}
	ReportProject = &cli.StringFlag{
		Name:     "report-project",
		Value:    "",
		Required: true,
		EnvVars:  opservice.PrefixEnvVar(EnvVarPrefix, "REPORT_PROJECT"),
		Usage:    "Project name on the reporting backend",
	}
	ReportToken = &cli.StringFlag{
		Name:    "report-token",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "REPORT_TOKEN"),
		Usage:   "Bearer token for the reporting backend",
	}
	GoBinary = &cli.StringFlag{
		Name:    "go-binary",
		Value:   "go",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "GO_BINARY"),
		Usage:   "Path to the Go binary used to run bundles",
	}
	RunInterval = &cli.DurationFlag{
		Name:    "run-interval",
		Value:   0,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "RUN_INTERVAL"),
		Usage:   "Interval between runs (e.g. '1h', '30m'). Set to 0 or omit for run-once mode.",
	}
	Concurrency = &cli.IntFlag{
		Name:    "concurrency",
		Value:   4,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "CONCURRENCY"),
		Usage:   "Number of bundles run in parallel",
	}
	DefaultTimeout = &cli.DurationFlag{
		Name:    "default-timeout",
		Value:   10 * time.Minute,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "DEFAULT_TIMEOUT"),
		Usage:   "Default per-bundle timeout, overridable per bundle in the manifest",
	}
	AuditLog = &cli.StringFlag{
		Name:    "audit-log",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "AUDIT_LOG"),
		Usage:   "Path to the JSON-lines audit trail of shipped events (empty disables it)",
	}
	LogBatchSize = &cli.IntFlag{
		Name:    "log-batch-size",
		Value:   20,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "LOG_BATCH_SIZE"),
		Usage:   "Buffered output lines per test before a batch uploads",
	}
	DebugAddr = &cli.StringFlag{
		Name:    "debug-addr",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "DEBUG_ADDR"),
		Usage:   "Listen address for the debug state server (empty disables it)",
	}
	StdinBundle = &cli.StringFlag{
		Name:    "stdin-bundle",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "STDIN_BUNDLE"),
		Usage:   "Relay a go test -json stream from stdin as this bundle instead of running tests",
	}
)

var requiredFlags = []cli.Flag{
	Manifest,
	ReportURL,
	ReportProject,
}

var optionalFlags = []cli.Flag{
	WorkDir,
	ReportToken,
	GoBinary,
	RunInterval,
	Concurrency,
	DefaultTimeout,
	AuditLog,
	LogBatchSize,
	DebugAddr,
	StdinBundle,
}

var Flags []cli.Flag

func init() {
	optionalFlags = append(optionalFlags, oplog.CLIFlags(EnvVarPrefix)...)
	optionalFlags = append(optionalFlags, opmetrics.CLIFlags(EnvVarPrefix)...)

	Flags = append(requiredFlags, optionalFlags...)
}

func CheckRequired(ctx *cli.Context) error {
	for _, f := range requiredFlags {
		if !ctx.IsSet(f.Names()[0]) {
			return fmt.Errorf("flag %s is required", f.Names()[0])
		}
	}
	return nil
}

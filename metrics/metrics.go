package metrics

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/launchrelay/launchrelay/types"
)

const (
	MetricsNamespace = "launchrelay"
)

var (
	Debug                bool = true
	nonAlphanumericRegex      = regexp.MustCompile(`[^a-zA-Z ]+`)

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "errors_total",
		Help:      "Count of errors",
	}, []string{
		"error",
	})

	launchCreationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "launch_creations_total",
		Help:      "Count of remote launch creation attempts",
	}, []string{
		"result",
	})

	reportRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "report_requests_total",
		Help:      "Count of requests to the reporting backend",
	}, []string{
		"operation",
		"result",
	})

	itemsStartedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "items_started_total",
		Help:      "Count of reported item starts",
	}, []string{
		"kind",
	})

	itemsFinishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "items_finished_total",
		Help:      "Count of reported item finishes",
	}, []string{
		"kind",
		"status",
	})

	logBatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "log_batches_total",
		Help:      "Count of shipped log batches",
	}, []string{
		"result",
	})

	activeOperations = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "active_operations",
		Help:      "Number of test and suite operations currently in flight",
	}, []string{
		"kind",
	})

	peakOperations = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "peak_operations",
		Help:      "High-water mark of concurrently running operations",
	})

	activeBundles = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "active_bundles",
		Help:      "Number of bundles currently running",
	})

	launchResults = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "launch_results",
		Help:      "Result of finalized launches",
	}, []string{
		"launch_id",
		"status",
	})

	launchDuration = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "launch_duration",
		Help:      "Wall-clock duration of finalized launches in seconds",
	}, []string{
		"launch_id",
	})

	bundleTestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "bundle_tests_total",
		Help:      "Count of test outcomes per bundle",
	}, []string{
		"bundle",
		"status",
	})
)

// errToLabel tries to make the error string a more valid Prometheus label
func errToLabel(err error) string {
	if err == nil {
		return "nil"
	}
	errClean := nonAlphanumericRegex.ReplaceAllString(err.Error(), "")
	errClean = strings.ReplaceAll(errClean, " ", "_")
	errClean = strings.ReplaceAll(errClean, "__", "_")
	return errClean
}

func RecordError(error string) {
	if Debug {
		log.Debug("metric inc",
			"m", "errors_total",
			"error", error,
		)
	}
	errorsTotal.WithLabelValues(error).Inc()
}

// RecordErrorDetails concats the error message to the label
// and also tries to clean the label to be a valid Prometheus label
func RecordErrorDetails(label string, err error) {
	if err == nil {
		return
	}
	label = fmt.Sprintf("%s.%s", label, errToLabel(err))
	RecordError(label)
}

func RecordLaunchCreation(result string) {
	if Debug {
		log.Debug("metric inc", "m", "launch_creations_total", "result", result)
	}
	launchCreationsTotal.WithLabelValues(result).Inc()
}

func RecordReportRequest(operation string, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	reportRequestsTotal.WithLabelValues(operation, result).Inc()
}

func RecordItemStarted(kind string) {
	itemsStartedTotal.WithLabelValues(kind).Inc()
}

func RecordItemFinished(kind string, status types.Status) {
	itemsFinishedTotal.WithLabelValues(kind, string(status)).Inc()
}

func RecordLogBatch(err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	logBatchesTotal.WithLabelValues(result).Inc()
}

// RecordOperationGauges publishes registry diagnostics
func RecordOperationGauges(activeTests, activeSuites, peak int) {
	activeOperations.WithLabelValues("test").Set(float64(activeTests))
	activeOperations.WithLabelValues("suite").Set(float64(activeSuites))
	peakOperations.Set(float64(peak))
}

func RecordActiveBundles(count int) {
	activeBundles.Set(float64(count))
}

func RecordBundleTest(bundle string, status types.Status) {
	if !status.Valid() {
		log.Error("RecordBundleTest - invalid status", "status", status)
		return
	}
	bundleTestsTotal.WithLabelValues(bundle, string(status)).Inc()
}

func RecordLaunchFinalized(launchID string, status types.Status, duration time.Duration) {
	launchResults.WithLabelValues(launchID, string(status)).Set(1)
	launchDuration.WithLabelValues(launchID).Set(duration.Seconds())
}

// Package shipper relays bundle, suite, and test lifecycle events to the
// reporting backend. It drives the launch coordinator and the operation
// registry; it is the only package that talks to both the core and the
// backend client.
package shipper

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/acarl005/stripansi"
	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"

	"github.com/launchrelay/launchrelay/client"
	"github.com/launchrelay/launchrelay/launch"
	"github.com/launchrelay/launchrelay/logging"
	"github.com/launchrelay/launchrelay/metrics"
	"github.com/launchrelay/launchrelay/registry"
	"github.com/launchrelay/launchrelay/types"
)

const defaultLogBatchSize = 20

// Reporter is the backend surface the shipper drives
type Reporter interface {
	StartLaunch(ctx context.Context, req client.StartLaunchRequest) (string, error)
	FinishLaunch(ctx context.Context, launchID string, req client.FinishLaunchRequest) error
	StartSuite(ctx context.Context, parentID string, req client.StartItemRequest) (string, error)
	StartTest(ctx context.Context, parentID string, req client.StartItemRequest) (string, error)
	FinishItem(ctx context.Context, itemID string, req client.FinishItemRequest) error
	Log(ctx context.Context, entries []client.LogEntry) error
	Attach(ctx context.Context, itemID, name, mime string, data []byte) error
}

var _ Reporter = (*client.Client)(nil)

// AuditSink records relayed lifecycle events
type AuditSink interface {
	Record(event logging.AuditEvent)
}

// LaunchSettings names the launch and carries its launch-level attributes
type LaunchSettings struct {
	Name        string
	Description string
	Attributes  map[string]string
}

// Config wires a shipper to its collaborators
type Config struct {
	Coordinator *launch.Coordinator
	Registry    *registry.Registry
	Reporter    Reporter
	Launch      LaunchSettings
	// Audit is optional; nil disables the shipped-payload trail
	Audit AuditSink
	// LogBatchSize is the number of buffered output lines per test that
	// triggers an early batch upload
	LogBatchSize int
	Log          log.Logger
}

// Shipper receives lifecycle events from a bundle runner and reports them.
// All methods are safe for concurrent use by independently running bundles.
type Shipper struct {
	coordinator *launch.Coordinator
	registry    *registry.Registry
	reporter    Reporter
	launchCfg   LaunchSettings
	audit       AuditSink
	batchSize   int
	log         log.Logger

	mu          sync.Mutex
	pending     map[string][]client.LogEntry
	launchStart time.Time
}

// NewShipper creates a shipper from cfg
func NewShipper(cfg Config) (*Shipper, error) {
	if cfg.Coordinator == nil {
		return nil, fmt.Errorf("coordinator is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if cfg.Reporter == nil {
		return nil, fmt.Errorf("reporter is required")
	}
	if cfg.Log == nil {
		cfg.Log = log.New()
	}
	if cfg.LogBatchSize == 0 {
		cfg.LogBatchSize = defaultLogBatchSize
	}

	return &Shipper{
		coordinator: cfg.Coordinator,
		registry:    cfg.Registry,
		reporter:    cfg.Reporter,
		launchCfg:   cfg.Launch,
		audit:       cfg.Audit,
		batchSize:   cfg.LogBatchSize,
		log:         cfg.Log,
		pending:     make(map[string][]client.LogEntry),
	}, nil
}

// BundleStarted registers a bundle with the launch and opens its root suite.
// The first bundle to arrive creates the launch; concurrent bundles join the
// same creation attempt. The bundle's launch reference is taken before any
// backend call, so a failed start must still be paired with BundleFinished.
func (s *Shipper) BundleStarted(ctx context.Context, bundle types.Bundle) error {
	s.coordinator.IncrementBundleCount()
	metrics.RecordActiveBundles(s.coordinator.ActiveBundles())

	launchID, err := s.coordinator.CreateOrJoinLaunch(ctx, s.createLaunch)
	if err != nil {
		return fmt.Errorf("failed to create or join launch: %w", err)
	}

	bundleName := bundle.DisplayName()
	corr := uuid.New().String()
	lg := s.log.New("correlation_id", corr, "bundle", bundleName)

	rootKey := types.RootSuiteKey(bundleName)
	op := types.SuiteOperation{
		CorrelationID: corr,
		Name:          bundleName,
		Status:        types.StatusPassed,
		StartedAt:     time.Now(),
		Attributes:    bundle.Attributes,
	}
	s.registry.RegisterSuite(op, rootKey)
	s.publishOperationGauges()

	itemID, err := s.reporter.StartSuite(ctx, "", client.StartItemRequest{
		LaunchID:    launchID,
		Name:        bundleName,
		Description: bundle.Package,
		StartTime:   op.StartedAt,
		Attributes:  bundle.Attributes,
	})
	if err != nil {
		return fmt.Errorf("failed to start root suite for bundle %s: %w", bundleName, err)
	}

	op.SuiteID = itemID
	s.registry.UpdateSuite(op, rootKey)
	metrics.RecordItemStarted("suite")

	lg.Debug("Bundle reporting started", "launch_id", launchID, "item_id", itemID)
	s.recordAudit(logging.AuditEvent{
		Event:         "bundle_started",
		CorrelationID: corr,
		LaunchID:      launchID,
		Identifier:    rootKey,
		ItemID:        itemID,
	})
	return nil
}

// SuiteStarted opens a class suite under the bundle's root suite
func (s *Shipper) SuiteStarted(ctx context.Context, bundle types.Bundle, className string) error {
	bundleName := bundle.DisplayName()
	launchID, ok := s.coordinator.LaunchID()
	if !ok {
		return fmt.Errorf("no launch to report suite %s under", className)
	}

	parentID := ""
	if root, ok := s.registry.Suite(types.RootSuiteKey(bundleName)); ok {
		parentID = root.SuiteID
	}

	corr := uuid.New().String()
	key := types.SuiteKey(bundleName, className)
	op := types.SuiteOperation{
		CorrelationID: corr,
		ParentID:      parentID,
		Name:          className,
		Status:        types.StatusPassed,
		StartedAt:     time.Now(),
	}
	s.registry.RegisterSuite(op, key)
	s.publishOperationGauges()

	itemID, err := s.reporter.StartSuite(ctx, parentID, client.StartItemRequest{
		LaunchID:  launchID,
		Name:      className,
		StartTime: op.StartedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to start suite %s: %w", key, err)
	}

	op.SuiteID = itemID
	s.registry.UpdateSuite(op, key)
	metrics.RecordItemStarted("suite")

	s.log.Debug("Suite reporting started", "correlation_id", corr, "id", key, "item_id", itemID)
	s.recordAudit(logging.AuditEvent{
		Event:         "suite_started",
		CorrelationID: corr,
		LaunchID:      launchID,
		Identifier:    key,
		ItemID:        itemID,
	})
	return nil
}

// TestStarted opens a test item under its class suite
func (s *Shipper) TestStarted(ctx context.Context, bundle types.Bundle, className, testName string) error {
	bundleName := bundle.DisplayName()
	launchID, ok := s.coordinator.LaunchID()
	if !ok {
		return fmt.Errorf("no launch to report test %s under", testName)
	}

	suiteKey := types.SuiteKey(bundleName, className)
	parentID := ""
	if suiteOp, ok := s.registry.Suite(suiteKey); ok {
		parentID = suiteOp.SuiteID
	}

	corr := uuid.New().String()
	key := types.TestKey(bundleName, className, testName)
	op := types.TestOperation{
		CorrelationID: corr,
		SuiteID:       parentID,
		Name:          testName,
		ClassName:     className,
		Status:        types.StatusPassed,
		StartedAt:     time.Now(),
	}
	s.registry.RegisterTest(op, key)
	s.publishOperationGauges()

	itemID, err := s.reporter.StartTest(ctx, parentID, client.StartItemRequest{
		LaunchID:  launchID,
		Name:      testName,
		StartTime: op.StartedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to start test %s: %w", key, err)
	}

	op.TestID = itemID
	s.registry.UpdateTest(op, key)

	// Events of one bundle arrive serially, so this read-modify-write of the
	// parent's child list cannot race a sibling of the same suite.
	if suiteOp, ok := s.registry.Suite(suiteKey); ok {
		suiteOp.ChildTestIDs = append(suiteOp.ChildTestIDs, key)
		s.registry.UpdateSuite(suiteOp, suiteKey)
	}
	metrics.RecordItemStarted("test")

	s.log.Debug("Test reporting started", "correlation_id", corr, "id", key, "item_id", itemID)
	s.recordAudit(logging.AuditEvent{
		Event:         "test_started",
		CorrelationID: corr,
		LaunchID:      launchID,
		Identifier:    key,
		ItemID:        itemID,
	})
	return nil
}

// TestOutput queues one line of test output for shipping. Output is
// best-effort; a failed upload never fails the run.
func (s *Shipper) TestOutput(ctx context.Context, bundle types.Bundle, className, testName, line string) {
	key := types.TestKey(bundle.DisplayName(), className, testName)
	op, ok := s.registry.Test(key)
	if !ok {
		// Output racing registration or cleanup is expected; drop it
		return
	}
	launchID, _ := s.coordinator.LaunchID()

	entry := client.LogEntry{
		LaunchID: launchID,
		ItemID:   op.TestID,
		Time:     time.Now(),
		Level:    client.LogLevelInfo,
		Message:  stripansi.Strip(strings.TrimRight(line, "\n")),
	}

	s.mu.Lock()
	s.pending[key] = append(s.pending[key], entry)
	var batch []client.LogEntry
	if len(s.pending[key]) >= s.batchSize {
		batch = s.pending[key]
		delete(s.pending, key)
	}
	s.mu.Unlock()

	s.shipLogs(ctx, batch)
}

// TestFinished merges the test's outcome into launch and suite state, ships
// its remaining output, and closes its backend item
func (s *Shipper) TestFinished(ctx context.Context, bundle types.Bundle, className, testName string, status types.Status) error {
	bundleName := bundle.DisplayName()
	key := types.TestKey(bundleName, className, testName)

	// The outcome counts even when reporting the item fails
	s.coordinator.UpdateStatus(status)
	metrics.RecordBundleTest(bundleName, status)

	suiteKey := types.SuiteKey(bundleName, className)
	if suiteOp, ok := s.registry.Suite(suiteKey); ok {
		suiteOp.Status = suiteOp.Status.Merge(status)
		s.registry.UpdateSuite(suiteOp, suiteKey)
	}

	op, ok := s.registry.Test(key)
	if !ok {
		s.log.Warn("Finished test was never registered", "id", key)
		return nil
	}

	op.Status = status
	op.FinishedAt = time.Now()
	s.registry.UpdateTest(op, key)

	// Ship buffered output before closing the item
	s.mu.Lock()
	batch := s.pending[key]
	delete(s.pending, key)
	s.mu.Unlock()
	s.shipLogs(ctx, batch)

	var finishErr error
	if op.TestID != "" {
		finishErr = s.reporter.FinishItem(ctx, op.TestID, client.FinishItemRequest{
			EndTime: op.FinishedAt,
			Status:  string(status),
		})
	}

	s.registry.UnregisterTest(key)
	s.publishOperationGauges()
	metrics.RecordItemFinished("test", status)

	s.recordAudit(logging.AuditEvent{
		Event:         "test_finished",
		CorrelationID: op.CorrelationID,
		Identifier:    key,
		ItemID:        op.TestID,
		Status:        string(status),
	})
	if finishErr != nil {
		return fmt.Errorf("failed to finish test %s: %w", key, finishErr)
	}
	return nil
}

// SuiteFinished closes a class suite's backend item
func (s *Shipper) SuiteFinished(ctx context.Context, bundle types.Bundle, className string, status types.Status) error {
	key := types.SuiteKey(bundle.DisplayName(), className)
	op, ok := s.registry.Suite(key)
	if !ok {
		s.log.Warn("Finished suite was never registered", "id", key)
		return nil
	}

	op.Status = op.Status.Merge(status)
	var finishErr error
	if op.SuiteID != "" {
		finishErr = s.reporter.FinishItem(ctx, op.SuiteID, client.FinishItemRequest{
			EndTime: time.Now(),
			Status:  string(op.Status),
		})
	}

	s.registry.UnregisterSuite(key)
	s.publishOperationGauges()
	metrics.RecordItemFinished("suite", op.Status)

	s.recordAudit(logging.AuditEvent{
		Event:         "suite_finished",
		CorrelationID: op.CorrelationID,
		Identifier:    key,
		ItemID:        op.SuiteID,
		Status:        string(op.Status),
	})
	if finishErr != nil {
		return fmt.Errorf("failed to finish suite %s: %w", key, finishErr)
	}
	return nil
}

// AttachBundleOutput uploads the bundle's raw output as an attachment on its
// root suite. Called before BundleFinished, while the root suite is still
// registered.
func (s *Shipper) AttachBundleOutput(ctx context.Context, bundle types.Bundle, data []byte) error {
	bundleName := bundle.DisplayName()
	op, ok := s.registry.Suite(types.RootSuiteKey(bundleName))
	if !ok || op.SuiteID == "" {
		return fmt.Errorf("no reported root suite for bundle %s", bundleName)
	}
	return s.reporter.Attach(ctx, op.SuiteID, bundleName+".log", "text/plain", data)
}

// BundleFinished closes the bundle's root suite and releases its launch
// reference. It reports true when this bundle was the last one running, at
// which point the launch is finished with the aggregated status and the
// finalize guard latched. Runners call it exactly once per started bundle,
// from a deferred path, so a bundle that crashes mid-run still releases its
// reference.
func (s *Shipper) BundleFinished(ctx context.Context, bundle types.Bundle, status types.Status) (bool, error) {
	bundleName := bundle.DisplayName()
	rootKey := types.RootSuiteKey(bundleName)

	var errs []error
	if op, ok := s.registry.Suite(rootKey); ok {
		op.Status = op.Status.Merge(status)
		if op.SuiteID != "" {
			if err := s.reporter.FinishItem(ctx, op.SuiteID, client.FinishItemRequest{
				EndTime: time.Now(),
				Status:  string(op.Status),
			}); err != nil {
				errs = append(errs, fmt.Errorf("failed to finish root suite %s: %w", rootKey, err))
			}
		}
		s.registry.UnregisterSuite(rootKey)
		s.publishOperationGauges()
		metrics.RecordItemFinished("suite", op.Status)
	}

	s.coordinator.UpdateStatus(status)

	last := s.coordinator.DecrementBundleCount()
	metrics.RecordActiveBundles(s.coordinator.ActiveBundles())

	if last {
		if err := s.finalizeLaunch(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	s.recordAudit(logging.AuditEvent{
		Event:      "bundle_finished",
		Identifier: rootKey,
		Status:     string(status),
	})
	return last, errors.Join(errs...)
}

// Flush ships any output still buffered for tests that never reported a
// finish
func (s *Shipper) Flush(ctx context.Context) {
	s.mu.Lock()
	batches := make([][]client.LogEntry, 0, len(s.pending))
	for key, batch := range s.pending {
		batches = append(batches, batch)
		delete(s.pending, key)
	}
	s.mu.Unlock()

	for _, batch := range batches {
		s.shipLogs(ctx, batch)
	}
}

// createLaunch is the creation work handed to the coordinator. The
// coordinator decides when it runs and how many times; every concurrently
// starting bundle shares one attempt.
func (s *Shipper) createLaunch(ctx context.Context) (string, error) {
	id, err := s.reporter.StartLaunch(ctx, client.StartLaunchRequest{
		Name:        s.launchCfg.Name,
		Description: s.launchCfg.Description,
		StartTime:   time.Now(),
		Attributes:  s.launchCfg.Attributes,
	})
	if err != nil {
		metrics.RecordLaunchCreation("failure")
		metrics.RecordErrorDetails("launch_creation", err)
		return "", err
	}

	s.mu.Lock()
	s.launchStart = time.Now()
	s.mu.Unlock()

	metrics.RecordLaunchCreation("success")
	s.recordAudit(logging.AuditEvent{Event: "launch_created", LaunchID: id})
	return id, nil
}

func (s *Shipper) finalizeLaunch(ctx context.Context) error {
	launchID, ok := s.coordinator.LaunchID()
	if !ok {
		// Creation never succeeded; there is no remote resource to close
		return nil
	}
	if s.coordinator.Finalized() {
		return nil
	}

	status := s.coordinator.AggregatedStatus()
	if err := s.reporter.FinishLaunch(ctx, launchID, client.FinishLaunchRequest{
		EndTime: time.Now(),
		Status:  string(status),
	}); err != nil {
		metrics.RecordErrorDetails("finish_launch", err)
		return fmt.Errorf("failed to finish launch %s: %w", launchID, err)
	}
	s.coordinator.MarkFinalized()

	s.mu.Lock()
	started := s.launchStart
	s.mu.Unlock()
	metrics.RecordLaunchFinalized(launchID, status, time.Since(started))

	s.log.Info("Launch finalized", "launch_id", launchID, "status", status)
	s.recordAudit(logging.AuditEvent{
		Event:    "launch_finalized",
		LaunchID: launchID,
		Status:   string(status),
	})
	return nil
}

func (s *Shipper) shipLogs(ctx context.Context, batch []client.LogEntry) {
	if len(batch) == 0 {
		return
	}
	if err := s.reporter.Log(ctx, batch); err != nil {
		metrics.RecordErrorDetails("ship_logs", err)
		s.log.Warn("Failed to ship log batch", "size", len(batch), "err", err)
	}
}

func (s *Shipper) publishOperationGauges() {
	metrics.RecordOperationGauges(
		s.registry.ActiveTestCount(),
		s.registry.ActiveSuiteCount(),
		s.registry.PeakOperationCount(),
	)
}

func (s *Shipper) recordAudit(event logging.AuditEvent) {
	if s.audit != nil {
		s.audit.Record(event)
	}
}

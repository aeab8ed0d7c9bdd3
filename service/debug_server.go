package service

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/ethereum/go-ethereum/log"
	"github.com/gorilla/mux"

	"github.com/launchrelay/launchrelay/launch"
	"github.com/launchrelay/launchrelay/registry"
)

// DebugServer exposes coordinator and registry state for operators chasing
// stuck or half-finished runs
type DebugServer struct {
	coordinator *launch.Coordinator
	registry    *registry.Registry
	log         log.Logger

	ctx    context.Context
	server *http.Server
}

func NewDebugServer(coordinator *launch.Coordinator, reg *registry.Registry, lg log.Logger) *DebugServer {
	return &DebugServer{
		coordinator: coordinator,
		registry:    reg,
		log:         lg,
	}
}

func (d *DebugServer) Start(ctx context.Context, addr string) error {
	r := mux.NewRouter()
	r.HandleFunc("/debug/launch", d.handleLaunch).Methods(http.MethodGet)
	r.HandleFunc("/debug/operations", d.handleOperations).Methods(http.MethodGet)
	server := &http.Server{
		Handler: r,
		Addr:    addr,
	}
	d.server = server
	d.ctx = ctx
	return d.server.ListenAndServe()
}

func (d *DebugServer) Shutdown() error {
	if d.server == nil {
		return nil
	}
	return d.server.Shutdown(d.ctx)
}

type launchDebug struct {
	LaunchID      string `json:"launch_id"`
	LaunchCreated bool   `json:"launch_created"`
	ActiveBundles int    `json:"active_bundles"`
	Status        string `json:"status"`
	Finalized     bool   `json:"finalized"`
}

func (d *DebugServer) handleLaunch(w http.ResponseWriter, r *http.Request) {
	id, created := d.coordinator.LaunchID()
	writeDebugResponse(w, d.log, launchDebug{
		LaunchID:      id,
		LaunchCreated: created,
		ActiveBundles: d.coordinator.ActiveBundles(),
		Status:        string(d.coordinator.AggregatedStatus()),
		Finalized:     d.coordinator.Finalized(),
	})
}

type operationsDebug struct {
	ActiveTests  int      `json:"active_tests"`
	ActiveSuites int      `json:"active_suites"`
	PeakTotal    int      `json:"peak_total"`
	TestIDs      []string `json:"test_ids"`
	SuiteIDs     []string `json:"suite_ids"`
}

func (d *DebugServer) handleOperations(w http.ResponseWriter, r *http.Request) {
	writeDebugResponse(w, d.log, operationsDebug{
		ActiveTests:  d.registry.ActiveTestCount(),
		ActiveSuites: d.registry.ActiveSuiteCount(),
		PeakTotal:    d.registry.PeakOperationCount(),
		TestIDs:      d.registry.TestIDs(),
		SuiteIDs:     d.registry.SuiteIDs(),
	})
}

func writeDebugResponse(w http.ResponseWriter, lg log.Logger, payload any) {
	body, err := json.MarshalIndent(payload, "", "    ")
	if err != nil {
		lg.Error("Failed to marshal debug response", "err", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(body); err != nil {
		lg.Error("Failed to write debug response", "err", err)
	}
}

// Copyright 2026 The Caravel Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package server is the HTTP driver of the migration daemon. It stays
// thin: decode, call a controller or the store, encode. Errors travel as
// a {code, message} JSON body.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/caravel-vm/caravel/internal/adapter"
	"github.com/caravel-vm/caravel/internal/controller"
	"github.com/caravel-vm/caravel/internal/types"
)

// ----------------------------------------------------- ERRORS ----------------------------------------------------- //

var (
	ErrListQueue      = errors.New("listing queue items")
	ErrEnqueueItem    = errors.New("enqueueing item")
	ErrListLogs       = errors.New("listing run logs")
	ErrRunScan        = errors.New("running storage scan")
	ErrGetSelection   = errors.New("getting selection")
	ErrSaveSelection  = errors.New("saving selection")
	ErrSaveCluster    = errors.New("saving cluster")
	ErrSaveController = errors.New("saving controller")
	ErrSaveMapping    = errors.New("saving volume mapping")

	errDecodeBody     = errors.New("decoding request body")
	errEnqueueName    = errors.New("a name is required")
	errEnqueueStorage = errors.New("a target storage is required when disks are enqueued")
	errScanStorage    = errors.New("a storage is required")
	errScanTarget     = errors.New("no cluster or node given and no selection to fall back to")
	errLogLimit       = errors.New("limit must be a positive integer")
)

// ---------------------------------------------------- CONSTANTS --------------------------------------------------- //

const (
	// defaultBridge is attached to enqueued NICs when the request names
	// no target bridge.
	defaultBridge = "vmbr0"

	// defaultLogLimit bounds the recent-log listing when the request
	// carries no limit.
	defaultLogLimit = 100
)

// --------------------------------------------------- CONSTRUCTORS ------------------------------------------------- //

// New returns the API handler.
func New(runner controller.Runner, scanner controller.Scanner, store adapter.Store) http.Handler {
	s := &server{
		runner:  runner,
		scanner: scanner,
		store:   store,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/run", s.startRun)
	mux.HandleFunc("DELETE /api/v1/run", s.stopRun)
	mux.HandleFunc("GET /api/v1/run", s.runStatus)
	mux.HandleFunc("GET /api/v1/queue", s.listQueue)
	mux.HandleFunc("POST /api/v1/queue", s.enqueue)
	mux.HandleFunc("GET /api/v1/logs", s.listLogs)
	mux.HandleFunc("POST /api/v1/scan", s.scan)
	mux.HandleFunc("GET /api/v1/selection", s.getSelection)
	mux.HandleFunc("PUT /api/v1/selection", s.putSelection)
	mux.HandleFunc("PUT /api/v1/clusters", s.putCluster)
	mux.HandleFunc("PUT /api/v1/controllers", s.putController)
	mux.HandleFunc("PUT /api/v1/mappings", s.putMapping)

	return ClientIPMiddleware(RequestLogMiddleware(mux))
}

type server struct {
	runner  controller.Runner
	scanner controller.Scanner
	store   adapter.Store
}

// ------------------------------------------------------ RUN ------------------------------------------------------- //

type acceptedResponse struct {
	Accepted bool `json:"accepted"`
}

type runStatusResponse struct {
	Running bool `json:"running"`
}

func (s *server) startRun(w http.ResponseWriter, r *http.Request) {
	accepted := s.runner.Start(r.Context())

	writeJSON(w, http.StatusAccepted, acceptedResponse{Accepted: accepted})
}

func (s *server) stopRun(w http.ResponseWriter, _ *http.Request) {
	s.runner.Stop()

	writeJSON(w, http.StatusAccepted, runStatusResponse{Running: s.runner.Running()})
}

func (s *server) runStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, runStatusResponse{Running: s.runner.Running()})
}

// ------------------------------------------------------ QUEUE ----------------------------------------------------- //

func (s *server) listQueue(w http.ResponseWriter, r *http.Request) {
	items, err := s.store.Items(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, errors.Join(err, ErrListQueue))

		return
	}

	writeJSON(w, http.StatusOK, items)
}

// enqueueRequest wraps a scan result with the placement choices the
// inventory cannot know: target vmid and storage, bridge, flags.
type enqueueRequest struct {
	VMID          *int   `json:"vmid,omitempty"`
	Name          string `json:"name,omitempty"`
	TargetStorage string `json:"targetStorage,omitempty"`
	Bridge        string `json:"bridge,omitempty"`
	VLAN          *int   `json:"vlan,omitempty"`

	AddDriverDisk  bool `json:"addDriverDisk"`
	MountDriverISO bool `json:"mountDriverIso"`

	FirmwareUUID   string `json:"firmwareUuid,omitempty"`
	CPUType        string `json:"cpuType,omitempty"`
	SCSIController string `json:"scsiController,omitempty"`

	Scan types.ScanResult `json:"scan"`
}

// item converts the request into a queue row.
func (req enqueueRequest) item() (types.QueueItem, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = strings.TrimSpace(req.Scan.Name)
	}

	if name == "" {
		return types.QueueItem{}, errEnqueueName
	}

	if len(req.Scan.Disks) > 0 && strings.TrimSpace(req.TargetStorage) == "" {
		return types.QueueItem{}, errEnqueueStorage
	}

	disks := make([]types.DiskRef, 0, len(req.Scan.Disks))
	for _, d := range req.Scan.Disks {
		disks = append(disks, types.DiskRef{
			Source:        d.Path,
			TargetStorage: req.TargetStorage,
			Bus:           d.Bus,
			Index:         d.Index,
		})
	}

	bridge := strings.TrimSpace(req.Bridge)
	if bridge == "" {
		bridge = defaultBridge
	}

	nics := make([]types.NicSpec, 0, len(req.Scan.Nics))
	for _, n := range req.Scan.Nics {
		nics = append(nics, types.NicSpec{
			Model:  n.Model,
			MAC:    n.MAC,
			Bridge: bridge,
			VLAN:   req.VLAN,
		})
	}

	rawDisks, err := json.Marshal(disks)
	if err != nil {
		return types.QueueItem{}, err
	}

	rawNics, err := json.Marshal(nics)
	if err != nil {
		return types.QueueItem{}, err
	}

	item := types.QueueItem{
		VMID:           req.VMID,
		Name:           name,
		Disks:          string(rawDisks),
		Nics:           string(rawNics),
		AddDriverDisk:  req.AddDriverDisk,
		MountDriverISO: req.MountDriverISO,
		UEFI:           req.Scan.Firmware.UEFI,
		MemoryMB:       req.Scan.MemoryMB,
		VCPUs:          req.Scan.CPUs,
		FirmwareUUID:   req.FirmwareUUID,
		CPUType:        req.CPUType,
		SCSIController: req.SCSIController,
	}

	// An even socket split is only trusted when it divides cleanly;
	// otherwise the flat vCPU count stands and the conf synthesis picks
	// a single-socket topology.
	if req.Scan.CoresPerSocket > 0 && req.Scan.CPUs > 0 &&
		req.Scan.CPUs%req.Scan.CoresPerSocket == 0 {
		item.Sockets = req.Scan.CPUs / req.Scan.CoresPerSocket
		item.Cores = req.Scan.CoresPerSocket
	}

	return item, nil
}

func (s *server) enqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)

		return
	}

	item, err := req.item()
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.Join(err, ErrEnqueueItem))

		return
	}

	if err := s.store.CreateItem(r.Context(), &item); err != nil {
		writeError(w, http.StatusInternalServerError, errors.Join(err, ErrEnqueueItem))

		return
	}

	writeJSON(w, http.StatusCreated, item)
}

// ------------------------------------------------------ LOGS ------------------------------------------------------ //

func (s *server) listLogs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	if runID := query.Get("run"); runID != "" {
		logs, err := s.store.LogsByRun(r.Context(), runID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, errors.Join(err, ErrListLogs))

			return
		}

		writeJSON(w, http.StatusOK, logs)

		return
	}

	limit := defaultLogLimit

	if raw := query.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, errLogLimit)

			return
		}

		limit = n
	}

	logs, err := s.store.RecentLogs(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, errors.Join(err, ErrListLogs))

		return
	}

	writeJSON(w, http.StatusOK, logs)
}

// ------------------------------------------------------ SCAN ------------------------------------------------------ //

type scanRequest struct {
	Cluster int64  `json:"cluster,omitempty"`
	Node    string `json:"node,omitempty"`
	Storage string `json:"storage"`
}

func (s *server) scan(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)

		return
	}

	if strings.TrimSpace(req.Storage) == "" {
		writeError(w, http.StatusBadRequest, errScanStorage)

		return
	}

	// Cluster and node default to the active selection, so a UI can
	// scan the configured target without repeating it.
	if req.Cluster == 0 || req.Node == "" {
		sel, err := s.store.SelectionRow(r.Context())
		if err != nil {
			writeError(w, http.StatusBadRequest, errors.Join(err, errScanTarget))

			return
		}

		if req.Cluster == 0 {
			req.Cluster = sel.ClusterID
		}

		if req.Node == "" {
			req.Node = sel.Node
		}
	}

	results, err := s.scanner.Scan(r.Context(), req.Cluster, req.Node, req.Storage)
	if err != nil {
		writeError(w, http.StatusInternalServerError, errors.Join(err, ErrRunScan))

		return
	}

	writeJSON(w, http.StatusOK, results)
}

// ---------------------------------------------------- TOPOLOGY ---------------------------------------------------- //

func (s *server) getSelection(w http.ResponseWriter, r *http.Request) {
	sel, err := s.store.SelectionRow(r.Context())
	if errors.Is(err, adapter.ErrSelectionNotFound) {
		writeError(w, http.StatusNotFound, err)

		return
	}

	if err != nil {
		writeError(w, http.StatusInternalServerError, errors.Join(err, ErrGetSelection))

		return
	}

	writeJSON(w, http.StatusOK, sel)
}

func (s *server) putSelection(w http.ResponseWriter, r *http.Request) {
	var sel types.Selection
	if err := decodeJSON(r, &sel); err != nil {
		writeError(w, http.StatusBadRequest, err)

		return
	}

	if err := s.store.SaveSelection(r.Context(), &sel); err != nil {
		writeError(w, http.StatusInternalServerError, errors.Join(err, ErrSaveSelection))

		return
	}

	writeJSON(w, http.StatusOK, sel)
}

// clusterRequest re-exposes the write-only credential fields the row type
// hides from JSON output.
type clusterRequest struct {
	types.Cluster

	Password string `json:"password,omitempty"`
}

func (s *server) putCluster(w http.ResponseWriter, r *http.Request) {
	var req clusterRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)

		return
	}

	cluster := req.Cluster
	cluster.Password = req.Password

	if err := s.store.SaveCluster(r.Context(), &cluster); err != nil {
		writeError(w, http.StatusInternalServerError, errors.Join(err, ErrSaveCluster))

		return
	}

	writeJSON(w, http.StatusOK, cluster)
}

// controllerRequest re-exposes the write-only credential fields the row
// type hides from JSON output.
type controllerRequest struct {
	types.Controller

	Password string `json:"password,omitempty"`
}

func (s *server) putController(w http.ResponseWriter, r *http.Request) {
	var req controllerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)

		return
	}

	ctrl := req.Controller
	ctrl.Password = req.Password

	if err := s.store.SaveController(r.Context(), &ctrl); err != nil {
		writeError(w, http.StatusInternalServerError, errors.Join(err, ErrSaveController))

		return
	}

	writeJSON(w, http.StatusOK, ctrl)
}

func (s *server) putMapping(w http.ResponseWriter, r *http.Request) {
	var mapping types.VolumeMapping
	if err := decodeJSON(r, &mapping); err != nil {
		writeError(w, http.StatusBadRequest, err)

		return
	}

	if err := s.store.SaveMapping(r.Context(), &mapping); err != nil {
		writeError(w, http.StatusInternalServerError, errors.Join(err, ErrSaveMapping))

		return
	}

	writeJSON(w, http.StatusOK, mapping)
}

// ----------------------------------------------------- HELPERS ---------------------------------------------------- //

// errorBody is the error envelope of every non-2xx response.
type errorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.Join(err, errDecodeBody)
	}

	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("api_response_encode_failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorBody{Code: status, Message: err.Error()})
}

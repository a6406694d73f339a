package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/AntoniZalewski/CityFlow-LLM/internal/observability"
	"github.com/AntoniZalewski/CityFlow-LLM/internal/preset"
	"github.com/AntoniZalewski/CityFlow-LLM/internal/simclient"
	"github.com/AntoniZalewski/CityFlow-LLM/internal/state"
	"github.com/AntoniZalewski/CityFlow-LLM/internal/store"
)

// APIError is a client-facing failure with a stable error code. The HTTP
// layer renders it as {"ok":false,"error_code":...,"message":...}.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string { return e.Message }

func newAPIError(status int, code, message string) *APIError {
	return &APIError{Status: status, Code: code, Message: message}
}

// RunRequest is a client request to start a run. Explicit fields override
// the preset's defaults.
type RunRequest struct {
	ID         string `json:"id"`
	PresetID   string `json:"preset_id"`
	Preset     string `json:"preset"` // legacy alias for preset_id
	Steps      *int   `json:"steps"`
	SpeedHz    *int   `json:"speed_hz"`
	Seed       *int64 `json:"seed"`
	SaveReplay *bool  `json:"save_replay"`
}

// RunResponse acknowledges an accepted run.
type RunResponse struct {
	OK        bool      `json:"ok"`
	RunID     string    `json:"run_id"`
	PresetID  string    `json:"preset_id"`
	StartedAt time.Time `json:"started_at"`
	SpeedHz   int       `json:"speed_hz"`
}

// ControlResponse reports the simulator status after a control command,
// folded with the latest broadcast snapshot.
type ControlResponse struct {
	OK      bool   `json:"ok"`
	Status  string `json:"status"`
	RunID   string `json:"run_id,omitempty"`
	T       int64  `json:"t"`
	SpeedHz int    `json:"speed_hz"`
}

// EngineClient is the control surface of the upstream simulator.
type EngineClient interface {
	StartRun(ctx context.Context, payload simclient.StartRunRequest) (*simclient.ControlResult, error)
	Pause(ctx context.Context) (*simclient.ControlResult, error)
	Resume(ctx context.Context) (*simclient.ControlResult, error)
	Reset(ctx context.Context) (*simclient.ControlResult, error)
	SetSpeed(ctx context.Context, hz int) (*simclient.ControlResult, error)
	Step(ctx context.Context, steps int) (*simclient.ControlResult, error)
}

// Config wires the orchestrator's collaborators.
type Config struct {
	Catalog     preset.Catalog
	ExamplesDir string
	Logger      *logrus.Logger
	Metrics     *observability.Collector
}

// Orchestrator turns client requests into registry entries and forwards
// control commands to the simulator.
type Orchestrator struct {
	catalog     preset.Catalog
	examplesDir string
	store       *store.RunStore
	engine      EngineClient
	broadcaster *state.Broadcaster
	logger      *logrus.Logger
	metrics     *observability.Collector
}

func New(cfg Config, runs *store.RunStore, engine EngineClient, broadcaster *state.Broadcaster) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Orchestrator{
		catalog:     cfg.Catalog,
		examplesDir: cfg.ExamplesDir,
		store:       runs,
		engine:      engine,
		broadcaster: broadcaster,
		logger:      logger,
		metrics:     cfg.Metrics,
	}
}

// Scenarios lists the available preset ids, sorted.
func (o *Orchestrator) Scenarios() ([]string, error) {
	presets, err := o.catalog.List()
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(presets))
	for id := range presets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// StartRun resolves the preset, registers the run, materializes its config
// and forwards the start command to the simulator. Any failure after
// registration marks the run as errored.
func (o *Orchestrator) StartRun(ctx context.Context, req RunRequest) (*RunResponse, error) {
	if err := validateRunRequest(req); err != nil {
		return nil, err
	}

	presets, err := o.catalog.List()
	if err != nil {
		var perr *preset.Error
		if errors.As(err, &perr) {
			return nil, newAPIError(http.StatusBadRequest, perr.Code, perr.Message)
		}
		return nil, newAPIError(http.StatusInternalServerError, "preset_discovery_failed", fmt.Sprintf("Failed to load presets: %v", err))
	}

	presetKey := req.PresetID
	if presetKey == "" {
		presetKey = req.Preset
	}
	if presetKey == "" {
		presetKey = req.ID
	}
	availableIDs := make([]string, 0, len(presets))
	for id := range presets {
		availableIDs = append(availableIDs, id)
	}
	sort.Strings(availableIDs)

	if presetKey == "" {
		message := "preset_id (or preset) must be provided."
		if len(availableIDs) > 0 {
			message = fmt.Sprintf("%s Available presets: %s", message, strings.Join(availableIDs, ", "))
		}
		return nil, newAPIError(http.StatusBadRequest, "preset_missing", message)
	}

	chosen, ok := presets[presetKey]
	if !ok {
		message := fmt.Sprintf("Preset '%s' not found.", presetKey)
		if len(availableIDs) > 0 {
			message = fmt.Sprintf("%s Available presets: %s", message, strings.Join(availableIDs, ", "))
		}
		return nil, newAPIError(http.StatusNotFound, "preset_not_found", message)
	}

	steps := chosen.Steps
	if req.Steps != nil {
		steps = *req.Steps
	}
	speedHz := 10
	if req.SpeedHz != nil {
		speedHz = *req.SpeedHz
	}
	seed := chosen.Seed
	if req.Seed != nil {
		seed = *req.Seed
	}
	saveReplay := chosen.SaveReplay
	if req.SaveReplay != nil {
		saveReplay = *req.SaveReplay
	}

	meta, err := o.store.Create(chosen.ID, steps, speedHz, seed, saveReplay, chosen.Config)
	if err != nil {
		return nil, newAPIError(http.StatusInternalServerError, "run_create_failed", fmt.Sprintf("Failed to register run: %v", err))
	}

	generatedPath, configHash, err := buildRunConfig(
		chosen.Config,
		chosen.Params,
		o.store.ConfigCopyPath(meta.RunID),
		o.examplesDir,
		meta.RunDir,
	)
	if err != nil {
		o.store.MarkStatus(meta.RunID, state.StatusError)
		if errors.Is(err, fs.ErrNotExist) {
			return nil, newAPIError(http.StatusBadRequest, "config_missing", err.Error())
		}
		return nil, newAPIError(http.StatusInternalServerError, "config_build_failed", fmt.Sprintf("Failed to prepare config: %v", err))
	}
	o.store.AttachGeneratedConfig(meta.RunID, generatedPath, configHash)

	_, err = o.engine.StartRun(ctx, simclient.StartRunRequest{
		RunID:      meta.RunID,
		ConfigPath: generatedPath,
		Steps:      steps,
		SpeedHz:    speedHz,
	})
	if err != nil {
		var rejected *simclient.RejectedError
		if errors.As(err, &rejected) {
			o.metrics.IncControl("rejected")
			return nil, newAPIError(http.StatusBadRequest, rejected.Code, rejected.Message)
		}
		o.metrics.IncControl("unreachable")
		o.store.MarkStatus(meta.RunID, state.StatusError)
		return nil, newAPIError(http.StatusBadGateway, "sim_unreachable", fmt.Sprintf("Simulation backend error: %v", err))
	}
	o.metrics.IncControl("accepted")

	o.logger.WithFields(logrus.Fields{
		"run_id":    meta.RunID,
		"preset_id": chosen.ID,
		"steps":     steps,
		"speed_hz":  speedHz,
	}).Info("run started")

	return &RunResponse{
		OK:        true,
		RunID:     meta.RunID,
		PresetID:  chosen.ID,
		StartedAt: meta.StartedAt,
		SpeedHz:   speedHz,
	}, nil
}

func (o *Orchestrator) Pause(ctx context.Context) (*ControlResponse, error) {
	return o.forwardControl(ctx, func() (*simclient.ControlResult, error) { return o.engine.Pause(ctx) })
}

func (o *Orchestrator) Resume(ctx context.Context) (*ControlResponse, error) {
	return o.forwardControl(ctx, func() (*simclient.ControlResult, error) { return o.engine.Resume(ctx) })
}

func (o *Orchestrator) Reset(ctx context.Context) (*ControlResponse, error) {
	return o.forwardControl(ctx, func() (*simclient.ControlResult, error) { return o.engine.Reset(ctx) })
}

func (o *Orchestrator) SetSpeed(ctx context.Context, hz int) (*ControlResponse, error) {
	return o.forwardControl(ctx, func() (*simclient.ControlResult, error) { return o.engine.SetSpeed(ctx, hz) })
}

func (o *Orchestrator) Step(ctx context.Context, steps int) (*ControlResponse, error) {
	return o.forwardControl(ctx, func() (*simclient.ControlResult, error) { return o.engine.Step(ctx, steps) })
}

// forwardControl issues one control command and folds the engine's reply
// with the latest broadcast snapshot into a client-facing status.
func (o *Orchestrator) forwardControl(_ context.Context, call func() (*simclient.ControlResult, error)) (*ControlResponse, error) {
	result, err := call()
	if err != nil {
		var rejected *simclient.RejectedError
		if errors.As(err, &rejected) {
			o.metrics.IncControl("rejected")
			return nil, newAPIError(http.StatusBadRequest, rejected.Code, rejected.Message)
		}
		o.metrics.IncControl("unreachable")
		return nil, newAPIError(http.StatusBadGateway, "sim_unreachable", err.Error())
	}
	o.metrics.IncControl("accepted")

	latest := o.broadcaster.Latest()
	resp := &ControlResponse{OK: true, Status: result.Status}
	if resp.Status == "" {
		if latest != nil {
			resp.Status = latest.Status
		} else {
			resp.Status = state.StatusIdle
		}
	}
	resp.T = result.T
	if resp.T == 0 && latest != nil {
		resp.T = latest.T
	}
	resp.SpeedHz = result.SpeedHz
	if resp.SpeedHz == 0 && latest != nil {
		resp.SpeedHz = latest.SpeedHz
	}
	if latest != nil {
		resp.RunID = latest.RunID
	}
	return resp, nil
}

func validateRunRequest(req RunRequest) error {
	if req.Steps != nil && *req.Steps < 1 {
		return newAPIError(http.StatusBadRequest, "invalid_request", "steps must be >= 1")
	}
	if req.SpeedHz != nil && (*req.SpeedHz < 1 || *req.SpeedHz > 60) {
		return newAPIError(http.StatusBadRequest, "invalid_request", "speed_hz must be between 1 and 60")
	}
	if req.Seed != nil && *req.Seed < 0 {
		return newAPIError(http.StatusBadRequest, "invalid_request", "seed must be >= 0")
	}
	return nil
}

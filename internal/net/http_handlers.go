package net

import (
	"encoding/json"
	"errors"
	"fmt"
	nethttp "net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/AntoniZalewski/CityFlow-LLM/internal/net/ws"
	"github.com/AntoniZalewski/CityFlow-LLM/internal/orchestrator"
	"github.com/AntoniZalewski/CityFlow-LLM/internal/state"
	"github.com/AntoniZalewski/CityFlow-LLM/internal/store"
)

// HTTPHandlerConfig carries the optional collaborators of the outward HTTP
// surface.
type HTTPHandlerConfig struct {
	Logger         *logrus.Logger
	MetricsHandler nethttp.Handler
}

// runInfo is the client-facing view of run metadata; internal paths stay
// out of API responses.
type runInfo struct {
	RunID      string    `json:"run_id"`
	PresetID   string    `json:"preset_id"`
	StartedAt  time.Time `json:"started_at"`
	Steps      int       `json:"steps"`
	SpeedHz    int       `json:"speed_hz"`
	Seed       int64     `json:"seed"`
	SaveReplay bool      `json:"save_replay"`
	Status     string    `json:"status"`
	Tags       []string  `json:"tags"`
}

type tagRequest struct {
	RunID string `json:"run_id"`
	Tag   string `json:"tag"`
}

type retentionRequest struct {
	Limit int `json:"limit"`
}

// NewHTTPHandler wires the outward service boundary: run lifecycle, registry
// reads, tagging, retention, the current snapshot and the streaming
// subscription endpoint.
func NewHTTPHandler(
	orc *orchestrator.Orchestrator,
	runs *store.RunStore,
	broadcaster *state.Broadcaster,
	adapter *state.Adapter,
	cfg HTTPHandlerConfig,
) nethttp.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	mux := nethttp.NewServeMux()

	mux.HandleFunc("GET /health", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		writeJSON(w, nethttp.StatusOK, map[string]any{"ok": true, "status": "healthy"})
	})

	mux.HandleFunc("GET /scenarios", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		ids, err := orc.Scenarios()
		if err != nil {
			logger.WithError(err).Warn("failed to list presets")
			writeJSON(w, nethttp.StatusOK, map[string]any{"ok": false, "items": []string{}, "error": err.Error()})
			return
		}
		writeJSON(w, nethttp.StatusOK, map[string]any{"ok": true, "items": ids})
	})

	mux.HandleFunc("POST /run", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		var req orchestrator.RunRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, nethttp.StatusBadRequest, "invalid_request", fmt.Sprintf("Malformed run request: %v", err))
			return
		}
		resp, err := orc.StartRun(r.Context(), req)
		if err != nil {
			writeAPIError(w, logger, err)
			return
		}
		writeJSON(w, nethttp.StatusOK, resp)
	})

	control := func(call func(r *nethttp.Request) (*orchestrator.ControlResponse, error)) nethttp.HandlerFunc {
		return func(w nethttp.ResponseWriter, r *nethttp.Request) {
			resp, err := call(r)
			if err != nil {
				writeAPIError(w, logger, err)
				return
			}
			writeJSON(w, nethttp.StatusOK, resp)
		}
	}

	mux.HandleFunc("POST /pause", control(func(r *nethttp.Request) (*orchestrator.ControlResponse, error) {
		return orc.Pause(r.Context())
	}))
	mux.HandleFunc("POST /resume", control(func(r *nethttp.Request) (*orchestrator.ControlResponse, error) {
		return orc.Resume(r.Context())
	}))
	mux.HandleFunc("POST /reset", control(func(r *nethttp.Request) (*orchestrator.ControlResponse, error) {
		return orc.Reset(r.Context())
	}))
	mux.HandleFunc("POST /step", control(func(r *nethttp.Request) (*orchestrator.ControlResponse, error) {
		n, err := queryInt(r, "n", 1, 1, 10000)
		if err != nil {
			return nil, err
		}
		return orc.Step(r.Context(), n)
	}))
	mux.HandleFunc("POST /speed", control(func(r *nethttp.Request) (*orchestrator.ControlResponse, error) {
		hz, err := queryInt(r, "hz", 10, 1, 60)
		if err != nil {
			return nil, err
		}
		return orc.SetSpeed(r.Context(), hz)
	}))

	mux.HandleFunc("GET /replays", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		items := make([]runInfo, 0)
		for _, meta := range runs.List() {
			items = append(items, toRunInfo(meta))
		}
		writeJSON(w, nethttp.StatusOK, map[string]any{"ok": true, "items": items})
	})

	mux.HandleFunc("GET /replays/{run_id}", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		runID := r.PathValue("run_id")
		if _, ok := runs.Get(runID); !ok {
			writeError(w, nethttp.StatusNotFound, "run_not_found", fmt.Sprintf("Run '%s' not found.", runID))
			return
		}
		limit := 0
		if raw := r.URL.Query().Get("limit"); raw != "" {
			parsed, err := queryInt(r, "limit", 0, 1, 5000)
			if err != nil {
				writeAPIError(w, logger, err)
				return
			}
			limit = parsed
		}
		frames := runs.GetReplay(runID, limit)
		writeJSON(w, nethttp.StatusOK, map[string]any{"ok": true, "run_id": runID, "frames": frames})
	})

	mux.HandleFunc("GET /metrics", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		runID := r.URL.Query().Get("run_id")
		if runID == "" {
			known := runs.List()
			if len(known) == 0 {
				writeError(w, nethttp.StatusNotFound, "no_runs", "No runs found.")
				return
			}
			runID = known[0].RunID
		} else if _, ok := runs.Get(runID); !ok {
			writeError(w, nethttp.StatusNotFound, "run_not_found", fmt.Sprintf("Run '%s' not found.", runID))
			return
		}
		if r.URL.Query().Get("format") == "csv" {
			w.Header().Set("Content-Type", "text/csv")
			w.Write([]byte(runs.LoadMetricsCSV(runID)))
			return
		}
		records := runs.LoadMetrics(runID)
		writeJSON(w, nethttp.StatusOK, map[string]any{"ok": true, "run_id": runID, "records": records})
	})

	mux.HandleFunc("POST /tags", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		var req tagRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, nethttp.StatusBadRequest, "invalid_request", fmt.Sprintf("Malformed tag request: %v", err))
			return
		}
		meta, ok := runs.AddTag(req.RunID, req.Tag)
		if !ok {
			writeError(w, nethttp.StatusNotFound, "run_not_found", fmt.Sprintf("Run '%s' not found.", req.RunID))
			return
		}
		writeJSON(w, nethttp.StatusOK, map[string]any{"ok": true, "run": toRunInfo(meta)})
	})

	mux.HandleFunc("DELETE /tags", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		var req tagRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, nethttp.StatusBadRequest, "invalid_request", fmt.Sprintf("Malformed tag request: %v", err))
			return
		}
		meta, ok := runs.RemoveTag(req.RunID, req.Tag)
		if !ok {
			writeError(w, nethttp.StatusNotFound, "run_not_found", fmt.Sprintf("Run '%s' not found.", req.RunID))
			return
		}
		writeJSON(w, nethttp.StatusOK, map[string]any{"ok": true, "run": toRunInfo(meta)})
	})

	mux.HandleFunc("POST /retention", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		var req retentionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, nethttp.StatusBadRequest, "invalid_request", fmt.Sprintf("Malformed retention request: %v", err))
			return
		}
		if req.Limit < 1 || req.Limit > 200 {
			writeError(w, nethttp.StatusBadRequest, "invalid_request", "limit must be between 1 and 200")
			return
		}
		runs.SetRetention(req.Limit)
		writeJSON(w, nethttp.StatusOK, map[string]any{"ok": true, "limit": req.Limit})
	})

	mux.HandleFunc("GET /state", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		writeJSON(w, nethttp.StatusOK, map[string]any{"ok": true, "state": broadcaster.Latest()})
	})

	wsHandler := ws.NewHandler(broadcaster, adapter, ws.HandlerConfig{Logger: logger})
	mux.HandleFunc("GET /ws/state", wsHandler.Handle)

	if cfg.MetricsHandler != nil {
		mux.Handle("GET /debug/metrics", cfg.MetricsHandler)
	}

	return mux
}

func toRunInfo(meta store.RunMetadata) runInfo {
	return runInfo{
		RunID:      meta.RunID,
		PresetID:   meta.PresetID,
		StartedAt:  meta.StartedAt,
		Steps:      meta.Steps,
		SpeedHz:    meta.SpeedHz,
		Seed:       meta.Seed,
		SaveReplay: meta.SaveReplay,
		Status:     meta.Status,
		Tags:       meta.Tags,
	}
}

func queryInt(r *nethttp.Request, name string, fallback, min, max int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &orchestrator.APIError{
			Status:  nethttp.StatusBadRequest,
			Code:    "invalid_request",
			Message: fmt.Sprintf("%s must be an integer", name),
		}
	}
	if value < min || value > max {
		return 0, &orchestrator.APIError{
			Status:  nethttp.StatusBadRequest,
			Code:    "invalid_request",
			Message: fmt.Sprintf("%s must be between %d and %d", name, min, max),
		}
	}
	return value, nil
}

func writeJSON(w nethttp.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func writeError(w nethttp.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{"ok": false, "error_code": code, "message": message})
}

func writeAPIError(w nethttp.ResponseWriter, logger *logrus.Logger, err error) {
	var apiErr *orchestrator.APIError
	if errors.As(err, &apiErr) {
		writeError(w, apiErr.Status, apiErr.Code, apiErr.Message)
		return
	}
	logger.WithError(err).Error("unhandled API error")
	writeError(w, nethttp.StatusInternalServerError, "internal_error", "Unexpected server error.")
}

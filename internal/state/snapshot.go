package state

import (
	"encoding/json"
	"errors"
	"time"
)

// Simulator lifecycle statuses as reported inside snapshots and control
// replies.
const (
	StatusIdle      = "idle"
	StatusRunning   = "running"
	StatusPaused    = "paused"
	StatusCompleted = "completed"
	StatusError     = "error"
)

const defaultSpeedHz = 10

// LaneSnapshot reports occupancy for a single lane.
type LaneSnapshot struct {
	Vehicles int `json:"vehicles"`
	Waiting  int `json:"waiting"`
}

// LiveMetrics carries derived metrics; each value stays nil until the
// simulator has enough data to compute it.
type LiveMetrics struct {
	AvgSpeed   *float64 `json:"avg_speed"`
	AvgWaiting *float64 `json:"avg_waiting"`
	Throughput *float64 `json:"throughput"`
}

// Snapshot is one immutable point-in-time report of simulator state. It is
// superseded by newer snapshots, never mutated in place.
type Snapshot struct {
	T            int64                   `json:"t"`
	RunID        string                  `json:"run_id,omitempty"`
	Status       string                  `json:"status"`
	VehicleCount int                     `json:"vehicle_count"`
	Lanes        map[string]LaneSnapshot `json:"lanes"`
	Signals      map[string]any          `json:"signals"`
	MetricsLive  LiveMetrics             `json:"metrics_live"`
	SpeedHz      int                     `json:"speed_hz"`
	StepLimit    *int                    `json:"step_limit,omitempty"`
	UpdatedAt    time.Time               `json:"updated_at"`
}

var errNegativeTick = errors.New("snapshot tick must be non-negative")

// DecodeSnapshot parses a simulator state payload, accepting either a bare
// snapshot object or an envelope of the form {"state": <snapshot>}. Any
// schema mismatch is a decode failure, never a panic.
func DecodeSnapshot(data []byte) (*Snapshot, error) {
	body := data
	var envelope struct {
		State json.RawMessage `json:"state"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, err
	}
	if len(envelope.State) > 0 && string(envelope.State) != "null" {
		body = envelope.State
	}

	snap := Snapshot{
		Status:  StatusIdle,
		SpeedHz: defaultSpeedHz,
	}
	if err := json.Unmarshal(body, &snap); err != nil {
		return nil, err
	}
	if snap.T < 0 {
		return nil, errNegativeTick
	}
	if snap.Status == "" {
		snap.Status = StatusIdle
	}
	if snap.Lanes == nil {
		snap.Lanes = map[string]LaneSnapshot{}
	}
	if snap.Signals == nil {
		snap.Signals = map[string]any{}
	}
	if snap.UpdatedAt.IsZero() {
		snap.UpdatedAt = time.Now().UTC()
	}
	return &snap, nil
}

package store

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/AntoniZalewski/CityFlow-LLM/internal/state"
)

// RunMetadata is the authoritative record for one simulation run. It is
// owned exclusively by the RunStore; callers receive copies.
type RunMetadata struct {
	RunID               string    `json:"run_id"`
	PresetID            string    `json:"preset_id"`
	StartedAt           time.Time `json:"started_at"`
	Steps               int       `json:"steps"`
	SpeedHz             int       `json:"speed_hz"`
	Seed                int64     `json:"seed"`
	SaveReplay          bool      `json:"save_replay"`
	Status              string    `json:"status"`
	Tags                []string  `json:"tags"`
	ConfigPath          string    `json:"config_path"`
	RunDir              string    `json:"run_dir"`
	GeneratedConfigPath string    `json:"generated_config_path"`
	ConfigHash          string    `json:"config_hash"`
}

// MetricsRecord is one line of a run's metrics log, derived from a snapshot.
type MetricsRecord struct {
	T            int64    `json:"t"`
	VehicleCount int      `json:"vehicle_count"`
	AvgSpeed     *float64 `json:"avg_speed"`
	AvgWaiting   *float64 `json:"avg_waiting"`
	Throughput   *float64 `json:"throughput"`
}

var metricsCSVHeader = []string{"t", "vehicle_count", "avg_speed", "avg_waiting", "throughput"}

// Config configures the disk layout and retention policy of a RunStore.
type Config struct {
	DataDir        string
	RetentionLimit int
	Logger         *logrus.Logger
}

// RunStore is the disk-backed registry for run metadata, replay logs and
// metrics logs. All mutations are serialized under a single mutex; the
// on-disk run.json documents are the sole recovery mechanism after restart.
type RunStore struct {
	mu         sync.Mutex
	replaysDir string
	metricsDir string
	retention  int
	runs       map[string]*RunMetadata
	logger     *logrus.Logger

	now func() time.Time
}

// NewRunStore creates the data directories if needed and reconstructs
// in-memory metadata from every readable run.json under the replays tree.
// Directories with a missing or unreadable document are skipped.
func NewRunStore(cfg Config) (*RunStore, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	s := &RunStore{
		replaysDir: filepath.Join(cfg.DataDir, "replays"),
		metricsDir: filepath.Join(cfg.DataDir, "metrics"),
		retention:  cfg.RetentionLimit,
		runs:       make(map[string]*RunMetadata),
		logger:     logger,
		now:        time.Now,
	}
	if err := os.MkdirAll(s.replaysDir, 0o755); err != nil {
		return nil, fmt.Errorf("create replays dir: %w", err)
	}
	if err := os.MkdirAll(s.metricsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create metrics dir: %w", err)
	}
	s.loadExisting()
	return s, nil
}

func (s *RunStore) loadExisting() {
	entries, err := os.ReadDir(s.replaysDir)
	if err != nil {
		s.logger.WithError(err).Warn("failed to scan replays directory")
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.replaysDir, entry.Name(), "run.json"))
		if err != nil {
			continue
		}
		var meta RunMetadata
		if err := json.Unmarshal(data, &meta); err != nil || meta.RunID == "" {
			continue
		}
		if meta.Tags == nil {
			meta.Tags = []string{}
		}
		s.runs[meta.RunID] = &meta
	}
}

// Create allocates a collision-free run_id, creates the run directory,
// persists the initial metadata and enforces retention. run_ids sort by
// creation order: UTC timestamp prefix plus preset id, with a numeric suffix
// on collision.
func (s *RunStore) Create(presetID string, steps, speedHz int, seed int64, saveReplay bool, configPath string) (RunMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	startedAt := s.now().UTC()
	base := fmt.Sprintf("%s_%s", startedAt.Format("20060102_150405"), presetID)
	runID := base
	for suffix := 1; ; suffix++ {
		if _, exists := s.runs[runID]; !exists {
			break
		}
		runID = fmt.Sprintf("%s_%d", base, suffix)
	}

	runDir := filepath.Join(s.replaysDir, runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return RunMetadata{}, fmt.Errorf("create run dir: %w", err)
	}

	meta := &RunMetadata{
		RunID:      runID,
		PresetID:   presetID,
		StartedAt:  startedAt,
		Steps:      steps,
		SpeedHz:    speedHz,
		Seed:       seed,
		SaveReplay: saveReplay,
		Status:     state.StatusRunning,
		Tags:       []string{},
		ConfigPath: configPath,
		RunDir:     runDir,
	}
	s.runs[runID] = meta
	if err := s.persistLocked(meta); err != nil {
		return RunMetadata{}, err
	}
	s.enforceRetentionLocked()
	return cloneMeta(meta), nil
}

// MarkStatus updates a run's status and persists it. Returns false if the
// run no longer exists.
func (s *RunStore) MarkStatus(runID, status string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta, ok := s.runs[runID]
	if !ok {
		return false
	}
	meta.Status = status
	if err := s.persistLocked(meta); err != nil {
		s.logger.WithError(err).WithField("run_id", runID).Warn("failed to persist run status")
	}
	return true
}

// AttachGeneratedConfig records the materialized config path and its content
// hash on the run.
func (s *RunStore) AttachGeneratedConfig(runID, generatedPath, configHash string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta, ok := s.runs[runID]
	if !ok {
		return false
	}
	meta.GeneratedConfigPath = generatedPath
	meta.ConfigHash = configHash
	if err := s.persistLocked(meta); err != nil {
		s.logger.WithError(err).WithField("run_id", runID).Warn("failed to persist generated config")
	}
	return true
}

// AddTag appends tag to the run's tag set if absent.
func (s *RunStore) AddTag(runID, tag string) (RunMetadata, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta, ok := s.runs[runID]
	if !ok {
		return RunMetadata{}, false
	}
	if !containsTag(meta.Tags, tag) {
		meta.Tags = append(meta.Tags, tag)
		if err := s.persistLocked(meta); err != nil {
			s.logger.WithError(err).WithField("run_id", runID).Warn("failed to persist tags")
		}
	}
	return cloneMeta(meta), true
}

// RemoveTag drops tag from the run's tag set if present.
func (s *RunStore) RemoveTag(runID, tag string) (RunMetadata, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta, ok := s.runs[runID]
	if !ok {
		return RunMetadata{}, false
	}
	if containsTag(meta.Tags, tag) {
		tags := make([]string, 0, len(meta.Tags))
		for _, existing := range meta.Tags {
			if existing != tag {
				tags = append(tags, existing)
			}
		}
		meta.Tags = tags
		if err := s.persistLocked(meta); err != nil {
			s.logger.WithError(err).WithField("run_id", runID).Warn("failed to persist tags")
		}
	}
	return cloneMeta(meta), true
}

// List returns all known runs, most recently started first.
func (s *RunStore) List() []RunMetadata {
	s.mu.Lock()
	defer s.mu.Unlock()
	runs := make([]RunMetadata, 0, len(s.runs))
	for _, meta := range s.runs {
		runs = append(runs, cloneMeta(meta))
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})
	return runs
}

// Get returns a copy of the run's metadata.
func (s *RunStore) Get(runID string) (RunMetadata, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta, ok := s.runs[runID]
	if !ok {
		return RunMetadata{}, false
	}
	return cloneMeta(meta), true
}

// Lookup implements the adapter's run sink view.
func (s *RunStore) Lookup(runID string) (state.RunRef, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta, ok := s.runs[runID]
	if !ok {
		return state.RunRef{}, false
	}
	return state.RunRef{SaveReplay: meta.SaveReplay, Status: meta.Status}, true
}

// SetRetention updates the eviction threshold for subsequent mutations.
// A limit <= 0 disables eviction.
func (s *RunStore) SetRetention(limit int) {
	s.mu.Lock()
	s.retention = limit
	s.mu.Unlock()
}

// ReplayPath returns the run's append-only replay log path.
func (s *RunStore) ReplayPath(runID string) string {
	return filepath.Join(s.replaysDir, runID, "replay.ndjson")
}

// MetricsPath returns the run's append-only metrics log path.
func (s *RunStore) MetricsPath(runID string) string {
	return filepath.Join(s.metricsDir, runID+".ndjson")
}

// ConfigCopyPath returns where the materialized config for a run lives.
func (s *RunStore) ConfigCopyPath(runID string) string {
	return filepath.Join(s.replaysDir, runID, "config.generated.json")
}

// WriteReplaySample appends one snapshot to the run's replay log.
func (s *RunStore) WriteReplaySample(runID string, snap *state.Snapshot) error {
	return appendJSONLine(s.ReplayPath(runID), snap)
}

// WriteMetricsSample derives a metrics record from the snapshot and appends
// it to the run's metrics log.
func (s *RunStore) WriteMetricsSample(runID string, snap *state.Snapshot) error {
	record := MetricsRecord{
		T:            snap.T,
		VehicleCount: snap.VehicleCount,
		AvgSpeed:     snap.MetricsLive.AvgSpeed,
		AvgWaiting:   snap.MetricsLive.AvgWaiting,
		Throughput:   snap.MetricsLive.Throughput,
	}
	return appendJSONLine(s.MetricsPath(runID), record)
}

// LoadMetrics replays the run's metrics log, skipping malformed lines.
func (s *RunStore) LoadMetrics(runID string) []MetricsRecord {
	file, err := os.Open(s.MetricsPath(runID))
	if err != nil {
		return []MetricsRecord{}
	}
	defer file.Close()

	records := make([]MetricsRecord, 0)
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var record MetricsRecord
		if err := json.Unmarshal([]byte(line), &record); err != nil {
			continue
		}
		records = append(records, record)
	}
	return records
}

// LoadMetricsCSV renders the metrics log as CSV with a fixed column order.
// Returns the empty string when the run has no metrics.
func (s *RunStore) LoadMetricsCSV(runID string) string {
	records := s.LoadMetrics(runID)
	if len(records) == 0 {
		return ""
	}
	var buf strings.Builder
	writer := csv.NewWriter(&buf)
	writer.Write(metricsCSVHeader)
	for _, record := range records {
		writer.Write([]string{
			strconv.FormatInt(record.T, 10),
			strconv.Itoa(record.VehicleCount),
			formatOptionalFloat(record.AvgSpeed),
			formatOptionalFloat(record.AvgWaiting),
			formatOptionalFloat(record.Throughput),
		})
	}
	writer.Flush()
	return buf.String()
}

// GetReplay returns the run's persisted replay frames in write order,
// skipping malformed lines. A positive limit truncates to the first limit
// frames.
func (s *RunStore) GetReplay(runID string, limit int) []json.RawMessage {
	file, err := os.Open(s.ReplayPath(runID))
	if err != nil {
		return []json.RawMessage{}
	}
	defer file.Close()

	frames := make([]json.RawMessage, 0)
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !json.Valid([]byte(line)) {
			continue
		}
		frames = append(frames, json.RawMessage([]byte(line)))
		if limit > 0 && len(frames) >= limit {
			break
		}
	}
	return frames
}

func (s *RunStore) persistLocked(meta *RunMetadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(meta.RunDir, "run.json"), data, 0o644)
}

// enforceRetentionLocked deletes the oldest runs by started_at until the
// retained count equals the limit. Replay and metrics logs are only ever
// deleted here, as a whole.
func (s *RunStore) enforceRetentionLocked() {
	if s.retention <= 0 || len(s.runs) <= s.retention {
		return
	}
	ordered := make([]*RunMetadata, 0, len(s.runs))
	for _, meta := range s.runs {
		ordered = append(ordered, meta)
	}
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].StartedAt.Before(ordered[j].StartedAt)
	})
	for _, meta := range ordered[:len(ordered)-s.retention] {
		if err := os.RemoveAll(meta.RunDir); err != nil {
			s.logger.WithError(err).WithField("run_id", meta.RunID).Warn("failed to remove run directory")
		}
		if err := os.Remove(s.MetricsPath(meta.RunID)); err != nil && !os.IsNotExist(err) {
			s.logger.WithError(err).WithField("run_id", meta.RunID).Warn("failed to remove metrics log")
		}
		delete(s.runs, meta.RunID)
		s.logger.WithField("run_id", meta.RunID).Info("evicted run past retention limit")
	}
}

func appendJSONLine(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer file.Close()
	if _, err := file.Write(append(data, '\n')); err != nil {
		return err
	}
	return nil
}

func cloneMeta(meta *RunMetadata) RunMetadata {
	cloned := *meta
	cloned.Tags = append([]string(nil), meta.Tags...)
	if cloned.Tags == nil {
		cloned.Tags = []string{}
	}
	return cloned
}

func containsTag(tags []string, tag string) bool {
	for _, existing := range tags {
		if existing == tag {
			return true
		}
	}
	return false
}

func formatOptionalFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'g', -1, 64)
}

package preset

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// Error is a preset catalog failure carrying the API error code the
// boundary layer reports.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string { return e.Message }

// Preset describes one runnable scenario: the base simulator config it
// points at plus default run parameters. save_replay defaults to true.
type Preset struct {
	ID         string         `yaml:"id" json:"id"`
	Config     string         `yaml:"config" json:"config"`
	Steps      int            `yaml:"steps" json:"steps"`
	Seed       int64          `yaml:"seed" json:"seed"`
	SaveReplay bool           `yaml:"save_replay" json:"save_replay"`
	Params     map[string]any `yaml:"params" json:"params"`
}

// Catalog discovers presets from YAML files in an experiments directory.
// Relative config paths resolve against the parent of the examples
// directory, matching the container mount layout.
type Catalog struct {
	ExperimentsDir string
	ExamplesDir    string
}

// List loads every *.yaml / *.yml preset in the experiments directory,
// keyed by preset id. Any invalid preset fails the whole discovery.
func (c Catalog) List() (map[string]*Preset, error) {
	paths, err := c.discover()
	if err != nil {
		return nil, err
	}
	presets := make(map[string]*Preset, len(paths))
	for _, path := range paths {
		preset, err := c.loadFile(path)
		if err != nil {
			return nil, err
		}
		presets[preset.ID] = preset
	}
	return presets, nil
}

// Load finds and validates the preset with the given id.
func (c Catalog) Load(presetID string) (*Preset, error) {
	for _, pattern := range []string{presetID + ".yaml", presetID + ".yml"} {
		path := filepath.Join(c.ExperimentsDir, pattern)
		if _, err := os.Stat(path); err == nil {
			return c.loadFile(path)
		}
	}
	return nil, &Error{Code: "preset_not_found", Message: fmt.Sprintf("Preset '%s' not found.", presetID)}
}

func (c Catalog) discover() ([]string, error) {
	seen := make(map[string]struct{})
	paths := make([]string, 0)
	for _, pattern := range []string{"*.yaml", "*.yml"} {
		matches, err := filepath.Glob(filepath.Join(c.ExperimentsDir, pattern))
		if err != nil {
			return nil, &Error{Code: "preset_discovery_failed", Message: err.Error()}
		}
		for _, match := range matches {
			resolved, err := filepath.Abs(match)
			if err != nil {
				resolved = match
			}
			if _, dup := seen[resolved]; dup {
				continue
			}
			seen[resolved] = struct{}{}
			paths = append(paths, match)
		}
	}
	sort.Strings(paths)
	return paths, nil
}

func (c Catalog) loadFile(path string) (*Preset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &Error{
			Code:    "INVALID_PRESET",
			Message: fmt.Sprintf("Preset file '%s' is unreadable: %v", filepath.Base(path), err),
		}
	}

	preset := Preset{SaveReplay: true}
	if err := yaml.Unmarshal(data, &preset); err != nil {
		return nil, &Error{
			Code:    "INVALID_PRESET",
			Message: fmt.Sprintf("Preset file '%s' is invalid: %v", filepath.Base(path), err),
		}
	}
	if preset.ID == "" || preset.Config == "" {
		return nil, &Error{
			Code:    "INVALID_PRESET",
			Message: fmt.Sprintf("Preset file '%s' is invalid: id and config are required", filepath.Base(path)),
		}
	}

	configPath := preset.Config
	if !filepath.IsAbs(configPath) {
		baseDir := filepath.Dir(c.ExamplesDir)
		resolved, err := filepath.Abs(filepath.Join(baseDir, configPath))
		if err == nil {
			configPath = resolved
		}
	}
	if _, err := os.Stat(configPath); err != nil {
		return nil, &Error{
			Code:    "config_missing",
			Message: fmt.Sprintf("Config file '%s' referenced by preset '%s' is missing.", preset.Config, preset.ID),
		}
	}
	preset.Config = configPath

	if preset.Params == nil {
		preset.Params = map[string]any{}
	}
	if _, err := json.Marshal(preset.Params); err != nil {
		return nil, &Error{
			Code:    "invalid_params",
			Message: fmt.Sprintf("Preset params must be JSON serialisable: %v", err),
		}
	}
	return &preset, nil
}

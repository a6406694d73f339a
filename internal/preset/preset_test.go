package preset

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// catalogFixture lays out the container mount shape: a base dir holding
// examples/ (with configs) and experiments/ (with preset YAML).
func catalogFixture(t *testing.T) (Catalog, string) {
	t.Helper()
	base := t.TempDir()
	examplesDir := filepath.Join(base, "examples")
	experimentsDir := filepath.Join(base, "experiments")
	require.NoError(t, os.MkdirAll(filepath.Join(examplesDir, "grid_3x3"), 0o755))
	require.NoError(t, os.MkdirAll(experimentsDir, 0o755))
	require.NoError(t, os.WriteFile(
		filepath.Join(examplesDir, "grid_3x3", "config.json"),
		[]byte(`{"interval": 1.0}`), 0o644))
	return Catalog{ExperimentsDir: experimentsDir, ExamplesDir: examplesDir}, base
}

func writePreset(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
}

func TestLoadResolvesConfigAndDefaults(t *testing.T) {
	catalog, base := catalogFixture(t)
	writePreset(t, catalog.ExperimentsDir, "demo.yaml", `
id: demo
config: examples/grid_3x3/config.json
steps: 500
seed: 7
`)

	preset, err := catalog.Load("demo")
	require.NoError(t, err)

	assert.Equal(t, "demo", preset.ID)
	assert.Equal(t, 500, preset.Steps)
	assert.Equal(t, int64(7), preset.Seed)
	assert.True(t, preset.SaveReplay, "save_replay should default to true")
	assert.NotNil(t, preset.Params)

	expected, err := filepath.Abs(filepath.Join(base, "examples", "grid_3x3", "config.json"))
	require.NoError(t, err)
	assert.Equal(t, expected, preset.Config)
}

func TestLoadHonorsExplicitSaveReplayFalse(t *testing.T) {
	catalog, _ := catalogFixture(t)
	writePreset(t, catalog.ExperimentsDir, "demo.yaml", `
id: demo
config: examples/grid_3x3/config.json
save_replay: false
`)

	preset, err := catalog.Load("demo")
	require.NoError(t, err)
	assert.False(t, preset.SaveReplay)
}

func TestLoadMissingPreset(t *testing.T) {
	catalog, _ := catalogFixture(t)

	_, err := catalog.Load("ghost")

	var presetErr *Error
	require.True(t, errors.As(err, &presetErr))
	assert.Equal(t, "preset_not_found", presetErr.Code)
}

func TestLoadMissingConfig(t *testing.T) {
	catalog, _ := catalogFixture(t)
	writePreset(t, catalog.ExperimentsDir, "demo.yaml", `
id: demo
config: examples/nowhere/config.json
`)

	_, err := catalog.Load("demo")

	var presetErr *Error
	require.True(t, errors.As(err, &presetErr))
	assert.Equal(t, "config_missing", presetErr.Code)
}

func TestLoadInvalidPreset(t *testing.T) {
	catalog, _ := catalogFixture(t)

	cases := map[string]string{
		"bad yaml":   "id: [unterminated",
		"missing id": "config: examples/grid_3x3/config.json",
		"no config":  "id: demo",
	}
	for name, body := range cases {
		writePreset(t, catalog.ExperimentsDir, "demo.yaml", body)
		_, err := catalog.Load("demo")
		var presetErr *Error
		require.True(t, errors.As(err, &presetErr), "%s: expected preset error, got %v", name, err)
		assert.Equal(t, "INVALID_PRESET", presetErr.Code, name)
	}
}

func TestListCollectsAllPresets(t *testing.T) {
	catalog, _ := catalogFixture(t)
	writePreset(t, catalog.ExperimentsDir, "alpha.yaml", `
id: alpha
config: examples/grid_3x3/config.json
`)
	writePreset(t, catalog.ExperimentsDir, "beta.yml", `
id: beta
config: examples/grid_3x3/config.json
`)

	presets, err := catalog.List()
	require.NoError(t, err)
	require.Len(t, presets, 2)
	assert.Contains(t, presets, "alpha")
	assert.Contains(t, presets, "beta")
}

func TestListFailsOnAnyInvalidPreset(t *testing.T) {
	catalog, _ := catalogFixture(t)
	writePreset(t, catalog.ExperimentsDir, "alpha.yaml", `
id: alpha
config: examples/grid_3x3/config.json
`)
	writePreset(t, catalog.ExperimentsDir, "broken.yaml", "id: [unterminated")

	_, err := catalog.List()

	var presetErr *Error
	require.True(t, errors.As(err, &presetErr))
	assert.Equal(t, "INVALID_PRESET", presetErr.Code)
}

func TestListEmptyDirectory(t *testing.T) {
	catalog, _ := catalogFixture(t)

	presets, err := catalog.List()
	require.NoError(t, err)
	assert.Empty(t, presets)
}

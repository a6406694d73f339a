package orchestrator

import (
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildRunConfig(t *testing.T) {
	base := t.TempDir()
	examplesDir := filepath.Join(base, "examples")
	runDir := filepath.Join(base, "data", "replays", "r1")
	require.NoError(t, os.MkdirAll(examplesDir, 0o755))

	baseConfig := filepath.Join(examplesDir, "config.json")
	require.NoError(t, os.WriteFile(baseConfig, []byte(`{
		"interval": 1.0,
		"roadnetFile": "grid_3x3/roadnet.json",
		"flowFile": "/absolute/flow.json",
		"saveReplay": false,
		"rlTrafficLight": {"enabled": false, "window": 10}
	}`), 0o644))

	destination := filepath.Join(runDir, "config.generated.json")
	overrides := map[string]any{
		"interval":       0.5,
		"rlTrafficLight": map[string]any{"enabled": true},
	}

	path, hash, err := buildRunConfig(baseConfig, overrides, destination, examplesDir, runDir)
	require.NoError(t, err)
	assert.Equal(t, destination, path)
	assert.Len(t, hash, 64)

	raw, err := os.ReadFile(destination)
	require.NoError(t, err)
	var generated map[string]any
	require.NoError(t, json.Unmarshal(raw, &generated))

	assert.Equal(t, 0.5, generated["interval"])
	assert.Equal(t, true, generated["saveReplay"], "replay capture is forced on")

	examplesAbs, err := filepath.Abs(examplesDir)
	require.NoError(t, err)
	assert.Equal(t, examplesAbs, generated["dir"])
	assert.Equal(t, filepath.Join(examplesAbs, "grid_3x3", "roadnet.json"), generated["roadnetFile"])
	assert.Equal(t, "/absolute/flow.json", generated["flowFile"], "absolute paths are left alone")

	runDirAbs, err := filepath.Abs(runDir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(runDirAbs, "replay.txt"), generated["replayLogFile"])
	assert.Equal(t, filepath.Join(runDirAbs, "roadnet.json"), generated["roadnetLogFile"])

	// Nested overrides merge instead of replacing the whole object.
	rl, ok := generated["rlTrafficLight"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, rl["enabled"])
	assert.Equal(t, float64(10), rl["window"])
}

func TestBuildRunConfigStableHash(t *testing.T) {
	base := t.TempDir()
	examplesDir := filepath.Join(base, "examples")
	require.NoError(t, os.MkdirAll(examplesDir, 0o755))
	baseConfig := filepath.Join(examplesDir, "config.json")
	require.NoError(t, os.WriteFile(baseConfig, []byte(`{"interval": 1.0}`), 0o644))

	runDir := filepath.Join(base, "run")
	_, first, err := buildRunConfig(baseConfig, nil, filepath.Join(runDir, "a.json"), examplesDir, runDir)
	require.NoError(t, err)
	_, second, err := buildRunConfig(baseConfig, nil, filepath.Join(runDir, "b.json"), examplesDir, runDir)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestBuildRunConfigMissingBase(t *testing.T) {
	base := t.TempDir()

	_, _, err := buildRunConfig(
		filepath.Join(base, "nowhere.json"),
		nil,
		filepath.Join(base, "out.json"),
		base,
		filepath.Join(base, "run"),
	)

	require.Error(t, err)
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func TestBuildRunConfigMalformedBase(t *testing.T) {
	base := t.TempDir()
	baseConfig := filepath.Join(base, "config.json")
	require.NoError(t, os.WriteFile(baseConfig, []byte("{broken"), 0o644))

	_, _, err := buildRunConfig(baseConfig, nil, filepath.Join(base, "out.json"), base, filepath.Join(base, "run"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, fs.ErrNotExist)
}

package orchestrator

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// buildRunConfig materializes the per-run simulator config: the preset's
// base config deep-merged with its params, source files rewritten to
// absolute paths, and replay output redirected into the run directory.
// Returns the destination path and a content hash of the generated config.
func buildRunConfig(baseConfigPath string, overrides map[string]any, destination, examplesDir, runDir string) (string, string, error) {
	if err := os.MkdirAll(filepath.Dir(destination), 0o755); err != nil {
		return "", "", err
	}

	raw, err := os.ReadFile(baseConfigPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", "", fmt.Errorf("config file '%s' does not exist: %w", baseConfigPath, fs.ErrNotExist)
		}
		return "", "", err
	}
	var merged map[string]any
	if err := json.Unmarshal(raw, &merged); err != nil {
		return "", "", fmt.Errorf("parse config '%s': %w", baseConfigPath, err)
	}
	merged = deepMerge(merged, overrides)

	examplesAbs, err := filepath.Abs(examplesDir)
	if err != nil {
		return "", "", err
	}
	runDirAbs, err := filepath.Abs(runDir)
	if err != nil {
		return "", "", err
	}
	if err := os.MkdirAll(runDirAbs, 0o755); err != nil {
		return "", "", err
	}

	merged["dir"] = examplesAbs
	ensureAbsoluteFile(merged, "roadnetFile", examplesAbs)
	ensureAbsoluteFile(merged, "flowFile", examplesAbs)
	merged["saveReplay"] = true
	merged["roadnetLogFile"] = filepath.Join(runDirAbs, "roadnet.json")
	merged["replayLogFile"] = filepath.Join(runDirAbs, "replay.txt")

	body, err := json.MarshalIndent(merged, "", "  ")
	if err != nil {
		return "", "", err
	}
	if err := os.WriteFile(destination, body, 0o644); err != nil {
		return "", "", err
	}

	// json.Marshal emits map keys in sorted order, so the hash is stable
	// across processes.
	canonical, err := json.Marshal(merged)
	if err != nil {
		return "", "", err
	}
	sum := sha256.Sum256(canonical)
	return destination, hex.EncodeToString(sum[:]), nil
}

func deepMerge(base, overrides map[string]any) map[string]any {
	for key, value := range overrides {
		if existing, ok := base[key].(map[string]any); ok {
			if incoming, ok := value.(map[string]any); ok {
				base[key] = deepMerge(existing, incoming)
				continue
			}
		}
		base[key] = value
	}
	return base
}

func ensureAbsoluteFile(config map[string]any, key, baseDir string) {
	value, ok := config[key].(string)
	if !ok || value == "" {
		return
	}
	if !filepath.IsAbs(value) {
		config[key] = filepath.Join(baseDir, value)
	}
}

package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Settings holds the environment-driven configuration of the gateway.
type Settings struct {
	ListenAddr        string
	DataDir           string
	ExperimentsDir    string
	ExamplesDir       string
	SimBaseURL        string
	StatePollInterval time.Duration
	RetentionLimit    int
}

// Load reads an optional .env file and then the process environment.
// Invalid values are logged and replaced by their defaults.
func Load(logger *logrus.Logger) Settings {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	// Missing .env is the normal case outside local development.
	_ = godotenv.Load()

	settings := Settings{
		ListenAddr:        envString("LISTEN_ADDR", ":8080"),
		DataDir:           envString("DATA_DIR", "/app/data"),
		ExperimentsDir:    envString("EXPERIMENTS_DIR", "/app/experiments"),
		ExamplesDir:       envString("EXAMPLES_DIR", "/app/examples"),
		SimBaseURL:        envString("SIM_BASE_URL", "http://cityflow-sim:7001"),
		StatePollInterval: 2 * time.Second,
		RetentionLimit:    50,
	}

	if raw := os.Getenv("STATE_POLL_INTERVAL"); raw != "" {
		if seconds, err := strconv.ParseFloat(raw, 64); err == nil && seconds > 0 {
			settings.StatePollInterval = time.Duration(seconds * float64(time.Second))
		} else {
			logger.Warnf("invalid STATE_POLL_INTERVAL=%q, using default", raw)
		}
	}
	if raw := os.Getenv("RETENTION_LIMIT"); raw != "" {
		if limit, err := strconv.Atoi(raw); err == nil {
			settings.RetentionLimit = limit
		} else {
			logger.Warnf("invalid RETENTION_LIMIT=%q, using default", raw)
		}
	}
	return settings
}

func envString(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

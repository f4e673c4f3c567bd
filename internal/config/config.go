// Package config loads runtime configuration from the environment, with a
// .env file as optional local override.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// Config is the fully resolved runtime configuration.
type Config struct {
	// BackendURL is the backend root, e.g. http://localhost:8000.
	BackendURL string
	// Username skips face login when set.
	Username string

	StartMuted    bool
	CameraEnabled bool
	CameraInput   string

	FrameInterval  time.Duration
	SpeakingRevert time.Duration
	ThinkingRevert time.Duration

	// HealthTimeout bounds the startup wait for a healthy backend.
	HealthTimeout time.Duration
}

// Load reads .env (if present) and the environment, filling in the
// reference defaults for anything unset.
func Load(logger *zap.Logger) Config {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := godotenv.Load(); err == nil {
		logger.Debug("loaded .env file")
	}

	return Config{
		BackendURL:     getenv("BACKEND_URL", "http://localhost:8000"),
		Username:       os.Getenv("COMPANION_USERNAME"),
		StartMuted:     getbool("START_MUTED", false),
		CameraEnabled:  getbool("CAMERA_ENABLED", false),
		CameraInput:    os.Getenv("CAMERA_INPUT"),
		FrameInterval:  getduration("FRAME_INTERVAL_MS", time.Second),
		SpeakingRevert: getduration("SPEAKING_REVERT_MS", 1000*time.Millisecond),
		ThinkingRevert: getduration("THINKING_REVERT_MS", 800*time.Millisecond),
		HealthTimeout:  getduration("HEALTH_TIMEOUT_MS", 60*time.Second),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getbool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getduration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	ms, err := strconv.Atoi(v)
	if err != nil || ms <= 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}

package config

import (
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load(zap.NewNop())

	if cfg.BackendURL != "http://localhost:8000" {
		t.Errorf("BackendURL = %q", cfg.BackendURL)
	}
	if cfg.FrameInterval != time.Second {
		t.Errorf("FrameInterval = %v, want 1s", cfg.FrameInterval)
	}
	if cfg.SpeakingRevert != 1000*time.Millisecond {
		t.Errorf("SpeakingRevert = %v, want 1s", cfg.SpeakingRevert)
	}
	if cfg.ThinkingRevert != 800*time.Millisecond {
		t.Errorf("ThinkingRevert = %v, want 800ms", cfg.ThinkingRevert)
	}
	if cfg.StartMuted || cfg.CameraEnabled {
		t.Error("capture defaults must be off")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("BACKEND_URL", "http://backend:9000")
	t.Setenv("COMPANION_USERNAME", "ada")
	t.Setenv("START_MUTED", "true")
	t.Setenv("FRAME_INTERVAL_MS", "250")
	t.Setenv("SPEAKING_REVERT_MS", "nonsense")

	cfg := Load(zap.NewNop())
	if cfg.BackendURL != "http://backend:9000" {
		t.Errorf("BackendURL = %q", cfg.BackendURL)
	}
	if cfg.Username != "ada" {
		t.Errorf("Username = %q", cfg.Username)
	}
	if !cfg.StartMuted {
		t.Error("StartMuted not honored")
	}
	if cfg.FrameInterval != 250*time.Millisecond {
		t.Errorf("FrameInterval = %v, want 250ms", cfg.FrameInterval)
	}
	if cfg.SpeakingRevert != 1000*time.Millisecond {
		t.Errorf("invalid override must fall back, got %v", cfg.SpeakingRevert)
	}
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/aibuddy/companion/internal/activity"
	"github.com/aibuddy/companion/internal/auth"
	"github.com/aibuddy/companion/internal/capture"
	"github.com/aibuddy/companion/internal/config"
	"github.com/aibuddy/companion/internal/health"
	"github.com/aibuddy/companion/internal/orchestrator"
	"github.com/aibuddy/companion/internal/protocol"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg := config.Load(logger)

	// The backend must be up before anything else happens.
	healthCtx, cancel := context.WithTimeout(context.Background(), cfg.HealthTimeout)
	probe := health.NewProbe(cfg.BackendURL, 0, logger)
	if err := probe.Wait(healthCtx); err != nil {
		cancel()
		logger.Fatal("backend never became healthy", zap.Error(err))
	}
	cancel()

	identity, err := resolveIdentity(cfg, logger)
	if err != nil {
		logger.Fatal("authentication failed", zap.Error(err))
	}
	logger.Info("authenticated", zap.String("username", identity.Username))

	o := orchestrator.New(orchestrator.Config{
		BaseURL:        cfg.BackendURL,
		SpeakingRevert: cfg.SpeakingRevert,
		ThinkingRevert: cfg.ThinkingRevert,
		FrameInterval:  cfg.FrameInterval,
		Camera:         capture.CameraConfig{Input: cfg.CameraInput},
		OnState: func(s activity.State) {
			fmt.Printf("\r[%s]          ", s)
		},
	}, logger)

	o.SetMuted(cfg.StartMuted)
	o.Start(context.Background(), identity)
	o.SetCameraEnabled(cfg.CameraEnabled)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	o.Teardown()
	o.Wait()
	logger.Info("session ended")
}

// resolveIdentity either takes the configured username directly or runs the
// face-login flow: grab one webcam still, extract its embedding, match it
// against registered users.
func resolveIdentity(cfg config.Config, logger *zap.Logger) (protocol.Identity, error) {
	if cfg.Username != "" {
		return protocol.Identity{Username: cfg.Username}, nil
	}

	camera := capture.NewCamera(capture.CameraConfig{Input: cfg.CameraInput}, logger)
	if err := camera.Acquire(); err != nil {
		return protocol.Identity{}, fmt.Errorf("face login needs a camera (or set COMPANION_USERNAME): %w", err)
	}
	defer camera.Release()

	frame, err := awaitFrame(camera, 5*time.Second)
	if err != nil {
		return protocol.Identity{}, err
	}
	still, err := capture.EncodeFrameJPEG(frame)
	if err != nil {
		return protocol.Identity{}, fmt.Errorf("encode login still: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client := auth.NewClient(cfg.BackendURL, logger)
	result, err := client.CaptureFace(ctx, still)
	if err != nil {
		return protocol.Identity{}, err
	}
	if !result.Success {
		return protocol.Identity{}, fmt.Errorf("no face detected: %s", result.Message)
	}
	profile, err := client.Login(ctx, [][]float64{result.Embedding})
	if err != nil {
		return protocol.Identity{}, err
	}
	if profile.TokenExpiresWithin(time.Hour) {
		logger.Warn("session token expires soon", zap.String("username", profile.Username))
	}
	return protocol.Identity{Username: profile.Username}, nil
}

func awaitFrame(camera *capture.Camera, timeout time.Duration) (capture.Frame, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if frame, ok := camera.Frame(); ok {
			return frame, nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return capture.Frame{}, fmt.Errorf("camera produced no frame within %v", timeout)
}

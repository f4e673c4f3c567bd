package capture

import (
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"sync"

	"go.uber.org/zap"
)

// Frame is one still image pulled from the camera stream, RGBA-packed.
type Frame struct {
	Width  int
	Height int
	Data   []byte
}

// FrameProvider is the exclusive owner of one camera stream. Acquire is
// idempotent; Release is idempotent and safe before any successful Acquire.
type FrameProvider interface {
	Acquire() error
	Release()
	// Frame returns the most recent frame. ok is false until the stream has
	// produced its first frame (dimensions not yet negotiated).
	Frame() (frame Frame, ok bool)
}

// CameraConfig configures the ffmpeg-backed camera.
type CameraConfig struct {
	// Input overrides the capture source (e.g. /dev/video0). Empty selects
	// the platform default.
	Input  string
	Width  int
	Height int
	// FFmpegPath overrides the ffmpeg binary location.
	FFmpegPath string
}

// Camera grabs raw RGBA frames from the host webcam through an ffmpeg child
// process and keeps only the most recent one. Stale frames are overwritten,
// never queued.
type Camera struct {
	cfg    CameraConfig
	logger *zap.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdout  io.ReadCloser
	latest  Frame
	haveOne bool
	done    chan struct{}
}

// NewCamera creates an unacquired camera adapter.
func NewCamera(cfg CameraConfig, logger *zap.Logger) *Camera {
	if cfg.Width <= 0 {
		cfg.Width = 640
	}
	if cfg.Height <= 0 {
		cfg.Height = 480
	}
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Camera{cfg: cfg, logger: logger}
}

// Acquire starts the capture process. A second Acquire while the stream is
// live is a no-op.
func (c *Camera) Acquire() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cmd != nil {
		return nil
	}

	format, input := c.platformInput()
	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-f", format,
		"-video_size", fmt.Sprintf("%dx%d", c.cfg.Width, c.cfg.Height),
		"-i", input,
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"-",
	}
	cmd := exec.Command(c.cfg.FFmpegPath, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &DeviceError{Device: "camera", Err: err}
	}
	if err := cmd.Start(); err != nil {
		_ = stdout.Close()
		return &DeviceError{Device: "camera", Err: fmt.Errorf("start capture process: %w", err)}
	}

	c.cmd = cmd
	c.stdout = stdout
	c.done = make(chan struct{})
	go c.readFrames(stdout, c.done)

	c.logger.Info("camera acquired",
		zap.String("input", input),
		zap.Int("width", c.cfg.Width),
		zap.Int("height", c.cfg.Height))
	return nil
}

// Release stops the capture process and forgets the last frame. Idempotent.
func (c *Camera) Release() {
	c.mu.Lock()
	cmd := c.cmd
	stdout := c.stdout
	done := c.done
	c.cmd = nil
	c.stdout = nil
	c.haveOne = false
	c.latest = Frame{}
	c.mu.Unlock()

	if cmd == nil {
		return
	}
	_ = stdout.Close()
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	go cmd.Wait() // reap; exit errors after Kill are expected
	<-done
	c.logger.Info("camera released")
}

// Frame returns the most recent captured frame.
func (c *Camera) Frame() (Frame, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latest, c.haveOne
}

func (c *Camera) readFrames(r io.Reader, done chan struct{}) {
	defer close(done)

	frameSize := c.cfg.Width * c.cfg.Height * 4
	buf := make([]byte, frameSize)
	for {
		if _, err := io.ReadFull(r, buf); err != nil {
			if err != io.EOF && err != io.ErrClosedPipe {
				c.logger.Warn("camera stream ended", zap.Error(err))
			}
			return
		}
		frame := Frame{
			Width:  c.cfg.Width,
			Height: c.cfg.Height,
			Data:   append([]byte(nil), buf...),
		}
		c.mu.Lock()
		c.latest = frame
		c.haveOne = true
		c.mu.Unlock()
	}
}

func (c *Camera) platformInput() (format, input string) {
	if c.cfg.Input != "" {
		input = c.cfg.Input
	}
	switch runtime.GOOS {
	case "darwin":
		if input == "" {
			input = "default"
		}
		return "avfoundation", input
	case "windows":
		if input == "" {
			input = "video=Integrated Camera"
		}
		return "dshow", input
	default:
		if input == "" {
			input = "/dev/video0"
		}
		return "v4l2", input
	}
}

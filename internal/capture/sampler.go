package capture

import (
	"bytes"
	"image"
	"image/jpeg"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// JPEGQuality matches the reference client's 0.8 quality factor.
const JPEGQuality = 80

// DefaultFrameInterval is the reference sampling cadence.
const DefaultFrameInterval = time.Second

// FrameSampler pulls one still image from the camera on a fixed interval
// and encodes it to JPEG. A tick while the camera is disabled, or before the
// stream has negotiated its dimensions, is a silent no-op — it never fails
// the timer. The JPEG bytes are handed to the sink raw; base64 belongs to
// the transport layer.
type FrameSampler struct {
	provider FrameProvider
	interval time.Duration
	sink     func([]byte)
	logger   *zap.Logger

	enabled atomic.Bool

	mu     sync.Mutex
	ticker *time.Ticker
	stop   chan struct{}
}

// NewFrameSampler creates a sampler; Start arms the timer.
func NewFrameSampler(provider FrameProvider, interval time.Duration, logger *zap.Logger, sink func([]byte)) *FrameSampler {
	if interval <= 0 {
		interval = DefaultFrameInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FrameSampler{
		provider: provider,
		interval: interval,
		sink:     sink,
		logger:   logger,
	}
}

// SetEnabled gates sampling without touching the timer; the ticker keeps
// running and no-ops while disabled.
func (s *FrameSampler) SetEnabled(enabled bool) {
	s.enabled.Store(enabled)
}

// Start arms the sampling timer. A second Start while running is a no-op.
func (s *FrameSampler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		return
	}
	s.ticker = time.NewTicker(s.interval)
	s.stop = make(chan struct{})
	go s.run(s.ticker, s.stop)
}

// Stop cancels the timer. Idempotent; safe before Start.
func (s *FrameSampler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	close(s.stop)
	s.ticker = nil
	s.stop = nil
}

func (s *FrameSampler) run(ticker *time.Ticker, stop chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

func (s *FrameSampler) tick() {
	if !s.enabled.Load() {
		return
	}
	frame, ok := s.provider.Frame()
	if !ok || frame.Width <= 0 || frame.Height <= 0 {
		return
	}
	encoded, err := EncodeFrameJPEG(frame)
	if err != nil {
		s.logger.Warn("frame encode failed", zap.Error(err))
		return
	}
	s.sink(encoded)
}

// EncodeFrameJPEG compresses one RGBA frame at the fixed quality factor.
func EncodeFrameJPEG(frame Frame) ([]byte, error) {
	if len(frame.Data) < frame.Width*frame.Height*4 {
		return nil, &DeviceError{Device: "camera", Err: errShortFrame}
	}
	img := &image.RGBA{
		Pix:    frame.Data,
		Stride: frame.Width * 4,
		Rect:   image.Rect(0, 0, frame.Width, frame.Height),
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: JPEGQuality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

var errShortFrame = errFrameData("frame buffer shorter than declared dimensions")

type errFrameData string

func (e errFrameData) Error() string { return string(e) }

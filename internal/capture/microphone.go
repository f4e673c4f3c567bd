package capture

import (
	"fmt"
	"math"
	"sync"

	"github.com/gen2brain/malgo"
	"go.uber.org/zap"
)

// MicSampleRate is the fixed capture rate the backend expects.
const MicSampleRate = 16000

// Microphone is the exclusive owner of the host's capture device. While
// acquired, raw float32 samples flow continuously into the configured sink;
// there is no buffering here — back-pressure is the encoder/socket layer's
// problem.
type Microphone struct {
	mu     sync.Mutex
	ctx    *malgo.AllocatedContext
	device *malgo.Device
	sink   func([]float32)
	logger *zap.Logger
}

// NewMicrophone creates an unacquired microphone adapter. sink receives
// every captured sample batch.
func NewMicrophone(logger *zap.Logger, sink func([]float32)) *Microphone {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Microphone{
		sink:   sink,
		logger: logger,
	}
}

// Acquire opens the default capture device at 16 kHz mono. Calling Acquire
// while the device is already held is a no-op, not a second handle. Failures
// surface as *DeviceError and are never retried here.
func (m *Microphone) Acquire() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.device != nil {
		return nil
	}

	ctxConfig := malgo.ContextConfig{}
	ctxConfig.ThreadPriority = malgo.ThreadPriorityRealtime
	ctx, err := malgo.InitContext(nil, ctxConfig, nil)
	if err != nil {
		return &DeviceError{Device: "microphone", Err: fmt.Errorf("init audio context: %w", err)}
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatF32
	deviceConfig.Capture.Channels = 1
	deviceConfig.SampleRate = MicSampleRate
	deviceConfig.PeriodSizeInMilliseconds = 20

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			m.deliver(input)
		},
	}

	device, err := malgo.InitDevice(ctx.Context, deviceConfig, callbacks)
	if err != nil {
		_ = ctx.Uninit()
		ctx.Free()
		return &DeviceError{Device: "microphone", Err: fmt.Errorf("init capture device: %w", err)}
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		_ = ctx.Uninit()
		ctx.Free()
		return &DeviceError{Device: "microphone", Err: fmt.Errorf("start capture: %w", err)}
	}

	m.ctx = ctx
	m.device = device
	m.logger.Info("microphone acquired",
		zap.Int("sample_rate", MicSampleRate),
		zap.Int("channels", 1))
	return nil
}

// Release stops and frees the capture device. It is idempotent and safe to
// call even if Acquire never succeeded.
func (m *Microphone) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.device != nil {
		_ = m.device.Stop()
		m.device.Uninit()
		m.device = nil
		m.logger.Info("microphone released")
	}
	if m.ctx != nil {
		_ = m.ctx.Uninit()
		m.ctx.Free()
		m.ctx = nil
	}
}

// Acquired reports whether the device handle is currently held.
func (m *Microphone) Acquired() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.device != nil
}

func (m *Microphone) deliver(input []byte) {
	if m.sink == nil || len(input) < 4 {
		return
	}
	samples := make([]float32, len(input)/4)
	for i := range samples {
		bits := uint32(input[i*4]) |
			uint32(input[i*4+1])<<8 |
			uint32(input[i*4+2])<<16 |
			uint32(input[i*4+3])<<24
		samples[i] = math.Float32frombits(bits)
	}
	m.sink(samples)
}

// Package playback turns the stream of PCM reply chunks into audible,
// gapless, in-order output regardless of network jitter.
package playback

import (
	"encoding/base64"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// DefaultSampleRate applies to reply chunks that omit an explicit rate.
const DefaultSampleRate = 24000

// Device is one exclusive output device context at a fixed sample rate.
type Device interface {
	// Now returns the device's playback clock in seconds since it opened.
	Now() float64
	// ScheduleAt schedules mono float32 samples to begin playing exactly at
	// the given clock time. onDone runs once the chunk has fully played or
	// the device is closed.
	ScheduleAt(samples []float32, start float64, onDone func())
	// Close halts every still-scheduled chunk and releases the device.
	Close() error
}

// DeviceOpener creates a Device at the given sample rate.
type DeviceOpener func(sampleRate int) (Device, error)

// Scheduler owns at most one output device at a time and the playback
// cursor. Every chunk is scheduled to start at max(cursor, now) and the
// cursor advances by the chunk's duration, which yields in-order,
// non-overlapping, gapless playback. When the consumer under-runs, the
// cursor snaps forward to "now" instead of accumulating catch-up latency.
type Scheduler struct {
	open   DeviceOpener
	logger *zap.Logger

	mu      sync.Mutex
	device  Device
	rate    int
	next    float64 // scheduled end of the last-enqueued chunk, device clock seconds
	pending int     // chunks scheduled but not yet finished
}

// NewScheduler creates a stopped scheduler. open may be nil, selecting the
// default hardware device.
func NewScheduler(open DeviceOpener, logger *zap.Logger) *Scheduler {
	if open == nil {
		open = OpenOutputDevice
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{open: open, logger: logger}
}

// ErrSampleRateChange is returned when a chunk arrives at a different rate
// than the open device; the scheduler must be stopped first.
var ErrSampleRateChange = errors.New("playback: device must be stopped before changing sample rate")

// Enqueue decodes one base64 int16 PCM chunk and schedules it after
// everything already queued. sampleRate <= 0 selects DefaultSampleRate.
func (s *Scheduler) Enqueue(data string, sampleRate int) error {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return fmt.Errorf("playback: decode chunk: %w", err)
	}
	samples := make([]float32, len(raw)/2)
	for i := range samples {
		v := int16(uint16(raw[i*2]) | uint16(raw[i*2+1])<<8)
		samples[i] = float32(v) / 32768.0
	}
	if len(samples) == 0 {
		return nil
	}

	s.mu.Lock()
	if s.device == nil {
		device, err := s.open(sampleRate)
		if err != nil {
			s.mu.Unlock()
			return fmt.Errorf("playback: open device: %w", err)
		}
		s.device = device
		s.rate = sampleRate
		s.next = 0
		s.logger.Info("playback device opened", zap.Int("sample_rate", sampleRate))
	} else if s.rate != sampleRate {
		s.mu.Unlock()
		return ErrSampleRateChange
	}

	device := s.device
	now := device.Now()
	start := s.next
	if start < now {
		// Consumer under-ran; restart at the clock instead of the stale
		// cursor so latency stays bounded.
		start = now
	}
	duration := float64(len(samples)) / float64(sampleRate)
	s.next = start + duration
	s.pending++
	s.mu.Unlock()

	// Outside the lock: the device may run onDone synchronously.
	device.ScheduleAt(samples, start, s.chunkDone)
	return nil
}

// IsPlaying reports whether any chunk is still scheduled or playing.
// Informational only; never used for flow control.
func (s *Scheduler) IsPlaying() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.device != nil && s.pending > 0
}

// Cursor returns the scheduled end of the last-enqueued chunk, in device
// clock seconds. Zero when stopped.
func (s *Scheduler) Cursor() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

// Stop forcibly halts every scheduled chunk, releases the device and resets
// the cursor. Required before the scheduler may be reused at a different
// sample rate. Safe to call repeatedly and while stopped.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	device := s.device
	s.device = nil
	s.rate = 0
	s.next = 0
	s.pending = 0
	s.mu.Unlock()

	if device != nil {
		if err := device.Close(); err != nil {
			s.logger.Warn("playback device close failed", zap.Error(err))
		}
		s.logger.Info("playback stopped")
	}
}

func (s *Scheduler) chunkDone() {
	s.mu.Lock()
	if s.pending > 0 {
		s.pending--
	}
	s.mu.Unlock()
}

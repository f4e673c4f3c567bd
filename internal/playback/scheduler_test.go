package playback

import (
	"encoding/base64"
	"math/rand"
	"testing"

	"go.uber.org/zap"
)

// fakeDevice records scheduled chunks against a manually advanced clock.
type fakeDevice struct {
	rate      int
	clock     float64
	scheduled []fakeChunk
	closed    bool
}

type fakeChunk struct {
	start    float64
	duration float64
	onDone   func()
}

func (d *fakeDevice) Now() float64 { return d.clock }

func (d *fakeDevice) ScheduleAt(samples []float32, start float64, onDone func()) {
	d.scheduled = append(d.scheduled, fakeChunk{
		start:    start,
		duration: float64(len(samples)) / float64(d.rate),
		onDone:   onDone,
	})
}

func (d *fakeDevice) Close() error {
	d.closed = true
	for _, c := range d.scheduled {
		if c.onDone != nil {
			c.onDone()
		}
	}
	return nil
}

func fakeOpener(dst **fakeDevice) DeviceOpener {
	return func(sampleRate int) (Device, error) {
		d := &fakeDevice{rate: sampleRate}
		*dst = d
		return d, nil
	}
}

// chunk builds a base64 int16 chunk of n samples.
func chunk(n int) string {
	raw := make([]byte, n*2)
	for i := 0; i < n; i++ {
		raw[i*2] = byte(i)
		raw[i*2+1] = byte(i >> 8)
	}
	return base64.StdEncoding.EncodeToString(raw)
}

func TestEnqueueSchedulesGapless(t *testing.T) {
	var dev *fakeDevice
	s := NewScheduler(fakeOpener(&dev), zap.NewNop())

	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 20; i++ {
		n := 100 + rng.Intn(4000)
		if err := s.Enqueue(chunk(n), DefaultSampleRate); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	if len(dev.scheduled) != 20 {
		t.Fatalf("scheduled %d chunks, want 20", len(dev.scheduled))
	}
	for i := 1; i < len(dev.scheduled); i++ {
		prev := dev.scheduled[i-1]
		cur := dev.scheduled[i]
		if cur.start < prev.start+prev.duration-1e-9 {
			t.Errorf("chunk %d starts at %v, overlaps previous end %v", i, cur.start, prev.start+prev.duration)
		}
		if cur.start > prev.start+prev.duration+1e-9 {
			t.Errorf("chunk %d starts at %v, gap after previous end %v", i, cur.start, prev.start+prev.duration)
		}
	}
}

func TestEnqueueSnapsToNowAfterStall(t *testing.T) {
	var dev *fakeDevice
	s := NewScheduler(fakeOpener(&dev), zap.NewNop())

	if err := s.Enqueue(chunk(DefaultSampleRate/10), 0); err != nil { // 100ms
		t.Fatal(err)
	}
	// The device has played well past the cursor before the next chunk lands.
	dev.clock = 5.0

	if err := s.Enqueue(chunk(DefaultSampleRate/10), 0); err != nil {
		t.Fatal(err)
	}
	got := dev.scheduled[1].start
	if got != 5.0 {
		t.Errorf("post-stall chunk starts at %v, want 5.0 (device now)", got)
	}
	if c := s.Cursor(); c != 5.1 {
		t.Errorf("cursor = %v, want 5.1", c)
	}
}

func TestStopResetsCursorAndReleasesDevice(t *testing.T) {
	var dev *fakeDevice
	s := NewScheduler(fakeOpener(&dev), zap.NewNop())

	if err := s.Enqueue(chunk(2400), 0); err != nil {
		t.Fatal(err)
	}
	if !s.IsPlaying() {
		t.Error("expected playback in progress after enqueue")
	}

	s.Stop()
	if !dev.closed {
		t.Error("Stop must close the device")
	}
	if s.Cursor() != 0 {
		t.Errorf("cursor = %v after Stop, want 0", s.Cursor())
	}
	if s.IsPlaying() {
		t.Error("IsPlaying must be false after Stop")
	}
	s.Stop() // repeated Stop is safe
}

func TestSampleRateChangeRequiresStop(t *testing.T) {
	var dev *fakeDevice
	s := NewScheduler(fakeOpener(&dev), zap.NewNop())

	if err := s.Enqueue(chunk(100), 24000); err != nil {
		t.Fatal(err)
	}
	if err := s.Enqueue(chunk(100), 16000); err != ErrSampleRateChange {
		t.Fatalf("expected ErrSampleRateChange, got %v", err)
	}

	s.Stop()
	if err := s.Enqueue(chunk(100), 16000); err != nil {
		t.Fatalf("enqueue after Stop at new rate: %v", err)
	}
	if dev.rate != 16000 {
		t.Errorf("reopened device rate = %d, want 16000", dev.rate)
	}
}

func TestEnqueueDefaultsSampleRate(t *testing.T) {
	var dev *fakeDevice
	s := NewScheduler(fakeOpener(&dev), zap.NewNop())

	if err := s.Enqueue(chunk(10), 0); err != nil {
		t.Fatal(err)
	}
	if dev.rate != DefaultSampleRate {
		t.Errorf("device rate = %d, want %d", dev.rate, DefaultSampleRate)
	}
}

func TestEnqueueRejectsMalformedBase64(t *testing.T) {
	s := NewScheduler(fakeOpener(new(*fakeDevice)), zap.NewNop())
	if err := s.Enqueue("not valid base64!!!", 0); err == nil {
		t.Fatal("expected decode error")
	}
	if s.IsPlaying() {
		t.Error("failed enqueue must not open a device")
	}
}

func TestPendingDrainsAsChunksFinish(t *testing.T) {
	var dev *fakeDevice
	s := NewScheduler(fakeOpener(&dev), zap.NewNop())

	if err := s.Enqueue(chunk(100), 0); err != nil {
		t.Fatal(err)
	}
	if err := s.Enqueue(chunk(100), 0); err != nil {
		t.Fatal(err)
	}

	dev.scheduled[0].onDone()
	if !s.IsPlaying() {
		t.Error("one chunk still pending, expected IsPlaying")
	}
	dev.scheduled[1].onDone()
	if s.IsPlaying() {
		t.Error("all chunks done, expected not playing")
	}
}

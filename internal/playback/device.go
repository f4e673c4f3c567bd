package playback

import (
	"fmt"
	"math"
	"sync"

	"github.com/gen2brain/malgo"
)

// outputDevice synthesizes the scheduled timeline into the host's playback
// device. The device pulls samples on its own cadence; positions with no
// scheduled chunk are filled with silence, and the playback clock is the
// count of samples the hardware has consumed.
type outputDevice struct {
	ctx    *malgo.AllocatedContext
	device *malgo.Device
	rate   int

	mu      sync.Mutex
	readPos int64
	chunks  []*scheduledChunk
	closed  bool
}

type scheduledChunk struct {
	start   int64 // sample index on the device clock
	samples []float32
	onDone  func()
}

// OpenOutputDevice opens the default hardware playback device at the given
// sample rate, mono signed 16-bit.
func OpenOutputDevice(sampleRate int) (Device, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("init audio context: %w", err)
	}

	d := &outputDevice{ctx: ctx, rate: sampleRate}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Playback)
	deviceConfig.Playback.Format = malgo.FormatS16
	deviceConfig.Playback.Channels = 1
	deviceConfig.SampleRate = uint32(sampleRate)
	deviceConfig.PeriodSizeInMilliseconds = 20

	callbacks := malgo.DeviceCallbacks{
		Data: func(output, _ []byte, _ uint32) {
			d.fill(output)
		},
	}
	device, err := malgo.InitDevice(ctx.Context, deviceConfig, callbacks)
	if err != nil {
		_ = ctx.Uninit()
		ctx.Free()
		return nil, fmt.Errorf("init playback device: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		_ = ctx.Uninit()
		ctx.Free()
		return nil, fmt.Errorf("start playback: %w", err)
	}
	d.device = device
	return d, nil
}

func (d *outputDevice) Now() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return float64(d.readPos) / float64(d.rate)
}

func (d *outputDevice) ScheduleAt(samples []float32, start float64, onDone func()) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		if onDone != nil {
			onDone()
		}
		return
	}
	startSample := int64(math.Round(start * float64(d.rate)))
	if startSample < d.readPos {
		startSample = d.readPos
	}
	chunk := &scheduledChunk{
		start:   startSample,
		samples: samples,
		onDone:  onDone,
	}
	// Insert in start order. The scheduler hands out non-decreasing starts,
	// so this is almost always a plain append.
	i := len(d.chunks)
	for i > 0 && d.chunks[i-1].start > chunk.start {
		i--
	}
	d.chunks = append(d.chunks, nil)
	copy(d.chunks[i+1:], d.chunks[i:])
	d.chunks[i] = chunk
	d.mu.Unlock()
}

func (d *outputDevice) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	cancelled := d.chunks
	d.chunks = nil
	d.mu.Unlock()

	for _, chunk := range cancelled {
		if chunk.onDone != nil {
			chunk.onDone()
		}
	}

	if d.device != nil {
		_ = d.device.Stop()
		d.device.Uninit()
		d.device = nil
	}
	if d.ctx != nil {
		_ = d.ctx.Uninit()
		d.ctx.Free()
		d.ctx = nil
	}
	return nil
}

// fill renders len(out)/2 samples of the timeline into the device buffer.
func (d *outputDevice) fill(out []byte) {
	n := int64(len(out) / 2)

	var finished []func()
	d.mu.Lock()
	for i := int64(0); i < n; i++ {
		pos := d.readPos + i

		for len(d.chunks) > 0 && d.chunks[0].start+int64(len(d.chunks[0].samples)) <= pos {
			if d.chunks[0].onDone != nil {
				finished = append(finished, d.chunks[0].onDone)
			}
			d.chunks = d.chunks[1:]
		}

		var v float32
		if len(d.chunks) > 0 && d.chunks[0].start <= pos {
			v = d.chunks[0].samples[pos-d.chunks[0].start]
		}

		s := sampleToInt16(v)
		out[i*2] = byte(s)
		out[i*2+1] = byte(uint16(s) >> 8)
	}
	d.readPos += n
	d.mu.Unlock()

	for _, onDone := range finished {
		onDone()
	}
}

func sampleToInt16(v float32) int16 {
	if v > 1 {
		v = 1
	} else if v < -1 {
		v = -1
	}
	if v < 0 {
		return int16(v * 32768)
	}
	return int16(v * 32767)
}

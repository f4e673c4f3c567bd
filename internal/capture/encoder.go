package capture

// FrameSamples is the number of samples per encoded PCM frame, matching the
// capture callback tick of the reference pipeline.
const FrameSamples = 128

// PCMEncoder converts a continuous stream of floating-point samples in
// [-1.0, 1.0] into fixed-width signed 16-bit frames. Each full frame is
// handed synchronously to the sink; the encoder holds no queue and performs
// no I/O.
//
// The scale is asymmetric on purpose: negative samples map onto [-32768, 0)
// and positive samples onto [0, 32767], covering the full int16 range. A
// reference decoder depends on this exact law, so it must not be "fixed".
type PCMEncoder struct {
	sink    func([]int16)
	pending []int16
}

// NewPCMEncoder creates an encoder delivering FrameSamples-sized frames to
// sink.
func NewPCMEncoder(sink func([]int16)) *PCMEncoder {
	return &PCMEncoder{
		sink:    sink,
		pending: make([]int16, 0, FrameSamples),
	}
}

// Write consumes a batch of float samples, emitting one frame to the sink
// for every FrameSamples accumulated.
func (e *PCMEncoder) Write(samples []float32) {
	for _, s := range samples {
		e.pending = append(e.pending, EncodeSample(s))
		if len(e.pending) == FrameSamples {
			frame := make([]int16, FrameSamples)
			copy(frame, e.pending)
			e.pending = e.pending[:0]
			e.sink(frame)
		}
	}
}

// Flush emits any buffered partial frame. Used when the capture stream
// stops so trailing samples are not lost.
func (e *PCMEncoder) Flush() {
	if len(e.pending) == 0 {
		return
	}
	frame := make([]int16, len(e.pending))
	copy(frame, e.pending)
	e.pending = e.pending[:0]
	e.sink(frame)
}

// EncodeSample clamps one float sample to [-1, 1] and scales it to int16.
func EncodeSample(x float32) int16 {
	if x > 1 {
		x = 1
	} else if x < -1 {
		x = -1
	}
	if x < 0 {
		return int16(x * 32768)
	}
	return int16(x * 32767)
}

// FrameBytes serializes an int16 frame as little-endian PCM for transport.
func FrameBytes(frame []int16) []byte {
	out := make([]byte, len(frame)*2)
	for i, s := range frame {
		out[i*2] = byte(s)
		out[i*2+1] = byte(uint16(s) >> 8)
	}
	return out
}

// Package orchestrator owns the full streaming stack: both session sockets,
// the capture adapters, the frame sampler, the playback scheduler and the
// activity state machine. Nothing else creates or touches these.
package orchestrator

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aibuddy/companion/internal/activity"
	"github.com/aibuddy/companion/internal/capture"
	"github.com/aibuddy/companion/internal/playback"
	"github.com/aibuddy/companion/internal/protocol"
	"github.com/aibuddy/companion/internal/session"
)

// Defaults for the locally inferred activity transitions.
const (
	DefaultSpeakingRevert = 1000 * time.Millisecond
	DefaultThinkingRevert = 800 * time.Millisecond
)

// MemoryLogSize bounds the in-memory list of stored-memory notifications.
const MemoryLogSize = 50

// Config configures the orchestrator. BaseURL is the backend root
// (http(s)://host:port); the stream endpoints are derived from it.
type Config struct {
	BaseURL        string
	SpeakingRevert time.Duration
	ThinkingRevert time.Duration
	FrameInterval  time.Duration
	Camera         capture.CameraConfig

	// OnState receives every observable activity transition.
	OnState func(activity.State)
}

// MemoryEntry is one memory_stored notification kept for display.
type MemoryEntry struct {
	Content string
	At      time.Time
}

// streamConn is the socket surface the orchestrator drives. *session.Socket
// implements it; tests substitute an in-process fake.
type streamConn interface {
	State() session.State
	Send(v any) error
	Inbound() <-chan any
	Done() <-chan struct{}
	Err() error
	Close(reason string)
	Abort()
}

type dialFunc func(ctx context.Context, endpoint string, identity protocol.Identity, decode session.Decoder, goodbye any, logger *zap.Logger) (streamConn, error)

// micDevice is the microphone surface; *capture.Microphone implements it.
type micDevice interface {
	Acquire() error
	Release()
	Acquired() bool
}

// Orchestrator coordinates startup, routing and teardown for one identity.
// Start and Teardown are idempotent; Teardown is safe at any point, including
// while Start's connects are still in flight.
type Orchestrator struct {
	cfg     Config
	logger  *zap.Logger
	machine *activity.Machine

	// Seams for tests; production values are set in New.
	dial      dialFunc
	newMic    func(logger *zap.Logger, sink func([]float32)) micDevice
	camera    capture.FrameProvider
	scheduler *playback.Scheduler

	mu            sync.Mutex
	started       bool
	tornDown      bool
	muted         bool
	cameraEnabled bool
	audio         streamConn
	cognition     streamConn
	mic           micDevice
	encoder       *capture.PCMEncoder
	sampler       *capture.FrameSampler
	memories      []MemoryEntry
	wg            sync.WaitGroup
}

// New creates a stopped orchestrator.
func New(cfg Config, logger *zap.Logger) *Orchestrator {
	if cfg.SpeakingRevert <= 0 {
		cfg.SpeakingRevert = DefaultSpeakingRevert
	}
	if cfg.ThinkingRevert <= 0 {
		cfg.ThinkingRevert = DefaultThinkingRevert
	}
	if cfg.FrameInterval <= 0 {
		cfg.FrameInterval = capture.DefaultFrameInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Orchestrator{
		cfg:     cfg,
		logger:  logger,
		machine: activity.NewMachine(logger, cfg.OnState),
	}
	o.dial = func(ctx context.Context, endpoint string, identity protocol.Identity, decode session.Decoder, goodbye any, l *zap.Logger) (streamConn, error) {
		return session.Connect(ctx, endpoint, identity, decode, goodbye, l)
	}
	o.newMic = func(l *zap.Logger, sink func([]float32)) micDevice {
		return capture.NewMicrophone(l, sink)
	}
	o.camera = capture.NewCamera(cfg.Camera, logger)
	o.scheduler = playback.NewScheduler(nil, logger)
	return o
}

// Start connects both sessions and brings up the capture pipelines. A second
// Start while the first is live is a no-op. The connects run concurrently;
// Start returns once they are launched, not once they resolve.
func (o *Orchestrator) Start(ctx context.Context, identity protocol.Identity) {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		o.logger.Debug("start ignored, already running")
		return
	}
	o.started = true
	o.tornDown = false
	o.mu.Unlock()

	o.logger.Info("starting sessions", zap.String("username", identity.Username))

	o.wg.Add(2)
	go o.connectAudio(ctx, identity)
	go o.connectCognition(ctx, identity)
}

// Teardown shuts everything down: capture, both sockets, playback, activity.
// It never returns an error, never double-releases, and is safe to call
// before Start's connects resolve and any number of times afterwards.
func (o *Orchestrator) Teardown() {
	o.mu.Lock()
	if o.tornDown {
		o.mu.Unlock()
		return
	}
	o.tornDown = true
	o.started = false
	audio := o.audio
	cognition := o.cognition
	mic := o.mic
	encoder := o.encoder
	sampler := o.sampler
	o.audio = nil
	o.cognition = nil
	o.mic = nil
	o.encoder = nil
	o.sampler = nil
	o.mu.Unlock()

	o.logger.Info("tearing down sessions")

	if sampler != nil {
		sampler.Stop()
	}
	if mic != nil {
		mic.Release()
	}
	if encoder != nil {
		encoder.Flush()
	}
	o.camera.Release()
	if audio != nil {
		audio.Close("teardown")
	}
	if cognition != nil {
		cognition.Close("teardown")
	}
	o.scheduler.Stop()
	o.machine.Reset()
}

// Wait blocks until every connect and routing goroutine has exited. Teardown
// does not wait itself: a dial that is still in flight would hold it hostage
// for the full connect timeout.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// SetMuted starts or stops only the microphone wiring; the audio session
// stays open either way.
func (o *Orchestrator) SetMuted(muted bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.muted = muted
	if o.tornDown {
		return
	}
	if muted {
		if o.mic != nil {
			o.mic.Release()
		}
		o.logger.Info("microphone muted")
		return
	}
	if o.audio != nil && o.audio.State() == session.StateOpen {
		o.startMicLocked()
	}
}

// SetCameraEnabled gates the camera adapter. The sampler ticker keeps
// running regardless and no-ops while the camera is off.
func (o *Orchestrator) SetCameraEnabled(enabled bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.cameraEnabled = enabled
	if o.sampler != nil {
		o.sampler.SetEnabled(enabled)
	}
	if o.tornDown || !o.started {
		return
	}
	if enabled {
		if err := o.camera.Acquire(); err != nil {
			o.logger.Error("camera acquire failed", zap.Error(err))
		}
	} else {
		o.camera.Release()
	}
}

// Activity returns the current activity state.
func (o *Orchestrator) Activity() activity.State {
	return o.machine.Current()
}

// Memories returns the recent memory_stored notifications, oldest first.
func (o *Orchestrator) Memories() []MemoryEntry {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]MemoryEntry(nil), o.memories...)
}

// SendTranscription publishes locally observed user speech on the cognition
// session. Dropped when the session is not open.
func (o *Orchestrator) SendTranscription(text string) {
	o.mu.Lock()
	cognition := o.cognition
	o.mu.Unlock()
	if cognition != nil {
		_ = cognition.Send(protocol.TranscriptionEvent(text))
	}
}

// SendUserAction publishes an explicit user action on the cognition session.
func (o *Orchestrator) SendUserAction(action string) {
	o.mu.Lock()
	cognition := o.cognition
	o.mu.Unlock()
	if cognition != nil {
		_ = cognition.Send(protocol.UserActionEvent(action))
	}
}

func (o *Orchestrator) connectAudio(ctx context.Context, identity protocol.Identity) {
	defer o.wg.Done()

	endpoint, err := streamEndpoint(o.cfg.BaseURL, "/api/assistant/stream")
	if err != nil {
		o.logger.Error("bad audio endpoint", zap.Error(err))
		return
	}
	conn, err := o.dial(ctx, endpoint, identity, session.AudioDecoder, protocol.CloseEnvelope(), o.logger)
	if err != nil {
		o.logger.Error("audio session connect failed", zap.Error(err))
		return
	}

	o.mu.Lock()
	if o.tornDown {
		o.mu.Unlock()
		conn.Abort()
		return
	}
	o.audio = conn
	if !o.muted {
		o.startMicLocked()
	}
	o.startSamplerLocked(conn)
	o.mu.Unlock()

	o.wg.Add(1)
	go o.audioLoop(conn)
}

func (o *Orchestrator) connectCognition(ctx context.Context, identity protocol.Identity) {
	defer o.wg.Done()

	endpoint, err := streamEndpoint(o.cfg.BaseURL, "/api/cognition/stream")
	if err != nil {
		o.logger.Error("bad cognition endpoint", zap.Error(err))
		return
	}
	conn, err := o.dial(ctx, endpoint, identity, session.CognitionDecoder, protocol.CognitionCloseEvent(), o.logger)
	if err != nil {
		o.logger.Error("cognition session connect failed", zap.Error(err))
		return
	}

	o.mu.Lock()
	if o.tornDown {
		o.mu.Unlock()
		conn.Abort()
		return
	}
	o.cognition = conn
	o.mu.Unlock()

	o.wg.Add(1)
	go o.cognitionLoop(conn)
}

// startMicLocked wires microphone → encoder → audio envelopes. Caller holds
// o.mu and has verified the audio session is up.
func (o *Orchestrator) startMicLocked() {
	audio := o.audio
	if o.encoder == nil {
		o.encoder = capture.NewPCMEncoder(func(frame []int16) {
			_ = audio.Send(protocol.AudioEnvelope(capture.FrameBytes(frame)))
		})
	}
	encoder := o.encoder
	if o.mic == nil {
		o.mic = o.newMic(o.logger, func(samples []float32) {
			encoder.Write(samples)
		})
	}
	if err := o.mic.Acquire(); err != nil {
		o.logger.Error("microphone acquire failed", zap.Error(err))
	}
}

// startSamplerLocked arms the frame sampler against the audio session.
// Caller holds o.mu.
func (o *Orchestrator) startSamplerLocked(audio streamConn) {
	if o.sampler != nil {
		return
	}
	o.sampler = capture.NewFrameSampler(o.camera, o.cfg.FrameInterval, o.logger, func(jpeg []byte) {
		_ = audio.Send(protocol.VideoEnvelope(jpeg))
	})
	o.sampler.SetEnabled(o.cameraEnabled)
	o.sampler.Start()
	if o.cameraEnabled {
		if err := o.camera.Acquire(); err != nil {
			o.logger.Error("camera acquire failed", zap.Error(err))
		}
	}
}

func (o *Orchestrator) audioLoop(conn streamConn) {
	defer o.wg.Done()

	for msg := range conn.Inbound() {
		if o.isTornDown() {
			return
		}
		switch m := msg.(type) {
		case protocol.AudioReply:
			if err := o.scheduler.Enqueue(m.Data, m.SampleRate); err != nil {
				o.logger.Warn("audio reply dropped", zap.Error(err))
				continue
			}
			o.machine.Trigger(activity.StateSpeaking, o.cfg.SpeakingRevert)
		case protocol.ConnectedAck:
			o.logger.Info("audio session acknowledged", zap.String("message", m.Message))
		}
	}

	if err := conn.Err(); err != nil && !o.isTornDown() {
		o.logger.Error("audio session failed", zap.Error(err))
		o.machine.Reset()
	}
}

func (o *Orchestrator) cognitionLoop(conn streamConn) {
	defer o.wg.Done()

	for msg := range conn.Inbound() {
		if o.isTornDown() {
			return
		}
		switch m := msg.(type) {
		case protocol.ReasoningComplete:
			o.machine.Trigger(activity.StateThinking, o.cfg.ThinkingRevert)
		case protocol.MemoryStored:
			o.recordMemory(m.Content)
		case protocol.StateUpdate:
			if state, ok := activity.ParseState(m.State); ok {
				o.machine.Set(state)
			}
		case protocol.RemoteError:
			o.logger.Error("cognition session reported error", zap.String("error", m.Error))
		case protocol.ConnectedAck:
			o.logger.Info("cognition session acknowledged", zap.String("message", m.Message))
		}
	}

	if err := conn.Err(); err != nil && !o.isTornDown() {
		o.logger.Error("cognition session failed", zap.Error(err))
		o.machine.Reset()
	}
}

func (o *Orchestrator) recordMemory(content string) {
	o.mu.Lock()
	o.memories = append(o.memories, MemoryEntry{Content: content, At: time.Now()})
	if len(o.memories) > MemoryLogSize {
		o.memories = o.memories[len(o.memories)-MemoryLogSize:]
	}
	o.mu.Unlock()
	o.logger.Info("memory stored", zap.String("content", content))
}

func (o *Orchestrator) isTornDown() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.tornDown
}

// streamEndpoint derives the ws(s) URL for one stream path from the backend
// base URL.
func streamEndpoint(base, path string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base URL: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	return u.String(), nil
}

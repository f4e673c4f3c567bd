// Package session maintains one long-lived WebSocket stream against the
// backend: dial, identity handshake, typed inbound decode, and shutdown.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/aibuddy/companion/internal/protocol"
)

const defaultConnectTimeout = 15 * time.Second

// State is the socket lifecycle. Errors are reported, not modeled as a
// state; a failed socket goes straight to StateClosed.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// ChannelError is a socket-level failure on an established stream. It is
// reported and logged; there is no automatic reconnect.
type ChannelError struct {
	Endpoint string
	Err      error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("session: channel %s failed: %v", e.Endpoint, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// Decoder turns one inbound text frame into a typed message. The two stream
// endpoints speak different inbound unions, so each socket is constructed
// with its endpoint's decoder.
type Decoder func([]byte) (any, error)

// AudioDecoder decodes the audio-session inbound union.
func AudioDecoder(data []byte) (any, error) {
	return protocol.DecodeAudioInbound(data)
}

// CognitionDecoder decodes the cognition-session inbound union.
func CognitionDecoder(data []byte) (any, error) {
	return protocol.DecodeCognitionInbound(data)
}

// Socket is one stream connection. Outbound frames are perishable: Send on a
// socket that is not open drops the frame with no queue and no retry.
type Socket struct {
	endpoint string
	logger   *zap.Logger

	conn    *websocket.Conn
	decode  Decoder
	goodbye any
	inbound chan any
	done    chan struct{}

	state     atomic.Int32
	writeMu   sync.Mutex
	closeOnce sync.Once

	errMu sync.Mutex
	err   error
}

// Connect dials the endpoint and sends the identity message before anything
// else, per the stream contract. goodbye is the best-effort farewell message
// Close writes while the socket is still open; nil skips it. On success the
// socket is open and its read loop is running; on any failure the socket is
// closed and an error returned.
func Connect(ctx context.Context, endpoint string, identity protocol.Identity, decode Decoder, goodbye any, logger *zap.Logger) (*Socket, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Socket{
		endpoint: endpoint,
		logger:   logger,
		decode:   decode,
		goodbye:  goodbye,
		inbound:  make(chan any, 64),
		done:     make(chan struct{}),
	}
	s.state.Store(int32(StateConnecting))

	dialCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, defaultConnectTimeout)
		defer cancel()
	}

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, endpoint, nil)
	if err != nil {
		s.state.Store(int32(StateClosed))
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}
	if err := conn.WriteJSON(identity); err != nil {
		_ = conn.Close()
		s.state.Store(int32(StateClosed))
		return nil, fmt.Errorf("send identity: %w", err)
	}

	s.conn = conn
	s.state.Store(int32(StateOpen))
	logger.Info("session open", zap.String("endpoint", endpoint), zap.String("username", identity.Username))

	go s.readLoop()
	return s, nil
}

// State returns the current lifecycle state.
func (s *Socket) State() State {
	return State(s.state.Load())
}

// Send writes one outbound message. Frames sent while the socket is not open
// are dropped: capture data is perishable and is never queued for a socket
// that cannot take it now.
func (s *Socket) Send(v any) error {
	if s.State() != StateOpen {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.State() != StateOpen {
		return nil
	}
	if err := s.conn.WriteJSON(v); err != nil {
		s.setErr(err)
		return &ChannelError{Endpoint: s.endpoint, Err: err}
	}
	return nil
}

// Inbound yields decoded inbound messages. The channel closes when the read
// loop ends, whether by Close or by a transport error.
func (s *Socket) Inbound() <-chan any {
	return s.inbound
}

// Done closes when the socket has fully shut down.
func (s *Socket) Done() <-chan struct{} {
	return s.done
}

// Err returns the terminal transport error, nil on a clean close. Valid once
// Done is closed.
func (s *Socket) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Close sends the best-effort goodbye message while the socket is still
// open, then unconditionally tears the connection down. Safe to call
// repeatedly.
func (s *Socket) Close(reason string) {
	s.closeOnce.Do(func() {
		wasOpen := s.state.CompareAndSwap(int32(StateOpen), int32(StateClosing))
		s.writeMu.Lock()
		if wasOpen {
			if s.goodbye != nil {
				if err := s.conn.WriteJSON(s.goodbye); err != nil {
					s.logger.Debug("goodbye not delivered", zap.Error(err))
				}
			}
			_ = s.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
				time.Now().Add(2*time.Second),
			)
		}
		s.state.Store(int32(StateClosed))
		if s.conn != nil {
			_ = s.conn.Close()
		}
		s.writeMu.Unlock()
		s.logger.Info("session closed", zap.String("endpoint", s.endpoint), zap.String("reason", reason))
	})
	<-s.done
}

// Abort tears the connection down without sending anything. Used when a
// socket finishes connecting after its owner has already been torn down.
func (s *Socket) Abort() {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosed))
		s.writeMu.Lock()
		_ = s.conn.Close()
		s.writeMu.Unlock()
		s.logger.Info("session aborted", zap.String("endpoint", s.endpoint))
	})
	<-s.done
}

func (s *Socket) readLoop() {
	defer s.finish()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.State() == StateClosed || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return
			}
			s.setErr(err)
			s.logger.Warn("session read failed", zap.String("endpoint", s.endpoint), zap.Error(err))
			return
		}

		msg, err := s.decode(data)
		if err != nil {
			// Malformed inbound frames are dropped; one bad frame must not
			// take the stream down.
			s.logger.Warn("inbound frame discarded", zap.String("endpoint", s.endpoint), zap.Error(err))
			continue
		}
		select {
		case s.inbound <- msg:
		default:
			s.logger.Warn("inbound frame dropped, consumer stalled", zap.String("endpoint", s.endpoint))
		}
	}
}

func (s *Socket) finish() {
	s.state.Store(int32(StateClosed))
	close(s.inbound)
	close(s.done)
}

func (s *Socket) setErr(err error) {
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = &ChannelError{Endpoint: s.endpoint, Err: err}
	}
}

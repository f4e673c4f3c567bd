// Package devserver is an in-process stand-in for the real backend: the
// same routes, handshakes and wire formats, with canned reasoning. It backs
// local development and the integration tests.
package devserver

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/aibuddy/companion/internal/auth"
	"github.com/aibuddy/companion/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 2 * 1024 * 1024 // audio plus JPEG stills

	// recognitionThreshold matches the backend's cosine-similarity cutoff.
	recognitionThreshold = 0.7
)

var upgrader = websocket.Upgrader{
	CheckOrigin:     func(*http.Request) bool { return true },
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

type user struct {
	profile   auth.Profile
	embedding []float64
}

// Server holds the mock backend state: registered users and live stream
// sessions.
type Server struct {
	logger *zap.Logger
	secret []byte

	mu       sync.Mutex
	users    map[string]*user
	sessions map[string]string // session id -> username
}

// New creates a mock backend. secret signs the session tokens it mints.
func New(secret []byte, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		logger:   logger,
		secret:   secret,
		users:    make(map[string]*user),
		sessions: make(map[string]string),
	}
}

// Register installs every route on the echo instance.
func (s *Server) Register(e *echo.Echo) {
	e.GET("/health", s.health)
	e.POST("/api/auth/capture-face", s.captureFace)
	e.POST("/api/auth/register", s.register)
	e.POST("/api/auth/login", s.login)
	e.GET("/api/assistant/stream", s.assistantStream)
	e.GET("/api/cognition/stream", s.cognitionStream)
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "healthy"})
}

type captureRequest struct {
	ImageData string `json:"image_data"`
}

// captureFace derives a deterministic pseudo-embedding from the image bytes
// so the same face (image) always logs in as the same user.
func (s *Server) captureFace(c echo.Context) error {
	var req captureRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"detail": "invalid request format"})
	}
	image, err := base64.StdEncoding.DecodeString(req.ImageData)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"detail": "image decoding failed"})
	}
	if len(image) == 0 {
		return c.JSON(http.StatusOK, auth.CaptureResult{
			Success: false,
			Message: "No face detected in image",
		})
	}
	return c.JSON(http.StatusOK, auth.CaptureResult{
		Success:   true,
		Message:   "Face captured successfully",
		Embedding: pseudoEmbedding(image),
	})
}

type registerRequest struct {
	Username       string      `json:"username"`
	Fullname       string      `json:"fullname"`
	FaceEmbeddings [][]float64 `json:"face_embeddings"`
}

func (s *Server) register(c echo.Context) error {
	var req registerRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"detail": "invalid request format"})
	}
	req.Username = strings.TrimSpace(req.Username)
	req.Fullname = strings.TrimSpace(req.Fullname)
	if req.Username == "" || req.Fullname == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"detail": "Username and fullname are required"})
	}
	if len(req.FaceEmbeddings) == 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{"detail": "Face embeddings are required for registration"})
	}

	token, err := auth.GenerateToken(req.Username, req.Fullname, s.secret, 0)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"detail": "token generation failed"})
	}
	profile := auth.Profile{
		Username: req.Username,
		Fullname: req.Fullname,
		Initials: initials(req.Fullname),
		Token:    token,
	}

	s.mu.Lock()
	s.users[req.Username] = &user{
		profile:   profile,
		embedding: meanEmbedding(req.FaceEmbeddings),
	}
	s.mu.Unlock()

	s.logger.Info("user registered", zap.String("username", req.Username))
	return c.JSON(http.StatusOK, profile)
}

type loginRequest struct {
	FaceEmbeddings [][]float64 `json:"face_embeddings"`
}

func (s *Server) login(c echo.Context) error {
	var req loginRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"detail": "invalid request format"})
	}
	if len(req.FaceEmbeddings) == 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{"detail": "No face embeddings provided"})
	}
	probe := meanEmbedding(req.FaceEmbeddings)

	s.mu.Lock()
	var best *user
	bestScore := -1.0
	for _, u := range s.users {
		if score := cosineSimilarity(probe, u.embedding); score > bestScore {
			best, bestScore = u, score
		}
	}
	s.mu.Unlock()

	if best == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"detail": "No registered users found"})
	}
	if bestScore <= recognitionThreshold {
		return c.JSON(http.StatusUnauthorized, map[string]string{"detail": "Face not recognized"})
	}

	token, err := auth.GenerateToken(best.profile.Username, best.profile.Fullname, s.secret, 0)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"detail": "token generation failed"})
	}
	profile := best.profile
	profile.Token = token
	s.logger.Info("user logged in", zap.String("username", profile.Username), zap.Float64("score", bestScore))
	return c.JSON(http.StatusOK, profile)
}

// assistantStream is the audio session endpoint. It requires the identity
// message first, acks, then loops audio envelopes back as audio_reply
// frames. Codec work is out of scope here; the loopback exercises the wire
// format only.
func (s *Server) assistantStream(c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	conn.SetReadLimit(maxMessageSize)

	identity, ok := s.handshake(conn, "assistant")
	if !ok {
		return nil
	}
	sessionID := s.trackSession(identity.Username)
	defer s.dropSession(sessionID)

	for {
		var envelope protocol.Outbound
		if err := conn.ReadJSON(&envelope); err != nil {
			return nil
		}
		switch envelope.Type {
		case protocol.OutboundAudio:
			reply := protocol.AudioReply{
				Type:       "audio_reply",
				Data:       envelope.Data,
				SampleRate: 16000,
			}
			if err := s.writeJSON(conn, reply); err != nil {
				return nil
			}
		case protocol.OutboundVideo:
			s.logger.Debug("frame received",
				zap.String("session_id", sessionID),
				zap.Int("encoded_bytes", len(envelope.Data)))
		case protocol.OutboundClose:
			s.logger.Info("assistant session closed by client", zap.String("session_id", sessionID))
			return nil
		default:
			s.logger.Warn("unknown envelope type",
				zap.String("session_id", sessionID),
				zap.String("type", string(envelope.Type)))
		}
	}
}

// cognitionStream is the reasoning session endpoint. It acks the identity,
// then answers each transcription with synthetic reasoning_complete and
// memory_stored events.
func (s *Server) cognitionStream(c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	conn.SetReadLimit(maxMessageSize)

	identity, ok := s.handshake(conn, "cognition")
	if !ok {
		return nil
	}
	sessionID := s.trackSession(identity.Username)
	defer s.dropSession(sessionID)

	for {
		var event protocol.CognitionOutbound
		if err := conn.ReadJSON(&event); err != nil {
			return nil
		}
		switch event.Event {
		case protocol.EventTranscription:
			if err := s.writeJSON(conn, protocol.ReasoningComplete{
				Event:     string(protocol.EventReasoningComplete),
				Context:   "Considered: " + event.Text,
				Timestamp: float64(time.Now().UnixMilli()) / 1000,
			}); err != nil {
				return nil
			}
			if err := s.writeJSON(conn, protocol.MemoryStored{
				Event:   string(protocol.EventMemoryStored),
				Content: event.Text,
			}); err != nil {
				return nil
			}
		case protocol.EventUserAction:
			s.logger.Info("user action",
				zap.String("session_id", sessionID),
				zap.String("action", event.Action))
		case protocol.EventClose:
			s.logger.Info("cognition session closed by client", zap.String("session_id", sessionID))
			return nil
		}
	}
}

// handshake reads the mandatory identity-first message and acks it.
func (s *Server) handshake(conn *websocket.Conn, stream string) (protocol.Identity, bool) {
	var identity protocol.Identity
	if err := conn.ReadJSON(&identity); err != nil || identity.Username == "" {
		s.logger.Warn("handshake failed, no identity message", zap.String("stream", stream))
		return protocol.Identity{}, false
	}
	ack := protocol.ConnectedAck{
		Status:  "connected",
		Message: "Connected to " + stream + " stream",
	}
	if err := s.writeJSON(conn, ack); err != nil {
		return protocol.Identity{}, false
	}
	s.logger.Info("stream connected",
		zap.String("stream", stream),
		zap.String("username", identity.Username))
	return identity, true
}

func (s *Server) writeJSON(conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Server) trackSession(username string) string {
	id := uuid.New().String()
	s.mu.Lock()
	s.sessions[id] = username
	s.mu.Unlock()
	return id
}

func (s *Server) dropSession(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

// SessionCount reports the number of live stream sessions.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// pseudoEmbedding maps image bytes onto a unit vector. Deterministic, so
// registration and login with the same image agree.
func pseudoEmbedding(image []byte) []float64 {
	sum := sha256.Sum256(image)
	out := make([]float64, 8)
	var norm float64
	for i := range out {
		out[i] = float64(sum[i*4])/255 + 0.01
		norm += out[i] * out[i]
	}
	norm = math.Sqrt(norm)
	for i := range out {
		out[i] /= norm
	}
	return out
}

func meanEmbedding(embeddings [][]float64) []float64 {
	if len(embeddings) == 0 {
		return nil
	}
	out := make([]float64, len(embeddings[0]))
	for _, e := range embeddings {
		for i := range out {
			if i < len(e) {
				out[i] += e[i]
			}
		}
	}
	for i := range out {
		out[i] /= float64(len(embeddings))
	}
	return out
}

func cosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return -1
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return -1
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// initials derives the two-letter avatar initials from a full name.
func initials(name string) string {
	words := strings.Fields(name)
	switch {
	case len(words) >= 2:
		return strings.ToUpper(words[0][:1] + words[len(words)-1][:1])
	case len(words) == 1 && len(words[0]) >= 2:
		return strings.ToUpper(words[0][:2])
	case len(words) == 1:
		return strings.ToUpper(words[0])
	default:
		return "??"
	}
}

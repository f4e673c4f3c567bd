package devserver

import (
	"context"
	"encoding/base64"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/aibuddy/companion/internal/auth"
	"github.com/aibuddy/companion/internal/health"
	"github.com/aibuddy/companion/internal/protocol"
	"github.com/aibuddy/companion/internal/session"
)

func newTestBackend(t *testing.T) (*Server, string) {
	t.Helper()
	e := echo.New()
	s := New([]byte("dev-secret"), zap.NewNop())
	s.Register(e)
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	return s, srv.URL
}

func wsURL(base, path string) string {
	return "ws" + strings.TrimPrefix(base, "http") + path
}

func TestHealthEndpoint(t *testing.T) {
	_, base := newTestBackend(t)
	probe := health.NewProbe(base, time.Millisecond, zap.NewNop())
	if err := probe.Check(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestRegisterThenLoginSameFace(t *testing.T) {
	_, base := newTestBackend(t)
	client := auth.NewClient(base, zap.NewNop())
	ctx := context.Background()

	face := []byte("pretend this is a webcam still")
	capture, err := client.CaptureFace(ctx, face)
	if err != nil {
		t.Fatal(err)
	}
	if !capture.Success || len(capture.Embedding) == 0 {
		t.Fatalf("capture = %+v, want an embedding", capture)
	}

	registered, err := client.Register(ctx, "ada", "Ada Lovelace", [][]float64{capture.Embedding})
	if err != nil {
		t.Fatal(err)
	}
	if registered.Initials != "AL" {
		t.Errorf("initials = %q, want AL", registered.Initials)
	}
	if registered.Token == "" {
		t.Fatal("registration must mint a session token")
	}
	if _, err := auth.TokenExpiry(registered.Token); err != nil {
		t.Errorf("minted token has unreadable expiry: %v", err)
	}

	logged, err := client.Login(ctx, [][]float64{capture.Embedding})
	if err != nil {
		t.Fatal(err)
	}
	if logged.Username != "ada" {
		t.Errorf("login matched %q, want ada", logged.Username)
	}
}

func TestLoginRejectsUnknownFace(t *testing.T) {
	_, base := newTestBackend(t)
	client := auth.NewClient(base, zap.NewNop())
	ctx := context.Background()

	known, err := client.CaptureFace(ctx, []byte("face of ada"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := client.Register(ctx, "ada", "Ada Lovelace", [][]float64{known.Embedding}); err != nil {
		t.Fatal(err)
	}

	stranger, err := client.CaptureFace(ctx, []byte("a completely different face"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := client.Login(ctx, [][]float64{stranger.Embedding}); err == nil {
		t.Fatal("expected unknown face to be rejected")
	}
}

func TestAssistantStreamEchoesAudio(t *testing.T) {
	backend, base := newTestBackend(t)

	s, err := session.Connect(context.Background(), wsURL(base, "/api/assistant/stream"),
		protocol.Identity{Username: "ada"}, session.AudioDecoder, protocol.CloseEnvelope(), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close("test done")

	// Ack comes first.
	select {
	case msg := <-s.Inbound():
		ack, ok := msg.(protocol.ConnectedAck)
		if !ok || ack.Status != "connected" {
			t.Fatalf("first inbound = %#v, want connected ack", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no ack received")
	}

	pcm := []byte{1, 2, 3, 4}
	if err := s.Send(protocol.AudioEnvelope(pcm)); err != nil {
		t.Fatal(err)
	}

	select {
	case msg := <-s.Inbound():
		reply, ok := msg.(protocol.AudioReply)
		if !ok {
			t.Fatalf("inbound = %#v, want audio_reply", msg)
		}
		if reply.Data != base64.StdEncoding.EncodeToString(pcm) {
			t.Errorf("echoed data = %q", reply.Data)
		}
		if reply.SampleRate != 16000 {
			t.Errorf("sample rate = %d, want 16000", reply.SampleRate)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no audio_reply received")
	}

	if backend.SessionCount() != 1 {
		t.Errorf("session count = %d, want 1", backend.SessionCount())
	}
}

func TestCognitionStreamSynthesizesEvents(t *testing.T) {
	_, base := newTestBackend(t)

	s, err := session.Connect(context.Background(), wsURL(base, "/api/cognition/stream"),
		protocol.Identity{Username: "ada"}, session.CognitionDecoder, protocol.CognitionCloseEvent(), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close("test done")

	// Skip the ack.
	select {
	case <-s.Inbound():
	case <-time.After(2 * time.Second):
		t.Fatal("no ack received")
	}

	if err := s.Send(protocol.TranscriptionEvent("remember my birthday is in june")); err != nil {
		t.Fatal(err)
	}

	var sawReasoning, sawMemory bool
	deadline := time.After(2 * time.Second)
	for !(sawReasoning && sawMemory) {
		select {
		case msg := <-s.Inbound():
			switch m := msg.(type) {
			case protocol.ReasoningComplete:
				sawReasoning = true
			case protocol.MemoryStored:
				sawMemory = true
				if m.Content != "remember my birthday is in june" {
					t.Errorf("memory content = %q", m.Content)
				}
			}
		case <-deadline:
			t.Fatalf("missing events: reasoning=%v memory=%v", sawReasoning, sawMemory)
		}
	}
}

func TestStreamRequiresIdentityFirst(t *testing.T) {
	backend, base := newTestBackend(t)

	// An identity with no username is a failed handshake; the server hangs up
	// without an ack.
	s, err := session.Connect(context.Background(), wsURL(base, "/api/assistant/stream"),
		protocol.Identity{}, session.AudioDecoder, protocol.CloseEnvelope(), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close("test done")

	select {
	case msg, ok := <-s.Inbound():
		if ok {
			t.Fatalf("got %#v, want the stream to end unacknowledged", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server kept an unidentified stream open")
	}
	if backend.SessionCount() != 0 {
		t.Errorf("session count = %d, want 0", backend.SessionCount())
	}
}

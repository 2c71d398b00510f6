// Package wiretest provides an in-process protocol server for exercising
// the client against real WebSocket connections in tests. Tests script it
// frame by frame: accept a connection, read the client's request frames,
// and write back whatever progress, stream, plan, result, or error frames
// the scenario calls for.
package wiretest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/google/uuid"

	"github.com/schemawire/schemawire/api/task"
)

const ioTimeout = 5 * time.Second

// Server is a scriptable protocol server bound to an httptest listener.
type Server struct {
	HTTP  *httptest.Server
	conns chan *Conn
	greet bool
}

// Option configures a Server at construction.
type Option func(*Server)

// NoGreeting suppresses the connection frame normally sent right after
// accept, for scenarios where the client talks before the server
// introduces itself.
func NoGreeting() Option {
	return func(s *Server) { s.greet = false }
}

// Conn is the server side of one accepted WebSocket connection.
type Conn struct {
	ws *websocket.Conn
	// ClientID is the identifier this server assigned in its greeting.
	ClientID string
}

// New starts a protocol server mounted at /ws. Connections are greeted with
// a connection frame carrying a fresh client id, then handed to the test
// through Accept.
func New(t *testing.T, opts ...Option) *Server {
	t.Helper()
	s := &Server{conns: make(chan *Conn, 4), greet: true}
	for _, opt := range opts {
		opt(s)
	}
	r := chi.NewRouter()
	r.Use(cors.AllowAll().Handler)
	r.Get("/ws", func(w http.ResponseWriter, req *http.Request) {
		ws, err := websocket.Accept(w, req, nil)
		if err != nil {
			return
		}
		c := &Conn{ws: ws, ClientID: uuid.NewString()}
		if s.greet {
			c.writeFrame(task.Frame{
				Type:      task.TypeConnection,
				Timestamp: time.Now().UnixMilli(),
				Payload:   mustJSON(task.ConnectionPayload{ClientID: c.ClientID}),
			})
		}
		s.conns <- c
	})
	s.HTTP = httptest.NewServer(r)
	t.Cleanup(s.HTTP.Close)
	return s
}

// URL returns the ws:// endpoint clients should dial.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.HTTP.URL, "http") + "/ws"
}

// Accept waits for the next client connection.
func (s *Server) Accept(t *testing.T) *Conn {
	t.Helper()
	select {
	case c := <-s.conns:
		return c
	case <-time.After(ioTimeout):
		t.Fatalf("timeout waiting for client connection")
		return nil
	}
}

// AcceptNone asserts that no client connects within d.
func (s *Server) AcceptNone(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case <-s.conns:
		t.Fatalf("unexpected client connection")
	case <-time.After(d):
	}
}

// ReadFrame reads and decodes the next frame sent by the client.
func (c *Conn) ReadFrame(t *testing.T) task.Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), ioTimeout)
	defer cancel()
	_, data, err := c.ws.Read(ctx)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var f task.Frame
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	return f
}

// Send writes a frame of the given type and request id with the payload
// marshaled to JSON.
func (c *Conn) Send(t *testing.T, frameType, requestID string, payload any) {
	t.Helper()
	f, err := task.New(frameType, requestID, payload)
	if err != nil {
		t.Fatalf("build frame: %v", err)
	}
	if err := c.writeFrame(f); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

// SendRaw writes an arbitrary text message, for malformed-input scenarios.
func (c *Conn) SendRaw(t *testing.T, data string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), ioTimeout)
	defer cancel()
	if err := c.ws.Write(ctx, websocket.MessageText, []byte(data)); err != nil {
		t.Fatalf("write raw: %v", err)
	}
}

// Close drops the connection with the given status.
func (c *Conn) Close(code websocket.StatusCode, reason string) {
	_ = c.ws.Close(code, reason)
}

func (c *Conn) writeFrame(f task.Frame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), ioTimeout)
	defer cancel()
	return c.ws.Write(ctx, websocket.MessageText, b)
}

func mustJSON(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

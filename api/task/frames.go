// Package task defines the wire contract for the SchemaWire task protocol:
// one JSON Frame per WebSocket text message, in both directions. Frames
// carrying a request id belong to one in-flight request; frames without one
// describe the connection itself or are broadcast to all listeners.
package task

import (
	"encoding/json"
	"fmt"
	"time"
)

// Frame type values the client receives.
const (
	TypeConnection = "connection"
	TypeProgress   = "progress"
	TypeStream     = "stream"
	TypeResult     = "result"
	TypeError      = "error"
	TypePlan       = "plan"
)

// TypeCancel is sent by the client as a best-effort abort notice for a
// previously issued request. The server may ignore it; cancellation is
// always effective locally regardless.
const TypeCancel = "cancel"

// Frame is one protocol message. Request types sent by the client are
// caller-chosen task names (e.g. "executeTask", "generateSchema", "chat");
// the envelope itself is type-agnostic.
type Frame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// IsTerminal reports whether the frame ends its request's correlation entry.
func (f Frame) IsTerminal() bool {
	return f.Type == TypeResult || f.Type == TypeError
}

// New builds a frame of the given type for the given request id, stamped
// with the current wall clock. A nil payload produces a frame with no body.
func New(frameType, requestID string, payload any) (Frame, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Frame{}, fmt.Errorf("encode %s payload: %w", frameType, err)
		}
		raw = b
	}
	return Frame{
		Type:      frameType,
		RequestID: requestID,
		Timestamp: time.Now().UnixMilli(),
		Payload:   raw,
	}, nil
}

// ConnectionPayload is carried by the server's first frame after the socket
// opens and assigns this client an identifier for diagnostics.
type ConnectionPayload struct {
	ClientID string `json:"clientId"`
}

// ProgressUpdate reports coarse advancement of a running task. Progress is a
// hint from the server and is not guaranteed monotonic across frames;
// consumers must not regress a value they have already displayed.
type ProgressUpdate struct {
	Step       int             `json:"step"`
	TotalSteps int             `json:"totalSteps"`
	StepName   string          `json:"stepName"`
	Progress   int             `json:"progress"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// StreamChunk is one fragment of streamed text. Chunks must be concatenated
// in arrival order. IsComplete marks the end of the stream but is not itself
// terminal: a result or error frame still follows.
type StreamChunk struct {
	Chunk      string `json:"chunk"`
	IsComplete bool   `json:"isComplete"`
}

// ErrorPayload is the body of a terminal error frame.
type ErrorPayload struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e ErrorPayload) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// DecodeConnection parses a connection frame payload.
func DecodeConnection(f Frame) (ConnectionPayload, error) {
	var p ConnectionPayload
	err := json.Unmarshal(f.Payload, &p)
	return p, err
}

// DecodeProgress parses a progress frame payload.
func DecodeProgress(f Frame) (ProgressUpdate, error) {
	var p ProgressUpdate
	err := json.Unmarshal(f.Payload, &p)
	return p, err
}

// DecodeStream parses a stream frame payload.
func DecodeStream(f Frame) (StreamChunk, error) {
	var p StreamChunk
	err := json.Unmarshal(f.Payload, &p)
	return p, err
}

// DecodeError parses an error frame payload. A bare string payload is
// accepted as the message for servers that do not wrap errors in an object.
func DecodeError(f Frame) (ErrorPayload, error) {
	var p ErrorPayload
	if err := json.Unmarshal(f.Payload, &p); err == nil && p.Message != "" {
		return p, nil
	}
	var s string
	if err := json.Unmarshal(f.Payload, &s); err != nil {
		return ErrorPayload{}, err
	}
	return ErrorPayload{Message: s}, nil
}

// DecodePlan parses a plan frame payload.
func DecodePlan(f Frame) (Plan, error) {
	var p Plan
	err := json.Unmarshal(f.Payload, &p)
	return p, err
}

// Package transport moves request/response frames between nodes. A QUIC
// implementation serves real clusters; Loopback wires nodes of one process
// together.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/i5heu/ouroboros-ec/pkg/model"
)

// MessageType selects the handler of a request.
type MessageType uint8

const (
	MessageTypeSendPiece MessageType = iota + 1
	MessageTypeRequestPiece
	MessageTypeRequestAnyPieces
	MessageTypePieceExists
	MessageTypeRequestCapacity
	MessageTypePing1
	MessageTypePing2
	MessageTypeRaft
)

var messageTypeNames = map[MessageType]string{
	MessageTypeSendPiece:        "SendPiece",
	MessageTypeRequestPiece:     "RequestPiece",
	MessageTypeRequestAnyPieces: "RequestAnyPieces",
	MessageTypePieceExists:      "PieceExists",
	MessageTypeRequestCapacity:  "RequestCapacity",
	MessageTypePing1:            "Ping1",
	MessageTypePing2:            "Ping2",
	MessageTypeRaft:             "Raft",
}

func (t MessageType) String() string {
	if name, ok := messageTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("MessageType(%d)", uint8(t))
}

// ErrUnreachable is returned when the destination cannot be contacted.
var ErrUnreachable = errors.New("transport: node unreachable")

// ErrNoHandler is returned for requests nobody registered a handler for.
var ErrNoHandler = errors.New("transport: no handler")

// RemoteError carries an error message produced by the remote handler.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return "remote: " + e.Message
}

// Handler serves one request type.
type Handler func(ctx context.Context, payload []byte) ([]byte, error)

// Caller sends one request and waits for its response.
type Caller interface {
	Call(ctx context.Context, to model.Address, t MessageType, payload []byte) ([]byte, error)
}

// Mux routes requests to handlers by message type.
type Mux struct {
	mu       sync.RWMutex
	handlers map[MessageType]Handler
}

func NewMux() *Mux {
	return &Mux{handlers: make(map[MessageType]Handler)}
}

// Handle registers h for t, replacing any previous handler.
func (m *Mux) Handle(t MessageType, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[t] = h
}

// Dispatch runs the handler for t.
func (m *Mux) Dispatch(ctx context.Context, t MessageType, payload []byte) ([]byte, error) {
	m.mu.RLock()
	h, ok := m.handlers[t]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w for %s", ErrNoHandler, t)
	}
	return h(ctx, payload)
}

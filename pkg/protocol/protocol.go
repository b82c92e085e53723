// Package protocol defines the codec contract shared by every
// tracker protocol: frame variants, the decode/ack/command interface
// and the codec registry the gateway dispatches on.
package protocol

import (
	"errors"
	"fmt"

	"github.com/navitrack/fleetcore/pkg/model"
)

// FrameType tags a decoded frame.
type FrameType int

const (
	FrameLogin FrameType = iota
	FramePosition
	FrameHeartbeat
	FrameCommandAck
	FrameError
)

func (t FrameType) String() string {
	switch t {
	case FrameLogin:
		return "login"
	case FramePosition:
		return "position"
	case FrameHeartbeat:
		return "heartbeat"
	case FrameCommandAck:
		return "command_ack"
	case FrameError:
		return "error"
	}
	return "unknown"
}

// Frame is one decoded protocol unit. Fields are populated according
// to Type; Raw keeps the framed bytes for ack construction.
type Frame struct {
	Type       FrameType
	Identifier string          // FrameLogin
	Position   *model.Position // FramePosition (DeviceID unset until login resolution)
	CommandKey string          // FrameCommandAck correlation key, empty when unkeyed
	Status     string          // FrameCommandAck
	Response   string          // FrameCommandAck
	Reason     string          // FrameError
	Serial     uint16          // protocol sequence number where present
	Records    int             // record count for batched frames (Teltonika)
	Raw        []byte
}

// Session is the per-connection decode context. The gateway owns it;
// codecs read and update protocol-specific fields across frames.
type Session struct {
	Protocol      string
	Identifier    string
	DeviceID      int64
	Authenticated bool
	// LastSerial is the most recent device serial, echoed in acks.
	LastSerial uint16
	// Vars carries codec-private state (e.g. negotiated codec variant).
	Vars map[string]interface{}
}

// NewSession returns an empty session context for one connection.
func NewSession(protocolName string) *Session {
	return &Session{Protocol: protocolName, Vars: make(map[string]interface{})}
}

// MaxBufferSize caps accumulated unframed bytes per connection.
// Exceeding it closes the connection.
const MaxBufferSize = 64 * 1024

// Codec is a protocol-specific decoder plus ack/command encoder. A
// codec is stateless across connections; per-connection state lives
// in the Session.
type Codec interface {
	// Protocol returns the protocol name this codec handles.
	Protocol() string

	// Decode consumes recognized bytes from buf and returns the
	// decoded frames. A partial frame yields zero frames and zero
	// consumption; the gateway re-calls with more bytes appended.
	Decode(buf []byte, s *Session) (frames []Frame, consumed int, err error)

	// EncodeAck builds the protocol-specific acknowledgement for a
	// decoded frame, or nil when the protocol needs none. accept is
	// false only for rejected logins.
	EncodeAck(f Frame, s *Session, accept bool) []byte

	// SupportsCommands reports whether downstream commands exist for
	// this protocol.
	SupportsCommands() bool

	// EncodeCommand builds the wire bytes for a queued command and
	// returns an optional correlation key for ack matching.
	EncodeCommand(cmd *model.Command, s *Session) (data []byte, key string, err error)
}

// Codec errors.
var (
	ErrUnsupportedCommand = errors.New("protocol does not support commands")
	ErrBadFrame           = errors.New("malformed frame")
)

// DecodeError carries the protocol and reason of an unrecoverable
// decode failure.
type DecodeError struct {
	Protocol string
	Reason   string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s: %s", e.Protocol, e.Reason)
}

// Registry maps protocol names to codecs.
type Registry struct {
	codecs map[string]Codec
}

// NewRegistry creates an empty codec registry.
func NewRegistry() *Registry {
	return &Registry{codecs: make(map[string]Codec)}
}

// Register registers a codec under its protocol name.
func (r *Registry) Register(c Codec) {
	r.codecs[c.Protocol()] = c
}

// Get returns the codec for a protocol name.
func (r *Registry) Get(name string) (Codec, bool) {
	c, ok := r.codecs[name]
	return c, ok
}

// Protocols returns the registered protocol names.
func (r *Registry) Protocols() []string {
	names := make([]string, 0, len(r.codecs))
	for name := range r.codecs {
		names = append(names, name)
	}
	return names
}

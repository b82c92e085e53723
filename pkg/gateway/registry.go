package gateway

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/navitrack/fleetcore/pkg/protocol"
)

// SessionHandle is one live transport binding for a device. Writes
// are serialised by the handle's lock; closing is idempotent.
type SessionHandle struct {
	DeviceID   int64
	Identifier string
	Proto      *protocol.Session

	writeMu sync.Mutex
	writer  io.Writer
	closer  func() error

	activeMu sync.Mutex
	lastSeen time.Time

	closeOnce sync.Once
}

// Write sends bytes to the device, serialised per session.
func (h *SessionHandle) Write(data []byte) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	_, err := h.writer.Write(data)
	return err
}

// Close tears down the transport once.
func (h *SessionHandle) Close() error {
	var err error
	h.closeOnce.Do(func() {
		if h.closer != nil {
			err = h.closer()
		}
	})
	return err
}

// Session exposes the protocol session context for command encoding.
func (h *SessionHandle) Session() *protocol.Session {
	return h.Proto
}

// Touch refreshes the idle clock, used by UDP eviction.
func (h *SessionHandle) Touch() {
	h.activeMu.Lock()
	h.lastSeen = time.Now()
	h.activeMu.Unlock()
}

func (h *SessionHandle) idleSince() time.Time {
	h.activeMu.Lock()
	defer h.activeMu.Unlock()
	return h.lastSeen
}

// udpWriter adapts a PacketConn plus remote address to io.Writer.
type udpWriter struct {
	conn net.PacketConn
	addr net.Addr
}

func (w *udpWriter) Write(data []byte) (int, error) {
	return w.conn.WriteTo(data, w.addr)
}

// Registry maps device ids to their single live session. Insertion
// for a device atomically evicts and closes any previous session.
type Registry struct {
	mu       sync.RWMutex
	sessions map[int64]*SessionHandle

	connectMu sync.RWMutex
	onConnect []func(deviceID int64)
}

// NewRegistry creates an empty session registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[int64]*SessionHandle)}
}

// OnConnect registers a callback invoked after each session insert.
// The command dispatcher watches the registry through this hook.
func (r *Registry) OnConnect(fn func(deviceID int64)) {
	r.connectMu.Lock()
	r.onConnect = append(r.onConnect, fn)
	r.connectMu.Unlock()
}

// Insert registers a session, closing any previous one for the same
// device, and fires the connect hooks.
func (r *Registry) Insert(h *SessionHandle) {
	r.mu.Lock()
	old := r.sessions[h.DeviceID]
	r.sessions[h.DeviceID] = h
	r.mu.Unlock()

	if old != nil && old != h {
		old.Close()
	}

	r.connectMu.RLock()
	hooks := r.onConnect
	r.connectMu.RUnlock()
	for _, fn := range hooks {
		fn(h.DeviceID)
	}
}

// Remove unregisters a session if it is still the current one.
func (r *Registry) Remove(h *SessionHandle) {
	r.mu.Lock()
	if current, ok := r.sessions[h.DeviceID]; ok && current == h {
		delete(r.sessions, h.DeviceID)
	}
	r.mu.Unlock()
}

// Get returns the live session for a device.
func (r *Registry) Get(deviceID int64) (*SessionHandle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.sessions[deviceID]
	return h, ok
}

// Evict closes and removes a device's session, used on device delete.
func (r *Registry) Evict(deviceID int64) {
	r.mu.Lock()
	h := r.sessions[deviceID]
	delete(r.sessions, deviceID)
	r.mu.Unlock()
	if h != nil {
		h.Close()
	}
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// evictIdle closes sessions idle past the cutoff. Only connectionless
// (UDP) sessions rely on this; TCP sessions are removed on close.
func (r *Registry) evictIdle(idleFor time.Duration) {
	cutoff := time.Now().Add(-idleFor)
	r.mu.Lock()
	var stale []*SessionHandle
	for id, h := range r.sessions {
		if !h.idleSince().IsZero() && h.idleSince().Before(cutoff) {
			stale = append(stale, h)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()
	for _, h := range stale {
		h.Close()
	}
}

// Package gateway accepts tracker connections, feeds bytes through
// the bound protocol codec and routes decoded frames into the
// position pipeline and command dispatcher. One listener binds one
// protocol to one port; TCP connections get a goroutine each, UDP
// datagrams a bounded worker pool.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/navitrack/fleetcore/internal/logger"
	"github.com/navitrack/fleetcore/pkg/config"
	"github.com/navitrack/fleetcore/pkg/metrics"
	"github.com/navitrack/fleetcore/pkg/model"
	"github.com/navitrack/fleetcore/pkg/pipeline"
	"github.com/navitrack/fleetcore/pkg/protocol"
	"github.com/navitrack/fleetcore/pkg/storage"
)

// readTimeout bounds a silent TCP connection.
const readTimeout = 10 * time.Minute

// udpIdleTimeout evicts connectionless sessions.
const udpIdleTimeout = 5 * time.Minute

// udpWorkers bounds concurrent datagram processing per listener.
const udpWorkers = 8

// DeviceResolver authenticates devices by (identifier, protocol).
type DeviceResolver interface {
	DeviceByIdentifier(ctx context.Context, identifier, protocolName string) (*model.Device, error)
}

// AckHandler receives decoded command acknowledgements.
type AckHandler interface {
	HandleAck(ctx context.Context, deviceID int64, key, status, response string)
}

// Gateway owns the listeners and the session registry.
type Gateway struct {
	bind      string
	listeners []config.ListenerConfig
	codecs    *protocol.Registry
	resolver  DeviceResolver
	pipe      *pipeline.Pipeline
	acks      AckHandler
	registry  *Registry
	log       *logger.Logger
	metrics   *metrics.Metrics

	mu        sync.Mutex
	tcpLs     []net.Listener
	udpConns  []net.PacketConn
	udpTables []*udpSessionTable
	wg        sync.WaitGroup
	cancelled bool
}

// New creates a gateway.
func New(bind string, listeners []config.ListenerConfig, codecs *protocol.Registry,
	resolver DeviceResolver, pipe *pipeline.Pipeline, acks AckHandler,
	registry *Registry, log *logger.Logger, m *metrics.Metrics) *Gateway {
	return &Gateway{
		bind:      bind,
		listeners: listeners,
		codecs:    codecs,
		resolver:  resolver,
		pipe:      pipe,
		acks:      acks,
		registry:  registry,
		log:       log.WithComponent("gateway"),
		metrics:   m,
	}
}

// Registry exposes the session registry.
func (g *Gateway) Registry() *Registry { return g.registry }

// Start opens every configured listener and returns; serving happens
// on background goroutines until Stop.
func (g *Gateway) Start(ctx context.Context) error {
	for _, lc := range g.listeners {
		codec, ok := g.codecs.Get(lc.Protocol)
		if !ok {
			return fmt.Errorf("no codec registered for protocol %q", lc.Protocol)
		}
		addr := fmt.Sprintf("%s:%d", g.bind, lc.Port)

		switch lc.Transport {
		case "tcp":
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("listen %s (%s): %w", addr, lc.Protocol, err)
			}
			g.mu.Lock()
			g.tcpLs = append(g.tcpLs, ln)
			g.mu.Unlock()
			g.wg.Add(1)
			go g.acceptLoop(ctx, ln, codec)

		case "udp":
			conn, err := net.ListenPacket("udp", addr)
			if err != nil {
				return fmt.Errorf("listen %s (%s udp): %w", addr, lc.Protocol, err)
			}
			g.mu.Lock()
			g.udpConns = append(g.udpConns, conn)
			g.mu.Unlock()
			g.wg.Add(1)
			go g.datagramLoop(ctx, conn, codec)

		default:
			return fmt.Errorf("listener %s: unknown transport %q", lc.Protocol, lc.Transport)
		}
		g.log.Info("listener started",
			"protocol", lc.Protocol, "transport", lc.Transport, "port", lc.Port)
	}

	g.wg.Add(1)
	go g.idleEvictLoop(ctx)
	return nil
}

// Stop closes listeners, waits for in-flight handlers and tears down
// every session.
func (g *Gateway) Stop() {
	g.mu.Lock()
	g.cancelled = true
	for _, ln := range g.tcpLs {
		ln.Close()
	}
	for _, conn := range g.udpConns {
		conn.Close()
	}
	g.mu.Unlock()

	g.registry.mu.Lock()
	handles := make([]*SessionHandle, 0, len(g.registry.sessions))
	for _, h := range g.registry.sessions {
		handles = append(handles, h)
	}
	g.registry.mu.Unlock()
	for _, h := range handles {
		h.Close()
	}
	g.wg.Wait()
}

func (g *Gateway) acceptLoop(ctx context.Context, ln net.Listener, codec protocol.Codec) {
	defer g.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			g.mu.Lock()
			done := g.cancelled
			g.mu.Unlock()
			if done || ctx.Err() != nil {
				return
			}
			g.log.Warn("accept failed", "protocol", codec.Protocol(), "error", err)
			continue
		}
		g.wg.Add(1)
		go g.serveTCP(ctx, conn, codec)
	}
}

// serveTCP runs one connection: accumulate, decode, handle, repeat.
func (g *Gateway) serveTCP(ctx context.Context, conn net.Conn, codec protocol.Codec) {
	defer g.wg.Done()
	defer conn.Close()

	session := protocol.NewSession(codec.Protocol())
	handle := &SessionHandle{Proto: session, writer: conn, closer: conn.Close}
	defer func() {
		if session.Authenticated {
			g.registry.Remove(handle)
			g.metrics.LiveSessions.Set(float64(g.registry.Count()))
		}
	}()

	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	for {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		n, err := conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			keep, ok := g.drain(ctx, buf, codec, session, handle)
			if !ok {
				return
			}
			buf = keep
			if len(buf) > protocol.MaxBufferSize {
				g.log.Warn("connection buffer overflow",
					"protocol", codec.Protocol(), "remote", conn.RemoteAddr().String())
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// drain decodes and handles everything frameable in buf, returning
// the residue. ok=false closes the connection.
func (g *Gateway) drain(ctx context.Context, buf []byte, codec protocol.Codec,
	session *protocol.Session, handle *SessionHandle) ([]byte, bool) {

	for {
		frames, consumed, err := codec.Decode(buf, session)
		if err != nil {
			g.log.Warn("unrecoverable decode failure",
				"protocol", codec.Protocol(), "error", err)
			return nil, false
		}
		for _, f := range frames {
			if !g.handleFrame(ctx, f, codec, session, handle) {
				return nil, false
			}
		}
		if consumed == 0 {
			return buf, true
		}
		buf = buf[consumed:]
		if len(buf) == 0 {
			return buf, true
		}
	}
}

// handleFrame routes one decoded frame. ok=false closes the
// connection.
func (g *Gateway) handleFrame(ctx context.Context, f protocol.Frame, codec protocol.Codec,
	session *protocol.Session, handle *SessionHandle) bool {

	g.metrics.FramesDecoded.WithLabelValues(codec.Protocol(), f.Type.String()).Inc()

	switch f.Type {
	case protocol.FrameLogin:
		return g.handleLogin(ctx, f, codec, session, handle)

	case protocol.FramePosition:
		if !session.Authenticated {
			if f.Identifier == "" {
				g.log.Warn("position before login", "protocol", codec.Protocol())
				return false
			}
			login := protocol.Frame{Type: protocol.FrameLogin, Identifier: f.Identifier, Serial: f.Serial}
			if !g.handleLogin(ctx, login, codec, session, handle) {
				return false
			}
		}
		pos := f.Position
		if err := g.pipe.Process(ctx, g.mustDevice(ctx, session), pos); err != nil {
			if !errors.Is(err, pipeline.ErrDuplicate) && !errors.Is(err, pipeline.ErrClockDrift) {
				g.log.Error("pipeline failure", err, "device_id", session.DeviceID)
			}
		}
		g.writeAck(codec.EncodeAck(f, session, true), handle)
		return true

	case protocol.FrameHeartbeat:
		if !session.Authenticated && f.Identifier != "" {
			login := protocol.Frame{Type: protocol.FrameLogin, Identifier: f.Identifier, Serial: f.Serial}
			if !g.handleLogin(ctx, login, codec, session, handle) {
				return false
			}
		}
		if session.Authenticated {
			g.pipe.Touch(session.DeviceID)
		}
		g.writeAck(codec.EncodeAck(f, session, true), handle)
		return true

	case protocol.FrameCommandAck:
		if session.Authenticated {
			g.acks.HandleAck(ctx, session.DeviceID, f.CommandKey, f.Status, f.Response)
		}
		return true

	case protocol.FrameError:
		g.metrics.FramesRejected.WithLabelValues(codec.Protocol()).Inc()
		g.log.Warn("frame error", "protocol", codec.Protocol(), "reason", f.Reason)
		return true
	}
	return true
}

// handleLogin authenticates (identifier, protocol) and installs the
// session, evicting any previous one for the device.
func (g *Gateway) handleLogin(ctx context.Context, f protocol.Frame, codec protocol.Codec,
	session *protocol.Session, handle *SessionHandle) bool {

	device, err := g.resolver.DeviceByIdentifier(ctx, f.Identifier, codec.Protocol())
	if err != nil || !device.Active {
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			g.log.Error("device lookup failed", err, "identifier", f.Identifier)
		} else {
			g.log.Warn("login rejected",
				"protocol", codec.Protocol(), "identifier", f.Identifier)
		}
		g.writeAck(codec.EncodeAck(f, session, false), handle)
		return false
	}

	session.Authenticated = true
	session.Identifier = f.Identifier
	session.DeviceID = device.ID

	handle.DeviceID = device.ID
	handle.Identifier = f.Identifier
	g.registry.Insert(handle)
	g.metrics.LiveSessions.Set(float64(g.registry.Count()))

	g.pipe.Touch(device.ID)
	g.writeAck(codec.EncodeAck(f, session, true), handle)
	g.log.Info("device session opened",
		"protocol", codec.Protocol(), "device_id", device.ID, "identifier", f.Identifier)
	return true
}

// mustDevice returns a lightweight device record for the pipeline.
// The session is authenticated, so the lookup only fails on storage
// outage; the pipeline treats that as retryable.
func (g *Gateway) mustDevice(ctx context.Context, session *protocol.Session) *model.Device {
	device, err := g.resolver.DeviceByIdentifier(ctx, session.Identifier, session.Protocol)
	if err != nil {
		return &model.Device{
			ID:         session.DeviceID,
			Identifier: session.Identifier,
			Protocol:   session.Protocol,
			Active:     true,
			Config:     map[string]string{},
		}
	}
	return device
}

func (g *Gateway) writeAck(ack []byte, handle *SessionHandle) {
	if len(ack) == 0 {
		return
	}
	if err := handle.Write(ack); err != nil {
		g.log.Warn("ack write failed", "error", err)
	}
}

// datagramLoop reads UDP datagrams and hands them to a bounded worker
// pool. Each datagram is a complete frame; the per-address session
// context carries identity between datagrams. The address table is
// swept by idleEvictLoop so unauthenticated scan traffic cannot grow
// it without bound.
func (g *Gateway) datagramLoop(ctx context.Context, conn net.PacketConn, codec protocol.Codec) {
	defer g.wg.Done()

	type datagram struct {
		data []byte
		addr net.Addr
	}
	work := make(chan datagram, udpWorkers*2)
	var workers sync.WaitGroup

	sessions := newUDPSessionTable()
	g.mu.Lock()
	g.udpTables = append(g.udpTables, sessions)
	g.mu.Unlock()

	for i := 0; i < udpWorkers; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			for d := range work {
				us := sessions.get(d.addr, conn, codec.Protocol())

				us.mu.Lock()
				us.handle.Touch()
				frames, _, err := codec.Decode(d.data, us.session)
				if err == nil {
					for _, f := range frames {
						if !g.handleFrame(ctx, f, codec, us.session, us.handle) {
							break
						}
					}
				}
				us.mu.Unlock()
			}
		}()
	}

	buf := make([]byte, 65536)
	var lastDropLog time.Time
	for {
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			close(work)
			workers.Wait()
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		select {
		case work <- datagram{data: data, addr: addr}:
		default:
			// Pool saturated; dropping is cheaper than unbounded
			// queueing for connectionless traffic.
			g.metrics.FramesRejected.WithLabelValues(codec.Protocol()).Inc()
			if time.Since(lastDropLog) > time.Minute {
				lastDropLog = time.Now()
				g.log.Warn("udp worker pool saturated, shedding datagrams",
					"protocol", codec.Protocol())
			}
		}
	}
}

// udpSession serialises datagram handling per remote address.
type udpSession struct {
	mu      sync.Mutex
	session *protocol.Session
	handle  *SessionHandle
}

// udpSessionTable maps remote addresses to their session context. One
// table exists per UDP listener; idle entries are swept periodically.
type udpSessionTable struct {
	mu     sync.Mutex
	byAddr map[string]*udpSession
}

func newUDPSessionTable() *udpSessionTable {
	return &udpSessionTable{byAddr: make(map[string]*udpSession)}
}

// get returns the session for an address, creating it on first use.
func (t *udpSessionTable) get(addr net.Addr, conn net.PacketConn, protocolName string) *udpSession {
	t.mu.Lock()
	defer t.mu.Unlock()
	us, ok := t.byAddr[addr.String()]
	if !ok {
		us = &udpSession{
			session: protocol.NewSession(protocolName),
			handle:  &SessionHandle{writer: &udpWriter{conn: conn, addr: addr}},
		}
		us.handle.Proto = us.session
		// Stamp the idle clock before publishing so a sweep between
		// creation and the first decode cannot evict a live entry.
		us.handle.Touch()
		t.byAddr[addr.String()] = us
	}
	return us
}

// evictIdle drops entries whose last datagram predates the cutoff and
// returns how many were removed. Every entry is Touch()ed on arrival,
// so unauthenticated sources age out the same way as devices.
func (t *udpSessionTable) evictIdle(idleFor time.Duration) int {
	cutoff := time.Now().Add(-idleFor)
	t.mu.Lock()
	defer t.mu.Unlock()
	evicted := 0
	for key, us := range t.byAddr {
		if us.handle.idleSince().Before(cutoff) {
			delete(t.byAddr, key)
			evicted++
		}
	}
	return evicted
}

func (g *Gateway) idleEvictLoop(ctx context.Context) {
	defer g.wg.Done()
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.registry.evictIdle(udpIdleTimeout)
			g.mu.Lock()
			tables := g.udpTables
			g.mu.Unlock()
			for _, t := range tables {
				t.evictIdle(udpIdleTimeout)
			}
			g.metrics.LiveSessions.Set(float64(g.registry.Count()))
		}
	}
}

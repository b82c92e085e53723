// Package commands dispatches queued device commands: send on next
// contact, one in flight per device, retry on ack timeout, terminal
// states acknowledged and failed.
package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/navitrack/fleetcore/internal/logger"
	"github.com/navitrack/fleetcore/pkg/metrics"
	"github.com/navitrack/fleetcore/pkg/model"
	"github.com/navitrack/fleetcore/pkg/protocol"
	"github.com/navitrack/fleetcore/pkg/storage"
)

// Store is the persistence surface the dispatcher consumes.
type Store interface {
	EnqueueCommand(ctx context.Context, c *model.Command) (int64, error)
	NextPendingCommand(ctx context.Context, deviceID int64) (*model.Command, error)
	HasSentCommand(ctx context.Context, deviceID int64) (bool, error)
	MarkCommandSent(ctx context.Context, id int64, key string, at time.Time) error
	AckCommand(ctx context.Context, deviceID int64, key, response string, at time.Time) (*model.Command, error)
	RequeueCommand(ctx context.Context, id int64) error
	FailCommand(ctx context.Context, id int64, reason string) error
	FailPendingForDevice(ctx context.Context, deviceID int64, reason string) error
	SentCommandsBefore(ctx context.Context, cutoff time.Time) ([]*model.Command, error)
	DeviceByID(ctx context.Context, id int64) (*model.Device, error)
}

// Sessions is the view of the gateway session registry the dispatcher
// watches.
type Sessions interface {
	Get(deviceID int64) (handle SessionWriter, ok bool)
}

// SessionWriter is the per-device write handle.
type SessionWriter interface {
	Write(data []byte) error
	Session() *protocol.Session
}

// Preview is the hex and printable rendering of an encoded command.
type Preview struct {
	Hex   string `json:"hex"`
	ASCII string `json:"ascii"`
}

// Dispatcher drives the command queue.
type Dispatcher struct {
	store      Store
	sessions   Sessions
	codecs     *protocol.Registry
	ackTimeout time.Duration
	defRetries int
	log        *logger.Logger
	metrics    *metrics.Metrics

	pump chan int64
}

// New creates a dispatcher.
func New(store Store, sessions Sessions, codecs *protocol.Registry,
	ackTimeout time.Duration, defaultRetries int,
	log *logger.Logger, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		store:      store,
		sessions:   sessions,
		codecs:     codecs,
		ackTimeout: ackTimeout,
		defRetries: defaultRetries,
		log:        log.WithComponent("commands"),
		metrics:    m,
		pump:       make(chan int64, 256),
	}
}

// Enqueue validates protocol support and stores a pending command.
func (d *Dispatcher) Enqueue(ctx context.Context, cmd *model.Command) error {
	device, err := d.store.DeviceByID(ctx, cmd.DeviceID)
	if err != nil {
		return fmt.Errorf("resolve device: %w", err)
	}
	codec, ok := d.codecs.Get(device.Protocol)
	if !ok || !codec.SupportsCommands() {
		return protocol.ErrUnsupportedCommand
	}
	if cmd.Retries == 0 {
		cmd.Retries = d.defRetries
	}
	if _, err := d.store.EnqueueCommand(ctx, cmd); err != nil {
		return err
	}
	d.metrics.CommandsByState.WithLabelValues("pending").Inc()
	d.Kick(cmd.DeviceID)
	return nil
}

// Kick schedules a queue pump for a device; the gateway's connect
// hook and the ack path both land here.
func (d *Dispatcher) Kick(deviceID int64) {
	select {
	case d.pump <- deviceID:
	default:
		// A saturated pump just means the device is already queued
		// for service.
	}
}

// HandleAck implements the gateway's ack sink: match the sent command
// and pump the next one.
func (d *Dispatcher) HandleAck(ctx context.Context, deviceID int64, key, status, response string) {
	cmd, err := d.store.AckCommand(ctx, deviceID, key, response, time.Now().UTC())
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			d.log.Error("ack match failed", err, "device_id", deviceID, "key", key)
		}
		return
	}
	d.metrics.CommandsByState.WithLabelValues("acknowledged").Inc()
	d.log.Info("command acknowledged",
		"device_id", deviceID, "command_id", cmd.ID, "status", status)
	d.Kick(deviceID)
}

// DrainDevice fails every non-terminal command of a deleted device.
func (d *Dispatcher) DrainDevice(ctx context.Context, deviceID int64) error {
	return d.store.FailPendingForDevice(ctx, deviceID, "device deleted")
}

// PreviewCommand encodes without dispatching, for the UI.
func (d *Dispatcher) PreviewCommand(ctx context.Context, cmd *model.Command) (*Preview, error) {
	device, err := d.store.DeviceByID(ctx, cmd.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("resolve device: %w", err)
	}
	codec, ok := d.codecs.Get(device.Protocol)
	if !ok || !codec.SupportsCommands() {
		return nil, protocol.ErrUnsupportedCommand
	}
	session := protocol.NewSession(device.Protocol)
	session.Identifier = device.Identifier
	data, _, err := codec.EncodeCommand(cmd, session)
	if err != nil {
		return nil, err
	}
	return &Preview{Hex: fmt.Sprintf("%x", data), ASCII: printable(data)}, nil
}

// Run services pump requests and the ack-timeout sweep until the
// context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.ackTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case deviceID := <-d.pump:
			d.service(ctx, deviceID)
		case <-ticker.C:
			d.sweepTimeouts(ctx)
		}
	}
}

// service sends the device's oldest pending command if a session is
// live and nothing is in flight.
func (d *Dispatcher) service(ctx context.Context, deviceID int64) {
	handle, ok := d.sessions.Get(deviceID)
	if !ok {
		return
	}
	inFlight, err := d.store.HasSentCommand(ctx, deviceID)
	if err != nil {
		d.log.Error("in-flight check failed", err, "device_id", deviceID)
		return
	}
	if inFlight {
		return
	}
	cmd, err := d.store.NextPendingCommand(ctx, deviceID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			d.log.Error("queue read failed", err, "device_id", deviceID)
		}
		return
	}

	session := handle.Session()
	codec, ok := d.codecs.Get(session.Protocol)
	if !ok {
		return
	}
	data, key, err := codec.EncodeCommand(cmd, session)
	if err != nil {
		d.log.Error("command encode failed", err, "command_id", cmd.ID)
		if err := d.store.FailCommand(ctx, cmd.ID, "encode failed"); err == nil {
			d.metrics.CommandsByState.WithLabelValues("failed").Inc()
		}
		return
	}
	if err := handle.Write(data); err != nil {
		d.log.Warn("command write failed", "command_id", cmd.ID, "error", err)
		return // still pending; retried on next contact
	}
	if err := d.store.MarkCommandSent(ctx, cmd.ID, key, time.Now().UTC()); err != nil {
		d.log.Error("sent transition failed", err, "command_id", cmd.ID)
		return
	}
	d.metrics.CommandsByState.WithLabelValues("sent").Inc()
	d.log.Info("command sent", "device_id", deviceID, "command_id", cmd.ID, "key", key)
}

// sweepTimeouts requeues or fails sent commands whose ack never came.
func (d *Dispatcher) sweepTimeouts(ctx context.Context) {
	stale, err := d.store.SentCommandsBefore(ctx, time.Now().UTC().Add(-d.ackTimeout))
	if err != nil {
		d.log.Error("timeout sweep failed", err)
		return
	}
	for _, cmd := range stale {
		if cmd.Retries > 0 {
			if err := d.store.RequeueCommand(ctx, cmd.ID); err != nil {
				if !errors.Is(err, storage.ErrNotFound) {
					d.log.Error("requeue failed", err, "command_id", cmd.ID)
				}
				continue
			}
			d.metrics.CommandsByState.WithLabelValues("pending").Inc()
			d.log.Info("command requeued after ack timeout",
				"command_id", cmd.ID, "retries_left", cmd.Retries-1)
			d.Kick(cmd.DeviceID)
			continue
		}
		if err := d.store.FailCommand(ctx, cmd.ID, "ack timeout"); err != nil {
			d.log.Error("fail transition failed", err, "command_id", cmd.ID)
			continue
		}
		d.metrics.CommandsByState.WithLabelValues("failed").Inc()
		d.log.Info("command failed after retries", "command_id", cmd.ID)
	}
}

func printable(data []byte) string {
	var b strings.Builder
	for _, ch := range data {
		if ch >= 0x20 && ch < 0x7F {
			b.WriteByte(ch)
		} else {
			b.WriteByte('.')
		}
	}
	return b.String()
}

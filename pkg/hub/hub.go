// Package hub fans out position updates and alerts to connected
// dashboards. Subscribers register per user; routing follows the
// device-to-user assignment. Delivery is fire-and-forget: a
// subscriber whose buffer overflows is dropped. With Redis
// configured, fan-out crosses process boundaries through one topic
// per user id.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/navitrack/fleetcore/internal/logger"
	"github.com/navitrack/fleetcore/pkg/metrics"
	"github.com/navitrack/fleetcore/pkg/model"
)

// Assignments resolves which users see a device.
type Assignments interface {
	UsersForDevice(ctx context.Context, deviceID int64) ([]int64, error)
}

// Message is the envelope pushed to subscribers and published to the
// pub/sub seam.
type Message struct {
	Type     string          `json:"type"` // position_update or alert
	DeviceID int64           `json:"device_id"`
	Data     json.RawMessage `json:"data"`
}

// Subscriber is one live dashboard connection. Receive from C;
// a closed channel means the hub dropped the subscriber.
type Subscriber struct {
	ID     uuid.UUID
	UserID int64
	C      chan Message

	once sync.Once
}

func (s *Subscriber) close() {
	s.once.Do(func() { close(s.C) })
}

// Hub is the per-process subscriber registry.
type Hub struct {
	assignments Assignments
	buffer      int
	log         *logger.Logger
	metrics     *metrics.Metrics
	bridge      *RedisBridge

	mu     sync.RWMutex
	byUser map[int64]map[uuid.UUID]*Subscriber
}

// New creates a hub. bridge may be nil for single-process deployments.
func New(assignments Assignments, buffer int, bridge *RedisBridge,
	log *logger.Logger, m *metrics.Metrics) *Hub {
	h := &Hub{
		assignments: assignments,
		buffer:      buffer,
		log:         log.WithComponent("hub"),
		metrics:     m,
		bridge:      bridge,
		byUser:      make(map[int64]map[uuid.UUID]*Subscriber),
	}
	if bridge != nil {
		bridge.onMessage = h.deliverLocal
	}
	return h
}

// Subscribe registers a dashboard connection for a user.
func (h *Hub) Subscribe(userID int64) *Subscriber {
	sub := &Subscriber{
		ID:     uuid.New(),
		UserID: userID,
		C:      make(chan Message, h.buffer),
	}
	h.mu.Lock()
	subs, ok := h.byUser[userID]
	if !ok {
		subs = make(map[uuid.UUID]*Subscriber)
		h.byUser[userID] = subs
	}
	subs[sub.ID] = sub
	h.mu.Unlock()
	h.metrics.HubSubscribers.Inc()
	return sub
}

// Unsubscribe removes a subscriber and closes its channel. The close
// happens under the registry lock so it cannot race a concurrent
// delivery.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	if subs, ok := h.byUser[sub.UserID]; ok {
		if _, present := subs[sub.ID]; present {
			delete(subs, sub.ID)
			h.metrics.HubSubscribers.Dec()
		}
		if len(subs) == 0 {
			delete(h.byUser, sub.UserID)
		}
	}
	sub.close()
	h.mu.Unlock()
}

// BroadcastPosition pushes a stored position to every user the device
// is assigned to.
func (h *Hub) BroadcastPosition(deviceID int64, pos *model.Position) {
	data, err := json.Marshal(pos)
	if err != nil {
		return
	}
	h.route(deviceID, Message{Type: "position_update", DeviceID: deviceID, Data: data})
}

// BroadcastAlert pushes a fired alert.
func (h *Hub) BroadcastAlert(deviceID int64, alert *model.Alert) {
	data, err := json.Marshal(alert)
	if err != nil {
		return
	}
	h.route(deviceID, Message{Type: "alert", DeviceID: deviceID, Data: data})
}

// route resolves the device's users and delivers locally or through
// the pub/sub bridge.
func (h *Hub) route(deviceID int64, msg Message) {
	users, err := h.assignments.UsersForDevice(context.Background(), deviceID)
	if err != nil {
		h.log.Warn("assignment lookup failed", "device_id", deviceID, "error", err)
		return
	}
	for _, userID := range users {
		if h.bridge != nil {
			if err := h.bridge.Publish(userID, msg); err != nil {
				h.log.Warn("pubsub publish failed", "user_id", userID, "error", err)
				// Fall back to local delivery so single-process
				// dashboards keep working through an outage.
				h.deliverLocal(userID, msg)
			}
			continue
		}
		h.deliverLocal(userID, msg)
	}
}

// deliverLocal pushes to this process's subscribers of one user,
// dropping any whose buffer is full. Sends happen under the read lock
// and closes under the write lock, so a send never hits a closed
// channel.
func (h *Hub) deliverLocal(userID int64, msg Message) {
	h.mu.RLock()
	var drops []*Subscriber
	for _, sub := range h.byUser[userID] {
		select {
		case sub.C <- msg:
		default:
			drops = append(drops, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range drops {
		h.log.Warn("dropping slow subscriber",
			"user_id", userID, "subscriber", sub.ID.String())
		h.Unsubscribe(sub)
	}
}

// Topic is the pub/sub topic for one user.
func Topic(userID int64) string {
	return fmt.Sprintf("fleetcore:user:%d", userID)
}

package hub

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/navitrack/fleetcore/internal/logger"
	"github.com/navitrack/fleetcore/pkg/metrics"
	"github.com/navitrack/fleetcore/pkg/model"
)

// fakeAssignments maps devices to users.
type fakeAssignments struct {
	byDevice map[int64][]int64
}

func (f *fakeAssignments) UsersForDevice(_ context.Context, deviceID int64) ([]int64, error) {
	return f.byDevice[deviceID], nil
}

func newTestHub(t *testing.T, buffer int, byDevice map[int64][]int64) *Hub {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error"})
	require.NoError(t, err)
	return New(&fakeAssignments{byDevice: byDevice}, buffer, nil, log, metrics.New())
}

func TestBroadcastReachesAssignedUsers(t *testing.T) {
	h := newTestHub(t, 8, map[int64][]int64{1: {10, 20}})

	subA := h.Subscribe(10)
	subB := h.Subscribe(20)
	subC := h.Subscribe(30) // not assigned

	h.BroadcastPosition(1, &model.Position{DeviceID: 1, Latitude: 49.5})

	select {
	case msg := <-subA.C:
		assert.Equal(t, "position_update", msg.Type)
		assert.Equal(t, int64(1), msg.DeviceID)
	case <-time.After(time.Second):
		t.Fatal("subscriber A received nothing")
	}
	select {
	case <-subB.C:
	case <-time.After(time.Second):
		t.Fatal("subscriber B received nothing")
	}
	select {
	case <-subC.C:
		t.Fatal("unassigned user received a message")
	default:
	}
}

func TestMultipleSubscribersPerUser(t *testing.T) {
	h := newTestHub(t, 8, map[int64][]int64{1: {10}})
	s1 := h.Subscribe(10)
	s2 := h.Subscribe(10)

	h.BroadcastAlert(1, &model.Alert{DeviceID: 1, Kind: model.RuleSpeeding})

	for _, sub := range []*Subscriber{s1, s2} {
		select {
		case msg := <-sub.C:
			assert.Equal(t, "alert", msg.Type)
		case <-time.After(time.Second):
			t.Fatal("subscriber received nothing")
		}
	}
}

func TestSlowSubscriberDropped(t *testing.T) {
	h := newTestHub(t, 2, map[int64][]int64{1: {10}})
	sub := h.Subscribe(10)

	// Fill the buffer and overflow it without draining.
	for i := 0; i < 3; i++ {
		h.BroadcastPosition(1, &model.Position{DeviceID: 1})
	}

	// The subscriber channel is closed after the drop.
	drained := 0
	for range sub.C {
		drained++
	}
	assert.Equal(t, 2, drained)

	// Later broadcasts go nowhere and do not panic.
	h.BroadcastPosition(1, &model.Position{DeviceID: 1})
}

func TestUnsubscribeIdempotent(t *testing.T) {
	h := newTestHub(t, 2, map[int64][]int64{})
	sub := h.Subscribe(10)
	h.Unsubscribe(sub)
	h.Unsubscribe(sub)
}

func TestTopicFormat(t *testing.T) {
	assert.Equal(t, "fleetcore:user:42", Topic(42))
}

func TestUserFromTopic(t *testing.T) {
	id, ok := userFromTopic("fleetcore:user:42")
	require.True(t, ok)
	assert.Equal(t, int64(42), id)

	_, ok = userFromTopic("other:topic")
	assert.False(t, ok)
}

package server

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vctt94/fairvault/pkg/logging"
)

func newBareServer() *Server {
	lb := logging.Discard()
	return &Server{
		log:        lb.Logger("SERVER"),
		logBackend: lb,
		sessions:   make(map[string]*sessionEntry),
		hub:        NewHub(lb.Logger("WS")),
		now:        time.Now,
	}
}

// TestEventProcessorStartPublishStop verifies that events can be queued after
// the processor is started and that Stop terminates cleanly.
func TestEventProcessorStartPublishStop(t *testing.T) {
	s := newBareServer()

	// Zero workers so queued items remain for inspection.
	ep := NewEventProcessor(s, 2, 0)

	// Publish before start should be dropped and not panic.
	ep.PublishEvent(&SessionEvent{Type: EventSessionCreated, SessionID: "sid"})
	assert.Len(t, ep.queue, 0)

	ep.Start()
	ep.PublishEvent(&SessionEvent{Type: EventRoundSettled, SessionID: "sid"})
	assert.Len(t, ep.queue, 1)

	// A full queue drops instead of blocking.
	ep.PublishEvent(&SessionEvent{Type: EventRoundSettled, SessionID: "sid"})
	ep.PublishEvent(&SessionEvent{Type: EventRoundSettled, SessionID: "sid"})
	assert.Len(t, ep.queue, 2)

	ep.Stop()
	ep.Stop()
}

func TestEventProcessorRestart(t *testing.T) {
	s := newBareServer()
	notifier := &fakeNotifier{}
	s.settlement = notifier

	ep := NewEventProcessor(s, 8, 1)
	ep.Start()
	ep.Stop()
	ep.Start()
	ep.PublishEvent(&SessionEvent{Type: EventSessionClosed, SessionID: "sid", PlayerID: "p"})
	ep.Stop()

	assert.True(t, notifier.notified("sid"))
}

func TestSettlementHandlerWaitsForDurableClose(t *testing.T) {
	s := newBareServer()
	notifier := &fakeNotifier{}
	s.settlement = notifier
	s.sessions["dirty"] = &sessionEntry{id: "dirty", dirty: true}

	h := NewSettlementHandler(s)
	h.HandleEvent(&SessionEvent{Type: EventRoundSettled, SessionID: "x"})
	h.HandleEvent(&SessionEvent{Type: EventSessionClosed, SessionID: "dirty"})
	h.HandleEvent(&SessionEvent{Type: EventSessionExpired, SessionID: "gone"})

	assert.False(t, notifier.notified("x"))
	assert.False(t, notifier.notified("dirty"))
	assert.True(t, notifier.notified("gone"))
}

func TestNotificationHandlerPushesExpiry(t *testing.T) {
	s := newBareServer()
	c := s.hub.register("alice")
	defer s.hub.unregister("alice", c)

	h := NewNotificationHandler(s)
	h.HandleEvent(&SessionEvent{Type: EventRoundSettled, SessionID: "sid", PlayerID: "alice"})
	h.HandleEvent(&SessionEvent{
		Type:      EventSessionExpired,
		SessionID: "sid",
		PlayerID:  "alice",
		Payload:   &SessionView{SessionID: "sid", Status: StatusExpired},
	})

	require.Len(t, c.send, 1)
	var msg Message
	require.NoError(t, json.Unmarshal(<-c.send, &msg))
	assert.Equal(t, NotifySessionExpired, msg.Type)

	var view SessionView
	require.NoError(t, json.Unmarshal(msg.Payload, &view))
	assert.Equal(t, StatusExpired, view.Status)
}

func TestHubDropsWhenOutboxFull(t *testing.T) {
	s := newBareServer()
	c := s.hub.register("alice")
	assert.Equal(t, 1, s.hub.Connected("alice"))

	for i := 0; i < outboxSize; i++ {
		assert.Equal(t, 1, s.hub.SendToPlayer("alice", &Message{Type: "x"}))
	}
	assert.Equal(t, 0, s.hub.SendToPlayer("alice", &Message{Type: "x"}))
	assert.Equal(t, 0, s.hub.SendToPlayer("bob", &Message{Type: "x"}))

	s.hub.unregister("alice", c)
	assert.Equal(t, 0, s.hub.Connected("alice"))
	s.hub.unregister("alice", c)
}

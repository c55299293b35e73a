package server

import (
	"sync"
	"time"

	"github.com/decred/slog"
)

// SessionEventType represents the type of session event
type SessionEventType string

const (
	EventSessionCreated SessionEventType = "session_created"
	EventRoundSettled   SessionEventType = "round_settled"
	EventSessionClosed  SessionEventType = "session_closed"
	EventSessionExpired SessionEventType = "session_expired"
	EventPersistFailed  SessionEventType = "persist_failed"
)

// SessionEvent represents an immutable snapshot of a session event
type SessionEvent struct {
	Type      SessionEventType
	SessionID string
	PlayerID  string
	// Payload is the player facing body of the event; it is never mutated
	// after publishing.
	Payload   any
	Timestamp time.Time
}

// publish queues an event about e. Callers hold e.mu.
func (s *Server) publish(typ SessionEventType, e *sessionEntry, payload any) {
	if s.eventProcessor == nil {
		return
	}
	s.eventProcessor.PublishEvent(&SessionEvent{
		Type:      typ,
		SessionID: e.id,
		PlayerID:  e.playerID,
		Payload:   payload,
		Timestamp: s.now(),
	})
}

// EventProcessor fans session events out to the handlers on a fixed pool
// of goroutines. Publishing never blocks the session engine.
type EventProcessor struct {
	log      slog.Logger
	queue    chan *SessionEvent
	handlers []EventHandler
	poolSize int

	mu      sync.Mutex
	running bool
	quit    chan struct{}
	wg      sync.WaitGroup
}

// NewEventProcessor returns a stopped processor delivering to the
// notification, settlement and persistence handlers of server.
func NewEventProcessor(server *Server, queueSize, workerCount int) *EventProcessor {
	return &EventProcessor{
		log:   server.logBackend.Logger("EVNT"),
		queue: make(chan *SessionEvent, queueSize),
		handlers: []EventHandler{
			NewNotificationHandler(server),
			NewSettlementHandler(server),
			NewPersistenceHandler(server),
		},
		poolSize: workerCount,
	}
}

// Start launches the pool. Starting a running processor is a no-op.
func (ep *EventProcessor) Start() {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.running {
		return
	}
	ep.running = true
	ep.quit = make(chan struct{})
	for id := 0; id < ep.poolSize; id++ {
		ep.wg.Add(1)
		go ep.work(id, ep.quit)
	}
	ep.log.Debugf("Event processor running %d workers", ep.poolSize)
}

// Stop waits for the pool to deliver what is queued and exit.
func (ep *EventProcessor) Stop() {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if !ep.running {
		return
	}
	close(ep.quit)
	ep.wg.Wait()
	ep.running = false
	ep.log.Debugf("Event processor stopped")
}

// PublishEvent queues event. It is dropped when the processor is stopped or
// the queue is full; the maintenance loop and settlement sweep cover what a
// dropped event would have triggered.
func (ep *EventProcessor) PublishEvent(event *SessionEvent) {
	ep.mu.Lock()
	running := ep.running
	ep.mu.Unlock()
	if !running {
		ep.log.Warnf("Dropping %s event for %s: processor stopped", event.Type, event.SessionID)
		return
	}
	select {
	case ep.queue <- event:
	default:
		ep.log.Errorf("Dropping %s event for %s: queue full", event.Type, event.SessionID)
	}
}

func (ep *EventProcessor) work(id int, quit <-chan struct{}) {
	defer ep.wg.Done()
	for {
		select {
		case ev := <-ep.queue:
			ep.deliver(id, ev)
		case <-quit:
			for {
				select {
				case ev := <-ep.queue:
					ep.deliver(id, ev)
				default:
					return
				}
			}
		}
	}
}

func (ep *EventProcessor) deliver(id int, ev *SessionEvent) {
	if ev == nil {
		return
	}
	ep.log.Tracef("Worker %d: %s for %s", id, ev.Type, ev.SessionID)
	for _, h := range ep.handlers {
		h.HandleEvent(ev)
	}
}

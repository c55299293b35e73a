package server

import "context"

// EventHandler defines the interface for handling events
type EventHandler interface {
	HandleEvent(event *SessionEvent)
}

// NotificationHandler pushes session events to the owning player's
// connections.
type NotificationHandler struct {
	server *Server
}

// NewNotificationHandler creates a new notification handler
func NewNotificationHandler(server *Server) *NotificationHandler {
	return &NotificationHandler{server: server}
}

// HandleEvent processes an event and sends the matching notification
func (nh *NotificationHandler) HandleEvent(event *SessionEvent) {
	msg, ok := notificationFor(event)
	if !ok {
		return
	}
	if n := nh.server.hub.SendToPlayer(event.PlayerID, msg); n == 0 {
		nh.server.log.Tracef("No connection for player %s; %s not delivered", event.PlayerID, event.Type)
	}
}

// SettlementHandler hands closed and expired sessions to the settlement
// worker.
type SettlementHandler struct {
	server *Server
}

// NewSettlementHandler creates a new settlement handler
func NewSettlementHandler(server *Server) *SettlementHandler {
	return &SettlementHandler{server: server}
}

// HandleEvent notifies the settlement worker about durable closed sessions.
// A session whose snapshot is still dirty is notified by the flush instead.
func (sh *SettlementHandler) HandleEvent(event *SessionEvent) {
	if sh.server.settlement == nil {
		return
	}
	if event.Type != EventSessionClosed && event.Type != EventSessionExpired {
		return
	}
	if e := sh.server.getEntry(event.SessionID); e != nil {
		e.mu.Lock()
		dirty := e.dirty
		e.mu.Unlock()
		if dirty {
			return
		}
	}
	sh.server.settlement.Notify(event.SessionID)
}

// PersistenceHandler retries snapshot writes that failed.
type PersistenceHandler struct {
	server *Server
}

// NewPersistenceHandler creates a new persistence handler
func NewPersistenceHandler(server *Server) *PersistenceHandler {
	return &PersistenceHandler{server: server}
}

// HandleEvent flushes dirty sessions after a failed write.
func (ph *PersistenceHandler) HandleEvent(event *SessionEvent) {
	if event.Type != EventPersistFailed {
		return
	}
	if n := ph.server.flushDirty(context.Background()); n > 0 {
		ph.server.log.Infof("Recovered %d unsaved sessions", n)
	}
}

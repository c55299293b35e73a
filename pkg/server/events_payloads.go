package server

import "encoding/json"

// NotifySessionExpired is pushed when the sweeper expires an idle session.
// Every other session change is answered directly on the request that caused
// it.
const NotifySessionExpired = "session_expired"

var notificationTypes = map[SessionEventType]string{
	EventSessionExpired: NotifySessionExpired,
}

// notificationFor builds the player notification of an event. Events that
// are internal to the server have none.
func notificationFor(event *SessionEvent) (*Message, bool) {
	typ, ok := notificationTypes[event.Type]
	if !ok || event.PlayerID == "" {
		return nil, false
	}
	body, err := json.Marshal(event.Payload)
	if err != nil {
		return nil, false
	}
	return &Message{Type: typ, Payload: body}, true
}

package client

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Following are the notification types. Add new types at the bottom of this
// list, then handle them in NotificationManager.dispatch and initialize a
// container in NewNotificationManager().

const onSessionExpiredNtfnType = "session_expired"

// OnSessionExpiredNtfn is called when the server expires one of the
// player's idle sessions.
type OnSessionExpiredNtfn func(*Session)

func (OnSessionExpiredNtfn) typ() string { return onSessionExpiredNtfnType }

const onPushNtfnType = "push"

// OnPushNtfn receives every server push, including types this client does
// not decode.
type OnPushNtfn func(*Message)

func (OnPushNtfn) typ() string { return onPushNtfnType }

// Following is the generic notification code.

type NotificationRegistration struct {
	unreg func() bool
}

// Unregister removes the handler. It reports false if it was already
// removed.
func (reg NotificationRegistration) Unregister() bool {
	return reg.unreg()
}

type NotificationHandler interface {
	typ() string
}

type handler[T any] struct {
	handler T
	async   bool
}

type handlersFor[T any] struct {
	mtx      sync.Mutex
	next     uint
	handlers map[uint]handler[T]
}

func (hn *handlersFor[T]) register(h T, async bool) NotificationRegistration {
	hn.mtx.Lock()
	id := hn.next
	hn.next++
	if hn.handlers == nil {
		hn.handlers = make(map[uint]handler[T])
	}
	hn.handlers[id] = handler[T]{handler: h, async: async}
	registered := true
	hn.mtx.Unlock()

	return NotificationRegistration{
		unreg: func() bool {
			hn.mtx.Lock()
			defer hn.mtx.Unlock()
			res := registered
			if registered {
				delete(hn.handlers, id)
				registered = false
			}
			return res
		},
	}
}

func (hn *handlersFor[T]) visit(f func(T)) {
	hn.mtx.Lock()
	defer hn.mtx.Unlock()
	for _, h := range hn.handlers {
		if h.async {
			go f(h.handler)
		} else {
			f(h.handler)
		}
	}
}

func (hn *handlersFor[T]) Register(v any, async bool) NotificationRegistration {
	h, ok := v.(T)
	if !ok {
		panic(fmt.Sprintf("wrong handler type %T", v))
	}
	return hn.register(h, async)
}

func (hn *handlersFor[T]) AnyRegistered() bool {
	hn.mtx.Lock()
	defer hn.mtx.Unlock()
	return len(hn.handlers) > 0
}

type handlersRegistry interface {
	Register(v any, async bool) NotificationRegistration
	AnyRegistered() bool
}

// NotificationManager routes server pushes to registered handlers.
type NotificationManager struct {
	handlers map[string]handlersRegistry
}

func NewNotificationManager() *NotificationManager {
	return &NotificationManager{
		handlers: map[string]handlersRegistry{
			onSessionExpiredNtfnType: &handlersFor[OnSessionExpiredNtfn]{},
			onPushNtfnType:           &handlersFor[OnPushNtfn]{},
		},
	}
}

func (nmgr *NotificationManager) register(h NotificationHandler, async bool) NotificationRegistration {
	handlers := nmgr.handlers[h.typ()]
	if handlers == nil {
		panic(fmt.Sprintf("forgot to init the handler type %T in NewNotificationManager", h))
	}
	return handlers.Register(h, async)
}

// Register registers a handler called on its own goroutine.
func (nmgr *NotificationManager) Register(h NotificationHandler) NotificationRegistration {
	return nmgr.register(h, true)
}

// RegisterSync registers a handler called on the connection's read
// goroutine. It must return quickly.
func (nmgr *NotificationManager) RegisterSync(h NotificationHandler) NotificationRegistration {
	return nmgr.register(h, false)
}

// AnyRegistered reports whether any handler of h's type is registered.
func (nmgr *NotificationManager) AnyRegistered(h NotificationHandler) bool {
	return nmgr.handlers[h.typ()].AnyRegistered()
}

func (nmgr *NotificationManager) dispatch(msg *Message) {
	nmgr.handlers[onPushNtfnType].(*handlersFor[OnPushNtfn]).
		visit(func(h OnPushNtfn) { h(msg) })

	switch msg.Type {
	case onSessionExpiredNtfnType:
		var s Session
		if err := json.Unmarshal(msg.Payload, &s); err != nil {
			return
		}
		nmgr.handlers[onSessionExpiredNtfnType].(*handlersFor[OnSessionExpiredNtfn]).
			visit(func(h OnSessionExpiredNtfn) { h(&s) })
	}
}

// Package dispatch is the notification bus for UI-wide actions. Handlers
// are registered together with the loop they must run on, and hold a Ref
// that releases the registration.
package dispatch

import (
	"sync"

	"github.com/shawkym/mxview/pkg/log"
	"github.com/shawkym/mxview/pkg/loop"
)

// ActionType identifies an action.
type ActionType string

const (
	// MessageSent is published when a local echo was accepted by the server.
	MessageSent ActionType = "message_sent"
	// MessageSendFailed is published when a local echo was rejected.
	MessageSendFailed ActionType = "message_send_failed"
	// NotifierEnabled is published when desktop notifications are toggled on.
	NotifierEnabled ActionType = "notifier_enabled"
	// RoomStateFailed carries the aggregate failure of a room-state batch.
	RoomStateFailed ActionType = "room_state_failed"
	// InviteFailed carries the user IDs a multi-invite could not reach.
	InviteFailed ActionType = "invite_failed"
)

// Action is a published notification.
type Action struct {
	Type    ActionType
	RoomID  string
	Targets []string
	Err     error
}

// Handler receives actions on its registered loop.
type Handler func(Action)

// Ref identifies a registration.
type Ref uint64

type subscriber struct {
	loop    loop.Loop
	handler Handler
}

// Dispatcher fans actions out to registered handlers.
type Dispatcher struct {
	mu   sync.Mutex
	next Ref
	subs map[Ref]subscriber
}

// New constructs an empty Dispatcher.
func New() *Dispatcher {
	return &Dispatcher{subs: make(map[Ref]subscriber)}
}

// Register adds h. It runs on l for every subsequent Dispatch until
// Unregister is called with the returned Ref.
func (d *Dispatcher) Register(l loop.Loop, h Handler) Ref {
	if d == nil || h == nil {
		return 0
	}
	d.mu.Lock()
	d.next++
	ref := d.next
	d.subs[ref] = subscriber{loop: l, handler: h}
	count := len(d.subs)
	d.mu.Unlock()

	log.WithFields(map[string]interface{}{
		"ref":  uint64(ref),
		"subs": count,
	}).Debug("dispatcher register")
	return ref
}

// Unregister removes the handler. Actions already posted to its loop may
// still be delivered; handlers guard with their own liveness flag.
func (d *Dispatcher) Unregister(ref Ref) {
	if d == nil {
		return
	}
	d.mu.Lock()
	delete(d.subs, ref)
	d.mu.Unlock()
}

// Dispatch delivers a to every registered handler.
func (d *Dispatcher) Dispatch(a Action) {
	if d == nil {
		return
	}
	d.mu.Lock()
	subs := make([]subscriber, 0, len(d.subs))
	for _, s := range d.subs {
		subs = append(subs, s)
	}
	d.mu.Unlock()

	for _, s := range subs {
		h := s.handler
		if s.loop == nil {
			h(a)
			continue
		}
		s.loop.Post(func() { h(a) })
	}
}

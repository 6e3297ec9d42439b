package timeline

import (
	"time"
)

// SendStatus tracks local echoes of messages we sent.
type SendStatus string

const (
	// StatusSent marks an event that came from (or was accepted by) the server.
	StatusSent SendStatus = ""
	// StatusSending marks a local echo whose send request is in flight.
	StatusSending SendStatus = "sending"
	// StatusNotSent marks a local echo the server rejected.
	StatusNotSent SendStatus = "not_sent"
)

// Event is one immutable timeline record.
type Event struct {
	ID        string
	Type      string
	Sender    string
	Timestamp time.Time
	Content   map[string]interface{}
	// StateKey is non-nil for state events.
	StateKey *string
	// Status and TxnID are set on local echoes only.
	Status SendStatus
	TxnID  string
}

// IsState reports whether the event is a state event.
func (e Event) IsState() bool {
	return e.StateKey != nil
}

// MsgType returns content.msgtype for m.room.message events.
func (e Event) MsgType() string {
	return e.ContentString("msgtype")
}

// Body returns content.body.
func (e Event) Body() string {
	return e.ContentString("body")
}

// ContentString returns a string content field or "".
func (e Event) ContentString(key string) string {
	if e.Content == nil {
		return ""
	}
	if v, ok := e.Content[key].(string); ok {
		return v
	}
	return ""
}

// Room is a read-only snapshot of a room as the source last saw it.
// PaginationToken is empty once the start of history has been reached.
type Room struct {
	ID              string
	Name            string
	Topic           string
	Joined          bool
	Timeline        []Event
	PaginationToken string
	Typing          []string
	State           map[StateKey]Event
}

// StateKey addresses one entry of room state.
type StateKey struct {
	Type string
	Key  string
}

// StateEvent returns the current state event for (eventType, stateKey).
func (r *Room) StateEvent(eventType, stateKey string) (Event, bool) {
	if r == nil || r.State == nil {
		return Event{}, false
	}
	ev, ok := r.State[StateKey{Type: eventType, Key: stateKey}]
	return ev, ok
}

// Clone returns a deep enough copy for handing to another goroutine: the
// slices and map are copied, events themselves are immutable.
func (r *Room) Clone() *Room {
	if r == nil {
		return nil
	}
	out := *r
	out.Timeline = append([]Event(nil), r.Timeline...)
	out.Typing = append([]string(nil), r.Typing...)
	if r.State != nil {
		out.State = make(map[StateKey]Event, len(r.State))
		for k, v := range r.State {
			out.State[k] = v
		}
	}
	return &out
}

package timeline

import "sync"

// TileKind names the renderer an event type maps to.
type TileKind int

const (
	// TileUnknown means no renderer is registered; such events are dropped
	// from the render set.
	TileUnknown TileKind = iota
	TileMessage
	TileMember
	TileCallInvite
	TileCallAnswer
	TileCallHangup
	TileEventAsText
)

func (k TileKind) String() string {
	switch k {
	case TileMessage:
		return "message"
	case TileMember:
		return "member"
	case TileCallInvite:
		return "call_invite"
	case TileCallAnswer:
		return "call_answer"
	case TileCallHangup:
		return "call_hangup"
	case TileEventAsText:
		return "event_as_text"
	default:
		return "unknown"
	}
}

// Registry maps event types to tile kinds.
type Registry struct {
	mu    sync.RWMutex
	kinds map[string]TileKind
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{kinds: make(map[string]TileKind)}
}

// DefaultRegistry returns the registry used by the room view.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("m.room.message", TileMessage)
	r.Register("m.room.member", TileMember)
	r.Register("m.call.invite", TileCallInvite)
	r.Register("m.call.answer", TileCallAnswer)
	r.Register("m.call.hangup", TileCallHangup)
	r.Register("m.room.topic", TileEventAsText)
	return r
}

// Register maps eventType to kind. Registering TileUnknown removes it.
func (r *Registry) Register(eventType string, kind TileKind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if kind == TileUnknown {
		delete(r.kinds, eventType)
		return
	}
	r.kinds[eventType] = kind
}

// Resolve returns the kind for eventType, or TileUnknown.
func (r *Registry) Resolve(eventType string) TileKind {
	if r == nil {
		return TileUnknown
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.kinds[eventType]
}

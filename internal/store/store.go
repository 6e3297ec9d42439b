// Package store keeps the in-memory room timelines the view reads from. It
// is fed by the Matrix sync loop, extended backwards by backfill requests
// and persisted through an optional event cache. It implements
// timeline.Source.
package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shawkym/mxview/internal/cache"
	"github.com/shawkym/mxview/internal/matrix"
	"github.com/shawkym/mxview/pkg/dispatch"
	"github.com/shawkym/mxview/pkg/log"
	"github.com/shawkym/mxview/pkg/loop"
	"github.com/shawkym/mxview/pkg/metrics"
	"github.com/shawkym/mxview/pkg/middleware"
	"github.com/shawkym/mxview/pkg/timeline"
)

// ErrRoomNotFound is returned for rooms the store has never seen.
var ErrRoomNotFound = errors.New("room not found")

// Client is the part of the Matrix client the store needs.
type Client interface {
	UserID() string
	Sync(ctx context.Context, since string, timeout time.Duration, filter string) (*matrix.SyncResponse, error)
	Messages(ctx context.Context, roomID, from, dir string, limit int) (*matrix.MessagesResponse, error)
	JoinRoom(ctx context.Context, room string) (string, error)
	SendEvent(ctx context.Context, roomID, eventType, txnID string, content interface{}) (string, error)
}

// EventCache persists timelines. *cache.Cache implements it.
type EventCache interface {
	LoadRoom(ctx context.Context, roomID string) (*timeline.Room, error)
	AppendEvents(ctx context.Context, roomID string, events []timeline.Event, prevBatch string) error
	PrependEvents(ctx context.Context, roomID string, events []timeline.Event, end string) error
	ResetRoom(ctx context.Context, roomID string) error
	SaveRoomMeta(ctx context.Context, roomID, name, topic string) error
	SyncToken(ctx context.Context, roomID string) (string, error)
	SetSyncToken(ctx context.Context, roomID, token string) error
}

// Options configures a Store.
type Options struct {
	Client Client
	// Cache is optional.
	Cache EventCache
	// Bus receives message_sent / message_send_failed. Optional.
	Bus *dispatch.Dispatcher
	// SyncTimeout is the long-poll duration (default 30s).
	SyncTimeout time.Duration
	// SyncLimit caps the timeline of the first sync (default 50).
	SyncLimit int
	// RetryDelay is the pause after a failed sync (default 2s).
	RetryDelay time.Duration
	// Outgoing prepares composed messages. Nil sends bodies as m.text.
	Outgoing *middleware.Chain
	// Metrics records sync loop health. Optional.
	Metrics *metrics.Metrics
}

type room struct {
	snap     timeline.Room
	seen     map[string]struct{}
	backfill bool
}

type subscription struct {
	id       uint64
	listener timeline.Listener
	loop     loop.Loop
}

// Store is safe for concurrent use. Listeners are notified through the loop
// they subscribed with.
type Store struct {
	client      Client
	cache       EventCache
	bus         *dispatch.Dispatcher
	syncTimeout time.Duration
	syncLimit   int
	retryDelay  time.Duration
	outgoing    *middleware.Chain
	metrics     *metrics.Metrics

	mu       sync.Mutex
	rooms    map[string]*room
	subs     map[string][]subscription
	nextSub  uint64
	lastSync time.Time
	syncErr  error
}

// New creates a Store.
func New(opts Options) *Store {
	if opts.SyncTimeout <= 0 {
		opts.SyncTimeout = 30 * time.Second
	}
	if opts.SyncLimit <= 0 {
		opts.SyncLimit = 50
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 2 * time.Second
	}
	return &Store{
		client:      opts.Client,
		cache:       opts.Cache,
		bus:         opts.Bus,
		syncTimeout: opts.SyncTimeout,
		syncLimit:   opts.SyncLimit,
		retryDelay:  opts.RetryDelay,
		outgoing:    opts.Outgoing,
		metrics:     opts.Metrics,
		rooms:       make(map[string]*room),
		subs:        make(map[string][]subscription),
	}
}

// Room returns a snapshot of roomID.
func (s *Store) Room(roomID string) (*timeline.Room, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return nil, false
	}
	return r.snap.Clone(), true
}

// Subscribe delivers notifications for roomID to l, posted on lp (inline
// when lp is nil), until the returned function is called.
func (s *Store) Subscribe(roomID string, l timeline.Listener, lp loop.Loop) func() {
	s.mu.Lock()
	s.nextSub++
	id := s.nextSub
	s.subs[roomID] = append(s.subs[roomID], subscription{id: id, listener: l, loop: lp})
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			subs := s.subs[roomID]
			for i, sub := range subs {
				if sub.id == id {
					s.subs[roomID] = append(subs[:i:i], subs[i+1:]...)
					break
				}
			}
			if len(s.subs[roomID]) == 0 {
				delete(s.subs, roomID)
			}
		})
	}
}

// Preload fills roomID from the cache if the store does not know it yet.
func (s *Store) Preload(ctx context.Context, roomID string) error {
	if s.cache == nil {
		return nil
	}
	s.mu.Lock()
	_, known := s.rooms[roomID]
	s.mu.Unlock()
	if known {
		return nil
	}

	cached, err := s.cache.LoadRoom(ctx, roomID)
	if errors.Is(err, cache.ErrNotCached) {
		return nil
	}
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, known := s.rooms[roomID]; known {
		return nil
	}
	r := s.roomLocked(roomID)
	r.snap.Name = cached.Name
	r.snap.Topic = cached.Topic
	r.snap.Joined = cached.Joined
	r.snap.PaginationToken = cached.PaginationToken
	for _, ev := range cached.Timeline {
		r.add(ev)
		r.snap.Timeline = append(r.snap.Timeline, ev)
	}

	log.WithFields(map[string]interface{}{
		"room_id": roomID,
		"events":  len(cached.Timeline),
	}).Debug("room preloaded from cache")
	return nil
}

// Join joins roomID and marks it joined.
func (s *Store) Join(ctx context.Context, roomID string) error {
	resolved, err := s.client.JoinRoom(ctx, roomID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	r := s.roomLocked(roomID)
	r.snap.Joined = true
	snap := r.snap.Clone()
	notify := s.listenersLocked(roomID)
	s.mu.Unlock()

	log.WithFields(map[string]interface{}{
		"room_id":  roomID,
		"resolved": resolved,
	}).Info("joined room")

	for _, sub := range notify {
		deliver(sub, func(l timeline.Listener) { l.OnRoomName(snap) })
	}
	return nil
}

// roomLocked returns the room entry, creating it. s.mu must be held.
func (s *Store) roomLocked(roomID string) *room {
	r, ok := s.rooms[roomID]
	if !ok {
		r = &room{
			snap: timeline.Room{ID: roomID, State: make(map[timeline.StateKey]timeline.Event)},
			seen: make(map[string]struct{}),
		}
		s.rooms[roomID] = r
	}
	return r
}

func (s *Store) listenersLocked(roomID string) []subscription {
	return append([]subscription(nil), s.subs[roomID]...)
}

func deliver(sub subscription, fn func(timeline.Listener)) {
	if sub.loop == nil {
		fn(sub.listener)
		return
	}
	sub.loop.Post(func() { fn(sub.listener) })
}

// add records ev as seen and reports whether it was new.
func (r *room) add(ev timeline.Event) bool {
	if ev.ID == "" {
		return true
	}
	if _, dup := r.seen[ev.ID]; dup {
		return false
	}
	r.seen[ev.ID] = struct{}{}
	return true
}

// applyState folds a state event into the room and reports whether the
// name or topic changed.
func (r *room) applyState(ev timeline.Event) bool {
	if ev.StateKey == nil {
		return false
	}
	if r.snap.State == nil {
		r.snap.State = make(map[timeline.StateKey]timeline.Event)
	}
	r.snap.State[timeline.StateKey{Type: ev.Type, Key: *ev.StateKey}] = ev

	switch ev.Type {
	case "m.room.name":
		if name := ev.ContentString("name"); name != r.snap.Name {
			r.snap.Name = name
			return true
		}
	case "m.room.topic":
		if topic := ev.ContentString("topic"); topic != r.snap.Topic {
			r.snap.Topic = topic
			return true
		}
	}
	return false
}

func convertEvent(ev matrix.Event) timeline.Event {
	out := timeline.Event{
		ID:        ev.EventID,
		Type:      ev.Type,
		Sender:    ev.Sender,
		Timestamp: time.UnixMilli(ev.OriginServerTS),
		Content:   ev.Content,
	}
	if ev.StateKey != nil {
		key := *ev.StateKey
		out.StateKey = &key
	}
	if out.Content == nil {
		out.Content = map[string]interface{}{}
	}
	return out
}

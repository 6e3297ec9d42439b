package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shawkym/mxview/internal/cache"
	"github.com/shawkym/mxview/internal/matrix"
	"github.com/shawkym/mxview/pkg/dispatch"
	"github.com/shawkym/mxview/pkg/loop"
	"github.com/shawkym/mxview/pkg/middleware"
	"github.com/shawkym/mxview/pkg/timeline"
)

const (
	roomID = "!room:example.org"
	self   = "@me:example.org"
)

type fakeClient struct {
	mu       sync.Mutex
	messages func(from string, limit int) (*matrix.MessagesResponse, error)
	sendErr  error
	sent     []string
	joined   []string
	syncs    []*matrix.SyncResponse
	syncErr  error
}

func (f *fakeClient) UserID() string { return self }

func (f *fakeClient) Sync(ctx context.Context, since string, timeout time.Duration, filter string) (*matrix.SyncResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.syncErr != nil {
		return nil, f.syncErr
	}
	if len(f.syncs) == 0 {
		return nil, errors.New("no more syncs")
	}
	resp := f.syncs[0]
	f.syncs = f.syncs[1:]
	return resp, nil
}

func (f *fakeClient) Messages(ctx context.Context, roomID, from, dir string, limit int) (*matrix.MessagesResponse, error) {
	return f.messages(from, limit)
}

func (f *fakeClient) JoinRoom(ctx context.Context, room string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joined = append(f.joined, room)
	return room, nil
}

func (f *fakeClient) SendEvent(ctx context.Context, roomID, eventType, txnID string, content interface{}) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, txnID)
	if f.sendErr != nil {
		return "", f.sendErr
	}
	return "$sent-" + txnID, nil
}

type recorder struct {
	events    []timeline.Event
	prepended []bool
	names     []string
	typing    [][]string
}

func (r *recorder) OnTimelineEvent(ev timeline.Event, room *timeline.Room, prepended bool) {
	r.events = append(r.events, ev)
	r.prepended = append(r.prepended, prepended)
}

func (r *recorder) OnRoomName(room *timeline.Room) { r.names = append(r.names, room.Name) }

func (r *recorder) OnMemberTyping(roomID string, typing []string) {
	r.typing = append(r.typing, typing)
}

func message(id string, ts int64) matrix.Event {
	return matrix.Event{
		Type:           "m.room.message",
		Sender:         "@alice:example.org",
		EventID:        id,
		OriginServerTS: ts,
		Content:        map[string]interface{}{"msgtype": "m.text", "body": id},
	}
}

func syncWith(limited bool, prevBatch string, evs ...matrix.Event) *matrix.SyncResponse {
	return &matrix.SyncResponse{
		NextBatch: "next",
		Rooms: matrix.SyncResponseRooms{
			Join: map[string]matrix.SyncRoom{
				roomID: {Timeline: matrix.SyncTimeline{Events: evs, Limited: limited, PrevBatch: prevBatch}},
			},
		},
	}
}

func timelineIDs(r *timeline.Room) []string {
	out := make([]string, len(r.Timeline))
	for i, ev := range r.Timeline {
		out[i] = ev.ID
	}
	return out
}

func newStore(client *fakeClient, bus *dispatch.Dispatcher) *Store {
	return New(Options{Client: client, Bus: bus, RetryDelay: time.Millisecond})
}

func TestApplySyncAddsEventsAndNotifies(t *testing.T) {
	s := newStore(&fakeClient{}, nil)
	rec := &recorder{}
	unsubscribe := s.Subscribe(roomID, rec, nil)
	defer unsubscribe()

	s.ApplySync(context.Background(), syncWith(false, "p1", message("$a", 1), message("$b", 2)))

	room, ok := s.Room(roomID)
	require.True(t, ok)
	require.True(t, room.Joined)
	require.Equal(t, []string{"$a", "$b"}, timelineIDs(room))
	require.Equal(t, "p1", room.PaginationToken)
	require.Len(t, rec.events, 2)
	require.Equal(t, []bool{false, false}, rec.prepended)

	// Duplicates are dropped and the token of a non-empty room is kept.
	s.ApplySync(context.Background(), syncWith(false, "p2", message("$b", 2), message("$c", 3)))
	room, _ = s.Room(roomID)
	require.Equal(t, []string{"$a", "$b", "$c"}, timelineIDs(room))
	require.Equal(t, "p1", room.PaginationToken)
	require.Len(t, rec.events, 3)
}

func TestLimitedSyncStartsOver(t *testing.T) {
	s := newStore(&fakeClient{}, nil)
	ctx := context.Background()

	s.ApplySync(ctx, syncWith(false, "p1", message("$a", 1)))
	s.ApplySync(ctx, syncWith(true, "p9", message("$x", 9), message("$a", 10)))

	room, _ := s.Room(roomID)
	require.Equal(t, []string{"$x", "$a"}, timelineIDs(room))
	require.Equal(t, "p9", room.PaginationToken)
}

func TestStateAndTyping(t *testing.T) {
	s := newStore(&fakeClient{}, nil)
	rec := &recorder{}
	s.Subscribe(roomID, rec, nil)

	empty := ""
	resp := &matrix.SyncResponse{Rooms: matrix.SyncResponseRooms{Join: map[string]matrix.SyncRoom{
		roomID: {
			State: matrix.SyncEvents{Events: []matrix.Event{{
				Type: "m.room.name", EventID: "$n", StateKey: &empty,
				Content: map[string]interface{}{"name": "General"},
			}}},
			Ephemeral: matrix.SyncEvents{Events: []matrix.Event{{
				Type:    "m.typing",
				Content: map[string]interface{}{"user_ids": []interface{}{self, "@bob:example.org"}},
			}}},
		},
	}}}
	s.ApplySync(context.Background(), resp)

	room, _ := s.Room(roomID)
	require.Equal(t, "General", room.Name)
	require.Equal(t, []string{"@bob:example.org"}, room.Typing)
	require.Equal(t, []string{"General"}, rec.names)
	require.Equal(t, [][]string{{"@bob:example.org"}}, rec.typing)
}

func TestInvitedRoomIsNotJoined(t *testing.T) {
	s := newStore(&fakeClient{}, nil)
	empty := ""
	s.ApplySync(context.Background(), &matrix.SyncResponse{Rooms: matrix.SyncResponseRooms{
		Invite: map[string]matrix.SyncInvitedRoom{roomID: {InviteState: matrix.SyncEvents{Events: []matrix.Event{{
			Type: "m.room.name", StateKey: &empty, Content: map[string]interface{}{"name": "Secret"},
		}}}}},
	}})

	room, ok := s.Room(roomID)
	require.True(t, ok)
	require.False(t, room.Joined)
	require.Equal(t, "Secret", room.Name)
}

func TestBackfillPrependsOldestFirst(t *testing.T) {
	client := &fakeClient{}
	client.messages = func(from string, limit int) (*matrix.MessagesResponse, error) {
		require.Equal(t, "p1", from)
		require.Equal(t, 3, limit)
		// dir=b returns newest first; $a is a duplicate of what we hold.
		return &matrix.MessagesResponse{
			End:   "p0",
			Chunk: []matrix.Event{message("$a", 5), message("$y", 4), message("$x", 3)},
		}, nil
	}
	s := newStore(client, nil)
	rec := &recorder{}
	s.Subscribe(roomID, rec, nil)
	ctx := context.Background()
	s.ApplySync(ctx, syncWith(false, "p1", message("$a", 5)))
	rec.events = nil
	rec.prepended = nil

	require.NoError(t, s.Backfill(ctx, roomID, 3))

	room, _ := s.Room(roomID)
	require.Equal(t, []string{"$x", "$y", "$a"}, timelineIDs(room))
	require.Equal(t, "p0", room.PaginationToken)
	require.Len(t, rec.events, 2)
	require.Equal(t, []bool{true, true}, rec.prepended)
}

func TestBackfillEmptyChunkReachesStart(t *testing.T) {
	client := &fakeClient{messages: func(string, int) (*matrix.MessagesResponse, error) {
		return &matrix.MessagesResponse{End: "ignored"}, nil
	}}
	s := newStore(client, nil)
	ctx := context.Background()
	s.ApplySync(ctx, syncWith(false, "p1", message("$a", 1)))

	require.NoError(t, s.Backfill(ctx, roomID, 20))
	room, _ := s.Room(roomID)
	require.Empty(t, room.PaginationToken)

	// Without a token there is nothing to ask for.
	client.messages = func(string, int) (*matrix.MessagesResponse, error) {
		t.Fatal("unexpected request")
		return nil, nil
	}
	require.NoError(t, s.Backfill(ctx, roomID, 20))
}

func TestBackfillErrors(t *testing.T) {
	boom := errors.New("boom")
	client := &fakeClient{messages: func(string, int) (*matrix.MessagesResponse, error) {
		return nil, boom
	}}
	s := newStore(client, nil)
	ctx := context.Background()

	require.ErrorIs(t, s.Backfill(ctx, "!unknown:example.org", 20), ErrRoomNotFound)

	s.ApplySync(ctx, syncWith(false, "p1", message("$a", 1)))
	require.ErrorIs(t, s.Backfill(ctx, roomID, 20), boom)

	room, _ := s.Room(roomID)
	require.Equal(t, "p1", room.PaginationToken)
}

func collect(bus *dispatch.Dispatcher) *[]dispatch.Action {
	var got []dispatch.Action
	inline := loop.Func(func(fn func()) { fn() })
	bus.Register(inline, func(a dispatch.Action) { got = append(got, a) })
	return &got
}

func TestSendMessageSuccess(t *testing.T) {
	client := &fakeClient{}
	bus := dispatch.New()
	actions := collect(bus)
	s := newStore(client, bus)
	ctx := context.Background()
	s.ApplySync(ctx, syncWith(false, "p1", message("$a", 1)))

	txnID, err := s.SendMessage(ctx, roomID, "hello")
	require.NoError(t, err)
	require.Equal(t, []string{txnID}, client.sent)

	room, _ := s.Room(roomID)
	require.Equal(t, []string{"$a", "$sent-" + txnID}, timelineIDs(room))
	require.Equal(t, timeline.StatusSent, room.Timeline[1].Status)
	require.Len(t, *actions, 1)
	require.Equal(t, dispatch.MessageSent, (*actions)[0].Type)

	// The remote echo arriving later is a duplicate.
	remote := message("$sent-"+txnID, 2)
	remote.Unsigned = &matrix.Unsigned{TransactionID: txnID}
	s.ApplySync(ctx, syncWith(false, "", remote))
	room, _ = s.Room(roomID)
	require.Len(t, room.Timeline, 2)
}

func TestSendMessageRunsOutgoingChain(t *testing.T) {
	client := &fakeClient{}
	s := New(Options{Client: client, Outgoing: middleware.DefaultOutgoing()})
	ctx := context.Background()
	s.ApplySync(ctx, syncWith(false, "p1", message("$a", 1)))

	_, err := s.SendMessage(ctx, roomID, "/me waves")
	require.NoError(t, err)

	room, _ := s.Room(roomID)
	require.Len(t, room.Timeline, 2)
	require.Equal(t, "m.emote", room.Timeline[1].MsgType())
	require.Equal(t, "waves", room.Timeline[1].Body())

	// A rejected message never gets an echo.
	_, err = s.SendMessage(ctx, roomID, "/me")
	require.ErrorIs(t, err, middleware.ErrEmptyMessage)
	room, _ = s.Room(roomID)
	require.Len(t, room.Timeline, 2)
	require.Len(t, client.sent, 1)
}

func TestSendMessageFailureAndResend(t *testing.T) {
	boom := errors.New("rejected")
	client := &fakeClient{sendErr: boom}
	bus := dispatch.New()
	actions := collect(bus)
	s := newStore(client, bus)
	ctx := context.Background()
	s.ApplySync(ctx, syncWith(false, "p1", message("$a", 1)))

	txnID, err := s.SendMessage(ctx, roomID, "hello")
	require.ErrorIs(t, err, boom)

	room, _ := s.Room(roomID)
	require.Len(t, room.Timeline, 2)
	require.Equal(t, timeline.StatusNotSent, room.Timeline[1].Status)
	require.Equal(t, []string{txnID}, s.UnsentMessages(roomID))
	require.Equal(t, dispatch.MessageSendFailed, (*actions)[0].Type)
	require.ErrorIs(t, (*actions)[0].Err, boom)

	// Remote events land before the pending echo.
	s.ApplySync(ctx, syncWith(false, "", message("$b", 3)))
	room, _ = s.Room(roomID)
	require.Equal(t, []string{"$a", "$b", "~" + txnID}, timelineIDs(room))

	client.sendErr = nil
	require.NoError(t, s.Resend(ctx, roomID, txnID))
	require.Equal(t, []string{txnID, txnID}, client.sent)
	room, _ = s.Room(roomID)
	require.Equal(t, []string{"$a", "$b", "$sent-" + txnID}, timelineIDs(room))
	require.Empty(t, s.UnsentMessages(roomID))
}

func TestRemoteEchoReplacesLocalEcho(t *testing.T) {
	s := newStore(&fakeClient{}, nil)
	ctx := context.Background()
	s.ApplySync(ctx, syncWith(false, "p1", message("$a", 1)))

	s.mu.Lock()
	r := s.rooms[roomID]
	r.snap.Timeline = append(r.snap.Timeline, timeline.Event{ID: "~t1", TxnID: "t1", Status: timeline.StatusSending})
	s.mu.Unlock()

	remote := message("$remote", 2)
	remote.Unsigned = &matrix.Unsigned{TransactionID: "t1"}
	s.ApplySync(ctx, syncWith(false, "", remote))

	room, _ := s.Room(roomID)
	require.Equal(t, []string{"$a", "$remote"}, timelineIDs(room))
	require.Equal(t, timeline.StatusSent, room.Timeline[1].Status)
}

func TestDiscardUnsent(t *testing.T) {
	client := &fakeClient{sendErr: errors.New("nope")}
	s := newStore(client, nil)
	ctx := context.Background()
	s.ApplySync(ctx, syncWith(false, "p1", message("$a", 1)))

	txnID, err := s.SendMessage(ctx, roomID, "hello")
	require.Error(t, err)
	require.True(t, s.DiscardUnsent(roomID, txnID))
	require.False(t, s.DiscardUnsent(roomID, txnID))

	room, _ := s.Room(roomID)
	require.Equal(t, []string{"$a"}, timelineIDs(room))
}

func TestSendToUnknownRoom(t *testing.T) {
	s := newStore(&fakeClient{}, nil)
	_, err := s.SendMessage(context.Background(), roomID, "hi")
	require.ErrorIs(t, err, ErrRoomNotFound)

	txnID, err := s.SendMessage(context.Background(), roomID, "   ")
	require.NoError(t, err)
	require.Empty(t, txnID)
}

func TestJoinMarksRoomJoined(t *testing.T) {
	client := &fakeClient{}
	s := newStore(client, nil)
	rec := &recorder{}
	s.Subscribe(roomID, rec, nil)

	require.NoError(t, s.Join(context.Background(), roomID))
	room, ok := s.Room(roomID)
	require.True(t, ok)
	require.True(t, room.Joined)
	require.Equal(t, []string{roomID}, client.joined)
	require.Len(t, rec.names, 1)
}

func TestSubscribeDeliversOnLoop(t *testing.T) {
	s := newStore(&fakeClient{}, nil)
	lp := loop.NewEventLoop()
	rec := &recorder{}
	unsubscribe := s.Subscribe(roomID, rec, lp)

	s.ApplySync(context.Background(), syncWith(false, "p1", message("$a", 1)))
	require.Empty(t, rec.events)
	lp.Drain()
	require.Len(t, rec.events, 1)

	unsubscribe()
	unsubscribe()
	s.ApplySync(context.Background(), syncWith(false, "", message("$b", 2)))
	lp.Drain()
	require.Len(t, rec.events, 1)
}

func TestRunStopsOnInvalidToken(t *testing.T) {
	client := &fakeClient{syncErr: fmt.Errorf("sync: %w", matrix.ErrInvalidToken)}
	s := newStore(client, nil)

	err := s.Run(context.Background(), roomID)
	require.ErrorIs(t, err, matrix.ErrInvalidToken)
}

func TestRunAppliesSyncsUntilCanceled(t *testing.T) {
	client := &fakeClient{syncs: []*matrix.SyncResponse{
		syncWith(false, "p1", message("$a", 1)),
		syncWith(false, "", message("$b", 2)),
	}}
	s := newStore(client, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, roomID) }()

	require.Eventually(t, func() bool {
		room, ok := s.Room(roomID)
		return ok && len(room.Timeline) == 2
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestHealthTracksSyncLoop(t *testing.T) {
	client := &fakeClient{syncErr: fmt.Errorf("sync: %w", matrix.ErrInvalidToken)}
	s := newStore(client, nil)
	require.ErrorContains(t, s.Healthy(time.Minute), "no sync completed")

	require.Error(t, s.Run(context.Background(), roomID))
	last, err := s.SyncStatus()
	require.True(t, last.IsZero())
	require.ErrorIs(t, err, matrix.ErrInvalidToken)
	require.ErrorContains(t, s.Healthy(time.Minute), "last sync failed")

	s.recordSync(nil)
	require.NoError(t, s.Healthy(time.Minute))
	require.ErrorContains(t, s.Healthy(-time.Second), "ago")
}

func TestPreloadFromCache(t *testing.T) {
	ctx := context.Background()
	c, err := cache.Open(ctx, filepath.Join(t.TempDir(), "cache.db"), 100)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	s := New(Options{Client: &fakeClient{}, Cache: c})

	// Nothing cached yet is not an error.
	require.NoError(t, s.Preload(ctx, roomID))
	_, ok := s.Room(roomID)
	require.False(t, ok)

	ev := convertEvent(message("$a", 1))
	require.NoError(t, c.AppendEvents(ctx, roomID, []timeline.Event{ev}, "p1"))
	require.NoError(t, s.Preload(ctx, roomID))
	room, ok := s.Room(roomID)
	require.True(t, ok)
	require.Equal(t, []string{"$a"}, timelineIDs(room))
	require.Equal(t, "p1", room.PaginationToken)
}

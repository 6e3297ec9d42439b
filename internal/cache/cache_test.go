package cache

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shawkym/mxview/pkg/timeline"
)

const roomID = "!room:example.org"

var base = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func openCache(t *testing.T, maxPerRoom int) *Cache {
	t.Helper()
	c, err := Open(context.Background(), filepath.Join(t.TempDir(), "cache.db"), maxPerRoom)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func events(prefix string, from, n int) []timeline.Event {
	out := make([]timeline.Event, n)
	for i := range out {
		out[i] = timeline.Event{
			ID:        fmt.Sprintf("$%s%d", prefix, from+i),
			Type:      "m.room.message",
			Sender:    "@alice:example.org",
			Timestamp: base.Add(time.Duration(from+i) * time.Minute),
			Content:   map[string]interface{}{"msgtype": "m.text", "body": fmt.Sprintf("%s %d", prefix, from+i)},
		}
	}
	return out
}

func ids(room *timeline.Room) []string {
	out := make([]string, len(room.Timeline))
	for i, ev := range room.Timeline {
		out[i] = ev.ID
	}
	return out
}

func TestLoadRoomNotCached(t *testing.T) {
	c := openCache(t, 0)

	_, err := c.LoadRoom(context.Background(), roomID)
	require.ErrorIs(t, err, ErrNotCached)
}

func TestAppendAndPrependKeepOrder(t *testing.T) {
	ctx := context.Background()
	c := openCache(t, 0)

	require.NoError(t, c.AppendEvents(ctx, roomID, events("e", 10, 3), "p10"))
	require.NoError(t, c.AppendEvents(ctx, roomID, events("e", 13, 2), "p13"))
	require.NoError(t, c.PrependEvents(ctx, roomID, events("e", 7, 3), "p7"))

	room, err := c.LoadRoom(ctx, roomID)
	require.NoError(t, err)
	require.Equal(t, []string{"$e7", "$e8", "$e9", "$e10", "$e11", "$e12", "$e13", "$e14"}, ids(room))
	require.Equal(t, "p7", room.PaginationToken)

	first := room.Timeline[0]
	require.Equal(t, "e 7", first.Body())
	require.True(t, first.Timestamp.Equal(base.Add(7*time.Minute)))
}

func TestFirstAppendSetsPaginationToken(t *testing.T) {
	ctx := context.Background()
	c := openCache(t, 0)

	require.NoError(t, c.AppendEvents(ctx, roomID, events("e", 0, 2), "start-token"))
	require.NoError(t, c.AppendEvents(ctx, roomID, events("e", 2, 2), "later-token"))

	room, err := c.LoadRoom(ctx, roomID)
	require.NoError(t, err)
	require.Equal(t, "start-token", room.PaginationToken)
}

func TestPrependWithEmptyEndMarksStartOfRoom(t *testing.T) {
	ctx := context.Background()
	c := openCache(t, 0)

	require.NoError(t, c.AppendEvents(ctx, roomID, events("e", 5, 1), "p5"))
	require.NoError(t, c.PrependEvents(ctx, roomID, events("e", 0, 5), ""))

	room, err := c.LoadRoom(ctx, roomID)
	require.NoError(t, err)
	require.Empty(t, room.PaginationToken)
	require.Len(t, room.Timeline, 6)
}

func TestLocalEchoesAndDuplicatesAreNotStored(t *testing.T) {
	ctx := context.Background()
	c := openCache(t, 0)

	evs := events("e", 0, 2)
	echo := timeline.Event{ID: "~txn", Type: "m.room.message", Status: timeline.StatusSending, TxnID: "txn"}
	require.NoError(t, c.AppendEvents(ctx, roomID, append(evs, echo), "p0"))
	require.NoError(t, c.AppendEvents(ctx, roomID, evs[1:], ""))

	room, err := c.LoadRoom(ctx, roomID)
	require.NoError(t, err)
	require.Equal(t, []string{"$e0", "$e1"}, ids(room))
}

func TestStateKeyRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := openCache(t, 0)

	empty := ""
	member := "@bob:example.org"
	evs := []timeline.Event{
		{ID: "$topic", Type: "m.room.topic", Sender: "@a:x", Timestamp: base, StateKey: &empty,
			Content: map[string]interface{}{"topic": "hello"}},
		{ID: "$member", Type: "m.room.member", Sender: "@b:x", Timestamp: base, StateKey: &member,
			Content: map[string]interface{}{"membership": "join"}},
		{ID: "$msg", Type: "m.room.message", Sender: "@a:x", Timestamp: base,
			Content: map[string]interface{}{"body": "plain"}},
	}
	require.NoError(t, c.AppendEvents(ctx, roomID, evs, ""))

	room, err := c.LoadRoom(ctx, roomID)
	require.NoError(t, err)
	require.Len(t, room.Timeline, 3)
	require.NotNil(t, room.Timeline[0].StateKey)
	require.Equal(t, "", *room.Timeline[0].StateKey)
	require.Equal(t, member, *room.Timeline[1].StateKey)
	require.Nil(t, room.Timeline[2].StateKey)
	require.Equal(t, "hello", room.Timeline[0].ContentString("topic"))
}

func TestTrimCutsAtChunkBoundary(t *testing.T) {
	ctx := context.Background()
	c := openCache(t, 5)

	// Three sync chunks of three events each; only chunk starts carry a token.
	require.NoError(t, c.AppendEvents(ctx, roomID, events("e", 0, 3), "p0"))
	require.NoError(t, c.AppendEvents(ctx, roomID, events("e", 3, 3), "p3"))
	require.NoError(t, c.AppendEvents(ctx, roomID, events("e", 6, 3), "p6"))

	room, err := c.LoadRoom(ctx, roomID)
	require.NoError(t, err)
	// The newest five start at $e4; the first chunk start at or after it is $e6.
	require.Equal(t, []string{"$e6", "$e7", "$e8"}, ids(room))
	require.Equal(t, "p6", room.PaginationToken)
}

func TestTrimKeepsEverythingWithoutBoundary(t *testing.T) {
	ctx := context.Background()
	c := openCache(t, 2)

	require.NoError(t, c.AppendEvents(ctx, roomID, events("e", 0, 5), "p0"))

	room, err := c.LoadRoom(ctx, roomID)
	require.NoError(t, err)
	require.Len(t, room.Timeline, 5)
	require.Equal(t, "p0", room.PaginationToken)
}

func TestResetRoomAndMeta(t *testing.T) {
	ctx := context.Background()
	c := openCache(t, 0)

	require.NoError(t, c.AppendEvents(ctx, roomID, events("e", 0, 3), "p0"))
	require.NoError(t, c.SaveRoomMeta(ctx, roomID, "General", "Talk"))
	require.NoError(t, c.ResetRoom(ctx, roomID))

	room, err := c.LoadRoom(ctx, roomID)
	require.NoError(t, err)
	require.Empty(t, room.Timeline)
	require.Empty(t, room.PaginationToken)
	require.Equal(t, "General", room.Name)
	require.Equal(t, "Talk", room.Topic)
}

func TestSyncToken(t *testing.T) {
	ctx := context.Background()
	c := openCache(t, 0)

	token, err := c.SyncToken(ctx, roomID)
	require.NoError(t, err)
	require.Empty(t, token)

	require.NoError(t, c.SetSyncToken(ctx, roomID, "s1"))
	require.NoError(t, c.SetSyncToken(ctx, roomID, "s2"))

	token, err = c.SyncToken(ctx, roomID)
	require.NoError(t, err)
	require.Equal(t, "s2", token)
}

func TestReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "sub", "cache.db")

	c, err := Open(ctx, path, 0)
	require.NoError(t, err)
	require.NoError(t, c.AppendEvents(ctx, roomID, events("e", 0, 2), "p0"))
	require.NoError(t, c.Close())

	c, err = Open(ctx, path, 0)
	require.NoError(t, err)
	defer c.Close()

	room, err := c.LoadRoom(ctx, roomID)
	require.NoError(t, err)
	require.Equal(t, []string{"$e0", "$e1"}, ids(room))
}

package matrix

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/shawkym/mxview/pkg/metrics"
)

const testRoomID = "!room:example.org"

func testClient(t *testing.T, handler http.HandlerFunc) (*Client, *metrics.Metrics) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	m := metrics.NewMetrics(nil)
	c := NewClient(server.URL, "token", "@alice:example.org", Options{
		Timeout:    2 * time.Second,
		MaxRetries: 3,
		Backoff:    time.Millisecond,
		Metrics:    m,
	})
	return c, m
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func TestMessagesSendsPaginationQuery(t *testing.T) {
	c, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("unexpected method: got %q want GET", r.Method)
		}
		wantPath := "/_matrix/client/v3/rooms/" + testRoomID + "/messages"
		if r.URL.Path != wantPath {
			t.Errorf("unexpected path: got %q want %q", r.URL.Path, wantPath)
		}
		q := r.URL.Query()
		if q.Get("dir") != "b" || q.Get("from") != "t42" || q.Get("limit") != "20" {
			t.Errorf("unexpected query: %s", r.URL.RawQuery)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer token" {
			t.Errorf("unexpected auth header: %q", got)
		}
		writeJSON(w, http.StatusOK, `{
			"start": "t42",
			"end": "t22",
			"chunk": [
				{"type": "m.room.message", "event_id": "$2", "sender": "@b:x", "origin_server_ts": 2000, "content": {"msgtype": "m.text", "body": "two"}},
				{"type": "m.room.message", "event_id": "$1", "sender": "@b:x", "origin_server_ts": 1000, "content": {"msgtype": "m.text", "body": "one"}}
			]
		}`)
	})

	resp, err := c.Messages(context.Background(), testRoomID, "t42", "b", 20)
	if err != nil {
		t.Fatalf("Messages failed: %v", err)
	}
	if resp.End != "t22" {
		t.Errorf("End = %q, want t22", resp.End)
	}
	if len(resp.Chunk) != 2 || resp.Chunk[0].EventID != "$2" {
		t.Fatalf("unexpected chunk: %+v", resp.Chunk)
	}
	if body := resp.Chunk[1].Content["body"]; body != "one" {
		t.Errorf("body = %v", body)
	}
}

func TestSendMessageUsesTxnID(t *testing.T) {
	c, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("unexpected method: got %q want PUT", r.Method)
		}
		wantPath := "/_matrix/client/v3/rooms/" + testRoomID + "/send/m.room.message/txn-1"
		if r.URL.Path != wantPath {
			t.Errorf("unexpected path: got %q want %q", r.URL.Path, wantPath)
		}
		if ct := r.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
			t.Errorf("unexpected content-type: got %q", ct)
		}
		var payload map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("failed to parse JSON body: %v", err)
		}
		if payload["msgtype"] != "m.text" || payload["body"] != "hello" {
			t.Errorf("unexpected payload: %v", payload)
		}
		writeJSON(w, http.StatusOK, `{"event_id":"$sent"}`)
	})

	eventID, err := c.SendMessage(context.Background(), testRoomID, "txn-1", "hello")
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if eventID != "$sent" {
		t.Errorf("event_id = %q, want $sent", eventID)
	}
}

func TestSendMessageSkipsBlankBody(t *testing.T) {
	var calls int32
	c, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	})

	if _, err := c.SendMessage(context.Background(), testRoomID, "", "   "); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if calls != 0 {
		t.Errorf("blank message hit the server %d times", calls)
	}
}

func TestNewTxnIDUnique(t *testing.T) {
	a, b := NewTxnID(), NewTxnID()
	if a == b {
		t.Fatalf("transaction IDs collide: %s", a)
	}
	if !strings.HasPrefix(a, "mxview-") {
		t.Errorf("unexpected txn prefix: %s", a)
	}
}

func TestRateLimitedRequestIsRetried(t *testing.T) {
	var calls int32
	c, m := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			writeJSON(w, http.StatusTooManyRequests, `{"errcode":"M_LIMIT_EXCEEDED","error":"slow down","retry_after_ms":10}`)
			return
		}
		writeJSON(w, http.StatusOK, `{}`)
	})

	if err := c.InviteUser(context.Background(), testRoomID, "@bob:example.org"); err != nil {
		t.Fatalf("InviteUser failed: %v", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
	if got := testutil.ToFloat64(m.RateLimitHits.WithLabelValues("invite")); got != 1 {
		t.Errorf("rate limit hits = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.MatrixRequests.WithLabelValues("invite", "2xx")); got != 1 {
		t.Errorf("2xx requests = %v, want 1", got)
	}
}

func TestServerErrorIsRetried(t *testing.T) {
	var calls int32
	c, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) <= 2 {
			writeJSON(w, http.StatusBadGateway, `bad gateway`)
			return
		}
		writeJSON(w, http.StatusOK, `{"room_id":"!joined:example.org"}`)
	})

	roomID, err := c.JoinRoom(context.Background(), "#general:example.org")
	if err != nil {
		t.Fatalf("JoinRoom failed: %v", err)
	}
	if roomID != "!joined:example.org" {
		t.Errorf("room_id = %q", roomID)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestClientErrorIsNotRetried(t *testing.T) {
	var calls int32
	c, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		writeJSON(w, http.StatusForbidden, `{"errcode":"M_FORBIDDEN","error":"not allowed"}`)
	})

	err := c.SetRoomName(context.Background(), testRoomID, "New name")
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if !IsForbidden(err) {
		t.Errorf("IsForbidden(%v) = false", err)
	}
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.ErrCode != "M_FORBIDDEN" || httpErr.Call != "state" {
		t.Errorf("unexpected error: %#v", err)
	}
}

func TestUnknownTokenMapsToSentinel(t *testing.T) {
	c, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, `{"errcode":"M_UNKNOWN_TOKEN","error":"Invalid access token"}`)
	})

	_, err := c.Sync(context.Background(), "", 0, "")
	if !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("Sync error = %v, want ErrInvalidToken", err)
	}
}

func TestContextCancelStopsRetries(t *testing.T) {
	var calls int32
	c, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		writeJSON(w, http.StatusTooManyRequests, `{"errcode":"M_LIMIT_EXCEEDED","retry_after_ms":60000}`)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.Messages(ctx, testRoomID, "t1", "b", 20)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Messages error = %v, want deadline exceeded", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestSyncParsesRoomSections(t *testing.T) {
	c, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("since") != "s1" || q.Get("timeout") != "1000" || q.Get("set_presence") != "offline" {
			t.Errorf("unexpected query: %s", r.URL.RawQuery)
		}
		writeJSON(w, http.StatusOK, `{
			"next_batch": "s2",
			"rooms": {"join": {"!room:example.org": {
				"state": {"events": [{"type": "m.room.name", "state_key": "", "content": {"name": "General"}}]},
				"timeline": {
					"events": [{"type": "m.room.message", "event_id": "$1", "sender": "@alice:example.org", "content": {"body": "hi"}, "unsigned": {"transaction_id": "txn-9"}}],
					"limited": true,
					"prev_batch": "p1"
				},
				"ephemeral": {"events": [{"type": "m.typing", "content": {"user_ids": ["@bob:example.org"]}}]}
			}}}
		}`)
	})

	resp, err := c.Sync(context.Background(), "s1", time.Second, "")
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if resp.NextBatch != "s2" {
		t.Errorf("NextBatch = %q", resp.NextBatch)
	}
	room, ok := resp.Rooms.Join[testRoomID]
	if !ok {
		t.Fatal("joined room missing")
	}
	if !room.Timeline.Limited || room.Timeline.PrevBatch != "p1" {
		t.Errorf("timeline = %+v", room.Timeline)
	}
	if got := room.Timeline.Events[0].TransactionID(); got != "txn-9" {
		t.Errorf("TransactionID = %q", got)
	}
	if sk := room.State.Events[0].StateKey; sk == nil || *sk != "" {
		t.Errorf("state_key = %v, want empty string", sk)
	}
	if len(room.Ephemeral.Events) != 1 {
		t.Errorf("ephemeral events = %d", len(room.Ephemeral.Events))
	}
}

func TestLoginWithPassword(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/_matrix/client/v3/login" {
			t.Errorf("unexpected path: %q", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "" {
			t.Error("login must not send an access token")
		}
		body, _ := io.ReadAll(r.Body)
		var payload struct {
			Type       string `json:"type"`
			Identifier struct {
				User string `json:"user"`
			} `json:"identifier"`
			Password string `json:"password"`
		}
		if err := json.Unmarshal(body, &payload); err != nil {
			t.Errorf("failed to parse JSON body: %v", err)
		}
		if payload.Type != "m.login.password" || payload.Identifier.User != "alice" || payload.Password != "secret" {
			t.Errorf("unexpected payload: %s", body)
		}
		writeJSON(w, http.StatusOK, `{"access_token":"new-token","user_id":"@alice:example.org"}`)
	}))
	defer server.Close()

	token, userID, err := LoginWithPassword(context.Background(), server.URL+"/_matrix/client", "@alice:example.org", "secret", Options{})
	if err != nil {
		t.Fatalf("LoginWithPassword failed: %v", err)
	}
	if token != "new-token" || userID != "@alice:example.org" {
		t.Errorf("got %q %q", token, userID)
	}
}

func TestCreateRoomSendsRequest(t *testing.T) {
	c, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req CreateRoomRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("failed to parse JSON body: %v", err)
		}
		if req.Preset != PresetPrivateChat || req.Name != "Team" || req.RoomAliasName != "team" {
			t.Errorf("unexpected request: %+v", req)
		}
		if len(req.Invite) != 1 || req.Invite[0] != "@bob:example.org" {
			t.Errorf("unexpected invites: %v", req.Invite)
		}
		if len(req.InitialState) != 1 || req.InitialState[0].Type != "m.room.history_visibility" {
			t.Errorf("unexpected initial state: %+v", req.InitialState)
		}
		writeJSON(w, http.StatusOK, `{"room_id":"!new:example.org"}`)
	})

	roomID, err := c.CreateRoom(context.Background(), CreateRoomRequest{
		Preset:        PresetPrivateChat,
		Name:          "Team",
		RoomAliasName: "team",
		Invite:        []string{"@bob:example.org"},
		InitialState: []StateEvent{{
			Type:    "m.room.history_visibility",
			Content: map[string]interface{}{"history_visibility": "shared"},
		}},
	})
	if err != nil {
		t.Fatalf("CreateRoom failed: %v", err)
	}
	if roomID != "!new:example.org" {
		t.Errorf("room_id = %q", roomID)
	}
}

func TestSendStateEventPath(t *testing.T) {
	tests := []struct {
		name     string
		stateKey string
		wantPath string
	}{
		{"empty state key", "", "/_matrix/client/v3/rooms/" + testRoomID + "/state/m.room.join_rules"},
		{"user state key", "@bob:example.org", "/_matrix/client/v3/rooms/" + testRoomID + "/state/m.room.join_rules/@bob:example.org"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != tt.wantPath {
					t.Errorf("unexpected path: got %q want %q", r.URL.Path, tt.wantPath)
				}
				writeJSON(w, http.StatusOK, `{"event_id":"$s"}`)
			})
			if _, err := c.SendStateEvent(context.Background(), testRoomID, "m.room.join_rules", tt.stateKey,
				map[string]interface{}{"join_rule": "invite"}); err != nil {
				t.Fatalf("SendStateEvent failed: %v", err)
			}
		})
	}
}

func TestCleanBaseURL(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"https://matrix.example.org", "https://matrix.example.org"},
		{"https://matrix.example.org/", "https://matrix.example.org"},
		{" https://matrix.example.org/_matrix/client/v3 ", "https://matrix.example.org"},
	}
	for _, tt := range tests {
		if got := cleanBaseURL(tt.in); got != tt.want {
			t.Errorf("cleanBaseURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestBuildSyncFilter(t *testing.T) {
	var filter struct {
		Room struct {
			Rooms    []string `json:"rooms"`
			Timeline struct {
				Limit int `json:"limit"`
			} `json:"timeline"`
		} `json:"room"`
	}
	if err := json.Unmarshal([]byte(BuildSyncFilter(testRoomID, 0)), &filter); err != nil {
		t.Fatalf("filter is not JSON: %v", err)
	}
	if len(filter.Room.Rooms) != 1 || filter.Room.Rooms[0] != testRoomID {
		t.Errorf("rooms = %v", filter.Room.Rooms)
	}
	if filter.Room.Timeline.Limit != 50 {
		t.Errorf("limit = %d, want default 50", filter.Room.Timeline.Limit)
	}
}

package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shawkym/mxview/internal/matrix"
	"github.com/shawkym/mxview/pkg/dispatch"
	"github.com/shawkym/mxview/pkg/log"
	"github.com/shawkym/mxview/pkg/middleware"
	"github.com/shawkym/mxview/pkg/timeline"
)

// SendMessage runs body through the outgoing chain, adds a local echo of
// the result to roomID and sends it. It blocks until the homeserver
// answers; the echo is visible immediately. The echo ends up sent or
// not_sent and the matching bus action is published.
func (s *Store) SendMessage(ctx context.Context, roomID, body string) (string, error) {
	if strings.TrimSpace(body) == "" {
		return "", nil
	}
	msg, err := s.outgoing.Process(&middleware.MessageContext{
		Ctx:    ctx,
		RoomID: roomID,
		Sender: s.client.UserID(),
	}, &middleware.Message{MsgType: middleware.MsgText, Body: body})
	if err != nil {
		return "", err
	}

	txnID := matrix.NewTxnID()
	echo := timeline.Event{
		ID:        "~" + txnID,
		Type:      "m.room.message",
		Sender:    s.client.UserID(),
		Timestamp: time.Now(),
		Content:   msg.Content(),
		Status:    timeline.StatusSending,
		TxnID:     txnID,
	}

	s.mu.Lock()
	r, ok := s.rooms[roomID]
	if !ok {
		s.mu.Unlock()
		return "", fmt.Errorf("send to %s: %w", roomID, ErrRoomNotFound)
	}
	r.snap.Timeline = append(r.snap.Timeline, echo)
	s.notifyTimelineLocked(roomID, r, echo)
	s.mu.Unlock()

	return txnID, s.send(ctx, roomID, txnID, echo.Content)
}

// Resend retries a not_sent local echo under its original transaction ID.
func (s *Store) Resend(ctx context.Context, roomID, txnID string) error {
	s.mu.Lock()
	r, ok := s.rooms[roomID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("resend in %s: %w", roomID, ErrRoomNotFound)
	}
	i := r.findEcho(txnID)
	if i < 0 || r.snap.Timeline[i].Status != timeline.StatusNotSent {
		s.mu.Unlock()
		return fmt.Errorf("no unsent message %s in %s", txnID, roomID)
	}
	r.setStatus(i, timeline.StatusSending)
	echo := r.snap.Timeline[i]
	s.notifyTimelineLocked(roomID, r, echo)
	s.mu.Unlock()

	return s.send(ctx, roomID, txnID, echo.Content)
}

// UnsentMessages returns the transaction IDs of not_sent echoes in roomID,
// oldest first.
func (s *Store) UnsentMessages(roomID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return nil
	}
	var out []string
	for _, ev := range r.snap.Timeline {
		if ev.Status == timeline.StatusNotSent {
			out = append(out, ev.TxnID)
		}
	}
	return out
}

// DiscardUnsent removes a not_sent local echo. Listeners get the new
// snapshot through OnRoomName.
func (s *Store) DiscardUnsent(roomID, txnID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return false
	}
	i := r.findEcho(txnID)
	if i < 0 || r.snap.Timeline[i].Status != timeline.StatusNotSent {
		return false
	}
	r.remove(i)
	snap := r.snap.Clone()
	for _, sub := range s.listenersLocked(roomID) {
		deliver(sub, func(l timeline.Listener) { l.OnRoomName(snap) })
	}
	return true
}

func (s *Store) send(ctx context.Context, roomID, txnID string, content map[string]interface{}) error {
	eventID, err := s.client.SendEvent(ctx, roomID, "m.room.message", txnID, content)

	s.mu.Lock()
	r := s.rooms[roomID]
	var echo timeline.Event
	found := false
	if r != nil {
		if i := r.findEcho(txnID); i >= 0 && r.snap.Timeline[i].Status != timeline.StatusSent {
			if err != nil {
				r.setStatus(i, timeline.StatusNotSent)
				echo = r.snap.Timeline[i]
			} else {
				echo = r.snap.Timeline[i]
				echo.ID = eventID
				echo.Status = timeline.StatusSent
				r.remove(i)
				if r.add(echo) {
					r.appendRemote(echo)
				}
			}
			found = true
		}
	}
	if found {
		s.notifyTimelineLocked(roomID, r, echo)
	}
	s.mu.Unlock()

	if err != nil {
		log.WithError(err).WithFields(map[string]interface{}{
			"room_id": roomID,
			"txn_id":  txnID,
		}).Warn("message send failed")
		s.bus.Dispatch(dispatch.Action{Type: dispatch.MessageSendFailed, RoomID: roomID, Err: err})
		return err
	}

	log.WithFields(map[string]interface{}{
		"room_id":  roomID,
		"event_id": eventID,
	}).Debug("message sent")
	s.bus.Dispatch(dispatch.Action{Type: dispatch.MessageSent, RoomID: roomID})
	return nil
}

// notifyTimelineLocked posts an update for ev. s.mu must be held.
func (s *Store) notifyTimelineLocked(roomID string, r *room, ev timeline.Event) {
	snap := r.snap.Clone()
	for _, sub := range s.listenersLocked(roomID) {
		deliver(sub, func(l timeline.Listener) { l.OnTimelineEvent(ev, snap, false) })
	}
}

func (r *room) findEcho(txnID string) int {
	for i := len(r.snap.Timeline) - 1; i >= 0; i-- {
		if r.snap.Timeline[i].TxnID == txnID {
			return i
		}
	}
	return -1
}

// resolveEcho replaces the pending echo of txnID with its remote event and
// reports whether one was found.
func (r *room) resolveEcho(txnID string, ev timeline.Event) bool {
	i := r.findEcho(txnID)
	if i < 0 || r.snap.Timeline[i].Status == timeline.StatusSent {
		return false
	}
	r.remove(i)
	if r.add(ev) {
		r.appendRemote(ev)
	}
	return true
}

// appendRemote inserts ev before any trailing local echoes.
func (r *room) appendRemote(ev timeline.Event) {
	tl := r.snap.Timeline
	i := len(tl)
	for i > 0 && tl[i-1].Status != timeline.StatusSent {
		i--
	}
	tl = append(tl, timeline.Event{})
	copy(tl[i+1:], tl[i:])
	tl[i] = ev
	r.snap.Timeline = tl
}

func (r *room) remove(i int) {
	r.snap.Timeline = append(r.snap.Timeline[:i:i], r.snap.Timeline[i+1:]...)
}

func (r *room) setStatus(i int, status timeline.SendStatus) {
	r.snap.Timeline[i].Status = status
}

func (r *room) pendingEchoes() []timeline.Event {
	var out []timeline.Event
	for _, ev := range r.snap.Timeline {
		if ev.Status != timeline.StatusSent {
			out = append(out, ev)
		}
	}
	return out
}

func (r *room) remoteCount() int {
	n := 0
	for _, ev := range r.snap.Timeline {
		if ev.Status == timeline.StatusSent {
			n++
		}
	}
	return n
}

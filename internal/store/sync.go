package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shawkym/mxview/internal/matrix"
	"github.com/shawkym/mxview/pkg/log"
	"github.com/shawkym/mxview/pkg/timeline"
)

// Run syncs roomID until ctx is canceled. Transient sync failures are
// retried after RetryDelay; an invalid access token ends the loop.
func (s *Store) Run(ctx context.Context, roomID string) error {
	filter := matrix.BuildSyncFilter(roomID, s.syncLimit)

	since := ""
	if s.cache != nil {
		token, err := s.cache.SyncToken(ctx, roomID)
		if err != nil {
			log.WithError(err).Warn("failed to read cached sync token")
		}
		since = token
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		// The first sync returns immediately with the current state.
		timeout := s.syncTimeout
		if since == "" {
			timeout = 0
		}
		resp, err := s.client.Sync(ctx, since, timeout, filter)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.recordSync(err)
			if errors.Is(err, matrix.ErrInvalidToken) {
				return err
			}
			log.WithError(err).WithField("room_id", roomID).Warn("matrix sync failed")
			if !sleep(ctx, s.retryDelay) {
				return nil
			}
			continue
		}

		s.recordSync(nil)
		s.ApplySync(ctx, resp)
		if resp.NextBatch != "" {
			since = resp.NextBatch
			if s.cache != nil {
				if err := s.cache.SetSyncToken(ctx, roomID, since); err != nil {
					log.WithError(err).Warn("failed to store sync token")
				}
			}
		}
	}
}

// SyncStatus reports when the sync loop last completed a request and the
// error of the latest attempt, if it failed.
func (s *Store) SyncStatus() (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSync, s.syncErr
}

// Healthy returns nil while the sync loop keeps up. maxAge bounds how long
// ago the last successful sync may have finished.
func (s *Store) Healthy(maxAge time.Duration) error {
	last, err := s.SyncStatus()
	switch {
	case err != nil:
		return fmt.Errorf("last sync failed: %w", err)
	case last.IsZero():
		return errors.New("no sync completed yet")
	case time.Since(last) > maxAge:
		return fmt.Errorf("last sync finished %s ago", time.Since(last).Round(time.Second))
	}
	return nil
}

func (s *Store) recordSync(err error) {
	s.mu.Lock()
	s.syncErr = err
	if err == nil {
		s.lastSync = time.Now()
	}
	s.mu.Unlock()
	s.metrics.RecordSync(err)
}

// ApplySync folds one sync response into the store and notifies listeners.
func (s *Store) ApplySync(ctx context.Context, resp *matrix.SyncResponse) {
	if resp == nil {
		return
	}
	for roomID, joined := range resp.Rooms.Join {
		s.applyJoinedRoom(ctx, roomID, joined, true)
	}
	for roomID, left := range resp.Rooms.Leave {
		s.applyJoinedRoom(ctx, roomID, left, false)
	}
	for roomID, invited := range resp.Rooms.Invite {
		s.applyInvite(roomID, invited)
	}
}

func (s *Store) applyJoinedRoom(ctx context.Context, roomID string, sr matrix.SyncRoom, joined bool) {
	self := s.client.UserID()

	s.mu.Lock()
	r := s.roomLocked(roomID)
	r.snap.Joined = joined

	renamed := false
	for _, mev := range sr.State.Events {
		if r.applyState(convertEvent(mev)) {
			renamed = true
		}
	}

	// A limited timeline leaves a gap after what we hold: start over from
	// this chunk.
	reset := false
	if sr.Timeline.Limited && r.remoteCount() > 0 {
		r.snap.Timeline = r.pendingEchoes()
		r.seen = make(map[string]struct{})
		reset = true
	}
	if r.remoteCount() == 0 {
		r.snap.PaginationToken = sr.Timeline.PrevBatch
	}

	var added []timeline.Event
	for _, mev := range sr.Timeline.Events {
		ev := convertEvent(mev)
		if r.applyState(ev) {
			renamed = true
		}
		if txnID := mev.TransactionID(); txnID != "" && r.resolveEcho(txnID, ev) {
			added = append(added, ev)
			continue
		}
		if !r.add(ev) {
			continue
		}
		r.appendRemote(ev)
		added = append(added, ev)
	}

	typingChanged := false
	for _, mev := range sr.Ephemeral.Events {
		if mev.Type != "m.typing" {
			continue
		}
		r.snap.Typing = typingUsers(mev.Content, self)
		typingChanged = true
	}

	snap := r.snap.Clone()
	notify := s.listenersLocked(roomID)
	s.mu.Unlock()

	if s.cache != nil {
		if reset {
			if err := s.cache.ResetRoom(ctx, roomID); err != nil {
				log.WithError(err).WithField("room_id", roomID).Warn("failed to reset cached room")
			}
		}
		if len(added) > 0 {
			if err := s.cache.AppendEvents(ctx, roomID, added, sr.Timeline.PrevBatch); err != nil {
				log.WithError(err).WithField("room_id", roomID).Warn("failed to cache events")
			}
		}
		if renamed {
			if err := s.cache.SaveRoomMeta(ctx, roomID, snap.Name, snap.Topic); err != nil {
				log.WithError(err).WithField("room_id", roomID).Warn("failed to cache room metadata")
			}
		}
	}

	if len(added) > 0 || reset {
		log.WithFields(map[string]interface{}{
			"room_id": roomID,
			"events":  len(added),
			"limited": sr.Timeline.Limited,
		}).Debug("sync applied")
	}

	for _, sub := range notify {
		for _, ev := range added {
			ev := ev
			deliver(sub, func(l timeline.Listener) { l.OnTimelineEvent(ev, snap, false) })
		}
		if renamed {
			deliver(sub, func(l timeline.Listener) { l.OnRoomName(snap) })
		}
		if typingChanged {
			typing := snap.Typing
			deliver(sub, func(l timeline.Listener) { l.OnMemberTyping(roomID, typing) })
		}
	}
}

func (s *Store) applyInvite(roomID string, ir matrix.SyncInvitedRoom) {
	s.mu.Lock()
	r := s.roomLocked(roomID)
	r.snap.Joined = false
	for _, mev := range ir.InviteState.Events {
		r.applyState(convertEvent(mev))
	}
	snap := r.snap.Clone()
	notify := s.listenersLocked(roomID)
	s.mu.Unlock()

	for _, sub := range notify {
		deliver(sub, func(l timeline.Listener) { l.OnRoomName(snap) })
	}
}

func typingUsers(content map[string]interface{}, self string) []string {
	raw, _ := content["user_ids"].([]interface{})
	users := make([]string, 0, len(raw))
	for _, v := range raw {
		if id, ok := v.(string); ok && id != self {
			users = append(users, id)
		}
	}
	return users
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

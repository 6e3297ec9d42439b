package store

import (
	"context"
	"fmt"

	"github.com/shawkym/mxview/pkg/log"
	"github.com/shawkym/mxview/pkg/timeline"
)

// Backfill fetches up to limit events older than what roomID holds and
// prepends them. It is a no-op when the start of the room has been reached
// or another backfill for the room is running.
func (s *Store) Backfill(ctx context.Context, roomID string, limit int) error {
	s.mu.Lock()
	r, ok := s.rooms[roomID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("backfill %s: %w", roomID, ErrRoomNotFound)
	}
	from := r.snap.PaginationToken
	if from == "" || r.backfill {
		s.mu.Unlock()
		return nil
	}
	r.backfill = true
	s.mu.Unlock()

	resp, err := s.client.Messages(ctx, roomID, from, "b", limit)

	s.mu.Lock()
	r.backfill = false
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("backfill %s: %w", roomID, err)
	}
	// A limited sync reset the room while we were waiting.
	if r.snap.PaginationToken != from {
		s.mu.Unlock()
		return nil
	}

	// Chunks of dir=b run newest first.
	var older []timeline.Event
	for i := len(resp.Chunk) - 1; i >= 0; i-- {
		ev := convertEvent(resp.Chunk[i])
		if !r.add(ev) {
			continue
		}
		older = append(older, ev)
	}
	for _, mev := range resp.State {
		ev := convertEvent(mev)
		if ev.StateKey == nil {
			continue
		}
		key := timeline.StateKey{Type: ev.Type, Key: *ev.StateKey}
		if _, known := r.snap.State[key]; !known {
			r.applyState(ev)
		}
	}

	end := resp.End
	if len(resp.Chunk) == 0 {
		end = ""
	}
	r.snap.PaginationToken = end
	r.snap.Timeline = append(older, r.snap.Timeline...)
	snap := r.snap.Clone()
	notify := s.listenersLocked(roomID)
	s.mu.Unlock()

	if s.cache != nil {
		if err := s.cache.PrependEvents(ctx, roomID, older, end); err != nil {
			log.WithError(err).WithField("room_id", roomID).Warn("failed to cache backfilled events")
		}
	}

	log.WithFields(map[string]interface{}{
		"room_id":  roomID,
		"events":   len(older),
		"at_start": end == "",
	}).Debug("backfill applied")

	for _, sub := range notify {
		for _, ev := range older {
			ev := ev
			deliver(sub, func(l timeline.Listener) { l.OnTimelineEvent(ev, snap, true) })
		}
	}
	return nil
}

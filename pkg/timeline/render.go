package timeline

import "time"

// ItemKind distinguishes date separators from tiles.
type ItemKind int

const (
	ItemTile ItemKind = iota
	ItemDateSeparator
)

// RenderItem is one row of the render set.
type RenderItem struct {
	Kind ItemKind

	// Date is set on separators: the timestamp of the first event of the new day.
	Date time.Time

	// Tile fields.
	Event        Event
	Tile         TileKind
	Continuation bool
	Last         bool
}

// RenderSet is the ordered (oldest first) list of rows to draw.
type RenderSet []RenderItem

// TileCount returns the number of tiles, not counting separators.
func (rs RenderSet) TileCount() int {
	n := 0
	for _, it := range rs {
		if it.Kind == ItemTile {
			n++
		}
	}
	return n
}

// Project builds the render set for the newest messageCap renderable events
// of events. Events without a registered tile are skipped and do not count
// towards the cap; a separator or continuation is only computed against the
// predecessor when the current event is not the oldest one in the window.
func Project(events []Event, messageCap int, reg *Registry, loc *time.Location) RenderSet {
	if loc == nil {
		loc = time.UTC
	}
	if messageCap <= 0 || len(events) == 0 {
		return RenderSet{}
	}

	// Built newest first, reversed at the end.
	rev := make([]RenderItem, 0, min(messageCap, len(events))+4)
	count := 0
	last := len(events) - 1

	for i := last; i >= 0 && count < messageCap; i-- {
		ev := events[i]
		continuation := false
		var separator *RenderItem

		if i > 0 && count < messageCap-1 {
			prev := events[i-1]
			if ev.Sender != "" && prev.Sender != "" &&
				ev.Sender == prev.Sender && ev.Type == prev.Type {
				continuation = true
			}
			if !sameDay(prev.Timestamp, ev.Timestamp, loc) {
				separator = &RenderItem{Kind: ItemDateSeparator, Date: ev.Timestamp}
				continuation = false
			}
		}

		kind := reg.Resolve(ev.Type)
		if kind == TileUnknown {
			continue
		}

		rev = append(rev, RenderItem{
			Kind:         ItemTile,
			Event:        ev,
			Tile:         kind,
			Continuation: continuation,
			Last:         i == last,
		})
		if separator != nil {
			rev = append(rev, *separator)
		}
		count++
	}

	out := make(RenderSet, len(rev))
	for i, it := range rev {
		out[len(rev)-1-i] = it
	}
	return out
}

func sameDay(a, b time.Time, loc *time.Location) bool {
	ay, am, ad := a.In(loc).Date()
	by, bm, bd := b.In(loc).Date()
	return ay == by && am == bm && ad == bd
}

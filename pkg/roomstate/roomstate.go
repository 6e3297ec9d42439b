// Package roomstate applies batches of room-state changes and invites. Every
// item of a batch runs concurrently; the batch waits for all of them, keeps
// whatever succeeded and reports the failures as one BatchError.
package roomstate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/shawkym/mxview/pkg/dispatch"
	"github.com/shawkym/mxview/pkg/log"
	"github.com/shawkym/mxview/pkg/metrics"
	"github.com/shawkym/mxview/pkg/timeline"
)

// Join rules.
const (
	JoinRuleInvite = "invite"
	JoinRulePublic = "public"
	JoinRuleKnock  = "knock"
)

// History visibilities.
const (
	HistoryShared        = "shared"
	HistoryInvited       = "invited"
	HistoryJoined        = "joined"
	HistoryWorldReadable = "world_readable"
)

// Batch kinds, used as metric labels and in BatchError.
const (
	KindSettings = "settings"
	KindInvite   = "invite"
)

// Setting names reported as failed targets.
const (
	TargetName              = "name"
	TargetTopic             = "topic"
	TargetJoinRule          = "join_rule"
	TargetHistoryVisibility = "history_visibility"
	TargetPowerLevels       = "power_levels"
)

const powerLevelsType = "m.room.power_levels"

// Client performs the individual mutations. *matrix.Client implements it.
type Client interface {
	SetRoomName(ctx context.Context, roomID, name string) error
	SetRoomTopic(ctx context.Context, roomID, topic string) error
	SendStateEvent(ctx context.Context, roomID, eventType, stateKey string, content interface{}) (string, error)
	InviteUser(ctx context.Context, roomID, userID string) error
}

// Settings is the editable part of a room's state.
type Settings struct {
	Name              string
	Topic             string
	JoinRule          string
	HistoryVisibility string
	// PowerLevels is the whole m.room.power_levels content. Nil leaves the
	// power levels alone.
	PowerLevels map[string]interface{}
}

// Current reads the settings held in room's state. Missing join rule and
// history visibility fall back to invite and shared.
func Current(room *timeline.Room) Settings {
	s := Settings{JoinRule: JoinRuleInvite, HistoryVisibility: HistoryShared}
	if room == nil {
		return s
	}
	s.Name = room.Name
	s.Topic = room.Topic
	if ev, ok := room.State[timeline.StateKey{Type: "m.room.join_rules"}]; ok {
		if v := ev.ContentString("join_rule"); v != "" {
			s.JoinRule = v
		}
	}
	if ev, ok := room.State[timeline.StateKey{Type: "m.room.history_visibility"}]; ok {
		if v := ev.ContentString("history_visibility"); v != "" {
			s.HistoryVisibility = v
		}
	}
	if ev, ok := room.State[timeline.StateKey{Type: powerLevelsType}]; ok && ev.Content != nil {
		s.PowerLevels = cloneContent(ev.Content)
	}
	return s
}

// WithUserLevel returns a copy of s that gives userID the power level.
// The other power level fields are kept, since the event replaces them all.
func (s Settings) WithUserLevel(userID string, level int) Settings {
	pl := cloneContent(s.PowerLevels)
	if pl == nil {
		pl = make(map[string]interface{})
	}
	users, _ := pl["users"].(map[string]interface{})
	if users == nil {
		users = make(map[string]interface{})
		pl["users"] = users
	}
	users[userID] = level
	s.PowerLevels = pl
	return s
}

// UserLevel reports the level userID holds in s.PowerLevels, falling back
// to users_default.
func (s Settings) UserLevel(userID string) int {
	if users, ok := s.PowerLevels["users"].(map[string]interface{}); ok {
		if lvl, ok := asInt(users[userID]); ok {
			return lvl
		}
	}
	lvl, _ := asInt(s.PowerLevels["users_default"])
	return lvl
}

func asInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case float64:
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	}
	return 0, false
}

func cloneContent(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		if inner, ok := v.(map[string]interface{}); ok {
			v = cloneContent(inner)
		}
		out[k] = v
	}
	return out
}

// sameContent compares event contents by their JSON form, so 50 and 50.0
// are equal.
func sameContent(a, b map[string]interface{}) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && bytes.Equal(ja, jb)
}

// Validate rejects unknown join rules and history visibilities.
func (s Settings) Validate() error {
	switch s.JoinRule {
	case JoinRuleInvite, JoinRulePublic, JoinRuleKnock:
	default:
		return fmt.Errorf("invalid join rule %q", s.JoinRule)
	}
	switch s.HistoryVisibility {
	case HistoryShared, HistoryInvited, HistoryJoined, HistoryWorldReadable:
	default:
		return fmt.Errorf("invalid history visibility %q", s.HistoryVisibility)
	}
	return nil
}

// Change is one pending mutation.
type Change struct {
	Target string
	apply  func(ctx context.Context, c Client, roomID string) error
}

// Diff returns the changes needed to turn current into desired, in a fixed
// order.
func Diff(current, desired Settings) []Change {
	var changes []Change
	if desired.Name != current.Name {
		name := desired.Name
		changes = append(changes, Change{Target: TargetName, apply: func(ctx context.Context, c Client, roomID string) error {
			return c.SetRoomName(ctx, roomID, name)
		}})
	}
	if desired.Topic != current.Topic {
		topic := desired.Topic
		changes = append(changes, Change{Target: TargetTopic, apply: func(ctx context.Context, c Client, roomID string) error {
			return c.SetRoomTopic(ctx, roomID, topic)
		}})
	}
	if desired.JoinRule != current.JoinRule {
		changes = append(changes, stateChange(TargetJoinRule, "m.room.join_rules", "join_rule", desired.JoinRule))
	}
	if desired.HistoryVisibility != current.HistoryVisibility {
		changes = append(changes, stateChange(TargetHistoryVisibility, "m.room.history_visibility", "history_visibility", desired.HistoryVisibility))
	}
	if desired.PowerLevels != nil && !sameContent(current.PowerLevels, desired.PowerLevels) {
		content := cloneContent(desired.PowerLevels)
		changes = append(changes, Change{Target: TargetPowerLevels, apply: func(ctx context.Context, c Client, roomID string) error {
			_, err := c.SendStateEvent(ctx, roomID, powerLevelsType, "", content)
			return err
		}})
	}
	return changes
}

func stateChange(target, eventType, field, value string) Change {
	return Change{Target: target, apply: func(ctx context.Context, c Client, roomID string) error {
		_, err := c.SendStateEvent(ctx, roomID, eventType, "", map[string]interface{}{field: value})
		return err
	}}
}

// BatchError reports the failed items of a batch. Unwrap exposes every
// individual error.
type BatchError struct {
	Kind   string
	RoomID string
	Failed []string
	err    error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("%s failed for %s in %s: %v", e.Kind, strings.Join(e.Failed, ", "), e.RoomID, e.err)
}

func (e *BatchError) Unwrap() error { return e.err }

// Updater runs batches against a Client.
type Updater struct {
	client  Client
	bus     *dispatch.Dispatcher
	metrics *metrics.Metrics
}

// NewUpdater creates an Updater. bus and m may be nil.
func NewUpdater(client Client, bus *dispatch.Dispatcher, m *metrics.Metrics) *Updater {
	return &Updater{client: client, bus: bus, metrics: m}
}

// Apply sends every change between current and desired. It returns nil
// when there is nothing to change.
func (u *Updater) Apply(ctx context.Context, roomID string, current, desired Settings) error {
	if err := desired.Validate(); err != nil {
		return err
	}
	changes := Diff(current, desired)
	items := make([]item, len(changes))
	for i, ch := range changes {
		ch := ch
		items[i] = item{target: ch.Target, run: func(ctx context.Context) error {
			return ch.apply(ctx, u.client, roomID)
		}}
	}
	err := u.run(ctx, KindSettings, roomID, items)
	if err != nil {
		u.bus.Dispatch(dispatch.Action{Type: dispatch.RoomStateFailed, RoomID: roomID, Targets: failedTargets(err), Err: err})
	}
	return err
}

// Invitees trims userIDs and drops blanks and duplicates, keeping order.
func Invitees(userIDs []string) []string {
	seen := make(map[string]struct{}, len(userIDs))
	var out []string
	for _, id := range userIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// InviteAll invites every user of Invitees(userIDs).
func (u *Updater) InviteAll(ctx context.Context, roomID string, userIDs []string) error {
	var items []item
	for _, id := range Invitees(userIDs) {
		id := id
		items = append(items, item{target: id, run: func(ctx context.Context) error {
			return u.client.InviteUser(ctx, roomID, id)
		}})
	}
	err := u.run(ctx, KindInvite, roomID, items)
	if err != nil {
		u.bus.Dispatch(dispatch.Action{Type: dispatch.InviteFailed, RoomID: roomID, Targets: failedTargets(err), Err: err})
	}
	return err
}

type item struct {
	target string
	run    func(ctx context.Context) error
}

func (u *Updater) run(ctx context.Context, kind, roomID string, items []item) error {
	if len(items) == 0 {
		return nil
	}

	errs := make([]error, len(items))
	var wg sync.WaitGroup
	for i, it := range items {
		i, it := i, it
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := it.run(ctx)
			u.metrics.RecordStateMutation(kind, err)
			if err != nil {
				errs[i] = fmt.Errorf("%s: %w", it.target, err)
			}
		}()
	}
	wg.Wait()

	var failed []string
	var failures []error
	for i, err := range errs {
		if err != nil {
			failed = append(failed, items[i].target)
			failures = append(failures, err)
		}
	}

	fields := map[string]interface{}{
		"room_id": roomID,
		"kind":    kind,
		"items":   len(items),
		"failed":  len(failed),
	}
	if len(failed) == 0 {
		log.WithFields(fields).Info("room batch applied")
		return nil
	}

	sort.Strings(failed)
	batchErr := &BatchError{Kind: kind, RoomID: roomID, Failed: failed, err: errors.Join(failures...)}
	log.WithError(batchErr).WithFields(fields).Warn("room batch partially failed")
	return batchErr
}

func failedTargets(err error) []string {
	var be *BatchError
	if errors.As(err, &be) {
		return be.Failed
	}
	return nil
}

// Package timeline owns the visible window over a room's event timeline.
//
// The Controller keeps a trailing window of the newest MessageCap events,
// grows it backwards when the user scrolls near the top (first from events
// already loaded, then by asking the source to backfill), and keeps the
// viewport anchored while older content is inserted above it. All methods
// must be called on the UI loop; asynchronous work reports back through the
// loop.Loop given at construction.
package timeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shawkym/mxview/pkg/dispatch"
	"github.com/shawkym/mxview/pkg/log"
	"github.com/shawkym/mxview/pkg/loop"
	"github.com/shawkym/mxview/pkg/metrics"
)

const (
	// DefaultInitialCap is the window size a freshly opened room starts with.
	DefaultInitialCap = 100
	// DefaultPageSize is how much the window grows per step, and how many
	// events one backfill asks for.
	DefaultPageSize = 20
)

// ErrNoRoom is returned by Initialize when no room ID is given.
var ErrNoRoom = errors.New("room id is required")

// Listener receives source notifications.
type Listener interface {
	OnTimelineEvent(ev Event, room *Room, prepended bool)
	OnRoomName(room *Room)
	OnMemberTyping(roomID string, typing []string)
}

// Source is the protocol side: it owns timelines and pagination tokens.
type Source interface {
	// Room returns a snapshot of the room.
	Room(roomID string) (*Room, bool)
	// Backfill fetches up to limit events older than the loaded range and
	// prepends them to the room's timeline.
	Backfill(ctx context.Context, roomID string, limit int) error
	// Join joins the room.
	Join(ctx context.Context, roomID string) error
	// Subscribe delivers notifications for roomID to l on lp until the
	// returned function is called.
	Subscribe(roomID string, l Listener, lp loop.Loop) (unsubscribe func())
}

// ScrollHost exposes the scroll metrics of whatever draws the timeline.
type ScrollHost interface {
	ScrollTop() int
	SetScrollTop(int)
	ScrollHeight() int
	ClientHeight() int
}

// Renderer is asked to redraw. After the new render set has been committed
// to the ScrollHost it must call OnRenderComplete.
type Renderer interface {
	RequestRender()
}

// RenderFunc adapts a function to Renderer.
type RenderFunc func()

func (f RenderFunc) RequestRender() { f() }

// WindowState is the controller's pagination state.
type WindowState struct {
	MessageCap      int
	Paginating      bool
	WaitingForFetch bool
	AtBottom        bool
}

// Options configures a Controller.
type Options struct {
	Source   Source
	Loop     loop.Loop
	Renderer Renderer
	// Bus is optional.
	Bus *dispatch.Dispatcher
	// Registry defaults to DefaultRegistry().
	Registry *Registry
	// PageSize defaults to DefaultPageSize.
	PageSize int
	// Location is used for day boundaries; defaults to time.Local.
	Location *time.Location
	// Metrics is optional.
	Metrics *metrics.Metrics
	// Spawn runs asynchronous work; defaults to starting a goroutine.
	Spawn func(func())
}

// Controller is the timeline window controller for one room view.
type Controller struct {
	source   Source
	loop     loop.Loop
	renderer Renderer
	bus      *dispatch.Dispatcher
	registry *Registry
	pageSize int
	location *time.Location
	metrics  *metrics.Metrics
	spawn    func(func())

	ctx    context.Context
	cancel context.CancelFunc

	roomID string
	room   *Room
	typing []string
	state  WindowState
	host   ScrollHost

	oldScrollHeight    int
	refreshDeferred    bool
	initialFillPending bool
	// fillAfterRender runs the initial fill once a room that arrived after
	// Attach has been rendered.
	fillAfterRender bool

	joining bool
	joinErr error

	initialized bool
	closed      bool
	unsubscribe func()
	busRef      dispatch.Ref
}

// New creates a controller. Source and Loop are required.
func New(opts Options) (*Controller, error) {
	if opts.Source == nil {
		return nil, fmt.Errorf("timeline source is required")
	}
	if opts.Loop == nil {
		return nil, fmt.Errorf("loop is required")
	}
	if opts.Renderer == nil {
		opts.Renderer = RenderFunc(func() {})
	}
	if opts.Registry == nil {
		opts.Registry = DefaultRegistry()
	}
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Spawn == nil {
		opts.Spawn = func(fn func()) { go fn() }
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		source:   opts.Source,
		loop:     opts.Loop,
		renderer: opts.Renderer,
		bus:      opts.Bus,
		registry: opts.Registry,
		pageSize: opts.PageSize,
		location: opts.Location,
		metrics:  opts.Metrics,
		spawn:    opts.Spawn,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Initialize binds the controller to roomID with a window of initialCap
// events (DefaultInitialCap when initialCap <= 0), subscribes to source and
// bus notifications and schedules the initial fill pass.
func (c *Controller) Initialize(roomID string, initialCap int) error {
	if roomID == "" {
		return ErrNoRoom
	}
	if c.closed {
		return fmt.Errorf("controller for %s is closed", c.roomID)
	}
	if c.initialized {
		return fmt.Errorf("controller already initialized for %s", c.roomID)
	}
	if initialCap <= 0 {
		initialCap = DefaultInitialCap
	}

	c.roomID = roomID
	c.state = WindowState{MessageCap: initialCap, AtBottom: true}
	if room, ok := c.source.Room(roomID); ok {
		c.setRoom(room)
	}

	c.unsubscribe = c.source.Subscribe(roomID, c, c.loop)
	if c.bus != nil {
		c.busRef = c.bus.Register(c.loop, c.onAction)
	}
	c.initialized = true

	log.WithFields(map[string]interface{}{
		"room_id":     roomID,
		"message_cap": initialCap,
		"page_size":   c.pageSize,
	}).Debug("timeline window initialized")

	if c.host != nil {
		c.loop.Post(c.initialFill)
	} else {
		c.initialFillPending = true
	}
	return nil
}

// Attach sets the scroll host. If the initial fill pass has not run yet it
// runs now, so Attach should be called once the first render is committed.
func (c *Controller) Attach(host ScrollHost) {
	c.host = host
	if host != nil && c.initialFillPending && !c.closed {
		c.initialFillPending = false
		c.initialFill()
	}
}

// Detach drops the scroll host. FillSpace returns false until a host is
// attached again. A local growth pass ends here; a pass waiting for a fetch
// ends when the fetch completes.
func (c *Controller) Detach() {
	c.host = nil
	c.oldScrollHeight = 0
	if c.state.Paginating && !c.state.WaitingForFetch {
		c.state.Paginating = false
		c.flushDeferred()
	}
}

// Close releases subscriptions. Completions of in-flight requests are
// ignored afterwards.
func (c *Controller) Close() {
	if c.closed {
		return
	}
	c.closed = true
	c.cancel()
	if c.unsubscribe != nil {
		c.unsubscribe()
		c.unsubscribe = nil
	}
	if c.bus != nil && c.busRef != 0 {
		c.bus.Unregister(c.busRef)
		c.busRef = 0
	}
	log.WithField("room_id", c.roomID).Debug("timeline window closed")
}

// RoomID returns the room this controller shows.
func (c *Controller) RoomID() string { return c.roomID }

// State returns a copy of the window state.
func (c *Controller) State() WindowState { return c.state }

// Room returns the current room snapshot, nil before the room is known.
func (c *Controller) Room() *Room { return c.room }

// Typing returns the users currently typing in the room.
func (c *Controller) Typing() []string { return c.typing }

// Joining reports whether a join request is in flight.
func (c *Controller) Joining() bool { return c.joining }

// JoinError returns the error of the last failed join, if any.
func (c *Controller) JoinError() error { return c.joinErr }

// RenderSet projects the current snapshot through the window.
func (c *Controller) RenderSet() RenderSet {
	if c.room == nil {
		return RenderSet{}
	}
	return Project(c.room.Timeline, c.state.MessageCap, c.registry, c.location)
}

// FillSpace grows the window by one page when the viewport is within one
// screen of the top and older history may exist. It reports whether growth
// was started.
func (c *Controller) FillSpace() bool {
	if c.closed || c.host == nil {
		return false
	}
	if c.room == nil || c.room.PaginationToken == "" {
		return false
	}
	if c.host.ScrollTop() >= c.host.ClientHeight() {
		return false
	}
	if c.state.WaitingForFetch {
		return true
	}

	c.oldScrollHeight = c.host.ScrollHeight()
	c.state.Paginating = true

	if loaded := len(c.room.Timeline); c.state.MessageCap < loaded {
		c.state.MessageCap = min(c.state.MessageCap+c.pageSize, loaded)
		c.metrics.RecordWindowGrowth()
		log.WithFields(map[string]interface{}{
			"room_id":     c.roomID,
			"message_cap": c.state.MessageCap,
			"loaded":      loaded,
		}).Debug("timeline window grown from loaded events")
		c.renderer.RequestRender()
		return true
	}

	c.state.WaitingForFetch = true
	c.startBackfill()
	c.renderer.RequestRender()
	return true
}

func (c *Controller) startBackfill() {
	ctx := c.ctx
	roomID := c.roomID
	limit := c.pageSize
	log.WithFields(map[string]interface{}{
		"room_id": roomID,
		"limit":   limit,
	}).Debug("requesting backfill")

	c.spawn(func() {
		err := c.source.Backfill(ctx, roomID, limit)
		c.loop.Post(func() { c.onBackfillDone(err) })
	})
}

func (c *Controller) onBackfillDone(err error) {
	if c.closed {
		return
	}
	c.state.WaitingForFetch = false
	if c.host == nil {
		c.state.Paginating = false
	}
	if err != nil {
		c.metrics.RecordBackfill("error")
		log.WithError(err).WithField("room_id", c.roomID).Warn("backfill failed")
		c.state.Paginating = false
		c.refresh()
		return
	}
	c.metrics.RecordBackfill("success")
	c.refresh()
}

// OnScroll is the scroll hook: it tracks whether the view sits at the
// bottom and loads more history when idle.
func (c *Controller) OnScroll() {
	if c.closed || c.host == nil {
		return
	}
	c.updateAtBottom()
	if !c.state.Paginating {
		c.FillSpace()
	}
}

// OnRenderComplete must be called after every committed render.
func (c *Controller) OnRenderComplete() {
	if c.closed || c.host == nil {
		return
	}
	c.metrics.RecordRenderPass()

	if c.fillAfterRender && !c.state.Paginating {
		c.fillAfterRender = false
		c.initialFill()
		return
	}

	if c.state.Paginating && !c.state.WaitingForFetch {
		gained := c.host.ScrollHeight() - c.oldScrollHeight
		c.host.SetScrollTop(c.host.ScrollTop() + gained)
		c.oldScrollHeight = 0
		if !c.FillSpace() {
			c.state.Paginating = false
			c.flushDeferred()
		}
		return
	}

	if !c.state.Paginating && c.state.AtBottom {
		c.host.SetScrollTop(c.host.ScrollHeight())
	}
}

// OnTimelineEvent implements Listener.
func (c *Controller) OnTimelineEvent(ev Event, room *Room, prepended bool) {
	if c.closed || room == nil || room.ID != c.roomID {
		return
	}

	// One notification arrives per event; during a pagination pass they are
	// folded into a single refresh when the pass ends.
	if c.state.Paginating {
		c.refreshDeferred = true
		c.metrics.RecordCoalesced()
		return
	}
	if c.joining {
		return
	}

	c.updateAtBottom()
	c.refresh()
	if prepended {
		c.FillSpace()
	}
}

// OnRoomName implements Listener.
func (c *Controller) OnRoomName(room *Room) {
	if c.closed || room == nil || room.ID != c.roomID {
		return
	}
	c.setRoom(room)
	c.renderer.RequestRender()
}

// OnMemberTyping implements Listener.
func (c *Controller) OnMemberTyping(roomID string, typing []string) {
	if c.closed || roomID != c.roomID {
		return
	}
	c.typing = typing
	c.renderer.RequestRender()
}

// Join asks the source to join the room. Timeline updates are ignored
// until it completes.
func (c *Controller) Join() {
	if c.closed || c.joining {
		return
	}
	c.joining = true
	c.joinErr = nil
	c.renderer.RequestRender()

	ctx := c.ctx
	roomID := c.roomID
	c.spawn(func() {
		err := c.source.Join(ctx, roomID)
		c.loop.Post(func() { c.onJoined(err) })
	})
}

func (c *Controller) onJoined(err error) {
	if c.closed {
		return
	}
	c.joining = false
	if err != nil {
		c.joinErr = err
		log.WithError(err).WithField("room_id", c.roomID).Warn("join failed")
		c.renderer.RequestRender()
		return
	}
	c.refresh()
}

func (c *Controller) onAction(a dispatch.Action) {
	if c.closed {
		return
	}
	if a.RoomID != "" && a.RoomID != c.roomID {
		return
	}
	switch a.Type {
	case dispatch.MessageSent, dispatch.MessageSendFailed:
		c.refresh()
	case dispatch.NotifierEnabled:
		c.renderer.RequestRender()
	}
}

func (c *Controller) initialFill() {
	if c.closed || c.host == nil {
		return
	}
	c.host.SetScrollTop(c.host.ScrollHeight())
	c.FillSpace()
}

func (c *Controller) refresh() {
	if room, ok := c.source.Room(c.roomID); ok {
		c.setRoom(room)
	}
	c.refreshDeferred = false
	c.renderer.RequestRender()
}

// setRoom replaces the snapshot. The first snapshot of a room that was
// unknown when the host attached schedules the initial fill pass.
func (c *Controller) setRoom(room *Room) {
	first := c.room == nil
	c.room = room
	c.typing = room.Typing
	if first && c.initialized && c.host != nil {
		c.fillAfterRender = true
	}
}

func (c *Controller) flushDeferred() {
	if c.refreshDeferred {
		c.refresh()
	}
}

func (c *Controller) updateAtBottom() {
	if c.host == nil {
		return
	}
	c.state.AtBottom = c.host.ScrollHeight()-c.host.ScrollTop() <= c.host.ClientHeight()
}

// Package tui is the terminal room view. The bubbletea viewport is the
// scroll host of a timeline.Controller and the bubbletea event loop is its
// UI loop.
package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/shawkym/mxview/pkg/config"
	"github.com/shawkym/mxview/pkg/dispatch"
	"github.com/shawkym/mxview/pkg/log"
	"github.com/shawkym/mxview/pkg/loop"
	"github.com/shawkym/mxview/pkg/metrics"
	"github.com/shawkym/mxview/pkg/roomstate"
	"github.com/shawkym/mxview/pkg/timeline"
)

const (
	// typingTimeout is the duration announced with a typing notification.
	typingTimeout = 15 * time.Second
	// typingRefresh is how often a typing notification is renewed.
	typingRefresh = 10 * time.Second
	// chromeHeight is the number of lines around the viewport.
	chromeHeight = 7
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("230")).
			Background(lipgloss.Color("63")).
			Padding(0, 1)

	topicStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("244"))

	statusStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	keyStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("226")).
			Background(lipgloss.Color("235")).
			Padding(0, 1)

	promptStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("214"))
)

// Store is the message side of the room store.
type Store interface {
	SendMessage(ctx context.Context, roomID, body string) (string, error)
	Resend(ctx context.Context, roomID, txnID string) error
	UnsentMessages(roomID string) []string
	DiscardUnsent(roomID, txnID string) bool
}

// Updater applies room settings and invites.
type Updater interface {
	Apply(ctx context.Context, roomID string, current, desired roomstate.Settings) error
	InviteAll(ctx context.Context, roomID string, userIDs []string) error
}

// Typer publishes typing notifications.
type Typer interface {
	SendTyping(ctx context.Context, roomID string, typing bool, timeout time.Duration) error
}

// Options configures the room view.
type Options struct {
	RoomID string
	Source timeline.Source
	Store  Store
	// Updater and Typer are optional.
	Updater Updater
	Typer   Typer
	// Bus and Metrics are optional.
	Bus     *dispatch.Dispatcher
	Metrics *metrics.Metrics
	Config  *config.Config
	// Watcher, when set, reloads render settings live.
	Watcher *config.ConfigWatcher
}

// Model is the bubbletea model of one room view.
type Model struct {
	ctx      context.Context
	roomID   string
	ctrl     *timeline.Controller
	store    Store
	updater  Updater
	typer    Typer
	bus      *dispatch.Dispatcher
	busRef   dispatch.Ref
	tiles    *TileRenderer
	location *time.Location

	viewport viewport.Model
	composer textarea.Model

	width         int
	height        int
	ready         bool
	renderPending bool
	showHelp      bool
	status        string
	statusIsError bool
	lastTyping    time.Time
}

// renderMsg asks Update to commit a pending render.
type renderMsg struct{}

// renderConfigMsg carries reloaded render settings.
type renderConfigMsg struct {
	opts config.RenderConfig
}

// NewModel builds the room view. lp must deliver onto the program's event
// loop.
func NewModel(ctx context.Context, opts Options, lp loop.Loop) (*Model, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.NewDefaultConfig()
	}
	loc := cfg.Location()

	composer := textarea.New()
	composer.Placeholder = "Send a message… (/help for commands)"
	composer.ShowLineNumbers = false
	composer.Prompt = "> "
	composer.SetHeight(2)
	composer.FocusedStyle.CursorLine = lipgloss.NewStyle()
	composer.FocusedStyle.Prompt = lipgloss.NewStyle().Foreground(lipgloss.Color("63"))
	composer.Focus()

	m := &Model{
		ctx:      ctx,
		roomID:   opts.RoomID,
		store:    opts.Store,
		updater:  opts.Updater,
		typer:    opts.Typer,
		bus:      opts.Bus,
		tiles:    NewTileRenderer(cfg.Render, loc),
		location: loc,
		composer: composer,
	}

	ctrl, err := timeline.New(timeline.Options{
		Source:   opts.Source,
		Loop:     lp,
		Renderer: timeline.RenderFunc(func() { m.renderPending = true }),
		Bus:      opts.Bus,
		PageSize: cfg.Timeline.PageSize,
		Location: loc,
		Metrics:  opts.Metrics,
	})
	if err != nil {
		return nil, err
	}
	if err := ctrl.Initialize(opts.RoomID, cfg.Timeline.InitialCap); err != nil {
		return nil, err
	}
	m.ctrl = ctrl

	if opts.Bus != nil {
		m.busRef = opts.Bus.Register(lp, m.onAction)
	}
	return m, nil
}

// Close releases the controller and bus registration.
func (m *Model) Close() {
	m.ctrl.Detach()
	m.ctrl.Close()
	if m.bus != nil {
		m.bus.Unregister(m.busRef)
	}
}

// Run shows the room until the user quits or ctx is canceled.
func Run(ctx context.Context, opts Options) error {
	lp := &programLoop{}
	m, err := NewModel(ctx, opts, lp)
	if err != nil {
		return err
	}
	defer m.Close()

	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithMouseCellMotion(), tea.WithContext(ctx))
	lp.setProgram(p)

	if opts.Watcher != nil {
		opts.Watcher.OnReload(func(r config.Reload) {
			if r.RenderChanged() {
				p.Send(renderConfigMsg{opts: r.New.Render})
			}
		})
	}

	_, err = p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}

func (m *Model) Init() tea.Cmd {
	return textarea.Blink
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case loopMsg:
		msg.fn()

	case renderMsg:

	case statusMsg:
		m.setStatus(msg)

	case renderConfigMsg:
		m.tiles.SetOptions(msg.opts)
		m.renderPending = true
		log.Info("render settings reloaded")

	case tea.WindowSizeMsg:
		m.resize(msg.Width, msg.Height)

	case tea.MouseMsg:
		if m.ready {
			cmds = append(cmds, m.scroll(msg))
		}

	case tea.KeyMsg:
		cmds = append(cmds, m.handleKey(msg))
	}

	cmds = append(cmds, m.flushRender())
	return m, tea.Batch(cmds...)
}

func (m *Model) resize(width, height int) {
	m.width = width
	m.height = height
	vpHeight := height - chromeHeight
	if vpHeight < 1 {
		vpHeight = 1
	}
	m.tiles.SetWidth(width)
	m.composer.SetWidth(width - 2)

	if !m.ready {
		m.viewport = viewport.New(width, vpHeight)
		m.ready = true
		m.commit()
		// The controller's initial fill needs the first render committed.
		m.ctrl.Attach(viewportHost{vp: &m.viewport})
		return
	}
	m.viewport.Width = width
	m.viewport.Height = vpHeight
	m.renderPending = true
}

func (m *Model) handleKey(msg tea.KeyMsg) tea.Cmd {
	if m.showHelp {
		switch msg.String() {
		case "esc", "?", "q":
			m.showHelp = false
			return nil
		}
	}

	switch msg.String() {
	case "ctrl+c":
		return tea.Quit
	case "esc":
		if m.composer.Value() != "" {
			m.composer.Reset()
			return nil
		}
		return tea.Quit
	case "?":
		if m.composer.Value() == "" {
			m.showHelp = !m.showHelp
			return nil
		}
	case "ctrl+r":
		return m.resendAll()
	case "enter":
		return m.submit()
	case "pgup", "pgdown", "up", "down", "ctrl+u", "ctrl+d", "home", "end":
		if m.ready {
			return m.scroll(msg)
		}
		return nil
	}

	var cmd tea.Cmd
	m.composer, cmd = m.composer.Update(msg)
	return tea.Batch(cmd, m.typing())
}

// scroll hands msg to the viewport and tells the controller when the
// offset moved.
func (m *Model) scroll(msg tea.Msg) tea.Cmd {
	before := m.viewport.YOffset
	upward := false
	var cmd tea.Cmd
	switch k := msg.(type) {
	case tea.KeyMsg:
		switch k.String() {
		case "home":
			upward = true
			m.viewport.GotoTop()
		case "end":
			m.viewport.GotoBottom()
		case "pgup", "up", "ctrl+u":
			upward = true
			m.viewport, cmd = m.viewport.Update(msg)
		default:
			m.viewport, cmd = m.viewport.Update(msg)
		}
	case tea.MouseMsg:
		upward = k.Button == tea.MouseButtonWheelUp
		m.viewport, cmd = m.viewport.Update(msg)
	default:
		m.viewport, cmd = m.viewport.Update(msg)
	}
	// Pushing up against the top asks for history even though the offset
	// cannot move.
	if m.viewport.YOffset != before || (upward && m.viewport.YOffset == 0) {
		m.ctrl.OnScroll()
	}
	return cmd
}

func (m *Model) submit() tea.Cmd {
	text := strings.TrimSpace(m.composer.Value())
	m.composer.Reset()
	if text == "" {
		return nil
	}

	if cmd, ok := parseCommand(text); ok {
		if cmd.name == "join" {
			m.ctrl.Join()
			return nil
		}
		return m.runCommand(cmd)
	}
	return m.sendText(strings.TrimPrefix(text, "/"))
}

// sendText sends text to the room and ends our typing notification.
func (m *Model) sendText(text string) tea.Cmd {
	store := m.store
	ctx := m.ctx
	roomID := m.roomID
	cmds := []tea.Cmd{func() tea.Msg {
		if _, err := store.SendMessage(ctx, roomID, text); err != nil {
			return statusMsg{err: fmt.Errorf("message not sent: %w", err)}
		}
		return nil
	}}
	if m.typer != nil && !m.lastTyping.IsZero() {
		m.lastTyping = time.Time{}
		cmds = append(cmds, m.sendTyping(false))
	}
	return tea.Batch(cmds...)
}

// typing renews the typing notification while the composer has text.
func (m *Model) typing() tea.Cmd {
	if m.typer == nil || m.composer.Value() == "" {
		return nil
	}
	now := time.Now()
	if now.Sub(m.lastTyping) < typingRefresh {
		return nil
	}
	m.lastTyping = now
	return m.sendTyping(true)
}

func (m *Model) sendTyping(typing bool) tea.Cmd {
	typer := m.typer
	ctx := m.ctx
	roomID := m.roomID
	return func() tea.Msg {
		if err := typer.SendTyping(ctx, roomID, typing, typingTimeout); err != nil {
			log.WithError(err).WithField("room_id", roomID).Debug("typing notification failed")
		}
		return nil
	}
}

func (m *Model) onAction(a dispatch.Action) {
	if a.RoomID != "" && a.RoomID != m.roomID {
		return
	}
	switch a.Type {
	case dispatch.MessageSendFailed:
		m.setStatus(statusMsg{err: errors.New("message not sent, ctrl+r to resend")})
	case dispatch.RoomStateFailed:
		m.setStatus(statusMsg{err: fmt.Errorf("could not change %s", strings.Join(a.Targets, ", "))})
	case dispatch.InviteFailed:
		m.setStatus(statusMsg{err: fmt.Errorf("could not invite %s", strings.Join(a.Targets, ", "))})
	}
}

func (m *Model) setStatus(s statusMsg) {
	if s.err != nil {
		m.status = s.err.Error()
		m.statusIsError = true
		return
	}
	m.status = s.text
	m.statusIsError = false
}

// flushRender commits a requested render and reports completion to the
// controller. A render requested during completion is scheduled as a new
// message so the terminal updates between compensation passes.
func (m *Model) flushRender() tea.Cmd {
	if !m.ready || !m.renderPending {
		return nil
	}
	m.renderPending = false
	m.commit()
	m.ctrl.OnRenderComplete()
	if m.renderPending {
		return func() tea.Msg { return renderMsg{} }
	}
	return nil
}

func (m *Model) commit() {
	m.tiles.SetWidth(m.width)
	var b strings.Builder
	if room := m.ctrl.Room(); room != nil && room.PaginationToken == "" && len(room.Timeline) > 0 {
		b.WriteString(statusStyle.Render("── start of room ──"))
		b.WriteString("\n")
	}
	b.WriteString(m.tiles.Render(m.ctrl.RenderSet()))
	m.viewport.SetContent(b.String())
}

func (m *Model) View() string {
	if !m.ready {
		return "Initializing..."
	}
	if m.showHelp {
		return m.renderHelp()
	}

	var b strings.Builder
	b.WriteString(m.renderHeader())
	b.WriteString("\n")
	b.WriteString(m.viewport.View())
	b.WriteString("\n")
	b.WriteString(m.renderIndicator())
	b.WriteString("\n")
	if prompt := m.renderJoinPrompt(); prompt != "" {
		b.WriteString(prompt)
	} else {
		b.WriteString(m.composer.View())
	}
	b.WriteString("\n")
	b.WriteString(m.renderStatus())
	return b.String()
}

func (m *Model) renderHeader() string {
	room := m.ctrl.Room()
	title := m.roomID
	topic := ""
	if room != nil {
		if room.Name != "" {
			title = room.Name
		}
		topic = room.Topic
	}
	header := titleStyle.Render(title)
	if topic == "" {
		return header + "\n"
	}
	return header + "\n" + topicStyle.Render(truncate(topic, m.width))
}

// renderIndicator shows loading state or who is typing.
func (m *Model) renderIndicator() string {
	if m.ctrl.State().WaitingForFetch {
		return statusStyle.Render("Loading history…")
	}
	return statusStyle.Render(typingLine(m.ctrl.Typing()))
}

func (m *Model) renderJoinPrompt() string {
	room := m.ctrl.Room()
	if room == nil || room.Joined {
		return ""
	}
	if m.ctrl.Joining() {
		return promptStyle.Render("Joining…") + "\n"
	}
	prompt := promptStyle.Render("You are not a member of this room. Type /join to join.")
	if err := m.ctrl.JoinError(); err != nil {
		prompt += "\n" + errorStyle.Render("Join failed: "+err.Error())
	} else {
		prompt += "\n"
	}
	// The composer stays usable for /join.
	return prompt + "\n" + m.composer.View()
}

func (m *Model) renderStatus() string {
	if m.status != "" {
		if m.statusIsError {
			return errorStyle.Render(m.status)
		}
		return statusStyle.Render(m.status)
	}
	return helpStyle.Render("?: Help | Enter: Send | Ctrl+R: Resend | PgUp/PgDn: Scroll | Esc: Quit")
}

func (m *Model) renderHelp() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("mxview - Help"))
	b.WriteString("\n\n")

	keys := []struct{ key, desc string }{
		{"Enter", "Send message or run command"},
		{"PgUp/PgDn ↑↓", "Scroll the timeline (older history loads at the top)"},
		{"Home/End", "Jump to oldest loaded / newest"},
		{"Ctrl+R", "Resend unsent messages"},
		{"Esc", "Clear composer, or quit"},
		{"Ctrl+C", "Quit"},
		{"?", "Toggle this help"},
	}
	for _, k := range keys {
		b.WriteString(keyStyle.Render(fmt.Sprintf("%-14s", k.key)))
		b.WriteString("  ")
		b.WriteString(k.desc)
		b.WriteString("\n")
	}
	b.WriteString("\n")
	for _, c := range commandHelp {
		b.WriteString(keyStyle.Render(fmt.Sprintf("%-14s", strings.Fields(c.usage)[0])))
		b.WriteString("  ")
		b.WriteString(c.usage)
		b.WriteString(" - ")
		b.WriteString(c.desc)
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(helpStyle.Render("Press ? or Esc to close this help screen"))
	return b.String()
}

// typingLine names the users currently typing.
func typingLine(users []string) string {
	names := make([]string, len(users))
	for i, u := range users {
		names[i] = timeline.DisplayName(u)
	}
	switch len(names) {
	case 0:
		return ""
	case 1:
		return names[0] + " is typing…"
	case 2:
		return names[0] + " and " + names[1] + " are typing…"
	default:
		return fmt.Sprintf("%s and %d others are typing…", names[0], len(names)-1)
	}
}

func truncate(s string, width int) string {
	if width <= 1 || lipgloss.Width(s) <= width {
		return s
	}
	r := []rune(s)
	if len(r) > width-1 {
		r = r[:width-1]
	}
	return string(r) + "…"
}

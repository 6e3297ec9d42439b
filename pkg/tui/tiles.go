package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/reflow/wordwrap"

	"github.com/shawkym/mxview/pkg/config"
	"github.com/shawkym/mxview/pkg/log"
	"github.com/shawkym/mxview/pkg/timeline"
)

var (
	senderColors = []lipgloss.Color{"86", "212", "214", "141", "39", "120", "203", "227"}

	timeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	noticeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("244"))

	eventTextStyle = lipgloss.NewStyle().
			Italic(true).
			Foreground(lipgloss.Color("244"))

	separatorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("63")).
			Bold(true)

	sendingStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))

	notSentStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	bodyStyle = lipgloss.NewStyle().
			PaddingLeft(2)
)

// TileRenderer turns a render set into viewport content.
type TileRenderer struct {
	opts     config.RenderConfig
	location *time.Location
	width    int
	markdown *glamour.TermRenderer
}

// NewTileRenderer creates a renderer for the given settings.
func NewTileRenderer(opts config.RenderConfig, loc *time.Location) *TileRenderer {
	if loc == nil {
		loc = time.Local
	}
	r := &TileRenderer{opts: opts, location: loc, width: 80}
	r.rebuildMarkdown()
	return r
}

// SetOptions replaces the render settings.
func (r *TileRenderer) SetOptions(opts config.RenderConfig) {
	r.opts = opts
	r.rebuildMarkdown()
}

// SetWidth sets the wrap width.
func (r *TileRenderer) SetWidth(width int) {
	if width < 20 {
		width = 20
	}
	if width == r.width {
		return
	}
	r.width = width
	r.rebuildMarkdown()
}

func (r *TileRenderer) rebuildMarkdown() {
	r.markdown = nil
	if !r.opts.Markdown {
		return
	}
	style := r.opts.MarkdownStyle
	if style == "" {
		style = "dark"
	}
	md, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle(style),
		glamour.WithWordWrap(r.bodyWidth()),
	)
	if err != nil {
		log.WithError(err).WithField("style", style).Warn("markdown renderer unavailable, using plain text")
		return
	}
	r.markdown = md
}

func (r *TileRenderer) bodyWidth() int {
	return r.width - 2
}

// Render draws rs. Sender headers are left out for continuations.
func (r *TileRenderer) Render(rs timeline.RenderSet) string {
	var b strings.Builder
	for i, it := range rs {
		if i > 0 {
			b.WriteString("\n")
		}
		if it.Kind == timeline.ItemDateSeparator {
			b.WriteString(r.renderSeparator(it.Date))
			continue
		}
		b.WriteString(r.renderTile(it))
	}
	return b.String()
}

func (r *TileRenderer) renderSeparator(date time.Time) string {
	label := fmt.Sprintf(" %s ", date.In(r.location).Format(r.dateFormat()))
	pad := (r.width - lipgloss.Width(label)) / 2
	if pad < 0 {
		pad = 0
	}
	line := strings.Repeat("─", pad)
	return separatorStyle.Render(line + label + line)
}

func (r *TileRenderer) renderTile(it timeline.RenderItem) string {
	ev := it.Event
	var b strings.Builder

	if it.Tile == timeline.TileMessage && !it.Continuation {
		b.WriteString(r.header(ev))
		b.WriteString("\n")
	}

	switch it.Tile {
	case timeline.TileMessage:
		b.WriteString(r.messageBody(ev))
	default:
		line := timeline.Describe(ev, it.Tile)
		if r.opts.ShowTimestamps {
			line = timeStyle.Render(r.formatTime(ev.Timestamp)) + " " + line
		}
		b.WriteString(eventTextStyle.Render(wordwrap.String(line, r.width)))
	}

	switch ev.Status {
	case timeline.StatusSending:
		b.WriteString(" ")
		b.WriteString(sendingStyle.Render("(sending…)"))
	case timeline.StatusNotSent:
		b.WriteString(" ")
		b.WriteString(notSentStyle.Render("(not sent: ctrl+r to resend)"))
	}
	return b.String()
}

func (r *TileRenderer) header(ev timeline.Event) string {
	name := lipgloss.NewStyle().
		Bold(true).
		Foreground(senderColor(ev.Sender)).
		Render(timeline.DisplayName(ev.Sender))
	if !r.opts.ShowTimestamps {
		return name
	}
	return timeStyle.Render(r.formatTime(ev.Timestamp)) + " " + name
}

func (r *TileRenderer) messageBody(ev timeline.Event) string {
	kind := timeline.BodyKind(ev)
	text := timeline.Describe(ev, timeline.TileMessage)

	if r.markdown != nil && (kind == timeline.BodyText || kind == timeline.BodyNotice) {
		if out, err := r.markdown.Render(text); err == nil {
			return strings.TrimRight(out, "\n")
		}
	}

	wrapped := bodyStyle.Render(wordwrap.String(text, r.bodyWidth()))
	switch kind {
	case timeline.BodyNotice:
		return noticeStyle.Render(wrapped)
	case timeline.BodyEmote, timeline.BodyImage, timeline.BodyFile, timeline.BodyUnknown:
		return eventTextStyle.Render(wrapped)
	default:
		return wrapped
	}
}

func (r *TileRenderer) formatTime(ts time.Time) string {
	layout := r.opts.TimeFormat
	if layout == "" {
		layout = "15:04"
	}
	return ts.In(r.location).Format(layout)
}

func (r *TileRenderer) dateFormat() string {
	if r.opts.DateFormat == "" {
		return "Monday, 2 January 2006"
	}
	return r.opts.DateFormat
}

func senderColor(sender string) lipgloss.Color {
	var h uint32
	for i := 0; i < len(sender); i++ {
		h = h*31 + uint32(sender[i])
	}
	return senderColors[h%uint32(len(senderColors))]
}

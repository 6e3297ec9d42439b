package tui

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/shawkym/mxview/pkg/export"
	"github.com/shawkym/mxview/pkg/roomstate"
	"github.com/shawkym/mxview/pkg/timeline"
)

// statusMsg sets the status line. err marks it as an error.
type statusMsg struct {
	text string
	err  error
}

// command is a parsed slash command.
type command struct {
	name string
	args []string
	rest string
}

// parseCommand splits "/name arg..." into a command. rest keeps the raw
// text after the name for commands that take free text.
func parseCommand(input string) (command, bool) {
	input = strings.TrimSpace(input)
	if !strings.HasPrefix(input, "/") || strings.HasPrefix(input, "//") {
		return command{}, false
	}
	body := input[1:]
	name, rest, _ := strings.Cut(body, " ")
	return command{
		name: strings.ToLower(name),
		args: strings.Fields(rest),
		rest: strings.TrimSpace(rest),
	}, true
}

var commandHelp = []struct {
	usage string
	desc  string
}{
	{"/name <name>", "Rename the room"},
	{"/topic <topic>", "Set the room topic"},
	{"/joinrule invite|public|knock", "Change who may join"},
	{"/history shared|invited|joined|world_readable", "Change history visibility"},
	{"/op @user:server <level>", "Set a user's power level"},
	{"/invite @user:server ...", "Invite one or more users"},
	{"/me <action>", "Send an emote"},
	{"/shrug [text]", "Append ¯\\_(ツ)_/¯ to a message"},
	{"/export <file>", "Export the visible window (.json, .md, .html)"},
	{"/resend", "Resend all unsent messages"},
	{"/discard", "Drop all unsent messages"},
	{"/help", "Show this help"},
	{"/quit", "Leave mxview"},
}

// runCommand executes cmd. Network work runs in the returned tea.Cmd.
func (m *Model) runCommand(cmd command) tea.Cmd {
	roomID := m.roomID
	switch cmd.name {
	case "name", "topic", "joinrule", "history", "op":
		if m.updater == nil {
			return status("room settings are not available")
		}
		current := roomstate.Current(m.ctrl.Room())
		desired := current
		switch cmd.name {
		case "name":
			if cmd.rest == "" {
				return status("usage: /name <name>")
			}
			desired.Name = cmd.rest
		case "op":
			if len(cmd.args) != 2 || !strings.HasPrefix(cmd.args[0], "@") {
				return status("usage: /op @user:server <level>")
			}
			level, err := strconv.Atoi(cmd.args[1])
			if err != nil {
				return status("usage: /op @user:server <level>")
			}
			if current.PowerLevels == nil {
				return status("power levels of this room are not known yet")
			}
			desired = current.WithUserLevel(cmd.args[0], level)
		case "topic":
			desired.Topic = cmd.rest
		case "joinrule":
			if len(cmd.args) != 1 {
				return status("usage: /joinrule invite|public|knock")
			}
			desired.JoinRule = cmd.args[0]
		case "history":
			if len(cmd.args) != 1 {
				return status("usage: /history shared|invited|joined|world_readable")
			}
			desired.HistoryVisibility = cmd.args[0]
		}
		if err := desired.Validate(); err != nil {
			return statusErr(err)
		}
		if len(roomstate.Diff(current, desired)) == 0 {
			return status("nothing to change")
		}
		updater := m.updater
		ctx := m.ctx
		return func() tea.Msg {
			if err := updater.Apply(ctx, roomID, current, desired); err != nil {
				return statusMsg{err: err}
			}
			return statusMsg{text: "room settings updated"}
		}

	case "invite":
		if m.updater == nil {
			return status("invites are not available")
		}
		if len(cmd.args) == 0 {
			return status("usage: /invite @user:server ...")
		}
		updater := m.updater
		ctx := m.ctx
		users := roomstate.Invitees(cmd.args)
		return func() tea.Msg {
			if err := updater.InviteAll(ctx, roomID, users); err != nil {
				return statusMsg{err: err}
			}
			return statusMsg{text: fmt.Sprintf("invited %d user(s)", len(users))}
		}

	case "export":
		if cmd.rest == "" {
			return status("usage: /export <file>")
		}
		path := cmd.rest
		room := m.ctrl.Room()
		rs := m.ctrl.RenderSet()
		loc := m.location
		return func() tea.Msg {
			if err := writeExport(path, room, rs, loc); err != nil {
				return statusMsg{err: err}
			}
			return statusMsg{text: "exported to " + path}
		}

	case "me", "shrug":
		return m.sendText(strings.TrimSpace("/" + cmd.name + " " + cmd.rest))

	case "resend":
		return m.resendAll()

	case "discard":
		n := 0
		for _, txnID := range m.store.UnsentMessages(roomID) {
			if m.store.DiscardUnsent(roomID, txnID) {
				n++
			}
		}
		return status(fmt.Sprintf("discarded %d message(s)", n))

	case "help":
		m.showHelp = true
		return nil

	case "quit", "exit":
		return tea.Quit

	default:
		return status("unknown command: /" + cmd.name)
	}
}

func (m *Model) resendAll() tea.Cmd {
	unsent := m.store.UnsentMessages(m.roomID)
	if len(unsent) == 0 {
		return status("nothing to resend")
	}
	store := m.store
	ctx := m.ctx
	roomID := m.roomID
	return func() tea.Msg {
		var failed int
		for _, txnID := range unsent {
			if err := store.Resend(ctx, roomID, txnID); err != nil {
				failed++
			}
		}
		if failed > 0 {
			return statusMsg{err: fmt.Errorf("%d of %d message(s) still not sent", failed, len(unsent))}
		}
		return statusMsg{text: fmt.Sprintf("resent %d message(s)", len(unsent))}
	}
}

func writeExport(path string, room *timeline.Room, rs timeline.RenderSet, loc *time.Location) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create export file: %w", err)
	}
	defer f.Close()

	opts := export.ExportOptions{
		Format:            export.FormatForPath(path),
		IncludeSummary:    true,
		IncludeTimestamps: true,
		Location:          loc,
	}
	if err := export.NewExporter(opts).Export(room, rs, f); err != nil {
		return fmt.Errorf("failed to export: %w", err)
	}
	return f.Close()
}

func status(text string) tea.Cmd {
	return func() tea.Msg { return statusMsg{text: text} }
}

func statusErr(err error) tea.Cmd {
	return func() tea.Msg { return statusMsg{err: err} }
}

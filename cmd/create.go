package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/shawkym/mxview/internal/matrix"
	"github.com/shawkym/mxview/pkg/log"
	"github.com/shawkym/mxview/pkg/roomstate"
)

// Room presets understood by the homeserver.
const (
	presetPrivate = "private_chat"
	presetPublic  = "public_chat"
)

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a room",
	Long: `Create a Matrix room and print its ID.

Without --preset the room is built from --private and --share-history.

Examples:
  # A private room shared with two people
  mxview create --name "Design" --invite @ana:example.org --invite @bo:example.org

  # A public room reachable as #lobby:example.org
  mxview create --preset public_chat --name Lobby --alias lobby

  # Create and open it
  mxview create --name Scratch --open
`,
	RunE: runCreate,
}

// createOptions are the flags of the create command.
type createOptions struct {
	Preset       string
	Private      bool
	ShareHistory bool
	Name         string
	Topic        string
	Alias        string
	Invite       []string
	Open         bool
}

var createOpts createOptions

func init() {
	rootCmd.AddCommand(createCmd)
	registerCreateFlags(createCmd.Flags(), &createOpts)
}

func registerCreateFlags(f *pflag.FlagSet, opts *createOptions) {
	f.StringVar(&opts.Preset, "preset", "", "Room preset (private_chat, public_chat)")
	f.BoolVar(&opts.Private, "private", true, "Only invited users may join")
	f.BoolVar(&opts.ShareHistory, "share-history", true, "New members can read history from before they joined")
	f.StringVar(&opts.Name, "name", "", "Room name")
	f.StringVar(&opts.Topic, "topic", "", "Room topic")
	f.StringVar(&opts.Alias, "alias", "", "Local part of the room alias")
	f.StringSliceVar(&opts.Invite, "invite", nil, "User to invite (repeatable)")
	f.BoolVar(&opts.Open, "open", false, "Open the new room afterwards")
}

// buildCreateRequest turns the flags into a createRoom body.
func buildCreateRequest(opts createOptions) (matrix.CreateRoomRequest, error) {
	req := matrix.CreateRoomRequest{
		Name:          strings.TrimSpace(opts.Name),
		Topic:         strings.TrimSpace(opts.Topic),
		RoomAliasName: strings.TrimPrefix(strings.TrimSpace(opts.Alias), "#"),
	}
	for _, u := range opts.Invite {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		if !strings.HasPrefix(u, "@") || !strings.Contains(u, ":") {
			return req, fmt.Errorf("invalid user ID: %s", u)
		}
		req.Invite = append(req.Invite, u)
	}

	switch opts.Preset {
	case presetPrivate:
		req.Preset = presetPrivate
		return req, nil
	case presetPublic:
		req.Preset = presetPublic
		req.Visibility = "public"
		return req, nil
	case "":
	default:
		return req, fmt.Errorf("unknown preset %q (use %s or %s)", opts.Preset, presetPrivate, presetPublic)
	}

	joinRule := roomstate.JoinRuleInvite
	req.Preset = presetPrivate
	if !opts.Private {
		joinRule = roomstate.JoinRulePublic
		req.Preset = presetPublic
	}
	history := roomstate.HistoryShared
	if !opts.ShareHistory {
		history = roomstate.HistoryJoined
	}
	req.InitialState = []matrix.StateEvent{
		{Type: "m.room.join_rules", Content: map[string]interface{}{"join_rule": joinRule}},
		{Type: "m.room.history_visibility", Content: map[string]interface{}{"history_visibility": history}},
	}
	return req, nil
}

func runCreate(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	if _, err := setupLogging(cfg, false); err != nil {
		return err
	}

	req, err := buildCreateRequest(createOpts)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	client, err := matrix.Connect(ctx, cfg.Matrix, nil)
	if err != nil {
		return err
	}

	roomID, err := client.CreateRoom(ctx, req)
	if err != nil {
		return fmt.Errorf("failed to create room: %w", err)
	}
	log.WithFields(map[string]interface{}{
		"room_id": roomID,
		"preset":  req.Preset,
		"invited": len(req.Invite),
	}).Info("room created")
	fmt.Fprintln(cmd.OutOrStdout(), roomID)

	if !createOpts.Open {
		return nil
	}
	return runOpen(cmd, []string{roomID})
}

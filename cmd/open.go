package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/shawkym/mxview/internal/cache"
	"github.com/shawkym/mxview/internal/matrix"
	"github.com/shawkym/mxview/internal/store"
	"github.com/shawkym/mxview/pkg/config"
	"github.com/shawkym/mxview/pkg/dispatch"
	"github.com/shawkym/mxview/pkg/log"
	"github.com/shawkym/mxview/pkg/metrics"
	"github.com/shawkym/mxview/pkg/middleware"
	"github.com/shawkym/mxview/pkg/roomstate"
	"github.com/shawkym/mxview/pkg/tui"
)

var openNoCache bool

var openCmd = &cobra.Command{
	Use:   "open [room]",
	Short: "Open a room in the terminal",
	Long: `Open a Matrix room and follow it live.

The room is taken from the argument, the --room flag, matrix.room in the
config file or MATRIX_ROOM, in that order. Aliases (#room:server) are
resolved by joining the room.

Examples:
  # Open the configured room
  mxview open

  # Open a room by alias
  mxview open '#general:example.org'
`,
	Args: cobra.MaximumNArgs(1),
	RunE: runOpen,
}

func init() {
	rootCmd.AddCommand(openCmd)
	openCmd.Flags().BoolVar(&openNoCache, "no-cache", false, "Do not read or write the local event cache")
}

// session is everything a room view needs from the network and disk.
type session struct {
	cfg     *config.Config
	client  *matrix.Client
	store   *store.Store
	cache   *cache.Cache
	bus     *dispatch.Dispatcher
	metrics *metrics.Metrics
	server  *metrics.Server
	roomID  string
}

func (s *session) Close() {
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := s.server.Stop(ctx); err != nil {
			log.WithError(err).Warn("failed to stop metrics server")
		}
		cancel()
	}
	if s.cache != nil {
		if err := s.cache.Close(); err != nil {
			log.WithError(err).Warn("failed to close event cache")
		}
	}
}

// openSession connects to the homeserver and prepares the store for room.
func openSession(ctx context.Context, cfg *config.Config, room string, useCache bool) (*session, error) {
	s := &session{cfg: cfg, bus: dispatch.New()}

	if cfg.Metrics.Enabled {
		s.server = metrics.NewServer(metrics.ServerConfig{Addr: cfg.Metrics.Addr})
		s.metrics = s.server.GetMetrics()
		// Start logs its own failure.
		go s.server.Start() //nolint:errcheck
	}

	client, err := matrix.Connect(ctx, cfg.Matrix, s.metrics)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.client = client

	roomID, err := resolveRoom(ctx, client, room)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.roomID = roomID

	if useCache && cfg.CacheEnabled() {
		c, err := cache.Open(ctx, cfg.Cache.Path, cfg.Cache.MaxEventsPerRoom)
		if err != nil {
			log.WithError(err).WithField("path", cfg.Cache.Path).Warn("event cache unavailable, continuing without it")
		} else {
			s.cache = c
		}
	}

	opts := store.Options{
		Client:      client,
		Bus:         s.bus,
		SyncTimeout: time.Duration(cfg.Matrix.SyncTimeoutMs) * time.Millisecond,
		SyncLimit:   cfg.Timeline.SyncLimit,
		Outgoing:    middleware.DefaultOutgoing(),
		Metrics:     s.metrics,
	}
	if s.cache != nil {
		opts.Cache = s.cache
	}
	s.store = store.New(opts)
	if s.server != nil {
		maxAge := 2*opts.SyncTimeout + time.Minute
		s.server.SetHealthCheck(func() error { return s.store.Healthy(maxAge) })
	}

	if err := s.store.Preload(ctx, roomID); err != nil {
		log.WithError(err).WithField("room_id", roomID).Warn("failed to preload room from cache")
	}
	return s, nil
}

// resolveRoom turns an alias into a room ID by joining it. Room IDs are
// returned unchanged so that invites are not accepted behind the user's back.
func resolveRoom(ctx context.Context, client *matrix.Client, room string) (string, error) {
	room = strings.TrimSpace(room)
	if room == "" {
		return "", fmt.Errorf("no room given (use an argument, --room or %s)", config.EnvRoom)
	}
	if !strings.HasPrefix(room, "#") {
		return room, nil
	}
	roomID, err := client.JoinRoom(ctx, room)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", room, err)
	}
	log.WithFields(map[string]interface{}{"alias": room, "room_id": roomID}).Debug("resolved room alias")
	return roomID, nil
}

func runOpen(cmd *cobra.Command, args []string) error {
	cfg, path, err := loadConfig()
	if err != nil {
		return err
	}
	if len(args) == 1 {
		cfg.Matrix.Room = args[0]
	}

	logFile, err := setupLogging(cfg, true)
	if err != nil {
		return err
	}
	defer logFile.Close()

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	s, err := openSession(ctx, cfg, cfg.Matrix.Room, !openNoCache)
	if err != nil {
		return err
	}
	defer s.Close()

	syncErr := make(chan error, 1)
	go func() {
		err := s.store.Run(ctx, s.roomID)
		if err != nil {
			log.WithError(err).WithField("room_id", s.roomID).Error("sync stopped")
		}
		syncErr <- err
	}()

	var watcher *config.ConfigWatcher
	if path != "" {
		watcher, err = config.NewConfigWatcher(path)
		if err != nil {
			log.WithError(err).Warn("config hot-reload disabled")
			watcher = nil
		} else {
			go watcher.Run(ctx)
		}
	}

	log.WithFields(map[string]interface{}{
		"room_id": s.roomID,
		"user_id": s.client.UserID(),
	}).Info("opening room")

	err = tui.Run(ctx, tui.Options{
		RoomID:  s.roomID,
		Source:  s.store,
		Store:   s.store,
		Updater: roomstate.NewUpdater(s.client, s.bus, s.metrics),
		Typer:   s.client,
		Bus:     s.bus,
		Metrics: s.metrics,
		Config:  cfg,
		Watcher: watcher,
	})
	cancel()

	if serr := <-syncErr; errors.Is(serr, matrix.ErrInvalidToken) {
		return fmt.Errorf("the homeserver rejected the access token: %w", serr)
	}
	return err
}

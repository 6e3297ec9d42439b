package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/shawkym/mxview/internal/matrix"
	"github.com/shawkym/mxview/pkg/export"
	"github.com/shawkym/mxview/pkg/log"
	"github.com/shawkym/mxview/pkg/timeline"
)

var exportCmd = &cobra.Command{
	Use:   "export [room]",
	Short: "Export recent room history to a file",
	Long: `Export the most recent events of a room to JSON, Markdown, or HTML.

The export holds the same tiles the room view would show for a window of
--limit events, fetching older history from the homeserver when needed.

Examples:
  # Export the last 200 events of the configured room as Markdown
  mxview export --limit 200 -o general.md

  # Export as HTML with a custom title
  mxview export '#general:example.org' --format html --title "Weekly sync" -o sync.html
`,
	Args: cobra.MaximumNArgs(1),
	RunE: runExport,
}

var (
	exportFormat     string
	exportOutput     string
	exportSummary    bool
	exportTimestamps bool
	exportTitle      string
	exportLimit      int
)

func init() {
	rootCmd.AddCommand(exportCmd)

	exportCmd.Flags().StringVarP(&exportFormat, "format", "f", "", "Export format (json, markdown, html; default from the output extension)")
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Output file (default: stdout)")
	exportCmd.Flags().BoolVar(&exportSummary, "summary", true, "Include a summary")
	exportCmd.Flags().BoolVar(&exportTimestamps, "timestamps", true, "Include timestamps")
	exportCmd.Flags().StringVar(&exportTitle, "title", "", "Export title (default: the room name)")
	exportCmd.Flags().IntVarP(&exportLimit, "limit", "n", 0, "Number of events to export (default: timeline.initial_cap)")
}

func runExport(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	if len(args) == 1 {
		cfg.Matrix.Room = args[0]
	}
	if _, err := setupLogging(cfg, false); err != nil {
		return err
	}

	format := export.FormatForPath(exportOutput)
	if exportFormat != "" {
		if format, err = export.ParseFormat(exportFormat); err != nil {
			return err
		}
	}
	limit := exportLimit
	if limit <= 0 {
		limit = cfg.Timeline.InitialCap
	}

	ctx := cmd.Context()
	s, err := openSession(ctx, cfg, cfg.Matrix.Room, true)
	if err != nil {
		return err
	}
	defer s.Close()

	resp, err := s.client.Sync(ctx, "", 0, matrix.BuildSyncFilter(s.roomID, cfg.Timeline.SyncLimit))
	if err != nil {
		return fmt.Errorf("failed to sync: %w", err)
	}
	s.store.ApplySync(ctx, resp)

	room, ok := s.store.Room(s.roomID)
	if !ok {
		return fmt.Errorf("room %s is not visible to %s", s.roomID, s.client.UserID())
	}
	for len(room.Timeline) < limit && room.PaginationToken != "" {
		if err := s.store.Backfill(ctx, s.roomID, cfg.Timeline.PageSize); err != nil {
			return err
		}
		before := room.PaginationToken
		room, _ = s.store.Room(s.roomID)
		if room.PaginationToken == before {
			break
		}
	}

	rs := timeline.Project(room.Timeline, limit, timeline.DefaultRegistry(), cfg.Location())

	var w io.Writer = cmd.OutOrStdout()
	if exportOutput != "" {
		f, err := os.Create(exportOutput)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	exporter := export.NewExporter(export.ExportOptions{
		Format:            format,
		IncludeSummary:    exportSummary,
		IncludeTimestamps: exportTimestamps,
		Title:             exportTitle,
		Location:          cfg.Location(),
	})
	if err := exporter.Export(room, rs, w); err != nil {
		return fmt.Errorf("failed to export: %w", err)
	}

	log.WithFields(map[string]interface{}{
		"room_id": s.roomID,
		"tiles":   rs.TileCount(),
		"format":  string(format),
	}).Info("room exported")
	if exportOutput != "" {
		fmt.Fprintf(os.Stderr, "Exported %d tiles to %s\n", rs.TileCount(), exportOutput)
	}
	return nil
}

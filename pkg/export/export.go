// Package export writes the rendered timeline window of a room to a file.
// Supported formats include JSON, Markdown, and HTML.
package export

import (
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"path/filepath"
	"strings"
	texttemplate "text/template"
	"time"

	"github.com/shawkym/mxview/pkg/timeline"
)

// Format represents the export format type.
type Format string

const (
	// FormatJSON exports the window as JSON
	FormatJSON Format = "json"
	// FormatMarkdown exports the window as Markdown
	FormatMarkdown Format = "markdown"
	// FormatHTML exports the window as HTML
	FormatHTML Format = "html"
)

// ParseFormat maps a format name or file extension to a Format.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimPrefix(s, ".")) {
	case "json":
		return FormatJSON, nil
	case "md", "markdown":
		return FormatMarkdown, nil
	case "html", "htm":
		return FormatHTML, nil
	default:
		return "", fmt.Errorf("unsupported export format: %s", s)
	}
}

// FormatForPath picks the format from path's extension, defaulting to
// Markdown.
func FormatForPath(path string) Format {
	if f, err := ParseFormat(filepath.Ext(path)); err == nil {
		return f
	}
	return FormatMarkdown
}

// ExportOptions contains options for exporting a room window.
type ExportOptions struct {
	// Format specifies the export format (json, markdown, html)
	Format Format
	// IncludeSummary adds tile and sender counts
	IncludeSummary bool
	// IncludeTimestamps includes event times in export
	IncludeTimestamps bool
	// Title is an optional title; the room name is used when empty
	Title string
	// Location is used for times and date separators (UTC when nil)
	Location *time.Location
}

// Exporter handles room exports to different formats.
type Exporter struct {
	options ExportOptions
}

// NewExporter creates a new Exporter with the given options.
func NewExporter(options ExportOptions) *Exporter {
	if options.Location == nil {
		options.Location = time.UTC
	}
	return &Exporter{
		options: options,
	}
}

// Item is the exported form of one render-set row.
type Item struct {
	Kind         string    `json:"kind"`
	Date         string    `json:"date,omitempty"`
	EventID      string    `json:"event_id,omitempty"`
	Type         string    `json:"type,omitempty"`
	Sender       string    `json:"sender,omitempty"`
	Tile         string    `json:"tile,omitempty"`
	Text         string    `json:"text,omitempty"`
	Timestamp    time.Time `json:"-"`
	Time         string    `json:"timestamp,omitempty"`
	Continuation bool      `json:"continuation,omitempty"`
	Status       string    `json:"status,omitempty"`
}

// Export writes the render set of room to the writer in the configured
// format.
func (e *Exporter) Export(room *timeline.Room, rs timeline.RenderSet, writer io.Writer) error {
	items := e.items(rs)
	switch e.options.Format {
	case FormatJSON:
		return e.exportJSON(room, items, writer)
	case FormatMarkdown:
		return e.exportMarkdown(room, items, writer)
	case FormatHTML:
		return e.exportHTML(room, items, writer)
	default:
		return fmt.Errorf("unsupported export format: %s", e.options.Format)
	}
}

func (e *Exporter) items(rs timeline.RenderSet) []Item {
	items := make([]Item, 0, len(rs))
	for _, it := range rs {
		if it.Kind == timeline.ItemDateSeparator {
			items = append(items, Item{Kind: "date", Date: it.Date.In(e.options.Location).Format("2006-01-02")})
			continue
		}
		items = append(items, Item{
			Kind:         "tile",
			EventID:      it.Event.ID,
			Type:         it.Event.Type,
			Sender:       it.Event.Sender,
			Tile:         it.Tile.String(),
			Text:         timeline.Describe(it.Event, it.Tile),
			Timestamp:    it.Event.Timestamp,
			Time:         it.Event.Timestamp.Format(time.RFC3339),
			Continuation: it.Continuation,
			Status:       string(it.Event.Status),
		})
	}
	return items
}

func (e *Exporter) title(room *timeline.Room) string {
	if e.options.Title != "" {
		return e.options.Title
	}
	if room != nil && room.Name != "" {
		return room.Name
	}
	if room != nil {
		return room.ID
	}
	return "mxview export"
}

func (e *Exporter) exportJSON(room *timeline.Room, items []Item, writer io.Writer) error {
	output := struct {
		Title      string         `json:"title,omitempty"`
		RoomID     string         `json:"room_id,omitempty"`
		Topic      string         `json:"topic,omitempty"`
		ExportedAt string         `json:"exported_at"`
		Items      []Item         `json:"items"`
		Summary    *ExportSummary `json:"summary,omitempty"`
	}{
		Title:      e.title(room),
		ExportedAt: time.Now().Format(time.RFC3339),
		Items:      items,
	}
	if room != nil {
		output.RoomID = room.ID
		output.Topic = room.Topic
	}

	if e.options.IncludeSummary {
		output.Summary = calculateSummary(items)
	}

	encoder := json.NewEncoder(writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(output)
}

// row is one item prepared for the text templates.
type row struct {
	Date    string
	Header  string
	Clock   string
	Text    string
	Status  string
	Classes string
}

type document struct {
	Title    string
	Topic    string
	Exported string
	Summary  *ExportSummary
	Rows     []row
}

func (e *Exporter) document(room *timeline.Room, items []Item) document {
	doc := document{
		Title:    e.title(room),
		Exported: time.Now().In(e.options.Location).Format("2006-01-02 15:04:05"),
		Rows:     make([]row, 0, len(items)),
	}
	if room != nil {
		doc.Topic = room.Topic
	}
	if e.options.IncludeSummary {
		doc.Summary = calculateSummary(items)
	}
	for _, it := range items {
		if it.Kind == "date" {
			doc.Rows = append(doc.Rows, row{Date: it.Date})
			continue
		}
		r := row{Text: it.Text, Status: it.Status, Classes: "tile tile-" + it.Tile}
		if it.Continuation {
			r.Classes += " continuation"
		} else {
			r.Header = timeline.DisplayName(it.Sender)
			if e.options.IncludeTimestamps {
				r.Clock = it.Timestamp.In(e.options.Location).Format("15:04:05")
			}
		}
		if it.Status != "" {
			r.Classes += " " + strings.ReplaceAll(it.Status, "_", "-")
		}
		doc.Rows = append(doc.Rows, r)
	}
	return doc
}

var markdownTemplate = texttemplate.Must(texttemplate.New("markdown").Parse(`# {{.Title}}
{{if .Topic}}
> {{.Topic}}
{{end}}
*Exported: {{.Exported}}*
{{with .Summary}}
## Summary

- **Events**: {{.TotalTiles}}
- **Senders**: {{.UniqueSenders}}
- **Days**: {{.Days}}

---
{{end}}
{{- range .Rows}}
{{if .Date}}## {{.Date}}
{{else}}{{if .Header}}### {{.Header}}{{if .Clock}} - {{.Clock}}{{end}}

{{end}}{{.Text}}{{if .Status}} *({{.Status}})*{{end}}
{{end}}
{{- end}}`))

var htmlTemplate = template.Must(template.New("html").Funcs(template.FuncMap{
	"lines": func(s string) template.HTML {
		return template.HTML(strings.ReplaceAll(template.HTMLEscapeString(s), "\n", "<br>"))
	},
}).Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Title}}</title>
<style>
body { font-family: system-ui, sans-serif; line-height: 1.45; color: #1d1f21; background: #fafafa; margin: 0; }
main { max-width: 860px; margin: 0 auto; padding: 24px; background: #fff; }
header { border-bottom: 1px solid #ddd; margin-bottom: 20px; padding-bottom: 12px; }
h1 { margin: 0; font-size: 1.6em; }
.topic { margin: 6px 0 0; color: #555; }
.exported { margin: 6px 0 0; color: #888; font-size: 0.85em; }
.summary { display: flex; gap: 18px; padding: 10px 12px; background: #eef2f5; border-radius: 4px; margin-bottom: 20px; }
.date-separator { text-align: center; color: #888; margin: 22px 0 8px; font-size: 0.85em; }
.tile { margin-top: 10px; padding-left: 10px; border-left: 3px solid #0dbd8b; }
.tile.continuation { margin-top: 2px; }
.tile:not(.tile-message) { border-left-color: #c4c8cc; color: #777; font-style: italic; }
.tile.sending { opacity: 0.55; }
.tile.not-sent { border-left-color: #d1453b; }
.sender { font-weight: 600; color: #368bd6; }
time { color: #999; font-size: 0.8em; margin-left: 6px; }
</style>
</head>
<body>
<main>
<header>
<h1>{{.Title}}</h1>
{{with .Topic}}<p class="topic">{{.}}</p>
{{end}}<p class="exported">Exported {{.Exported}}</p>
</header>
{{with .Summary}}<div class="summary"><span>{{.TotalTiles}} events</span><span>{{.UniqueSenders}} senders</span><span>{{.Days}} days</span></div>
{{end}}<section class="timeline">
{{range .Rows}}{{if .Date}}<div class="date-separator">{{.Date}}</div>
{{else}}<div class="{{.Classes}}">
{{if .Header}}<div class="tile-header"><span class="sender">{{.Header}}</span>{{with .Clock}}<time>{{.}}</time>{{end}}</div>
{{end}}<div class="tile-body">{{lines .Text}}</div>
</div>
{{end}}{{end}}</section>
</main>
</body>
</html>
`))

func (e *Exporter) exportMarkdown(room *timeline.Room, items []Item, writer io.Writer) error {
	if err := markdownTemplate.Execute(writer, e.document(room, items)); err != nil {
		return fmt.Errorf("failed to write markdown: %w", err)
	}
	return nil
}

func (e *Exporter) exportHTML(room *timeline.Room, items []Item, writer io.Writer) error {
	if err := htmlTemplate.Execute(writer, e.document(room, items)); err != nil {
		return fmt.Errorf("failed to write html: %w", err)
	}
	return nil
}

// ExportSummary contains summary statistics for an exported window.
type ExportSummary struct {
	TotalTiles    int `json:"total_tiles"`
	UniqueSenders int `json:"unique_senders"`
	Days          int `json:"days"`
}

// calculateSummary computes summary statistics from items.
func calculateSummary(items []Item) *ExportSummary {
	summary := &ExportSummary{}
	senders := make(map[string]bool)

	for _, it := range items {
		switch it.Kind {
		case "date":
			summary.Days++
		case "tile":
			summary.TotalTiles++
			if it.Sender != "" {
				senders[it.Sender] = true
			}
		}
	}
	// The first day of the window has no separator.
	if summary.TotalTiles > 0 {
		summary.Days++
	}

	summary.UniqueSenders = len(senders)
	return summary
}

package archive

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/onnwee/chat-mirror/format"
	"github.com/onnwee/chat-mirror/platform"
)

// progressCadence is how many rows pass between collector progress logs.
const progressCadence = 500

// defaultHistoryPageSize is the per-request history page size when the
// collector is built without one.
const defaultHistoryPageSize = 100

const timeLayout = "2006-01-02 15:04:05"

// Row is the minimal per-message record an archive list entry renders from.
// Keys are deliberately short; every row is serialized into the document.
type Row struct {
	U   string          `json:"u"`             // author label
	T   string          `json:"t"`             // local timestamp
	Av  string          `json:"av"`            // avatar css class
	Txt string          `json:"txt"`           // rendered html body
	Ref string          `json:"ref,omitempty"` // reply context line
	Att []RowAttachment `json:"att,omitempty"`
}

// RowAttachment is one attachment reference on a row.
type RowAttachment struct {
	URL  string `json:"url"`
	Name string `json:"name"`
	Img  bool   `json:"img"`
}

// ChannelRows pairs one channel with its collected history.
type ChannelRows struct {
	Channel platform.Channel
	Rows    []Row
}

// Collector walks channel history oldest-first and produces ordered rows.
// One collector serves one export run; its avatar cache is shared across all
// channels the run touches and discarded with it.
type Collector struct {
	Session  platform.Session
	Avatars  *AvatarCache
	PageSize int
}

// NewCollector builds a collector for one export run.
func NewCollector(s platform.Session, pageSize int) *Collector {
	if pageSize <= 0 {
		pageSize = defaultHistoryPageSize
	}
	return &Collector{Session: s, Avatars: NewAvatarCache(), PageSize: pageSize}
}

// CollectChannel reads the channel's entire history into rows, preserving
// source chronological order exactly. Message content is never filtered or
// reordered here; permission filtering happens upstream in the channel
// listing.
func (c *Collector) CollectChannel(ctx context.Context, ch platform.Channel) ([]Row, error) {
	slog.Info("collecting channel history",
		slog.String("guild", ch.GuildName), slog.String("channel", ch.Name))
	start := time.Now()
	var rows []Row
	cursor := ""
	for {
		page, err := c.Session.History(ctx, ch.ID, cursor, c.PageSize)
		if err != nil {
			return nil, fmt.Errorf("fetch history for #%s: %w", ch.Name, err)
		}
		for _, m := range page.Messages {
			rows = append(rows, c.toRow(ctx, m))
			if len(rows)%progressCadence == 0 {
				elapsed := time.Since(start)
				slog.Info("collection progress",
					slog.String("channel", ch.Name),
					slog.Int("rows", len(rows)),
					slog.Duration("elapsed", elapsed.Round(time.Millisecond)),
					slog.Float64("rows_per_sec", float64(len(rows))/elapsed.Seconds()))
			}
		}
		if page.Cursor == "" {
			break
		}
		cursor = page.Cursor
	}
	slog.Info("channel history collected",
		slog.String("channel", ch.Name), slog.Int("rows", len(rows)),
		slog.Duration("elapsed", time.Since(start).Round(time.Millisecond)))
	return rows, nil
}

// CollectGuild collects every readable text channel of the guild in a
// deterministic order: case-insensitive channel name, id as tie-break. A
// channel whose collection fails is logged and skipped; the run continues.
func (c *Collector) CollectGuild(ctx context.Context, guildID string) ([]ChannelRows, error) {
	channels, err := c.Session.Channels(ctx, guildID)
	if err != nil {
		return nil, fmt.Errorf("list guild channels: %w", err)
	}
	sort.Slice(channels, func(i, j int) bool {
		ni, nj := strings.ToLower(channels[i].Name), strings.ToLower(channels[j].Name)
		if ni != nj {
			return ni < nj
		}
		return channels[i].ID < channels[j].ID
	})

	out := make([]ChannelRows, 0, len(channels))
	for _, ch := range channels {
		rows, err := c.CollectChannel(ctx, ch)
		if err != nil {
			slog.Warn("skipping channel after collection failure",
				slog.String("channel", ch.Name), slog.Any("err", err))
			continue
		}
		out = append(out, ChannelRows{Channel: ch, Rows: rows})
	}
	return out, nil
}

func (c *Collector) toRow(ctx context.Context, m platform.Message) Row {
	row := Row{
		U:   m.Author.Label(),
		T:   localTime(m.Timestamp),
		Av:  c.Avatars.Resolve(ctx, m.Author),
		Txt: format.RenderHTML(m.Content),
	}
	if m.Reference != nil {
		row.Ref = "@" + m.Reference.AuthorLabel + ": " + m.Reference.Snippet
	}
	for _, a := range m.Attachments {
		name := a.Filename
		if name == "" {
			name = a.URL
		}
		row.Att = append(row.Att, RowAttachment{URL: a.URL, Name: name, Img: a.IsImage()})
	}
	return row
}

// localTime formats the message timestamp in the machine's zone. A zero
// timestamp (seen on some synthetic records) falls back to the current time
// rather than rendering a year-one artifact.
func localTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.Local().Format(timeLayout)
}

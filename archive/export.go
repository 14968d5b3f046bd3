package archive

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/onnwee/chat-mirror/db"
	"github.com/onnwee/chat-mirror/platform"
	"github.com/onnwee/chat-mirror/sink"
	"github.com/onnwee/chat-mirror/telemetry"
)

const exportStampLayout = "20060102-150405"

// Exporter runs point-in-time archive exports: collect, render, write, and
// deliver through the same sink the relay uses. One export run owns one
// collector (and with it one avatar cache); runs are never concurrent with
// themselves.
type Exporter struct {
	Session  platform.Session
	Sink     *sink.Client
	DB       *sql.DB // optional journal; nil disables it
	Dir      string
	PageSize int // history page size per request
}

// Result summarizes one finished export run.
type Result struct {
	RunID     string
	Path      string
	Rows      int
	Bytes     int64
	Delivered bool
}

// ExportChannel archives one channel's full history into a single document
// and delivers it (or an oversize notice) to the sink.
func (e *Exporter) ExportChannel(ctx context.Context, channelID string) (Result, error) {
	runID := uuid.NewString()
	ctx = telemetry.WithCorrelation(ctx, runID)
	ctx, span := telemetry.StartSpan(ctx, "archive", "export.channel",
		attribute.String("channel_id", channelID))
	defer span.End()
	if telemetry.ExportsStarted != nil {
		telemetry.ExportsStarted.Inc()
	}
	log := telemetry.LoggerWithCorr(ctx)
	started := time.Now()

	ch, err := e.Session.FetchChannel(ctx, channelID)
	if err != nil {
		return e.fail(ctx, span, db.ExportRun{RunID: runID, Scope: "channel", ChannelID: channelID, StartedAt: started},
			fmt.Errorf("fetch channel: %w", err))
	}
	e.journal(ctx, db.ExportRun{RunID: runID, Scope: "channel", GuildID: ch.GuildID, ChannelID: ch.ID, StartedAt: started})

	collector := NewCollector(e.Session, e.PageSize)
	rows, err := collector.CollectChannel(ctx, ch)
	if err != nil {
		return e.fail(ctx, span, db.ExportRun{RunID: runID, Scope: "channel", GuildID: ch.GuildID, ChannelID: ch.ID, StartedAt: started}, err)
	}

	name := fmt.Sprintf("log_%s_%s_%s.html", ch.GuildID, ch.ID, started.Format(exportStampLayout))
	path, size, err := e.writeDoc(name, func(f *os.File) error {
		return RenderChannelDoc(f, ch, rows, collector.Avatars.CSS())
	})
	if err != nil {
		return e.fail(ctx, span, db.ExportRun{RunID: runID, Scope: "channel", GuildID: ch.GuildID, ChannelID: ch.ID, RowCount: len(rows), StartedAt: started}, err)
	}

	header := fmt.Sprintf("[archive] %s → #%s (%d messages)", ch.GuildName, ch.Name, len(rows))
	delivered := e.deliver(ctx, path, size, header)

	res := Result{RunID: runID, Path: path, Rows: len(rows), Bytes: size, Delivered: delivered}
	e.finish(ctx, span, db.ExportRun{
		RunID: runID, Scope: "channel", GuildID: ch.GuildID, ChannelID: ch.ID,
		RowCount: len(rows), Bytes: size, Path: path, Delivered: delivered,
		StartedAt: started, FinishedAt: time.Now(),
	}, started)
	log.Info("channel export complete",
		slog.String("channel", ch.Name), slog.Int("rows", len(rows)),
		slog.Int64("bytes", size), slog.Bool("delivered", delivered))
	return res, nil
}

// ExportGuild archives every readable channel of the guild into one document
// with a channel sidebar, sharing one avatar cache across channels.
func (e *Exporter) ExportGuild(ctx context.Context, guildID string) (Result, error) {
	runID := uuid.NewString()
	ctx = telemetry.WithCorrelation(ctx, runID)
	ctx, span := telemetry.StartSpan(ctx, "archive", "export.guild",
		attribute.String("guild_id", guildID))
	defer span.End()
	if telemetry.ExportsStarted != nil {
		telemetry.ExportsStarted.Inc()
	}
	log := telemetry.LoggerWithCorr(ctx)
	started := time.Now()
	e.journal(ctx, db.ExportRun{RunID: runID, Scope: "guild", GuildID: guildID, StartedAt: started})

	collector := NewCollector(e.Session, e.PageSize)
	channels, err := collector.CollectGuild(ctx, guildID)
	if err != nil {
		return e.fail(ctx, span, db.ExportRun{RunID: runID, Scope: "guild", GuildID: guildID, StartedAt: started}, err)
	}

	guildName := guildID
	total := 0
	for _, cr := range channels {
		total += len(cr.Rows)
		if cr.Channel.GuildName != "" {
			guildName = cr.Channel.GuildName
		}
	}

	name := fmt.Sprintf("guild_log_%s_%s.html", guildID, started.Format(exportStampLayout))
	path, size, err := e.writeDoc(name, func(f *os.File) error {
		return RenderGuildDoc(f, guildName, channels, collector.Avatars.CSS())
	})
	if err != nil {
		return e.fail(ctx, span, db.ExportRun{RunID: runID, Scope: "guild", GuildID: guildID, RowCount: total, StartedAt: started}, err)
	}

	header := fmt.Sprintf("[archive] %s (%d channels, %d messages)", guildName, len(channels), total)
	delivered := e.deliver(ctx, path, size, header)

	res := Result{RunID: runID, Path: path, Rows: total, Bytes: size, Delivered: delivered}
	e.finish(ctx, span, db.ExportRun{
		RunID: runID, Scope: "guild", GuildID: guildID,
		RowCount: total, Bytes: size, Path: path, Delivered: delivered,
		StartedAt: started, FinishedAt: time.Now(),
	}, started)
	log.Info("guild export complete",
		slog.String("guild", guildName), slog.Int("channels", len(channels)),
		slog.Int("rows", total), slog.Int64("bytes", size), slog.Bool("delivered", delivered))
	return res, nil
}

// ExportAll exports every joined guild, continuing past per-guild failures.
func (e *Exporter) ExportAll(ctx context.Context) error {
	guilds, err := e.Session.Guilds(ctx)
	if err != nil {
		return fmt.Errorf("list guilds: %w", err)
	}
	for _, g := range guilds {
		if _, err := e.ExportGuild(ctx, g.ID); err != nil {
			slog.Warn("guild export failed, continuing",
				slog.String("guild", g.Name), slog.Any("err", err))
		}
	}
	return nil
}

// writeDoc renders into a file under the export directory and reports its
// final size.
func (e *Exporter) writeDoc(name string, render func(*os.File) error) (string, int64, error) {
	if err := os.MkdirAll(e.Dir, 0o755); err != nil {
		return "", 0, fmt.Errorf("create export dir: %w", err)
	}
	path := filepath.Join(e.Dir, name)
	f, err := os.Create(path)
	if err != nil {
		return "", 0, fmt.Errorf("create archive file: %w", err)
	}
	if err := render(f); err != nil {
		f.Close()
		return "", 0, err
	}
	if err := f.Close(); err != nil {
		return "", 0, fmt.Errorf("close archive file: %w", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", 0, fmt.Errorf("stat archive file: %w", err)
	}
	return path, info.Size(), nil
}

// deliver sends the archive through the sink; the sink applies the oversize
// policy itself. Delivery failure does not fail the export, the file is
// already on disk.
func (e *Exporter) deliver(ctx context.Context, path string, size int64, header string) bool {
	if !e.Sink.Configured() {
		slog.Info("sink not configured, archive kept locally", slog.String("path", path))
		return false
	}
	if err := e.Sink.SendFile(ctx, path, header); err != nil {
		slog.Warn("archive delivery failed, file kept locally",
			slog.String("path", path), slog.Any("err", err))
		return false
	}
	return size <= sink.MaxUploadBytes
}

func (e *Exporter) journal(ctx context.Context, run db.ExportRun) {
	if e.DB == nil {
		return
	}
	if err := db.RecordExport(ctx, e.DB, run); err != nil {
		slog.Warn("export journal write failed", slog.Any("err", err))
	}
}

func (e *Exporter) fail(ctx context.Context, span trace.Span, run db.ExportRun, err error) (Result, error) {
	run.Error = err.Error()
	run.FinishedAt = time.Now()
	e.journal(ctx, run)
	telemetry.RecordError(span, err)
	if telemetry.ExportsFailed != nil {
		telemetry.ExportsFailed.Inc()
	}
	return Result{RunID: run.RunID}, err
}

func (e *Exporter) finish(ctx context.Context, span trace.Span, run db.ExportRun, started time.Time) {
	telemetry.SetSpanSuccess(span)
	e.journal(ctx, run)
	if telemetry.ExportsSucceeded != nil {
		telemetry.ExportsSucceeded.Inc()
	}
	if telemetry.ExportDuration != nil {
		telemetry.ExportDuration.Observe(time.Since(started).Seconds())
	}
	if e.DB != nil {
		if err := db.SetKV(ctx, e.DB, "last_export_at", time.Now().UTC().Format(time.RFC3339)); err != nil {
			slog.Warn("kv write failed", slog.Any("err", err))
		}
	}
}

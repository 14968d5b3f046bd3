// Package relay implements the live mirroring path: inbound messages pass an
// ingress filter into a bounded FIFO queue, and one worker drains the queue,
// serializing webhook delivery so at most one outbound request is ever in
// flight. Delivery is best-effort: a failed or rate-limited item is dropped,
// never requeued.
package relay

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/onnwee/chat-mirror/format"
	"github.com/onnwee/chat-mirror/platform"
	"github.com/onnwee/chat-mirror/sink"
	"github.com/onnwee/chat-mirror/telemetry"
)

// Sink-imposed payload limits.
const (
	usernameLimit    = 80
	titleLimit       = 256
	descriptionLimit = 4096
	bodyLimit        = 3500
	refLineLimit     = 256
	attachListLimit  = 512
	maxListedFiles   = 6
)

// DefaultQueueSize bounds the relay backlog; enqueues beyond it are dropped.
const DefaultQueueSize = 1024

// Queue is the FIFO buffer between the ingress callback and the worker. It
// is the only structure shared by multiple producers and the consumer; all
// mutation goes through Enqueue and the worker's receive.
type Queue struct {
	items chan platform.Message
}

// NewQueue creates a queue holding at most capacity pending items.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueSize
	}
	return &Queue{items: make(chan platform.Message, capacity)}
}

// Len returns the current backlog.
func (q *Queue) Len() int { return len(q.items) }

// Enqueue adds a message for delivery. It never blocks the caller and never
// fails visibly: when the buffer is full the message is dropped with a log
// line, keeping ingestion decoupled from outbound rate limits.
func (q *Queue) Enqueue(m platform.Message) {
	select {
	case q.items <- m:
		if telemetry.RelayEnqueued != nil {
			telemetry.RelayEnqueued.Inc()
		}
		telemetry.SetRelayQueueDepth(len(q.items))
	default:
		slog.Warn("relay queue full, dropping message",
			slog.String("channel", m.ChannelName), slog.String("author", m.Author.Label()))
		if telemetry.RelayDropped != nil {
			telemetry.RelayDropped.Inc()
		}
	}
}

// Accept is the ingress filter: only real guild messages that were not
// produced by a webhook identity (echo loop guard) or another automated
// account are mirrored, and only while a sink target is configured.
func Accept(m platform.Message, sinkConfigured bool) bool {
	if !sinkConfigured {
		return false
	}
	if m.GuildID == "" {
		return false
	}
	if m.FromWebhook {
		return false
	}
	if m.Author.Bot {
		return false
	}
	return true
}

// Worker drains one queue into one sink.
type Worker struct {
	Queue *Queue
	Sink  *sink.Client

	// sleep is swapped out by tests; defaults to a context-aware sleep.
	sleep func(ctx context.Context, d time.Duration)
}

// NewWorker wires a worker to its queue and sink.
func NewWorker(q *Queue, s *sink.Client) *Worker {
	return &Worker{Queue: q, Sink: s, sleep: sleepCtx}
}

// Run blocks waiting for items and delivers them strictly in enqueue order
// until ctx is cancelled. No per-item failure may terminate the loop.
func (w *Worker) Run(ctx context.Context) {
	slog.Info("relay worker starting")
	for {
		select {
		case <-ctx.Done():
			slog.Info("relay worker stopped", slog.Int("abandoned", w.Queue.Len()))
			return
		case m := <-w.Queue.items:
			telemetry.SetRelayQueueDepth(w.Queue.Len())
			w.deliver(ctx, m)
		}
	}
}

// deliver performs exactly one outbound HTTP call for the item. On 429 it
// sleeps the advertised backoff and moves on; the current item counts as
// handled and can be lost under sustained rate limiting.
func (w *Worker) deliver(ctx context.Context, m platform.Message) {
	payload := BuildPayload(m)
	var res sink.PostResult
	var err error
	telemetry.TimeFunc(telemetry.DeliveryDuration, func() {
		res, err = w.Sink.PostMessage(ctx, payload)
	})
	if err != nil {
		slog.Warn("relay delivery failed", slog.Any("err", err), slog.String("channel", m.ChannelName))
		if telemetry.RelayDropped != nil {
			telemetry.RelayDropped.Inc()
		}
		return
	}
	switch {
	case res.RateLimited():
		slog.Warn("sink rate limited, backing off",
			slog.Duration("retry_after", res.RetryAfter), slog.String("channel", m.ChannelName))
		if telemetry.RelayRateLimited != nil {
			telemetry.RelayRateLimited.Inc()
		}
		w.sleep(ctx, res.RetryAfter)
	case res.StatusCode >= 400:
		slog.Warn("sink rejected message",
			slog.Int("status", res.StatusCode), slog.String("body", res.Body))
		if telemetry.RelayDropped != nil {
			telemetry.RelayDropped.Inc()
		}
	default:
		if telemetry.RelayDelivered != nil {
			telemetry.RelayDelivered.Inc()
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// BuildPayload shapes one captured message into the sink's webhook record:
// identity line, reply context, flattened body, attachment digest, first
// image attachment as the embed image, and all mentions suppressed. The
// payload is constructed fresh per message and never mutated afterwards.
func BuildPayload(m platform.Message) sink.Payload {
	var imageURL string
	var otherFiles []string
	for _, a := range m.Attachments {
		if a.IsImage() && imageURL == "" {
			imageURL = a.URL
			continue
		}
		name := a.URL
		if name == "" {
			name = a.Filename
		}
		otherFiles = append(otherFiles, name)
	}

	var lines []string
	if m.Reference != nil {
		ref := "↪️ @" + m.Reference.AuthorLabel + ": " + snippet(m.Reference.Snippet, 120)
		lines = append(lines, format.Truncate(ref, refLineLimit))
	}
	body := format.Plainify(m.Content, format.Mentions{
		Users:    m.UserMentions,
		Roles:    m.RoleMentions,
		Channels: m.ChannelMentions,
	})
	if body != "" {
		lines = append(lines, format.Truncate(body, bodyLimit))
	}
	if len(otherFiles) > 0 {
		if len(otherFiles) > maxListedFiles {
			otherFiles = otherFiles[:maxListedFiles]
		}
		lines = append(lines, format.Truncate("attachments:\n• "+strings.Join(otherFiles, "\n• "), attachListLimit))
	}
	desc := strings.Join(lines, "\n")
	if desc == "" {
		desc = "(no content)"
	}

	embed := sink.Embed{
		Title:       format.Truncate(m.GuildName+" →#"+m.ChannelName, titleLimit),
		Description: format.Truncate(desc, descriptionLimit),
		URL:         m.JumpURL,
	}
	if imageURL != "" {
		embed.Image = &sink.EmbedImage{URL: imageURL}
	}
	return sink.Payload{
		Username:        format.Truncate(m.Author.Label(), usernameLimit),
		AvatarURL:       m.Author.AvatarURL,
		Embeds:          []sink.Embed{embed},
		AllowedMentions: sink.AllowedMentions{Parse: []string{}},
	}
}

func snippet(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit])
}

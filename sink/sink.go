// Package sink is the minimal HTTP client for the outbound webhook: one
// message POST per relayed item, text notices, and archive file uploads.
package sink

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/codeGROOVE-dev/retry"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// MaxUploadBytes is the sink's file size ceiling. Archives above it are
// retained locally and announced with a text notice instead.
const MaxUploadBytes = 20 * 1024 * 1024

const (
	// retryAfterFallback is assumed when a 429 body carries no usable
	// retry_after value; retryAfterFloor clamps whatever was parsed.
	retryAfterFallback = time.Second
	retryAfterFloor    = 500 * time.Millisecond
)

// Embed is the single embed attached to each relayed message.
type Embed struct {
	Title       string      `json:"title,omitempty"`
	Description string      `json:"description,omitempty"`
	URL         string      `json:"url,omitempty"`
	Image       *EmbedImage `json:"image,omitempty"`
}

// EmbedImage references the first image attachment of the source message.
type EmbedImage struct {
	URL string `json:"url"`
}

// AllowedMentions with an empty parse list suppresses all pings on the
// receiving side.
type AllowedMentions struct {
	Parse []string `json:"parse"`
}

// Payload is the sink-shaped record built fresh for every relayed message.
type Payload struct {
	Username        string          `json:"username"`
	AvatarURL       string          `json:"avatar_url,omitempty"`
	Content         string          `json:"content,omitempty"`
	Embeds          []Embed         `json:"embeds,omitempty"`
	AllowedMentions AllowedMentions `json:"allowed_mentions"`
}

// PostResult is what one delivery attempt produced.
type PostResult struct {
	StatusCode int
	// RetryAfter is the backoff to sleep before the next delivery; only
	// meaningful when StatusCode is 429. Already clamped to the floor.
	RetryAfter time.Duration
	// Body holds the first bytes of an error response for logging.
	Body string
}

// OK reports a 2xx delivery.
func (r PostResult) OK() bool { return r.StatusCode >= 200 && r.StatusCode < 300 }

// RateLimited reports an HTTP 429 delivery.
func (r PostResult) RateLimited() bool { return r.StatusCode == http.StatusTooManyRequests }

// Client posts to one webhook URL. A zero URL disables the sink; callers
// check Configured before relying on it.
type Client struct {
	URL        string
	HTTPClient *http.Client
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return defaultClient
}

// Outbound calls share one fixed total timeout; exceeding it surfaces as a
// delivery failure.
var defaultClient = &http.Client{Timeout: 20 * time.Second}

// Configured reports whether an outbound target is set.
func (c *Client) Configured() bool { return c != nil && c.URL != "" }

// PostMessage delivers one relayed message payload with a single POST.
// A 429 response parses retry_after seconds from the JSON body, falling back
// to 1s and clamping to a 500ms floor; the caller sleeps and moves on.
func (c *Client) PostMessage(ctx context.Context, p Payload) (PostResult, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return PostResult{}, fmt.Errorf("encode payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return PostResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http().Do(req)
	if err != nil {
		return PostResult{}, err
	}
	defer closeBody(resp)

	res := PostResult{StatusCode: resp.StatusCode}
	switch {
	case res.RateLimited():
		res.RetryAfter = parseRetryAfter(resp.Body)
	case resp.StatusCode >= 400:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		res.Body = string(b)
	}
	return res, nil
}

func parseRetryAfter(body io.Reader) time.Duration {
	var payload struct {
		RetryAfter float64 `json:"retry_after"`
	}
	d := retryAfterFallback
	if err := json.NewDecoder(body).Decode(&payload); err == nil && payload.RetryAfter > 0 {
		d = time.Duration(payload.RetryAfter * float64(time.Second))
	}
	if d < retryAfterFloor {
		d = retryAfterFloor
	}
	return d
}

// SendNotice posts a plain text message, used for archive announcements and
// oversize notices.
func (c *Client) SendNotice(ctx context.Context, content string) error {
	if !c.Configured() {
		slog.Warn("sink not configured, notice skipped")
		return nil
	}
	res, err := c.PostMessage(ctx, Payload{Content: content, AllowedMentions: AllowedMentions{Parse: []string{}}})
	if err != nil {
		return err
	}
	if !res.OK() {
		return fmt.Errorf("notice rejected: http %d: %s", res.StatusCode, res.Body)
	}
	return nil
}

// SendFile uploads the file at path with a header line. Files over
// MaxUploadBytes are not uploaded: the file stays at its local path and the
// sink receives a text notice naming it. The upload itself (unlike the relay
// path) is retried a few times since an export run is expensive to redo.
func (c *Client) SendFile(ctx context.Context, path, header string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat archive: %w", err)
	}
	if info.Size() > MaxUploadBytes {
		notice := fmt.Sprintf("%s\nFile too large to upload (%.2f MiB), kept locally.\nFile: **%s**\nPath: `%s`",
			header, float64(info.Size())/(1024*1024), filepath.Base(path), path)
		slog.Info("archive exceeds upload ceiling, sending notice only",
			slog.String("path", path), slog.Int64("bytes", info.Size()))
		return c.SendNotice(ctx, notice)
	}
	if !c.Configured() {
		slog.Warn("sink not configured, file upload skipped", slog.String("path", path))
		return nil
	}

	err = retry.Do(
		func() error { return c.uploadFile(ctx, path, header) },
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			slog.Warn("archive upload retry", slog.Uint64("attempt", uint64(n+1)), slog.Any("err", err))
		}),
	)
	if err != nil {
		return fmt.Errorf("upload archive: %w", err)
	}
	slog.Info("archive uploaded", slog.String("file", filepath.Base(path)))
	return nil
}

func (c *Client) uploadFile(ctx context.Context, path, header string) error {
	f, err := os.Open(path)
	if err != nil {
		return retry.Unrecoverable(err)
	}
	defer func() {
		if err := f.Close(); err != nil {
			slog.Warn("failed to close archive file", slog.Any("err", err))
		}
	}()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	meta, err := json.Marshal(Payload{Content: header, AllowedMentions: AllowedMentions{Parse: []string{}}})
	if err != nil {
		return retry.Unrecoverable(err)
	}
	if err := mw.WriteField("payload_json", string(meta)); err != nil {
		return err
	}
	fw, err := mw.CreateFormFile("files[0]", filepath.Base(path))
	if err != nil {
		return err
	}
	if _, err := io.Copy(fw, f); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, &buf)
	if err != nil {
		return retry.Unrecoverable(err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := c.http().Do(req)
	if err != nil {
		return err
	}
	defer closeBody(resp)
	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		err := fmt.Errorf("http %d: %s", resp.StatusCode, string(b))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return retry.Unrecoverable(err)
		}
		return err
	}
	return nil
}

func closeBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		slog.Warn("failed to close response body", slog.Any("err", err))
	}
}

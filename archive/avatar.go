package archive

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/onnwee/chat-mirror/platform"
	"github.com/onnwee/chat-mirror/telemetry"
)

// placeholderDataURI is a 1x1 transparent PNG used when an author has no
// avatar or the fetch fails. An absent avatar is never an error.
const placeholderDataURI = "data:image/png;base64,iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAQAAAC1HAwCAAAAC0lEQVR4nGNgYAAAAAMAASsJTYQAAAAASUVORK5CYII="

// maxAvatarBytes caps one inlined avatar; anything larger falls back to the
// placeholder rather than bloating the document.
const maxAvatarBytes = 1 << 20

// AvatarCache resolves each author to a CSS class and an inlined data URI
// exactly once per export run. The first resolution for an author fetches the
// avatar image and base64-inlines it; every later resolution for the same id
// is a pure lookup, so the document carries each avatar once no matter how
// many messages the author wrote. The cache is owned by a single export run
// and is not safe for concurrent use.
type AvatarCache struct {
	HTTPClient *http.Client

	classes map[string]string // author id -> css class
	uris    map[string]string // author id -> data uri
	order   []string          // insertion order of author ids
}

// NewAvatarCache returns an empty cache for one export run.
func NewAvatarCache() *AvatarCache {
	return &AvatarCache{
		classes: make(map[string]string),
		uris:    make(map[string]string),
	}
}

func (c *AvatarCache) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return avatarClient
}

var avatarClient = &http.Client{Timeout: 20 * time.Second}

// Resolve returns the CSS class for the author, fetching and inlining the
// avatar on first sight. It never fails; a missing URL, oversized image, or
// fetch error yields the placeholder.
func (c *AvatarCache) Resolve(ctx context.Context, a platform.Author) string {
	if cls, ok := c.classes[a.ID]; ok {
		return cls
	}
	cls := "av-" + sanitizeClass(a.ID)
	uri := c.fetch(ctx, a)
	c.classes[a.ID] = cls
	c.uris[a.ID] = uri
	c.order = append(c.order, a.ID)
	return cls
}

func (c *AvatarCache) fetch(ctx context.Context, a platform.Author) string {
	if a.AvatarURL == "" {
		c.fallback(a.ID, "no avatar url", nil)
		return placeholderDataURI
	}
	if telemetry.AvatarFetches != nil {
		telemetry.AvatarFetches.Inc()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.AvatarURL, nil)
	if err != nil {
		c.fallback(a.ID, "bad avatar url", err)
		return placeholderDataURI
	}
	resp, err := c.http().Do(req)
	if err != nil {
		c.fallback(a.ID, "avatar fetch failed", err)
		return placeholderDataURI
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close avatar response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		c.fallback(a.ID, fmt.Sprintf("avatar fetch http %d", resp.StatusCode), nil)
		return placeholderDataURI
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAvatarBytes+1))
	if err != nil {
		c.fallback(a.ID, "avatar read failed", err)
		return placeholderDataURI
	}
	if len(body) > maxAvatarBytes {
		c.fallback(a.ID, "avatar too large to inline", nil)
		return placeholderDataURI
	}
	ct := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(ct, "image/") {
		ct = "image/png"
	}
	return "data:" + ct + ";base64," + base64.StdEncoding.EncodeToString(body)
}

func (c *AvatarCache) fallback(authorID, reason string, err error) {
	if telemetry.AvatarFallbacks != nil {
		telemetry.AvatarFallbacks.Inc()
	}
	slog.Debug("avatar placeholder substituted",
		slog.String("author", authorID), slog.String("reason", reason), slog.Any("err", err))
}

// Len reports the number of distinct authors registered.
func (c *AvatarCache) Len() int { return len(c.order) }

// CSS emits one background-image rule per registered author, in the order
// authors were first seen, so a run over unchanged history produces an
// identical stylesheet.
func (c *AvatarCache) CSS() string {
	var b strings.Builder
	for _, id := range c.order {
		fmt.Fprintf(&b, ".%s{background-image:url('%s')}\n", c.classes[id], c.uris[id])
	}
	return b.String()
}

// sanitizeClass keeps the class a valid CSS identifier. Author ids are
// numeric snowflakes in practice; anything else is filtered.
func sanitizeClass(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "unknown"
	}
	return b.String()
}

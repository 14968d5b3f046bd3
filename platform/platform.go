// Package platform defines the boundary to the chat platform. The mirror
// core consumes four things through it: a stream of inbound message records,
// permission-checked channel listings, one page of channel history at a
// time, and author avatar URLs. Session implementations must be safe for
// concurrent use; the console goroutine and the relay worker call into the
// same session.
package platform

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Author is a message author's display identity. Optional fields are empty
// strings rather than probed at runtime.
type Author struct {
	ID         string
	Username   string
	Nickname   string // guild nickname
	GlobalName string
	AvatarURL  string
	Bot        bool
}

// DisplayName resolves the preferred display name with a fixed fallback
// order: nickname, global name, username, raw id.
func (a Author) DisplayName() string {
	switch {
	case a.Nickname != "":
		return a.Nickname
	case a.GlobalName != "":
		return a.GlobalName
	case a.Username != "":
		return a.Username
	default:
		return a.ID
	}
}

// Label renders the canonical identity line "nick(username)[id]" used in
// both the archive rows and the webhook username.
func (a Author) Label() string {
	uname := a.Username
	if uname == "" {
		uname = a.ID
	}
	return fmt.Sprintf("%s(%s)[%s]", a.DisplayName(), uname, a.ID)
}

// Attachment references one uploaded file on a message.
type Attachment struct {
	URL         string
	Filename    string
	ContentType string
}

var imageExts = []string{".png", ".jpg", ".jpeg", ".gif", ".webp"}

// IsImage reports whether the attachment can be rendered inline as an image,
// judged by content type first and filename/URL extension as fallback.
func (at Attachment) IsImage() bool {
	if strings.Contains(strings.ToLower(at.ContentType), "image/") {
		return true
	}
	url := strings.ToLower(at.URL)
	if i := strings.IndexByte(url, '?'); i >= 0 {
		url = url[:i]
	}
	name := strings.ToLower(at.Filename)
	for _, ext := range imageExts {
		if strings.HasSuffix(url, ext) || strings.HasSuffix(name, ext) {
			return true
		}
	}
	return false
}

// Reference is the captured context of a replied-to message: author plus a
// truncated snippet, resolved at capture time so no live back-pointer is
// held.
type Reference struct {
	AuthorLabel string
	Snippet     string
}

// Message is one immutable captured message record.
type Message struct {
	ID          string
	GuildID     string
	GuildName   string
	ChannelID   string
	ChannelName string
	Author      Author
	Content     string
	Timestamp   time.Time
	JumpURL     string
	Reference   *Reference
	Attachments []Attachment

	// FromWebhook marks messages produced by a webhook identity, including
	// the mirror's own sink; the relay ingress filter drops these to avoid
	// echo loops.
	FromWebhook bool

	// Resolved mention display names, keyed by entity id, for plain-text
	// flattening on the relay path.
	UserMentions    map[string]string
	RoleMentions    map[string]string
	ChannelMentions map[string]string
}

// Guild is one server the session is joined to.
type Guild struct {
	ID   string
	Name string
}

// Channel is one text channel the session may both view and read history in.
type Channel struct {
	ID        string
	GuildID   string
	GuildName string
	Name      string
}

// HistoryPage is one oldest-first slice of a channel's history. An empty
// Cursor means the history is exhausted.
type HistoryPage struct {
	Messages []Message
	Cursor   string
}

// Session is the live platform connection maintained by the external client.
type Session interface {
	// Me returns the bot's own identity, valid after the session is ready.
	Me() Author
	// Guilds lists joined guilds.
	Guilds(ctx context.Context) ([]Guild, error)
	// Channels lists the guild's text channels that passed a view+history
	// permission check. Order is not guaranteed; callers sort.
	Channels(ctx context.Context, guildID string) ([]Channel, error)
	// FetchChannel resolves one channel by id, permission-checked. A channel
	// that exists but is not readable yields an error.
	FetchChannel(ctx context.Context, channelID string) (Channel, error)
	// History reads one page of messages strictly oldest-first, starting
	// after cursor (empty cursor starts at the beginning of history).
	History(ctx context.Context, channelID, cursor string, limit int) (HistoryPage, error)
}

package platform

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	defaultBaseURL = "https://discord.com/api/v10"
	cdnBaseURL     = "https://cdn.discordapp.com"
	jumpBaseURL    = "https://discord.com/channels"

	channelTypeText = 0
)

// Client implements Session over the platform's REST API using a static bot
// token. Live events arrive separately through Gateway.
type Client struct {
	Token      string
	BaseURL    string
	HTTPClient *http.Client

	mu           sync.Mutex
	me           Author
	guildNames   map[string]string
	channelNames map[string]string
	roleNames    map[string]map[string]string // guild id -> role id -> name
}

// NewClient builds a REST client for the given bot token.
func NewClient(token string) *Client {
	return &Client{
		Token:        token,
		guildNames:   make(map[string]string),
		channelNames: make(map[string]string),
		roleNames:    make(map[string]map[string]string),
	}
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: 20 * time.Second}
}

func (c *Client) base() string {
	if c.BaseURL != "" {
		return c.BaseURL
	}
	return defaultBaseURL
}

// apiError carries the HTTP status of a failed REST call so callers can
// distinguish permission problems from transport problems.
type apiError struct {
	Status int
	Path   string
	Body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("platform api %s: http %d: %s", e.Path, e.Status, e.Body)
}

// IsPermissionDenied reports whether err is a 401/403 REST failure.
func IsPermissionDenied(err error) bool {
	ae, ok := err.(*apiError)
	return ok && (ae.Status == http.StatusForbidden || ae.Status == http.StatusUnauthorized)
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	u := c.base() + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bot "+c.Token)
	resp, err := c.http().Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		return &apiError{Status: resp.StatusCode, Path: path, Body: string(b)}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Wire shapes ---------------------------------------------------------------

type wireUser struct {
	ID         string `json:"id"`
	Username   string `json:"username"`
	GlobalName string `json:"global_name"`
	Avatar     string `json:"avatar"`
	Bot        bool   `json:"bot"`
}

type wireMember struct {
	Nick string `json:"nick"`
}

type wireAttachment struct {
	URL         string `json:"url"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
}

type wireChannel struct {
	ID      string `json:"id"`
	GuildID string `json:"guild_id"`
	Name    string `json:"name"`
	Type    int    `json:"type"`
}

type wireGuild struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type wireRole struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type wireMessage struct {
	ID                string           `json:"id"`
	ChannelID         string           `json:"channel_id"`
	GuildID           string           `json:"guild_id"`
	Content           string           `json:"content"`
	Timestamp         time.Time        `json:"timestamp"`
	Author            wireUser         `json:"author"`
	Member            *wireMember      `json:"member"`
	Attachments       []wireAttachment `json:"attachments"`
	WebhookID         string           `json:"webhook_id"`
	Mentions          []wireUser       `json:"mentions"`
	MentionRoles      []string         `json:"mention_roles"`
	ReferencedMessage *wireMessage     `json:"referenced_message"`
}

func avatarURL(u wireUser) string {
	if u.Avatar == "" {
		idx := 0
		if n, err := strconv.ParseUint(u.ID, 10, 64); err == nil {
			idx = int((n >> 22) % 6)
		}
		return fmt.Sprintf("%s/embed/avatars/%d.png", cdnBaseURL, idx)
	}
	return fmt.Sprintf("%s/avatars/%s/%s.png?size=128", cdnBaseURL, u.ID, u.Avatar)
}

func toAuthor(u wireUser, m *wireMember) Author {
	a := Author{
		ID:         u.ID,
		Username:   u.Username,
		GlobalName: u.GlobalName,
		AvatarURL:  avatarURL(u),
		Bot:        u.Bot,
	}
	if m != nil {
		a.Nickname = m.Nick
	}
	return a
}

// refSnippetLimit bounds the reply context captured with a message.
const refSnippetLimit = 150

func (c *Client) toMessage(ctx context.Context, w wireMessage, guildName, channelName string) Message {
	m := Message{
		ID:          w.ID,
		GuildID:     w.GuildID,
		GuildName:   guildName,
		ChannelID:   w.ChannelID,
		ChannelName: channelName,
		Author:      toAuthor(w.Author, w.Member),
		Content:     w.Content,
		Timestamp:   w.Timestamp,
		FromWebhook: w.WebhookID != "",
	}
	if w.GuildID != "" {
		m.JumpURL = fmt.Sprintf("%s/%s/%s/%s", jumpBaseURL, w.GuildID, w.ChannelID, w.ID)
	}
	if ref := w.ReferencedMessage; ref != nil {
		snippet := ref.Content
		if r := []rune(snippet); len(r) > refSnippetLimit {
			snippet = string(r[:refSnippetLimit])
		}
		m.Reference = &Reference{
			AuthorLabel: toAuthor(ref.Author, ref.Member).DisplayName(),
			Snippet:     snippet,
		}
	}
	for _, at := range w.Attachments {
		m.Attachments = append(m.Attachments, Attachment(at))
	}
	if len(w.Mentions) > 0 {
		m.UserMentions = make(map[string]string, len(w.Mentions))
		for _, u := range w.Mentions {
			m.UserMentions[u.ID] = toAuthor(u, nil).DisplayName()
		}
	}
	if len(w.MentionRoles) > 0 && w.GuildID != "" {
		m.RoleMentions = c.resolveRoles(ctx, w.GuildID, w.MentionRoles)
	}
	for _, match := range channelMentionRe.FindAllStringSubmatch(w.Content, -1) {
		id := match[1]
		if m.ChannelMentions[id] != "" {
			continue
		}
		// Resolves through the channel name cache; an unknown channel leaves
		// the raw token for the formatter to pass through.
		if name := c.channelName(ctx, id); name != "" {
			if m.ChannelMentions == nil {
				m.ChannelMentions = make(map[string]string)
			}
			m.ChannelMentions[id] = name
		}
	}
	return m
}

// channelMentionRe matches channel mention tokens in message content.
var channelMentionRe = regexp.MustCompile(`<#(\d+)>`)

// resolveRoles maps mentioned role ids to names using a per-guild cached
// role table. Failure to fetch roles leaves mentions unresolved; the relay
// then passes the raw tokens through.
func (c *Client) resolveRoles(ctx context.Context, guildID string, ids []string) map[string]string {
	c.mu.Lock()
	table, ok := c.roleNames[guildID]
	c.mu.Unlock()
	if !ok {
		var roles []wireRole
		if err := c.get(ctx, "/guilds/"+guildID+"/roles", nil, &roles); err != nil {
			slog.Warn("role lookup failed", slog.String("guild_id", guildID), slog.Any("err", err))
			return nil
		}
		table = make(map[string]string, len(roles))
		for _, r := range roles {
			table[r.ID] = r.Name
		}
		c.mu.Lock()
		c.roleNames[guildID] = table
		c.mu.Unlock()
	}
	out := make(map[string]string, len(ids))
	for _, id := range ids {
		if name, ok := table[id]; ok {
			out[id] = name
		}
	}
	return out
}

// Session implementation ----------------------------------------------------

// Login fetches the bot's own identity; must succeed before the session is
// handed to the rest of the process.
func (c *Client) Login(ctx context.Context) (Author, error) {
	var u wireUser
	if err := c.get(ctx, "/users/@me", nil, &u); err != nil {
		return Author{}, fmt.Errorf("login: %w", err)
	}
	c.mu.Lock()
	c.me = toAuthor(u, nil)
	c.mu.Unlock()
	return c.Me(), nil
}

func (c *Client) Me() Author {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.me
}

func (c *Client) Guilds(ctx context.Context) ([]Guild, error) {
	var raw []wireGuild
	if err := c.get(ctx, "/users/@me/guilds", nil, &raw); err != nil {
		return nil, err
	}
	out := make([]Guild, 0, len(raw))
	c.mu.Lock()
	for _, g := range raw {
		c.guildNames[g.ID] = g.Name
		out = append(out, Guild(g))
	}
	c.mu.Unlock()
	return out, nil
}

// Channels lists the guild's text channels and keeps only those where a
// one-message history probe succeeds, which stands in for a view +
// read-history permission check.
func (c *Client) Channels(ctx context.Context, guildID string) ([]Channel, error) {
	var raw []wireChannel
	if err := c.get(ctx, "/guilds/"+guildID+"/channels", nil, &raw); err != nil {
		return nil, err
	}
	guildName := c.guildName(ctx, guildID)
	var out []Channel
	for _, wc := range raw {
		if wc.Type != channelTypeText {
			continue
		}
		if err := c.probeHistory(ctx, wc.ID); err != nil {
			if IsPermissionDenied(err) {
				continue
			}
			slog.Warn("channel probe failed", slog.String("channel_id", wc.ID), slog.Any("err", err))
			continue
		}
		c.mu.Lock()
		c.channelNames[wc.ID] = wc.Name
		c.mu.Unlock()
		out = append(out, Channel{ID: wc.ID, GuildID: guildID, GuildName: guildName, Name: wc.Name})
	}
	return out, nil
}

func (c *Client) FetchChannel(ctx context.Context, channelID string) (Channel, error) {
	var wc wireChannel
	if err := c.get(ctx, "/channels/"+channelID, nil, &wc); err != nil {
		return Channel{}, err
	}
	if wc.Type != channelTypeText {
		return Channel{}, fmt.Errorf("channel %s is not a text channel", channelID)
	}
	if err := c.probeHistory(ctx, channelID); err != nil {
		return Channel{}, err
	}
	c.mu.Lock()
	c.channelNames[wc.ID] = wc.Name
	c.mu.Unlock()
	return Channel{
		ID:        wc.ID,
		GuildID:   wc.GuildID,
		GuildName: c.guildName(ctx, wc.GuildID),
		Name:      wc.Name,
	}, nil
}

func (c *Client) probeHistory(ctx context.Context, channelID string) error {
	q := url.Values{"limit": {"1"}}
	return c.get(ctx, "/channels/"+channelID+"/messages", q, nil)
}

// History reads one page after cursor and normalizes it to ascending
// chronological order regardless of the API's native ordering.
func (c *Client) History(ctx context.Context, channelID, cursor string, limit int) (HistoryPage, error) {
	if limit <= 0 {
		limit = 100
	}
	q := url.Values{"limit": {strconv.Itoa(limit)}}
	if cursor != "" {
		q.Set("after", cursor)
	} else {
		q.Set("after", "0")
	}
	var raw []wireMessage
	if err := c.get(ctx, "/channels/"+channelID+"/messages", q, &raw); err != nil {
		return HistoryPage{}, err
	}
	if len(raw) == 0 {
		return HistoryPage{}, nil
	}
	sortBySnowflake(raw)

	channelName := c.channelName(ctx, channelID)
	var guildName string
	if raw[0].GuildID != "" {
		guildName = c.guildName(ctx, raw[0].GuildID)
	}
	page := HistoryPage{Cursor: raw[len(raw)-1].ID}
	for _, w := range raw {
		page.Messages = append(page.Messages, c.toMessage(ctx, w, guildName, channelName))
	}
	return page, nil
}

func (c *Client) guildName(ctx context.Context, guildID string) string {
	if guildID == "" {
		return ""
	}
	c.mu.Lock()
	name, ok := c.guildNames[guildID]
	c.mu.Unlock()
	if ok {
		return name
	}
	var g wireGuild
	if err := c.get(ctx, "/guilds/"+guildID, nil, &g); err != nil {
		return ""
	}
	c.mu.Lock()
	c.guildNames[guildID] = g.Name
	c.mu.Unlock()
	return g.Name
}

func (c *Client) channelName(ctx context.Context, channelID string) string {
	c.mu.Lock()
	name, ok := c.channelNames[channelID]
	c.mu.Unlock()
	if ok {
		return name
	}
	var wc wireChannel
	if err := c.get(ctx, "/channels/"+channelID, nil, &wc); err != nil {
		return ""
	}
	c.mu.Lock()
	c.channelNames[channelID] = wc.Name
	c.mu.Unlock()
	return wc.Name
}

// sortBySnowflake orders messages ascending by id. Snowflake ids are
// decimal strings whose numeric order is length-then-lexicographic.
func sortBySnowflake(ms []wireMessage) {
	sort.SliceStable(ms, func(i, j int) bool {
		a, b := ms[i].ID, ms[j].ID
		if len(a) != len(b) {
			return len(a) < len(b)
		}
		return a < b
	})
}

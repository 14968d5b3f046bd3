package testutil

import (
	"context"
	"fmt"

	"github.com/onnwee/chat-mirror/platform"
)

// FakeSession is an in-memory platform.Session serving canned guilds,
// channels, and per-channel history for exporter and console tests.
type FakeSession struct {
	Self        platform.Author
	GuildList   []platform.Guild
	ChannelList []platform.Channel
	// Histories maps channel id to its full oldest-first history.
	Histories map[string][]platform.Message
	// FailChannels lists channel ids whose history reads error out.
	FailChannels map[string]bool

	// HistoryCalls counts History invocations per channel id.
	HistoryCalls map[string]int
}

// NewFakeSession returns an empty fake ready to be populated.
func NewFakeSession() *FakeSession {
	return &FakeSession{
		Self:         platform.Author{ID: "bot", Username: "mirror"},
		Histories:    make(map[string][]platform.Message),
		FailChannels: make(map[string]bool),
		HistoryCalls: make(map[string]int),
	}
}

func (f *FakeSession) Me() platform.Author { return f.Self }

func (f *FakeSession) Guilds(ctx context.Context) ([]platform.Guild, error) {
	return f.GuildList, nil
}

func (f *FakeSession) Channels(ctx context.Context, guildID string) ([]platform.Channel, error) {
	var out []platform.Channel
	for _, ch := range f.ChannelList {
		if ch.GuildID == guildID {
			out = append(out, ch)
		}
	}
	return out, nil
}

func (f *FakeSession) FetchChannel(ctx context.Context, channelID string) (platform.Channel, error) {
	for _, ch := range f.ChannelList {
		if ch.ID == channelID {
			return ch, nil
		}
	}
	return platform.Channel{}, fmt.Errorf("channel %s not found", channelID)
}

// History pages through the canned message list. The cursor is the last
// message id of the previous page, mirroring the live client's after-cursor.
func (f *FakeSession) History(ctx context.Context, channelID, cursor string, limit int) (platform.HistoryPage, error) {
	f.HistoryCalls[channelID]++
	if f.FailChannels[channelID] {
		return platform.HistoryPage{}, fmt.Errorf("history read for %s failed", channelID)
	}
	msgs := f.Histories[channelID]
	start := 0
	if cursor != "" {
		for i, m := range msgs {
			if m.ID == cursor {
				start = i + 1
				break
			}
		}
	}
	if limit <= 0 {
		limit = 100
	}
	end := start + limit
	if end > len(msgs) {
		end = len(msgs)
	}
	page := platform.HistoryPage{Messages: msgs[start:end]}
	if end < len(msgs) && end > start {
		page.Cursor = msgs[end-1].ID
	}
	return page, nil
}

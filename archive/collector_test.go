package archive

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/onnwee/chat-mirror/platform"
	"github.com/onnwee/chat-mirror/testutil"
)

func seedChannel(f *testutil.FakeSession, ch platform.Channel, n int) {
	f.ChannelList = append(f.ChannelList, ch)
	for i := 0; i < n; i++ {
		f.Histories[ch.ID] = append(f.Histories[ch.ID], platform.Message{
			ID:          fmt.Sprintf("%s-%06d", ch.ID, i),
			GuildID:     ch.GuildID,
			GuildName:   ch.GuildName,
			ChannelID:   ch.ID,
			ChannelName: ch.Name,
			Author:      platform.Author{ID: "a1", Username: "alice"},
			Content:     fmt.Sprintf("message %d", i),
			Timestamp:   time.Date(2026, 1, 1, 0, 0, i, 0, time.UTC),
		})
	}
}

func TestCollectChannelPreservesOrder(t *testing.T) {
	f := testutil.NewFakeSession()
	ch := platform.Channel{ID: "c1", GuildID: "g1", GuildName: "Guild", Name: "general"}
	seedChannel(f, ch, 250)

	c := NewCollector(f, 100)
	rows, err := c.CollectChannel(context.Background(), ch)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if len(rows) != 250 {
		t.Fatalf("rows = %d, want 250", len(rows))
	}
	for i, r := range rows {
		if want := fmt.Sprintf("message %d", i); r.Txt != want {
			t.Fatalf("row %d text = %q, want %q", i, r.Txt, want)
		}
	}
	if f.HistoryCalls["c1"] < 3 {
		t.Errorf("history paged %d times, want >= 3", f.HistoryCalls["c1"])
	}
}

func TestCollectChannelRowShape(t *testing.T) {
	f := testutil.NewFakeSession()
	ch := platform.Channel{ID: "c1", GuildID: "g1", GuildName: "Guild", Name: "general"}
	f.ChannelList = append(f.ChannelList, ch)
	f.Histories["c1"] = []platform.Message{{
		ID: "m1", GuildID: "g1", ChannelID: "c1",
		Author:    platform.Author{ID: "a1", Username: "alice", Nickname: "Al"},
		Content:   "hello",
		Timestamp: time.Date(2026, 3, 4, 10, 30, 0, 0, time.UTC),
		Reference: &platform.Reference{AuthorLabel: "bob(bob)[b1]", Snippet: "earlier"},
		Attachments: []platform.Attachment{
			{URL: "https://cdn/x.png", Filename: "x.png", ContentType: "image/png"},
			{URL: "https://cdn/y.zip", Filename: "y.zip"},
		},
	}}

	c := NewCollector(f, 100)
	rows, err := c.CollectChannel(context.Background(), ch)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	r := rows[0]
	if r.U != "Al(alice)[a1]" {
		t.Errorf("author label = %q", r.U)
	}
	if r.Av != "av-a1" {
		t.Errorf("avatar class = %q", r.Av)
	}
	if r.Ref != "@bob(bob)[b1]: earlier" {
		t.Errorf("ref = %q", r.Ref)
	}
	if len(r.Att) != 2 || !r.Att[0].Img || r.Att[1].Img {
		t.Errorf("attachments = %+v", r.Att)
	}
	if r.T == "" {
		t.Error("timestamp missing")
	}
}

func TestCollectGuildOrderAndSkip(t *testing.T) {
	f := testutil.NewFakeSession()
	// Deliberately unsorted: collection order must be case-insensitive name,
	// then id.
	seedChannel(f, platform.Channel{ID: "c3", GuildID: "g1", Name: "Zebra"}, 1)
	seedChannel(f, platform.Channel{ID: "c2", GuildID: "g1", Name: "alpha"}, 1)
	seedChannel(f, platform.Channel{ID: "c1", GuildID: "g1", Name: "Alpha"}, 1)
	seedChannel(f, platform.Channel{ID: "c4", GuildID: "g1", Name: "broken"}, 1)
	f.FailChannels["c4"] = true

	c := NewCollector(f, 100)
	out, err := c.CollectGuild(context.Background(), "g1")
	if err != nil {
		t.Fatalf("collect guild: %v", err)
	}
	var ids []string
	for _, cr := range out {
		ids = append(ids, cr.Channel.ID)
	}
	// "Alpha"/"alpha" tie on case-insensitive name; id breaks the tie. The
	// failing channel is skipped without aborting the run.
	want := []string{"c1", "c2", "c3"}
	if len(ids) != len(want) {
		t.Fatalf("channels = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("channels = %v, want %v", ids, want)
		}
	}
}

func TestCollectGuildSharesAvatarCache(t *testing.T) {
	f := testutil.NewFakeSession()
	seedChannel(f, platform.Channel{ID: "c1", GuildID: "g1", Name: "one"}, 3)
	seedChannel(f, platform.Channel{ID: "c2", GuildID: "g1", Name: "two"}, 3)

	c := NewCollector(f, 100)
	if _, err := c.CollectGuild(context.Background(), "g1"); err != nil {
		t.Fatalf("collect guild: %v", err)
	}
	// The same author appears in both channels; one cache entry serves all.
	if c.Avatars.Len() != 1 {
		t.Errorf("avatar entries = %d, want 1", c.Avatars.Len())
	}
}

func TestLocalTimeZeroFallsBack(t *testing.T) {
	before := time.Now().Add(-time.Minute)
	got, err := time.ParseInLocation(timeLayout, localTime(time.Time{}), time.Local)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.Before(before) {
		t.Errorf("zero timestamp rendered as %v", got)
	}
}

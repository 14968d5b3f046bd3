package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/chat-mirror/platform"
	"github.com/onnwee/chat-mirror/sink"
)

func guildMessage(id, content string) platform.Message {
	return platform.Message{
		ID:          id,
		GuildID:     "g1",
		GuildName:   "Guild",
		ChannelID:   "c1",
		ChannelName: "general",
		Content:     content,
		Author:      platform.Author{ID: "7", Username: "alice"},
	}
}

func TestAccept(t *testing.T) {
	base := guildMessage("1", "hi")
	tests := []struct {
		name string
		mod  func(m platform.Message) platform.Message
		sink bool
		want bool
	}{
		{"normal guild message", func(m platform.Message) platform.Message { return m }, true, true},
		{"no sink configured", func(m platform.Message) platform.Message { return m }, false, false},
		{"direct message", func(m platform.Message) platform.Message { m.GuildID = ""; return m }, true, false},
		{"webhook echo", func(m platform.Message) platform.Message { m.FromWebhook = true; return m }, true, false},
		{"bot author", func(m platform.Message) platform.Message { m.Author.Bot = true; return m }, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Accept(tt.mod(base), tt.sink); got != tt.want {
				t.Errorf("Accept = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEnqueueNeverBlocks(t *testing.T) {
	q := NewQueue(2)
	for i := 0; i < 10; i++ {
		done := make(chan struct{})
		go func(i int) {
			q.Enqueue(guildMessage(fmt.Sprint(i), "x"))
			close(done)
		}(i)
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("Enqueue blocked on full queue")
		}
	}
	if q.Len() != 2 {
		t.Errorf("queue length = %d, want capacity 2", q.Len())
	}
}

func TestWorkerDeliversInEnqueueOrder(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p sink.Payload
		_ = json.NewDecoder(r.Body).Decode(&p)
		mu.Lock()
		seen = append(seen, p.Embeds[0].Description)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	q := NewQueue(16)
	w := NewWorker(q, &sink.Client{URL: srv.URL})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	for i := 0; i < 5; i++ {
		q.Enqueue(guildMessage(fmt.Sprint(i), fmt.Sprintf("msg-%d", i)))
	}

	deadline := time.After(3 * time.Second)
	for {
		mu.Lock()
		n := len(seen)
		mu.Unlock()
		if n == 5 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("delivered %d of 5", n)
		case <-time.After(10 * time.Millisecond):
		}
	}
	mu.Lock()
	defer mu.Unlock()
	for i, d := range seen {
		if d != fmt.Sprintf("msg-%d", i) {
			t.Fatalf("out of order at %d: %v", i, seen)
		}
	}
}

func TestWorkerRateLimitBackoffDropsItem(t *testing.T) {
	var mu sync.Mutex
	var bodies []string
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p sink.Payload
		_ = json.NewDecoder(r.Body).Decode(&p)
		mu.Lock()
		bodies = append(bodies, p.Embeds[0].Description)
		calls++
		first := calls == 1
		mu.Unlock()
		if first {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"retry_after": 2.0}`))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	var slept time.Duration
	q := NewQueue(4)
	w := NewWorker(q, &sink.Client{URL: srv.URL})
	w.sleep = func(ctx context.Context, d time.Duration) { slept += d }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	q.Enqueue(guildMessage("1", "limited"))
	q.Enqueue(guildMessage("2", "next"))

	deadline := time.After(3 * time.Second)
	for {
		mu.Lock()
		n := len(bodies)
		mu.Unlock()
		if n == 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("got %d deliveries", n)
		case <-time.After(10 * time.Millisecond):
		}
	}

	if slept < 2*time.Second {
		t.Errorf("backoff slept %v, want >= 2s", slept)
	}
	mu.Lock()
	defer mu.Unlock()
	// The rate-limited item must not be redelivered.
	if bodies[0] != "limited" || bodies[1] != "next" {
		t.Errorf("deliveries = %v", bodies)
	}
}

func TestWorkerDropsOnServerError(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p sink.Payload
		_ = json.NewDecoder(r.Body).Decode(&p)
		mu.Lock()
		seen = append(seen, p.Embeds[0].Description)
		n := len(seen)
		mu.Unlock()
		if n == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	q := NewQueue(4)
	w := NewWorker(q, &sink.Client{URL: srv.URL})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	q.Enqueue(guildMessage("1", "fails"))
	q.Enqueue(guildMessage("2", "ok"))

	deadline := time.After(3 * time.Second)
	for {
		mu.Lock()
		n := len(seen)
		mu.Unlock()
		if n == 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("worker stalled after server error")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestBuildPayloadTruncation(t *testing.T) {
	m := guildMessage("1", strings.Repeat("a", 5000))
	m.Author = platform.Author{ID: "1", Username: strings.Repeat("n", 100)}
	p := BuildPayload(m)

	if n := len([]rune(p.Username)); n != 80 {
		t.Errorf("username length = %d, want 80", n)
	}
	if !strings.HasSuffix(p.Username, "…") {
		t.Error("truncated username missing ellipsis")
	}
	// 3500-char body fits under the 4096 description cap untruncated by the
	// outer limit, but the body itself is capped at 3500 with ellipsis.
	desc := p.Embeds[0].Description
	if n := len([]rune(desc)); n > 4096 {
		t.Errorf("description length = %d, exceeds 4096", n)
	}
	if n := len([]rune(desc)); n != 3500 {
		t.Errorf("body truncated to %d, want 3500", n)
	}
	if !strings.HasSuffix(desc, "…") {
		t.Error("truncated description missing ellipsis")
	}
}

func TestBuildPayloadDescriptionCap(t *testing.T) {
	m := guildMessage("1", strings.Repeat("b", 3500))
	m.Reference = &platform.Reference{AuthorLabel: "bob", Snippet: strings.Repeat("r", 300)}
	for i := 0; i < 8; i++ {
		m.Attachments = append(m.Attachments, platform.Attachment{
			URL:      fmt.Sprintf("https://cdn.example/file%d.bin", i),
			Filename: fmt.Sprintf("file%d.bin", i),
		})
	}
	p := BuildPayload(m)
	desc := p.Embeds[0].Description
	if n := len([]rune(desc)); n > 4096 {
		t.Fatalf("description = %d runes, exceeds cap", n)
	}
	if !strings.Contains(desc, "↪️ @bob:") {
		t.Error("reply line missing")
	}
	// Only six attachments may be listed.
	if strings.Contains(desc, "file6.bin") || strings.Contains(desc, "file7.bin") {
		t.Errorf("more than %d attachments listed", maxListedFiles)
	}
}

func TestBuildPayloadImageAndMentions(t *testing.T) {
	m := guildMessage("1", "look <@9> in <#c2>")
	m.UserMentions = map[string]string{"9": "bob"}
	m.ChannelMentions = map[string]string{"c2": "random"}
	m.Attachments = []platform.Attachment{
		{URL: "https://cdn.example/pic.png", Filename: "pic.png", ContentType: "image/png"},
		{URL: "https://cdn.example/doc.pdf", Filename: "doc.pdf", ContentType: "application/pdf"},
	}
	m.JumpURL = "https://chat.example/channels/g1/c1/1"

	p := BuildPayload(m)
	e := p.Embeds[0]
	if e.Image == nil || e.Image.URL != "https://cdn.example/pic.png" {
		t.Errorf("embed image = %+v", e.Image)
	}
	if !strings.Contains(e.Description, "@bob") || !strings.Contains(e.Description, "#random") {
		t.Errorf("mentions not flattened: %q", e.Description)
	}
	if !strings.Contains(e.Description, "doc.pdf") {
		t.Errorf("non-image attachment not listed: %q", e.Description)
	}
	if e.URL != m.JumpURL {
		t.Errorf("embed url = %q", e.URL)
	}
	if e.Title != "Guild →#general" {
		t.Errorf("title = %q", e.Title)
	}
}

func TestBuildPayloadEmptyContent(t *testing.T) {
	p := BuildPayload(guildMessage("1", ""))
	if p.Embeds[0].Description != "(no content)" {
		t.Errorf("description = %q", p.Embeds[0].Description)
	}
}

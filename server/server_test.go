package server

import (
	"context"
	stdjson "encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/onnwee/chat-mirror/archive"
	"github.com/onnwee/chat-mirror/platform"
	"github.com/onnwee/chat-mirror/relay"
	"github.com/onnwee/chat-mirror/sink"
	"github.com/onnwee/chat-mirror/testutil"
)

func testDeps(t *testing.T, sinkURL string) (Deps, *testutil.FakeSession, string) {
	t.Helper()
	f := testutil.NewFakeSession()
	dir := t.TempDir()
	s := &sink.Client{URL: sinkURL}
	deps := Deps{
		Queue:    relay.NewQueue(8),
		Sink:     s,
		Exporter: &archive.Exporter{Session: f, Sink: s, Dir: dir, PageSize: 100},
	}
	return deps, f, dir
}

func TestHealthz(t *testing.T) {
	deps, _, _ := testDeps(t, "")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv := httptest.NewServer(NewMux(ctx, deps))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if corr := resp.Header.Get("X-Correlation-ID"); corr == "" {
		t.Error("correlation header missing")
	}
}

func TestReadyzReflectsSink(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Without a webhook the service is alive but not ready.
	deps, _, _ := testDeps(t, "")
	srv := httptest.NewServer(NewMux(ctx, deps))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}

	deps2, _, _ := testDeps(t, "http://sink.example/hook")
	srv2 := httptest.NewServer(NewMux(ctx, deps2))
	defer srv2.Close()

	resp2, err := http.Get(srv2.URL + "/readyz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp2.StatusCode)
	}
}

func TestStatusReportsQueueDepth(t *testing.T) {
	deps, _, _ := testDeps(t, "http://sink.example/hook")
	deps.Queue.Enqueue(platform.Message{ID: "1", GuildID: "g1"})
	deps.Queue.Enqueue(platform.Message{ID: "2", GuildID: "g1"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv := httptest.NewServer(NewMux(ctx, deps))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body map[string]any
	if err := stdjson.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if depth, _ := body["queue_depth"].(float64); depth != 2 {
		t.Errorf("queue_depth = %v", body["queue_depth"])
	}
	if cfgd, _ := body["sink_configured"].(bool); !cfgd {
		t.Error("sink_configured = false")
	}
	if body["journal_enabled"] != false {
		t.Errorf("journal_enabled = %v", body["journal_enabled"])
	}
}

func TestExportsWithoutJournal(t *testing.T) {
	deps, _, _ := testDeps(t, "")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv := httptest.NewServer(NewMux(ctx, deps))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/exports")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestAdminExportRequiresToken(t *testing.T) {
	t.Setenv("ADMIN_TOKEN", "sekrit")
	t.Setenv("ADMIN_USERNAME", "")
	t.Setenv("ADMIN_PASSWORD", "")

	deps, f, dir := testDeps(t, "")
	f.ChannelList = append(f.ChannelList, platform.Channel{ID: "c1", GuildID: "g1", GuildName: "Guild", Name: "general"})
	f.Histories["c1"] = []platform.Message{{ID: "m1", GuildID: "g1", ChannelID: "c1", Author: platform.Author{ID: "a1", Username: "u"}}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv := httptest.NewServer(NewMux(ctx, deps))
	defer srv.Close()

	body := `{"channel_id":"c1"}`

	resp, err := http.Post(srv.URL+"/admin/export", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d, want 401", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/admin/export", strings.NewReader(body))
	req.Header.Set("X-Admin-Token", "sekrit")
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusAccepted {
		t.Fatalf("authenticated status = %d, want 202", resp2.StatusCode)
	}

	// The run is detached; wait for the archive file to land.
	deadline := time.After(3 * time.Second)
	for {
		matches, _ := filepath.Glob(filepath.Join(dir, "log_g1_c1_*.html"))
		if len(matches) == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("export did not produce a file")
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestAdminExportValidation(t *testing.T) {
	t.Setenv("ADMIN_TOKEN", "")
	t.Setenv("ADMIN_USERNAME", "")
	t.Setenv("ADMIN_PASSWORD", "")

	deps, _, _ := testDeps(t, "")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv := httptest.NewServer(NewMux(ctx, deps))
	defer srv.Close()

	tests := []struct {
		name   string
		method string
		body   string
		want   int
	}{
		{"get rejected", http.MethodGet, "", http.StatusMethodNotAllowed},
		{"bad json", http.MethodPost, "{", http.StatusBadRequest},
		{"neither id", http.MethodPost, "{}", http.StatusBadRequest},
		{"both ids", http.MethodPost, `{"channel_id":"c","guild_id":"g"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(tt.method, srv.URL+"/admin/export", strings.NewReader(tt.body))
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestRateLimiterAllowWindow(t *testing.T) {
	cfg := &rateLimiterConfig{enabled: true, requestsPerIP: 3, window: time.Minute}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rl := newIPRateLimiter(ctx, cfg)

	for i := 0; i < 3; i++ {
		if !rl.allow("1.2.3.4") {
			t.Fatalf("request %d denied under limit", i+1)
		}
	}
	if rl.allow("1.2.3.4") {
		t.Error("request over limit allowed")
	}
	if !rl.allow("5.6.7.8") {
		t.Error("separate ip blocked")
	}
}

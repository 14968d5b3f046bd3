package sink

import (
	"context"
	stdjson "encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestPostMessageSuccess(t *testing.T) {
	var got Payload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		if err := stdjson.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := &Client{URL: srv.URL}
	res, err := c.PostMessage(context.Background(), Payload{
		Username:        "nick(user)[1]",
		Embeds:          []Embed{{Title: "g →#ch", Description: "hello"}},
		AllowedMentions: AllowedMentions{Parse: []string{}},
	})
	if err != nil {
		t.Fatalf("PostMessage: %v", err)
	}
	if !res.OK() {
		t.Errorf("status = %d", res.StatusCode)
	}
	if got.Username != "nick(user)[1]" || len(got.Embeds) != 1 {
		t.Errorf("payload = %+v", got)
	}
	if got.AllowedMentions.Parse == nil || len(got.AllowedMentions.Parse) != 0 {
		t.Errorf("allowed_mentions must suppress all pings: %+v", got.AllowedMentions)
	}
}

func TestPostMessageRateLimited(t *testing.T) {
	tests := []struct {
		name string
		body string
		want time.Duration
	}{
		{"parsed value", `{"retry_after": 2.0}`, 2 * time.Second},
		{"below floor clamps", `{"retry_after": 0.1}`, 500 * time.Millisecond},
		{"garbage falls back", `not json`, time.Second},
		{"missing falls back", `{}`, time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			c := &Client{URL: srv.URL}
			res, err := c.PostMessage(context.Background(), Payload{Content: "x"})
			if err != nil {
				t.Fatalf("PostMessage: %v", err)
			}
			if !res.RateLimited() {
				t.Fatalf("status = %d", res.StatusCode)
			}
			if res.RetryAfter != tt.want {
				t.Errorf("RetryAfter = %v, want %v", res.RetryAfter, tt.want)
			}
		})
	}
}

func TestPostMessageErrorBodyCaptured(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"message":"invalid"}`)
	}))
	defer srv.Close()

	c := &Client{URL: srv.URL}
	res, err := c.PostMessage(context.Background(), Payload{Content: "x"})
	if err != nil {
		t.Fatalf("PostMessage: %v", err)
	}
	if res.OK() || !strings.Contains(res.Body, "invalid") {
		t.Errorf("result = %+v", res)
	}
}

func TestSendFileUpload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log_1_2_x.html")
	if err := os.WriteFile(path, []byte("<!doctype html>"), 0o644); err != nil {
		t.Fatal(err)
	}

	var gotHeader string
	var gotFile string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("parse multipart: %v", err)
		}
		var p Payload
		_ = stdjson.Unmarshal([]byte(r.FormValue("payload_json")), &p)
		gotHeader = p.Content
		f, hdr, err := r.FormFile("files[0]")
		if err != nil {
			t.Fatalf("form file: %v", err)
		}
		defer f.Close()
		gotFile = hdr.Filename
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := &Client{URL: srv.URL}
	if err := c.SendFile(context.Background(), path, "[archive] guild → #ch"); err != nil {
		t.Fatalf("SendFile: %v", err)
	}
	if gotHeader != "[archive] guild → #ch" {
		t.Errorf("header = %q", gotHeader)
	}
	if gotFile != "log_1_2_x.html" {
		t.Errorf("filename = %q", gotFile)
	}
}

func TestSendFileOversizeSendsNoticeOnly(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "huge.html")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	// Sparse file past the ceiling; no need to write 20 MiB of data.
	if err := f.Truncate(MaxUploadBytes + 1); err != nil {
		t.Fatal(err)
	}
	_ = f.Close()

	var notices []string
	var uploads int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
			uploads++
			w.WriteHeader(http.StatusOK)
			return
		}
		var p Payload
		_ = stdjson.NewDecoder(r.Body).Decode(&p)
		notices = append(notices, p.Content)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := &Client{URL: srv.URL}
	if err := c.SendFile(context.Background(), path, "[archive] big"); err != nil {
		t.Fatalf("SendFile: %v", err)
	}
	if uploads != 0 {
		t.Errorf("oversized file was uploaded %d times", uploads)
	}
	if len(notices) != 1 {
		t.Fatalf("expected one notice, got %d", len(notices))
	}
	if !strings.Contains(notices[0], "huge.html") || !strings.Contains(notices[0], path) {
		t.Errorf("notice must name file and path: %q", notices[0])
	}
}

func TestSendFileRetriesOn5xx(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.html")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := &Client{URL: srv.URL}
	if err := c.SendFile(context.Background(), path, "hdr"); err != nil {
		t.Fatalf("SendFile: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestConfigured(t *testing.T) {
	var nilClient *Client
	if nilClient.Configured() {
		t.Error("nil client reported configured")
	}
	if (&Client{}).Configured() {
		t.Error("empty URL reported configured")
	}
	if !(&Client{URL: "http://x"}).Configured() {
		t.Error("set URL reported unconfigured")
	}
}

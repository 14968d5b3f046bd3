package archive

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/onnwee/chat-mirror/platform"
)

func TestAvatarCacheFetchesOncePerAuthor(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("png-bytes"))
	}))
	defer srv.Close()

	cache := NewAvatarCache()
	a := platform.Author{ID: "42", Username: "alice", AvatarURL: srv.URL + "/42.png"}

	first := cache.Resolve(context.Background(), a)
	for i := 0; i < 9; i++ {
		if got := cache.Resolve(context.Background(), a); got != first {
			t.Fatalf("resolution %d returned %q, first was %q", i, got, first)
		}
	}
	if hits != 1 {
		t.Errorf("avatar fetched %d times, want 1", hits)
	}
	if first != "av-42" {
		t.Errorf("class = %q", first)
	}
	want := base64.StdEncoding.EncodeToString([]byte("png-bytes"))
	if !strings.Contains(cache.CSS(), "data:image/png;base64,"+want) {
		t.Errorf("css missing inlined avatar: %s", cache.CSS())
	}
}

func TestAvatarCacheFallbacks(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer failing.Close()

	tests := []struct {
		name string
		a    platform.Author
	}{
		{"no url", platform.Author{ID: "1"}},
		{"fetch 404", platform.Author{ID: "2", AvatarURL: failing.URL + "/x.png"}},
		{"unreachable host", platform.Author{ID: "3", AvatarURL: "http://127.0.0.1:1/nope.png"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cache := NewAvatarCache()
			cls := cache.Resolve(context.Background(), tt.a)
			if cls == "" {
				t.Fatal("resolve returned empty class")
			}
			if !strings.Contains(cache.CSS(), placeholderDataURI) {
				t.Error("fallback did not use placeholder")
			}
		})
	}
}

func TestAvatarCSSInsertionOrder(t *testing.T) {
	cache := NewAvatarCache()
	for _, id := range []string{"30", "10", "20"} {
		cache.Resolve(context.Background(), platform.Author{ID: id})
	}
	css := cache.CSS()
	i30, i10, i20 := strings.Index(css, ".av-30"), strings.Index(css, ".av-10"), strings.Index(css, ".av-20")
	if !(i30 < i10 && i10 < i20) {
		t.Errorf("rules out of insertion order: %s", css)
	}
	if cache.Len() != 3 {
		t.Errorf("len = %d", cache.Len())
	}
}

func TestSanitizeClass(t *testing.T) {
	if got := sanitizeClass("12<script>"); strings.ContainsAny(got, "<>") {
		t.Errorf("unsafe class %q", got)
	}
	if got := sanitizeClass(""); got != "unknown" {
		t.Errorf("empty id class = %q", got)
	}
}

// Package format turns raw chat message text into safe HTML for archive
// documents and into plain text for relayed webhook embeds. Rendering is
// one-shot: output fed back through the pipeline is not guaranteed safe.
package format

import (
	"fmt"
	"html"
	"regexp"
	"strings"
)

// langAlias collapses common fence-language shorthands to one canonical
// highlight.js name. Unknown languages pass through lowercased.
var langAlias = map[string]string{
	"py": "python", "gpy": "python",
	"js": "javascript", "node": "javascript", "nodejs": "javascript",
	"ts": "typescript",
	"sh": "bash", "shell": "bash", "zsh": "bash",
	"c#": "csharp", "cs": "csharp",
	"c++": "cpp", "hpp": "cpp", "h++": "cpp", "cc": "cpp", "hh": "cpp",
	"text": "plaintext", "txt": "plaintext",
}

// NormalizeLang maps a fence language tag to its canonical lowercase name.
func NormalizeLang(lang string) string {
	l := strings.ToLower(strings.TrimSpace(lang))
	if canon, ok := langAlias[l]; ok {
		return canon
	}
	return l
}

var (
	codeBlockRe  = regexp.MustCompile("```([^\\n`]*)\\n([\\s\\S]*?)```")
	inlineCodeRe = regexp.MustCompile("`([^`]+)`")
	urlRe        = regexp.MustCompile(`https?://[^\s<>()]+`)
	emojiTokenRe = regexp.MustCompile(`<a?:([A-Za-z0-9_~]+):\d+>`)
)

// codeBlockMarker wraps the block index in NUL bytes so a placeholder can
// never collide with message text or be altered by HTML escaping.
func codeBlockMarker(i int) string { return fmt.Sprintf("\x00CODEBLOCK%d\x00", i) }

// RenderHTML converts raw message text into archive-safe HTML. The order of
// the pipeline matters: fenced code blocks are lifted out first so that no
// later stage ever touches their interiors, then the remainder is escaped,
// inline code spans are re-linearized, bare URLs become anchors, newlines
// become <br>, and finally the code blocks are restored wrapped in
// <pre class='code-block'><code class='hljs language-X'>.
func RenderHTML(raw string) string {
	type codeBlock struct {
		lang string
		code string
	}
	var blocks []codeBlock

	text := codeBlockRe.ReplaceAllStringFunc(raw, func(m string) string {
		sub := codeBlockRe.FindStringSubmatch(m)
		idx := len(blocks)
		blocks = append(blocks, codeBlock{lang: NormalizeLang(sub[1]), code: sub[2]})
		return codeBlockMarker(idx)
	})

	out := html.EscapeString(text)

	out = inlineCodeRe.ReplaceAllStringFunc(out, func(m string) string {
		inner := inlineCodeRe.FindStringSubmatch(m)[1] // already escaped above
		return "<code>" + inner + "</code>"
	})

	out = urlRe.ReplaceAllStringFunc(out, func(u string) string {
		return "<a href='" + u + "' target='_blank' rel='noopener'>" + u + "</a>"
	})

	out = strings.ReplaceAll(out, "\n", "<br>")

	for i, b := range blocks {
		langCls := ""
		if b.lang != "" {
			langCls = " language-" + html.EscapeString(b.lang)
		}
		rendered := "<pre class='code-block'><code class='hljs" + langCls + "'>" +
			html.EscapeString(b.code) + "</code></pre>"
		out = strings.Replace(out, codeBlockMarker(i), rendered, 1)
	}
	return out
}

// Mentions carries resolved display names for the mention tokens appearing
// in a message body, keyed by the mentioned entity's id.
type Mentions struct {
	Users    map[string]string
	Roles    map[string]string
	Channels map[string]string
}

// Plainify resolves user/role/channel mention tokens and custom-emoji tokens
// to human-readable text for the relay path. No HTML escaping is applied;
// the sink renders plain text.
func Plainify(raw string, m Mentions) string {
	txt := raw
	for id, name := range m.Users {
		txt = strings.ReplaceAll(txt, "<@"+id+">", "@"+name)
		txt = strings.ReplaceAll(txt, "<@!"+id+">", "@"+name)
	}
	for id, name := range m.Roles {
		txt = strings.ReplaceAll(txt, "<@&"+id+">", "@"+name)
	}
	for id, name := range m.Channels {
		txt = strings.ReplaceAll(txt, "<#"+id+">", "#"+name)
	}
	return emojiTokenRe.ReplaceAllString(txt, ":$1:")
}

// Truncate shortens s to at most limit characters (runes), replacing the
// final character with an ellipsis when a cut happens.
func Truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	if limit <= 0 {
		return ""
	}
	return string(r[:limit-1]) + "…"
}

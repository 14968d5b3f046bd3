package archive

import (
	"fmt"
	"html/template"
	"io"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/onnwee/chat-mirror/platform"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// PageCapacity is how many rows one embedded dataset block holds. The client
// script addresses blocks by page index; concatenating all pages in index
// order reproduces the collected row order exactly.
const PageCapacity = 5000

// Client protocol constants mirrored into the generated script: 28px fixed
// row height, at most 4 parsed pages resident (LRU), 20 rows of overscan
// above and below the viewport.
const (
	rowHeightPx   = 28
	residentPages = 4
	overscanRows  = 20
)

// Paginate splits rows into fixed-capacity pages in order. The final page
// holds the remainder.
func Paginate(rows []Row, capacity int) [][]Row {
	if capacity <= 0 {
		capacity = PageCapacity
	}
	var pages [][]Row
	for start := 0; start < len(rows); start += capacity {
		end := start + capacity
		if end > len(rows) {
			end = len(rows)
		}
		pages = append(pages, rows[start:end])
	}
	return pages
}

// jsonForScript serializes v for embedding inside a <script> block. "</" is
// escaped so row text can never terminate the containing element.
func jsonForScript(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return strings.ReplaceAll(string(b), "</", `<\/`), nil
}

// pageBlock renders one embedded dataset block. The payload is produced by
// jsonForScript and is safe to inline verbatim.
func pageBlock(index int, rows []Row) (template.HTML, error) {
	payload, err := jsonForScript(rows)
	if err != nil {
		return "", fmt.Errorf("encode page %d: %w", index, err)
	}
	return template.HTML(fmt.Sprintf("<script type=\"application/json\" id=\"page-%d\">%s</script>", index, payload)), nil
}

type channelDoc struct {
	Title     string
	AvatarCSS template.CSS
	Pages     []template.HTML
	Total     int
	Consts    template.JS
}

// scriptConsts pre-renders the client protocol constants. html/template's JS
// escaper pads interpolated numbers with spaces; emitting the block as
// template.JS keeps the generated script byte-exact.
func scriptConsts(total int) template.JS {
	return template.JS(fmt.Sprintf(
		"var ROW_H = %d;\n  var PAGE = %d;\n  var TOTAL = %d;\n  var CACHE_MAX = %d;\n  var OVERSCAN = %d;",
		rowHeightPx, PageCapacity, total, residentPages, overscanRows))
}

// RenderChannelDoc writes the single-channel archive: one virtually-scrolled
// list over the embedded page datasets. The visible DOM holds only the rows
// in view plus overscan; the scrollable canvas is sized rowCount x rowHeight
// so the scrollbar reflects the full history without materializing it.
func RenderChannelDoc(w io.Writer, ch platform.Channel, rows []Row, avatarCSS string) error {
	doc := channelDoc{
		Title:     ch.GuildName + " — #" + ch.Name,
		AvatarCSS: template.CSS(avatarCSS),
		Total:     len(rows),
		Consts:    scriptConsts(len(rows)),
	}
	for i, page := range Paginate(rows, PageCapacity) {
		block, err := pageBlock(i, page)
		if err != nil {
			return err
		}
		doc.Pages = append(doc.Pages, block)
	}
	if err := channelTmpl.Execute(w, doc); err != nil {
		return fmt.Errorf("render channel document: %w", err)
	}
	return nil
}

type guildDoc struct {
	Title     string
	AvatarCSS template.CSS
	Channels  []guildChannel
}

type guildChannel struct {
	ID   string
	Name string
	Rows []guildRow
}

type guildRow struct {
	U   string
	T   string
	Av  string
	Txt template.HTML
	Ref string
	Att []RowAttachment
}

// RenderGuildDoc writes the whole-guild archive: a channel sidebar plus one
// fully-expanded message list per channel. No virtualization here; guild
// exports assume many small-to-medium channels rather than one huge one.
func RenderGuildDoc(w io.Writer, guildName string, channels []ChannelRows, avatarCSS string) error {
	doc := guildDoc{
		Title:     guildName + " — archive",
		AvatarCSS: template.CSS(avatarCSS),
	}
	for _, cr := range channels {
		gc := guildChannel{ID: cr.Channel.ID, Name: cr.Channel.Name}
		for _, r := range cr.Rows {
			gc.Rows = append(gc.Rows, guildRow{
				U: r.U, T: r.T, Av: r.Av,
				Txt: template.HTML(r.Txt), // produced by the formatter, already escaped
				Ref: r.Ref,
				Att: r.Att,
			})
		}
		doc.Channels = append(doc.Channels, gc)
	}
	if err := guildTmpl.Execute(w, doc); err != nil {
		return fmt.Errorf("render guild document: %w", err)
	}
	return nil
}

const baseCSS = `
html,body{margin:0;padding:0;background:#313338;color:#dbdee1;font:14px/1.4 -apple-system,"Segoe UI",Roboto,sans-serif}
a{color:#00a8fc;text-decoration:none}
a:hover{text-decoration:underline}
code{background:#1e1f22;border-radius:3px;padding:0 3px}
pre.code-block{background:#1e1f22;border-radius:4px;padding:6px;margin:2px 0;overflow-x:auto;white-space:pre}
pre.code-block code{background:none;padding:0}
.avatar{display:inline-block;width:20px;height:20px;border-radius:50%;background-size:cover;background-position:center;vertical-align:middle;margin-right:6px}
.user{color:#f2f3f5;font-weight:600;margin-right:6px}
.time{color:#949ba4;font-size:11px;margin-right:6px}
.ref{color:#949ba4;font-style:italic;margin-right:6px}
`

const channelCSS = `
#viewport{position:fixed;top:36px;bottom:0;left:0;right:0;overflow-y:auto}
#canvas{position:relative}
header{position:fixed;top:0;left:0;right:0;height:36px;line-height:36px;padding:0 12px;background:#1e1f22;color:#f2f3f5;font-weight:600;z-index:1}
.row{position:absolute;left:0;right:0;height:28px;line-height:28px;padding:0 12px;white-space:nowrap;overflow:hidden;text-overflow:ellipsis;box-sizing:border-box}
.row:hover{background:#2e3035}
.row pre.code-block{display:inline;padding:0 3px;margin:0;white-space:nowrap}
.att{margin-left:6px}
`

const guildCSS = `
nav{position:fixed;top:0;bottom:0;left:0;width:220px;overflow-y:auto;background:#2b2d31;padding:12px;box-sizing:border-box}
nav a{display:block;color:#949ba4;padding:3px 6px;border-radius:3px}
nav a:hover{background:#35373c;color:#f2f3f5}
main{margin-left:220px;padding:12px 18px}
h2{color:#f2f3f5;border-bottom:1px solid #3f4147;padding-bottom:4px;margin-top:28px}
.msg{display:flex;padding:3px 0}
.msg .avatar{width:36px;height:36px;flex:none;margin-right:10px}
.msg .body{min-width:0}
.msg img.inline{max-width:400px;max-height:300px;display:block;border-radius:4px;margin-top:4px}
.txt{word-break:break-word}
`

var channelTmpl = template.Must(template.New("channel").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<link rel="stylesheet" href="https://cdnjs.cloudflare.com/ajax/libs/highlight.js/11.9.0/styles/github-dark.min.css">
<style>` + baseCSS + channelCSS + `{{.AvatarCSS}}</style>
</head>
<body>
<header>{{.Title}} · {{.Total}} messages</header>
<div id="viewport"><div id="canvas"></div></div>
{{range .Pages}}{{.}}
{{end}}<script src="https://cdnjs.cloudflare.com/ajax/libs/highlight.js/11.9.0/highlight.min.js"></script>
<script>
(function () {
  {{.Consts}}

  var viewport = document.getElementById('viewport');
  var canvas = document.getElementById('canvas');
  canvas.style.height = (TOTAL * ROW_H) + 'px';

  var cache = new Map();   // page index -> parsed rows; insertion order is LRU order
  var live = new Map();    // row index -> element currently in the DOM
  var pool = [];           // recycled row elements

  function getPage(p) {
    if (cache.has(p)) {
      var rows = cache.get(p);
      cache.delete(p);
      cache.set(p, rows);
      return rows;
    }
    var el = document.getElementById('page-' + p);
    var parsed = el ? JSON.parse(el.textContent) : [];
    cache.set(p, parsed);
    if (cache.size > CACHE_MAX) {
      cache.delete(cache.keys().next().value);
    }
    return parsed;
  }

  function getRow(i) {
    return getPage(Math.floor(i / PAGE))[i % PAGE];
  }

  function esc(s) {
    return String(s).replace(/[&<>"']/g, function (c) {
      return { '&': '&amp;', '<': '&lt;', '>': '&gt;', '"': '&quot;', "'": '&#39;' }[c];
    });
  }

  function takeEl() {
    var el = pool.pop();
    if (!el) {
      el = document.createElement('div');
      el.className = 'row';
    }
    return el;
  }

  function fill(i, el) {
    var r = getRow(i);
    el.style.top = (i * ROW_H) + 'px';
    if (!r) { el.innerHTML = ''; return; }
    var h = "<span class='avatar " + r.av + "'></span>" +
      "<span class='time'>" + esc(r.t) + "</span>" +
      "<span class='user'>" + esc(r.u) + "</span>";
    if (r.ref) h += "<span class='ref'>" + esc(r.ref) + "</span>";
    h += "<span class='txt'>" + r.txt + "</span>";
    if (r.att) {
      for (var k = 0; k < r.att.length; k++) {
        h += "<a class='att' href='" + esc(r.att[k].url) + "' target='_blank' rel='noopener'>" + esc(r.att[k].name) + "</a>";
      }
    }
    el.innerHTML = h;
    if (window.hljs) {
      el.querySelectorAll('pre code').forEach(function (b) { hljs.highlightElement(b); });
    }
  }

  function update() {
    var top = viewport.scrollTop;
    var first = Math.floor(top / ROW_H) - OVERSCAN;
    var last = Math.ceil((top + viewport.clientHeight) / ROW_H) + OVERSCAN;
    if (first < 0) first = 0;
    if (last > TOTAL - 1) last = TOTAL - 1;

    live.forEach(function (el, i) {
      if (i < first || i > last) {
        live.delete(i);
        el.remove();
        pool.push(el);
      }
    });
    for (var i = first; i <= last; i++) {
      if (!live.has(i)) {
        var el = takeEl();
        fill(i, el);
        canvas.appendChild(el);
        live.set(i, el);
      }
    }
  }

  var scheduled = false;
  function schedule() {
    if (scheduled) return;
    scheduled = true;
    requestAnimationFrame(function () {
      scheduled = false;
      update();
    });
  }

  viewport.addEventListener('scroll', schedule);
  window.addEventListener('resize', schedule);

  viewport.scrollTop = TOTAL * ROW_H;
  update();
})();
</script>
</body>
</html>
`))

var guildTmpl = template.Must(template.New("guild").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<link rel="stylesheet" href="https://cdnjs.cloudflare.com/ajax/libs/highlight.js/11.9.0/styles/github-dark.min.css">
<style>` + baseCSS + guildCSS + `{{.AvatarCSS}}</style>
</head>
<body>
<nav>
{{range .Channels}}<a href="#ch-{{.ID}}">#{{.Name}}</a>
{{end}}</nav>
<main>
<h1>{{.Title}}</h1>
{{range .Channels}}<section id="ch-{{.ID}}">
<h2>#{{.Name}} · {{len .Rows}} messages</h2>
{{range .Rows}}<div class="msg"><span class="avatar {{.Av}}"></span><div class="body">
<span class="user">{{.U}}</span><span class="time">{{.T}}</span>
{{if .Ref}}<div class="ref">{{.Ref}}</div>{{end}}
<div class="txt">{{.Txt}}</div>
{{range .Att}}{{if .Img}}<a href="{{.URL}}" target="_blank" rel="noopener"><img class="inline" src="{{.URL}}" alt="{{.Name}}"></a>{{else}}<a class="att" href="{{.URL}}" target="_blank" rel="noopener">{{.Name}}</a>{{end}}
{{end}}</div></div>
{{end}}</section>
{{end}}</main>
<script src="https://cdnjs.cloudflare.com/ajax/libs/highlight.js/11.9.0/highlight.min.js"></script>
<script>hljs.highlightAll();</script>
</body>
</html>
`))

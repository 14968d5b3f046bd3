// Package console is the interactive operator loop. It runs on its own
// goroutine reading stdin so that blocking on input never stalls the gateway
// or the relay worker; export commands are handed to the exporter and the
// console blocks on a result channel until the run finishes.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/onnwee/chat-mirror/archive"
	"github.com/onnwee/chat-mirror/platform"
)

// Console drives exports from operator commands: list, export <n>,
// export id <channelID>, export all, quit.
type Console struct {
	Session  platform.Session
	Exporter *archive.Exporter
	In       io.Reader
	Out      io.Writer
	// Stop requests process shutdown; wired to the root context cancel.
	Stop func()

	// channels is the last printed listing; export <n> indexes into it.
	channels []platform.Channel
}

// Run reads commands until EOF, quit, or ctx cancellation.
func (c *Console) Run(ctx context.Context) {
	c.printf("commands: list | export <n> | export id <channelID> | export all | quit")
	scanner := bufio.NewScanner(c.In)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		switch fields[0] {
		case "list":
			c.list(ctx)
		case "export":
			c.export(ctx, fields[1:])
		case "quit", "exit":
			c.printf("shutting down")
			if c.Stop != nil {
				c.Stop()
			}
			return
		default:
			c.printf("unknown command %q", fields[0])
		}
	}
	if err := scanner.Err(); err != nil {
		slog.Warn("console input error", slog.Any("err", err))
	}
}

// list prints every readable text channel, numbered for export <n>. Order is
// guild name, then channel name (both case-insensitive), then channel id.
func (c *Console) list(ctx context.Context) {
	guilds, err := c.Session.Guilds(ctx)
	if err != nil {
		c.printf("list failed: %v", err)
		return
	}
	var channels []platform.Channel
	for _, g := range guilds {
		chs, err := c.Session.Channels(ctx, g.ID)
		if err != nil {
			c.printf("skipping guild %s: %v", g.Name, err)
			continue
		}
		channels = append(channels, chs...)
	}
	sort.Slice(channels, func(i, j int) bool {
		gi, gj := strings.ToLower(channels[i].GuildName), strings.ToLower(channels[j].GuildName)
		if gi != gj {
			return gi < gj
		}
		ni, nj := strings.ToLower(channels[i].Name), strings.ToLower(channels[j].Name)
		if ni != nj {
			return ni < nj
		}
		return channels[i].ID < channels[j].ID
	})
	c.channels = channels
	if len(channels) == 0 {
		c.printf("no readable channels")
		return
	}
	for i, ch := range channels {
		c.printf("%3d. %s → #%s", i+1, ch.GuildName, ch.Name)
	}
}

func (c *Console) export(ctx context.Context, args []string) {
	switch {
	case len(args) == 1 && args[0] == "all":
		// Detached: a full export can run for a long time and the console
		// stays responsive.
		go func() {
			if err := c.Exporter.ExportAll(ctx); err != nil {
				slog.Warn("export all failed", slog.Any("err", err))
			}
		}()
		c.printf("export all started")
	case len(args) == 2 && args[0] == "id":
		c.exportChannel(ctx, args[1])
	case len(args) == 1:
		n, err := strconv.Atoi(args[0])
		if err != nil {
			c.printf("usage: export <n> | export id <channelID> | export all")
			return
		}
		if len(c.channels) == 0 {
			c.list(ctx)
		}
		if n < 1 || n > len(c.channels) {
			c.printf("no channel numbered %d; run list", n)
			return
		}
		c.exportChannel(ctx, c.channels[n-1].ID)
	default:
		c.printf("usage: export <n> | export id <channelID> | export all")
	}
}

// exportChannel submits the run and blocks this goroutine until it finishes.
func (c *Console) exportChannel(ctx context.Context, channelID string) {
	done := make(chan struct{})
	var res archive.Result
	var err error
	go func() {
		defer close(done)
		res, err = c.Exporter.ExportChannel(ctx, channelID)
	}()
	<-done
	if err != nil {
		c.printf("export failed: %v", err)
		return
	}
	c.printf("exported %d messages → %s (delivered=%v)", res.Rows, res.Path, res.Delivered)
}

func (c *Console) printf(format string, args ...any) {
	fmt.Fprintf(c.Out, format+"\n", args...)
}

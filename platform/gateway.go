package platform

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
)

const defaultGatewayURL = "wss://gateway.discord.gg/?v=10&encoding=json"

// Gateway opcodes used by the feed.
const (
	opDispatch  = 0
	opHeartbeat = 1
	opIdentify  = 2
	opReconnect = 7
	opInvalid   = 9
	opHello     = 10
	opHeartACK  = 11
)

// intents requested at identify time: guilds, guild messages, message content.
const gatewayIntents = 1<<0 | 1<<9 | 1<<15

// Gateway consumes the platform's websocket event feed and hands each
// inbound guild message to the registered handler. It is best-effort by
// design: on any transport error the connection is re-established with a
// capped backoff, and no events are replayed.
type Gateway struct {
	Client  *Client
	URL     string
	Handler func(Message)

	seq atomic.Int64
}

type gatewayFrame struct {
	Op int                 `json:"op"`
	T  string              `json:"t,omitempty"`
	S  int64               `json:"s,omitempty"`
	D  jsoniter.RawMessage `json:"d,omitempty"`
}

// Run connects and consumes events until ctx is cancelled.
func (g *Gateway) Run(ctx context.Context) {
	backoff := time.Second
	for {
		if err := g.session(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("gateway session ended, reconnecting", slog.Any("err", err), slog.Duration("backoff", backoff))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (g *Gateway) session(ctx context.Context) error {
	url := g.URL
	if url == "" {
		url = defaultGatewayURL
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("gateway dial: %w", err)
	}
	defer func() {
		if err := conn.Close(); err != nil {
			slog.Debug("gateway close", slog.Any("err", err))
		}
	}()

	// First frame must be HELLO carrying the heartbeat interval.
	var hello gatewayFrame
	if err := conn.ReadJSON(&hello); err != nil {
		return fmt.Errorf("gateway hello: %w", err)
	}
	if hello.Op != opHello {
		return fmt.Errorf("gateway: expected hello, got op %d", hello.Op)
	}
	var helloData struct {
		HeartbeatInterval int64 `json:"heartbeat_interval"`
	}
	if err := json.Unmarshal(hello.D, &helloData); err != nil {
		return fmt.Errorf("gateway hello decode: %w", err)
	}

	identify := map[string]any{
		"op": opIdentify,
		"d": map[string]any{
			"token":   g.Client.Token,
			"intents": gatewayIntents,
			"properties": map[string]string{
				"os":      "linux",
				"browser": "chat-mirror",
				"device":  "chat-mirror",
			},
		},
	}
	if err := conn.WriteJSON(identify); err != nil {
		return fmt.Errorf("gateway identify: %w", err)
	}

	hbCtx, stopHB := context.WithCancel(ctx)
	defer stopHB()
	go g.heartbeatLoop(hbCtx, conn, time.Duration(helloData.HeartbeatInterval)*time.Millisecond)

	for {
		var frame gatewayFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return fmt.Errorf("gateway read: %w", err)
		}
		if frame.S != 0 {
			g.seq.Store(frame.S)
		}
		switch frame.Op {
		case opDispatch:
			g.dispatch(ctx, frame)
		case opReconnect, opInvalid:
			return fmt.Errorf("gateway requested reconnect (op %d)", frame.Op)
		case opHeartbeat:
			_ = conn.WriteJSON(map[string]any{"op": opHeartbeat, "d": g.seq.Load()})
		case opHeartACK:
			// nothing to do
		}
	}
}

func (g *Gateway) heartbeatLoop(ctx context.Context, conn *websocket.Conn, interval time.Duration) {
	if interval <= 0 {
		interval = 41250 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteJSON(map[string]any{"op": opHeartbeat, "d": g.seq.Load()}); err != nil {
				slog.Debug("gateway heartbeat write failed", slog.Any("err", err))
				return
			}
		}
	}
}

func (g *Gateway) dispatch(ctx context.Context, frame gatewayFrame) {
	switch frame.T {
	case "READY":
		var ready struct {
			User wireUser `json:"user"`
		}
		if err := json.Unmarshal(frame.D, &ready); err == nil {
			g.Client.mu.Lock()
			g.Client.me = toAuthor(ready.User, nil)
			g.Client.mu.Unlock()
			slog.Info("gateway ready", slog.String("user", g.Client.Me().Label()))
		}
	case "MESSAGE_CREATE":
		if g.Handler == nil {
			return
		}
		var w wireMessage
		if err := json.Unmarshal(frame.D, &w); err != nil {
			slog.Warn("gateway message decode failed", slog.Any("err", err))
			return
		}
		guildName := g.Client.guildName(ctx, w.GuildID)
		channelName := g.Client.channelName(ctx, w.ChannelID)
		g.Handler(g.Client.toMessage(ctx, w, guildName, channelName))
	}
}

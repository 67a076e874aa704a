// Command chatserver runs a multi-client JSON chat room over WebSocket,
// the idiomatic-Go rewrite of coregx-stream's
// examples/websocket/chat-server, generalized onto wsrouter.ServiceHost's
// session registry instead of a single global Hub.
package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"

	"github.com/coregx/go-socket/httpcore"
	"github.com/coregx/go-socket/wsconn"
	"github.com/coregx/go-socket/wsproto"
	"github.com/coregx/go-socket/wsrouter"
)

// chatMessage mirrors coregx-stream's chat-server Message shape: a
// tagged union of join/message/leave events, broadcast as JSON text.
type chatMessage struct {
	Type      string    `json:"type"`
	Username  string    `json:"username"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

func main() {
	cmd := &cli.Command{
		Name:  "chatserver",
		Usage: "Multi-client JSON chat room over WebSocket",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Value: ":8080", Usage: "listen address"},
			&cli.StringFlag{Name: "path", Value: "/ws", Usage: "upgrade path"},
			&cli.BoolFlag{Name: "pretty-log", Usage: "human-readable console logging, instead of JSON"},
		},
		Action: run,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "chatserver: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	log := newLogger(cmd.Bool("pretty-log"))

	host := wsrouter.NewServiceHost(wsrouter.Options{
		Logger:        log,
		SweepInterval: time.Minute,
	})
	host.Handle(cmd.String("path"), func(r *httpcore.Request) wsconn.Handler {
		return newChatBehavior(host, log, usernameFrom(r))
	})

	ln, err := net.Listen("tcp", cmd.String("addr"))
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cmd.String("addr"), err)
	}
	log.Info().Str("addr", ln.Addr().String()).Str("path", cmd.String("path")).Msg("chatserver listening")

	errCh := make(chan error, 1)
	go func() { errCh <- host.Start(ln) }()

	select {
	case <-ctx.Done():
		return host.Stop(context.Background(), wsproto.CloseGoingAway, "server shutting down", 5*time.Second)
	case err := <-errCh:
		return err
	}
}

func newLogger(pretty bool) zerolog.Logger {
	if pretty {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// usernameFrom reads the "username" query parameter, defaulting to
// "Anonymous" the same way coregx-stream's chat-server handler did.
func usernameFrom(r *httpcore.Request) string {
	u, err := url.ParseRequestURI(r.RequestURI)
	if err != nil {
		return "Anonymous"
	}
	username := u.Query().Get("username")
	if username == "" {
		return "Anonymous"
	}
	return username
}

// chatBehavior broadcasts every message it receives to the whole room via
// the ServiceHost's SessionManager, and announces join/leave events.
type chatBehavior struct {
	host     *wsrouter.ServiceHost
	log      zerolog.Logger
	username string
}

func newChatBehavior(host *wsrouter.ServiceHost, log zerolog.Logger, username string) *chatBehavior {
	return &chatBehavior{host: host, log: log, username: username}
}

func (b *chatBehavior) OnOpen(*wsconn.Conn) {
	b.log.Info().Str("username", b.username).Msg("chatserver: user joined")
	b.announce("join", b.username+" joined the chat")
}

func (b *chatBehavior) OnMessage(_ *wsconn.Conn, _ wsproto.Opcode, r io.Reader) {
	text, err := io.ReadAll(r)
	if err != nil {
		b.log.Warn().Err(err).Msg("chatserver: read message")
		return
	}
	b.log.Info().Str("username", b.username).Bytes("text", text).Msg("chatserver: message")
	if err := b.host.Manager().BroadcastJSON(chatMessage{
		Type:      "message",
		Username:  b.username,
		Text:      string(text),
		Timestamp: time.Now(),
	}); err != nil {
		b.log.Warn().Err(err).Msg("chatserver: broadcast message")
	}
}

func (b *chatBehavior) OnClose(*wsconn.Conn, wsproto.CloseCode, string, bool) {
	b.log.Info().Str("username", b.username).Msg("chatserver: user left")
	b.announce("leave", b.username+" left the chat")
}

func (b *chatBehavior) OnError(_ *wsconn.Conn, err error) {
	b.log.Debug().Err(err).Str("username", b.username).Msg("chatserver: connection error")
}

func (b *chatBehavior) announce(kind, text string) {
	if err := b.host.Manager().BroadcastJSON(chatMessage{
		Type:      kind,
		Username:  b.username,
		Text:      text,
		Timestamp: time.Now(),
	}); err != nil {
		b.log.Warn().Err(err).Msg("chatserver: broadcast announcement")
	}
}

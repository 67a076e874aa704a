// Command echoserver runs a single-path WebSocket echo service, the
// idiomatic-Go rewrite of coregx-stream's examples/websocket/echo-server.
package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"

	"github.com/coregx/go-socket/httpcore"
	"github.com/coregx/go-socket/wsconn"
	"github.com/coregx/go-socket/wsproto"
	"github.com/coregx/go-socket/wsrouter"
)

func main() {
	cmd := &cli.Command{
		Name:  "echoserver",
		Usage: "WebSocket echo server",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Value: ":8080", Usage: "listen address"},
			&cli.StringFlag{Name: "path", Value: "/ws", Usage: "upgrade path"},
			&cli.BoolFlag{Name: "pretty-log", Usage: "human-readable console logging, instead of JSON"},
		},
		Action: run,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "echoserver: %v\n", err)
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
		return echoBehavior{log: log, path: r.Path}
	})

	ln, err := net.Listen("tcp", cmd.String("addr"))
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cmd.String("addr"), err)
	}
	log.Info().Str("addr", ln.Addr().String()).Str("path", cmd.String("path")).Msg("echoserver listening")

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

// echoBehavior writes back every message it receives unchanged, the same
// loop coregx-stream's echo-server handler ran over a blocking conn.Read.
type echoBehavior struct {
	log  zerolog.Logger
	path string
}

func (echoBehavior) OnOpen(*wsconn.Conn) {}

func (e echoBehavior) OnMessage(c *wsconn.Conn, opcode wsproto.Opcode, r io.Reader) {
	data, err := io.ReadAll(r)
	if err != nil {
		e.log.Warn().Err(err).Msg("echoserver: read message")
		return
	}
	if err := c.Send(opcode, data); err != nil {
		e.log.Warn().Err(err).Msg("echoserver: write message")
	}
}

func (echoBehavior) OnClose(*wsconn.Conn, wsproto.CloseCode, string, bool) {}

func (e echoBehavior) OnError(_ *wsconn.Conn, err error) {
	e.log.Debug().Err(err).Msg("echoserver: connection error")
}

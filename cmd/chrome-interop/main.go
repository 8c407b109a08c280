// Command chrome-interop serves a page that opens a receive-only WebRTC
// call from Chrome. The server sends synthetic VP8 packets whose bitrate
// follows its GoogCC controller, driven by Chrome's transport-wide
// feedback. Controller state is served on /stats and /metrics.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pion/logging"
	"github.com/urfave/cli/v2"

	"github.com/thesyncim/googcc/cmd/chrome-interop/server"
	"github.com/thesyncim/googcc/pkg/units"
)

var flags = []cli.Flag{
	&cli.StringFlag{
		Name:  "addr",
		Usage: "HTTP listen address",
		Value: ":8080",
	},
	&cli.Int64Flag{
		Name:  "start-kbps",
		Usage: "starting target of every call",
		Value: 500,
	},
	&cli.Int64Flag{
		Name:  "min-kbps",
		Usage: "target floor",
		Value: 100,
	},
	&cli.Int64Flag{
		Name:  "max-kbps",
		Usage: "target cap, 0 for none",
		Value: 5000,
	},
	&cli.BoolFlag{
		Name:  "debug",
		Usage: "log controller decisions",
	},
}

func main() {
	app := &cli.App{
		Name:   "chrome-interop",
		Usage:  "send GoogCC-paced video to Chrome",
		Flags:  flags,
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	loggerFactory := logging.NewDefaultLoggerFactory()
	if c.Bool("debug") {
		loggerFactory.DefaultLogLevel = logging.LogLevelDebug
	}
	log := loggerFactory.NewLogger("gcc_server")

	cfg := server.DefaultConfig()
	cfg.Addr = c.String("addr")
	cfg.StartBitrate = units.KilobitsPerSec(c.Int64("start-kbps"))
	cfg.MinBitrate = units.KilobitsPerSec(c.Int64("min-kbps"))
	cfg.MaxBitrate = units.KilobitsPerSec(c.Int64("max-kbps"))
	cfg.LoggerFactory = loggerFactory

	srv, err := server.NewServer(cfg)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	addr, err := srv.Start()
	if err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	fmt.Printf(`
GoogCC Chrome Interop
=====================
1. Open chrome://webrtc-internals in Chrome
2. Open http://localhost%s in another tab
3. Click "Start Call"
4. Watch /stats and /metrics while throttling the network

`, cfg.Addr)
	log.Infof("listening on %s", addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Infof("received %v, shutting down", sig)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

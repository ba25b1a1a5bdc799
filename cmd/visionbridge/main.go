package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &cli.Command{
		Name:  "visionbridge",
		Usage: "screenshot capture and local multimodal inference over HTTP",
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "run the HTTP API",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "config",
						Aliases: []string{"c"},
						Usage:   "path to config.yaml (default: $VISIONBRIDGE_CONFIG or ./config.yaml)",
					},
				},
				Action: serveAction,
			},
			{
				Name:  "capture",
				Usage: "grab the primary display once and write it as PNG",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "out",
						Aliases: []string{"o"},
						Usage:   "output file",
						Value:   "screenshot.png",
					},
				},
				Action: captureAction,
			},
		},
		DefaultCommand: "serve",
	}

	if err := app.Run(ctx, os.Args); err != nil {
		slog.Error("visionbridge failed", "err", err)
		os.Exit(1)
	}
}

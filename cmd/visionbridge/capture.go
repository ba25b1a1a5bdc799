package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/jo-hoe/visionbridge/internal/capture"
)

func captureAction(ctx context.Context, cmd *cli.Command) error {
	out := cmd.String("out")
	png, err := capture.New(capture.ScreenGrabber{}).CapturePrimaryDisplay(ctx)
	if err != nil {
		return err
	}
	if err := os.WriteFile(out, png, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", out, err)
	}
	slog.Info("screenshot written", "path", out, "bytes", len(png))
	return nil
}

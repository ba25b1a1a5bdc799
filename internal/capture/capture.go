// Package capture grabs the primary display and encodes it as PNG.
package capture

import (
	"bytes"
	"context"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
	"github.com/kbinani/screenshot"

	"github.com/jo-hoe/visionbridge/internal/apperrors"
)

// PrimaryDisplay is the enumeration index grabbed. Display libraries index the
// primary display first, so it is also the first available one.
const PrimaryDisplay = 0

// Grabber reads raw pixels from a display.
type Grabber interface {
	NumDisplays() int
	Grab(index int) (*image.RGBA, error)
}

// ScreenGrabber reads displays through the OS screenshot facilities.
type ScreenGrabber struct{}

// NumDisplays returns the number of active displays.
func (ScreenGrabber) NumDisplays() int {
	return screenshot.NumActiveDisplays()
}

// Grab captures the full bounds of display index.
func (ScreenGrabber) Grab(index int) (*image.RGBA, error) {
	return screenshot.CaptureRect(screenshot.GetDisplayBounds(index))
}

// Adapter captures a display and returns PNG bytes. It is stateless.
type Adapter struct {
	grabber Grabber
}

// New returns an Adapter reading from g.
func New(g Grabber) *Adapter {
	return &Adapter{grabber: g}
}

// CapturePrimaryDisplay grabs the primary display as PNG.
func (a *Adapter) CapturePrimaryDisplay(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := a.grabber.NumDisplays()
	if n <= PrimaryDisplay {
		return nil, apperrors.New(apperrors.KindCaptureUnavailable, "no displays found to capture")
	}
	img, err := a.grabber.Grab(PrimaryDisplay)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindCaptureUnavailable, err, fmt.Sprintf("grab display %d", PrimaryDisplay))
	}
	if img == nil || img.Bounds().Empty() {
		return nil, apperrors.Newf(apperrors.KindCaptureUnavailable, "display %d returned an empty frame", PrimaryDisplay)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

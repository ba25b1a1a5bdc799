package storage

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/disintegration/imaging"

	"github.com/jo-hoe/visionbridge/internal/apperrors"
	"github.com/jo-hoe/visionbridge/internal/common"
)

// JPEGQuality is used when re-encoding staged uploads.
const JPEGQuality = 95

// Stager writes uploaded images to unique temporary JPEG files under
// <baseDir>/uploads.
type Stager struct {
	dir       string
	maxPixels uint64
}

// Staged is one temporary image owned by a single job.
type Staged struct {
	Path string
	// Cleanup removes the file. Only the first call has an effect.
	Cleanup func() error
}

// NewStager creates a stager rooted at baseDir/uploads. Images whose header
// declares more than maxPixels pixels are rejected before decoding; zero
// disables the limit.
func NewStager(baseDir string, maxPixels uint64) *Stager {
	return &Stager{dir: filepath.Join(baseDir, common.UploadsDirName), maxPixels: maxPixels}
}

// Dir returns the directory staged files are written to.
func (s *Stager) Dir() string {
	return s.dir
}

// Stage decodes an image from r (png, jpeg, gif, bmp, tiff), applies EXIF
// orientation and writes it as a JPEG to a fresh file.
func (s *Stager) Stage(r io.Reader) (*Staged, error) {
	var head bytes.Buffer
	cfg, format, err := image.DecodeConfig(io.TeeReader(r, &head))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindStagingFailed, err, "read image header")
	}
	pixels := uint64(cfg.Width) * uint64(cfg.Height) // #nosec G115 - decoders reject negative dimensions
	if s.maxPixels > 0 && pixels > s.maxPixels {
		return nil, apperrors.Newf(apperrors.KindStagingFailed, "image too large: %dx%d %s", cfg.Width, cfg.Height, format).
			WithDetails(fmt.Sprintf("%d pixels exceeds the limit of %d", pixels, s.maxPixels))
	}

	img, err := imaging.Decode(io.MultiReader(&head, r), imaging.AutoOrientation(true))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindStagingFailed, err, "decode image")
	}
	return s.stageImage(img)
}

func (s *Stager) stageImage(img image.Image) (*Staged, error) {
	if err := os.MkdirAll(s.dir, 0o750); err != nil {
		return nil, apperrors.Wrap(apperrors.KindStagingFailed, err, "ensure uploads dir")
	}

	path := filepath.Join(s.dir, common.StagedImagePrefix+randomHex(16)+common.StagedImageExt)
	dst, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o600)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindStagingFailed, err, "create temp file")
	}

	encErr := imaging.Encode(dst, img, imaging.JPEG, imaging.JPEGQuality(JPEGQuality))
	closeErr := dst.Close()
	if err := errors.Join(encErr, closeErr); err != nil {
		_ = os.Remove(path)
		return nil, apperrors.Wrap(apperrors.KindStagingFailed, err, "write temp file")
	}

	return &Staged{Path: path, Cleanup: removeOnce(path)}, nil
}

func removeOnce(path string) func() error {
	var once sync.Once
	var err error
	return func() error {
		once.Do(func() {
			if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
				err = fmt.Errorf("remove staged image: %w", rmErr)
			}
		})
		return err
	}
}

func randomHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

package storage

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"image"
	"image/color"
	"image/gif"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jo-hoe/visionbridge/internal/apperrors"
)

func testImage() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 8, 6))
	for y := 0; y < 6; y++ {
		for x := 0; x < 8; x++ {
			img.Set(x, y, color.RGBA{R: 200, B: 40, A: 255})
		}
	}
	return img
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, testImage()))
	return buf.Bytes()
}

func TestStager_StagePNG(t *testing.T) {
	tmp := t.TempDir()
	st := NewStager(tmp, 0)

	staged, err := st.Stage(bytes.NewReader(pngBytes(t)))
	require.NoError(t, err)
	defer func() { _ = staged.Cleanup() }()

	assert.Equal(t, filepath.Join(tmp, "uploads"), filepath.Dir(staged.Path))
	assert.True(t, strings.HasPrefix(filepath.Base(staged.Path), "job-"))
	assert.Equal(t, ".jpg", filepath.Ext(staged.Path))

	f, err := os.Open(staged.Path)
	require.NoError(t, err)
	defer f.Close()
	cfg, format, err := image.DecodeConfig(f)
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)
	assert.Equal(t, 8, cfg.Width)
	assert.Equal(t, 6, cfg.Height)
}

func TestStager_StageConvertsOtherFormats(t *testing.T) {
	var gifBuf bytes.Buffer
	require.NoError(t, gif.Encode(&gifBuf, testImage(), nil))
	var bmpBuf bytes.Buffer
	require.NoError(t, imaging.Encode(&bmpBuf, testImage(), imaging.BMP))

	st := NewStager(t.TempDir(), 0)
	for name, data := range map[string][]byte{"gif": gifBuf.Bytes(), "bmp": bmpBuf.Bytes()} {
		t.Run(name, func(t *testing.T) {
			staged, err := st.Stage(bytes.NewReader(data))
			require.NoError(t, err)
			defer func() { _ = staged.Cleanup() }()
			assert.FileExists(t, staged.Path)
		})
	}
}

func TestStager_UniquePaths(t *testing.T) {
	st := NewStager(t.TempDir(), 0)
	seen := map[string]bool{}
	for i := 0; i < 10; i++ {
		staged, err := st.Stage(bytes.NewReader(pngBytes(t)))
		require.NoError(t, err)
		assert.False(t, seen[staged.Path], "duplicate path %s", staged.Path)
		seen[staged.Path] = true
	}
}

func TestStager_RejectsUndecodable(t *testing.T) {
	tmp := t.TempDir()
	st := NewStager(tmp, 0)

	_, err := st.Stage(strings.NewReader("definitely not an image"))
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindStagingFailed), "got %v", err)

	entries, _ := os.ReadDir(filepath.Join(tmp, "uploads"))
	assert.Empty(t, entries)
}

func TestStager_CleanupIsIdempotent(t *testing.T) {
	st := NewStager(t.TempDir(), 0)
	staged, err := st.Stage(bytes.NewReader(pngBytes(t)))
	require.NoError(t, err)
	require.FileExists(t, staged.Path)

	require.NoError(t, staged.Cleanup())
	assert.NoFileExists(t, staged.Path)
	assert.NoError(t, staged.Cleanup())
}

func TestStager_CleanupToleratesExternalRemoval(t *testing.T) {
	st := NewStager(t.TempDir(), 0)
	staged, err := st.Stage(bytes.NewReader(pngBytes(t)))
	require.NoError(t, err)

	require.NoError(t, os.Remove(staged.Path))
	assert.NoError(t, staged.Cleanup())
}

// pngHeader returns a PNG signature and IHDR chunk declaring w x h RGBA
// pixels, with no image data behind it.
func pngHeader(w, h uint32) []byte {
	var buf bytes.Buffer
	buf.WriteString("\x89PNG\r\n\x1a\n")

	data := make([]byte, 13)
	binary.BigEndian.PutUint32(data[0:4], w)
	binary.BigEndian.PutUint32(data[4:8], h)
	data[8] = 8 // bit depth
	data[9] = 6 // truecolor with alpha

	chunk := append([]byte("IHDR"), data...)
	_ = binary.Write(&buf, binary.BigEndian, uint32(len(data)))
	buf.Write(chunk)
	_ = binary.Write(&buf, binary.BigEndian, crc32.ChecksumIEEE(chunk))
	return buf.Bytes()
}

func TestStager_RejectsOversizedDimensions(t *testing.T) {
	tmp := t.TempDir()
	st := NewStager(tmp, 40_000_000)

	_, err := st.Stage(bytes.NewReader(pngHeader(40000, 40000)))
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindStagingFailed), "got %v", err)
	assert.Contains(t, err.Error(), "40000x40000")
	assert.Contains(t, apperrors.DetailsOf(err), "1600000000 pixels")
	assert.NoDirExists(t, filepath.Join(tmp, "uploads"))
}

func TestStager_PixelLimit(t *testing.T) {
	limited := NewStager(t.TempDir(), 47)
	_, err := limited.Stage(bytes.NewReader(pngBytes(t)))
	assert.True(t, apperrors.IsKind(err, apperrors.KindStagingFailed), "got %v", err)

	exact := NewStager(t.TempDir(), 48)
	staged, err := exact.Stage(bytes.NewReader(pngBytes(t)))
	require.NoError(t, err)
	assert.NoError(t, staged.Cleanup())
}

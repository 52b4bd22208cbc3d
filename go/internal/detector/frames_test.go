package detector

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePNG(t *testing.T, path string, c color.Color) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.Set(x, y, c)
		}
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

func TestSequenceSourceOrderAndLoop(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "002.png"), color.White)
	writePNG(t, filepath.Join(dir, "001.png"), color.Black)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o600))

	src, err := NewSequenceSource(dir, false)
	require.NoError(t, err)

	first, ok := src.Frame()
	require.True(t, ok)
	assert.Equal(t, uint8(0), first.Pix[0])

	second, ok := src.Frame()
	require.True(t, ok)
	assert.Equal(t, uint8(255), second.Pix[0])

	_, ok = src.Frame()
	assert.False(t, ok, "sequence ends without loop")

	src.SetPaused(true)
	_, ok = src.Frame()
	assert.False(t, ok)
}

func TestSequenceSourceEmptyDir(t *testing.T) {
	_, err := NewSequenceSource(t.TempDir(), true)
	assert.ErrorContains(t, err, "no frames found")
}

func TestSequenceSourceLogsDecodeFailure(t *testing.T) {
	var buf bytes.Buffer
	previous := log.Logger
	log.Logger = zerolog.New(&buf)
	t.Cleanup(func() { log.Logger = previous })

	dir := t.TempDir()
	bad := filepath.Join(dir, "001.png")
	require.NoError(t, os.WriteFile(bad, []byte("not an image"), 0o600))
	writePNG(t, filepath.Join(dir, "002.png"), color.White)

	src, err := NewSequenceSource(dir, true)
	require.NoError(t, err)

	_, ok := src.Frame()
	assert.False(t, ok)
	assert.Contains(t, buf.String(), "failed to decode frame")
	assert.Contains(t, buf.String(), bad)

	_, ok = src.Frame()
	assert.True(t, ok, "the source moves on to the next frame")
}

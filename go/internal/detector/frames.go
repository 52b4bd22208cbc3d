package detector

import (
	"fmt"
	"image"
	"image/draw"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// SequenceSource replays a directory of still images as a video stream, one
// image per Frame call. After the last image it reports no frame.
type SequenceSource struct {
	mu     sync.Mutex
	paths  []string
	next   int
	loop   bool
	paused bool
}

// NewSequenceSource lists PNG and JPEG files in dir in name order.
func NewSequenceSource(dir string, loop bool) (*SequenceSource, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read frame directory: %w", err)
	}

	var paths []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".png", ".jpg", ".jpeg":
			paths = append(paths, filepath.Join(dir, entry.Name()))
		}
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no frames found in %s", dir)
	}
	sort.Strings(paths)

	return &SequenceSource{paths: paths, loop: loop}, nil
}

// SetPaused stops or resumes frame delivery.
func (s *SequenceSource) SetPaused(paused bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = paused
}

// Frame decodes the next image. Decode failures skip the frame.
func (s *SequenceSource) Frame() (*image.RGBA, bool) {
	s.mu.Lock()
	if s.paused {
		s.mu.Unlock()
		return nil, false
	}
	if s.next >= len(s.paths) {
		if !s.loop {
			s.mu.Unlock()
			return nil, false
		}
		s.next = 0
	}
	path := s.paths[s.next]
	s.next++
	s.mu.Unlock()

	img, err := decodeFile(path)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("failed to decode frame")
		return nil, false
	}
	return ToRGBA(img), true
}

func decodeFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return img, nil
}

// ToRGBA returns img as an *image.RGBA, converting when necessary.
func ToRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok {
		return rgba
	}
	b := img.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	return rgba
}

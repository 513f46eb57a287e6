package capture

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/Capitan-Parrot/safety-alert-runner/internal/models"
)

// DirSource replays the images of a local folder in name order.
type DirSource struct {
	files []string
	pos   int
	seq   uint64
	pace  pacer
}

func OpenDir(dir string, fps float64) (*DirSource, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("open frame dir %s: %w", dir, err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".jpg", ".jpeg", ".png":
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("open frame dir %s: no images", dir)
	}
	sort.Strings(files)

	return &DirSource{files: files, pace: newPacer(fps)}, nil
}

func (s *DirSource) Next(ctx context.Context) (models.Frame, error) {
	if s.pos >= len(s.files) {
		return models.Frame{}, io.EOF
	}
	if err := s.pace.wait(ctx); err != nil {
		return models.Frame{}, err
	}

	path := s.files[s.pos]
	s.pos++

	data, err := os.ReadFile(path)
	if err != nil {
		return models.Frame{}, fmt.Errorf("read frame %s: %w", path, err)
	}
	img, err := decode(data)
	if err != nil {
		return models.Frame{}, fmt.Errorf("%s: %w", path, err)
	}

	s.seq++
	return models.Frame{Seq: s.seq, CapturedAt: time.Now(), Image: img}, nil
}

// Len is the number of frames in the folder.
func (s *DirSource) Len() int {
	return len(s.files)
}

func (s *DirSource) Close() error {
	s.pos = len(s.files)
	return nil
}

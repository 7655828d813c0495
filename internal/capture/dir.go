package capture

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/saturnino-fabrica-de-software/rekko-kiosk/internal/domain"
)

var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".webp": true,
	".bmp":  true,
}

// DirSource replays still images from a directory in name order, wrapping
// around after the last one. Files are listed on every pass so images can
// be dropped in while the kiosk runs.
type DirSource struct {
	dir          string
	maxDimension int

	mu   sync.Mutex
	next int
}

func NewDirSource(dir string, maxDimension int) (*DirSource, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("capture dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("capture dir: %s is not a directory", dir)
	}
	return &DirSource{dir: dir, maxDimension: maxDimension}, nil
}

func (s *DirSource) Capture(ctx context.Context) (domain.Frame, error) {
	if err := ctx.Err(); err != nil {
		return domain.Frame{}, deviceErr(err)
	}

	files, err := s.list()
	if err != nil {
		return domain.Frame{}, deviceErr(err)
	}
	if len(files) == 0 {
		return domain.Frame{}, deviceErr(fmt.Errorf("no images in %s", s.dir))
	}

	s.mu.Lock()
	path := files[s.next%len(files)]
	s.next++
	s.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		return domain.Frame{}, deviceErr(err)
	}

	frame, err := NewFrame(data, s.maxDimension)
	if err != nil {
		return domain.Frame{}, deviceErr(fmt.Errorf("%s: %w", filepath.Base(path), err))
	}
	return frame, nil
}

func (s *DirSource) list() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("capture dir %s removed", s.dir)
		}
		return nil, err
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if imageExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			files = append(files, filepath.Join(s.dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

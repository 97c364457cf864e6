package signals

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// #region file-source

// FileSource reads JSON-lines frames. Blank lines and lines starting with #
// are skipped. Relative image paths resolve against the file's directory.
type FileSource struct {
	f       *os.File
	scanner *bufio.Scanner
	dir     string
	line    int
}

// OpenFile opens a frames file.
func OpenFile(path string) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open frames: %w", err)
	}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &FileSource{f: f, scanner: sc, dir: filepath.Dir(path)}, nil
}

// Next returns the next frame or io.EOF.
func (s *FileSource) Next(ctx context.Context) (Frame, error) {
	for s.scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return Frame{}, err
		}
		s.line++
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		var f Frame
		dec := json.NewDecoder(bytes.NewReader(line))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&f); err != nil {
			return Frame{}, fmt.Errorf("%w: line %d: %w", ErrMalformedFrame, s.line, err)
		}
		if f.Image != "" && !filepath.IsAbs(f.Image) {
			f.Image = filepath.Join(s.dir, f.Image)
		}
		return f, nil
	}
	if err := s.scanner.Err(); err != nil {
		return Frame{}, fmt.Errorf("read frames: %w", err)
	}
	return Frame{}, io.EOF
}

// Close closes the file.
func (s *FileSource) Close() error {
	return s.f.Close()
}

// #endregion file-source

// #region slice-source

// SliceSource replays frames from memory.
type SliceSource struct {
	mu     sync.Mutex
	frames []Frame
	next   int
}

// NewSliceSource returns a source over frames.
func NewSliceSource(frames ...Frame) *SliceSource {
	return &SliceSource{frames: frames}
}

// Next returns the next frame or io.EOF.
func (s *SliceSource) Next(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next >= len(s.frames) {
		return Frame{}, io.EOF
	}
	f := s.frames[s.next]
	s.next++
	return f, nil
}

// #endregion slice-source

// Package segment names segment files and tracks the upload state of each
// closed segment.
package segment

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	filePrefix = "recording_"
	timeLayout = "20060102_150405"
)

// Store hands out unique segment paths inside one directory. It never opens
// or creates files. A name is never issued twice, even when the wall clock
// repeats (DST fall-back, NTP step), and names already on disk are skipped.
type Store struct {
	dir   string
	ext   string
	clock func() time.Time

	mu     sync.Mutex
	issued map[string]struct{}
}

// NewStore returns a Store placing files under dir with extension ext
// (including the leading dot). A nil clock means time.Now.
func NewStore(dir, ext string, clock func() time.Time) *Store {
	if clock == nil {
		clock = time.Now
	}
	return &Store{dir: dir, ext: ext, clock: clock, issued: make(map[string]struct{})}
}

// Dir returns the directory segments are placed in.
func (s *Store) Dir() string { return s.dir }

// NextPath returns <dir>/recording_YYYYMMDD_HHMMSS<ext>. If that name was
// already issued or exists on disk it gets a _2, _3, ... suffix.
func (s *Store) NextPath() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	base := filePrefix + s.clock().Format(timeLayout)
	path := filepath.Join(s.dir, base+s.ext)
	for n := 2; s.taken(path); n++ {
		path = filepath.Join(s.dir, fmt.Sprintf("%s_%d%s", base, n, s.ext))
	}
	s.issued[path] = struct{}{}
	return path
}

func (s *Store) taken(path string) bool {
	if _, ok := s.issued[path]; ok {
		return true
	}
	_, err := os.Lstat(path)
	return err == nil
}

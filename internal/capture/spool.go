package capture

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
)

// spool is the temporary store of one device. A single drain appends to it;
// fragments rotate at maxBytes and are kept in write order.
type spool struct {
	dir      string
	base     string
	maxBytes int64

	mu        sync.Mutex
	fragments []string
	cur       *os.File
	curBytes  int64

	total atomic.Int64
	files atomic.Int32
}

func newSpool(dir, base string, maxBytes int64) *spool {
	return &spool{dir: dir, base: base, maxBytes: maxBytes}
}

// write appends chunk to the current fragment. A failed write is rolled back
// so the fragment only ever holds whole chunks.
func (s *spool) write(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cur != nil && s.maxBytes > 0 && s.curBytes+int64(len(chunk)) > s.maxBytes && s.curBytes > 0 {
		if err := s.closeCurrent(); err != nil {
			return err
		}
	}

	if s.cur == nil {
		path := filepath.Join(s.dir, fmt.Sprintf("%s_%04d.raw", s.base, len(s.fragments)))
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
		if err != nil {
			return fmt.Errorf("failed to create fragment %s: %w", path, err)
		}
		s.cur = f
		s.curBytes = 0
		s.fragments = append(s.fragments, path)
		s.files.Add(1)
	}

	n, err := s.cur.Write(chunk)
	if err != nil {
		if n > 0 {
			// Drop the partial chunk; a later write starts a fresh fragment.
			_ = s.cur.Truncate(s.curBytes)
		}
		_ = s.cur.Close()
		s.cur = nil
		return fmt.Errorf("failed to write fragment: %w", err)
	}

	s.curBytes += int64(n)
	s.total.Add(int64(n))
	return nil
}

func (s *spool) closeCurrent() error {
	if s.cur == nil {
		return nil
	}
	err := s.cur.Close()
	s.cur = nil
	if err != nil {
		return fmt.Errorf("failed to close fragment: %w", err)
	}
	return nil
}

// close flushes the open fragment. The spool must not be written afterwards.
func (s *spool) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCurrent()
}

// fragmentPaths returns the fragments in write order.
func (s *spool) fragmentPaths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.fragments...)
}

func (s *spool) bytesWritten() int64 {
	return s.total.Load()
}

func (s *spool) fileCount() int {
	return int(s.files.Load())
}

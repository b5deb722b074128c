package download

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/time/rate"
)

const suffixOngoingDownload = ".download"

// DestinationPath returns the path under dir where obj is stored once complete.
// The object id prefix keeps files with the same name apart.
func DestinationPath(dir string, obj ObjectRef) string {
	name := filepath.Base(filepath.Clean("/" + obj.Name))
	if name == "/" || name == "." {
		return filepath.Join(dir, sanitizeName(obj.ID))
	}
	return filepath.Join(dir, fmt.Sprintf("%s_%s", sanitizeName(obj.ID), name))
}

// partialPath returns the path a download is written to while it is ongoing.
func partialPath(dest string) string {
	return dest + suffixOngoingDownload
}

// sanitizeName strips path separators so that an id cannot escape the download dir.
func sanitizeName(s string) string {
	s = strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(s)
	if s == "" || s == "." {
		return "_"
	}
	return s
}

// newLimiter returns a limiter shared by all parts of one download, or nil
// when bytesPerSec is not positive. The burst matches the chunk size so that
// a single chunk read never exceeds it.
func newLimiter(bytesPerSec int64, chunkSize int) *rate.Limiter {
	if bytesPerSec <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(bytesPerSec), chunkSize)
}

// lockedWriterAt serializes positioned writes to w. Once closed, writes fail
// with os.ErrClosed so that parts outliving the teardown never touch the file.
type lockedWriterAt struct {
	mu     sync.Mutex
	w      io.WriterAt
	closed bool
}

func (l *lockedWriterAt) WriteAt(p []byte, off int64) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return 0, os.ErrClosed
	}
	return l.w.WriteAt(p, off)
}

func (l *lockedWriterAt) close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.closed = true
}

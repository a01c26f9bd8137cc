package state

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// ErrLocked is returned when another run holds the lock file.
var ErrLocked = errors.New("state: another run holds the lock")

// Lock is an exclusive lock file guarding one state file.
type Lock struct {
	path string
}

// AcquireLock creates path exclusively. A lock older than staleAfter is
// assumed abandoned by a crashed run and taken over.
func AcquireLock(path string, staleAfter time.Duration) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			_, werr := fmt.Fprintf(f, "%d\n%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
			cerr := f.Close()
			if werr != nil || cerr != nil {
				os.Remove(path)
				return nil, errors.Join(werr, cerr)
			}
			return &Lock{path: path}, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, err
		}
		if attempt > 0 || !stale(path, staleAfter) {
			return nil, fmt.Errorf("%w: %s (%s)", ErrLocked, path, holder(path))
		}
		os.Remove(path)
	}
	return nil, fmt.Errorf("%w: %s", ErrLocked, path)
}

// Release removes the lock file.
func (l *Lock) Release() error {
	if l == nil {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func stale(path string, staleAfter time.Duration) bool {
	if staleAfter <= 0 {
		return false
	}
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return time.Since(info.ModTime()) > staleAfter
}

func holder(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return "unknown holder"
	}
	pid, _, _ := strings.Cut(string(data), "\n")
	if _, err := strconv.Atoi(pid); err != nil {
		return "unknown holder"
	}
	return "pid " + pid
}

// Package quarantine loads the operator-maintained list of source UIDs that
// must never be synced and whose managed remote copies are removed.
package quarantine

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sort"
	"strings"
)

// List is a set of quarantined source UIDs. The zero value is empty.
type List struct {
	uids map[string]struct{}
}

// New builds a list from uids; blank entries are ignored.
func New(uids ...string) *List {
	l := &List{uids: map[string]struct{}{}}
	for _, u := range uids {
		if u = strings.TrimSpace(u); u != "" {
			l.uids[u] = struct{}{}
		}
	}
	return l
}

// Load reads path. A missing file is an empty list.
func Load(path string) (*List, error) {
	if path == "" {
		return New(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return New(), nil
		}
		return nil, fmt.Errorf("open quarantine list: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads whitespace separated UIDs; '#' starts a comment running to the
// end of the line.
func Parse(r io.Reader) (*List, error) {
	l := New()
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		for _, uid := range strings.Fields(line) {
			l.uids[uid] = struct{}{}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read quarantine list: %w", err)
	}
	return l, nil
}

func (l *List) Contains(uid string) bool {
	if l == nil {
		return false
	}
	_, ok := l.uids[uid]
	return ok
}

func (l *List) Len() int {
	if l == nil {
		return 0
	}
	return len(l.uids)
}

// UIDs returns the sorted contents.
func (l *List) UIDs() []string {
	if l == nil {
		return nil
	}
	out := make([]string, 0, len(l.uids))
	for u := range l.uids {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

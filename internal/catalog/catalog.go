package catalog

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrNotFound = errors.New("recording not found")
	ErrNotReady = errors.New("recording not ready")
)

// Entry describes one finalized recording on disk.
type Entry struct {
	SessionID  string    `json:"session_id"`
	ScopeID    string    `json:"scope_id"`
	SizeBytes  int64     `json:"size_bytes"`
	ModifiedAt time.Time `json:"modified_at"`

	Path string `json:"-"`
}

// Catalog is a read-only index of finalized recordings. The storage layout is
// <root>/<scope>/<session-id>.mp4; in-flight recordings carry a .part suffix
// and are never listed.
type Catalog struct {
	root string
}

func New(root string) *Catalog {
	return &Catalog{root: root}
}

// List returns every finalized recording, newest first left to the caller.
func (c *Catalog) List() ([]Entry, error) {
	scopes, err := os.ReadDir(c.root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "catalog: read storage root")
	}

	var entries []Entry
	for _, scope := range scopes {
		if !scope.IsDir() {
			continue
		}
		files, err := os.ReadDir(filepath.Join(c.root, scope.Name()))
		if err != nil {
			continue
		}
		for _, f := range files {
			if f.IsDir() || !strings.HasSuffix(f.Name(), ".mp4") {
				continue
			}
			info, err := f.Info()
			if err != nil {
				continue
			}
			entries = append(entries, Entry{
				SessionID:  strings.TrimSuffix(f.Name(), ".mp4"),
				ScopeID:    scope.Name(),
				SizeBytes:  info.Size(),
				ModifiedAt: info.ModTime(),
				Path:       filepath.Join(c.root, scope.Name(), f.Name()),
			})
		}
	}
	return entries, nil
}

// Resolve locates the finalized recording for a session id.
func (c *Catalog) Resolve(sessionID string) (Entry, error) {
	entries, err := c.List()
	if err != nil {
		return Entry{}, err
	}
	for _, e := range entries {
		if e.SessionID == sessionID {
			return e, nil
		}
	}
	return Entry{}, errors.Wrapf(ErrNotFound, "session %s", sessionID)
}

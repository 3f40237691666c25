// Package storage is the media index photos are saved through. A file is
// inserted as a pending entry, written, then committed; failed writes can
// be deleted so no half-written file is left behind.
package storage

import (
	"bufio"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/cjeanneret/ZeroCam/internal/debug"
)

// schema.sql creates the media table.
//
//go:embed schema.sql
var schemaSQL string

const (
	MIMEJPEG = "image/jpeg"
	MIMEDNG  = "image/x-adobe-dng"

	// RelativeDir is where photos are stored under the store root.
	RelativeDir = "Pictures/Zero"
	// DefaultPrefix starts every file name.
	DefaultPrefix = "ZERO"

	timeLayout  = "20060102_150405"
	maxSuffixes = 1000
)

var (
	// ErrNotFound is returned for unknown media ids.
	ErrNotFound = errors.New("storage: media not found")
	// ErrNameExhausted is returned when no free file name is left for a timestamp.
	ErrNameExhausted = errors.New("storage: no free file name")
)

// Location identifies a saved photo.
type Location struct {
	ID   string
	URI  string
	Path string
	Name string
	MIME string
	Size int64
}

func (l *Location) String() string {
	if l == nil {
		return "<nil>"
	}
	return l.URI
}

// FileName builds PREFIX_yyyyMMdd_HHmmss.ext.
func FileName(prefix string, t time.Time, ext string) string {
	return fmt.Sprintf("%s_%s.%s", prefix, t.Format(timeLayout), ext)
}

func withSuffix(name string, n int) string {
	if n == 0 {
		return name
	}
	ext := filepath.Ext(name)
	return fmt.Sprintf("%s_%d%s", name[:len(name)-len(ext)], n, ext)
}

// MediaStore indexes photos in SQLite and keeps the files under
// <root>/Pictures/Zero.
type MediaStore struct {
	db     *sql.DB
	root   string
	dir    string
	prefix string

	mu sync.Mutex // serializes name reservation
}

// Open creates the picture directory and the index. An empty dbPath puts
// the index at <root>/media.db.
func Open(root, dbPath, prefix string) (*MediaStore, error) {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	dir := filepath.Join(root, filepath.FromSlash(RelativeDir))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create %s: %w", dir, err)
	}
	if dbPath == "" {
		dbPath = filepath.Join(root, "media.db")
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("storage: open index: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}
	debug.Verbose("Storage: index %s, photos in %s", dbPath, dir)

	s := &MediaStore{db: db, root: root, dir: dir, prefix: prefix}
	if n, err := s.PurgePending(); err != nil {
		debug.Error(err)
	} else if n > 0 {
		debug.Warn("Storage: purged %d stale pending entries", n)
	}
	return s, nil
}

// Close closes the index.
func (s *MediaStore) Close() error {
	return s.db.Close()
}

// Dir returns the directory photos are written to.
func (s *MediaStore) Dir() string { return s.dir }

// Insert reserves a file name for t and records a pending entry. The file
// is created empty; a numeric suffix is added when the name is taken.
func (s *MediaStore) Insert(t time.Time, ext, mime string) (*Location, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	base := FileName(s.prefix, t, ext)
	for n := 0; n < maxSuffixes; n++ {
		name := withSuffix(base, n)
		path := filepath.Join(s.dir, name)
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("storage: reserve %s: %w", name, err)
		}
		f.Close()

		id := uuid.NewString()
		_, err = s.db.Exec(`
			INSERT INTO media (id, display_name, mime_type, relative_path, created_at, pending)
			VALUES (?, ?, ?, ?, ?, 1)
		`, id, name, mime, RelativeDir, t.UnixMilli())
		if err != nil {
			os.Remove(path)
			return nil, fmt.Errorf("storage: insert %s: %w", name, err)
		}
		return &Location{
			ID:   id,
			URI:  "media://zero/" + id,
			Path: path,
			Name: name,
			MIME: mime,
		}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNameExhausted, base)
}

// Write streams the content of a pending entry through fn.
func (s *MediaStore) Write(loc *Location, fn func(io.Writer) error) error {
	f, err := os.OpenFile(loc.Path, os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("storage: open %s: %w", loc.Name, err)
	}
	w := bufio.NewWriterSize(f, 256<<10)
	if err := fn(w); err != nil {
		f.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("storage: flush %s: %w", loc.Name, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("storage: sync %s: %w", loc.Name, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("storage: close %s: %w", loc.Name, err)
	}
	return nil
}

// Commit marks an entry complete and records its size.
func (s *MediaStore) Commit(loc *Location) error {
	fi, err := os.Stat(loc.Path)
	if err != nil {
		return fmt.Errorf("storage: stat %s: %w", loc.Name, err)
	}
	res, err := s.db.Exec(`UPDATE media SET pending = 0, size = ? WHERE id = ?`, fi.Size(), loc.ID)
	if err != nil {
		return fmt.Errorf("storage: commit %s: %w", loc.Name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, loc.ID)
	}
	loc.Size = fi.Size()
	return nil
}

// Delete removes an entry and its file.
func (s *MediaStore) Delete(loc *Location) error {
	if loc == nil {
		return nil
	}
	var errs []error
	if err := os.Remove(loc.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		errs = append(errs, fmt.Errorf("storage: remove %s: %w", loc.Name, err))
	}
	if _, err := s.db.Exec(`DELETE FROM media WHERE id = ?`, loc.ID); err != nil {
		errs = append(errs, fmt.Errorf("storage: delete %s: %w", loc.ID, err))
	}
	return errors.Join(errs...)
}

// SaveJPEG stores JPEG bytes as a new photo taken at t. A failed write is
// reported as is; the pending entry is purged on the next Open.
func (s *MediaStore) SaveJPEG(t time.Time, data []byte) (*Location, error) {
	loc, err := s.Insert(t, "jpg", MIMEJPEG)
	if err != nil {
		return nil, err
	}
	err = s.Write(loc, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := s.Commit(loc); err != nil {
		return nil, err
	}
	debug.Saved("JPG", loc.Path)
	return loc, nil
}

// SaveDNG stores a DNG produced by write. On any failure the entry and
// its partial file are deleted.
func (s *MediaStore) SaveDNG(t time.Time, write func(io.Writer) error) (*Location, error) {
	loc, err := s.Insert(t, "dng", MIMEDNG)
	if err != nil {
		return nil, err
	}
	if err := s.Write(loc, write); err != nil {
		if derr := s.Delete(loc); derr != nil {
			debug.Error(derr)
		}
		return nil, err
	}
	if err := s.Commit(loc); err != nil {
		if derr := s.Delete(loc); derr != nil {
			debug.Error(derr)
		}
		return nil, err
	}
	debug.Saved("RAW", loc.Path)
	return loc, nil
}

// Lookup returns a committed or pending entry by id.
func (s *MediaStore) Lookup(id string) (*Location, bool, error) {
	var (
		loc     Location
		rel     string
		pending bool
	)
	err := s.db.QueryRow(`
		SELECT id, display_name, mime_type, relative_path, size, pending
		FROM media WHERE id = ?
	`, id).Scan(&loc.ID, &loc.Name, &loc.MIME, &rel, &loc.Size, &pending)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, ErrNotFound
	}
	if err != nil {
		return nil, false, fmt.Errorf("storage: lookup %s: %w", id, err)
	}
	loc.URI = "media://zero/" + loc.ID
	loc.Path = filepath.Join(s.root, filepath.FromSlash(rel), loc.Name)
	return &loc, pending, nil
}

// Count returns the number of committed photos.
func (s *MediaStore) Count() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM media WHERE pending = 0`).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count: %w", err)
	}
	return n, nil
}

// PurgePending deletes entries left pending by an interrupted save.
func (s *MediaStore) PurgePending() (int, error) {
	rows, err := s.db.Query(`SELECT id, display_name, relative_path FROM media WHERE pending = 1`)
	if err != nil {
		return 0, fmt.Errorf("storage: list pending: %w", err)
	}
	var stale []*Location
	for rows.Next() {
		var loc Location
		var rel string
		if err := rows.Scan(&loc.ID, &loc.Name, &rel); err != nil {
			rows.Close()
			return 0, fmt.Errorf("storage: scan pending: %w", err)
		}
		loc.Path = filepath.Join(s.root, filepath.FromSlash(rel), loc.Name)
		stale = append(stale, &loc)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("storage: list pending: %w", err)
	}

	for _, loc := range stale {
		if err := s.Delete(loc); err != nil {
			return 0, err
		}
	}
	return len(stale), nil
}

// Package mediastore writes received media to short-lived files on disk.
//
// Every file belongs to exactly one event. With removes the file when the
// callback returns, whether it succeeded, failed or panicked, so nothing
// accumulates in the media directory during normal operation.
package mediastore

import (
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

const timestampLayout = "2006-01-02T15-04-05.000Z"

// ErrTooLarge is returned when media exceeds the configured size limit.
var ErrTooLarge = errors.New("media too large")

// Config configures the media store.
type Config struct {
	Dir          string // directory for temporary media files
	Prefix       string // filename prefix, e.g. "355"
	MaxSizeBytes int64  // max file size in bytes (default: 25MB)
	Logger       *slog.Logger
}

// Store creates and removes uniquely named media files.
type Store struct {
	dir          string
	prefix       string
	maxSizeBytes int64
	logger       *slog.Logger
	now          func() time.Time
}

// File is a media file that exists until the owning scope ends.
type File struct {
	Path      string
	MimeType  string
	Size      int64
	CreatedAt time.Time
}

// Name returns the base name of the file.
func (f *File) Name() string {
	return filepath.Base(f.Path)
}

// New creates the media directory if needed.
func New(cfg Config) (*Store, error) {
	dir := cfg.Dir
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "groupbot-media")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create media dir: %w", err)
	}

	maxSize := cfg.MaxSizeBytes
	if maxSize <= 0 {
		maxSize = 25 * 1024 * 1024
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Store{
		dir:          dir,
		prefix:       cfg.Prefix,
		maxSizeBytes: maxSize,
		logger:       logger,
		now:          time.Now,
	}, nil
}

// Dir returns the media directory.
func (s *Store) Dir() string {
	return s.dir
}

// Write stores data under a fresh name. The caller owns the file and must
// Remove it; prefer With.
func (s *Store) Write(data []byte, mimeType string) (*File, error) {
	if int64(len(data)) > s.maxSizeBytes {
		return nil, fmt.Errorf("%w: %d bytes (max: %d)", ErrTooLarge, len(data), s.maxSizeBytes)
	}

	created := s.now().UTC()
	path := filepath.Join(s.dir, s.fileName(created, mimeType))

	// O_EXCL guarantees two events never share a file.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create media file: %w", err)
	}
	_, err = f.Write(data)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("write media file: %w", err)
	}

	s.logger.Debug("media stored", "file", filepath.Base(path), "size", len(data), "mime_type", mimeType)

	return &File{
		Path:      path,
		MimeType:  mimeType,
		Size:      int64(len(data)),
		CreatedAt: created,
	}, nil
}

// Remove deletes the file. A file that is already gone is not an error.
func (s *Store) Remove(f *File) error {
	if f == nil {
		return nil
	}
	if err := os.Remove(f.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("failed to remove media file", "file", f.Name(), "err", err)
		return fmt.Errorf("remove media file: %w", err)
	}
	s.logger.Debug("media removed", "file", f.Name())
	return nil
}

// With writes data to a new file, runs fn with it and removes the file on
// every exit path. Panics from fn propagate after the file is removed.
func (s *Store) With(data []byte, mimeType string, fn func(*File) error) error {
	f, err := s.Write(data, mimeType)
	if err != nil {
		return err
	}
	defer s.Remove(f)
	return fn(f)
}

// Sweep removes files left behind by a previous process that exited before
// its scopes could clean up. Only files carrying this store's prefix are
// touched.
func (s *Store) Sweep() (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("read media dir: %w", err)
	}

	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), s.namePrefix()) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, e.Name())); err == nil {
			removed++
		}
	}
	if removed > 0 {
		s.logger.Info("removed stale media files", "count", removed, "dir", s.dir)
	}
	return removed, nil
}

func (s *Store) namePrefix() string {
	if s.prefix == "" {
		return "media_"
	}
	return s.prefix + "_"
}

// fileName builds <prefix>_<utc timestamp>_<random>.<ext>.
func (s *Store) fileName(t time.Time, mimeType string) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return s.namePrefix() + t.Format(timestampLayout) + "_" + suffix + ExtensionFor(mimeType)
}

var knownExtensions = map[string]string{
	"image/jpeg":      ".jpg",
	"image/jpg":       ".jpg",
	"image/png":       ".png",
	"image/gif":       ".gif",
	"image/webp":      ".webp",
	"image/bmp":       ".bmp",
	"image/heic":      ".heic",
	"video/mp4":       ".mp4",
	"audio/ogg":       ".ogg",
	"application/pdf": ".pdf",
}

// ExtensionFor maps a MIME type to a file extension including the dot.
// Unknown types fall back to the system MIME table, then to ".bin".
func ExtensionFor(mimeType string) string {
	mt, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		mt = strings.ToLower(strings.TrimSpace(mimeType))
	}
	if ext, ok := knownExtensions[mt]; ok {
		return ext
	}
	if exts, err := mime.ExtensionsByType(mt); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ".bin"
}

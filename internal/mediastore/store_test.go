package mediastore

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(Config{Dir: t.TempDir(), Prefix: "355", Logger: testLogger()})
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func countFiles(t *testing.T, dir string) int {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	return len(entries)
}

func TestNew_DefaultMaxSize(t *testing.T) {
	s := newTestStore(t)
	if s.maxSizeBytes != 25*1024*1024 {
		t.Errorf("expected default 25MB, got %d", s.maxSizeBytes)
	}
}

func TestWrite_NameFormat(t *testing.T) {
	s := newTestStore(t)
	s.now = func() time.Time { return time.Date(2024, 3, 9, 14, 5, 6, 789_000_000, time.UTC) }

	f, err := s.Write([]byte("jpeg"), "image/jpeg")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Remove(f)

	name := f.Name()
	if !strings.HasPrefix(name, "355_2024-03-09T14-05-06.789Z_") {
		t.Errorf("unexpected name %q", name)
	}
	if filepath.Ext(name) != ".jpg" {
		t.Errorf("expected .jpg extension, got %q", name)
	}
	data, err := os.ReadFile(f.Path)
	if err != nil || string(data) != "jpeg" {
		t.Errorf("file content = %q, err = %v", data, err)
	}
}

func TestWrite_UniqueUnderConcurrency(t *testing.T) {
	s := newTestStore(t)
	fixed := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	const n = 50
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		names = make(map[string]bool)
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f, err := s.Write([]byte("x"), "image/png")
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			names[f.Name()] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(names) != n {
		t.Fatalf("expected %d unique names, got %d", n, len(names))
	}
}

func TestWrite_TooLarge(t *testing.T) {
	s, err := New(Config{Dir: t.TempDir(), MaxSizeBytes: 4, Logger: testLogger()})
	if err != nil {
		t.Fatal(err)
	}
	_, err = s.Write([]byte("12345"), "image/png")
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
	if countFiles(t, s.Dir()) != 0 {
		t.Error("no file should be left behind")
	}
}

func TestWith_RemovesOnSuccess(t *testing.T) {
	s := newTestStore(t)
	var seen string
	err := s.With([]byte("png"), "image/png", func(f *File) error {
		seen = f.Path
		if _, err := os.Stat(f.Path); err != nil {
			t.Errorf("file should exist inside scope: %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(seen); !os.IsNotExist(err) {
		t.Errorf("file should be removed after scope, stat err = %v", err)
	}
}

func TestWith_RemovesOnError(t *testing.T) {
	s := newTestStore(t)
	boom := errors.New("classifier exploded")
	err := s.With([]byte("png"), "image/png", func(f *File) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected callback error, got %v", err)
	}
	if countFiles(t, s.Dir()) != 0 {
		t.Error("file should be removed after failing scope")
	}
}

func TestWith_RemovesOnPanic(t *testing.T) {
	s := newTestStore(t)
	func() {
		defer func() {
			if recover() == nil {
				t.Error("panic should propagate")
			}
		}()
		s.With([]byte("png"), "image/png", func(f *File) error { panic("boom") })
	}()
	if countFiles(t, s.Dir()) != 0 {
		t.Error("file should be removed after panicking scope")
	}
}

func TestRemove_MissingFileIsNotAnError(t *testing.T) {
	s := newTestStore(t)
	f, err := s.Write([]byte("x"), "image/gif")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Remove(f); err != nil {
		t.Fatal(err)
	}
	if err := s.Remove(f); err != nil {
		t.Fatalf("second remove should be a no-op, got %v", err)
	}
}

func TestSweep_OnlyOwnPrefix(t *testing.T) {
	s := newTestStore(t)
	os.WriteFile(filepath.Join(s.Dir(), "355_stale.jpg"), []byte("x"), 0o600)
	os.WriteFile(filepath.Join(s.Dir(), "notes.txt"), []byte("keep"), 0o600)

	n, err := s.Sweep()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected 1 removed, got %d", n)
	}
	if _, err := os.Stat(filepath.Join(s.Dir(), "notes.txt")); err != nil {
		t.Error("unrelated file should survive sweep")
	}
}

func TestExtensionFor(t *testing.T) {
	tests := []struct {
		mime string
		want string
	}{
		{"image/jpeg", ".jpg"},
		{"image/png", ".png"},
		{"image/webp", ".webp"},
		{"IMAGE/PNG", ".png"},
		{"image/jpeg; charset=binary", ".jpg"},
		{"application/x-unknown-thing", ".bin"},
		{"", ".bin"},
	}
	for _, tt := range tests {
		if got := ExtensionFor(tt.mime); got != tt.want {
			t.Errorf("ExtensionFor(%q) = %q, want %q", tt.mime, got, tt.want)
		}
	}
}

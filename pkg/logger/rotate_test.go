package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func listBackups(t *testing.T, path string) []string {
	t.Helper()
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	prefix := filepath.Base(path) + "."
	var backups []string
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), prefix) {
			backups = append(backups, entry.Name())
		}
	}
	return backups
}

func TestRotatingWriterRotatesBySize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	writer, err := newRotatingWriter(path, 1, 3, 1)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	defer writer.Close()
	// 1MB minimum is too coarse for a test, shrink the threshold directly.
	writer.maxSize = 64

	line := strings.Repeat("x", 40) + "\n"
	for i := 0; i < 4; i++ {
		if _, err := writer.Write([]byte(line)); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}

	backups := listBackups(t, path)
	if len(backups) == 0 {
		t.Fatal("expected at least one rotated backup")
	}
	current, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read current: %v", err)
	}
	if len(current) == 0 || int64(len(current)) > writer.maxSize {
		t.Fatalf("unexpected current log size %d", len(current))
	}
}

func TestRotatingWriterPrunesOldBackups(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	writer, err := newRotatingWriter(path, 1, 2, 30)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	defer writer.Close()
	writer.maxSize = 16

	payload := []byte(strings.Repeat("y", 12) + "\n")
	for i := 0; i < 6; i++ {
		if _, err := writer.Write(payload); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}

	backups := listBackups(t, path)
	if len(backups) > 2 {
		t.Fatalf("expected at most 2 backups, got %v", backups)
	}
}

func TestRotatingWriterReopensAfterClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	writer, err := newRotatingWriter(path, 1, 2, 1)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	if _, err := writer.Write([]byte("first\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := writer.Write([]byte("second\n")); err != nil {
		t.Fatalf("write after close: %v", err)
	}
	writer.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(data), "first") || !strings.Contains(string(data), "second") {
		t.Fatalf("unexpected log content: %q", data)
	}
}

func TestNewRotatingWriterRequiresPath(t *testing.T) {
	if _, err := newRotatingWriter("", 1, 1, 1); err == nil {
		t.Fatal("expected error for empty path")
	}
}

package fsutil

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestAtomicWrite(t *testing.T) {
	tmpDir := t.TempDir()

	tests := []struct {
		name string
		path string
		data []byte
	}{
		{
			name: "write to new file",
			path: filepath.Join(tmpDir, "new.yaml"),
			data: []byte("summary: hello\n"),
		},
		{
			name: "overwrite existing file",
			path: filepath.Join(tmpDir, "existing.yaml"),
			data: []byte("summary: updated\n"),
		},
		{
			name: "write empty file",
			path: filepath.Join(tmpDir, "empty.yaml"),
			data: []byte{},
		},
		{
			name: "write to nested directory",
			path: filepath.Join(tmpDir, "nested", "deep", "file.yaml"),
			data: []byte("nested: true\n"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.name == "overwrite existing file" {
				if err := os.WriteFile(tt.path, []byte("original"), 0600); err != nil {
					t.Fatalf("failed to create initial file: %v", err)
				}
			}

			if err := AtomicWrite(tt.path, tt.data); err != nil {
				t.Fatalf("AtomicWrite() error = %v", err)
			}

			content, err := os.ReadFile(tt.path)
			if err != nil {
				t.Fatalf("failed to read written file: %v", err)
			}
			if string(content) != string(tt.data) {
				t.Errorf("file content = %q, want %q", string(content), string(tt.data))
			}

			info, err := os.Stat(tt.path)
			if err != nil {
				t.Fatalf("failed to stat file: %v", err)
			}
			if mode := info.Mode().Perm(); mode != 0600 {
				t.Errorf("file permissions = %o, want 0600", mode)
			}
		})
	}
}

func TestAtomicWriteLeavesNoTempFiles(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "record.yaml")

	if err := AtomicWrite(path, []byte("data")); err != nil {
		t.Fatalf("AtomicWrite() error = %v", err)
	}

	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		t.Fatalf("failed to read dir: %v", err)
	}
	for _, e := range entries {
		if IsTempFile(e.Name()) {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}

func TestWriteExclusive(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "once.yaml")

	if err := WriteExclusive(path, []byte("first")); err != nil {
		t.Fatalf("first WriteExclusive() error = %v", err)
	}

	err := WriteExclusive(path, []byte("second"))
	if err == nil {
		t.Fatal("second WriteExclusive() should fail on existing file")
	}
	if !strings.Contains(err.Error(), "already exists") {
		t.Errorf("unexpected error: %v", err)
	}

	// Original content untouched
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read file: %v", err)
	}
	if string(content) != "first" {
		t.Errorf("file content = %q, want %q", string(content), "first")
	}
}

func TestIsTempFile(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{".record.yaml.tmp.1234.deadbeef", true},
		{"record.yaml", false},
		{".hidden", false},
		{"plain.tmp.file", false},
	}

	for _, tt := range tests {
		if got := IsTempFile(tt.name); got != tt.want {
			t.Errorf("IsTempFile(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

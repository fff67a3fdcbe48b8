package testutil

import (
	"os"
	"path/filepath"
	"testing"
)

func TestTempDir(t *testing.T) {
	dir, cleanup := TempDir(t)
	defer cleanup()

	if dir == "" {
		t.Fatal("expected non-empty directory path")
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		t.Fatalf("expected %s to be a directory", dir)
	}
}

func TestTempDirCleanup(t *testing.T) {
	dir, cleanup := TempDir(t)
	cleanup()

	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("expected %s to be removed after cleanup", dir)
	}
}

func TestWriteFile(t *testing.T) {
	dir, cleanup := TempDir(t)
	defer cleanup()

	path := WriteFile(t, dir, "sample.txt", "hello")
	if filepath.Dir(path) != dir {
		t.Fatalf("expected file in %s, got %s", dir, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(data) != "hello" {
		t.Fatalf("got %q, want %q", string(data), "hello")
	}
}

func TestWriteFileNested(t *testing.T) {
	dir, cleanup := TempDir(t)
	defer cleanup()

	path := WriteFile(t, dir, filepath.Join("nested", "dir", "sample.txt"), "nested-content")
	data := ReadFileContent(t, path)
	if data != "nested-content" {
		t.Fatalf("got %q, want %q", data, "nested-content")
	}
}

func TestReadFileContent(t *testing.T) {
	dir, cleanup := TempDir(t)
	defer cleanup()

	path := WriteFile(t, dir, "content.txt", "some content")
	got := ReadFileContent(t, path)
	if got != "some content" {
		t.Fatalf("got %q, want %q", got, "some content")
	}
}

func TestSampleOriginsINI(t *testing.T) {
	content := SampleOriginsINI()
	if content == "" {
		t.Fatal("expected non-empty sample content")
	}
}

package cache

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func TestFileCache_WriteThenRead(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "images")
	c, err := NewFileCache(dir)
	if err != nil {
		t.Fatalf("NewFileCache() error = %v", err)
	}

	name := "37.74392,-119.56306,11.42013z,1641492931979t.png"
	if c.Exists(name) {
		t.Fatalf("Exists() = true before write")
	}
	if _, err := c.Read(name); !errors.Is(err, ErrNotFound) {
		t.Errorf("Read() error = %v, want ErrNotFound", err)
	}

	data := []byte("\x89PNG fake")
	if err := c.Write(name, data); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if !c.Exists(name) {
		t.Fatalf("Exists() = false after write")
	}

	got, err := c.Read(name)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("Read() = %q, want %q", got, data)
	}

	if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
		t.Errorf("file not at expected path: %v", err)
	}
}

func TestFileCache_WriteOnce(t *testing.T) {
	c, err := NewFileCache(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileCache() error = %v", err)
	}

	if err := c.Write("a.png", []byte("first")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := c.Write("a.png", []byte("second")); err != nil {
		t.Fatalf("second Write() error = %v", err)
	}

	got, _ := c.Read("a.png")
	if string(got) != "first" {
		t.Errorf("Read() = %q, want %q", got, "first")
	}
}

func TestFileCache_LeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	c, _ := NewFileCache(dir)

	if err := c.Write("b.png", []byte("data")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".pending-") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}

func TestFileCache_RejectsPathNames(t *testing.T) {
	c, _ := NewFileCache(t.TempDir())

	for _, name := range []string{"", "../x.png", "sub/x.png"} {
		if err := c.Write(name, []byte("x")); err == nil {
			t.Errorf("Write(%q) error = nil, want error", name)
		}
		if c.Exists(name) {
			t.Errorf("Exists(%q) = true", name)
		}
	}
}

func TestNewCache(t *testing.T) {
	log := zap.NewNop()
	dir := t.TempDir()

	c, err := NewCache("file", dir, log)
	if err != nil {
		t.Fatalf("NewCache(file) error = %v", err)
	}
	if c.Dir() != dir {
		t.Errorf("Dir() = %q, want %q", c.Dir(), dir)
	}

	c, err = NewCache("disabled", dir, log)
	if err != nil {
		t.Fatalf("NewCache(disabled) error = %v", err)
	}
	if err := c.Write("a.png", []byte("x")); err != nil {
		t.Errorf("noop Write() error = %v", err)
	}
	if c.Exists("a.png") {
		t.Errorf("noop Exists() = true")
	}

	if _, err := NewCache("memory", dir, log); err == nil {
		t.Errorf("NewCache(memory) error = nil, want error")
	}
}

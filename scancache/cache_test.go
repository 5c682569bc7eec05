package scancache

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSaveAndReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "SotDFix.cache")
	key := Key{Timestamp: 0x65A1B2C3, SizeOfImage: 0x8000000}

	c, err := Open(path, key)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	if _, ok := c.Lookup("FOV"); ok {
		t.Errorf("Lookup() on empty cache succeeded")
	}
	c.Store("FOV", 0x1234)
	c.Store("HUD", 0x5678)
	if err := c.Save(); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	c, err = Open(path, key)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	if off, ok := c.Lookup("FOV"); !ok || off != 0x1234 {
		t.Errorf("Lookup(FOV) = 0x%x, %v, want 0x1234, true", off, ok)
	}

	// Another build
	c, err = Open(path, Key{Timestamp: key.Timestamp + 1, SizeOfImage: key.SizeOfImage})
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	if _, ok := c.Lookup("FOV"); ok {
		t.Errorf("Lookup() returned an offset of another build")
	}
}

func TestSaveSkipsUnchanged(t *testing.T) {
	path := filepath.Join(t.TempDir(), "SotDFix.cache")
	c, _ := Open(path, Key{})
	if err := c.Save(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("Save() of an unchanged cache wrote %s", path)
	}
}

func TestOpenCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "SotDFix.cache")
	if err := os.WriteFile(path, []byte{0xC1, 0xFF, 0x00}, 0644); err != nil {
		t.Fatal(err)
	}
	c, err := Open(path, Key{})
	if err == nil {
		t.Errorf("Open() of a corrupt file succeeded")
	}
	if c == nil {
		t.Fatalf("Open() returned no cache")
	}
	c.Store("FOV", 1)
	if err := c.Save(); err != nil {
		t.Errorf("Save() error: %v", err)
	}
}

func TestMarshalDeterministic(t *testing.T) {
	a := &file{Offsets: map[string]uint64{"a": 1, "b": 2, "c": 3, "d": 4}}
	first, err := Marshal(a)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		again, _ := Marshal(a)
		if string(again) != string(first) {
			t.Fatalf("Marshal() is not deterministic")
		}
	}
}

package scancache

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

// Key identifies one build of the host executable.
type Key struct {
	Timestamp   uint32 `msgpack:"timestamp"`
	SizeOfImage uint32 `msgpack:"size_of_image"`
}

type file struct {
	Key     Key               `msgpack:"key"`
	Offsets map[string]uint64 `msgpack:"offsets"`
}

// Cache remembers signature offsets (relative to the module base) per build.
// Offsets of a different build are discarded on Open.
type Cache struct {
	mu      sync.Mutex
	path    string
	key     Key
	offsets map[string]uint64
	dirty   bool
}

// Open loads the cache at path for key. A missing or unreadable file gives an
// empty cache.
func Open(path string, key Key) (*Cache, error) {
	c := &Cache{path: path, key: key, offsets: make(map[string]uint64)}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return c, nil
		}
		return c, fmt.Errorf("could not read scan cache: %w", err)
	}

	var f file
	if err := Unmarshal(data, &f); err != nil {
		return c, fmt.Errorf("could not decode scan cache: %w", err)
	}
	if f.Key == key && f.Offsets != nil {
		c.offsets = f.Offsets
	}
	return c, nil
}

func (c *Cache) Lookup(name string) (uintptr, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	off, ok := c.offsets[name]
	return uintptr(off), ok
}

func (c *Cache) Store(name string, rva uintptr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.offsets[name]; ok && old == uint64(rva) {
		return
	}
	c.offsets[name] = uint64(rva)
	c.dirty = true
}

// Save writes the cache if anything changed since Open.
func (c *Cache) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.dirty {
		return nil
	}
	data, err := Marshal(&file{Key: c.key, Offsets: c.offsets})
	if err != nil {
		return err
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("could not write scan cache: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return fmt.Errorf("could not write scan cache: %w", err)
	}
	c.dirty = false
	return nil
}

// Marshal encodes v with map keys sorted, so equal caches encode to equal bytes.
func Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func Unmarshal(data []byte, v interface{}) error {
	return msgpack.Unmarshal(data, v)
}

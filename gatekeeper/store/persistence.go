package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/smell-of-curry/gatekeeper/gatekeeper/internal"
)

// Persistence loads and saves named JSON documents. A Save either fully
// succeeds or returns an error.
type Persistence interface {
	// Load decodes the document into v. found is false when it does not exist.
	Load(name string, v any) (found bool, err error)
	Save(name string, v any) error
}

// FilePersistence stores each document as <dir>/<name>.
type FilePersistence struct {
	dir string
}

// NewFilePersistence creates dir if needed.
func NewFilePersistence(dir string) (*FilePersistence, error) {
	if err := os.MkdirAll(dir, internal.DirectoryPermissions); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	return &FilePersistence{dir: dir}, nil
}

// Load ...
func (p *FilePersistence) Load(name string, v any) (bool, error) {
	f, err := os.Open(filepath.Join(p.dir, name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()

	if err = json.NewDecoder(f).Decode(v); err != nil {
		return false, fmt.Errorf("decode %s: %w", name, err)
	}
	return true, nil
}

// Save ...
func (p *FilePersistence) Save(name string, v any) error {
	return writeJSONFile(filepath.Join(p.dir, name), v)
}

// writeJSONFile writes through a temporary file so readers never observe a
// partial document.
func writeJSONFile(path string, v any) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	err = enc.Encode(v)
	cerr := f.Close()
	if err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// RedisPersistence stores each document under <prefix>:<name>. A trailing
// colon on the prefix is ignored.
type RedisPersistence struct {
	client *redis.Client
	prefix string
}

// NewRedisPersistence connects to addr and pings it.
func NewRedisPersistence(ctx context.Context, addr, prefix string) (*RedisPersistence, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(ctx, internal.DefaultTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisPersistence{client: client, prefix: prefix}, nil
}

func (p *RedisPersistence) key(name string) string {
	return strings.TrimSuffix(p.prefix, ":") + ":" + name
}

// Load ...
func (p *RedisPersistence) Load(name string, v any) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), internal.DefaultTimeout)
	defer cancel()

	raw, err := p.client.Get(ctx, p.key(name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err = json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", name, err)
	}
	return true, nil
}

// Save ...
func (p *RedisPersistence) Save(name string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), internal.DefaultTimeout)
	defer cancel()
	return p.client.Set(ctx, p.key(name), raw, 0).Err()
}

// Close ...
func (p *RedisPersistence) Close() error {
	return p.client.Close()
}

// MemoryPersistence keeps documents as encoded JSON in memory.
type MemoryPersistence struct {
	mu   sync.Mutex
	docs map[string][]byte
	// Fail, when set, is returned by every Save.
	Fail error
}

// NewMemoryPersistence ...
func NewMemoryPersistence() *MemoryPersistence {
	return &MemoryPersistence{docs: make(map[string][]byte)}
}

// Load ...
func (p *MemoryPersistence) Load(name string, v any) (bool, error) {
	p.mu.Lock()
	raw, ok := p.docs[name]
	p.mu.Unlock()
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, v)
}

// Save ...
func (p *MemoryPersistence) Save(name string, v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Fail != nil {
		return p.Fail
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	p.docs[name] = raw
	return nil
}

// Raw returns the encoded document stored under name.
func (p *MemoryPersistence) Raw(name string) ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	raw, ok := p.docs[name]
	return raw, ok
}

// Documents returns a copy of every stored document.
func (p *MemoryPersistence) Documents() map[string][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return maps.Clone(p.docs)
}

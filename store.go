package zarr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const (
	MemoryStoreType    = "MemoryStore"
	LocalStoreType     = "LocalStore"
	DirectoryStoreType = "DirectoryStore"
	PackedStoreType    = "PackedStore"
)

// Store is a read-only key/value view of a chunked array store. Keys are
// slash separated logical paths with no leading slash.
type Store interface {
	// Get returns the bytes stored at key, or the rng sub-range of them.
	// Absent keys yield an error wrapping ErrNotFound.
	Get(ctx context.Context, key string, rng *ByteRange) ([]byte, error)
	// Keys lists the keys the store knows about without network access.
	Keys() []string
	Type() string
}

// metadataSource is implemented by stores that can answer some metadata reads
// locally. handled is false when the key must be read with Get.
type metadataSource interface {
	Metadata(key string) (doc Value, found, handled bool)
}

// MemoryStore keeps objects in memory, keyed by URL or path. It counts the
// fetches it serves.
type MemoryStore struct {
	lk       sync.Mutex
	data     map[string][]byte
	requests map[string]int
}

var _ Fetcher = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data:     map[string][]byte{},
		requests: map[string]int{},
	}
}

func (s *MemoryStore) Type() string { return MemoryStoreType }

func memoryKey(u string) string {
	return strings.TrimPrefix(u, "mem://")
}

func (s *MemoryStore) Fetch(ctx context.Context, u string, rng *ByteRange) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := memoryKey(u)
	s.lk.Lock()
	defer s.lk.Unlock()
	s.requests[key]++
	d, ok := s.data[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, u)
	}
	out := sliceRange(d, rng)
	return append([]byte(nil), out...), nil
}

func (s *MemoryStore) Put(key string, val io.Reader) error {
	d, err := io.ReadAll(val)
	if err != nil {
		return err
	}

	s.lk.Lock()
	defer s.lk.Unlock()
	s.data[memoryKey(key)] = d

	return nil
}

// Requests returns how many fetches were served for key, absent or not.
func (s *MemoryStore) Requests(key string) int {
	s.lk.Lock()
	defer s.lk.Unlock()
	return s.requests[memoryKey(key)]
}

// TotalRequests returns the number of fetches served.
func (s *MemoryStore) TotalRequests() int {
	s.lk.Lock()
	defer s.lk.Unlock()
	n := 0
	for _, c := range s.requests {
		n += c
	}
	return n
}

// LocalStore reads file:// URLs and bare paths from the local filesystem.
// Relative paths resolve against base.
type LocalStore struct {
	base string
}

var _ Fetcher = (*LocalStore)(nil)

func NewLocalStore(base string) (*LocalStore, error) {
	base, err := filepath.Abs(base)
	if err != nil {
		return nil, err
	}
	return &LocalStore{
		base: base,
	}, nil
}

func (s *LocalStore) Type() string { return LocalStoreType }

func (s *LocalStore) path(u string) string {
	p := filepath.FromSlash(strings.TrimPrefix(u, "file://"))
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(s.base, p)
}

func (s *LocalStore) Fetch(ctx context.Context, u string, rng *ByteRange) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(s.path(u))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, u)
		}
		return nil, err
	}
	defer f.Close()

	if rng == nil {
		return io.ReadAll(f)
	}
	buf := make([]byte, rng.Len())
	n, err := f.ReadAt(buf, rng.Start)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return buf[:n], nil
}

package zarr

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/sync/singleflight"
)

// ReadOptions selects what a cached read returns: the whole object, a byte
// range of it, or the object decoded as an array chunk.
type ReadOptions struct {
	Range  *ByteRange
	Decode bool
	// Array is the path of the array a decoded chunk belongs to. Empty is the
	// root array.
	Array string
}

func (o ReadOptions) validate(key string) error {
	if o.Range == nil {
		return nil
	}
	if o.Decode {
		return fmt.Errorf("cannot decode %q and read a byte range of it at the same time", key)
	}
	if o.Range.Start < 0 || o.Range.End < o.Range.Start {
		return fmt.Errorf("invalid byte range %s for %q", o.Range, key)
	}
	return nil
}

// cacheKey identifies a read as "path|decode|start|end".
func cacheKey(key string, o ReadOptions) string {
	var b strings.Builder
	b.WriteString(key)
	b.WriteByte('|')
	if o.Decode {
		b.WriteString("decode")
		if o.Array != "" {
			b.WriteString(":" + o.Array)
		}
	}
	b.WriteByte('|')
	if o.Range != nil {
		b.WriteString(strconv.FormatInt(o.Range.Start, 10))
	}
	b.WriteByte('|')
	if o.Range != nil {
		b.WriteString(strconv.FormatInt(o.Range.End, 10))
	}
	return b.String()
}

type cacheEntry struct {
	content interface{}
	found   bool
}

func (e cacheEntry) result(key string) (interface{}, error) {
	if !e.found {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return e.content, nil
}

// Cache memoizes reads from a Store for its lifetime. Entries are written
// once and never evicted. Concurrent identical reads share a single store
// access. Failed reads other than ErrNotFound are not cached.
type Cache struct {
	url     string
	store   Store
	remote  RemoteCache
	logger  log.Logger
	metrics *Metrics

	mu       sync.Mutex
	entries  map[string]cacheEntry
	arrays   map[string]*ArrayMeta
	inflight singleflight.Group
}

// NewCache wraps store. url identifies the store in shared cache keys.
func NewCache(url string, store Store, opts ...Option) *Cache {
	o := resolveOptions(opts)
	return &Cache{
		url:     url,
		store:   store,
		remote:  o.remote,
		logger:  o.logger,
		metrics: o.metrics,
		entries: map[string]cacheEntry{},
		arrays:  map[string]*ArrayMeta{},
	}
}

func (c *Cache) lookup(ck string) (cacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[ck]
	return e, ok
}

func (c *Cache) put(ck string, e cacheEntry) cacheEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.entries[ck]; ok {
		return prev
	}
	c.entries[ck] = e
	return e
}

// Len returns the number of resolved entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Read returns []byte for plain and ranged reads, or *TypedArray when
// o.Decode is set. Returned buffers are shared and must not be modified.
func (c *Cache) Read(ctx context.Context, key string, o ReadOptions) (interface{}, error) {
	key = strings.TrimPrefix(key, "/")
	if err := o.validate(key); err != nil {
		return nil, err
	}
	if o.Range != nil && o.Range.Len() == 0 {
		return []byte{}, nil
	}

	ck := cacheKey(key, o)
	if e, ok := c.lookup(ck); ok {
		c.metrics.CacheHits.Inc()
		return e.result(key)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// the shared read is not bound to the cancellation of the caller that
	// started it; each caller stops waiting on its own context
	detached := context.WithoutCancel(ctx)
	ch := c.inflight.DoChan(ck, func() (interface{}, error) {
		if e, ok := c.lookup(ck); ok {
			return e, nil
		}
		c.metrics.CacheMisses.Inc()
		content, err := c.fetch(detached, key, o)
		switch {
		case errors.Is(err, ErrNotFound):
			c.metrics.NotFound.Inc()
			return c.put(ck, cacheEntry{}), nil
		case err != nil:
			return nil, err
		}
		return c.put(ck, cacheEntry{content: content, found: true}), nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Shared {
			c.metrics.SharedReads.Inc()
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(cacheEntry).result(key)
	}
}

// ReadBinary returns the bytes at key, or the rng sub-range of them.
func (c *Cache) ReadBinary(ctx context.Context, key string, rng *ByteRange) ([]byte, error) {
	v, err := c.Read(ctx, key, ReadOptions{Range: rng})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// ReadChunk returns the decoded chunk at key, described by the .zarray
// document of the array at arrayPath.
func (c *Cache) ReadChunk(ctx context.Context, arrayPath, key string) (*TypedArray, error) {
	v, err := c.Read(ctx, key, ReadOptions{Decode: true, Array: strings.Trim(arrayPath, "/")})
	if err != nil {
		return nil, err
	}
	return v.(*TypedArray), nil
}

// ReadJSON returns the parsed document at key. Stores holding consolidated
// metadata answer without a fetch.
func (c *Cache) ReadJSON(ctx context.Context, key string) (Value, error) {
	key = strings.TrimPrefix(key, "/")
	if src, ok := c.store.(metadataSource); ok {
		if doc, found, handled := src.Metadata(key); handled {
			if !found {
				return Value{}, fmt.Errorf("%w: %s", ErrNotFound, key)
			}
			return doc, nil
		}
	}
	data, err := c.ReadBinary(ctx, key, nil)
	if err != nil {
		return Value{}, err
	}
	v, err := ParseValue(data)
	if err != nil {
		level.Warn(c.logger).Log("msg", "failed to parse JSON document", "key", key, "err", err)
		return Value{}, &MalformedMetadataError{Path: key, Err: err}
	}
	return v, nil
}

// ArrayMeta returns the validated .zarray document of the array at
// arrayPath.
func (c *Cache) ArrayMeta(ctx context.Context, arrayPath string) (*ArrayMeta, error) {
	c.mu.Lock()
	m, ok := c.arrays[arrayPath]
	c.mu.Unlock()
	if ok {
		return m, nil
	}

	key := metaKey(arrayPath, MTArray)
	doc, err := c.ReadJSON(ctx, key)
	if err != nil {
		return nil, err
	}
	if m, err = ParseArrayMeta(key, doc); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.arrays[arrayPath]; ok {
		return prev, nil
	}
	c.arrays[arrayPath] = m
	return m, nil
}

func (c *Cache) fetch(ctx context.Context, key string, o ReadOptions) (interface{}, error) {
	raw, err := c.raw(ctx, key, o.Range)
	if err != nil || !o.Decode {
		return raw, err
	}

	meta, err := c.ArrayMeta(ctx, o.Array)
	if errors.Is(err, ErrNotFound) {
		return nil, malformed(key, "no %s for chunk", MTArray)
	}
	if err != nil {
		return nil, err
	}
	arr, err := DecodeChunk(key, raw, meta)
	if err != nil {
		c.metrics.DecodeFailures.Inc()
		return nil, err
	}
	return arr, nil
}

// raw reads from the store, consulting the shared remote cache first when one
// is configured. Remote cache failures only cost the shortcut.
func (c *Cache) raw(ctx context.Context, key string, rng *ByteRange) ([]byte, error) {
	if c.remote == nil {
		return c.store.Get(ctx, key, rng)
	}

	rk := remoteKey(c.url, cacheKey(key, ReadOptions{Range: rng}))
	data, ok, err := c.remote.Get(ctx, rk)
	switch {
	case err != nil:
		level.Warn(c.logger).Log("msg", "remote cache read failed", "key", key, "err", err)
	case ok:
		c.metrics.RemoteHits.Inc()
		return data, nil
	}

	data, err = c.store.Get(ctx, key, rng)
	if err != nil {
		return nil, err
	}
	if err := c.remote.Set(ctx, rk, data); err != nil {
		level.Warn(c.logger).Log("msg", "remote cache write failed", "key", key, "err", err)
	}
	return data, nil
}

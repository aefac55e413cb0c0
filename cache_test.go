package zarr

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

// fakeStore serves objects from a map, counting Gets per key. A non-nil gate
// blocks every Get until it is closed.
type fakeStore struct {
	mu   sync.Mutex
	data map[string][]byte
	errs map[string]error
	gets map[string]int
	gate chan struct{}
}

func newFakeStore(data map[string][]byte) *fakeStore {
	return &fakeStore{data: data, errs: map[string]error{}, gets: map[string]int{}}
}

func (s *fakeStore) Get(ctx context.Context, key string, rng *ByteRange) ([]byte, error) {
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets[key]++
	if err := s.errs[key]; err != nil {
		return nil, err
	}
	d, ok := s.data[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return sliceRange(d, rng), nil
}

func (s *fakeStore) Keys() []string { return nil }
func (s *fakeStore) Type() string   { return "FakeStore" }

func (s *fakeStore) Gets(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gets[key]
}

func (s *fakeStore) setErr(key string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs[key] = err
}

func TestReadOptionsValidate(t *testing.T) {
	require.NoError(t, ReadOptions{}.validate("k"))
	require.NoError(t, ReadOptions{Decode: true}.validate("k"))
	require.NoError(t, ReadOptions{Range: &ByteRange{Start: 2, End: 2}}.validate("k"))
	require.Error(t, ReadOptions{Range: &ByteRange{Start: 0, End: 2}, Decode: true}.validate("k"))
	require.Error(t, ReadOptions{Range: &ByteRange{Start: -1, End: 2}}.validate("k"))
	require.Error(t, ReadOptions{Range: &ByteRange{Start: 3, End: 2}}.validate("k"))
}

func TestCacheKey(t *testing.T) {
	require.Equal(t, "a/0|||", cacheKey("a/0", ReadOptions{}))
	require.Equal(t, "a/0|decode||", cacheKey("a/0", ReadOptions{Decode: true}))
	require.Equal(t, "a/0/1|decode:a||", cacheKey("a/0/1", ReadOptions{Decode: true, Array: "a"}))
	require.Equal(t, "a/0||2|5", cacheKey("a/0", ReadOptions{Range: &ByteRange{Start: 2, End: 5}}))
}

func TestCacheRead(t *testing.T) {
	store := newFakeStore(map[string][]byte{"obj": []byte("0123456789")})
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	c := NewCache("fake://", store, WithMetrics(m))
	ctx := context.Background()

	data, err := c.ReadBinary(ctx, "obj", &ByteRange{Start: 4, End: 4})
	require.NoError(t, err)
	require.Empty(t, data)
	require.Zero(t, store.Gets("obj"))

	for i := 0; i < 3; i++ {
		data, err = c.ReadBinary(ctx, "/obj", nil)
		require.NoError(t, err)
		require.Equal(t, []byte("0123456789"), data)
	}
	require.Equal(t, 1, store.Gets("obj"))

	data, err = c.ReadBinary(ctx, "obj", &ByteRange{Start: 1, End: 3})
	require.NoError(t, err)
	require.Equal(t, []byte("12"), data)
	require.Equal(t, 2, store.Gets("obj"))

	for i := 0; i < 2; i++ {
		_, err = c.ReadBinary(ctx, "missing", nil)
		require.ErrorIs(t, err, ErrNotFound)
	}
	require.Equal(t, 1, store.Gets("missing"))

	_, err = c.Read(ctx, "obj", ReadOptions{Range: &ByteRange{Start: 1, End: 3}, Decode: true})
	require.Error(t, err)

	require.Equal(t, 3, c.Len())
	require.Equal(t, float64(3), testutil.ToFloat64(m.CacheHits))
	require.Equal(t, float64(3), testutil.ToFloat64(m.CacheMisses))
	require.Equal(t, float64(1), testutil.ToFloat64(m.NotFound))
}

func TestCacheErrorsNotCached(t *testing.T) {
	store := newFakeStore(map[string][]byte{"obj": []byte("x")})
	boom := errors.New("connection reset")
	store.setErr("obj", boom)
	c := NewCache("fake://", store)
	ctx := context.Background()

	_, err := c.ReadBinary(ctx, "obj", nil)
	require.ErrorIs(t, err, boom)

	store.setErr("obj", nil)
	data, err := c.ReadBinary(ctx, "obj", nil)
	require.NoError(t, err)
	require.Equal(t, []byte("x"), data)
	require.Equal(t, 2, store.Gets("obj"))
}

func TestCacheConcurrentReads(t *testing.T) {
	store := newFakeStore(map[string][]byte{"obj": []byte("shared")})
	store.gate = make(chan struct{})
	c := NewCache("fake://", store)

	const n = 20
	var wg sync.WaitGroup
	results := make([][]byte, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.ReadBinary(context.Background(), "obj", nil)
		}(i)
	}
	close(store.gate)
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, []byte("shared"), results[i])
	}
	require.Equal(t, 1, store.Gets("obj"))
}

// blockingStore holds every Get until release is closed or the Get's own
// context ends.
type blockingStore struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *blockingStore) Get(ctx context.Context, key string, rng *ByteRange) ([]byte, error) {
	s.once.Do(func() { close(s.started) })
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.release:
		return []byte("value of " + key), nil
	}
}

func (s *blockingStore) Keys() []string { return nil }
func (s *blockingStore) Type() string   { return "BlockingStore" }

func TestCacheCancelDoesNotFailJoinedReads(t *testing.T) {
	store := &blockingStore{started: make(chan struct{}), release: make(chan struct{})}
	c := NewCache("fake://", store)

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := c.ReadBinary(ctxA, "k", nil)
		errA <- err
	}()
	<-store.started

	type result struct {
		data []byte
		err  error
	}
	resB := make(chan result, 1)
	go func() {
		data, err := c.ReadBinary(context.Background(), "k", nil)
		resB <- result{data, err}
	}()

	cancelA()
	require.ErrorIs(t, <-errA, context.Canceled)

	close(store.release)
	b := <-resB
	require.NoError(t, b.err)
	require.Equal(t, []byte("value of k"), b.data)

	data, err := c.ReadBinary(context.Background(), "k", nil)
	require.NoError(t, err)
	require.Equal(t, []byte("value of k"), data)
}

func TestCacheReadChunk(t *testing.T) {
	store := newFakeStore(map[string][]byte{
		"grp/ramp/.zarray": []byte(fixtureMeta["grp/ramp/.zarray"]),
		"grp/ramp/2":       zstdBytes(t, le32(rampValues(20, 30)...)),
		"grp/ramp/3":       []byte("garbage"),
		"orphan/0":         le32(1),
		"bad/.zarray":      []byte(`{"shape": [`),
		"bad/0":            le32(1),
	})
	c := NewCache("fake://", store)
	ctx := context.Background()

	arr, err := c.ReadChunk(ctx, "grp/ramp", "grp/ramp/2")
	require.NoError(t, err)
	require.Equal(t, rampValues(20, 30), arr.Data)

	again, err := c.ReadChunk(ctx, "grp/ramp", "grp/ramp/2")
	require.NoError(t, err)
	require.Same(t, arr, again)
	require.Equal(t, 1, store.Gets("grp/ramp/.zarray"))

	_, err = c.ReadChunk(ctx, "grp/ramp", "grp/ramp/3")
	var de *DecodeError
	require.True(t, errors.As(err, &de))

	_, err = c.ReadChunk(ctx, "grp/ramp", "grp/ramp/9")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = c.ReadChunk(ctx, "orphan", "orphan/0")
	var mm *MalformedMetadataError
	require.True(t, errors.As(err, &mm), "got %v", err)

	_, err = c.ReadChunk(ctx, "bad", "bad/0")
	require.True(t, errors.As(err, &mm), "got %v", err)
	require.Equal(t, "bad/.zarray", mm.Path)

	// the array is named explicitly, so nested chunk keys resolve to it
	store.data["nested/.zarray"] = []byte(`{"zarr_format": 2, "shape": [2, 2], "chunks": [1, 2], "dtype": "<i4", "compressor": null, "fill_value": 0, "order": "C", "filters": null, "dimension_separator": "/"}`)
	store.data["nested/1/0"] = le32(7, 8)
	arr, err = c.ReadChunk(ctx, "/nested", "nested/1/0")
	require.NoError(t, err)
	require.Equal(t, []int32{7, 8}, arr.Data)
	require.Zero(t, store.Gets("nested/1/.zarray"))

	m1, err := c.ArrayMeta(ctx, "grp/ramp")
	require.NoError(t, err)
	m2, err := c.ArrayMeta(ctx, "grp/ramp")
	require.NoError(t, err)
	require.Same(t, m1, m2)
}

// memRemote is an in-memory RemoteCache.
type memRemote struct {
	mu      sync.Mutex
	data    map[string][]byte
	failGet bool
}

func (r *memRemote) Get(ctx context.Context, key string) ([]byte, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failGet {
		return nil, false, errors.New("remote unavailable")
	}
	d, ok := r.data[key]
	return d, ok, nil
}

func (r *memRemote) Set(ctx context.Context, key string, val []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data[key] = val
	return nil
}

func TestCacheRemote(t *testing.T) {
	store := newFakeStore(map[string][]byte{"obj": []byte("payload")})
	remote := &memRemote{data: map[string][]byte{}}
	ctx := context.Background()

	first := NewCache("https://h/s.zarr", store, WithRemoteCache(remote))
	data, err := first.ReadBinary(ctx, "obj", nil)
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), data)
	require.Len(t, remote.data, 1)
	require.Contains(t, remote.data, remoteKey("https://h/s.zarr", "obj|||"))

	m := NewMetrics(prometheus.NewRegistry())
	second := NewCache("https://h/s.zarr", store, WithRemoteCache(remote), WithMetrics(m))
	data, err = second.ReadBinary(ctx, "obj", nil)
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), data)
	require.Equal(t, 1, store.Gets("obj"))
	require.Equal(t, float64(1), testutil.ToFloat64(m.RemoteHits))

	_, err = second.ReadBinary(ctx, "missing", nil)
	require.ErrorIs(t, err, ErrNotFound)
	require.Len(t, remote.data, 1)

	remote.failGet = true
	third := NewCache("https://h/s.zarr", store, WithRemoteCache(remote))
	data, err = third.ReadBinary(ctx, "obj", nil)
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), data)
	require.Equal(t, 2, store.Gets("obj"))
}

func TestRemoteKey(t *testing.T) {
	a := remoteKey("https://h/a.zarr", "k|||")
	require.Len(t, a, 64)
	require.Equal(t, a, remoteKey("https://h/a.zarr", "k|||"))
	require.NotEqual(t, a, remoteKey("https://h/b.zarr", "k|||"))
}

package zarr

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRegistryOpensOnce(t *testing.T) {
	var opens int32
	release := make(chan struct{})
	r := NewRegistry(func(ctx context.Context, url string) (*File, error) {
		atomic.AddInt32(&opens, 1)
		<-release
		return NewFile(url, newFakeStore(nil)), nil
	})

	const n = 10
	files := make([]*File, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			files[i], errs[i] = r.Open(context.Background(), "https://h/a.zarr")
		}(i)
	}
	time.Sleep(10 * time.Millisecond)
	close(release)
	wg.Wait()

	require.Equal(t, int32(1), atomic.LoadInt32(&opens))
	for i, f := range files {
		require.NoError(t, errs[i])
		require.Same(t, files[0], f)
	}
	require.Equal(t, 1, r.Len())

	other, err := r.Open(context.Background(), "https://h/b.zarr")
	require.NoError(t, err)
	require.NotSame(t, files[0], other)
	require.Equal(t, 2, r.Len())
}

func TestRegistryRetriesFailures(t *testing.T) {
	calls := 0
	r := NewRegistry(func(ctx context.Context, url string) (*File, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("temporarily unavailable")
		}
		return NewFile(url, newFakeStore(nil)), nil
	})

	_, err := r.Open(context.Background(), "https://h/a.zarr")
	require.Error(t, err)
	require.Zero(t, r.Len())

	f, err := r.Open(context.Background(), "https://h/a.zarr")
	require.NoError(t, err)
	require.Equal(t, "https://h/a.zarr", f.URL())
	require.Equal(t, 2, calls)
}

func TestRegistryDefaultOpener(t *testing.T) {
	srv := newTestServer(t, directoryFixture(t, true))
	r := NewRegistry(nil)
	f, err := r.Open(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Equal(t, DirectoryStoreType, f.Store().Type())

	again, err := r.Open(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Same(t, f, again)
	require.Equal(t, 1, srv.Hits(".zmetadata"))
}

func TestRegistryCancelDoesNotFailJoinedOpens(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	r := NewRegistry(func(ctx context.Context, url string) (*File, error) {
		close(started)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-release:
			return NewFile(url, newFakeStore(nil)), nil
		}
	})

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := r.Open(ctxA, "https://h/a.zarr")
		errA <- err
	}()
	<-started

	type result struct {
		f   *File
		err error
	}
	resB := make(chan result, 1)
	go func() {
		f, err := r.Open(context.Background(), "https://h/a.zarr")
		resB <- result{f, err}
	}()

	cancelA()
	require.ErrorIs(t, <-errA, context.Canceled)

	close(release)
	b := <-resB
	require.NoError(t, b.err)
	require.Equal(t, "https://h/a.zarr", b.f.URL())
	require.Equal(t, 1, r.Len())
}

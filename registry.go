package zarr

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Opener constructs a File for a store URL.
type Opener func(ctx context.Context, url string) (*File, error)

// Registry memoizes Files by URL. Concurrent first requests for a URL share
// a single construction. Failed constructions are not remembered, so a later
// request tries again.
type Registry struct {
	open Opener

	mu       sync.Mutex
	files    map[string]*File
	inflight singleflight.Group
}

// NewRegistry returns a registry constructing files with open. A nil open
// uses Open with opts.
func NewRegistry(open Opener, opts ...Option) *Registry {
	if open == nil {
		open = func(ctx context.Context, url string) (*File, error) {
			return Open(ctx, url, opts...)
		}
	}
	return &Registry{
		open:  open,
		files: map[string]*File{},
	}
}

func (r *Registry) lookup(url string) (*File, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.files[url]
	return f, ok
}

// Open returns the File for url, constructing it on first use. A caller
// whose ctx ends stops waiting without failing others sharing the open.
func (r *Registry) Open(ctx context.Context, url string) (*File, error) {
	if f, ok := r.lookup(url); ok {
		return f, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	detached := context.WithoutCancel(ctx)
	ch := r.inflight.DoChan(url, func() (interface{}, error) {
		if f, ok := r.lookup(url); ok {
			return f, nil
		}
		f, err := r.open(detached, url)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.files[url] = f
		r.mu.Unlock()
		return f, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*File), nil
	}
}

// Len returns the number of memoized files.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.files)
}

// Package zarr reads zarr v2 stores published remotely, either as a
// directory of small objects or as a single packed reference filesystem
// blob. Callers browse groups and datasets and request rectangular slices of
// dataset data without downloading whole arrays.
package zarr

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

const (
	// Version is the zarr storage format version this library reads.
	Version = 2
)

// File is a read-only client for one store. It is safe for concurrent use.
// Group and dataset views and every read are memoized for its lifetime.
type File struct {
	url     string
	store   Store
	cache   *Cache
	index   *Index
	logger  log.Logger
	metrics *Metrics

	mu       sync.Mutex
	groups   map[string]*Group
	datasets map[string]*Dataset
}

// Open opens the store at url, choosing the packed encoding for .json, .tar
// and .lindi blobs and the directory encoding otherwise.
func Open(ctx context.Context, url string, opts ...Option) (*File, error) {
	if IsPackedURL(url) {
		return OpenPacked(ctx, url, opts...)
	}
	return OpenDirectory(ctx, url, opts...)
}

// IsPackedURL reports whether url names a packed reference filesystem blob.
func IsPackedURL(url string) bool {
	if i := strings.IndexAny(url, "?#"); i >= 0 {
		url = url[:i]
	}
	for _, ext := range []string{".json", ".tar", ".lindi"} {
		if strings.HasSuffix(url, ext) {
			return true
		}
	}
	return false
}

// OpenDirectory opens a directory encoded store rooted at url.
func OpenDirectory(ctx context.Context, url string, opts ...Option) (*File, error) {
	s, err := OpenDirectoryStore(ctx, url, opts...)
	if err != nil {
		return nil, err
	}
	return NewFile(url, s, opts...), nil
}

// OpenPacked opens the packed store blob at url.
func OpenPacked(ctx context.Context, url string, opts ...Option) (*File, error) {
	s, err := OpenPackedStore(ctx, url, opts...)
	if err != nil {
		return nil, err
	}
	return NewFile(url, s, opts...), nil
}

// NewFile wraps an already opened store, indexing the keys it lists.
func NewFile(url string, store Store, opts ...Option) *File {
	o := resolveOptions(opts)
	f := &File{
		url:      url,
		store:    store,
		cache:    NewCache(url, store, opts...),
		index:    NewIndex(store.Keys()),
		logger:   log.With(o.logger, "file", url),
		metrics:  o.metrics,
		groups:   map[string]*Group{},
		datasets: map[string]*Dataset{},
	}
	level.Debug(f.logger).Log("msg", "opened store", "type", store.Type(), "nodes", f.index.Len())
	return f
}

func (f *File) URL() string    { return f.url }
func (f *File) Store() Store   { return f.store }
func (f *File) Cache() *Cache  { return f.cache }
func (f *File) Index() *Index  { return f.index }
func (f *File) String() string { return fmt.Sprintf("<zarr.File %s %s>", f.store.Type(), f.url) }

// readOptional reads a JSON document, reporting absence through found.
// Documents found by fetching are added to the index.
func (f *File) readOptional(ctx context.Context, key string) (doc Value, found bool, err error) {
	doc, err = f.cache.ReadJSON(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return Value{}, false, nil
	}
	if err != nil {
		return Value{}, false, err
	}
	f.index.Add(key)
	return doc, true, nil
}

func (f *File) readAttrs(ctx context.Context, node string) (Attributes, error) {
	doc, _, err := f.readOptional(ctx, metaKey(node, MTAttributes))
	if err != nil {
		return nil, err
	}
	return attributesFrom(doc), nil
}

// Group is a node holding attributes and child groups and datasets.
type Group struct {
	Path      string
	Attrs     Attributes
	Subgroups []Subgroup
	Datasets  []*Dataset
	file      *File
}

// Subgroup describes a child group without loading its children.
type Subgroup struct {
	Name  string
	Path  string
	Attrs Attributes
}

// Dataset describes an array node.
type Dataset struct {
	Name  string
	Path  string
	Shape []int
	Dtype string
	Attrs Attributes
	file  *File
}

// Group returns the group at path, or an error wrapping ErrNotFound when no
// .zgroup document exists there. "" and "/" both name the root.
func (f *File) Group(ctx context.Context, path string) (*Group, error) {
	node := NewPath(path).String()
	f.metrics.Calls.WithLabelValues(opGroup).Inc()

	f.mu.Lock()
	g, ok := f.groups[node]
	f.mu.Unlock()
	if ok {
		return g, nil
	}

	_, found, err := f.readOptional(ctx, metaKey(node, MTGroup))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: group %q", ErrNotFound, "/"+node)
	}
	attrs, err := f.readAttrs(ctx, node)
	if err != nil {
		return nil, err
	}

	g = &Group{Path: "/" + node, Attrs: attrs, file: f}
	for _, child := range f.index.Children(node) {
		_, isGroup, err := f.readOptional(ctx, metaKey(child, MTGroup))
		if err != nil {
			return nil, err
		}
		zarray, isArray, err := f.readOptional(ctx, metaKey(child, MTArray))
		if err != nil {
			return nil, err
		}
		childAttrs, err := f.readAttrs(ctx, child)
		if err != nil {
			return nil, err
		}

		switch {
		case isGroup:
			g.Subgroups = append(g.Subgroups, Subgroup{
				Name:  NewPath(child).Name(),
				Path:  "/" + child,
				Attrs: childAttrs,
			})
		case isArray:
			ds, ok := f.newDataset(child, zarray, childAttrs)
			if !ok {
				level.Warn(f.logger).Log("msg", "skipping array without shape or dtype", "path", child)
				continue
			}
			g.Datasets = append(g.Datasets, ds)
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if prev, ok := f.groups[node]; ok {
		return prev, nil
	}
	f.groups[node] = g
	return g, nil
}

// newDataset builds a dataset view from a .zarray document. ok is false when
// the document lacks a usable shape or dtype.
func (f *File) newDataset(node string, zarray Value, attrs Attributes) (ds *Dataset, ok bool) {
	ds = &Dataset{
		Name:  NewPath(node).Name(),
		Path:  "/" + node,
		Attrs: attrs,
		file:  f,
	}
	ok = true
	if items, isList := zarray.Get("shape").List(); isList {
		ds.Shape = make([]int, len(items))
		for i, item := range items {
			n, isInt := item.Int()
			if !isInt {
				return ds, false
			}
			ds.Shape[i] = n
		}
	} else {
		ok = false
	}

	switch dt := zarray.Get("dtype"); dt.Kind() {
	case StringKind:
		ds.Dtype, _ = dt.Str()
	case NullKind:
		ok = false
	default:
		ds.Dtype = dt.String()
	}
	return ds, ok
}

// Dataset returns the dataset at path, or an error wrapping ErrNotFound when
// no .zarray document exists there. Missing attributes default to empty.
func (f *File) Dataset(ctx context.Context, path string) (*Dataset, error) {
	node := NewPath(path).String()
	f.metrics.Calls.WithLabelValues(opDataset).Inc()

	f.mu.Lock()
	ds, ok := f.datasets[node]
	f.mu.Unlock()
	if ok {
		return ds, nil
	}

	zarray, found, err := f.readOptional(ctx, metaKey(node, MTArray))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: dataset %q", ErrNotFound, "/"+node)
	}
	attrs, err := f.readAttrs(ctx, node)
	if err != nil {
		return nil, err
	}
	ds, _ = f.newDataset(node, zarray, attrs)

	f.mu.Lock()
	defer f.mu.Unlock()
	if prev, ok := f.datasets[node]; ok {
		return prev, nil
	}
	f.datasets[node] = ds
	return ds, nil
}

// DataOptions selects the part of a dataset to read.
type DataOptions struct {
	// Slice bounds the first len(Slice) axes. Remaining axes are read whole.
	Slice []Bound
	// PreserveWideInt keeps 64-bit integer elements instead of narrowing
	// them to 32 bits.
	PreserveWideInt bool
}

// Data is the result of a dataset read: a row-major buffer over the selected
// hyperrectangle.
type Data struct {
	Dtype Dtype
	Shape []int
	// Values is the typed slice holding the elements.
	Values interface{}
	// Scalar is set when the dataset is marked as a scalar and the selection
	// holds a single element.
	Scalar bool

	arr *TypedArray
}

func (d *Data) Len() int { return d.arr.Len() }

// Value returns the bare element for scalar data and Values otherwise.
func (d *Data) Value() interface{} {
	if d.Scalar {
		return d.arr.At(0)
	}
	return d.Values
}

// Float64s returns a copy of the elements converted to float64.
func (d *Data) Float64s() []float64 {
	switch v := d.Values.(type) {
	case []uint8:
		return convert[uint8, float64](v)
	case []int8:
		return convert[int8, float64](v)
	case []int16:
		return convert[int16, float64](v)
	case []int32:
		return convert[int32, float64](v)
	case []int64:
		return convert[int64, float64](v)
	case []uint16:
		return convert[uint16, float64](v)
	case []uint32:
		return convert[uint32, float64](v)
	case []uint64:
		return convert[uint64, float64](v)
	case []float32:
		return convert[float32, float64](v)
	case []float64:
		return append([]float64(nil), v...)
	}
	return nil
}

// DatasetData reads a slice of the dataset at path. Slices with more than
// MaxSliceAxes axes or non-finite bounds are rejected before any read.
// Chunks never written hold the array's fill value. A dataset redirected to
// another store fails with ErrUnsupported.
func (f *File) DatasetData(ctx context.Context, path string, opts DataOptions) (*Data, error) {
	if err := checkBounds(path, opts.Slice); err != nil {
		return nil, err
	}
	node := NewPath(path).String()

	_, found, err := f.readOptional(ctx, metaKey(node, MTArray))
	if err != nil {
		return nil, err
	}
	if !found {
		level.Debug(f.logger).Log("msg", "no array metadata", "path", path)
		return nil, fmt.Errorf("%w: dataset %q", ErrNotFound, "/"+node)
	}
	f.metrics.Calls.WithLabelValues(opDatasetData).Inc()

	ext, found, err := f.readOptional(ctx, metaKey(node, MTExternalHDF5))
	if err != nil {
		return nil, err
	}
	if found && ext.Truthy() {
		return nil, fmt.Errorf("%w: external hdf5 dataset %q is not supported on server side", ErrUnsupported, path)
	}
	attrs, err := f.readAttrs(ctx, node)
	if err != nil {
		return nil, err
	}
	if link, ok := attrs.ExternalArrayLink(); ok {
		return nil, fmt.Errorf("%w: external array link to %s is not supported on server side", ErrUnsupported, link.URL)
	}

	meta, err := f.cache.ArrayMeta(ctx, node)
	if err != nil {
		return nil, err
	}
	sel, err := resolveSelection(path, meta, opts.Slice)
	if err != nil {
		return nil, err
	}
	asm := &sliceAssembler{path: node, meta: meta, load: f.cache.ReadChunk}
	arr, err := asm.assemble(ctx, sel)
	if err != nil {
		return nil, err
	}
	if !opts.PreserveWideInt {
		arr = arr.Narrow()
	}
	return &Data{
		Dtype:  arr.Dtype,
		Shape:  sel.shape(),
		Values: arr.Data,
		Scalar: arr.Len() == 1 && attrs.Scalar(),
		arr:    arr,
	}, nil
}

func (g *Group) File() *File { return g.file }

func (g *Group) child(name string) string {
	return NewPath(g.Path).Join(NewPath(name)...).String()
}

// Group returns the child group name, which may be a relative path.
func (g *Group) Group(ctx context.Context, name string) (*Group, error) {
	return g.file.Group(ctx, g.child(name))
}

// Dataset returns the child dataset name, which may be a relative path.
func (g *Group) Dataset(ctx context.Context, name string) (*Dataset, error) {
	return g.file.Dataset(ctx, g.child(name))
}

// DatasetData reads a slice of the child dataset name.
func (g *Group) DatasetData(ctx context.Context, name string, opts DataOptions) (*Data, error) {
	return g.file.DatasetData(ctx, g.child(name), opts)
}

// Data reads a slice of the dataset.
func (d *Dataset) Data(ctx context.Context, opts DataOptions) (*Data, error) {
	return d.file.DatasetData(ctx, d.Path, opts)
}

// Path is a normalized logical store path, split into its elements.
type Path []string

// NewPath normalizes a posix-like path: backslashes become slashes, and
// leading, trailing and repeated slashes are dropped. The root is empty.
func NewPath(posix string) Path {
	posix = strings.ReplaceAll(posix, "\\", "/")
	p := Path{}
	for _, el := range strings.Split(posix, "/") {
		if el != "" {
			p = append(p, el)
		}
	}
	return p
}

func (p Path) String() string {
	return strings.Join(p, "/")
}

// Name returns the final element, or "" for the root.
func (p Path) Name() string {
	if len(p) == 0 {
		return ""
	}
	return p[len(p)-1]
}

func (p Path) Join(elems ...string) Path {
	out := make(Path, 0, len(p)+len(elems))
	return append(append(out, p...), elems...)
}

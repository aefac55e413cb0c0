package zarr

import (
	"encoding/json"
	"fmt"
	"math"
	"path"
	"strings"
)

type MetaType string

const (
	MTAttributes   MetaType = ".zattrs"
	MTArray        MetaType = ".zarray"
	MTGroup        MetaType = ".zgroup"
	// MTMetadata holds every other document of the store in one object
	MTMetadata     MetaType = ".zmetadata"
	// MTExternalHDF5 marks a dataset redirected into an external HDF5 file
	MTExternalHDF5 MetaType = ".external_hdf5"
)

type MetaTyper interface {
	MetaType() MetaType
}

var metaTypes = map[MetaType]struct{}{
	MTAttributes: {},
	MTArray:      {},
	MTGroup:      {},
}

// KeyMetaType reports which node document a store key names. Every
// recognised document name is seven bytes long.
func KeyMetaType(s string) (mt MetaType, ok bool) {
	if len(s) < 7 {
		return mt, false
	}
	mt = MetaType(s[len(s)-7:])
	if _, ok = metaTypes[mt]; !ok {
		return mt, false
	}
	// "foo.zarray" is a chunk-like key, not metadata
	rest := s[:len(s)-7]
	return mt, rest == "" || strings.HasSuffix(rest, "/")
}

// metaKey joins a node path and a metadata document name into a store key.
func metaKey(nodePath string, mt MetaType) string {
	if nodePath == "" {
		return string(mt)
	}
	return nodePath + "/" + string(mt)
}

// ChunkRef addresses a byte range inside another file of the store.
type ChunkRef struct {
	File   string
	Offset int64
	Size   int64
}

func (r *ChunkRef) UnmarshalJSON(d []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(d, &parts); err != nil {
		return err
	}
	if len(parts) != 3 {
		return fmt.Errorf("chunk reference must have 3 elements, got %d", len(parts))
	}
	if err := json.Unmarshal(parts[0], &r.File); err != nil {
		return fmt.Errorf("chunk reference file: %w", err)
	}
	if err := json.Unmarshal(parts[1], &r.Offset); err != nil {
		return fmt.Errorf("chunk reference offset: %w", err)
	}
	if err := json.Unmarshal(parts[2], &r.Size); err != nil {
		return fmt.Errorf("chunk reference size: %w", err)
	}
	return nil
}

// ConsolidatedMetadata is the .zmetadata document of a directory store. It
// inlines every small metadata document by key. Refs optionally maps chunk
// keys into consolidated data files.
type ConsolidatedMetadata struct {
	ConsolidatedFormat int                 `json:"zarr_consolidated_format"`
	Metadata           map[string]Value    `json:"metadata"`
	Refs               map[string]ChunkRef `json:"refs,omitempty"`
}

func (ConsolidatedMetadata) MetaType() MetaType { return MTMetadata }

// ParseConsolidatedMetadata reads a .zmetadata document and checks that every
// inlined metadata document has the shape its key promises.
func ParseConsolidatedMetadata(d []byte) (*ConsolidatedMetadata, error) {
	cm := &ConsolidatedMetadata{}
	if err := json.Unmarshal(d, cm); err != nil {
		return nil, &MalformedMetadataError{Path: string(MTMetadata), Err: err}
	}
	if cm.Metadata == nil {
		return nil, malformed(string(MTMetadata), "missing metadata map")
	}
	for key, doc := range cm.Metadata {
		kt, ok := KeyMetaType(key)
		if !ok {
			return nil, malformed(string(MTMetadata), "invalid consolidated metadata key: %q", key)
		}
		switch kt {
		case MTArray, MTGroup:
			if doc.Kind() != MapKind {
				return nil, malformed(key, "expected an object, got %s", doc.Kind())
			}
		}
	}
	return cm, nil
}

// ArrayMeta is the decoded ".zarray" document of an array node.
type ArrayMeta struct {
	ZarrFormat int   `json:"zarr_format"`
	Shape      []int `json:"shape"`
	// Chunks is the shape of every chunk; edge chunks are stored padded.
	Chunks []int `json:"chunks"`
	Dtype  Dtype `json:"dtype"`
	// Compressor is nil for uncompressed chunks.
	Compressor *CompressionMeta `json:"compressor"`
	// FillValue may be null, a number, or one of the NaN/Infinity strings.
	FillValue Value `json:"fill_value"`
	// Order is "C" (last dimension fastest) or "F" (first dimension fastest).
	Order   string       `json:"order"`
	Filters []FilterMeta `json:"filters"`
	// DimensionSeparator joins chunk indices in keys. Empty means ".".
	DimensionSeparator string `json:"dimension_separator,omitempty"`
}

func (a ArrayMeta) MetaType() MetaType { return MTArray }

// ParseArrayMeta decodes and validates the .zarray document stored at key.
func ParseArrayMeta(key string, doc Value) (*ArrayMeta, error) {
	if doc.Kind() != MapKind {
		return nil, malformed(key, "expected an object, got %s", doc.Kind())
	}
	if !doc.Has("shape") {
		return nil, malformed(key, "missing shape")
	}
	if !doc.Has("dtype") {
		return nil, malformed(key, "missing dtype")
	}
	m := &ArrayMeta{}
	if err := doc.Decode(m); err != nil {
		return nil, &MalformedMetadataError{Path: key, Err: err}
	}
	if err := m.Validate(); err != nil {
		return nil, &MalformedMetadataError{Path: key, Err: err}
	}
	return m, nil
}

// Validate checks the structural invariants the read path depends on.
func (a *ArrayMeta) Validate() error {
	if len(a.Chunks) != len(a.Shape) {
		return fmt.Errorf("shape has %d dimensions but chunks has %d", len(a.Shape), len(a.Chunks))
	}
	for i, n := range a.Shape {
		if n < 0 {
			return fmt.Errorf("negative extent %d on axis %d", n, i)
		}
	}
	for i, c := range a.Chunks {
		if c <= 0 {
			return fmt.Errorf("chunk extent %d on axis %d must be positive", c, i)
		}
	}
	switch a.Order {
	case "", "C", "F":
	default:
		return fmt.Errorf("invalid order %q", a.Order)
	}
	switch a.DimensionSeparator {
	case "", ".", "/":
	default:
		return fmt.Errorf("invalid dimension_separator %q", a.DimensionSeparator)
	}
	if !a.Dtype.Numeric() {
		return fmt.Errorf("unsupported dtype %s", a.Dtype)
	}
	return nil
}

// ColumnMajor reports whether chunk elements are stored in Fortran order.
func (a *ArrayMeta) ColumnMajor() bool { return a.Order == "F" }

// ChunkLen is the number of elements in one chunk.
func (a *ArrayMeta) ChunkLen() int {
	n := 1
	for _, c := range a.Chunks {
		n *= c
	}
	return n
}

// ChunkKey returns the store key of the chunk at coords within the array at
// arrayPath. Zero-dimensional arrays keep their single chunk at "0".
func (a *ArrayMeta) ChunkKey(arrayPath string, coords []int) string {
	sep := a.DimensionSeparator
	if sep == "" {
		sep = "."
	}
	name := "0"
	if len(coords) > 0 {
		parts := make([]string, len(coords))
		for i, c := range coords {
			parts[i] = fmt.Sprint(c)
		}
		name = strings.Join(parts, sep)
	}
	if arrayPath == "" {
		return name
	}
	return path.Join(arrayPath, name)
}

// fill returns the fill value as a float64. Null fills with zero.
func (a *ArrayMeta) fill() float64 {
	switch a.FillValue.Kind() {
	case NumberKind:
		n, _ := a.FillValue.Number()
		return n
	case BoolKind:
		if b, _ := a.FillValue.Bool(); b {
			return 1
		}
	case StringKind:
		s, _ := a.FillValue.Str()
		switch s {
		case FillValueNaN:
			return math.NaN()
		case FillValueInfinity:
			return math.Inf(1)
		case FillValueNegativeInfinity:
			return math.Inf(-1)
		}
	}
	return 0
}

const (
	FillValueNaN              = "NaN"
	FillValueInfinity         = "Infinity"
	FillValueNegativeInfinity = "-Infinity"
)

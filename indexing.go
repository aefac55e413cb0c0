package zarr

import (
	"context"
	"errors"
	"fmt"
	"math"
)

// MaxSliceAxes is the largest number of explicit axis bounds one slice
// request may carry.
const MaxSliceAxes = 3

// Bound is a half-open [Start, End) interval along one axis.
type Bound struct {
	Start float64
	End   float64
}

// checkBounds rejects requests that can be refused without knowing the array.
func checkBounds(path string, bounds []Bound) error {
	if len(bounds) > MaxSliceAxes {
		return &UnsupportedSliceError{Path: path, Reason: fmt.Sprintf("cannot slice more than %d dimensions at a time, got %d", MaxSliceAxes, len(bounds))}
	}
	for i, b := range bounds {
		if !finite(b.Start) || !finite(b.End) {
			return &UnsupportedSliceError{Path: path, Reason: fmt.Sprintf("non-finite bound on axis %d", i)}
		}
	}
	return nil
}

func finite(f float64) bool { return !math.IsNaN(f) && !math.IsInf(f, 0) }

// selection is a resolved hyperrectangle over every axis of an array.
type selection struct {
	start []int
	end   []int
}

func (s selection) shape() []int {
	out := make([]int, len(s.start))
	for i := range s.start {
		out[i] = s.end[i] - s.start[i]
	}
	return out
}

// resolveSelection turns explicit bounds into integer bounds on every axis.
// Omitted trailing axes select their full range.
func resolveSelection(path string, meta *ArrayMeta, bounds []Bound) (selection, error) {
	if err := checkBounds(path, bounds); err != nil {
		return selection{}, err
	}
	if len(bounds) > len(meta.Shape) {
		return selection{}, &UnsupportedSliceError{Path: path, Reason: fmt.Sprintf("%d bounds given for a %d-dimensional array", len(bounds), len(meta.Shape))}
	}
	sel := selection{
		start: make([]int, len(meta.Shape)),
		end:   append([]int(nil), meta.Shape...),
	}
	for i, b := range bounds {
		start, end := int(math.Floor(b.Start)), int(math.Ceil(b.End))
		if start > end {
			return selection{}, &UnsupportedSliceError{Path: path, Reason: fmt.Sprintf("start %v exceeds end %v on axis %d", b.Start, b.End, i)}
		}
		if start < 0 || end > meta.Shape[i] {
			return selection{}, &UnsupportedSliceError{Path: path, Reason: fmt.Sprintf("bounds [%v,%v) outside extent %d on axis %d", b.Start, b.End, meta.Shape[i], i)}
		}
		sel.start[i], sel.end[i] = start, end
	}
	return sel, nil
}

type chunkDimProjection struct {
	// Index of chunk.
	DimChunkIX int
	// Selection of items from chunk array.
	DimChunkSel [2]int
	// Selection of items in target (output) array.
	DimOutSel [2]int
}

// A mapping of items from chunk to output array. Can be used to extract items
// from the chunk array for loading into an output array.
type chunkProjection struct {
	// Indices of chunk
	ChunkCoords []int
	// Per axis projections
	Dims []chunkDimProjection
}

// dimProjections lists, for one axis, every chunk overlapping [start, end)
// with the overlapping item ranges in chunk and output coordinates.
func dimProjections(start, end, chunk int) []chunkDimProjection {
	if start >= end {
		return nil
	}
	first, last := start/chunk, (end+chunk-1)/chunk-1
	out := make([]chunkDimProjection, 0, last-first+1)
	for ix := first; ix <= last; ix++ {
		lo, hi := max(start, ix*chunk), min(end, (ix+1)*chunk)
		out = append(out, chunkDimProjection{
			DimChunkIX:  ix,
			DimChunkSel: [2]int{lo - ix*chunk, hi - ix*chunk},
			DimOutSel:   [2]int{lo - start, hi - start},
		})
	}
	return out
}

// eachProjection calls fn for every point of the cartesian product of per
// axis chunk overlaps, in row-major chunk order, stopping at the first error.
func eachProjection(meta *ArrayMeta, sel selection, fn func(chunkProjection) error) error {
	dims := make([][]chunkDimProjection, len(meta.Shape))
	for i := range dims {
		dims[i] = dimProjections(sel.start[i], sel.end[i], meta.Chunks[i])
		if len(dims[i]) == 0 {
			return nil
		}
	}

	idx := make([]int, len(dims))
	for {
		p := chunkProjection{
			ChunkCoords: make([]int, len(dims)),
			Dims:        make([]chunkDimProjection, len(dims)),
		}
		for d := range dims {
			p.Dims[d] = dims[d][idx[d]]
			p.ChunkCoords[d] = p.Dims[d].DimChunkIX
		}
		if err := fn(p); err != nil {
			return err
		}

		d := len(dims) - 1
		for ; d >= 0; d-- {
			idx[d]++
			if idx[d] < len(dims[d]) {
				break
			}
			idx[d] = 0
		}
		if d < 0 {
			return nil
		}
	}
}

// strides returns element strides for shape in row-major order, or
// column-major when colMajor is set.
func strides(shape []int, colMajor bool) []int {
	s := make([]int, len(shape))
	acc := 1
	if colMajor {
		for i := range shape {
			s[i] = acc
			acc *= shape[i]
		}
		return s
	}
	for i := len(shape) - 1; i >= 0; i-- {
		s[i] = acc
		acc *= shape[i]
	}
	return s
}

// chunkLoader returns the decoded chunk at key of the array at arrayPath, or
// an error wrapping ErrNotFound when the chunk was never written.
type chunkLoader func(ctx context.Context, arrayPath, key string) (*TypedArray, error)

// sliceAssembler copies the chunks overlapping a selection into one
// row-major output buffer.
type sliceAssembler struct {
	path string
	meta *ArrayMeta
	load chunkLoader
}

func (a *sliceAssembler) assemble(ctx context.Context, sel selection) (*TypedArray, error) {
	outShape := sel.shape()
	n := 1
	for _, e := range outShape {
		n *= e
	}
	out, err := newTypedArray(a.meta.Dtype, n)
	if err != nil {
		return nil, &MalformedMetadataError{Path: a.path, Err: err}
	}
	out.Fill(a.meta.fill())

	outStrides := strides(outShape, false)
	chunkStrides := strides(a.meta.Chunks, a.meta.ColumnMajor())
	err = eachProjection(a.meta, sel, func(p chunkProjection) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		key := a.meta.ChunkKey(a.path, p.ChunkCoords)
		chunk, err := a.load(ctx, a.path, key)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := copyProjection(out, chunk, p, outStrides, chunkStrides); err != nil {
			return &DecodeError{Path: key, Err: err}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func copyProjection(dst, src *TypedArray, p chunkProjection, dstStrides, srcStrides []int) error {
	switch d := dst.Data.(type) {
	case []uint8:
		return copyAs(d, src.Data, p, dstStrides, srcStrides)
	case []int8:
		return copyAs(d, src.Data, p, dstStrides, srcStrides)
	case []int16:
		return copyAs(d, src.Data, p, dstStrides, srcStrides)
	case []int32:
		return copyAs(d, src.Data, p, dstStrides, srcStrides)
	case []int64:
		return copyAs(d, src.Data, p, dstStrides, srcStrides)
	case []uint16:
		return copyAs(d, src.Data, p, dstStrides, srcStrides)
	case []uint32:
		return copyAs(d, src.Data, p, dstStrides, srcStrides)
	case []uint64:
		return copyAs(d, src.Data, p, dstStrides, srcStrides)
	case []float32:
		return copyAs(d, src.Data, p, dstStrides, srcStrides)
	case []float64:
		return copyAs(d, src.Data, p, dstStrides, srcStrides)
	}
	return fmt.Errorf("unsupported buffer %T", dst.Data)
}

func copyAs[T element](dst []T, srcData interface{}, p chunkProjection, dstStrides, srcStrides []int) error {
	src, ok := srcData.([]T)
	if !ok {
		return fmt.Errorf("chunk buffer %T does not match output %T", srcData, dst)
	}
	rank := len(p.Dims)
	if rank == 0 {
		dst[0] = src[0]
		return nil
	}

	// walk every axis but the last, copying one run along the last axis
	last := rank - 1
	run := p.Dims[last].DimOutSel[1] - p.Dims[last].DimOutSel[0]
	pos := make([]int, rank)
	for {
		o, s := 0, 0
		for d := 0; d < last; d++ {
			o += (p.Dims[d].DimOutSel[0] + pos[d]) * dstStrides[d]
			s += (p.Dims[d].DimChunkSel[0] + pos[d]) * srcStrides[d]
		}
		o += p.Dims[last].DimOutSel[0] * dstStrides[last]
		s += p.Dims[last].DimChunkSel[0] * srcStrides[last]
		step := srcStrides[last]
		for k := 0; k < run; k++ {
			dst[o+k] = src[s+k*step]
		}

		d := last - 1
		for ; d >= 0; d-- {
			pos[d]++
			if pos[d] < p.Dims[d].DimOutSel[1]-p.Dims[d].DimOutSel[0] {
				break
			}
			pos[d] = 0
		}
		if d < 0 {
			return nil
		}
	}
}

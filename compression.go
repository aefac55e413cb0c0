package zarr

import (
	"github.com/qri-io/remote-zarr/codec"
)

// CompressionMeta is the .zarray "compressor" object.
type CompressionMeta = codec.Config

// FilterMeta is one entry of the .zarray "filters" list.
type FilterMeta = codec.Config

// Pipeline builds the decode chain for chunks of this array.
func (a *ArrayMeta) Pipeline() (*codec.Pipeline, error) {
	return codec.NewPipeline(a.Compressor, a.Filters)
}

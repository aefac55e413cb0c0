// Package codec implements the numcodecs-compatible decoders used by zarr v2
// chunk storage.
//
// A chunk is produced on write by running its bytes through an ordered list
// of filters followed by a single compressor. Decoding undoes that chain:
// decompress first, then reverse each filter from last to first.
package codec

import (
	"fmt"
	"sort"
)

// Config is a codec configuration object as written in .zarray "compressor"
// and "filters" entries. Only ID is required; the remaining fields are the
// parameters of the codecs this package understands.
type Config struct {
	ID string `json:"id"`

	// blosc
	Cname     string `json:"cname,omitempty"`
	Clevel    int    `json:"clevel,omitempty"`
	Shuffle   int    `json:"shuffle,omitempty"`
	Blocksize int    `json:"blocksize,omitempty"`

	// zlib, gzip, zstd, lz4 acceleration
	Level        int `json:"level,omitempty"`
	Acceleration int `json:"acceleration,omitempty"`

	// shuffle filter
	Elementsize int `json:"elementsize,omitempty"`

	// delta filter
	Dtype  string `json:"dtype,omitempty"`
	Astype string `json:"astype,omitempty"`
}

// Codec reverses one encoding step.
type Codec interface {
	// ID returns the numcodecs identifier of the codec.
	ID() string

	// Decode transforms encoded bytes back to their decoded form.
	Decode(src []byte) ([]byte, error)
}

// Registry maps codec identifiers to constructors.
var Registry = map[string]func(Config) (Codec, error){
	"blosc":   func(c Config) (Codec, error) { return NewBlosc(c), nil },
	"zstd":    func(c Config) (Codec, error) { return NewZstd(c), nil },
	"lz4":     func(c Config) (Codec, error) { return NewLZ4(c), nil },
	"zlib":    func(c Config) (Codec, error) { return NewZlib(c), nil },
	"gzip":    func(c Config) (Codec, error) { return NewGzip(c), nil },
	"shuffle": func(c Config) (Codec, error) { return NewShuffle(c), nil },
	"delta":   func(c Config) (Codec, error) { return NewDelta(c) },
}

// New creates the codec described by cfg.
func New(cfg Config) (Codec, error) {
	ctor, ok := Registry[cfg.ID]
	if !ok {
		return nil, fmt.Errorf("unsupported codec %q (supported: %v)", cfg.ID, Supported())
	}
	return ctor(cfg)
}

// Supported lists registered codec identifiers in sorted order.
func Supported() []string {
	ids := make([]string, 0, len(Registry))
	for id := range Registry {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Pipeline decodes chunk bytes through a compressor and a filter chain.
type Pipeline struct {
	compressor Codec
	filters    []Codec
}

// NewPipeline builds a pipeline. A nil compressor means the chunk is stored
// uncompressed.
func NewPipeline(compressor *Config, filters []Config) (*Pipeline, error) {
	p := &Pipeline{
		filters: make([]Codec, 0, len(filters)),
	}
	if compressor != nil {
		c, err := New(*compressor)
		if err != nil {
			return nil, fmt.Errorf("compressor: %w", err)
		}
		p.compressor = c
	}
	for i, f := range filters {
		c, err := New(f)
		if err != nil {
			return nil, fmt.Errorf("filter %d: %w", i, err)
		}
		p.filters = append(p.filters, c)
	}
	return p, nil
}

// Decode decompresses src, then undoes the filters in reverse order.
func (p *Pipeline) Decode(src []byte) ([]byte, error) {
	data := src
	if p.compressor != nil {
		var err error
		if data, err = p.compressor.Decode(data); err != nil {
			return nil, fmt.Errorf("%s decode: %w", p.compressor.ID(), err)
		}
	}
	for i := len(p.filters) - 1; i >= 0; i-- {
		var err error
		if data, err = p.filters[i].Decode(data); err != nil {
			return nil, fmt.Errorf("%s filter decode: %w", p.filters[i].ID(), err)
		}
	}
	return data, nil
}

// Len returns the number of codecs in the pipeline, compressor included.
func (p *Pipeline) Len() int {
	n := len(p.filters)
	if p.compressor != nil {
		n++
	}
	return n
}

package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/qri-io/dataset/compression"
)

// zstdDecoder is shared across calls; zstd.Decoder is safe for concurrent
// use through DecodeAll.
var zstdDecoder *zstd.Decoder

func init() {
	var err error
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("codec: zstd decoder initialization failed: " + err.Error())
	}
}

// Zstd decodes zstandard frames.
type Zstd struct{}

func NewZstd(Config) *Zstd { return &Zstd{} }

func (Zstd) ID() string { return "zstd" }

func (Zstd) Decode(src []byte) ([]byte, error) {
	return decodeZstd(src, 0)
}

func decodeZstd(src []byte, sizeHint int) ([]byte, error) {
	out, err := zstdDecoder.DecodeAll(src, make([]byte, 0, sizeHint))
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	return out, nil
}

// Zlib decodes zlib streams.
type Zlib struct{}

func NewZlib(Config) *Zlib { return &Zlib{} }

func (Zlib) ID() string { return "zlib" }

func (Zlib) Decode(src []byte) ([]byte, error) {
	return decodeZlib(src)
}

func decodeZlib(src []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("zlib reader: %w", err)
	}
	defer r.Close()

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("zlib decompress: %w", err)
	}
	return out, nil
}

// Gzip decodes gzip members.
type Gzip struct{}

func NewGzip(Config) *Gzip { return &Gzip{} }

func (Gzip) ID() string { return "gzip" }

func (Gzip) Decode(src []byte) ([]byte, error) {
	r, err := compression.Decompressor("gzip", io.NopCloser(bytes.NewReader(src)))
	if err != nil {
		return nil, fmt.Errorf("gzip reader: %w", err)
	}
	defer r.Close()

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("gzip decompress: %w", err)
	}
	return out, nil
}

// LZ4 decodes numcodecs LZ4 buffers: a little-endian uint32 holding the
// decoded size followed by a single LZ4 block.
type LZ4 struct{}

func NewLZ4(Config) *LZ4 { return &LZ4{} }

func (LZ4) ID() string { return "lz4" }

func (LZ4) Decode(src []byte) ([]byte, error) {
	if len(src) < 4 {
		return nil, fmt.Errorf("lz4: buffer too short for size header (%d bytes)", len(src))
	}
	size := int(binary.LittleEndian.Uint32(src[:4]))
	return decodeLZ4Block(src[4:], size)
}

func decodeLZ4Block(src []byte, size int) ([]byte, error) {
	dst := make([]byte, size)
	if size == 0 {
		return dst, nil
	}
	n, err := lz4.UncompressBlock(src, dst)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}
	if n != size {
		return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", n, size)
	}
	return dst, nil
}

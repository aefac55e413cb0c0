package codec

import (
	"encoding/binary"
	"fmt"

	"github.com/golang/snappy"
)

const (
	bloscHeaderSize = 16
	bloscMaxSplits  = 16
	bloscMinBuffer  = 128

	bloscDoShuffle    = 0x01
	bloscMemcpyed     = 0x02
	bloscDoBitShuffle = 0x04
	bloscDontSplit    = 0x10
)

// Blosc internal compressor codes, stored in the top three flag bits.
const (
	bloscBloscLZ = iota
	bloscLZ4
	bloscSnappy
	bloscZlib
	bloscZstd
)

var bloscCompressorNames = map[int]string{
	bloscBloscLZ: "blosclz",
	bloscLZ4:     "lz4",
	bloscSnappy:  "snappy",
	bloscZlib:    "zlib",
	bloscZstd:    "zstd",
}

// Blosc decodes blosc1 frames. Decoding is driven entirely by the frame
// header, so the configured cname/clevel/shuffle are informational.
type Blosc struct {
	cfg Config
}

func NewBlosc(cfg Config) *Blosc { return &Blosc{cfg: cfg} }

func (*Blosc) ID() string { return "blosc" }

// bloscHeader is the fixed 16 byte frame prefix.
type bloscHeader struct {
	version   uint8
	versionLZ uint8
	flags     uint8
	typesize  int
	nbytes    int
	blocksize int
	ctbytes   int
}

func parseBloscHeader(src []byte) (bloscHeader, error) {
	if len(src) < bloscHeaderSize {
		return bloscHeader{}, fmt.Errorf("blosc: frame shorter than header (%d bytes)", len(src))
	}
	h := bloscHeader{
		version:   src[0],
		versionLZ: src[1],
		flags:     src[2],
		typesize:  int(src[3]),
		nbytes:    int(binary.LittleEndian.Uint32(src[4:8])),
		blocksize: int(binary.LittleEndian.Uint32(src[8:12])),
		ctbytes:   int(binary.LittleEndian.Uint32(src[12:16])),
	}
	if h.ctbytes > len(src) {
		return h, fmt.Errorf("blosc: frame declares %d bytes, have %d", h.ctbytes, len(src))
	}
	if h.typesize == 0 {
		h.typesize = 1
	}
	return h, nil
}

func (h bloscHeader) compressor() int { return int(h.flags&0xe0) >> 5 }

func (b *Blosc) Decode(src []byte) ([]byte, error) {
	h, err := parseBloscHeader(src)
	if err != nil {
		return nil, err
	}
	if h.flags&bloscMemcpyed != 0 {
		if bloscHeaderSize+h.nbytes > len(src) {
			return nil, fmt.Errorf("blosc: memcpyed frame truncated")
		}
		out := make([]byte, h.nbytes)
		copy(out, src[bloscHeaderSize:bloscHeaderSize+h.nbytes])
		return out, nil
	}
	if h.flags&bloscDoBitShuffle != 0 {
		return nil, fmt.Errorf("blosc: bitshuffle is not supported")
	}
	if h.nbytes == 0 {
		return []byte{}, nil
	}
	if h.blocksize <= 0 {
		return nil, fmt.Errorf("blosc: invalid blocksize %d", h.blocksize)
	}

	nblocks := h.nbytes / h.blocksize
	leftover := h.nbytes % h.blocksize
	if leftover > 0 {
		nblocks++
	}
	startsEnd := bloscHeaderSize + 4*nblocks
	if startsEnd > len(src) {
		return nil, fmt.Errorf("blosc: block offsets truncated")
	}

	out := make([]byte, h.nbytes)
	tmp := make([]byte, h.blocksize)
	for j := 0; j < nblocks; j++ {
		bsize := h.blocksize
		leftoverBlock := j == nblocks-1 && leftover > 0
		if leftoverBlock {
			bsize = leftover
		}
		start := int(binary.LittleEndian.Uint32(src[bloscHeaderSize+4*j:]))
		if start >= len(src) {
			return nil, fmt.Errorf("blosc: block %d starts past end of frame", j)
		}
		if err := b.decodeBlock(h, src[start:], tmp[:bsize], leftoverBlock); err != nil {
			return nil, fmt.Errorf("blosc: block %d: %w", j, err)
		}
		dst := out[j*h.blocksize : j*h.blocksize+bsize]
		if h.flags&bloscDoShuffle != 0 && h.typesize > 1 {
			unshuffleBlock(dst, tmp[:bsize], h.typesize)
		} else {
			copy(dst, tmp[:bsize])
		}
	}
	return out, nil
}

// decodeBlock decompresses one block, which is stored as one or more
// length-prefixed splits, into dst.
func (b *Blosc) decodeBlock(h bloscHeader, src []byte, dst []byte, leftoverBlock bool) error {
	nsplits := 1
	if h.flags&bloscDontSplit == 0 && h.typesize <= bloscMaxSplits &&
		h.blocksize/h.typesize >= bloscMinBuffer && !leftoverBlock {
		nsplits = h.typesize
	}
	neblock := len(dst) / nsplits
	pos := 0
	for s := 0; s < nsplits; s++ {
		if pos+4 > len(src) {
			return fmt.Errorf("split %d header truncated", s)
		}
		cbytes := int(int32(binary.LittleEndian.Uint32(src[pos:])))
		pos += 4
		if cbytes < 0 || pos+cbytes > len(src) {
			return fmt.Errorf("split %d has invalid size %d", s, cbytes)
		}
		part := dst[s*neblock : (s+1)*neblock]
		if cbytes == neblock {
			copy(part, src[pos:pos+cbytes])
		} else {
			decoded, err := bloscDecompress(h.compressor(), src[pos:pos+cbytes], neblock)
			if err != nil {
				return err
			}
			if len(decoded) != neblock {
				return fmt.Errorf("split %d decoded to %d bytes, expected %d", s, len(decoded), neblock)
			}
			copy(part, decoded)
		}
		pos += cbytes
	}
	return nil
}

func bloscDecompress(code int, src []byte, size int) ([]byte, error) {
	switch code {
	case bloscLZ4:
		return decodeLZ4Block(src, size)
	case bloscSnappy:
		out, err := snappy.Decode(make([]byte, size), src)
		if err != nil {
			return nil, fmt.Errorf("snappy decompress: %w", err)
		}
		return out, nil
	case bloscZlib:
		return decodeZlib(src)
	case bloscZstd:
		return decodeZstd(src, size)
	default:
		name, ok := bloscCompressorNames[code]
		if !ok {
			name = fmt.Sprintf("code %d", code)
		}
		return nil, fmt.Errorf("blosc internal compressor %s is not supported", name)
	}
}

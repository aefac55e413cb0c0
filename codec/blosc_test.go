package codec

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/golang/snappy"
	"github.com/stretchr/testify/require"
)

type bloscFrame struct {
	typesize  int
	blocksize int
	shuffle   bool
	dontSplit bool
	code      int
}

func (f bloscFrame) compress(t *testing.T, part []byte) []byte {
	switch f.code {
	case bloscLZ4:
		return lz4Block(t, part)
	case bloscSnappy:
		return snappy.Encode(nil, part)
	case bloscZlib:
		return zlibEncode(t, part)
	case bloscZstd:
		return zstdEncode(t, part)
	}
	t.Fatalf("no test encoder for blosc code %d", f.code)
	return nil
}

// encode builds a blosc1 frame using the same block and split layout the
// decoder expects.
func (f bloscFrame) encode(t *testing.T, data []byte) []byte {
	t.Helper()
	flags := byte(f.code << 5)
	if f.shuffle {
		flags |= bloscDoShuffle
	}
	if f.dontSplit {
		flags |= bloscDontSplit
	}
	nblocks := len(data) / f.blocksize
	leftover := len(data) % f.blocksize
	if leftover > 0 {
		nblocks++
	}

	header := make([]byte, bloscHeaderSize+4*nblocks)
	header[0], header[1], header[2], header[3] = 2, 1, flags, byte(f.typesize)
	binary.LittleEndian.PutUint32(header[4:], uint32(len(data)))
	binary.LittleEndian.PutUint32(header[8:], uint32(f.blocksize))

	var body bytes.Buffer
	for j := 0; j < nblocks; j++ {
		block := data[j*f.blocksize : min(len(data), (j+1)*f.blocksize)]
		isLeftover := j == nblocks-1 && leftover > 0
		if f.shuffle && f.typesize > 1 {
			sh := make([]byte, len(block))
			shuffleBlock(sh, block, f.typesize)
			block = sh
		}
		binary.LittleEndian.PutUint32(header[bloscHeaderSize+4*j:], uint32(len(header)+body.Len()))

		nsplits := 1
		if !f.dontSplit && f.typesize <= bloscMaxSplits && f.blocksize/f.typesize >= bloscMinBuffer && !isLeftover {
			nsplits = f.typesize
		}
		neblock := len(block) / nsplits
		for s := 0; s < nsplits; s++ {
			part := block[s*neblock : (s+1)*neblock]
			comp := f.compress(t, part)
			if len(comp) == 0 || len(comp) >= len(part) {
				comp = part
			}
			var size [4]byte
			binary.LittleEndian.PutUint32(size[:], uint32(len(comp)))
			body.Write(size[:])
			body.Write(comp)
		}
	}
	frame := append(header, body.Bytes()...)
	binary.LittleEndian.PutUint32(frame[12:], uint32(len(frame)))
	return frame
}

func TestBloscRoundtrip(t *testing.T) {
	original := ramp(700) // 2800 bytes: two full 1024 byte blocks plus a leftover

	cases := map[string]bloscFrame{
		"lz4 shuffle":       {typesize: 4, blocksize: 1024, shuffle: true, code: bloscLZ4},
		"lz4 no split":      {typesize: 4, blocksize: 1024, shuffle: true, dontSplit: true, code: bloscLZ4},
		"zstd":              {typesize: 4, blocksize: 1024, code: bloscZstd},
		"zlib shuffle":      {typesize: 4, blocksize: 1024, shuffle: true, code: bloscZlib},
		"snappy":            {typesize: 4, blocksize: 1024, shuffle: true, code: bloscSnappy},
		"single byte types": {typesize: 1, blocksize: 512, shuffle: true, code: bloscLZ4},
	}
	for name, frame := range cases {
		t.Run(name, func(t *testing.T) {
			encoded := frame.encode(t, original)
			got, err := NewBlosc(Config{ID: "blosc", Cname: "lz4"}).Decode(encoded)
			require.NoError(t, err)
			require.Equal(t, original, got)
		})
	}
}

func TestBloscMemcpyed(t *testing.T) {
	original := []byte("raw bytes stored without compression")
	frame := make([]byte, bloscHeaderSize, bloscHeaderSize+len(original))
	frame[0], frame[2], frame[3] = 2, bloscMemcpyed, 1
	binary.LittleEndian.PutUint32(frame[4:], uint32(len(original)))
	binary.LittleEndian.PutUint32(frame[8:], uint32(len(original)))
	binary.LittleEndian.PutUint32(frame[12:], uint32(bloscHeaderSize+len(original)))
	frame = append(frame, original...)

	got, err := NewBlosc(Config{ID: "blosc"}).Decode(frame)
	require.NoError(t, err)
	require.Equal(t, original, got)
}

func TestBloscErrors(t *testing.T) {
	_, err := NewBlosc(Config{}).Decode([]byte{2, 1, 0})
	require.ErrorContains(t, err, "shorter than header")

	frame := bloscFrame{typesize: 4, blocksize: 1024, shuffle: true, code: bloscLZ4}.encode(t, ramp(300))
	frame[2] = (frame[2] &^ 0xe0) | (bloscBloscLZ << 5)
	_, err = NewBlosc(Config{}).Decode(frame)
	require.ErrorContains(t, err, "blosclz is not supported")

	truncated := bloscFrame{typesize: 4, blocksize: 1024, shuffle: true, code: bloscLZ4}.encode(t, ramp(300))
	_, err = NewBlosc(Config{}).Decode(truncated[:len(truncated)-10])
	require.Error(t, err)
}

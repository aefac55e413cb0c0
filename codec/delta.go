package codec

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
)

// numeric describes a fixed-width numeric typestr such as "<f8" or "|u1".
type numeric struct {
	order binary.ByteOrder
	kind  byte
	size  int
}

func parseNumeric(s string) (numeric, error) {
	if len(s) < 3 {
		return numeric{}, fmt.Errorf("invalid dtype %q", s)
	}
	n := numeric{kind: s[1]}
	switch s[0] {
	case '<', '|':
		n.order = binary.LittleEndian
	case '>':
		n.order = binary.BigEndian
	default:
		return n, fmt.Errorf("invalid byte order in dtype %q", s)
	}
	size, err := strconv.Atoi(s[2:])
	if err != nil {
		return n, fmt.Errorf("invalid size in dtype %q: %w", s, err)
	}
	n.size = size
	switch {
	case (n.kind == 'i' || n.kind == 'u') && (size == 1 || size == 2 || size == 4 || size == 8):
	case n.kind == 'f' && (size == 4 || size == 8):
	default:
		return n, fmt.Errorf("unsupported dtype %q", s)
	}
	return n, nil
}

func (n numeric) readInt(b []byte) int64 {
	switch n.size {
	case 1:
		if n.kind == 'i' {
			return int64(int8(b[0]))
		}
		return int64(b[0])
	case 2:
		if n.kind == 'i' {
			return int64(int16(n.order.Uint16(b)))
		}
		return int64(n.order.Uint16(b))
	case 4:
		if n.kind == 'i' {
			return int64(int32(n.order.Uint32(b)))
		}
		return int64(n.order.Uint32(b))
	default:
		return int64(n.order.Uint64(b))
	}
}

func (n numeric) readFloat(b []byte) float64 {
	if n.kind != 'f' {
		return float64(n.readInt(b))
	}
	if n.size == 4 {
		return float64(math.Float32frombits(n.order.Uint32(b)))
	}
	return math.Float64frombits(n.order.Uint64(b))
}

func (n numeric) putInt(b []byte, v int64) {
	switch n.size {
	case 1:
		b[0] = byte(v)
	case 2:
		n.order.PutUint16(b, uint16(v))
	case 4:
		n.order.PutUint32(b, uint32(v))
	default:
		n.order.PutUint64(b, uint64(v))
	}
}

func (n numeric) putFloat(b []byte, v float64) {
	if n.size == 4 {
		n.order.PutUint32(b, math.Float32bits(float32(v)))
		return
	}
	n.order.PutUint64(b, math.Float64bits(v))
}

// Delta undoes the numcodecs delta filter: the first element is stored as
// is and every following element as the difference from its predecessor,
// optionally in a narrower "astype".
type Delta struct {
	dtype  numeric
	astype numeric
}

func NewDelta(cfg Config) (*Delta, error) {
	dt, err := parseNumeric(cfg.Dtype)
	if err != nil {
		return nil, fmt.Errorf("delta: %w", err)
	}
	at := dt
	if cfg.Astype != "" {
		if at, err = parseNumeric(cfg.Astype); err != nil {
			return nil, fmt.Errorf("delta: %w", err)
		}
	}
	return &Delta{dtype: dt, astype: at}, nil
}

func (*Delta) ID() string { return "delta" }

func (d *Delta) Decode(src []byte) ([]byte, error) {
	if len(src)%d.astype.size != 0 {
		return nil, fmt.Errorf("delta: %d bytes is not a multiple of element size %d", len(src), d.astype.size)
	}
	count := len(src) / d.astype.size
	out := make([]byte, count*d.dtype.size)

	if d.dtype.kind == 'f' {
		var acc float64
		for i := 0; i < count; i++ {
			acc += d.astype.readFloat(src[i*d.astype.size:])
			if d.dtype.size == 4 {
				acc = float64(float32(acc))
			}
			d.dtype.putFloat(out[i*d.dtype.size:], acc)
		}
		return out, nil
	}

	var acc int64
	for i := 0; i < count; i++ {
		acc += d.astype.readInt(src[i*d.astype.size:])
		d.dtype.putInt(out[i*d.dtype.size:], acc)
	}
	return out, nil
}

package zarr

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Dtype describes the element type of a zarr v2 array. It is stored as a
// NumPy typestr such as "<f8": a byte order mark ('<', '>' or '|'), a one
// letter kind code and the element width in bytes. Datetime and timedelta
// types may carry a bracketed unit suffix, e.g. "<M8[ns]".
//
// Structured (list-valued) dtypes are rejected when decoding metadata.
type Dtype struct {
	ByteOrder ByteOrder
	BasicType BasicType
	ByteSize  int
	Units     string
}

var (
	_ json.Unmarshaler = (*Dtype)(nil)
	_ json.Marshaler   = (*Dtype)(nil)
)

func ParseDtype(s string) (dt Dtype, err error) {
	// some writers HTML-escape the byte order mark
	s = strings.NewReplacer("&lt;", "<", "&gt;", ">").Replace(s)

	if len(s) < 3 {
		return dt, fmt.Errorf("dtype %q is too short", s)
	}

	dt.ByteOrder, err = ParseByteOrder(rune(s[0]))
	if err != nil {
		return dt, err
	}
	dt.BasicType, err = ParseBasicType(rune(s[1]))
	if err != nil {
		return dt, err
	}

	sizeStr := s[2:]
	if i := strings.IndexByte(sizeStr, '['); i >= 0 {
		sizeStr, dt.Units = sizeStr[:i], sizeStr[i:]
	}
	size, err := strconv.Atoi(sizeStr)
	if err != nil {
		return dt, fmt.Errorf("invalid Dtype size in %q: %w", s, err)
	}
	if size <= 0 {
		return dt, fmt.Errorf("invalid Dtype size in %q", s)
	}
	dt.ByteSize = size
	return dt, nil
}

func (dt Dtype) String() string {
	s := fmt.Sprintf("%s%s%d", string(dt.ByteOrder), string(dt.BasicType), dt.ByteSize)
	if dt.Units != "" {
		s += dt.Units
	}
	return s
}

func (dt Dtype) MarshalJSON() ([]byte, error) {
	return []byte(`"` + dt.String() + `"`), nil
}

func (dt *Dtype) UnmarshalJSON(d []byte) error {
	var s string
	if err := json.Unmarshal(d, &s); err != nil {
		return fmt.Errorf("structured dtypes are not supported: %w", err)
	}
	t, err := ParseDtype(s)
	if err != nil {
		return err
	}

	*dt = t
	return nil
}

// binaryOrder returns the encoding/binary order for multi-byte elements.
// Single byte types report little-endian.
func (dt Dtype) binaryOrder() binary.ByteOrder {
	if dt.ByteOrder == BOBigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// Numeric reports whether chunks of this type decode to a numeric buffer.
func (dt Dtype) Numeric() bool {
	switch dt.BasicType {
	case BTBoolean:
		return dt.ByteSize == 1
	case BTInteger, BTUnsigned:
		return dt.ByteSize == 1 || dt.ByteSize == 2 || dt.ByteSize == 4 || dt.ByteSize == 8
	case BTFloatingPoint:
		return dt.ByteSize == 2 || dt.ByteSize == 4 || dt.ByteSize == 8
	default:
		return false
	}
}

// ByteOrder is the leading character of a typestr.
type ByteOrder rune

const (
	BONotRelevant  ByteOrder = '|'
	BOLittleEndian ByteOrder = '<'
	BOBigEndian    ByteOrder = '>'
)

func ParseByteOrder(r rune) (ByteOrder, error) {
	switch o := ByteOrder(r); o {
	case BONotRelevant, BOLittleEndian, BOBigEndian:
		return o, nil
	default:
		return o, fmt.Errorf("unsupported byte order %q", r)
	}
}

// BasicType is the kind code of a typestr.
type BasicType rune

const (
	BTBoolean       BasicType = 'b'
	BTInteger       BasicType = 'i'
	BTUnsigned      BasicType = 'u'
	BTFloatingPoint BasicType = 'f'
	BTComplex       BasicType = 'c'
	BTTimedelta     BasicType = 'm'
	BTDatetime      BasicType = 'M'
	BTString        BasicType = 'S'
	BTUnicode       BasicType = 'U'
	BTOther         BasicType = 'V'
)

func ParseBasicType(r rune) (BasicType, error) {
	t := BasicType(r)
	if t.Human() == "" {
		return t, fmt.Errorf("unsupported basic type %q", r)
	}
	return t, nil
}

// Human names the kind, or returns "" for unknown codes.
func (bt BasicType) Human() string {
	switch bt {
	case BTBoolean:
		return "bool"
	case BTInteger:
		return "int"
	case BTUnsigned:
		return "uint"
	case BTFloatingPoint:
		return "float"
	case BTComplex:
		return "complex"
	case BTTimedelta:
		return "timeDelta"
	case BTDatetime:
		return "dateTime"
	case BTString:
		return "string"
	case BTUnicode:
		return "unicode"
	case BTOther:
		return "other"
	}
	return ""
}

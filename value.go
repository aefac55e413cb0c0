package zarr

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"

	"github.com/fxamacker/cbor/v2"
	"gopkg.in/yaml.v3"
)

// NaNSentinel is the string token stores write in place of NaN, which plain
// JSON cannot encode. Parsed documents carry it as a NaN number.
const NaNSentinel = "___NaN___"

// Kind enumerates the variants of Value.
type Kind uint8

const (
	NullKind Kind = iota
	BoolKind
	NumberKind
	StringKind
	ListKind
	MapKind
)

func (k Kind) String() string {
	switch k {
	case NullKind:
		return "null"
	case BoolKind:
		return "bool"
	case NumberKind:
		return "number"
	case StringKind:
		return "string"
	case ListKind:
		return "list"
	case MapKind:
		return "map"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Value is a parsed JSON document node. The zero Value is null.
type Value struct {
	kind Kind
	b    bool
	n    float64
	s    string
	l    []Value
	m    map[string]Value
}

var (
	_ json.Unmarshaler = (*Value)(nil)
	_ json.Marshaler   = Value{}
	_ yaml.Marshaler   = Value{}
	_ cbor.Marshaler   = Value{}
)

func Null() Value { return Value{} }
func BoolValue(b bool) Value { return Value{kind: BoolKind, b: b} }
func NumberValue(n float64) Value { return Value{kind: NumberKind, n: n} }
func StringValue(s string) Value { return Value{kind: StringKind, s: s} }
func ListValue(items ...Value) Value { return Value{kind: ListKind, l: items} }
func MapValue(m map[string]Value) Value { return Value{kind: MapKind, m: m} }

// ParseValue parses a JSON document, mapping NaNSentinel strings to NaN.
func ParseValue(data []byte) (Value, error) {
	var v Value
	err := json.Unmarshal(data, &v)
	return v, err
}

func (v Value) Kind() Kind   { return v.kind }
func (v Value) IsNull() bool { return v.kind == NullKind }

func (v Value) Bool() (bool, bool) { return v.b, v.kind == BoolKind }

func (v Value) Number() (float64, bool) { return v.n, v.kind == NumberKind }

// Int returns the value as an int when it is an integral number.
func (v Value) Int() (int, bool) {
	if v.kind != NumberKind || v.n != math.Trunc(v.n) || math.IsInf(v.n, 0) {
		return 0, false
	}
	return int(v.n), true
}

func (v Value) Str() (string, bool) { return v.s, v.kind == StringKind }

func (v Value) List() ([]Value, bool) { return v.l, v.kind == ListKind }

func (v Value) Map() (map[string]Value, bool) { return v.m, v.kind == MapKind }

// Get returns the member key of a map value, or null.
func (v Value) Get(key string) Value {
	if v.kind != MapKind {
		return Value{}
	}
	return v.m[key]
}

// Has reports whether v is a map with member key.
func (v Value) Has(key string) bool {
	if v.kind != MapKind {
		return false
	}
	_, ok := v.m[key]
	return ok
}

// Truthy follows loose truthiness: null, false, 0, NaN and "" are false,
// everything else is true.
func (v Value) Truthy() bool {
	switch v.kind {
	case BoolKind:
		return v.b
	case NumberKind:
		return v.n != 0 && !math.IsNaN(v.n)
	case StringKind:
		return v.s != ""
	case ListKind, MapKind:
		return true
	default:
		return false
	}
}

// Interface converts v to plain Go values: nil, bool, float64, string,
// []interface{} and map[string]interface{}.
func (v Value) Interface() interface{} {
	switch v.kind {
	case BoolKind:
		return v.b
	case NumberKind:
		return v.n
	case StringKind:
		return v.s
	case ListKind:
		out := make([]interface{}, len(v.l))
		for i, item := range v.l {
			out[i] = item.Interface()
		}
		return out
	case MapKind:
		out := make(map[string]interface{}, len(v.m))
		for k, item := range v.m {
			out[k] = item.Interface()
		}
		return out
	default:
		return nil
	}
}

// Decode unmarshals v into dst through its JSON form.
func (v Value) Decode(dst interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}

func (v *Value) UnmarshalJSON(d []byte) error {
	dec := json.NewDecoder(bytes.NewReader(d))
	var raw interface{}
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	val, err := fromGeneric(raw)
	if err != nil {
		return err
	}
	*v = val
	return nil
}

func fromGeneric(x interface{}) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Value{}, nil
	case bool:
		return BoolValue(t), nil
	case float64:
		return NumberValue(t), nil
	case string:
		if t == NaNSentinel {
			return NumberValue(math.NaN()), nil
		}
		return StringValue(t), nil
	case []interface{}:
		items := make([]Value, len(t))
		for i, el := range t {
			item, err := fromGeneric(el)
			if err != nil {
				return Value{}, err
			}
			items[i] = item
		}
		return ListValue(items...), nil
	case map[string]interface{}:
		m := make(map[string]Value, len(t))
		for k, el := range t {
			item, err := fromGeneric(el)
			if err != nil {
				return Value{}, err
			}
			m[k] = item
		}
		return MapValue(m), nil
	default:
		return Value{}, fmt.Errorf("unexpected JSON type %T", x)
	}
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case BoolKind:
		return json.Marshal(v.b)
	case NumberKind:
		switch {
		case math.IsNaN(v.n):
			return json.Marshal(NaNSentinel)
		case math.IsInf(v.n, 1):
			return json.Marshal(FillValueInfinity)
		case math.IsInf(v.n, -1):
			return json.Marshal(FillValueNegativeInfinity)
		}
		return json.Marshal(v.n)
	case StringKind:
		return json.Marshal(v.s)
	case ListKind:
		if v.l == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.l)
	case MapKind:
		if v.m == nil {
			return []byte("{}"), nil
		}
		return json.Marshal(v.m)
	default:
		return []byte("null"), nil
	}
}

func (v Value) MarshalYAML() (interface{}, error) {
	return v.Interface(), nil
}

func (v Value) MarshalCBOR() ([]byte, error) {
	return cbor.Marshal(v.Interface())
}

func (v Value) String() string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("<%s>", v.kind)
	}
	return string(data)
}

// Attributes is the userland metadata stored under a .zattrs key.
type Attributes map[string]Value

const (
	// AttrScalar marks a dataset whose single element should be returned as
	// a bare value.
	AttrScalar = "_SCALAR"
	// AttrExternalArrayLink declares that a dataset's data lives in another
	// store.
	AttrExternalArrayLink = "_EXTERNAL_ARRAY_LINK"
)

func (Attributes) MetaType() MetaType { return MTAttributes }

// attributesFrom converts a parsed .zattrs document. Anything that is not a
// map yields empty attributes.
func attributesFrom(v Value) Attributes {
	m, ok := v.Map()
	if !ok {
		return Attributes{}
	}
	return Attributes(m)
}

// Scalar reports whether the dataset is marked as holding a single value.
func (a Attributes) Scalar() bool {
	return a[AttrScalar].Truthy()
}

// ExternalLink points at a dataset held in a different store.
type ExternalLink struct {
	URL  string
	Name string
}

// ExternalArrayLink returns the dataset's external link, if it declares one.
func (a Attributes) ExternalArrayLink() (ExternalLink, bool) {
	v, ok := a[AttrExternalArrayLink]
	if !ok || !v.Truthy() {
		return ExternalLink{}, false
	}
	url, _ := v.Get("url").Str()
	name, _ := v.Get("name").Str()
	return ExternalLink{URL: url, Name: name}, true
}

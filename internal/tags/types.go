package tags

import (
	"fmt"
	"math"
	"strings"
)

// Type is a Logix (CIP) element type.
type Type string

const (
	TypeBool   Type = "BOOL"
	TypeSINT   Type = "SINT"
	TypeINT    Type = "INT"
	TypeDINT   Type = "DINT"
	TypeLINT   Type = "LINT"
	TypeUSINT  Type = "USINT"
	TypeUINT   Type = "UINT"
	TypeUDINT  Type = "UDINT"
	TypeREAL   Type = "REAL"
	TypeLREAL  Type = "LREAL"
	TypeString Type = "STRING"
)

type typeInfo struct {
	code     uint16
	min, max float64
	kind     Kind
}

// CIP type codes and integer ranges.
var typeTable = map[Type]typeInfo{
	TypeBool:   {0xC1, 0, 1, KindBool},
	TypeSINT:   {0xC2, math.MinInt8, math.MaxInt8, KindInt},
	TypeINT:    {0xC3, math.MinInt16, math.MaxInt16, KindInt},
	TypeDINT:   {0xC4, math.MinInt32, math.MaxInt32, KindInt},
	TypeLINT:   {0xC5, math.MinInt64, math.MaxInt64, KindInt},
	TypeUSINT:  {0xC6, 0, math.MaxUint8, KindInt},
	TypeUINT:   {0xC7, 0, math.MaxUint16, KindInt},
	TypeUDINT:  {0xC8, 0, math.MaxUint32, KindInt},
	TypeREAL:   {0xCA, -math.MaxFloat32, math.MaxFloat32, KindReal},
	TypeLREAL:  {0xCB, -math.MaxFloat64, math.MaxFloat64, KindReal},
	TypeString: {0x0FCE, 0, 82, KindString},
}

// maxStringLen is the Logix STRING payload size.
const maxStringLen = 82

// ParseType parses a CIP type name, case-insensitively.
func ParseType(s string) (Type, error) {
	t := Type(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := typeTable[t]; !ok {
		return "", fmt.Errorf("unknown tag type %q", s)
	}
	return t, nil
}

// Code returns the CIP type code.
func (t Type) Code() uint16 { return typeTable[t].code }

// Kind returns the Value kind used to carry t.
func (t Type) Kind() Kind { return typeTable[t].kind }

// Coerce converts v to the representation required by t. Integers are
// range-checked, reals are rounded half away from zero when the target is
// an integer type.
func Coerce(t Type, v Value) (Value, error) {
	info, ok := typeTable[t]
	if !ok {
		return Value{}, fmt.Errorf("unknown tag type %q", t)
	}
	switch info.kind {
	case KindString:
		if v.Kind != KindString {
			return Value{}, fmt.Errorf("cannot write %s value to STRING", v.Kind)
		}
		if len(v.S) > maxStringLen {
			return Value{}, fmt.Errorf("string length %d exceeds %d", len(v.S), maxStringLen)
		}
		return v, nil
	case KindBool:
		f, err := v.Float()
		if err != nil {
			return Value{}, err
		}
		return Bool(f != 0), nil
	case KindReal:
		f, err := v.Float()
		if err != nil {
			return Value{}, err
		}
		if f < info.min || f > info.max {
			return Value{}, fmt.Errorf("value %g out of range for %s", f, t)
		}
		return Real(f), nil
	default:
		if v.Kind == KindInt {
			if float64(v.I) < info.min || float64(v.I) > info.max {
				return Value{}, fmt.Errorf("value %d out of range for %s", v.I, t)
			}
			return v, nil
		}
		f, err := v.Float()
		if err != nil {
			return Value{}, err
		}
		f = math.Round(f)
		if f < info.min || f > info.max {
			return Value{}, fmt.Errorf("value %g out of range for %s", f, t)
		}
		return Int(int64(f)), nil
	}
}

// Decode builds a Value of type t from a decoded JSON or YAML scalar.
func Decode(t Type, raw any) (Value, error) {
	var v Value
	switch x := raw.(type) {
	case float64:
		v = Real(x)
	case int:
		v = Int(int64(x))
	case int64:
		v = Int(x)
	case bool:
		v = Bool(x)
	case string:
		v = String(x)
	case nil:
		return Value{}, fmt.Errorf("null value")
	default:
		return Value{}, fmt.Errorf("unsupported value %T", raw)
	}
	if t == "" {
		return v, nil
	}
	return Coerce(t, v)
}

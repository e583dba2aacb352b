// Package tags provides access to named data points ("tags") exposed by a
// programmable logic controller. Values travel as a tagged variant so the
// rest of AutoFlow never inspects dynamic types at runtime.
//
// A Client talks to one controller; a Session owns a Client for the whole
// life of the process and reconnects with exponential backoff when the
// connection is lost.
package tags

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

// Kind identifies which member of a Value is populated.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindInt
	KindReal
	KindBool
	KindString
)

func (k Kind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindReal:
		return "real"
	case KindBool:
		return "bool"
	case KindString:
		return "string"
	default:
		return "invalid"
	}
}

func parseKind(s string) (Kind, error) {
	switch s {
	case "int":
		return KindInt, nil
	case "real":
		return KindReal, nil
	case "bool":
		return KindBool, nil
	case "string":
		return KindString, nil
	}
	return KindInvalid, fmt.Errorf("unknown value kind %q", s)
}

// Value is a tag value: numeric (integer or real), boolean or string.
type Value struct {
	Kind Kind
	I    int64
	F    float64
	B    bool
	S    string
}

func Int(v int64) Value      { return Value{Kind: KindInt, I: v} }
func Real(v float64) Value   { return Value{Kind: KindReal, F: v} }
func Bool(v bool) Value      { return Value{Kind: KindBool, B: v} }
func String(v string) Value  { return Value{Kind: KindString, S: v} }
func (v Value) IsValid() bool { return v.Kind != KindInvalid }

// Float returns the numeric view of v. Booleans map to 0 and 1; strings
// have no numeric view.
func (v Value) Float() (float64, error) {
	switch v.Kind {
	case KindInt:
		return float64(v.I), nil
	case KindReal:
		return v.F, nil
	case KindBool:
		if v.B {
			return 1, nil
		}
		return 0, nil
	case KindString:
		return 0, fmt.Errorf("string value %q has no numeric view", v.S)
	}
	return 0, fmt.Errorf("invalid value")
}

// Any returns the Go value carried by v, for encoders that need one.
func (v Value) Any() any {
	switch v.Kind {
	case KindInt:
		return v.I
	case KindReal:
		return v.F
	case KindBool:
		return v.B
	case KindString:
		return v.S
	}
	return nil
}

func (v Value) String() string {
	switch v.Kind {
	case KindInt:
		return strconv.FormatInt(v.I, 10)
	case KindReal:
		return strconv.FormatFloat(v.F, 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.B)
	case KindString:
		return strconv.Quote(v.S)
	}
	return "<invalid>"
}

// Equal reports whether both values have the same kind and payload.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindInt:
		return v.I == o.I
	case KindReal:
		return v.F == o.F || (math.IsNaN(v.F) && math.IsNaN(o.F))
	case KindBool:
		return v.B == o.B
	case KindString:
		return v.S == o.S
	}
	return true
}

type valueJSON struct {
	Kind  string          `json:"kind"`
	Value json.RawMessage `json:"value"`
}

func (v Value) MarshalJSON() ([]byte, error) {
	raw, err := json.Marshal(v.Any())
	if err != nil {
		return nil, err
	}
	return json.Marshal(valueJSON{Kind: v.Kind.String(), Value: raw})
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var in valueJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	kind, err := parseKind(in.Kind)
	if err != nil {
		return err
	}
	out := Value{Kind: kind}
	switch kind {
	case KindInt:
		err = json.Unmarshal(in.Value, &out.I)
	case KindReal:
		err = json.Unmarshal(in.Value, &out.F)
	case KindBool:
		err = json.Unmarshal(in.Value, &out.B)
	case KindString:
		err = json.Unmarshal(in.Value, &out.S)
	}
	if err != nil {
		return fmt.Errorf("decode %s value: %w", in.Kind, err)
	}
	*v = out
	return nil
}

// Reading is one observation of a tag. It is never mutated after it has
// been recorded.
type Reading struct {
	ID        string    `json:"id"`
	CycleID   string    `json:"cycle_id"`
	Tag       string    `json:"tag"`
	Value     Value     `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

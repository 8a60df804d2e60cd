package variable

import (
	"fmt"
	"strconv"
)

// Kind is the type of the values a Variable carries.
type Kind uint8

const (
	KindVoid Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
)

// String returns the message type used for values of this kind.
func (k Kind) String() string {
	switch k {
	case KindBool:
		return "boolean"
	case KindInt:
		return "integer"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	default:
		return "void"
	}
}

// KindOf maps a message type back to a Kind.
func KindOf(typ string) (Kind, bool) {
	switch typ {
	case "void":
		return KindVoid, true
	case "boolean":
		return KindBool, true
	case "integer":
		return KindInt, true
	case "float":
		return KindFloat, true
	case "string":
		return KindString, true
	}
	return KindVoid, false
}

// Value is one of the kinds a Variable can hold. The zero Value is Void.
type Value struct {
	kind Kind
	b    bool
	i    int64
	f    float64
	s    string
}

func Void() Value {
	return Value{kind: KindVoid}
}

func Bool(b bool) Value {
	return Value{kind: KindBool, b: b}
}

func Int(i int64) Value {
	return Value{kind: KindInt, i: i}
}

func Float(f float64) Value {
	return Value{kind: KindFloat, f: f}
}

func String(s string) Value {
	return Value{kind: KindString, s: s}
}

func (v Value) Kind() Kind {
	return v.kind
}

func (v Value) Bool() (bool, bool) {
	return v.b, v.kind == KindBool
}

func (v Value) Int() (int64, bool) {
	return v.i, v.kind == KindInt
}

func (v Value) Float() (float64, bool) {
	return v.f, v.kind == KindFloat
}

func (v Value) Str() (string, bool) {
	return v.s, v.kind == KindString
}

// Encode returns the payload representation of v, empty for Void.
func (v Value) Encode() string {
	switch v.kind {
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindString:
		return v.s
	default:
		return ""
	}
}

func (v Value) String() string {
	if v.kind == KindVoid {
		return "void"
	}
	return fmt.Sprintf("%s(%s)", v.kind, v.Encode())
}

// ParseValue is the inverse of Encode.
func ParseValue(kind Kind, raw string) (Value, error) {
	switch kind {
	case KindVoid:
		return Void(), nil
	case KindBool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return Value{}, fmt.Errorf("%w: %w", ErrInvalidValue, err)
		}
		return Bool(b), nil
	case KindInt:
		i, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Value{}, fmt.Errorf("%w: %w", ErrInvalidValue, err)
		}
		return Int(i), nil
	case KindFloat:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return Value{}, fmt.Errorf("%w: %w", ErrInvalidValue, err)
		}
		return Float(f), nil
	case KindString:
		return String(raw), nil
	}
	return Value{}, fmt.Errorf("%w: unknown kind %d", ErrInvalidValue, kind)
}

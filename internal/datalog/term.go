package datalog

import (
	"bytes"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// Kind identifies the type carried by a Term.
type Kind uint8

const (
	KindVariable Kind = iota
	KindString
	KindInteger
	KindBytes
	KindDate
)

func (k Kind) String() string {
	switch k {
	case KindVariable:
		return "variable"
	case KindString:
		return "string"
	case KindInteger:
		return "integer"
	case KindBytes:
		return "bytes"
	case KindDate:
		return "date"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Term is either a named variable or a typed constant. Dates are stored as
// unix seconds in Int.
type Term struct {
	Kind  Kind   `cbor:"1,keyasint"`
	Str   string `cbor:"2,keyasint,omitempty"`
	Int   int64  `cbor:"3,keyasint,omitempty"`
	Bytes []byte `cbor:"4,keyasint,omitempty"`
}

// Var returns a variable term.
func Var(name string) Term { return Term{Kind: KindVariable, Str: name} }

// String returns a string constant.
func String(s string) Term { return Term{Kind: KindString, Str: s} }

// Integer returns an integer constant.
func Integer(i int64) Term { return Term{Kind: KindInteger, Int: i} }

// Bytes returns a byte-string constant.
func Bytes(b []byte) Term {
	return Term{Kind: KindBytes, Bytes: append([]byte(nil), b...)}
}

// Date returns a timestamp constant with second precision.
func Date(t time.Time) Term { return Term{Kind: KindDate, Int: t.Unix()} }

// IsVariable reports whether t is a variable.
func (t Term) IsVariable() bool { return t.Kind == KindVariable }

// Time converts a date term to time.Time (UTC).
func (t Term) Time() time.Time { return time.Unix(t.Int, 0).UTC() }

// Equal reports whether both terms have the same kind and value.
func (t Term) Equal(o Term) bool {
	if t.Kind != o.Kind {
		return false
	}
	switch t.Kind {
	case KindVariable, KindString:
		return t.Str == o.Str
	case KindInteger, KindDate:
		return t.Int == o.Int
	case KindBytes:
		return bytes.Equal(t.Bytes, o.Bytes)
	default:
		return false
	}
}

func (t Term) String() string {
	switch t.Kind {
	case KindVariable:
		return "$" + t.Str
	case KindString:
		return strconv.Quote(t.Str)
	case KindInteger:
		return strconv.FormatInt(t.Int, 10)
	case KindBytes:
		return "hex:" + hex.EncodeToString(t.Bytes)
	case KindDate:
		return t.Time().Format(time.RFC3339)
	default:
		return "<" + t.Kind.String() + ">"
	}
}

// compare orders two constants of the same orderable kind.
func compare(a, b Term) (int, bool) {
	if a.Kind != b.Kind {
		return 0, false
	}
	switch a.Kind {
	case KindString:
		return strings.Compare(a.Str, b.Str), true
	case KindInteger, KindDate:
		switch {
		case a.Int < b.Int:
			return -1, true
		case a.Int > b.Int:
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

func (t Term) writeKey(sb *strings.Builder) {
	sb.WriteByte(byte('0' + t.Kind))
	switch t.Kind {
	case KindVariable, KindString:
		sb.WriteString(strconv.Itoa(len(t.Str)))
		sb.WriteByte(':')
		sb.WriteString(t.Str)
	case KindInteger, KindDate:
		sb.WriteString(strconv.FormatInt(t.Int, 10))
	case KindBytes:
		sb.WriteString(hex.EncodeToString(t.Bytes))
	}
	sb.WriteByte(';')
}

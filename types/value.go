package types

import "github.com/shopspring/decimal"

// ValueKind tags the variant carried by a Value. The core itself is
// value-agnostic; this skeleton exists only so that the
// executor collaborator has a shared polymorphic row-value type to pass
// opaque bytes through the page layer as.
type ValueKind uint8

const (
	ValueNull ValueKind = iota
	ValueInt
	ValueFloat
	ValueText
	ValueBlob
	ValueDecimal
)

// Value is a tagged union over the scalar kinds a row column can hold.
// Only one field is meaningful per Kind.
type Value struct {
	Kind    ValueKind
	Int     int64
	Float   float64
	Text    string
	Blob    []byte
	Decimal decimal.Decimal
}

// NullValue returns the Null variant.
func NullValue() Value { return Value{Kind: ValueNull} }

// IntValue returns the Int variant.
func IntValue(v int64) Value { return Value{Kind: ValueInt, Int: v} }

// FloatValue returns the Float variant.
func FloatValue(v float64) Value { return Value{Kind: ValueFloat, Float: v} }

// TextValue returns the Text variant.
func TextValue(v string) Value { return Value{Kind: ValueText, Text: v} }

// BlobValue returns the Blob variant.
func BlobValue(v []byte) Value { return Value{Kind: ValueBlob, Blob: v} }

// DecimalValue returns the Decimal variant.
func DecimalValue(v decimal.Decimal) Value { return Value{Kind: ValueDecimal, Decimal: v} }

// IsNull reports whether v is the Null variant.
func (v Value) IsNull() bool { return v.Kind == ValueNull }

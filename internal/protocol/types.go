package protocol

import "errors"

// ErrMalformedEvent marks a CDC envelope that cannot be turned into a
// ChangeEvent. The consumer logs, drops, and acknowledges such entries.
var ErrMalformedEvent = errors.New("malformed cdc event")

type Operation string

const (
	OpInsert   Operation = "INSERT"
	OpUpdate   Operation = "UPDATE"
	OpDelete   Operation = "DELETE"
	OpSnapshot Operation = "SNAPSHOT"
)

// ChangeEvent is one row-level change consumed from a broker stream.
// Before/After hold the decoded column images; Source carries the
// producer metadata verbatim.
type ChangeEvent struct {
	Stream      string
	EntryID     string
	Operation   Operation
	TimestampMS int64
	Database    string
	Schema      string
	Table       string
	Before      map[string]Value
	After       map[string]Value
	Source      map[string]any
}

type ValueKind int

const (
	KindNull ValueKind = iota
	KindString
	KindInteger
	KindDecimal
	KindBool
	KindTimestamp
	KindOpaque
	KindMap
	KindList
)

// Value is the tagged column-value variant produced by the
// canonicalizer. Integer, Decimal, and Timestamp all carry their
// canonical text in Str.
type Value struct {
	Kind  ValueKind
	Str   string
	Bool  bool
	Bytes []byte
	Map   map[string]Value
	List  []Value
}

func Null() Value { return Value{Kind: KindNull} }

func String(s string) Value { return Value{Kind: KindString, Str: s} }

func Integer(dec string) Value { return Value{Kind: KindInteger, Str: dec} }

func Decimal(dec string) Value { return Value{Kind: KindDecimal, Str: dec} }

func Bool(b bool) Value { return Value{Kind: KindBool, Bool: b} }

func Timestamp(iso string) Value { return Value{Kind: KindTimestamp, Str: iso} }

func Opaque(b []byte) Value { return Value{Kind: KindOpaque, Bytes: b} }

func MapValue(m map[string]Value) Value { return Value{Kind: KindMap, Map: m} }

func ListValue(l []Value) Value { return Value{Kind: KindList, List: l} }

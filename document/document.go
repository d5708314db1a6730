// Package document models the opaque value stored under a primary key as a
// self-describing tagged value, and implements key-path extraction over it.
//
// The source this system was distilled from relies on walking a host-language
// object by property name; Go has no such dynamic access, so the value a
// store holds is modeled explicitly as a tagged union with named-field
// traversal.
package document

// Kind discriminates the shape of a Value.
type Kind int

const (
	KindAbsent Kind = iota
	KindNull
	KindBool
	KindInt64
	KindFloat64
	KindString
	KindBytes
	KindSequence
	KindMap
)

// Value is a self-describing document value. Only the field matching Kind
// is meaningful.
type Value struct {
	Kind     Kind
	Bool     bool
	Int64    int64
	Float64  float64
	String   string
	Bytes    []byte
	Sequence []Value
	Map      map[string]Value
}

// Absent is the value returned by Extract when a path segment is missing.
var Absent = Value{Kind: KindAbsent}

// Null is the explicit null value, distinct from Absent.
var Null = Value{Kind: KindNull}

func Bool(b bool) Value               { return Value{Kind: KindBool, Bool: b} }
func Int64(i int64) Value             { return Value{Kind: KindInt64, Int64: i} }
func Float64(f float64) Value         { return Value{Kind: KindFloat64, Float64: f} }
func String(s string) Value           { return Value{Kind: KindString, String: s} }
func Bytes(b []byte) Value            { return Value{Kind: KindBytes, Bytes: b} }
func Sequence(vs ...Value) Value      { return Value{Kind: KindSequence, Sequence: vs} }
func Map(m map[string]Value) Value    { return Value{Kind: KindMap, Map: m} }

// IsAbsent reports whether v is the Absent sentinel.
func (v Value) IsAbsent() bool { return v.Kind == KindAbsent }

// Extract walks v by a key path (a single field name or an ordered list of
// nested field names) and returns the value found there, or Absent if any
// segment along the path is missing or v is not a map at that point.
func Extract(v Value, path []string) Value {
	cur := v
	for _, segment := range path {
		if cur.Kind != KindMap {
			return Absent
		}
		next, ok := cur.Map[segment]
		if !ok {
			return Absent
		}
		cur = next
	}
	return cur
}

// Equal reports whether two Values are structurally identical.
func Equal(a, b Value) bool {
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case KindAbsent, KindNull:
		return true
	case KindBool:
		return a.Bool == b.Bool
	case KindInt64:
		return a.Int64 == b.Int64
	case KindFloat64:
		return a.Float64 == b.Float64
	case KindString:
		return a.String == b.String
	case KindBytes:
		if len(a.Bytes) != len(b.Bytes) {
			return false
		}
		for i := range a.Bytes {
			if a.Bytes[i] != b.Bytes[i] {
				return false
			}
		}
		return true
	case KindSequence:
		if len(a.Sequence) != len(b.Sequence) {
			return false
		}
		for i := range a.Sequence {
			if !Equal(a.Sequence[i], b.Sequence[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(a.Map) != len(b.Map) {
			return false
		}
		for k, av := range a.Map {
			bv, ok := b.Map[k]
			if !ok || !Equal(av, bv) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

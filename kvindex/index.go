// Package kvindex implements spec.md's InMemoryIndex and TransactionIndex:
// secondary-index machinery over the btree package's OrderedIndex, composed
// by value as a capability trait (Index) rather than by subclassing, per
// the Design Notes' guidance on the source's prototype-style inheritance.
package kvindex

import (
	"fmt"
	"math"
	"strconv"

	"github.com/cuemby/embedkv/document"
	"github.com/cuemby/embedkv/errs"
	"github.com/cuemby/embedkv/keyrange"
)

// ErrUniqueConstraintViolation is returned when a put would make a unique
// index map more than one primary key to the same secondary key. It is the
// same sentinel as errs.ErrUniqueConstraintViolation.
var ErrUniqueConstraintViolation = errs.ErrUniqueConstraintViolation

// KeyEncoding names one of the key encodings spec.md §6 recognizes for an
// index's extracted secondary key. The embedkv package re-exports this as
// its own KeyEncoding type, since the facade-level options need it but
// this package can't import back up to embedkv.
type KeyEncoding string

const (
	EncodingJSON    KeyEncoding = "JSON"
	EncodingBinary  KeyEncoding = "BINARY"
	EncodingString  KeyEncoding = "STRING"
	EncodingNumber  KeyEncoding = "NUMBER"
	EncodingGeneric KeyEncoding = "GENERIC"
)

// Def describes one secondary index: its name, the key path used to extract
// a secondary key from a stored value, the multi-entry/unique flags, and
// the encoding a declared KeyEncoding coerces extracted values into.
// KeyEncoding's zero value behaves like EncodingGeneric: the secondary key's
// Kind follows whatever document.Value.Kind the extracted value carries.
type Def struct {
	Name        string
	KeyPath     []string
	MultiEntry  bool
	Unique      bool
	KeyEncoding KeyEncoding
}

// Resolver looks a primary key up in the primary store backing an index,
// for Values/MaxValues/MinValues. It is supplied by the caller (a
// Transaction or ObjectStore) rather than owned by the index, so the same
// index machinery can be queried against whatever state a reader's
// transaction sees.
type Resolver func(keyrange.Key) (document.Value, bool)

// Index is the capability trait implemented by both InMemoryIndex (the new-
// entries overlay) and TransactionIndex (the merged view a transaction
// exposes). A persistent backend's own index is adapted to this interface
// through the BackendIndex contract in txindex.go.
type Index interface {
	Put(primary keyrange.Key, value document.Value, old *document.Value) error
	Remove(primary keyrange.Key, old document.Value) error
	Keys(r keyrange.Range, limit int) SortedKeys
	Values(r keyrange.Range, limit int, resolve Resolver) []document.Value
	MinGroup(r keyrange.Range) (secondary keyrange.Key, primaries SortedKeys, ok bool)
	MaxGroup(r keyrange.Range) (secondary keyrange.Key, primaries SortedKeys, ok bool)
	Count(r keyrange.Range) int
	CheckUnique(secondary keyrange.Key) bool
}

func uniqueViolation(indexName string) error {
	return fmt.Errorf("%w: index %q", ErrUniqueConstraintViolation, indexName)
}

// floatOrderedInt64 maps f to an int64 that keyrange.Key's KindInt
// comparison (a plain signed int64 compare) orders the same way f itself
// orders, rather than f's integer part. Reinterpreting a float64's raw
// IEEE 754 bits as int64 already orders non-negative floats correctly (the
// exponent and mantissa fields increase with the value, and the sign bit
// is 0); a negative float's bits have the sign bit set, which makes it a
// negative int64, but its remaining 63 bits increase with magnitude --
// i.e. as the float gets more negative -- so they need flipping to sort
// the same direction as the float itself.
func floatOrderedInt64(f float64) int64 {
	bits := int64(math.Float64bits(f))
	if bits < 0 {
		return bits ^ 0x7FFFFFFFFFFFFFFF
	}
	return bits
}

// numericValue coerces v to a float64, for EncodingNumber; strings parse
// as decimal, everything else that isn't already numeric fails.
func numericValue(v document.Value) (float64, bool) {
	switch v.Kind {
	case document.KindInt64:
		return float64(v.Int64), true
	case document.KindFloat64:
		return v.Float64, true
	case document.KindString:
		f, err := strconv.ParseFloat(v.String, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// stringValue coerces v to a string, for EncodingString.
func stringValue(v document.Value) (string, bool) {
	switch v.Kind {
	case document.KindString:
		return v.String, true
	case document.KindInt64:
		return strconv.FormatInt(v.Int64, 10), true
	case document.KindFloat64:
		return strconv.FormatFloat(v.Float64, 'g', -1, 64), true
	case document.KindBool:
		return strconv.FormatBool(v.Bool), true
	default:
		return "", false
	}
}

// toSecondaryKey converts v to the secondary key enc says it should be,
// coercing across the document.Value Kind where the encoding demands it.
// EncodingGeneric (and the zero value) skip coercion entirely and defer to
// v's own Kind; EncodingJSON has no dedicated secondary-key shape of its
// own (it names a document storage format, not an ordering), so it falls
// through to the same generic handling.
func toSecondaryKey(v document.Value, enc KeyEncoding) (keyrange.Key, bool) {
	switch enc {
	case EncodingNumber:
		f, ok := numericValue(v)
		if !ok {
			return keyrange.Key{}, false
		}
		if v.Kind == document.KindInt64 {
			return keyrange.Int(v.Int64), true
		}
		return keyrange.Int(floatOrderedInt64(f)), true
	case EncodingString:
		s, ok := stringValue(v)
		if !ok {
			return keyrange.Key{}, false
		}
		return keyrange.String(s), true
	case EncodingBinary:
		if v.Kind == document.KindBytes {
			return keyrange.Bytes(v.Bytes), true
		}
	}

	switch v.Kind {
	case document.KindInt64:
		return keyrange.Int(v.Int64), true
	case document.KindFloat64:
		return keyrange.Int(floatOrderedInt64(v.Float64)), true
	case document.KindString:
		return keyrange.String(v.String), true
	case document.KindBytes:
		return keyrange.Bytes(v.Bytes), true
	case document.KindBool:
		if v.Bool {
			return keyrange.Int(1), true
		}
		return keyrange.Int(0), true
	default:
		return keyrange.Key{}, false
	}
}

// ExtractSecondaryKeys returns the secondary keys v contributes under def,
// honoring the multi-entry flag. Exported for backend adapters that
// recompute their own persisted index deltas directly from old/new primary
// values rather than receiving pre-diffed deltas.
func ExtractSecondaryKeys(def Def, v document.Value) SortedKeys {
	return extract(def, v)
}

// extract computes the set of secondary keys a value contributes under def,
// honoring the multi-entry flag.
func extract(def Def, v document.Value) SortedKeys {
	extracted := document.Extract(v, def.KeyPath)
	if extracted.IsAbsent() {
		return nil
	}
	if def.MultiEntry && extracted.Kind == document.KindSequence {
		var out SortedKeys
		for _, el := range extracted.Sequence {
			if k, ok := toSecondaryKey(el, def.KeyEncoding); ok {
				out = out.Insert(k)
			}
		}
		return out
	}
	if k, ok := toSecondaryKey(extracted, def.KeyEncoding); ok {
		return SortedKeys{k}
	}
	return nil
}

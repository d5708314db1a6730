// Package keyrange defines the ordered Key value and the KeyRange interval
// used throughout embedkv to address entries in an object store or index.
package keyrange

import (
	"bytes"
	"strconv"
)

// Kind selects how two Keys of the same store are compared: lexicographically
// over raw bytes, lexicographically over a string's bytes, or numerically.
type Kind int

const (
	// KindBytes orders keys lexicographically over their raw bytes.
	KindBytes Kind = iota
	// KindString orders keys lexicographically, same as KindBytes, but keeps
	// the original string around for cheap round-tripping.
	KindString
	// KindInt orders keys numerically.
	KindInt
)

// Key is an opaque, totally-ordered value: a byte string, a string, or a
// signed 64-bit integer. Two Keys are only meaningfully compared when they
// share a Kind; a store is expected to use one Kind for all of its keys.
type Key struct {
	kind Kind
	b    []byte
	i    int64
}

// Bytes builds a byte-string Key, ordered lexicographically.
func Bytes(b []byte) Key {
	cp := make([]byte, len(b))
	copy(cp, b)
	return Key{kind: KindBytes, b: cp}
}

// String builds a string Key, ordered lexicographically over its bytes.
func String(s string) Key {
	return Key{kind: KindString, b: []byte(s)}
}

// Int builds a numeric Key.
func Int(i int64) Key {
	return Key{kind: KindInt, i: i}
}

// Kind reports how this Key orders against others.
func (k Key) Kind() Kind { return k.kind }

// IsZero reports whether k is the zero Key (absent of any value).
func (k Key) IsZero() bool { return k.kind == KindBytes && k.b == nil && k.i == 0 }

// Raw returns the underlying bytes for a KindBytes/KindString Key, or nil.
func (k Key) Raw() []byte { return k.b }

// Int64 returns the underlying integer for a KindInt Key.
func (k Key) Int64() int64 { return k.i }

// String returns the Key rendered as a string (only meaningful for
// KindString/KindBytes keys).
func (k Key) String() string { return string(k.b) }

// Compare returns -1, 0 or 1 as k is less than, equal to, or greater than
// other. Keys of different Kinds are ordered by Kind first (KindBytes <
// KindString < KindInt), which is not the tag order of codec, where
// integers sort before strings.
func (k Key) Compare(other Key) int {
	if k.kind != other.kind {
		if k.kind < other.kind {
			return -1
		}
		return 1
	}
	switch k.kind {
	case KindInt:
		switch {
		case k.i < other.i:
			return -1
		case k.i > other.i:
			return 1
		default:
			return 0
		}
	default:
		return bytes.Compare(k.b, other.b)
	}
}

// Equal reports whether k and other compare equal.
func (k Key) Equal(other Key) bool { return k.Compare(other) == 0 }

// Canon returns a canonical, comparable string form of k, suitable for use
// as a Go map key. Key itself holds a byte slice and so is not comparable;
// every set/map keyed by Key throughout embedkv goes through Canon instead.
func (k Key) Canon() string {
	switch k.kind {
	case KindInt:
		return "i:" + strconv.FormatInt(k.i, 10)
	case KindString:
		return "s:" + string(k.b)
	default:
		return "b:" + string(k.b)
	}
}

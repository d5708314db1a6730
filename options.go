package embedkv

import "github.com/cuemby/embedkv/kvindex"

// KeyEncoding names one of the key encodings spec.md §6 recognizes. The
// core only needs to tell them apart when an index's key path extracts a
// value whose byte representation is ambiguous without a declared type;
// NUMBER and STRING resolve that ambiguity explicitly by coercing the
// extracted value (kvindex.toSecondaryKey does the actual coercion),
// GENERIC defers to whatever document.Value.Kind the extracted value
// carries. Defined in kvindex since that's where it's enforced; re-typed
// here as the facade's own name for it.
type KeyEncoding = kvindex.KeyEncoding

const (
	EncodingJSON    = kvindex.EncodingJSON
	EncodingBinary  = kvindex.EncodingBinary
	EncodingString  = kvindex.EncodingString
	EncodingNumber  = kvindex.EncodingNumber
	EncodingGeneric = kvindex.EncodingGeneric
)

// UpgradeCondition gates a structural change an upgrade hook requests:
// CreateObjectStore/CreateIndex apply only when the condition holds for
// the version transition Connect is running the hook for, and
// DeleteObjectStore/DeleteIndex consult the condition the store/index was
// originally created with. This lets an upgrade hook call the same
// structural operations unconditionally on every Connect and have them
// silently no-op on versions where the condition doesn't hold, rather
// than needing its own if-ladder over oldVersion/newVersion.
type UpgradeCondition func(oldVersion, newVersion int) bool

// StoreOptions configures one object store, per spec.md §6. Persistent
// stores are backed by boltbackend; non-persistent ones by membackend.
// EnableLruCache wraps whichever backend is chosen in backend.CachedBackend.
type StoreOptions struct {
	KeyEncoding      KeyEncoding
	Persistent       bool
	EnableLruCache   bool
	LruCacheSize     int
	UpgradeCondition UpgradeCondition
}

// DefaultStoreOptions returns spec.md §6's defaults: persistent, cached,
// a 5000-entry LRU.
func DefaultStoreOptions() StoreOptions {
	return StoreOptions{
		Persistent:     true,
		EnableLruCache: true,
		LruCacheSize:   5000,
	}
}

// IndexOptions configures one secondary index, per spec.md §6.
type IndexOptions struct {
	MultiEntry       bool
	Unique           bool
	UpgradeCondition UpgradeCondition
	KeyEncoding      KeyEncoding
}

// DefaultIndexOptions returns spec.md §6's defaults: neither multi-entry
// nor unique.
func DefaultIndexOptions() IndexOptions {
	return IndexOptions{}
}

// def converts name/path/options into the kvindex.Def the txn package
// operates on, stripping the facade-only UpgradeCondition field that only
// matters at createObjectStore/createIndex time.
func (o IndexOptions) def(name string, keyPath []string) kvindex.Def {
	return kvindex.Def{
		Name:        name,
		KeyPath:     keyPath,
		MultiEntry:  o.MultiEntry,
		Unique:      o.Unique,
		KeyEncoding: o.KeyEncoding,
	}
}

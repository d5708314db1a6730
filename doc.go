// Package embedkv, see embedkv.go for the Database facade and
// options.go for StoreOptions/IndexOptions.
//
// Package layout:
//
//	keyrange   ordered, totally-ordered Key and Range
//	document   opaque Value with key-path extraction
//	codec      self-describing byte encoding for persistent backends
//	btree      in-memory B+ tree (OrderedIndex) with a stateful cursor
//	kvindex    InMemoryIndex / TransactionIndex secondary-index machinery
//	backend    the Backend contract plus CachedBackend
//	txn        Transaction, ObjectStore state stack, CombinedTransaction
//	query      set-algebraic query builder over indices
//	adapters   membackend (in-memory) and boltbackend (bbolt-backed)
//	internal   logging, metrics, and the LRU cache used by backend.CachedBackend
package embedkv

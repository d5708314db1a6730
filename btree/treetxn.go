package btree

import "github.com/cuemby/embedkv/keyrange"

// op is one staged write in a TreeTransaction.
type op struct {
	key    keyrange.Key
	remove bool
	record *Record
}

// TreeTransaction stages a list of inserts and removals against an
// OrderedIndex so they can be applied, or merged with another
// TreeTransaction, as a single atomic batch, without touching the live tree
// until Apply is called. No other package in this module uses it; the
// persistent backend maintains its index buckets itself.
type TreeTransaction struct {
	tree *OrderedIndex
	ops  []op
}

// Transaction returns a new TreeTransaction staged against t.
func (t *OrderedIndex) Transaction() *TreeTransaction {
	return &TreeTransaction{tree: t}
}

// Insert stages an unconditional upsert of record at key.
func (tx *TreeTransaction) Insert(key keyrange.Key, record *Record) {
	tx.ops = append(tx.ops, op{key: key, record: record})
}

// Remove stages a removal of key.
func (tx *TreeTransaction) Remove(key keyrange.Key) {
	tx.ops = append(tx.ops, op{key: key, remove: true})
}

// Merge appends other's staged operations to tx, in order, leaving other
// empty.
func (tx *TreeTransaction) Merge(other *TreeTransaction) {
	tx.ops = append(tx.ops, other.ops...)
	other.ops = nil
}

// Len reports the number of staged operations.
func (tx *TreeTransaction) Len() int { return len(tx.ops) }

// Apply applies every staged operation to the owning tree, in order, and
// clears the staged list.
func (tx *TreeTransaction) Apply() {
	for _, o := range tx.ops {
		if o.remove {
			tx.tree.Remove(o.key)
		} else {
			tx.tree.Upsert(o.key, o.record)
		}
	}
	tx.ops = nil
}

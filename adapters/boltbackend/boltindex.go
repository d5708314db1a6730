package boltbackend

import (
	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/embedkv/document"
	"github.com/cuemby/embedkv/keyrange"
	"github.com/cuemby/embedkv/kvindex"
)

// persistedIndex adapts one bbolt index bucket to kvindex.BackendIndex,
// so a Transaction's TransactionIndex can overlay a persistent index
// exactly as it would an in-memory one.
type persistedIndex struct {
	backend *Backend
	def     kvindex.Def
}

func (p *persistedIndex) forEachGroup(r keyrange.Range, visit func(secondary keyrange.Key, primaries kvindex.SortedKeys) bool) {
	_ = p.backend.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(p.backend.indexBucketName(p.def.Name))
		if bucket == nil {
			return nil
		}
		c := bucket.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			secondary, err := decodeStoredKey(k)
			if err != nil {
				continue
			}
			if !r.Contains(secondary) {
				continue
			}
			group, err := p.backend.readGroup(bucket, secondary)
			if err != nil {
				continue
			}
			_ = v
			if !visit(secondary, group) {
				break
			}
		}
		return nil
	})
}

func (p *persistedIndex) Keys(r keyrange.Range, limit int) kvindex.SortedKeys {
	var out kvindex.SortedKeys
	p.forEachGroup(r, func(_ keyrange.Key, primaries kvindex.SortedKeys) bool {
		for _, pk := range primaries {
			out = out.Insert(pk)
			if limit > 0 && len(out) >= limit {
				return false
			}
		}
		return true
	})
	return out
}

func (p *persistedIndex) Values(r keyrange.Range, limit int, resolve kvindex.Resolver) []document.Value {
	var out []document.Value
	for _, pk := range p.Keys(r, limit) {
		if v, ok := resolve(pk); ok {
			out = append(out, v)
		}
	}
	return out
}

func (p *persistedIndex) MinGroup(r keyrange.Range) (keyrange.Key, kvindex.SortedKeys, bool) {
	var secondary keyrange.Key
	var primaries kvindex.SortedKeys
	found := false
	p.forEachGroup(r, func(sk keyrange.Key, pks kvindex.SortedKeys) bool {
		secondary, primaries, found = sk, pks, true
		return false
	})
	return secondary, primaries, found
}

func (p *persistedIndex) MaxGroup(r keyrange.Range) (keyrange.Key, kvindex.SortedKeys, bool) {
	var secondary keyrange.Key
	var primaries kvindex.SortedKeys
	found := false
	p.forEachGroup(r, func(sk keyrange.Key, pks kvindex.SortedKeys) bool {
		secondary, primaries, found = sk, pks, true
		return true
	})
	return secondary, primaries, found
}

func (p *persistedIndex) Count(r keyrange.Range) int {
	total := 0
	p.forEachGroup(r, func(_ keyrange.Key, primaries kvindex.SortedKeys) bool {
		total += len(primaries)
		return true
	})
	return total
}

func (p *persistedIndex) CheckUnique(secondary keyrange.Key) bool {
	ok := true
	p.forEachGroup(keyrange.Only(secondary), func(_ keyrange.Key, primaries kvindex.SortedKeys) bool {
		ok = len(primaries) == 0
		return false
	})
	return ok
}

// Package boltbackend implements backend.Backend on top of
// go.etcd.io/bbolt, the same embedded B+tree-with-MVCC engine the
// teacher uses for its own cluster state (pkg/storage/boltdb.go). One
// top-level bucket holds one object store's primary data, keyed by the
// codec-encoded primary key; one nested bucket per secondary index
// holds that index's persisted keys, keyed by the codec-encoded
// secondary key and holding a JSON-encoded primary-key set as its
// value.
package boltbackend

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/embedkv/backend"
	"github.com/cuemby/embedkv/codec"
	"github.com/cuemby/embedkv/document"
	"github.com/cuemby/embedkv/errs"
	"github.com/cuemby/embedkv/internal/obslog"
	"github.com/cuemby/embedkv/keyrange"
	"github.com/cuemby/embedkv/kvindex"
)

var dataBucketSuffix = []byte("#data")

// DB wraps a single bbolt file shared across every persistent object
// store in a database, mirroring storage.NewBoltStore's one-file,
// one-bucket-per-table convention.
type DB struct {
	mu sync.Mutex
	db *bolt.DB
}

// Open opens (creating if necessary) the bbolt file at dataDir/embedkv.db.
func Open(dataDir string) (*DB, error) {
	path := filepath.Join(dataDir, "embedkv.db")
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		obslog.WithComponent("boltbackend").Err(err).Str("path", path).Msg("open failed")
		return nil, fmt.Errorf("%w: open %s: %v", errs.ErrBackendFailure, path, err)
	}
	return &DB{db: db}, nil
}

// Close closes the underlying bbolt file.
func (d *DB) Close() error { return d.db.Close() }

// Store returns a Backend for storeName, creating its bucket if absent.
func (d *DB) Store(storeName string) (*Backend, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	bucketName := append([]byte(storeName), dataBucketSuffix...)
	err := d.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: create bucket %s: %v", errs.ErrBackendFailure, storeName, err)
	}
	return &Backend{db: d.db, bucketName: bucketName, defs: map[string]kvindex.Def{}}, nil
}

// Backend is a bbolt-backed backend.Backend for one object store.
type Backend struct {
	db         *bolt.DB
	bucketName []byte
	defs       map[string]kvindex.Def
}

func (b *Backend) Persistent() bool { return true }

func keyBytes(key keyrange.Key) []byte {
	switch key.Kind() {
	case keyrange.KindInt:
		return codec.EncodeInt(key.Int64())
	default:
		return codec.EncodeString(key.String())
	}
}

func encodeValue(v document.Value) ([]byte, error) { return codec.EncodeJSON(v) }

func decodeValue(data []byte) (document.Value, error) {
	var v document.Value
	if err := codec.DecodeJSON(data, &v); err != nil {
		return document.Value{}, err
	}
	return v, nil
}

func (b *Backend) Get(ctx context.Context, key keyrange.Key) (document.Value, bool, error) {
	var v document.Value
	var found bool
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(b.bucketName)
		data := bucket.Get(keyBytes(key))
		if data == nil {
			return nil
		}
		decoded, err := decodeValue(data)
		if err != nil {
			return err
		}
		v, found = decoded, true
		return nil
	})
	if err != nil {
		return document.Value{}, false, fmt.Errorf("%w: get: %v", errs.ErrBackendFailure, err)
	}
	return v, found, nil
}

func (b *Backend) Put(ctx context.Context, key keyrange.Key, value document.Value) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return b.putTx(tx, key, value)
	})
}

func (b *Backend) putTx(tx *bolt.Tx, key keyrange.Key, value document.Value) error {
	bucket := tx.Bucket(b.bucketName)
	old, hadOld, err := b.getTx(tx, key)
	if err != nil {
		return err
	}
	data, err := encodeValue(value)
	if err != nil {
		return fmt.Errorf("%w: encode: %v", errs.ErrBackendFailure, err)
	}
	if err := bucket.Put(keyBytes(key), data); err != nil {
		return err
	}
	var oldPtr *document.Value
	if hadOld {
		oldPtr = &old
	}
	return b.updateIndicesTx(tx, key, &value, oldPtr)
}

func (b *Backend) getTx(tx *bolt.Tx, key keyrange.Key) (document.Value, bool, error) {
	bucket := tx.Bucket(b.bucketName)
	data := bucket.Get(keyBytes(key))
	if data == nil {
		return document.Value{}, false, nil
	}
	v, err := decodeValue(data)
	return v, true, err
}

func (b *Backend) Remove(ctx context.Context, key keyrange.Key) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return b.removeTx(tx, key)
	})
}

func (b *Backend) removeTx(tx *bolt.Tx, key keyrange.Key) error {
	old, hadOld, err := b.getTx(tx, key)
	if err != nil {
		return err
	}
	bucket := tx.Bucket(b.bucketName)
	if err := bucket.Delete(keyBytes(key)); err != nil {
		return err
	}
	if hadOld {
		return b.updateIndicesTx(tx, key, nil, &old)
	}
	return nil
}

// updateIndicesTx recomputes each secondary index's persisted delta for
// key directly from newValue/oldValue via kvindex.ExtractSecondaryKeys,
// rather than requiring a precomputed backend.IndexDelta: the bucket
// already holds everything needed to know which secondary keys a
// primary key contributed before and after this write.
func (b *Backend) updateIndicesTx(tx *bolt.Tx, primary keyrange.Key, newValue, oldValue *document.Value) error {
	for name, def := range b.defs {
		var newKeys, oldKeys kvindex.SortedKeys
		if newValue != nil {
			newKeys = kvindex.ExtractSecondaryKeys(def, *newValue)
		}
		if oldValue != nil {
			oldKeys = kvindex.ExtractSecondaryKeys(def, *oldValue)
		}
		bucket := tx.Bucket(b.indexBucketName(name))
		if bucket == nil {
			continue
		}
		for _, sk := range kvindex.Difference(oldKeys, newKeys) {
			if err := b.removePrimaryFromGroup(bucket, sk, primary); err != nil {
				return err
			}
		}
		for _, sk := range kvindex.Difference(newKeys, oldKeys) {
			if err := b.addPrimaryToGroup(bucket, sk, primary); err != nil {
				return err
			}
		}
	}
	return nil
}

func (b *Backend) indexBucketName(name string) []byte {
	return []byte(string(b.bucketName) + "#idx#" + name)
}

func (b *Backend) addPrimaryToGroup(bucket *bolt.Bucket, secondary, primary keyrange.Key) error {
	group, err := b.readGroup(bucket, secondary)
	if err != nil {
		return err
	}
	group = group.Insert(primary)
	return b.writeGroup(bucket, secondary, group)
}

func (b *Backend) removePrimaryFromGroup(bucket *bolt.Bucket, secondary, primary keyrange.Key) error {
	group, err := b.readGroup(bucket, secondary)
	if err != nil {
		return err
	}
	group = group.Remove(primary)
	if len(group) == 0 {
		return bucket.Delete(keyBytes(secondary))
	}
	return b.writeGroup(bucket, secondary, group)
}

type encodedPrimary struct {
	Kind int8
	B    []byte
	I    int64
}

func toEncodedPrimaries(group kvindex.SortedKeys) []encodedPrimary {
	out := make([]encodedPrimary, 0, len(group))
	for _, k := range group {
		switch k.Kind() {
		case keyrange.KindInt:
			out = append(out, encodedPrimary{Kind: int8(keyrange.KindInt), I: k.Int64()})
		case keyrange.KindString:
			out = append(out, encodedPrimary{Kind: int8(keyrange.KindString), B: []byte(k.String())})
		default:
			out = append(out, encodedPrimary{Kind: int8(keyrange.KindBytes), B: k.Raw()})
		}
	}
	return out
}

func fromEncodedPrimaries(in []encodedPrimary) kvindex.SortedKeys {
	var out kvindex.SortedKeys
	for _, e := range in {
		switch keyrange.Kind(e.Kind) {
		case keyrange.KindInt:
			out = out.Insert(keyrange.Int(e.I))
		case keyrange.KindString:
			out = out.Insert(keyrange.String(string(e.B)))
		default:
			out = out.Insert(keyrange.Bytes(e.B))
		}
	}
	return out
}

func (b *Backend) readGroup(bucket *bolt.Bucket, secondary keyrange.Key) (kvindex.SortedKeys, error) {
	data := bucket.Get(keyBytes(secondary))
	if data == nil {
		return nil, nil
	}
	var encoded []encodedPrimary
	if err := codec.DecodeJSON(data, &encoded); err != nil {
		return nil, fmt.Errorf("%w: decode index group: %v", errs.ErrBackendFailure, err)
	}
	return fromEncodedPrimaries(encoded), nil
}

func (b *Backend) writeGroup(bucket *bolt.Bucket, secondary keyrange.Key, group kvindex.SortedKeys) error {
	data, err := codec.EncodeJSON(toEncodedPrimaries(group))
	if err != nil {
		return fmt.Errorf("%w: encode index group: %v", errs.ErrBackendFailure, err)
	}
	return bucket.Put(keyBytes(secondary), data)
}

func (b *Backend) Keys(ctx context.Context, r keyrange.Range) ([]keyrange.Key, error) {
	var out []keyrange.Key
	err := b.db.View(func(tx *bolt.Tx) error {
		return b.forEach(tx, r, func(k keyrange.Key, _ document.Value) bool {
			out = append(out, k)
			return true
		})
	})
	return out, err
}

func (b *Backend) Values(ctx context.Context, r keyrange.Range) ([]document.Value, error) {
	var out []document.Value
	err := b.db.View(func(tx *bolt.Tx) error {
		return b.forEach(tx, r, func(_ keyrange.Key, v document.Value) bool {
			out = append(out, v)
			return true
		})
	})
	return out, err
}

// forEach walks every entry whose codec-decoded key falls in r, in
// bucket cursor order; bbolt's cursor already yields keys in their
// encoded byte order, which codec.Compare guarantees matches key order
// for a single Kind, matching the Kind each object store is expected to
// use consistently for all of its keys.
func (b *Backend) forEach(tx *bolt.Tx, r keyrange.Range, fn func(keyrange.Key, document.Value) bool) error {
	bucket := tx.Bucket(b.bucketName)
	if bucket == nil {
		return nil
	}
	c := bucket.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		key, err := decodeStoredKey(k)
		if err != nil {
			return err
		}
		if !r.Contains(key) {
			continue
		}
		value, err := decodeValue(v)
		if err != nil {
			return err
		}
		if !fn(key, value) {
			break
		}
	}
	return nil
}

func decodeStoredKey(data []byte) (keyrange.Key, error) {
	tag, _, err := codec.Split(data)
	if err != nil {
		return keyrange.Key{}, err
	}
	switch tag {
	case codec.TagInt:
		i, err := codec.DecodeInt(data)
		if err != nil {
			return keyrange.Key{}, err
		}
		return keyrange.Int(i), nil
	default:
		s, err := codec.DecodeString(data)
		if err != nil {
			return keyrange.Key{}, err
		}
		return keyrange.String(s), nil
	}
}

func (b *Backend) MinKey(ctx context.Context, r keyrange.Range) (keyrange.Key, bool, error) {
	keys, err := b.Keys(ctx, r)
	if err != nil || len(keys) == 0 {
		return keyrange.Key{}, false, err
	}
	return keys[0], true, nil
}

func (b *Backend) MaxKey(ctx context.Context, r keyrange.Range) (keyrange.Key, bool, error) {
	keys, err := b.Keys(ctx, r)
	if err != nil || len(keys) == 0 {
		return keyrange.Key{}, false, err
	}
	return keys[len(keys)-1], true, nil
}

func (b *Backend) MinValue(ctx context.Context, r keyrange.Range) (document.Value, bool, error) {
	k, ok, err := b.MinKey(ctx, r)
	if err != nil || !ok {
		return document.Value{}, false, err
	}
	return b.Get(ctx, k)
}

func (b *Backend) MaxValue(ctx context.Context, r keyrange.Range) (document.Value, bool, error) {
	k, ok, err := b.MaxKey(ctx, r)
	if err != nil || !ok {
		return document.Value{}, false, err
	}
	return b.Get(ctx, k)
}

func (b *Backend) Count(ctx context.Context, r keyrange.Range) (int, error) {
	keys, err := b.Keys(ctx, r)
	return len(keys), err
}

func (b *Backend) KeyStream(ctx context.Context, r keyrange.Range, ascending bool, fn backend.StreamFunc[keyrange.Key]) error {
	keys, err := b.Keys(ctx, r)
	if err != nil {
		return err
	}
	if !ascending {
		reverseKeys(keys)
	}
	for _, k := range keys {
		if !fn(k) {
			break
		}
	}
	return nil
}

func (b *Backend) ValueStream(ctx context.Context, r keyrange.Range, ascending bool, fn backend.StreamFunc[document.Value]) error {
	values, err := b.Values(ctx, r)
	if err != nil {
		return err
	}
	if !ascending {
		reverseValues(values)
	}
	for _, v := range values {
		if !fn(v) {
			break
		}
	}
	return nil
}

func reverseKeys(s []keyrange.Key) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}

func reverseValues(s []document.Value) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}

// ApplyCombined applies batch as a single bbolt.Tx, giving true atomic
// commit of the primary data and every secondary index it touches.
func (b *Backend) ApplyCombined(ctx context.Context, batch backend.Batch) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		if batch.Truncated {
			if err := b.truncateTx(tx); err != nil {
				return err
			}
		}
		for _, kv := range batch.Modified {
			if err := b.putTx(tx, kv.Key, kv.Value); err != nil {
				return err
			}
		}
		for _, k := range batch.Removed {
			if err := b.removeTx(tx, k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: apply combined: %v", errs.ErrBackendFailure, err)
	}
	return nil
}

func (b *Backend) Truncate(ctx context.Context) error {
	return b.db.Update(func(tx *bolt.Tx) error { return b.truncateTx(tx) })
}

func (b *Backend) truncateTx(tx *bolt.Tx) error {
	if err := tx.DeleteBucket(b.bucketName); err != nil && err != bolt.ErrBucketNotFound {
		return err
	}
	if _, err := tx.CreateBucket(b.bucketName); err != nil {
		return err
	}
	for name := range b.defs {
		idxName := b.indexBucketName(name)
		if err := tx.DeleteBucket(idxName); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		if _, err := tx.CreateBucket(idxName); err != nil {
			return err
		}
	}
	return nil
}

func (b *Backend) CreateIndex(ctx context.Context, def kvindex.Def) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		idxName := b.indexBucketName(def.Name)
		bucket, err := tx.CreateBucketIfNotExists(idxName)
		if err != nil {
			return err
		}
		return b.forEach(tx, keyrange.All(), func(primary keyrange.Key, v document.Value) bool {
			for _, sk := range kvindex.ExtractSecondaryKeys(def, v) {
				if addErr := b.addPrimaryToGroup(bucket, sk, primary); addErr != nil {
					err = addErr
					return false
				}
			}
			return true
		})
	})
	if err != nil {
		return fmt.Errorf("%w: create index %s: %v", errs.ErrBackendFailure, def.Name, err)
	}
	b.defs[def.Name] = def
	return nil
}

func (b *Backend) DeleteIndex(ctx context.Context, name string) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		err := tx.DeleteBucket(b.indexBucketName(name))
		if err == bolt.ErrBucketNotFound {
			return nil
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: delete index %s: %v", errs.ErrBackendFailure, name, err)
	}
	delete(b.defs, name)
	return nil
}

// Index returns a read-only view over the persisted secondary index
// named name, satisfying kvindex.BackendIndex.
func (b *Backend) Index(name string) (kvindex.BackendIndex, bool) {
	def, ok := b.defs[name]
	if !ok {
		return nil, false
	}
	return &persistedIndex{backend: b, def: def}, true
}

func (b *Backend) Close(ctx context.Context) error { return nil }

func (b *Backend) Destroy(ctx context.Context) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(b.bucketName); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		for name := range b.defs {
			if err := tx.DeleteBucket(b.indexBucketName(name)); err != nil && err != bolt.ErrBucketNotFound {
				return err
			}
		}
		return nil
	})
}

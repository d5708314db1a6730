// Package embedkv is an embeddable transactional key-value store: named
// object stores with secondary indices, snapshot-isolated transactions,
// and a pluggable backend, following spec.md's design directly.
//
// A Database is opened with Connect, which creates or upgrades the
// on-disk schema, then is used through GetObjectStore to begin
// transactions. Structural changes (creating or deleting an object
// store or index) are only permitted while disconnected, mirroring the
// teacher's own connect/structural-change split in pkg/manager.
package embedkv

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/cuemby/embedkv/adapters/boltbackend"
	"github.com/cuemby/embedkv/adapters/membackend"
	"github.com/cuemby/embedkv/backend"
	"github.com/cuemby/embedkv/document"
	"github.com/cuemby/embedkv/errs"
	"github.com/cuemby/embedkv/internal/obslog"
	"github.com/cuemby/embedkv/internal/obsmetrics"
	"github.com/cuemby/embedkv/keyrange"
	"github.com/cuemby/embedkv/kvindex"
	"github.com/cuemby/embedkv/txn"
)

// UpgradeHook is invoked once per Connect when the requested version
// differs from the version the database was last connected with. It may
// call Database.CreateObjectStore/DeleteObjectStore and ObjectStore's
// CreateIndex/DeleteIndex; GetObjectStore returns ErrNotConnected until
// Connect has finished, so the hook has no ObjectStore handle of its own
// and declares a new store's indices through CreateObjectStore's
// IndexSpec arguments. Outside a hook, structural calls are rejected
// while connected. A hook can call the
// same structural operations unconditionally on every version bump and
// rely on each option's UpgradeCondition to decide, per call, whether the
// (oldVersion, newVersion) pair actually applies; a call gated by a
// condition that evaluates false is a silent no-op, not an error.
type UpgradeHook func(ctx context.Context, db *Database, oldVersion, newVersion int) error

// IndexSpec names one secondary index to create alongside an object
// store, or against an already-open one via ObjectStore.CreateIndex.
type IndexSpec struct {
	Name    string
	KeyPath []string
	Options IndexOptions
}

// storeEntry is the facade-level record for one named object store: its
// options and index specs (needed to recreate the backend across a
// reconnect), plus the live txn.ObjectStore once connected.
type storeEntry struct {
	opts    StoreOptions
	indices map[string]IndexSpec
	raw     backend.Backend
	store   *txn.ObjectStore
}

// Database is the top-level facade: store directory, version upgrade
// hook, and connect/close/destroy lifecycle, per spec.md §6.
type Database struct {
	mu sync.Mutex

	name    string
	dataDir string
	bolt    *boltbackend.DB

	connected     bool
	version       int
	withinUpgrade bool
	upgradeFrom   int
	upgradeTo     int

	stores map[string]*storeEntry
}

// Open constructs a Database rooted at dataDir, without connecting it.
// dataDir holds one directory per database, named after the database,
// holding that database's bolt file.
func Open(dataDir string) *Database {
	return &Database{
		dataDir: dataDir,
		stores:  map[string]*storeEntry{},
	}
}

// ObjectStore is the facade handle to one named object store: it wraps
// a txn.ObjectStore and tracks outstanding transactions for Close's
// drain check.
type ObjectStore struct {
	db   *Database
	name string
	raw  *txn.ObjectStore
}

// Name returns the object store's name.
func (o *ObjectStore) Name() string { return o.raw.Name() }

// Get reads key from the store's latest committed state, outside any
// transaction.
func (o *ObjectStore) Get(ctx context.Context, key keyrange.Key) (document.Value, bool, error) {
	if !o.db.isConnected() {
		return document.Value{}, false, errs.ErrNotConnected
	}
	return o.raw.Get(ctx, key)
}

// Begin opens a new transaction against this store, per spec.md §4.
func (o *ObjectStore) Begin(ctx context.Context) (*txn.Transaction, error) {
	if !o.db.isConnected() {
		return nil, errs.ErrNotConnected
	}
	return o.raw.Begin(ctx)
}

// CreateIndex adds a secondary index to an already-open store. Per
// spec.md §6, this is a structural change and is rejected unless called
// from within an UpgradeHook passed to Connect.
func (o *ObjectStore) CreateIndex(ctx context.Context, name string, keyPath []string, opts IndexOptions) error {
	o.db.mu.Lock()
	defer o.db.mu.Unlock()
	if !o.db.withinUpgrade {
		return fmt.Errorf("%w: createIndex requires an upgrade hook", errs.ErrInvalidState)
	}
	if !o.db.upgradeAllowed(opts.UpgradeCondition) {
		return nil
	}
	return o.db.createIndexLocked(o.name, name, keyPath, opts)
}

// DeleteIndex removes a secondary index. Same structural restriction as
// CreateIndex.
func (o *ObjectStore) DeleteIndex(ctx context.Context, name string) error {
	o.db.mu.Lock()
	defer o.db.mu.Unlock()
	if !o.db.withinUpgrade {
		return fmt.Errorf("%w: deleteIndex requires an upgrade hook", errs.ErrInvalidState)
	}
	entry := o.db.stores[o.name]
	if spec, ok := entry.indices[name]; ok && !o.db.upgradeAllowed(spec.Options.UpgradeCondition) {
		return nil
	}
	delete(entry.indices, name)
	return entry.raw.DeleteIndex(ctx, name)
}

func (d *Database) isConnected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

// upgradeAllowed reports whether a structural call gated by cond may
// proceed. Outside an upgrade hook there is no version transition to
// evaluate cond against, so every structural call is allowed there
// regardless of cond (Connect's own withinUpgrade/connected checks are
// what restrict structural calls to that window in the first place).
// Caller holds d.mu.
func (d *Database) upgradeAllowed(cond UpgradeCondition) bool {
	if !d.withinUpgrade || cond == nil {
		return true
	}
	return cond(d.upgradeFrom, d.upgradeTo)
}

// Connect opens name at the given schema version, creating it if absent
// or running hook if the stored version differs, per spec.md §6. version
// must be >= 1.
func (d *Database) Connect(ctx context.Context, name string, version int, hook UpgradeHook) error {
	d.mu.Lock()
	if d.connected {
		d.mu.Unlock()
		return fmt.Errorf("%w: already connected", errs.ErrInvalidState)
	}
	if version < 1 {
		d.mu.Unlock()
		return fmt.Errorf("%w: version must be >= 1, got %d", errs.ErrInvalidArguments, version)
	}
	d.mu.Unlock()

	if err := os.MkdirAll(filepath.Join(d.dataDir, name), 0o700); err != nil {
		return fmt.Errorf("%w: create data dir: %v", errs.ErrBackendFailure, err)
	}
	boltDB, err := boltbackend.Open(filepath.Join(d.dataDir, name))
	if err != nil {
		return fmt.Errorf("%w: open backend: %v", errs.ErrBackendFailure, err)
	}

	d.mu.Lock()
	d.name = name
	d.bolt = boltDB
	oldVersion := d.version
	d.mu.Unlock()

	if hook != nil && oldVersion != version {
		d.mu.Lock()
		d.withinUpgrade = true
		d.upgradeFrom = oldVersion
		d.upgradeTo = version
		d.mu.Unlock()

		err := hook(ctx, d, oldVersion, version)

		d.mu.Lock()
		d.withinUpgrade = false
		d.mu.Unlock()

		if err != nil {
			return fmt.Errorf("upgrade hook (v%d -> v%d): %w", oldVersion, version, err)
		}
	}

	d.mu.Lock()
	d.version = version
	d.connected = true
	d.mu.Unlock()

	obslog.Logger.Info().Str("database", name).Int("version", version).Msg("embedkv: connected")
	return nil
}

// GetObjectStore returns a handle to the named store, whose backend was
// opened when the store was created.
func (d *Database) GetObjectStore(name string) (*ObjectStore, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.connected {
		return nil, errs.ErrNotConnected
	}
	entry, ok := d.stores[name]
	if !ok {
		return nil, fmt.Errorf("%w: object store %q does not exist", errs.ErrInvalidState, name)
	}
	return &ObjectStore{db: d, name: name, raw: entry.store}, nil
}

// CreateObjectStore declares a new named object store with the given
// options and initial indices. Allowed only while disconnected, or from
// within an UpgradeHook passed to Connect.
func (d *Database) CreateObjectStore(ctx context.Context, name string, opts StoreOptions, indices ...IndexSpec) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.connected && !d.withinUpgrade {
		return fmt.Errorf("%w: createObjectStore requires disconnected state or an upgrade hook", errs.ErrInvalidState)
	}
	if _, exists := d.stores[name]; exists {
		return fmt.Errorf("%w: object store %q already exists", errs.ErrInvalidArguments, name)
	}
	if !d.upgradeAllowed(opts.UpgradeCondition) {
		return nil
	}

	defs := map[string]kvindex.Def{}
	indexSpecs := map[string]IndexSpec{}
	for _, spec := range indices {
		defs[spec.Name] = spec.Options.def(spec.Name, spec.KeyPath)
		indexSpecs[spec.Name] = spec
	}

	raw, err := d.openBackend(name, opts)
	if err != nil {
		return err
	}
	for _, def := range defs {
		if err := raw.CreateIndex(ctx, def); err != nil {
			return fmt.Errorf("%w: create index %q: %v", errs.ErrBackendFailure, def.Name, err)
		}
	}

	wrapped := raw
	if opts.EnableLruCache {
		size := opts.LruCacheSize
		if size <= 0 {
			size = 5000
		}
		wrapped = backend.NewCached(raw, name, size)
	}

	d.stores[name] = &storeEntry{
		opts:    opts,
		indices: indexSpecs,
		raw:     raw,
		store:   txn.NewObjectStore(name, wrapped, defs),
	}
	obsmetrics.StackDepth.WithLabelValues(name).Set(0)
	return nil
}

// openBackend constructs the raw, uncached backend.Backend for a new
// object store: boltbackend when persistent, membackend otherwise.
func (d *Database) openBackend(name string, opts StoreOptions) (backend.Backend, error) {
	if !opts.Persistent {
		return membackend.New(), nil
	}
	if d.bolt == nil {
		return nil, fmt.Errorf("%w: persistent store requires a connected database", errs.ErrNotConnected)
	}
	raw, err := d.bolt.Store(name)
	if err != nil {
		return nil, fmt.Errorf("%w: open store %q: %v", errs.ErrBackendFailure, name, err)
	}
	return raw, nil
}

// createIndexLocked backfills an index against an already-open store's
// live backend, under d.mu (caller holds the lock).
func (d *Database) createIndexLocked(storeName, indexName string, keyPath []string, opts IndexOptions) error {
	entry, ok := d.stores[storeName]
	if !ok {
		return fmt.Errorf("%w: object store %q does not exist", errs.ErrInvalidState, storeName)
	}
	def := opts.def(indexName, keyPath)
	if err := entry.raw.CreateIndex(context.Background(), def); err != nil {
		return fmt.Errorf("%w: create index %q: %v", errs.ErrBackendFailure, indexName, err)
	}
	entry.indices[indexName] = IndexSpec{Name: indexName, KeyPath: keyPath, Options: opts}
	return nil
}

// DeleteObjectStore removes a named object store entirely, backend
// state included. Same structural restriction as CreateObjectStore.
func (d *Database) DeleteObjectStore(ctx context.Context, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.connected && !d.withinUpgrade {
		return fmt.Errorf("%w: deleteObjectStore requires disconnected state or an upgrade hook", errs.ErrInvalidState)
	}
	entry, ok := d.stores[name]
	if !ok {
		return fmt.Errorf("%w: object store %q does not exist", errs.ErrInvalidArguments, name)
	}
	if !d.upgradeAllowed(entry.opts.UpgradeCondition) {
		return nil
	}
	if err := entry.raw.Destroy(ctx); err != nil {
		return fmt.Errorf("%w: destroy store %q: %v", errs.ErrBackendFailure, name, err)
	}
	delete(d.stores, name)
	return nil
}

// Close closes every store's backend and the bolt file. It does not wait
// for open transactions: if any top-level transaction is still
// outstanding when Close is called, it fails at once with
// CloseWhileActive, leaving the database open.
func (d *Database) Close(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n := d.countOpenTransactionsLocked(); n > 0 {
		return fmt.Errorf("%w: %d store(s) have open transactions", errs.ErrCloseWhileActive, n)
	}
	for _, entry := range d.stores {
		if err := entry.raw.Close(ctx); err != nil {
			return fmt.Errorf("%w: close store %q: %v", errs.ErrBackendFailure, entry.store.Name(), err)
		}
	}
	if d.bolt != nil {
		if err := d.bolt.Close(); err != nil {
			return fmt.Errorf("%w: %v", errs.ErrBackendFailure, err)
		}
	}
	d.connected = false
	return nil
}

// Destroy is Close followed by removal of every object store's backing
// state.
func (d *Database) Destroy(ctx context.Context) error {
	d.mu.Lock()
	if n := d.countOpenTransactionsLocked(); n > 0 {
		d.mu.Unlock()
		return fmt.Errorf("%w: %d store(s) have open transactions", errs.ErrCloseWhileActive, n)
	}
	stores := make([]*storeEntry, 0, len(d.stores))
	for _, entry := range d.stores {
		stores = append(stores, entry)
	}
	d.mu.Unlock()

	for _, entry := range stores {
		if err := entry.raw.Destroy(ctx); err != nil {
			return fmt.Errorf("%w: destroy store %q: %v", errs.ErrBackendFailure, entry.store.Name(), err)
		}
	}
	if d.bolt != nil {
		if err := d.bolt.Close(); err != nil {
			return fmt.Errorf("%w: %v", errs.ErrBackendFailure, err)
		}
	}

	d.mu.Lock()
	d.stores = map[string]*storeEntry{}
	d.connected = false
	d.mu.Unlock()
	return nil
}

// countOpenTransactionsLocked counts how many stores currently have at
// least one OPEN top-level transaction. Caller holds d.mu.
func (d *Database) countOpenTransactionsLocked() int {
	n := 0
	for _, entry := range d.stores {
		if entry.store.HasOpenTransactions() {
			n++
		}
	}
	return n
}

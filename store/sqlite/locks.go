/*
locks.go - the canonical per-wallet-id lock substitute for SELECT ... FOR UPDATE

PURPOSE:
  SQLite has no row-level locking primitive equivalent to Postgres's
  SELECT ... FOR UPDATE. lockTable provides one in-process mutex per wallet
  id; WalletRegistry.LockWallets acquires them in ascending id order so
  concurrent transfers touching an overlapping set of wallets always
  request locks in the same total order and can never deadlock.

  The mutexes are scoped to a single *Store (and therefore a single *sql.DB
  handle) - they do not coordinate across separate OS processes, which
  mirrors the teacher's own single-process sync.RWMutex assumption.

CONTEXT PLUMBING:
  Both the open *sql.Tx and the lockRegistry for the in-flight WithTx call
  travel on the context that WithTx passes to fn, since ledger.Scope
  methods only receive a context.Context and no other per-call state.
*/
package sqlite

import (
	"context"
	"database/sql"
	"sort"
	"sync"

	"github.com/warp/vault-ledger/ledger"
)

// lockTable hands out one *sync.Mutex per wallet id, created lazily.
type lockTable struct {
	mu   sync.Mutex
	byID map[ledger.WalletID]*sync.Mutex
}

func newLockTable() *lockTable {
	return &lockTable{byID: make(map[ledger.WalletID]*sync.Mutex)}
}

func (t *lockTable) mutexFor(id ledger.WalletID) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.byID[id]
	if !ok {
		m = &sync.Mutex{}
		t.byID[id] = m
	}
	return m
}

func sortWalletIDs(ids []ledger.WalletID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}

// lockRegistry accumulates the mutexes a single WithTx call has locked via
// LockWallets, so WithTx can release exactly those locks, exactly once,
// when fn returns.
type lockRegistry struct {
	mu   sync.Mutex
	held []*sync.Mutex
}

// acquire locks ids's mutexes (already sorted ascending by the caller) and
// records them for release.
func (r *lockRegistry) acquire(table *lockTable, ids []ledger.WalletID) {
	locks := make([]*sync.Mutex, 0, len(ids))
	for _, id := range ids {
		locks = append(locks, table.mutexFor(id))
	}
	for _, l := range locks {
		l.Lock()
	}
	r.mu.Lock()
	r.held = append(r.held, locks...)
	r.mu.Unlock()
}

func (r *lockRegistry) releaseAll() {
	r.mu.Lock()
	locks := r.held
	r.held = nil
	r.mu.Unlock()
	for _, l := range locks {
		l.Unlock()
	}
}

type lockRegistryKey struct{}

func withLockRegistry(ctx context.Context, reg *lockRegistry) context.Context {
	return context.WithValue(ctx, lockRegistryKey{}, reg)
}

func lockRegistryFrom(ctx context.Context) *lockRegistry {
	reg, _ := ctx.Value(lockRegistryKey{}).(*lockRegistry)
	return reg
}

type txKey struct{}

func withTx(ctx context.Context, tx *sql.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

func txFromContext(ctx context.Context) *sql.Tx {
	tx, _ := ctx.Value(txKey{}).(*sql.Tx)
	return tx
}

// execerFromContext returns the in-flight *sql.Tx bound to ctx, or falls
// back to db for calls made outside a transactional scope (e.g. the
// read-only ReadService paths).
func execerFromContext(ctx context.Context, db *sql.DB) execer {
	if tx := txFromContext(ctx); tx != nil {
		return tx
	}
	return db
}

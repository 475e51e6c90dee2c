/*
Package memstore is an in-memory ledger.TxStore used by tests.

PURPOSE:
  Exercises the same concurrency contract as store/sqlite without a disk
  file: a per-wallet-id mutex table provides the canonical, ascending-order
  lock WithTx callers rely on, so tests can assert the deadlock-avoidance
  and conservation invariants with real goroutines instead of mocking the
  lock order away.

NOT FOR PRODUCTION:
  No durability, no WAL, no crash recovery. Use store/sqlite for that.
*/
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/warp/vault-ledger/ledger"
)

// Memory is an in-memory ledger.TxStore.
type Memory struct {
	mu sync.RWMutex

	assets  map[ledger.AssetID]ledger.AssetType
	wallets map[ledger.WalletID]ledger.Wallet
	entries []ledger.LedgerEntry
	txs     map[ledger.TransactionID]ledger.Transaction
	idem    map[string]ledger.IdempotencyRecord // keyed by IdempotencyRecord.Key alone

	walletLocks map[ledger.WalletID]*sync.Mutex
	locksMu     sync.Mutex
}

func New() *Memory {
	return &Memory{
		assets:      make(map[ledger.AssetID]ledger.AssetType),
		wallets:     make(map[ledger.WalletID]ledger.Wallet),
		txs:         make(map[ledger.TransactionID]ledger.Transaction),
		idem:        make(map[string]ledger.IdempotencyRecord),
		walletLocks: make(map[ledger.WalletID]*sync.Mutex),
	}
}

// SeedAsset and SeedWallet populate fixtures outside the write path; tests
// use these instead of going through Engine.Transfer to set up balances.
func (m *Memory) SeedAsset(a ledger.AssetType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assets[a.ID] = a
}

func (m *Memory) SeedWallet(w ledger.Wallet) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wallets[w.ID] = w
}

// =============================================================================
// AssetRegistry
// =============================================================================

func (m *Memory) LookupAsset(ctx context.Context, id ledger.AssetID) (ledger.AssetType, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.assets[id]
	if !ok {
		return ledger.AssetType{}, ledger.NotFound("asset type %q not found", id)
	}
	return a, nil
}

func (m *Memory) ListAssets(ctx context.Context) ([]ledger.AssetType, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ledger.AssetType, 0, len(m.assets))
	for _, a := range m.assets {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// =============================================================================
// WalletRegistry
// =============================================================================

func (m *Memory) LookupWallet(ctx context.Context, id ledger.WalletID) (ledger.Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.wallets[id]
	if !ok {
		return ledger.Wallet{}, ledger.NotFound("wallet %q not found", id)
	}
	return w, nil
}

func (m *Memory) LookupSystem(ctx context.Context, ownerRef string) (ledger.Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, w := range m.wallets {
		if w.OwnerType == ledger.OwnerSystem && w.OwnerRef == ownerRef {
			return w, nil
		}
	}
	return ledger.Wallet{}, ledger.NotFound("system wallet %q not found", ownerRef)
}

func (m *Memory) ListWallets(ctx context.Context) ([]ledger.Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ledger.Wallet, 0, len(m.wallets))
	for _, w := range m.wallets {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// LockWallets sorts ids ascending, locks each wallet's dedicated mutex in
// that order, and returns their current rows. The returned unlock closure
// is not exposed - callers release the locks by way of the surrounding
// WithTx call returning.
func (m *Memory) LockWallets(ctx context.Context, ids ...ledger.WalletID) (map[ledger.WalletID]ledger.Wallet, error) {
	unique := dedupeSorted(ids)

	locks := make([]*sync.Mutex, 0, len(unique))
	m.locksMu.Lock()
	for _, id := range unique {
		l, ok := m.walletLocks[id]
		if !ok {
			l = &sync.Mutex{}
			m.walletLocks[id] = l
		}
		locks = append(locks, l)
	}
	m.locksMu.Unlock()

	for _, l := range locks {
		l.Lock()
	}
	if reg := lockRegistryFrom(ctx); reg != nil {
		reg.track(locks)
	}

	result := make(map[ledger.WalletID]ledger.Wallet, len(unique))
	m.mu.RLock()
	for _, id := range unique {
		w, ok := m.wallets[id]
		if !ok {
			m.mu.RUnlock()
			return nil, ledger.NotFound("wallet %q not found", id)
		}
		result[id] = w
	}
	m.mu.RUnlock()
	return result, nil
}

func dedupeSorted(ids []ledger.WalletID) []ledger.WalletID {
	seen := make(map[ledger.WalletID]struct{}, len(ids))
	unique := make([]ledger.WalletID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}
	sort.Slice(unique, func(i, j int) bool { return unique[i] < unique[j] })
	return unique
}

// =============================================================================
// LedgerStore
// =============================================================================

func (m *Memory) InsertEntry(ctx context.Context, entry ledger.LedgerEntry) error {
	if j := journalFrom(ctx); j != nil {
		j.addEntry(entry)
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return nil
}

func (m *Memory) Balance(ctx context.Context, walletID ledger.WalletID) ([]ledger.AssetBalance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sums := make(map[ledger.AssetID]ledger.Amount)
	for _, e := range m.entries {
		if e.WalletID != walletID {
			continue
		}
		cur := sums[e.AssetTypeID]
		if e.Direction == ledger.DirCredit {
			sums[e.AssetTypeID] = cur.Add(e.Amount)
		} else {
			sums[e.AssetTypeID] = cur.Sub(e.Amount)
		}
	}
	out := make([]ledger.AssetBalance, 0, len(sums))
	for assetID, amount := range sums {
		if amount.IsZero() {
			continue
		}
		asset := m.assets[assetID]
		out = append(out, ledger.AssetBalance{
			AssetTypeID: assetID,
			Name:        asset.Name,
			Symbol:      asset.Symbol,
			Balance:     amount,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AssetTypeID < out[j].AssetTypeID })
	return out, nil
}

func (m *Memory) BalanceForAsset(ctx context.Context, walletID ledger.WalletID, assetID ledger.AssetID) (ledger.Amount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	balance := ledger.ZeroAmount()
	for _, e := range m.entries {
		if e.WalletID != walletID || e.AssetTypeID != assetID {
			continue
		}
		if e.Direction == ledger.DirCredit {
			balance = balance.Add(e.Amount)
		} else {
			balance = balance.Sub(e.Amount)
		}
	}
	return balance, nil
}

func (m *Memory) History(ctx context.Context, walletID ledger.WalletID, limit, offset int) ([]ledger.EnrichedEntry, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []ledger.LedgerEntry
	for _, e := range m.entries {
		if e.WalletID == walletID {
			matched = append(matched, e)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })

	total := len(matched)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}

	out := make([]ledger.EnrichedEntry, 0, end-offset)
	for _, e := range matched[offset:end] {
		asset := m.assets[e.AssetTypeID]
		tx := m.txs[e.TransactionID]
		out = append(out, ledger.EnrichedEntry{
			LedgerEntry:     e,
			AssetSymbol:     asset.Symbol,
			TransactionType: tx.Type,
			TransactionRef:  tx.Reference,
		})
	}
	return out, total, nil
}

// =============================================================================
// TransactionStore
// =============================================================================

func (m *Memory) Insert(ctx context.Context, tx ledger.Transaction) error {
	if j := journalFrom(ctx); j != nil {
		j.addTx(tx)
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txs[tx.ID] = tx
	return nil
}

// =============================================================================
// IdempotencyStore
// =============================================================================

func (m *Memory) HashRequest(assetTypeID ledger.AssetID, amount ledger.Amount, reference string) string {
	return ledger.HashRequest(assetTypeID, amount, reference)
}

// Lookup finds the record for key alone - key is globally unique across
// endpoints, per spec.md §6/§8.
func (m *Memory) Lookup(ctx context.Context, key string) (ledger.IdempotencyRecord, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.idem[key]
	if !ok || rec.ExpiresAt.Before(time.Now()) {
		return ledger.IdempotencyRecord{}, false, nil
	}
	return rec, true, nil
}

// SaveIdempotency stages rec into the in-flight scope's journal; it is not
// visible to other callers until WithTx resolves the scope's outcome and
// commits. This is what lets a key collision detected at commit time roll
// back this scope's ledger entries instead of leaving them stranded.
func (m *Memory) SaveIdempotency(ctx context.Context, rec ledger.IdempotencyRecord) error {
	j := journalFrom(ctx)
	if j == nil {
		return ledger.Internal(fmt.Errorf("SaveIdempotency called outside a transactional scope"))
	}
	j.setIdem(rec)
	return nil
}

// =============================================================================
// TxStore
// =============================================================================

// WithTx runs fn with m acting as its own Scope: the coarse-grained m.mu
// guards bookkeeping state, while LockWallets' per-wallet mutexes provide
// the fine-grained, order-respecting lock the transfer engine depends on.
// A lockRegistry travels with ctx so any lock LockWallets acquires during
// fn is released exactly once when WithTx returns, success or failure.
//
// InsertEntry, Insert, and SaveIdempotency stage their writes into a
// per-call journal instead of mutating m directly; WithTx only applies the
// journal - atomically, under m.mu - once fn returns successfully. This is
// what lets a same-key idempotency collision discovered at the very end of
// fn (SaveIdempotency) discard the transaction header and ledger entries
// that same fn already "wrote" earlier in its body, exactly as a real
// storage transaction's rollback would.
func (m *Memory) WithTx(ctx context.Context, fn func(context.Context, ledger.Scope) error) error {
	reg := &lockRegistry{}
	j := &txJournal{}
	txCtx := withJournal(withLockRegistry(ctx, reg), j)
	defer reg.unlockAll()

	if err := fn(txCtx, m); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if j.idem != nil {
		if existing, ok := m.idem[j.idem.Key]; ok && existing.ExpiresAt.After(time.Now()) {
			if existing.RequestHash == j.idem.RequestHash {
				return &ledger.IdempotencyAlreadyCommittedError{Existing: existing}
			}
			return ledger.Conflict("idempotency key %q already recorded with a different request", j.idem.Key)
		}
		m.idem[j.idem.Key] = *j.idem
	}
	m.entries = append(m.entries, j.entries...)
	for _, tx := range j.txs {
		m.txs[tx.ID] = tx
	}
	return nil
}

// lockRegistry accumulates the wallet mutexes a single WithTx call has
// acquired, so they can be released in one place regardless of how many
// times LockWallets was called or which branch of fn returned.
type lockRegistry struct {
	mu    sync.Mutex
	locks []*sync.Mutex
}

func (r *lockRegistry) track(locks []*sync.Mutex) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.locks = append(r.locks, locks...)
}

func (r *lockRegistry) unlockAll() {
	r.mu.Lock()
	locks := r.locks
	r.locks = nil
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

// txJournal accumulates one in-flight WithTx call's writes so WithTx can
// apply them to Memory's maps atomically - all at once, or not at all.
type txJournal struct {
	mu      sync.Mutex
	entries []ledger.LedgerEntry
	txs     []ledger.Transaction
	idem    *ledger.IdempotencyRecord
}

func (j *txJournal) addEntry(e ledger.LedgerEntry) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, e)
}

func (j *txJournal) addTx(tx ledger.Transaction) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.txs = append(j.txs, tx)
}

func (j *txJournal) setIdem(rec ledger.IdempotencyRecord) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.idem = &rec
}

type journalKey struct{}

func withJournal(ctx context.Context, j *txJournal) context.Context {
	return context.WithValue(ctx, journalKey{}, j)
}

func journalFrom(ctx context.Context) *txJournal {
	j, _ := ctx.Value(journalKey{}).(*txJournal)
	return j
}

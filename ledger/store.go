/*
store.go - persistence interfaces between the engine and a storage backend

PURPOSE:
  Splits persistence into small capability interfaces so the transfer engine
  depends only on behavior, never on a concrete SQL/driver type. A Store
  composes all five capability interfaces; a TxStore adds WithTx, the
  single door through which every write happens.

APPEND-ONLY CONTRACT:
  LedgerStore.InsertEntry and TransactionStore.Insert are the only write
  paths for ledger data (IdempotencyStore.SaveIdempotency writes the
  idempotency cache). There is no Update or Delete anywhere in this interface set -
  corrections happen via new, offsetting transfers.

TRANSACTIONAL SCOPE:
  WithTx(ctx, fn) opens a backend transaction, builds a Scope bound to it,
  and calls fn(scope). A nil return commits; a non-nil return rolls back.
  WalletRegistry.LockWallets is only meaningful inside a Scope - it is what
  acquires the canonical, deadlock-avoiding row lock spec.md's concurrency
  model requires.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: production SQLite backend
  - ledger/memstore: in-memory backend for tests, same locking guarantees

SEE ALSO:
  - ledger.go: the only caller of WithTx
  - errors.go: the Kind values these methods return
*/
package ledger

import "context"

// =============================================================================
// CAPABILITY INTERFACES
// =============================================================================

// AssetRegistry resolves asset types.
type AssetRegistry interface {
	LookupAsset(ctx context.Context, id AssetID) (AssetType, error)
	ListAssets(ctx context.Context) ([]AssetType, error)
}

// WalletRegistry resolves wallets and, inside a transactional Scope,
// acquires the canonical lock ordering.
type WalletRegistry interface {
	LookupWallet(ctx context.Context, id WalletID) (Wallet, error)
	LookupSystem(ctx context.Context, ownerRef string) (Wallet, error)
	ListWallets(ctx context.Context) ([]Wallet, error)

	// LockWallets acquires an exclusive lock on every wallet id, always in
	// ascending lexicographic order regardless of the order ids are passed
	// in, then returns each wallet's current row. Only valid inside a
	// Scope produced by TxStore.WithTx.
	LockWallets(ctx context.Context, ids ...WalletID) (map[WalletID]Wallet, error)
}

// LedgerStore reads and writes ledger entries.
type LedgerStore interface {
	// InsertEntry appends one immutable ledger entry. Valid inside a Scope only.
	InsertEntry(ctx context.Context, entry LedgerEntry) error

	// Balance derives a wallet's per-asset balances as Σcredits − Σdebits.
	Balance(ctx context.Context, walletID WalletID) ([]AssetBalance, error)

	// BalanceForAsset derives a single wallet/asset balance. Valid inside a
	// Scope, used by the engine immediately after LockWallets to evaluate
	// the funds check against a consistent snapshot.
	BalanceForAsset(ctx context.Context, walletID WalletID, assetID AssetID) (Amount, error)

	// History returns a page of enriched entries for a wallet, newest first.
	History(ctx context.Context, walletID WalletID, limit, offset int) ([]EnrichedEntry, int, error)
}

// TransactionStore persists transaction headers.
type TransactionStore interface {
	// Insert writes one transaction header. Valid inside a Scope only.
	Insert(ctx context.Context, tx Transaction) error
}

// IdempotencyStore hashes, looks up, and records idempotent write outcomes.
type IdempotencyStore interface {
	// HashRequest canonicalizes {assetTypeId, amount, reference} and returns
	// its SHA-256 hex digest.
	HashRequest(assetTypeID AssetID, amount Amount, reference string) string

	// Lookup returns the cached record for key if present and unexpired. key
	// is globally unique across endpoints - spec.md §6/§8 require at most one
	// unexpired record per key, not per (endpoint, key) pair.
	Lookup(ctx context.Context, key string) (IdempotencyRecord, bool, error)

	// SaveIdempotency records the outcome of a write. Valid inside a Scope
	// only - it commits atomically with the ledger entries it is caching.
	SaveIdempotency(ctx context.Context, rec IdempotencyRecord) error
}

// =============================================================================
// COMPOSITE STORE / TRANSACTIONAL SCOPE
// =============================================================================

// Store composes every capability interface, write methods included. Read
// services depend on this, never on TxStore, so they cannot open a
// transactional scope.
type Store interface {
	AssetRegistry
	WalletRegistry
	LedgerStore
	TransactionStore
	IdempotencyStore
}

// Scope is the view of Store available inside a single transactional
// attempt. It is the same capability set as Store; the separate name marks
// the call sites where WalletRegistry.LockWallets is legal to call.
type Scope interface {
	Store
}

// TxStore is a Store that can also open a transactional Scope. It is the
// only interface the transfer engine is constructed with.
type TxStore interface {
	Store

	// WithTx executes fn inside a single backend transaction, passing fn a
	// context scoped to that transaction (backends use this to carry
	// transaction-local state, e.g. an acquired-lock registry, down to
	// Scope method calls). fn's error return rolls back; nil commits.
	// Retryable failures (lock timeouts, serialization conflicts) are
	// surfaced as *Error with KindTransientConflict so the engine's bounded
	// retry loop can distinguish them from permanent failures.
	WithTx(ctx context.Context, fn func(context.Context, Scope) error) error
}

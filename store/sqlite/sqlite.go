/*
Package sqlite provides the SQLite-backed implementation of ledger.TxStore.

PURPOSE:
  Persists the five-table wallet schema (asset_types, wallets, transactions,
  ledger_entries, idempotency_keys) and implements WithTx with the
  canonical, ascending-id wallet lock the transfer engine's concurrency
  model requires.

APPEND-ONLY ENFORCEMENT:
  No UPDATE or DELETE statement touches transactions or ledger_entries
  anywhere in this file. Corrections happen via new, offsetting transfers.

CONCURRENCY:
  SQLite has no SELECT ... FOR UPDATE. Store substitutes an in-process,
  per-wallet-id mutex table (locks.go): WithTx opens a *sql.Tx, and
  WalletRegistry.LockWallets acquires the in-process mutexes for the given
  wallet ids in ascending order before reading their rows, so two
  concurrent transfers touching the same wallet pair always take the locks
  in the same order and can never deadlock against each other.

WAL MODE:
  Opened with _journal_mode=WAL and _foreign_keys=on, same as the teacher's
  convention, plus SetMaxOpenConns(10) to bound the pool explicitly.

SEE ALSO:
  - ledger/store.go: the interfaces this type implements
  - locks.go: the per-wallet-id mutex table
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/warp/vault-ledger/ledger"
)

// Store implements ledger.TxStore using SQLite.
type Store struct {
	db    *sql.DB
	locks *lockTable
}

// New opens (creating if necessary) the SQLite database at dbPath and
// migrates its schema. Use ":memory:" for an ephemeral database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(10)

	s := &Store{db: db, locks: newLockTable()}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS asset_types (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		symbol TEXT NOT NULL,
		description TEXT,
		active BOOLEAN NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS wallets (
		id TEXT PRIMARY KEY,
		owner_ref TEXT NOT NULL,
		owner_type TEXT NOT NULL,
		label TEXT,
		active BOOLEAN NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_wallets_owner
		ON wallets(owner_type, owner_ref);

	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		reference TEXT NOT NULL,
		initiated_by TEXT NOT NULL,
		metadata_json TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_reference
		ON transactions(reference);

	CREATE TABLE IF NOT EXISTS ledger_entries (
		id TEXT PRIMARY KEY,
		transaction_id TEXT NOT NULL REFERENCES transactions(id),
		wallet_id TEXT NOT NULL REFERENCES wallets(id),
		asset_type_id TEXT NOT NULL REFERENCES asset_types(id),
		direction TEXT NOT NULL,
		amount TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_ledger_entries_wallet_asset
		ON ledger_entries(wallet_id, asset_type_id);
	CREATE INDEX IF NOT EXISTS idx_ledger_entries_wallet_created
		ON ledger_entries(wallet_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_ledger_entries_transaction
		ON ledger_entries(transaction_id);

	CREATE TABLE IF NOT EXISTS idempotency_keys (
		key TEXT PRIMARY KEY,
		endpoint TEXT NOT NULL,
		request_hash TEXT NOT NULL,
		response_status INTEGER NOT NULL,
		response_body TEXT NOT NULL,
		transaction_id TEXT,
		expires_at TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_idempotency_expires
		ON idempotency_keys(expires_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// AssetRegistry
// =============================================================================

func (s *Store) LookupAsset(ctx context.Context, id ledger.AssetID) (ledger.AssetType, error) {
	return lookupAsset(ctx, execerFromContext(ctx, s.db), id)
}

func lookupAsset(ctx context.Context, db execer, id ledger.AssetID) (ledger.AssetType, error) {
	var a ledger.AssetType
	var createdAt string
	err := db.QueryRowContext(ctx,
		`SELECT id, name, symbol, description, active, created_at FROM asset_types WHERE id = ?`, id,
	).Scan(&a.ID, &a.Name, &a.Symbol, &a.Description, &a.Active, &createdAt)
	if err == sql.ErrNoRows {
		return ledger.AssetType{}, ledger.NotFound("asset type %q not found", id)
	}
	if err != nil {
		return ledger.AssetType{}, ledger.Internal(err)
	}
	a.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return a, nil
}

func (s *Store) ListAssets(ctx context.Context) ([]ledger.AssetType, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, symbol, description, active, created_at FROM asset_types ORDER BY id`)
	if err != nil {
		return nil, ledger.Internal(err)
	}
	defer rows.Close()

	var out []ledger.AssetType
	for rows.Next() {
		var a ledger.AssetType
		var createdAt string
		if err := rows.Scan(&a.ID, &a.Name, &a.Symbol, &a.Description, &a.Active, &createdAt); err != nil {
			return nil, ledger.Internal(err)
		}
		a.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		out = append(out, a)
	}
	return out, rows.Err()
}

// SeedAsset inserts or replaces an asset type. Used by startup fixtures,
// not by the transfer path.
func (s *Store) SeedAsset(ctx context.Context, a ledger.AssetType) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO asset_types (id, name, symbol, description, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name=excluded.name, symbol=excluded.symbol,
			description=excluded.description, active=excluded.active
	`, a.ID, a.Name, a.Symbol, a.Description, a.Active, a.CreatedAt.Format(time.RFC3339))
	return err
}

// =============================================================================
// WalletRegistry
// =============================================================================

func (s *Store) LookupWallet(ctx context.Context, id ledger.WalletID) (ledger.Wallet, error) {
	return lookupWallet(ctx, execerFromContext(ctx, s.db), "id = ?", id)
}

func (s *Store) LookupSystem(ctx context.Context, ownerRef string) (ledger.Wallet, error) {
	return lookupWallet(ctx, execerFromContext(ctx, s.db), "owner_type = 'system' AND owner_ref = ?", ownerRef)
}

func lookupWallet(ctx context.Context, db execer, where string, arg any) (ledger.Wallet, error) {
	var w ledger.Wallet
	var createdAt, updatedAt string
	err := db.QueryRowContext(ctx,
		`SELECT id, owner_ref, owner_type, label, active, created_at, updated_at
		 FROM wallets WHERE `+where, arg,
	).Scan(&w.ID, &w.OwnerRef, &w.OwnerType, &w.Label, &w.Active, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return ledger.Wallet{}, ledger.NotFound("wallet not found")
	}
	if err != nil {
		return ledger.Wallet{}, ledger.Internal(err)
	}
	w.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	w.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return w, nil
}

func (s *Store) ListWallets(ctx context.Context) ([]ledger.Wallet, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_ref, owner_type, label, active, created_at, updated_at FROM wallets ORDER BY id`)
	if err != nil {
		return nil, ledger.Internal(err)
	}
	defer rows.Close()

	var out []ledger.Wallet
	for rows.Next() {
		var w ledger.Wallet
		var createdAt, updatedAt string
		if err := rows.Scan(&w.ID, &w.OwnerRef, &w.OwnerType, &w.Label, &w.Active, &createdAt, &updatedAt); err != nil {
			return nil, ledger.Internal(err)
		}
		w.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		w.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		out = append(out, w)
	}
	return out, rows.Err()
}

// SeedWallet inserts or replaces a wallet. Used by startup fixtures.
func (s *Store) SeedWallet(ctx context.Context, w ledger.Wallet) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO wallets (id, owner_ref, owner_type, label, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET owner_ref=excluded.owner_ref, owner_type=excluded.owner_type,
			label=excluded.label, active=excluded.active, updated_at=excluded.updated_at
	`, w.ID, w.OwnerRef, w.OwnerType, w.Label, w.Active,
		w.CreatedAt.Format(time.RFC3339), w.UpdatedAt.Format(time.RFC3339))
	return err
}

// LockWallets acquires the in-process mutex for every id (ascending,
// deduplicated) and re-reads each wallet row within the caller's *sql.Tx.
// Only meaningful when called through a Scope obtained from WithTx.
func (s *Store) LockWallets(ctx context.Context, ids ...ledger.WalletID) (map[ledger.WalletID]ledger.Wallet, error) {
	tx := txFromContext(ctx)
	if tx == nil {
		return nil, ledger.Internal(fmt.Errorf("LockWallets called outside a transactional scope"))
	}

	unique := dedupeSorted(ids)
	if reg := lockRegistryFrom(ctx); reg != nil {
		reg.acquire(s.locks, unique)
	}

	result := make(map[ledger.WalletID]ledger.Wallet, len(unique))
	for _, id := range unique {
		w, err := lookupWallet(ctx, tx, "id = ?", id)
		if err != nil {
			return nil, err
		}
		result[id] = w
	}
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
	sortWalletIDs(unique)
	return unique
}

// =============================================================================
// LedgerStore
// =============================================================================

func (s *Store) InsertEntry(ctx context.Context, entry ledger.LedgerEntry) error {
	db := execerFromContext(ctx, s.db)
	_, err := db.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, transaction_id, wallet_id, asset_type_id, direction, amount, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, entry.ID, entry.TransactionID, entry.WalletID, entry.AssetTypeID, entry.Direction,
		entry.Amount.String(), entry.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return ledger.Internal(err)
	}
	return nil
}

func (s *Store) Balance(ctx context.Context, walletID ledger.WalletID) ([]ledger.AssetBalance, error) {
	db := execerFromContext(ctx, s.db)
	rows, err := db.QueryContext(ctx, `
		SELECT e.asset_type_id, a.name, a.symbol,
		       COALESCE(SUM(CASE WHEN e.direction = 'credit' THEN CAST(e.amount AS REAL)
		                         ELSE -CAST(e.amount AS REAL) END), 0)
		FROM ledger_entries e
		JOIN asset_types a ON a.id = e.asset_type_id
		WHERE e.wallet_id = ?
		GROUP BY e.asset_type_id, a.name, a.symbol
		ORDER BY e.asset_type_id
	`, walletID)
	if err != nil {
		return nil, ledger.Internal(err)
	}
	defer rows.Close()

	var out []ledger.AssetBalance
	for rows.Next() {
		var b ledger.AssetBalance
		var sum float64
		if err := rows.Scan(&b.AssetTypeID, &b.Name, &b.Symbol, &sum); err != nil {
			return nil, ledger.Internal(err)
		}
		// The float aggregate above is scanned and then discarded; the
		// reported balance and the zero check both use the canonical
		// decimal sum that balanceForAssetTx recomputes entry by entry.
		amount, err := s.balanceForAssetTx(ctx, db, walletID, b.AssetTypeID)
		if err != nil {
			return nil, err
		}
		if amount.IsZero() {
			continue
		}
		b.Balance = amount
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *Store) BalanceForAsset(ctx context.Context, walletID ledger.WalletID, assetID ledger.AssetID) (ledger.Amount, error) {
	db := execerFromContext(ctx, s.db)
	return s.balanceForAssetTx(ctx, db, walletID, assetID)
}

func (s *Store) balanceForAssetTx(ctx context.Context, db execer, walletID ledger.WalletID, assetID ledger.AssetID) (ledger.Amount, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT direction, amount FROM ledger_entries
		WHERE wallet_id = ? AND asset_type_id = ?
	`, walletID, assetID)
	if err != nil {
		return ledger.Amount{}, ledger.Internal(err)
	}
	defer rows.Close()

	balance := ledger.ZeroAmount()
	for rows.Next() {
		var direction, amountStr string
		if err := rows.Scan(&direction, &amountStr); err != nil {
			return ledger.Amount{}, ledger.Internal(err)
		}
		amount, err := ledger.AmountFromString(amountStr)
		if err != nil {
			return ledger.Amount{}, ledger.Internal(err)
		}
		if ledger.Direction(direction) == ledger.DirCredit {
			balance = balance.Add(amount)
		} else {
			balance = balance.Sub(amount)
		}
	}
	return balance, rows.Err()
}

func (s *Store) History(ctx context.Context, walletID ledger.WalletID, limit, offset int) ([]ledger.EnrichedEntry, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM ledger_entries WHERE wallet_id = ?`, walletID,
	).Scan(&total); err != nil {
		return nil, 0, ledger.Internal(err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT e.id, e.transaction_id, e.wallet_id, e.asset_type_id, e.direction, e.amount, e.created_at,
		       a.symbol, t.type, t.reference
		FROM ledger_entries e
		JOIN asset_types a ON a.id = e.asset_type_id
		JOIN transactions t ON t.id = e.transaction_id
		WHERE e.wallet_id = ?
		ORDER BY e.created_at DESC, e.id DESC
		LIMIT ? OFFSET ?
	`, walletID, limit, offset)
	if err != nil {
		return nil, 0, ledger.Internal(err)
	}
	defer rows.Close()

	var out []ledger.EnrichedEntry
	for rows.Next() {
		var e ledger.EnrichedEntry
		var amountStr, createdAt, txType string
		if err := rows.Scan(&e.ID, &e.TransactionID, &e.WalletID, &e.AssetTypeID, &e.Direction,
			&amountStr, &createdAt, &e.AssetSymbol, &txType, &e.TransactionRef); err != nil {
			return nil, 0, ledger.Internal(err)
		}
		amount, err := ledger.AmountFromString(amountStr)
		if err != nil {
			return nil, 0, ledger.Internal(err)
		}
		e.Amount = amount
		e.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		e.TransactionType = ledger.TransactionType(txType)
		out = append(out, e)
	}
	return out, total, rows.Err()
}

// =============================================================================
// TransactionStore
// =============================================================================

func (s *Store) Insert(ctx context.Context, tx ledger.Transaction) error {
	db := execerFromContext(ctx, s.db)
	var metadata any
	if len(tx.Metadata) > 0 {
		if !json.Valid(tx.Metadata) {
			return ledger.BadRequest("metadata is not valid JSON")
		}
		metadata = string(tx.Metadata)
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO transactions (id, type, reference, initiated_by, metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, tx.ID, tx.Type, tx.Reference, tx.InitiatedBy, metadata, tx.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return ledger.Internal(err)
	}
	return nil
}

// =============================================================================
// IdempotencyStore
// =============================================================================

func (s *Store) HashRequest(assetTypeID ledger.AssetID, amount ledger.Amount, reference string) string {
	return ledger.HashRequest(assetTypeID, amount, reference)
}

func (s *Store) Lookup(ctx context.Context, key string) (ledger.IdempotencyRecord, bool, error) {
	var rec ledger.IdempotencyRecord
	var responseBody, expiresAt, createdAt string
	var txID sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT endpoint, request_hash, response_status, response_body, transaction_id, expires_at, created_at
		FROM idempotency_keys
		WHERE key = ? AND expires_at > ?
	`, key, time.Now().UTC().Format(time.RFC3339),
	).Scan(&rec.Endpoint, &rec.RequestHash, &rec.ResponseStatus, &responseBody, &txID, &expiresAt, &createdAt)
	if err == sql.ErrNoRows {
		return ledger.IdempotencyRecord{}, false, nil
	}
	if err != nil {
		return ledger.IdempotencyRecord{}, false, ledger.Internal(err)
	}
	rec.Key = key
	rec.ResponseBody = []byte(responseBody)
	rec.TransactionID = ledger.TransactionID(txID.String)
	rec.ExpiresAt, _ = time.Parse(time.RFC3339, expiresAt)
	rec.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return rec, true, nil
}

// SaveIdempotency inserts rec, or - on a key collision - resolves the race
// spec.md §4.6 describes: a matching request hash means a concurrent writer
// already committed this exact transfer, so this scope must roll back and
// the caller gets the winner's cached response; a differing hash is a
// genuine conflicting reuse of the key. Uniqueness is on key alone (spec.md
// §6/§8: at most one unexpired record per key, not per endpoint+key), so the
// same key reused across topup/bonus/spend collides here too.
func (s *Store) SaveIdempotency(ctx context.Context, rec ledger.IdempotencyRecord) error {
	db := execerFromContext(ctx, s.db)
	_, err := db.ExecContext(ctx, `
		INSERT INTO idempotency_keys (key, endpoint, request_hash, response_status, response_body, transaction_id, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.Key, rec.Endpoint, rec.RequestHash, rec.ResponseStatus, string(rec.ResponseBody),
		string(rec.TransactionID), rec.ExpiresAt.Format(time.RFC3339), rec.CreatedAt.Format(time.RFC3339))
	if err == nil {
		return nil
	}
	if !isUniqueConstraintError(err) {
		return ledger.Internal(err)
	}

	existing, hit, lookupErr := s.Lookup(ctx, rec.Key)
	if lookupErr != nil {
		return ledger.Internal(lookupErr)
	}
	if !hit {
		// The colliding row is physically present but expired; it is not a
		// live duplicate, so replace it in place.
		_, execErr := db.ExecContext(ctx, `
			UPDATE idempotency_keys
			SET endpoint=?, request_hash=?, response_status=?, response_body=?, transaction_id=?, expires_at=?, created_at=?
			WHERE key=?
		`, rec.Endpoint, rec.RequestHash, rec.ResponseStatus, string(rec.ResponseBody), string(rec.TransactionID),
			rec.ExpiresAt.Format(time.RFC3339), rec.CreatedAt.Format(time.RFC3339), rec.Key)
		if execErr != nil {
			return ledger.Internal(execErr)
		}
		return nil
	}
	if existing.RequestHash == rec.RequestHash {
		return &ledger.IdempotencyAlreadyCommittedError{Existing: existing}
	}
	return ledger.Conflict("idempotency key %q already recorded with a different request", rec.Key)
}

// =============================================================================
// TxStore
// =============================================================================

// WithTx opens a *sql.Tx, binds it and a fresh lockRegistry into the
// context passed to fn, and commits on a nil return or rolls back
// otherwise. A SQLite "database is locked" error is classified as
// KindTransientConflict so the engine retries the whole scope.
func (s *Store) WithTx(ctx context.Context, fn func(context.Context, ledger.Scope) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.Internal(err)
	}

	reg := &lockRegistry{}
	txCtx := withLockRegistry(withTx(ctx, sqlTx), reg)
	defer reg.releaseAll()

	if err := fn(txCtx, s); err != nil {
		sqlTx.Rollback()
		if isBusyError(err) {
			return ledger.TransientConflict("database busy: %v", err)
		}
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		if isBusyError(err) {
			return ledger.TransientConflict("commit failed under contention: %v", err)
		}
		return ledger.Internal(err)
	}
	return nil
}

// =============================================================================
// ERROR CLASSIFICATION
// =============================================================================

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isBusyError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

package memstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/vault-ledger/ledger"
	"github.com/warp/vault-ledger/ledger/memstore"
)

func TestLockWallets_DedupesAndReturnsEveryWallet(t *testing.T) {
	// GIVEN: a store with two seeded wallets
	m := memstore.New()
	now := time.Now()
	m.SeedWallet(ledger.Wallet{ID: "b", Active: true, CreatedAt: now, UpdatedAt: now})
	m.SeedWallet(ledger.Wallet{ID: "a", Active: true, CreatedAt: now, UpdatedAt: now})
	ctx := context.Background()

	// WHEN: locking in descending order with a duplicate
	var locked map[ledger.WalletID]ledger.Wallet
	err := m.WithTx(ctx, func(ctx context.Context, scope ledger.Scope) error {
		var err error
		locked, err = scope.LockWallets(ctx, "b", "a", "b")
		return err
	})

	// THEN: both wallets are returned regardless of dedup/sort order
	require.NoError(t, err)
	assert.Len(t, locked, 2)
	assert.Contains(t, locked, ledger.WalletID("a"))
	assert.Contains(t, locked, ledger.WalletID("b"))
}

func TestWithTx_ReleasesLocksOnError(t *testing.T) {
	// GIVEN: a wallet locked inside a failing WithTx call
	m := memstore.New()
	now := time.Now()
	m.SeedWallet(ledger.Wallet{ID: "w1", Active: true, CreatedAt: now, UpdatedAt: now})
	ctx := context.Background()

	err := m.WithTx(ctx, func(ctx context.Context, scope ledger.Scope) error {
		if _, err := scope.LockWallets(ctx, "w1"); err != nil {
			return err
		}
		return ledger.Internal(assert.AnError)
	})
	require.Error(t, err)

	// WHEN: a second WithTx call locks the same wallet
	done := make(chan error, 1)
	go func() {
		done <- m.WithTx(ctx, func(ctx context.Context, scope ledger.Scope) error {
			_, err := scope.LockWallets(ctx, "w1")
			return err
		})
	}()

	// THEN: it acquires the lock promptly - the prior failure released it
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for lock - previous WithTx failed to release it")
	}
}

func TestBalance_DerivedFromEntriesNeverStored(t *testing.T) {
	// GIVEN: a wallet and asset with two entries inserted directly
	m := memstore.New()
	now := time.Now()
	m.SeedAsset(ledger.AssetType{ID: "coin", Symbol: "COIN", Active: true, CreatedAt: now})
	m.SeedWallet(ledger.Wallet{ID: "w1", Active: true, CreatedAt: now, UpdatedAt: now})
	ctx := context.Background()

	require.NoError(t, m.InsertEntry(ctx, ledger.LedgerEntry{
		ID: "e1", TransactionID: "t1", WalletID: "w1", AssetTypeID: "coin",
		Direction: ledger.DirCredit, Amount: ledger.AmountFromFloat(10), CreatedAt: now,
	}))
	require.NoError(t, m.InsertEntry(ctx, ledger.LedgerEntry{
		ID: "e2", TransactionID: "t1", WalletID: "w1", AssetTypeID: "coin",
		Direction: ledger.DirDebit, Amount: ledger.AmountFromFloat(4), CreatedAt: now,
	}))

	// WHEN: computing the balance
	balances, err := m.Balance(ctx, "w1")

	// THEN: it is the sum of credits minus debits
	require.NoError(t, err)
	require.Len(t, balances, 1)
	assert.Equal(t, "6.00000000", balances[0].Balance.String())
}

func TestBalance_FiltersOutZeroSums(t *testing.T) {
	// GIVEN: a wallet that received and then fully spent an asset
	m := memstore.New()
	now := time.Now()
	m.SeedAsset(ledger.AssetType{ID: "coin", Symbol: "COIN", Active: true, CreatedAt: now})
	m.SeedWallet(ledger.Wallet{ID: "w1", Active: true, CreatedAt: now, UpdatedAt: now})
	ctx := context.Background()

	require.NoError(t, m.InsertEntry(ctx, ledger.LedgerEntry{
		ID: "e1", TransactionID: "t1", WalletID: "w1", AssetTypeID: "coin",
		Direction: ledger.DirCredit, Amount: ledger.AmountFromFloat(10), CreatedAt: now,
	}))
	require.NoError(t, m.InsertEntry(ctx, ledger.LedgerEntry{
		ID: "e2", TransactionID: "t2", WalletID: "w1", AssetTypeID: "coin",
		Direction: ledger.DirDebit, Amount: ledger.AmountFromFloat(10), CreatedAt: now,
	}))

	// WHEN: computing the balance
	balances, err := m.Balance(ctx, "w1")

	// THEN: the zero-sum asset is omitted entirely, not reported at zero
	require.NoError(t, err)
	assert.Empty(t, balances)
}

func TestHistory_NewestFirstWithPagination(t *testing.T) {
	// GIVEN: three entries at increasing timestamps
	m := memstore.New()
	base := time.Now()
	m.SeedAsset(ledger.AssetType{ID: "coin", Symbol: "COIN", Active: true, CreatedAt: base})
	m.SeedWallet(ledger.Wallet{ID: "w1", Active: true, CreatedAt: base, UpdatedAt: base})
	ctx := context.Background()
	for i, id := range []string{"e1", "e2", "e3"} {
		require.NoError(t, m.Insert(ctx, ledger.Transaction{ID: ledger.TransactionID("t" + id), Type: ledger.TxTopup, CreatedAt: base}))
		require.NoError(t, m.InsertEntry(ctx, ledger.LedgerEntry{
			ID: ledger.LedgerEntryID(id), TransactionID: ledger.TransactionID("t" + id), WalletID: "w1",
			AssetTypeID: "coin", Direction: ledger.DirCredit, Amount: ledger.AmountFromFloat(1),
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	// WHEN: requesting the first page of size 2
	entries, total, err := m.History(ctx, "w1", 2, 0)

	// THEN: the two most recent entries are returned, newest first, total reflects all three
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, entries, 2)
	assert.Equal(t, ledger.LedgerEntryID("e3"), entries[0].ID)
	assert.Equal(t, ledger.LedgerEntryID("e2"), entries[1].ID)
}

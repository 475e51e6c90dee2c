package ledger_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/vault-ledger/ledger"
	"github.com/warp/vault-ledger/ledger/memstore"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestEngine(t *testing.T) (*ledger.Engine, *ledger.ReadService, *memstore.Memory) {
	t.Helper()
	store := memstore.New()
	now := time.Now()

	store.SeedAsset(ledger.AssetType{ID: "coin", Name: "Coin", Symbol: "COIN", Active: true, CreatedAt: now})
	store.SeedWallet(ledger.Wallet{ID: ledger.WalletID(ledger.SystemTreasury), OwnerRef: ledger.SystemTreasury, OwnerType: ledger.OwnerSystem, Active: true, CreatedAt: now, UpdatedAt: now})
	store.SeedWallet(ledger.Wallet{ID: ledger.WalletID(ledger.SystemBonusPool), OwnerRef: ledger.SystemBonusPool, OwnerType: ledger.OwnerSystem, Active: true, CreatedAt: now, UpdatedAt: now})
	store.SeedWallet(ledger.Wallet{ID: ledger.WalletID(ledger.SystemRevenue), OwnerRef: ledger.SystemRevenue, OwnerType: ledger.OwnerSystem, Active: true, CreatedAt: now, UpdatedAt: now})
	store.SeedWallet(ledger.Wallet{ID: "wallet-1", OwnerRef: "user-1", OwnerType: ledger.OwnerUser, Active: true, CreatedAt: now, UpdatedAt: now})
	store.SeedWallet(ledger.Wallet{ID: "wallet-2", OwnerRef: "user-2", OwnerType: ledger.OwnerUser, Active: true, CreatedAt: now, UpdatedAt: now})

	return ledger.NewEngine(store), ledger.NewReadService(store), store
}

// =============================================================================
// TOPUP / BONUS / SPEND
// =============================================================================

func TestTransfer_Topup_CreditsWalletDebitsTreasury(t *testing.T) {
	// GIVEN: an engine with a seeded wallet and no prior balance
	engine, reads, _ := newTestEngine(t)
	ctx := context.Background()

	// WHEN: topping up 10 coins
	outcome, err := engine.Transfer(ctx, ledger.FlowTopup, ledger.TransferInput{
		WalletID:       "wallet-1",
		AssetTypeID:    "coin",
		Amount:         ledger.AmountFromFloat(10),
		Reference:      "topup-1",
		IdempotencyKey: "k-topup-1",
	})

	// THEN: the transfer succeeds and the wallet balance reflects the credit
	require.NoError(t, err)
	assert.False(t, outcome.FromCache)
	assert.Equal(t, ledger.TxTopup, outcome.Data.Type)

	summary, err := reads.GetBalance(ctx, "wallet-1")
	require.NoError(t, err)
	require.Len(t, summary.Balances, 1)
	assert.Equal(t, "10.00000000", summary.Balances[0].Balance.String())
}

func TestTransfer_Spend_DebitsWalletCreditsRevenue(t *testing.T) {
	// GIVEN: a wallet funded via topup
	engine, reads, _ := newTestEngine(t)
	ctx := context.Background()
	_, err := engine.Transfer(ctx, ledger.FlowTopup, ledger.TransferInput{
		WalletID: "wallet-1", AssetTypeID: "coin", Amount: ledger.AmountFromFloat(10), Reference: "fund",
		IdempotencyKey: "k-fund",
	})
	require.NoError(t, err)

	// WHEN: spending part of the balance
	outcome, err := engine.Transfer(ctx, ledger.FlowSpend, ledger.TransferInput{
		WalletID: "wallet-1", AssetTypeID: "coin", Amount: ledger.AmountFromFloat(4), Reference: "purchase-1",
		IdempotencyKey: "k-purchase-1",
	})

	// THEN: the spend succeeds and the remaining balance is reduced
	require.NoError(t, err)
	assert.Equal(t, ledger.TxSpend, outcome.Data.Type)

	summary, err := reads.GetBalance(ctx, "wallet-1")
	require.NoError(t, err)
	assert.Equal(t, "6.00000000", summary.Balances[0].Balance.String())
}

func TestTransfer_Spend_InsufficientFunds(t *testing.T) {
	// GIVEN: a wallet with zero balance
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	// WHEN: spending against it
	_, err := engine.Transfer(ctx, ledger.FlowSpend, ledger.TransferInput{
		WalletID: "wallet-1", AssetTypeID: "coin", Amount: ledger.AmountFromFloat(1), Reference: "overspend",
		IdempotencyKey: "k-overspend",
	})

	// THEN: the engine rejects with an unprocessable, non-retryable error
	require.Error(t, err)
	assert.Equal(t, ledger.KindUnprocessable, ledger.KindOf(err))
	var insufficient *ledger.InsufficientFundsError
	assert.ErrorAs(t, err, &insufficient)
}

// =============================================================================
// VALIDATION
// =============================================================================

func TestTransfer_RejectsNonPositiveAmount(t *testing.T) {
	// GIVEN: an engine
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	// WHEN: transferring a zero amount
	_, err := engine.Transfer(ctx, ledger.FlowTopup, ledger.TransferInput{
		WalletID: "wallet-1", AssetTypeID: "coin", Amount: ledger.ZeroAmount(), Reference: "zero",
	})

	// THEN: validation rejects locally, before any scope opens
	require.Error(t, err)
	assert.Equal(t, ledger.KindBadRequest, ledger.KindOf(err))
}

func TestTransfer_UnknownAsset_NotFound(t *testing.T) {
	// GIVEN: an engine with no "ghost" asset
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	// WHEN: transferring against it
	_, err := engine.Transfer(ctx, ledger.FlowTopup, ledger.TransferInput{
		WalletID: "wallet-1", AssetTypeID: "ghost", Amount: ledger.AmountFromFloat(1), Reference: "r",
		IdempotencyKey: "k-ghost",
	})

	// THEN: the asset lookup fails not found
	require.Error(t, err)
	assert.Equal(t, ledger.KindNotFound, ledger.KindOf(err))
}

// =============================================================================
// IDEMPOTENCY
// =============================================================================

func TestTransfer_SameIdempotencyKey_ReturnsCachedResult(t *testing.T) {
	// GIVEN: a first topup committed under an idempotency key
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()
	in := ledger.TransferInput{
		WalletID: "wallet-1", AssetTypeID: "coin", Amount: ledger.AmountFromFloat(5),
		Reference: "idem-1", IdempotencyKey: "key-abc", EndpointTag: "topup",
	}
	first, err := engine.Transfer(ctx, ledger.FlowTopup, in)
	require.NoError(t, err)

	// WHEN: the identical request is replayed
	second, err := engine.Transfer(ctx, ledger.FlowTopup, in)

	// THEN: the replay returns the same transaction id from cache, no new entry
	require.NoError(t, err)
	assert.True(t, second.FromCache)
	assert.Equal(t, first.Data.TransactionID, second.Data.TransactionID)
}

func TestTransfer_ReusedKeyDifferentPayload_Conflict(t *testing.T) {
	// GIVEN: a committed transfer under an idempotency key
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()
	_, err := engine.Transfer(ctx, ledger.FlowTopup, ledger.TransferInput{
		WalletID: "wallet-1", AssetTypeID: "coin", Amount: ledger.AmountFromFloat(5),
		Reference: "ref-a", IdempotencyKey: "key-xyz", EndpointTag: "topup",
	})
	require.NoError(t, err)

	// WHEN: the same key is reused with a different reference
	_, err = engine.Transfer(ctx, ledger.FlowTopup, ledger.TransferInput{
		WalletID: "wallet-1", AssetTypeID: "coin", Amount: ledger.AmountFromFloat(5),
		Reference: "ref-b", IdempotencyKey: "key-xyz", EndpointTag: "topup",
	})

	// THEN: the mismatch is rejected as a conflict
	require.Error(t, err)
	assert.Equal(t, ledger.KindConflict, ledger.KindOf(err))
	var conflict *ledger.IdempotencyConflictError
	assert.ErrorAs(t, err, &conflict)
}

func TestTransfer_ReusedKeyAcrossEndpoints_Conflict(t *testing.T) {
	// GIVEN: a committed topup under a given idempotency key
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()
	_, err := engine.Transfer(ctx, ledger.FlowTopup, ledger.TransferInput{
		WalletID: "wallet-1", AssetTypeID: "coin", Amount: ledger.AmountFromFloat(5),
		Reference: "ref-topup", IdempotencyKey: "key-shared", EndpointTag: "topup",
	})
	require.NoError(t, err)

	// WHEN: a spend reuses the same key under a different endpoint
	_, err = engine.Transfer(ctx, ledger.FlowSpend, ledger.TransferInput{
		WalletID: "wallet-1", AssetTypeID: "coin", Amount: ledger.AmountFromFloat(5),
		Reference: "ref-spend", IdempotencyKey: "key-shared", EndpointTag: "spend",
	})

	// THEN: the key is globally unique - the mismatched request hash is a
	// conflict, not a second independent transfer under the same key
	require.Error(t, err)
	assert.Equal(t, ledger.KindConflict, ledger.KindOf(err))
	var conflict *ledger.IdempotencyConflictError
	assert.ErrorAs(t, err, &conflict)
}

// =============================================================================
// CONCURRENCY / CONSERVATION
// =============================================================================

func TestTransfer_ConcurrentTransfersOnOverlappingWallets_NoDeadlock(t *testing.T) {
	// GIVEN: two funded wallets that will both spend into the same revenue wallet
	engine, reads, _ := newTestEngine(t)
	ctx := context.Background()
	_, err := engine.Transfer(ctx, ledger.FlowTopup, ledger.TransferInput{
		WalletID: "wallet-1", AssetTypeID: "coin", Amount: ledger.AmountFromFloat(100), Reference: "seed-1",
		IdempotencyKey: "k-seed-1",
	})
	require.NoError(t, err)
	_, err = engine.Transfer(ctx, ledger.FlowTopup, ledger.TransferInput{
		WalletID: "wallet-2", AssetTypeID: "coin", Amount: ledger.AmountFromFloat(100), Reference: "seed-2",
		IdempotencyKey: "k-seed-2",
	})
	require.NoError(t, err)

	// WHEN: many concurrent spends touch both wallets' shared system counterparty
	const n = 50
	var wg sync.WaitGroup
	wg.Add(n * 2)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, _ = engine.Transfer(ctx, ledger.FlowSpend, ledger.TransferInput{
				WalletID: "wallet-1", AssetTypeID: "coin", Amount: ledger.AmountFromFloat(1), Reference: "c1",
				IdempotencyKey: fmt.Sprintf("k-c1-%d", i),
			})
		}()
		go func() {
			defer wg.Done()
			_, _ = engine.Transfer(ctx, ledger.FlowSpend, ledger.TransferInput{
				WalletID: "wallet-2", AssetTypeID: "coin", Amount: ledger.AmountFromFloat(1), Reference: "c2",
				IdempotencyKey: fmt.Sprintf("k-c2-%d", i),
			})
		}()
	}
	wg.Wait()

	// THEN: both wallets end up debited exactly n times, no lost updates, no deadlock
	b1, err := reads.GetBalance(ctx, "wallet-1")
	require.NoError(t, err)
	b2, err := reads.GetBalance(ctx, "wallet-2")
	require.NoError(t, err)
	assert.Equal(t, "50.00000000", b1.Balances[0].Balance.String())
	assert.Equal(t, "50.00000000", b2.Balances[0].Balance.String())
}

func TestTransfer_InactiveWallet_BadRequest(t *testing.T) {
	// GIVEN: a deactivated wallet
	engine, _, store := newTestEngine(t)
	ctx := context.Background()
	store.SeedWallet(ledger.Wallet{ID: "wallet-3", OwnerRef: "user-3", OwnerType: ledger.OwnerUser, Active: false, CreatedAt: time.Now(), UpdatedAt: time.Now()})

	// WHEN: transferring against it
	_, err := engine.Transfer(ctx, ledger.FlowTopup, ledger.TransferInput{
		WalletID: "wallet-3", AssetTypeID: "coin", Amount: ledger.AmountFromFloat(1), Reference: "r",
		IdempotencyKey: "k-wallet-3",
	})

	// THEN: the engine refuses before writing anything
	require.Error(t, err)
	assert.Equal(t, ledger.KindBadRequest, ledger.KindOf(err))
}

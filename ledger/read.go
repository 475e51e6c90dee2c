/*
read.go - non-locking read path: balances and transaction history

PURPOSE:
  GetBalance and GetTransactions never call TxStore.WithTx and never touch
  WalletRegistry.LockWallets - they read committed state directly off
  Store, so a burst of balance checks never contends with in-flight
  transfers for the canonical wallet lock.

SEE ALSO:
  - ledger.go: the write path this complements
  - store.go: Store, the capability composite this service reads through
*/
package ledger

import (
	"context"
	"sort"
)

// ReadService answers balance and history queries against committed state.
type ReadService struct {
	store Store
}

func NewReadService(store Store) *ReadService {
	return &ReadService{store: store}
}

// GetBalance returns every asset balance held by walletID.
func (r *ReadService) GetBalance(ctx context.Context, walletID WalletID) (BalanceSummary, error) {
	wallet, err := r.store.LookupWallet(ctx, walletID)
	if err != nil {
		return BalanceSummary{}, err
	}
	balances, err := r.store.Balance(ctx, walletID)
	if err != nil {
		return BalanceSummary{}, err
	}
	return BalanceSummary{
		WalletID: wallet.ID,
		Label:    wallet.Label,
		Balances: balances,
	}, nil
}

// GetTransactions returns a page of ledger entries for walletID, newest first.
func (r *ReadService) GetTransactions(ctx context.Context, walletID WalletID, limit, offset int) (TransactionPage, error) {
	wallet, err := r.store.LookupWallet(ctx, walletID)
	if err != nil {
		return TransactionPage{}, err
	}
	if limit <= 0 {
		limit = 20
	}
	if limit > MaxHistoryPageSize {
		limit = MaxHistoryPageSize
	}
	if offset < 0 {
		offset = 0
	}
	entries, total, err := r.store.History(ctx, walletID, limit, offset)
	if err != nil {
		return TransactionPage{}, err
	}
	return TransactionPage{
		WalletID: wallet.ID,
		Label:    wallet.Label,
		Total:    total,
		Limit:    limit,
		Offset:   offset,
		Entries:  entries,
	}, nil
}

// ListAssets returns active asset types ordered by name.
func (r *ReadService) ListAssets(ctx context.Context) ([]AssetType, error) {
	all, err := r.store.ListAssets(ctx)
	if err != nil {
		return nil, err
	}
	active := make([]AssetType, 0, len(all))
	for _, a := range all {
		if a.Active {
			active = append(active, a)
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].Name < active[j].Name })
	return active, nil
}

// ListWallets returns every wallet known to the system, system wallets
// before user wallets, each group ordered by label.
func (r *ReadService) ListWallets(ctx context.Context) ([]Wallet, error) {
	wallets, err := r.store.ListWallets(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(wallets, func(i, j int) bool {
		if wallets[i].OwnerType != wallets[j].OwnerType {
			return wallets[i].OwnerType == OwnerSystem
		}
		return wallets[i].Label < wallets[j].Label
	})
	return wallets, nil
}

/*
ledger.go - the transfer engine, the single write path for the system

PURPOSE:
  Engine.Transfer implements topup, bonus, and spend as one algorithm
  parameterized by Flow. It is the only component allowed to call
  TxStore.WithTx, and therefore the only component allowed to move money.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: every transfer writes exactly one Transaction and two
     LedgerEntry rows (a debit, a credit). Nothing is ever updated or deleted.
  2. PAIRED: the debit and credit always share a transaction id, asset type,
     and amount magnitude.
  3. IDEMPOTENT: a given idempotency key always returns the same outcome,
     whether served from cache or freshly computed under the same request
     hash.
  4. DEADLOCK-FREE: wallets are always locked in ascending id order inside
     the transactional scope, so two concurrent transfers touching the same
     pair of wallets can never form a lock cycle.

ALGORITHM (spec.md §4.6):
  1. Validate the request locally (amount positive, references present).
  2. Compute the idempotency request hash.
  3. Optimistic (non-transactional) idempotency lookup: a cache hit returns
     immediately without opening a scope.
  4. Resolve the asset type.
  5. Resolve the wallet ids participating (wallet + counterparty system
     wallet for the flow).
  6. Open a transactional scope:
     a. Lock both wallets in ascending id order.
     b. Check both wallets are active.
     c. For spend, check the funds available under the lock.
     d. Insert the transaction header.
     e. Insert the debit entry.
     f. Insert the credit entry.
     g. Insert the idempotency record.
     h. Commit.
  7. A TransientConflict from the scope is retried with linear backoff, for
     at most 3 attempts in all; every other error propagates immediately.

SEE ALSO:
  - store.go: the capability interfaces Transfer is built on
  - idempotency.go: HashRequest
  - read.go: the non-locking read path
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	maxRetryAttempts = 3
	retryBackoffUnit = 100 * time.Millisecond
	scopeTimeout     = 10 * time.Second
)

// Engine is the transfer engine. It is constructed with a TxStore and holds
// no other mutable state - every call is independently retryable and safe
// for concurrent use.
type Engine struct {
	store TxStore
	now   func() time.Time
	newID func() string
}

// NewEngine constructs an Engine over store. now and newID default to
// time.Now and uuid.NewString; tests may override them for determinism.
func NewEngine(store TxStore) *Engine {
	return &Engine{
		store: store,
		now:   time.Now,
		newID: uuid.NewString,
	}
}

// Transfer executes a topup, bonus, or spend per in.
func (e *Engine) Transfer(ctx context.Context, flow Flow, in TransferInput) (TransferOutcome, error) {
	if err := validateTransferInput(in); err != nil {
		return TransferOutcome{}, err
	}

	requestHash := e.store.HashRequest(in.AssetTypeID, in.Amount, in.Reference)

	rec, hit, err := e.store.Lookup(ctx, in.IdempotencyKey)
	if err != nil {
		return TransferOutcome{}, err
	}
	if hit {
		if rec.RequestHash != requestHash {
			return TransferOutcome{}, &IdempotencyConflictError{Key: in.IdempotencyKey}
		}
		result, err := decodeCachedResult(rec)
		if err != nil {
			return TransferOutcome{}, Internal(err)
		}
		return TransferOutcome{Data: result, FromCache: true}, nil
	}

	asset, err := e.store.LookupAsset(ctx, in.AssetTypeID)
	if err != nil {
		return TransferOutcome{}, err
	}
	if !asset.Active {
		return TransferOutcome{}, NewError(KindBadRequest, fmt.Sprintf("asset type %s is inactive", asset.ID), ErrAssetInactive)
	}

	counterpartyRef, err := counterpartyFor(flow)
	if err != nil {
		return TransferOutcome{}, err
	}

	var result TransferResult
	var attempt int
	for attempt = 1; attempt <= maxRetryAttempts; attempt++ {
		result, err = e.attemptTransfer(ctx, flow, in, asset, counterpartyRef, requestHash)
		if err == nil {
			break
		}

		// A concurrent writer committed first for this same key. Its request
		// hash already matched ours (the store only raises this on a match,
		// from SaveIdempotency or from WithTx's commit); this scope rolled
		// back its own duplicate entries, so the
		// winner's cached response is the correct - and only - outcome.
		var dup *IdempotencyAlreadyCommittedError
		if errors.As(err, &dup) {
			cached, decodeErr := decodeCachedResult(dup.Existing)
			if decodeErr != nil {
				return TransferOutcome{}, Internal(decodeErr)
			}
			return TransferOutcome{Data: cached, FromCache: true}, nil
		}

		if !IsRetryable(err) {
			return TransferOutcome{}, err
		}
		if attempt < maxRetryAttempts {
			time.Sleep(retryBackoffUnit * time.Duration(attempt))
			continue
		}
		return TransferOutcome{}, err
	}
	if err != nil {
		return TransferOutcome{}, err
	}

	return TransferOutcome{Data: result, FromCache: false}, nil
}

func (e *Engine) attemptTransfer(
	ctx context.Context,
	flow Flow,
	in TransferInput,
	asset AssetType,
	counterpartyRef string,
	requestHash string,
) (TransferResult, error) {
	ctx, cancel := context.WithTimeout(ctx, scopeTimeout)
	defer cancel()

	var result TransferResult
	err := e.store.WithTx(ctx, func(ctx context.Context, scope Scope) error {
		wallet, err := scope.LookupWallet(ctx, in.WalletID)
		if err != nil {
			return err
		}
		counterparty, err := scope.LookupSystem(ctx, counterpartyRef)
		if err != nil {
			return err
		}

		ids := []WalletID{wallet.ID, counterparty.ID}
		locked, err := scope.LockWallets(ctx, ids...)
		if err != nil {
			return err
		}
		wallet = locked[wallet.ID]
		counterparty = locked[counterparty.ID]

		if !wallet.Active {
			return NewError(KindBadRequest, fmt.Sprintf("wallet %s is inactive", wallet.ID), ErrWalletInactive)
		}
		if !counterparty.Active {
			return NewError(KindBadRequest, fmt.Sprintf("system wallet %s is inactive", counterparty.ID), ErrWalletInactive)
		}

		debitWalletID, creditWalletID := debitCreditWallets(flow, wallet.ID, counterparty.ID)

		if flow == FlowSpend {
			available, err := scope.BalanceForAsset(ctx, wallet.ID, asset.ID)
			if err != nil {
				return err
			}
			if available.LessThan(in.Amount) {
				return &InsufficientFundsError{
					WalletID:  wallet.ID,
					AssetID:   asset.ID,
					Available: available,
					Requested: in.Amount,
				}
			}
		}

		now := e.now()
		txID := TransactionID(e.newID())

		header := Transaction{
			ID:          txID,
			Type:        transactionTypeFor(flow),
			Reference:   in.Reference,
			InitiatedBy: defaultInitiator(in.InitiatedBy),
			Metadata:    in.Metadata,
			CreatedAt:   now,
		}
		if err := scope.Insert(ctx, header); err != nil {
			return err
		}

		debit := LedgerEntry{
			ID:            LedgerEntryID(e.newID()),
			TransactionID: txID,
			WalletID:      debitWalletID,
			AssetTypeID:   asset.ID,
			Direction:     DirDebit,
			Amount:        in.Amount,
			CreatedAt:     now,
		}
		if err := scope.InsertEntry(ctx, debit); err != nil {
			return err
		}

		credit := LedgerEntry{
			ID:            LedgerEntryID(e.newID()),
			TransactionID: txID,
			WalletID:      creditWalletID,
			AssetTypeID:   asset.ID,
			Direction:     DirCredit,
			Amount:        in.Amount,
			CreatedAt:     now,
		}
		if err := scope.InsertEntry(ctx, credit); err != nil {
			return err
		}

		result = TransferResult{
			TransactionID: txID,
			Type:          header.Type,
			Reference:     header.Reference,
			AssetTypeID:   asset.ID,
			AssetSymbol:   asset.Symbol,
			Amount:        in.Amount.String(),
			FromWalletID:  debitWalletID,
			ToWalletID:    creditWalletID,
			CreatedAt:     now,
		}

		body, err := encodeResult(result)
		if err != nil {
			return Internal(err)
		}
		rec := IdempotencyRecord{
			Key:            in.IdempotencyKey,
			Endpoint:       in.EndpointTag,
			RequestHash:    requestHash,
			ResponseStatus: 201,
			ResponseBody:   body,
			TransactionID:  txID,
			ExpiresAt:      now.Add(IdempotencyTTL),
			CreatedAt:      now,
		}
		if err := scope.SaveIdempotency(ctx, rec); err != nil {
			return err
		}

		return nil
	})
	if err != nil {
		return TransferResult{}, err
	}
	return result, nil
}

func validateTransferInput(in TransferInput) error {
	if in.WalletID == "" {
		return BadRequest("walletId is required")
	}
	if in.AssetTypeID == "" {
		return BadRequest("assetTypeId is required")
	}
	if !in.Amount.IsPositive() {
		return BadRequest("amount must be positive")
	}
	if in.Reference == "" {
		return BadRequest("reference is required")
	}
	if in.IdempotencyKey == "" {
		return BadRequest("idempotencyKey is required")
	}
	if len(in.IdempotencyKey) > MaxIdempotencyKeyLen {
		return BadRequest("idempotencyKey exceeds %d characters", MaxIdempotencyKeyLen)
	}
	return nil
}

func counterpartyFor(flow Flow) (string, error) {
	switch flow {
	case FlowTopup:
		return SystemTreasury, nil
	case FlowBonus:
		return SystemBonusPool, nil
	case FlowSpend:
		return SystemRevenue, nil
	default:
		return "", BadRequest("unknown flow %q", flow)
	}
}

func transactionTypeFor(flow Flow) TransactionType {
	switch flow {
	case FlowTopup:
		return TxTopup
	case FlowBonus:
		return TxBonus
	default:
		return TxSpend
	}
}

// debitCreditWallets returns (debit, credit) wallet ids for flow. Topup and
// bonus credit the user wallet from a system source; spend debits the user
// wallet into the system revenue sink.
func debitCreditWallets(flow Flow, walletID, systemID WalletID) (debit, credit WalletID) {
	if flow == FlowSpend {
		return walletID, systemID
	}
	return systemID, walletID
}

func defaultInitiator(initiatedBy string) string {
	if initiatedBy == "" {
		return "system"
	}
	return initiatedBy
}

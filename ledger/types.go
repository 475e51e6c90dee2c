/*
Package ledger implements the double-entry transfer engine for a closed-loop
virtual-currency wallet service.

PURPOSE:
  A high-traffic caller moves balances between wallets with the properties of
  a small banking core: no phantom gains, no double-charges under retry, no
  deadlocks under concurrent transfers, no stored-balance drift.

KEY CONCEPTS IN THIS FILE (types.go):
  - Amount: a decimal quantity truncated to scale 8 (total digits not capped)
  - AssetType, Wallet: the entities a transfer moves value between
  - Transaction, LedgerEntry: the paired, immutable halves of a movement
  - IdempotencyRecord: the cached outcome of a completed write

DESIGN PRINCIPLES:
  1. Balance is never stored. It is always derived: Σcredits − Σdebits.
  2. Entries are immutable once written. No updates, no deletes.
  3. decimal.Decimal throughout - no binary floating point in amount math.

SEE ALSO:
  - errors.go: the error taxonomy raised by every component
  - store.go: capability interfaces and the transactional scope
  - ledger.go: the transfer engine that is the single write path
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// AMOUNT - fixed-precision decimal, scale 8
// =============================================================================

const AmountScale = 8

// Amount is a decimal quantity at the ledger's fixed scale. Every arithmetic
// result is truncated to AmountScale so persisted and in-memory values agree
// on their canonical string form.
type Amount struct {
	Value decimal.Decimal
}

func NewAmount(value decimal.Decimal) Amount {
	return Amount{Value: value.Truncate(AmountScale)}
}

func AmountFromString(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, err
	}
	return NewAmount(d), nil
}

func AmountFromFloat(f float64) Amount {
	return NewAmount(decimal.NewFromFloat(f))
}

func ZeroAmount() Amount { return Amount{Value: decimal.Zero} }

func (a Amount) Add(b Amount) Amount              { return NewAmount(a.Value.Add(b.Value)) }
func (a Amount) Sub(b Amount) Amount              { return NewAmount(a.Value.Sub(b.Value)) }
func (a Amount) Neg() Amount                      { return NewAmount(a.Value.Neg()) }
func (a Amount) IsZero() bool                     { return a.Value.IsZero() }
func (a Amount) IsPositive() bool                 { return a.Value.IsPositive() }
func (a Amount) IsNegative() bool                 { return a.Value.IsNegative() }
func (a Amount) GreaterThanOrEqual(b Amount) bool { return a.Value.GreaterThanOrEqual(b.Value) }
func (a Amount) LessThan(b Amount) bool           { return a.Value.LessThan(b.Value) }

// String returns the canonical textual form used for persistence and for
// idempotency request hashing: fixed scale, no exponent.
func (a Amount) String() string {
	return a.Value.StringFixed(AmountScale)
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type AssetID string
type WalletID string
type TransactionID string
type LedgerEntryID string

// =============================================================================
// ASSET TYPE
// =============================================================================

type AssetType struct {
	ID          AssetID
	Name        string
	Symbol      string // <= 10 chars
	Description string
	Active      bool
	CreatedAt   time.Time
}

// =============================================================================
// WALLET
// =============================================================================

type OwnerType string

const (
	OwnerUser   OwnerType = "user"
	OwnerSystem OwnerType = "system"
)

// Well-known system wallet owner refs. The transfer engine resolves these by
// ownerRef through WalletRegistry.LookupSystem.
const (
	SystemTreasury  = "system:treasury"
	SystemBonusPool = "system:bonus_pool"
	SystemRevenue   = "system:revenue"
)

type Wallet struct {
	ID        WalletID
	OwnerRef  string
	OwnerType OwnerType
	Label     string
	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// =============================================================================
// TRANSACTION - the business-level event
// =============================================================================

type TransactionType string

const (
	TxTopup TransactionType = "topup"
	TxBonus TransactionType = "bonus"
	TxSpend TransactionType = "spend"
)

// Transaction is the header shared by exactly two LedgerEntries.
type Transaction struct {
	ID          TransactionID
	Type        TransactionType
	Reference   string
	InitiatedBy string
	Metadata    []byte // raw JSON, validated for well-formedness only
	CreatedAt   time.Time
}

// =============================================================================
// LEDGER ENTRY - one immutable half of a double-entry movement
// =============================================================================

type Direction string

const (
	DirDebit  Direction = "debit"
	DirCredit Direction = "credit"
)

type LedgerEntry struct {
	ID            LedgerEntryID
	TransactionID TransactionID
	WalletID      WalletID
	AssetTypeID   AssetID
	Direction     Direction
	Amount        Amount
	CreatedAt     time.Time
}

// EnrichedEntry joins a LedgerEntry with the asset symbol and transaction
// context needed for history display.
type EnrichedEntry struct {
	LedgerEntry
	AssetSymbol     string
	TransactionType TransactionType
	TransactionRef  string
}

// =============================================================================
// IDEMPOTENCY RECORD
// =============================================================================

const IdempotencyTTL = 24 * time.Hour
const MaxIdempotencyKeyLen = 255

// MaxHistoryPageSize is the upper clamp on GetTransactions' limit parameter.
const MaxHistoryPageSize = 100

type IdempotencyRecord struct {
	Key            string
	Endpoint       string
	RequestHash    string
	ResponseStatus int
	ResponseBody   []byte // raw JSON encoding of TransferResult
	TransactionID  TransactionID
	ExpiresAt      time.Time
	CreatedAt      time.Time
}

// =============================================================================
// TRANSFER - input/output of the engine's single write operation
// =============================================================================

type Flow string

const (
	FlowTopup Flow = "topup"
	FlowBonus Flow = "bonus"
	FlowSpend Flow = "spend"
)

// TransferInput is the caller-supplied request for a topup/bonus/spend.
type TransferInput struct {
	WalletID       WalletID
	AssetTypeID    AssetID
	Amount         Amount
	Reference      string
	InitiatedBy    string // defaults to "system"
	Metadata       []byte
	IdempotencyKey string
	EndpointTag    string
}

// TransferResult is the response envelope's data payload.
type TransferResult struct {
	TransactionID TransactionID   `json:"transactionId"`
	Type          TransactionType `json:"type"`
	Reference     string          `json:"reference"`
	AssetTypeID   AssetID         `json:"assetTypeId"`
	AssetSymbol   string          `json:"assetSymbol"`
	Amount        string          `json:"amount"`
	FromWalletID  WalletID        `json:"fromWalletId"`
	ToWalletID    WalletID        `json:"toWalletId"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// TransferOutcome wraps the result with the fromCache flag the response
// envelope requires.
type TransferOutcome struct {
	Data      TransferResult
	FromCache bool
}

// =============================================================================
// READ MODEL - balance / history responses
// =============================================================================

type AssetBalance struct {
	AssetTypeID AssetID
	Name        string
	Symbol      string
	Balance     Amount
}

type BalanceSummary struct {
	WalletID WalletID
	Label    string
	Balances []AssetBalance
}

type TransactionPage struct {
	WalletID WalletID
	Label    string
	Total    int
	Limit    int
	Offset   int
	Entries  []EnrichedEntry
}

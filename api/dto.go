/*
dto.go - data transfer objects for API requests and responses

PURPOSE:
  Decouples the wire contract from the ledger package's internal types, so
  field renames or JSON-specific conventions never leak into domain code.

NAMING CONVENTION:
  - *DTO: response types returned to clients
  - *Request: request body types from clients

VALIDATION:
  Validation happens in ledger.Engine, not here. DTOs are pure data
  carriers; handlers only decode/encode.

SEE ALSO:
  - handlers.go: uses these types
  - ledger/types.go: the domain types these wrap
*/
package api

import (
	"time"

	"github.com/warp/vault-ledger/ledger"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// TransferRequest is the request body for topup, bonus, and spend.
type TransferRequest struct {
	AssetTypeID string         `json:"assetTypeId"`
	Amount      string         `json:"amount"`
	Reference   string         `json:"reference"`
	InitiatedBy string         `json:"initiatedBy,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// Envelope wraps every successful response in a consistent shape.
type Envelope struct {
	Data      any  `json:"data"`
	FromCache bool `json:"fromCache,omitempty"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Details any    `json:"details,omitempty"`
}

// AssetTypeDTO represents an asset type in API responses.
type AssetTypeDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Symbol      string `json:"symbol"`
	Description string `json:"description,omitempty"`
	Active      bool   `json:"active"`
	CreatedAt   string `json:"createdAt"`
}

// WalletDTO represents a wallet in API responses.
type WalletDTO struct {
	ID        string `json:"id"`
	OwnerRef  string `json:"ownerRef"`
	OwnerType string `json:"ownerType"`
	Label     string `json:"label,omitempty"`
	Active    bool   `json:"active"`
	CreatedAt string `json:"createdAt"`
	UpdatedAt string `json:"updatedAt"`
}

// AssetBalanceDTO represents one asset's balance within a wallet summary.
type AssetBalanceDTO struct {
	AssetTypeID string `json:"assetTypeId"`
	Name        string `json:"name"`
	Symbol      string `json:"symbol"`
	Balance     string `json:"balance"`
}

// BalanceSummaryDTO is the response for GetBalance.
type BalanceSummaryDTO struct {
	WalletID string            `json:"walletId"`
	Label    string            `json:"label,omitempty"`
	Balances []AssetBalanceDTO `json:"balances"`
}

// LedgerEntryDTO represents one entry within a transaction history page.
type LedgerEntryDTO struct {
	ID              string `json:"id"`
	TransactionID   string `json:"transactionId"`
	AssetTypeID     string `json:"assetTypeId"`
	AssetSymbol     string `json:"assetSymbol"`
	Direction       string `json:"direction"`
	Amount          string `json:"amount"`
	TransactionType string `json:"transactionType"`
	Reference       string `json:"reference"`
	CreatedAt       string `json:"createdAt"`
}

// TransactionPageDTO is the response for GetTransactions.
type TransactionPageDTO struct {
	WalletID string           `json:"walletId"`
	Label    string           `json:"label,omitempty"`
	Total    int              `json:"total"`
	Limit    int              `json:"limit"`
	Offset   int              `json:"offset"`
	Entries  []LedgerEntryDTO `json:"entries"`
}

// TransferResultDTO is the response data payload for topup/bonus/spend.
type TransferResultDTO struct {
	TransactionID string `json:"transactionId"`
	Type          string `json:"type"`
	Reference     string `json:"reference"`
	AssetTypeID   string `json:"assetTypeId"`
	AssetSymbol   string `json:"assetSymbol"`
	Amount        string `json:"amount"`
	FromWalletID  string `json:"fromWalletId"`
	ToWalletID    string `json:"toWalletId"`
	CreatedAt     string `json:"createdAt"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func toAssetTypeDTO(a ledger.AssetType) AssetTypeDTO {
	return AssetTypeDTO{
		ID:          string(a.ID),
		Name:        a.Name,
		Symbol:      a.Symbol,
		Description: a.Description,
		Active:      a.Active,
		CreatedAt:   a.CreatedAt.Format(time.RFC3339),
	}
}

func toAssetTypeDTOs(assets []ledger.AssetType) []AssetTypeDTO {
	out := make([]AssetTypeDTO, len(assets))
	for i, a := range assets {
		out[i] = toAssetTypeDTO(a)
	}
	return out
}

func toWalletDTO(w ledger.Wallet) WalletDTO {
	return WalletDTO{
		ID:        string(w.ID),
		OwnerRef:  w.OwnerRef,
		OwnerType: string(w.OwnerType),
		Label:     w.Label,
		Active:    w.Active,
		CreatedAt: w.CreatedAt.Format(time.RFC3339),
		UpdatedAt: w.UpdatedAt.Format(time.RFC3339),
	}
}

func toWalletDTOs(wallets []ledger.Wallet) []WalletDTO {
	out := make([]WalletDTO, len(wallets))
	for i, w := range wallets {
		out[i] = toWalletDTO(w)
	}
	return out
}

func toBalanceSummaryDTO(s ledger.BalanceSummary) BalanceSummaryDTO {
	balances := make([]AssetBalanceDTO, len(s.Balances))
	for i, b := range s.Balances {
		balances[i] = AssetBalanceDTO{
			AssetTypeID: string(b.AssetTypeID),
			Name:        b.Name,
			Symbol:      b.Symbol,
			Balance:     b.Balance.String(),
		}
	}
	return BalanceSummaryDTO{
		WalletID: string(s.WalletID),
		Label:    s.Label,
		Balances: balances,
	}
}

func toTransactionPageDTO(p ledger.TransactionPage) TransactionPageDTO {
	entries := make([]LedgerEntryDTO, len(p.Entries))
	for i, e := range p.Entries {
		entries[i] = LedgerEntryDTO{
			ID:              string(e.ID),
			TransactionID:   string(e.TransactionID),
			AssetTypeID:     string(e.AssetTypeID),
			AssetSymbol:     e.AssetSymbol,
			Direction:       string(e.Direction),
			Amount:          e.Amount.String(),
			TransactionType: string(e.TransactionType),
			Reference:       e.TransactionRef,
			CreatedAt:       e.CreatedAt.Format(time.RFC3339),
		}
	}
	return TransactionPageDTO{
		WalletID: string(p.WalletID),
		Label:    p.Label,
		Total:    p.Total,
		Limit:    p.Limit,
		Offset:   p.Offset,
		Entries:  entries,
	}
}

func toTransferResultDTO(r ledger.TransferResult) TransferResultDTO {
	return TransferResultDTO{
		TransactionID: string(r.TransactionID),
		Type:          string(r.Type),
		Reference:     r.Reference,
		AssetTypeID:   string(r.AssetTypeID),
		AssetSymbol:   r.AssetSymbol,
		Amount:        r.Amount,
		FromWalletID:  string(r.FromWalletID),
		ToWalletID:    string(r.ToWalletID),
		CreatedAt:     r.CreatedAt.Format(time.RFC3339),
	}
}

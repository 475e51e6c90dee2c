/*
handlers.go - HTTP API handlers for the wallet ledger service

PURPOSE:
  Exposes ledger.Engine (writes) and ledger.ReadService (reads) via REST.
  Handlers parse/validate the HTTP envelope only; every domain decision
  (funds check, idempotency, lock ordering) happens inside the ledger
  package.

ENDPOINTS:
  Assets:
    GET  /api/assets                        List asset types

  Wallets:
    GET  /api/wallets                       List wallets
    GET  /api/wallets/{id}/balance          Balance summary
    GET  /api/wallets/{id}/transactions      Paginated history

  Transfers:
    POST /api/wallets/{id}/topup             Treasury -> wallet
    POST /api/wallets/{id}/bonus             Bonus pool -> wallet
    POST /api/wallets/{id}/spend             Wallet -> revenue

IDEMPOTENCY:
  POST handlers read the Idempotency-Key header and pass it through to
  Engine.Transfer unchanged. A fresh commit returns 201; a cache hit
  (same key, same request hash) returns 200 with fromCache: true.

ERROR HANDLING:
  ledger.KindOf(err) maps to an HTTP status. writeError always emits an
  ErrorResponse - callers never see a bare domain type.

SEE ALSO:
  - dto.go: request/response data structures
  - server.go: router setup and middleware
*/
package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/warp/vault-ledger/ledger"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds the dependencies every route needs: the write path
// (Engine) and the read path (ReadService). Neither is mutable state -
// both are safe for concurrent use across goroutines.
type Handler struct {
	Engine *ledger.Engine
	Reads  *ledger.ReadService
}

// NewHandler constructs a Handler over engine and reads.
func NewHandler(engine *ledger.Engine, reads *ledger.ReadService) *Handler {
	return &Handler{Engine: engine, Reads: reads}
}

// =============================================================================
// ASSET ENDPOINTS
// =============================================================================

// ListAssets returns the active asset types, ordered by name.
// GET /api/assets
func (h *Handler) ListAssets(w http.ResponseWriter, r *http.Request) {
	assets, err := h.Reads.ListAssets(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Envelope{Data: toAssetTypeDTOs(assets)})
}

// =============================================================================
// WALLET ENDPOINTS
// =============================================================================

// ListWallets returns every wallet.
// GET /api/wallets
func (h *Handler) ListWallets(w http.ResponseWriter, r *http.Request) {
	wallets, err := h.Reads.ListWallets(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Envelope{Data: toWalletDTOs(wallets)})
}

// GetBalance returns a wallet's per-asset balance summary.
// GET /api/wallets/{id}/balance
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	walletID := ledger.WalletID(chi.URLParam(r, "id"))
	summary, err := h.Reads.GetBalance(r.Context(), walletID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Envelope{Data: toBalanceSummaryDTO(summary)})
}

// GetTransactions returns a paginated, most-recent-first ledger history.
// GET /api/wallets/{id}/transactions?limit=20&offset=0
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	walletID := ledger.WalletID(chi.URLParam(r, "id"))
	limit := parseIntDefault(r.URL.Query().Get("limit"), 20)
	offset := parseIntDefault(r.URL.Query().Get("offset"), 0)

	page, err := h.Reads.GetTransactions(r.Context(), walletID, limit, offset)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Envelope{Data: toTransactionPageDTO(page)})
}

// =============================================================================
// TRANSFER ENDPOINTS
// =============================================================================

// Topup credits a wallet from the system treasury.
// POST /api/wallets/{id}/topup
func (h *Handler) Topup(w http.ResponseWriter, r *http.Request) {
	h.transfer(w, r, ledger.FlowTopup, "topup")
}

// Bonus credits a wallet from the system bonus pool.
// POST /api/wallets/{id}/bonus
func (h *Handler) Bonus(w http.ResponseWriter, r *http.Request) {
	h.transfer(w, r, ledger.FlowBonus, "bonus")
}

// Spend debits a wallet into the system revenue sink.
// POST /api/wallets/{id}/spend
func (h *Handler) Spend(w http.ResponseWriter, r *http.Request) {
	h.transfer(w, r, ledger.FlowSpend, "spend")
}

func (h *Handler) transfer(w http.ResponseWriter, r *http.Request, flow ledger.Flow, endpointTag string) {
	walletID := ledger.WalletID(chi.URLParam(r, "id"))

	var req TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "bad_request", err)
		return
	}

	amount, err := ledger.AmountFromString(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "amount is not a valid decimal string", "bad_request", err)
		return
	}

	var metadata []byte
	if req.Metadata != nil {
		metadata, err = json.Marshal(req.Metadata)
		if err != nil {
			writeError(w, http.StatusBadRequest, "metadata is not valid JSON", "bad_request", err)
			return
		}
	}

	in := ledger.TransferInput{
		WalletID:       walletID,
		AssetTypeID:    ledger.AssetID(req.AssetTypeID),
		Amount:         amount,
		Reference:      req.Reference,
		InitiatedBy:    req.InitiatedBy,
		Metadata:       metadata,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
		EndpointTag:    endpointTag,
	}

	outcome, err := h.Engine.Transfer(r.Context(), flow, in)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	status := http.StatusCreated
	if outcome.FromCache {
		status = http.StatusOK
	}
	writeJSON(w, status, Envelope{
		Data:      toTransferResultDTO(outcome.Data),
		FromCache: outcome.FromCache,
	})
}

// =============================================================================
// HELPERS
// =============================================================================

func parseIntDefault(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message, code string, err error) {
	resp := ErrorResponse{Error: message, Code: code}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps a ledger.Error's Kind to an HTTP status and code.
func writeDomainError(w http.ResponseWriter, err error) {
	kind := ledger.KindOf(err)
	status, code := statusForKind(kind)
	writeError(w, status, err.Error(), code, nil)
}

func statusForKind(kind ledger.Kind) (int, string) {
	switch kind {
	case ledger.KindBadRequest:
		return http.StatusBadRequest, "bad_request"
	case ledger.KindNotFound:
		return http.StatusNotFound, "not_found"
	case ledger.KindConflict:
		return http.StatusConflict, "conflict"
	case ledger.KindUnprocessable:
		return http.StatusUnprocessableEntity, "unprocessable"
	case ledger.KindTransientConflict:
		return http.StatusServiceUnavailable, "transient_conflict"
	case ledger.KindTimeout:
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

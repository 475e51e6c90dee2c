/*
handlers_test.go - HTTP-level tests for the wallet API

Exercises the router end to end against an in-memory ledger.Engine/
ReadService pair, so these tests cover JSON decoding, status-code
mapping, and idempotency header handling without a database.
*/
package api_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/vault-ledger/api"
	"github.com/warp/vault-ledger/ledger"
	"github.com/warp/vault-ledger/ledger/memstore"
)

func newTestRouter(t *testing.T) (http.Handler, *memstore.Memory) {
	t.Helper()
	store := memstore.New()
	now := time.Now()

	store.SeedAsset(ledger.AssetType{ID: "coin", Name: "Coin", Symbol: "COIN", Active: true, CreatedAt: now})
	store.SeedWallet(ledger.Wallet{ID: ledger.WalletID(ledger.SystemTreasury), OwnerRef: ledger.SystemTreasury, OwnerType: ledger.OwnerSystem, Active: true, CreatedAt: now, UpdatedAt: now})
	store.SeedWallet(ledger.Wallet{ID: ledger.WalletID(ledger.SystemBonusPool), OwnerRef: ledger.SystemBonusPool, OwnerType: ledger.OwnerSystem, Active: true, CreatedAt: now, UpdatedAt: now})
	store.SeedWallet(ledger.Wallet{ID: ledger.WalletID(ledger.SystemRevenue), OwnerRef: ledger.SystemRevenue, OwnerType: ledger.OwnerSystem, Active: true, CreatedAt: now, UpdatedAt: now})
	store.SeedWallet(ledger.Wallet{ID: "wallet-1", OwnerRef: "user-1", OwnerType: ledger.OwnerUser, Active: true, CreatedAt: now, UpdatedAt: now})

	engine := ledger.NewEngine(store)
	reads := ledger.NewReadService(store)
	handler := api.NewHandler(engine, reads)
	return api.NewRouter(handler), store
}

func doRequest(t *testing.T, router http.Handler, method, path string, body any, idempotencyKey string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestTopup_Success(t *testing.T) {
	// GIVEN: a router with a seeded user wallet and coin asset
	router, _ := newTestRouter(t)

	// WHEN: topping up the wallet
	rec := doRequest(t, router, http.MethodPost, "/api/wallets/wallet-1/topup", map[string]any{
		"assetTypeId": "coin",
		"amount":      "10.00000000",
		"reference":   "test-topup",
	}, "key-topup-success")

	// THEN: the transfer commits with 201 and the correct envelope
	require.Equal(t, http.StatusCreated, rec.Code)
	var envelope api.Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.False(t, envelope.FromCache)
}

func TestTopup_IdempotentReplay_ReturnsCachedResult(t *testing.T) {
	// GIVEN: a router and an idempotency key
	router, _ := newTestRouter(t)
	body := map[string]any{
		"assetTypeId": "coin",
		"amount":      "5.00000000",
		"reference":   "idem-test",
	}

	// WHEN: the same request is sent twice with the same key
	first := doRequest(t, router, http.MethodPost, "/api/wallets/wallet-1/topup", body, "key-123")
	second := doRequest(t, router, http.MethodPost, "/api/wallets/wallet-1/topup", body, "key-123")

	// THEN: the first commits, the second replays from cache
	require.Equal(t, http.StatusCreated, first.Code)
	require.Equal(t, http.StatusOK, second.Code)

	var envelope api.Envelope
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &envelope))
	assert.True(t, envelope.FromCache)
}

func TestSpend_InsufficientFunds_Returns422(t *testing.T) {
	// GIVEN: a wallet with zero balance
	router, _ := newTestRouter(t)

	// WHEN: spending more than the balance holds
	rec := doRequest(t, router, http.MethodPost, "/api/wallets/wallet-1/spend", map[string]any{
		"assetTypeId": "coin",
		"amount":      "1.00000000",
		"reference":   "overspend",
	}, "key-overspend")

	// THEN: the response is 422 with an error body
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	var errResp api.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
	assert.NotEmpty(t, errResp.Error)
}

func TestTopup_InvalidAmount_Returns400(t *testing.T) {
	// GIVEN: a router
	router, _ := newTestRouter(t)

	// WHEN: the amount is not a valid decimal string
	rec := doRequest(t, router, http.MethodPost, "/api/wallets/wallet-1/topup", map[string]any{
		"assetTypeId": "coin",
		"amount":      "not-a-number",
		"reference":   "bad-amount",
	}, "")

	// THEN: the handler rejects before reaching the engine
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTopup_MissingIdempotencyKey_Returns400(t *testing.T) {
	// GIVEN: a router
	router, _ := newTestRouter(t)

	// WHEN: the Idempotency-Key header is absent
	rec := doRequest(t, router, http.MethodPost, "/api/wallets/wallet-1/topup", map[string]any{
		"assetTypeId": "coin",
		"amount":      "10.00000000",
		"reference":   "no-key",
	}, "")

	// THEN: the engine rejects it before touching the ledger
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetBalance_UnknownWallet_Returns404(t *testing.T) {
	// GIVEN: a router with no wallet "missing"
	router, _ := newTestRouter(t)

	// WHEN: requesting its balance
	rec := doRequest(t, router, http.MethodGet, "/api/wallets/missing/balance", nil, "")

	// THEN: the response is 404
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTopupThenGetBalance_ReflectsCredit(t *testing.T) {
	// GIVEN: a fresh wallet
	router, _ := newTestRouter(t)

	// WHEN: topping up then reading the balance
	doRequest(t, router, http.MethodPost, "/api/wallets/wallet-1/topup", map[string]any{
		"assetTypeId": "coin",
		"amount":      "25.00000000",
		"reference":   "setup",
	}, "key-setup")
	rec := doRequest(t, router, http.MethodGet, "/api/wallets/wallet-1/balance", nil, "")

	// THEN: the balance reflects the credited amount
	require.Equal(t, http.StatusOK, rec.Code)
	var envelope struct {
		Data api.BalanceSummaryDTO `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	require.Len(t, envelope.Data.Balances, 1)
	assert.Equal(t, "25.00000000", envelope.Data.Balances[0].Balance)
}

func TestListAssets_ReturnsSeeded(t *testing.T) {
	// GIVEN: a router seeded with one asset
	router, _ := newTestRouter(t)

	// WHEN: listing assets
	rec := doRequest(t, router, http.MethodGet, "/api/assets", nil, "")

	// THEN: the seeded asset is present
	require.Equal(t, http.StatusOK, rec.Code)
	var envelope struct {
		Data []api.AssetTypeDTO `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	require.Len(t, envelope.Data, 1)
	assert.Equal(t, "coin", envelope.Data[0].ID)
}

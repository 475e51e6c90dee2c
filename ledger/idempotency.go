/*
idempotency.go - request hashing and cached-result (de)serialization

PURPOSE:
  HashRequest is the canonicalization a storage backend uses to implement
  IdempotencyStore.HashRequest: the same logical request (same asset,
  amount, reference) always produces the same hash regardless of field
  order or trailing-zero formatting in the caller's amount string, so a
  backend can cheaply compare hashes to detect idempotency-key reuse with
  a different payload.

  Per spec.md §9 Open Question 2, metadata is intentionally excluded from
  the hash - only {assetTypeId, amount, reference} are canonicalized.

SEE ALSO:
  - store.go: IdempotencyStore.HashRequest
  - ledger.go: encodeResult/decodeCachedResult cache the TransferResult
*/
package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// HashRequest canonicalizes {assetTypeId, amount, reference} and returns the
// SHA-256 hex digest. Field order is fixed; amount uses its canonical fixed
// scale string form so "10" and "10.00000000" hash identically.
func HashRequest(assetTypeID AssetID, amount Amount, reference string) string {
	canonical := fmt.Sprintf("assetTypeId=%s\namount=%s\nreference=%s", assetTypeID, amount.String(), reference)
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

func encodeResult(result TransferResult) ([]byte, error) {
	return json.Marshal(result)
}

func decodeCachedResult(rec IdempotencyRecord) (TransferResult, error) {
	var result TransferResult
	if err := json.Unmarshal(rec.ResponseBody, &result); err != nil {
		return TransferResult{}, err
	}
	return result, nil
}

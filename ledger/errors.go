/*
errors.go - the error taxonomy raised by every ledger component

PURPOSE:
  A single, structured error type carries enough information for the HTTP
  layer to pick a status code without string-matching, and enough for
  storage backends to signal retryability without leaking driver-specific
  error types into the engine.

ERROR CATEGORIES:
  Kind enumerates the seven classes spec.md §7 defines. Only
  TransientConflict is retried internally by the engine; every other kind
  propagates to the caller.

USAGE:
  if ledger.KindOf(err) == ledger.KindNotFound { ... }

  var insufficient *ledger.InsufficientFundsError
  if errors.As(err, &insufficient) { ... }

SEE ALSO:
  - ledger.go: raises and retries these errors
  - api/handlers.go: maps Kind to an HTTP status code
*/
package ledger

import (
	"errors"
	"fmt"
)

// Kind classifies an Error for status-code mapping and retry eligibility.
type Kind string

const (
	KindBadRequest        Kind = "bad_request"
	KindNotFound          Kind = "not_found"
	KindConflict          Kind = "conflict"
	KindUnprocessable     Kind = "unprocessable"
	KindTransientConflict Kind = "transient_conflict"
	KindTimeout           Kind = "timeout"
	KindInternal          Kind = "internal"
)

// Error is the structured error every ledger component returns. It wraps an
// optional cause so errors.Is/errors.As still see through to sentinels and
// driver errors.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func NewError(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func BadRequest(format string, args ...any) *Error {
	return &Error{Kind: KindBadRequest, Message: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

func Conflict(format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

func Unprocessable(format string, args ...any) *Error {
	return &Error{Kind: KindUnprocessable, Message: fmt.Sprintf(format, args...)}
}

func TransientConflict(format string, args ...any) *Error {
	return &Error{Kind: KindTransientConflict, Message: fmt.Sprintf(format, args...)}
}

func Timeout(cause error) *Error {
	return &Error{Kind: KindTimeout, Message: "operation timed out", Cause: cause}
}

func Internal(cause error) *Error {
	return &Error{Kind: KindInternal, Message: "internal error", Cause: cause}
}

// =============================================================================
// SENTINEL ERRORS - use with errors.Is()
// =============================================================================

var (
	// ErrWalletNotFound classifies as KindNotFound. The stores in this module
	// report a missing wallet with a NotFound *Error that does not wrap it.
	ErrWalletNotFound = errors.New("wallet not found")

	// ErrAssetNotFound classifies as KindNotFound. The stores in this module
	// report a missing asset type with a NotFound *Error that does not wrap it.
	ErrAssetNotFound = errors.New("asset type not found")

	// ErrWalletInactive is returned when a transfer touches a deactivated wallet.
	ErrWalletInactive = errors.New("wallet is inactive")

	// ErrAssetInactive is returned when a transfer references a deactivated asset type.
	ErrAssetInactive = errors.New("asset type is inactive")

	// ErrInsufficientFunds is returned when a spend would drive a user wallet negative.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrIdempotencyConflict is returned when an idempotency key is reused with a
	// different request hash.
	ErrIdempotencyConflict = errors.New("idempotency key reused with different request")

	// ErrSerializationFailure classifies as KindTransientConflict, so an error
	// wrapping it is retried internally. Neither store in this module returns
	// it; store/sqlite reports contention as a TransientConflict *Error.
	ErrSerializationFailure = errors.New("serialization failure")
)

// =============================================================================
// STRUCTURED ERRORS - carry payload beyond a message
// =============================================================================

// InsufficientFundsError reports the shortfall for a failed spend.
type InsufficientFundsError struct {
	WalletID  WalletID
	AssetID   AssetID
	Available Amount
	Requested Amount
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: wallet %s asset %s available %s requested %s",
		e.WalletID, e.AssetID, e.Available, e.Requested)
}

func (e *InsufficientFundsError) Unwrap() error { return ErrInsufficientFunds }

// IdempotencyConflictError reports a reused key whose request hash doesn't match.
type IdempotencyConflictError struct {
	Key string
}

func (e *IdempotencyConflictError) Error() string {
	return fmt.Sprintf("idempotency key %q reused with a different request payload", e.Key)
}

func (e *IdempotencyConflictError) Unwrap() error { return ErrIdempotencyConflict }

// IdempotencyAlreadyCommittedError is raised by the store (store/sqlite from
// SaveIdempotency, ledger/memstore from WithTx's commit) when a concurrent
// writer committed a record for the same key and request hash first. It is not a client-visible failure: the losing transactional scope
// rolls back its own (duplicate) ledger entries, and the engine resolves this
// error into the winner's cached response with fromCache=true, exactly as if
// the optimistic lookup in step 3 had hit in the first place.
type IdempotencyAlreadyCommittedError struct {
	Existing IdempotencyRecord
}

func (e *IdempotencyAlreadyCommittedError) Error() string {
	return fmt.Sprintf("idempotency key %q committed concurrently by another writer", e.Existing.Key)
}

// =============================================================================
// HELPERS
// =============================================================================

// KindOf extracts the Kind from err, defaulting to KindInternal for errors
// that were never classified (programmer error, unwrapped driver errors).
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var dup *IdempotencyAlreadyCommittedError
	if errors.As(err, &dup) {
		// Reachable only if a caller inspects this error directly instead of
		// letting Engine.Transfer resolve it into a cache hit.
		return KindConflict
	}
	switch {
	case errors.Is(err, ErrWalletNotFound), errors.Is(err, ErrAssetNotFound):
		return KindNotFound
	case errors.Is(err, ErrInsufficientFunds):
		return KindUnprocessable
	case errors.Is(err, ErrIdempotencyConflict):
		return KindConflict
	case errors.Is(err, ErrSerializationFailure):
		return KindTransientConflict
	}
	return KindInternal
}

// IsRetryable returns true if the engine should retry the transactional
// scope that produced err.
func IsRetryable(err error) bool {
	return KindOf(err) == KindTransientConflict
}

// IsClientError returns true if the error stems from invalid client input
// or a business rule the client violated, as opposed to an internal fault.
func IsClientError(err error) bool {
	switch KindOf(err) {
	case KindBadRequest, KindNotFound, KindConflict, KindUnprocessable:
		return true
	default:
		return false
	}
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}

// Package ec is the single translation point between the core's
// internal error taxonomy and the HTTP status/error-code pairs the
// (out-of-core) HTTP layer puts on the wire. Every 4xx/5xx the
// withdraw and reserve-history handlers can produce is named here.
package ec

import "net/http"

// Code identifies a specific error condition. Values are stable once
// assigned; they appear verbatim in HTTP response bodies.
type Code int

const (
	// ReservePubMalformed: the path's reserve_pub failed base32 decode.
	ReservePubMalformed Code = 1000 + iota
	// RequestMalformed: the JSON body failed schema validation.
	RequestMalformed
	// DenominationUnknown: no denomination has this pub hash.
	DenominationUnknown
	// DenominationExpired: now >= expire_withdraw.
	DenominationExpired
	// DenominationValidityInFuture: now < start.
	DenominationValidityInFuture
	// DenominationRevoked: recoup_possible is set.
	DenominationRevoked
	// ReserveSignatureInvalid: the EdDSA signature over the signed
	// withdraw request does not verify.
	ReserveSignatureInvalid
	// ReserveUnknown: no reserve exists for reserve_pub.
	ReserveUnknown
	// InsufficientFunds: amount_with_fee exceeds the reserve balance.
	InsufficientFunds
	// AmountArithmeticOverflow: value+fee_withdraw overflowed.
	AmountArithmeticOverflow
	// BlindSigningKeyUnknown: the signer has no private key for the hash.
	BlindSigningKeyUnknown
	// BlindSigningKeyRevoked: the key was withdrawn from the signing set.
	BlindSigningKeyRevoked
	// BlindSigningUnavailable: the signing backend is down.
	BlindSigningUnavailable
	// GenericDBFetchFailed: a HARD_ERROR surfaced from a read.
	GenericDBFetchFailed
	// GenericDBStoreFailed: a HARD_ERROR surfaced from a write.
	GenericDBStoreFailed
	// GenericDBInvariantFailure: the store returned data that
	// contradicts an invariant the core relies on (e.g. the
	// reconstructed reserve history disagrees with the stored
	// balance). Fatal.
	GenericDBInvariantFailure
	// EnvelopeDenominationMismatch: a replayed coin envelope names a
	// different denomination than the one the stored withdraw record
	// is bound to.
	EnvelopeDenominationMismatch
	// WireAccountNotConfigured: the closer found a payto URI with no
	// matching configured debit account.
	WireAccountNotConfigured
	// WireFeeNotFound: no wire_fee row covers the requested time.
	WireFeeNotFound
	// RoundingFailure: round_down failed (malformed CURRENCY_ROUND_UNIT).
	RoundingFailure
)

// HTTPError pairs an HTTP status with an error Code and an optional
// human hint.
type HTTPError struct {
	Status int
	Code   Code
	Hint   string
}

func (e *HTTPError) Error() string {
	if e.Hint != "" {
		return e.Hint
	}
	return "exchange error"
}

// New builds an HTTPError for a given status/code pair.
func New(status int, code Code, hint string) *HTTPError {
	return &HTTPError{Status: status, Code: code, Hint: hint}
}

// Common constructors for the specific responses the withdraw and
// reserve-history handlers produce.

func ReservePubMalformedError(raw string) *HTTPError {
	return New(http.StatusBadRequest, ReservePubMalformed, "malformed reserve_pub: "+raw)
}

func RequestMalformedError(reason string) *HTTPError {
	return New(http.StatusBadRequest, RequestMalformed, reason)
}

func DenominationUnknownError() *HTTPError {
	return New(http.StatusNotFound, DenominationUnknown, "")
}

func DenominationExpiredError() *HTTPError {
	return New(http.StatusGone, DenominationExpired, "denomination past its withdraw expiration")
}

func DenominationValidityInFutureError() *HTTPError {
	return New(http.StatusPreconditionFailed, DenominationValidityInFuture, "denomination not yet valid")
}

func DenominationRevokedError() *HTTPError {
	return New(http.StatusGone, DenominationRevoked, "denomination has been revoked")
}

func ReserveSignatureInvalidError() *HTTPError {
	return New(http.StatusForbidden, ReserveSignatureInvalid, "")
}

func ReserveUnknownError() *HTTPError {
	return New(http.StatusNotFound, ReserveUnknown, "reserve unknown")
}

func InsufficientFundsError() *HTTPError {
	return New(http.StatusConflict, InsufficientFunds, "insufficient funds")
}

func EnvelopeDenominationMismatchError() *HTTPError {
	return New(http.StatusConflict, EnvelopeDenominationMismatch, "envelope already bound to a different denomination")
}

func AmountArithmeticOverflowError() *HTTPError {
	return New(http.StatusInternalServerError, AmountArithmeticOverflow, "")
}

func GenericDBFetchFailedError(what string) *HTTPError {
	return New(http.StatusInternalServerError, GenericDBFetchFailed, what)
}

func GenericDBStoreFailedError(what string) *HTTPError {
	return New(http.StatusInternalServerError, GenericDBStoreFailed, what)
}

func GenericDBInvariantFailureError(what string) *HTTPError {
	return New(http.StatusInternalServerError, GenericDBInvariantFailure, what)
}

// FromBlindSignError maps a blind-signing failure to its HTTP status.
func FromBlindSignError(code Code) *HTTPError {
	switch code {
	case BlindSigningKeyUnknown:
		return New(http.StatusNotFound, code, "unknown denomination key")
	case BlindSigningKeyRevoked:
		return New(http.StatusGone, code, "denomination key revoked")
	case BlindSigningUnavailable:
		return New(http.StatusInternalServerError, code, "signing backend unavailable")
	default:
		return New(http.StatusInternalServerError, code, "")
	}
}

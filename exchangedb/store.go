// Package exchangedb declares the abstract store the core transacts
// against: reserves, withdraw records, reserve-closing records, the
// wire-fee table, and reserve histories. Concrete backends (postgres,
// an in-memory test double) live in sibling packages and implement
// the Store interface defined here.
package exchangedb

import (
	"context"
	"crypto/ed25519"
	"time"

	"github.com/go-taler/exchanged/amount"
)

// Status is the four-way result of a store operation: HARD_ERROR is a
// bug or schema violation and must propagate; SOFT_ERROR is a
// serialization failure and directs the caller to roll back and
// replay the whole transaction closure; NO_RESULTS and ONE_RESULT are
// the two valid outcomes of a lookup.
type Status int

const (
	// StatusHardError is a bug or schema violation; callers must
	// propagate it and must not retry.
	StatusHardError Status = iota
	// StatusSoftError is a serialization failure; callers must roll
	// back and re-run the same transaction closure from scratch.
	StatusSoftError
	// StatusNoResults is an expected "not found".
	StatusNoResults
	// StatusOneResult is the expected "found exactly one" outcome.
	StatusOneResult
)

// IsError reports whether s represents a failed operation.
func (s Status) IsError() bool {
	return s == StatusHardError || s == StatusSoftError
}

func (s Status) String() string {
	switch s {
	case StatusHardError:
		return "HARD_ERROR"
	case StatusSoftError:
		return "SOFT_ERROR"
	case StatusNoResults:
		return "NO_RESULTS"
	case StatusOneResult:
		return "ONE_RESULT"
	default:
		return "UNKNOWN_STATUS"
	}
}

// Reserve is a per-customer funded account, identified by its EdDSA
// public key.
type Reserve struct {
	Pub             ed25519.PublicKey
	Balance         amount.Amount
	AccountPaytoURI string
	ExpirationDate  time.Time
}

// WithdrawRecord is the persisted "CollectableBlindcoin": the primary
// key is HCoinEnvelope, and re-presenting an identical envelope must
// return the same DenomSig unchanged (idempotent replay).
type WithdrawRecord struct {
	HCoinEnvelope [64]byte
	DenomPubHash  [64]byte
	AmountWithFee amount.Amount
	ReservePub    ed25519.PublicKey
	ReserveSig    [64]byte
	DenomSig      []byte
}

// ReserveHistoryEntryType discriminates ReserveHistoryEntry.
type ReserveHistoryEntryType int

const (
	HistoryCredit ReserveHistoryEntryType = iota
	HistoryWithdraw
	HistoryRecoup
	HistoryClosing
)

// ReserveHistoryEntry is one event in a reserve's lifetime: a credit
// (incoming wire), a withdraw (debit), a recoup (credit back), or a
// closing (the reserve's terminal debit).
type ReserveHistoryEntry struct {
	Type   ReserveHistoryEntryType
	Amount amount.Amount

	// Populated only for HistoryWithdraw.
	HCoinEnvelope [64]byte

	// Populated only for HistoryClosing.
	WTID [32]byte
}

// ReserveHistory is the list of a reserve's events, as needed to
// reconstruct its balance. The order is up to the backend: memtest
// keeps insertion order, postgres returns credits, then withdraws,
// then closings, each group oldest first.
type ReserveHistory []ReserveHistoryEntry

// CompileBalance reconstructs the balance implied by a history: sum of
// credits and recoups, minus withdraws and closings. The currency is
// taken from the first entry; an empty history yields the zero amount
// in an empty currency (callers must special-case it).
func (rh ReserveHistory) CompileBalance() amount.Amount {
	var balance amount.Amount
	first := true
	for _, e := range rh {
		if first {
			balance = amount.Zero(e.Amount.Currency)
			first = false
		}
		switch e.Type {
		case HistoryCredit, HistoryRecoup:
			sum, flag := amount.Add(balance, e.Amount)
			if flag == amount.AddOK {
				balance = sum
			}
		case HistoryWithdraw, HistoryClosing:
			diff, flag := amount.Subtract(balance, e.Amount)
			if flag == amount.SubtractZero || flag == amount.SubtractPositive {
				balance = diff
			}
		}
	}
	return balance
}

// ClosingRecord is the terminal record for an expired, closed reserve.
type ClosingRecord struct {
	ReservePub      ed25519.PublicKey
	ExecutionTime   time.Time
	AccountPaytoURI string
	WTID            [32]byte
	Amount          amount.Amount
	ClosingFee      amount.Amount
}

// WirePrepareRecord is a staged, opaque wire-transfer instruction
// inserted by the closer and later consumed by the (out-of-core)
// wire-gateway component.
type WirePrepareRecord struct {
	Method  string
	Payload []byte
}

// WireFee is the fee schedule for closing a reserve through a given
// wire method, effective for transfers at a point in time.
type WireFee struct {
	Method     string
	ClosingFee amount.Amount
	ValidFrom  time.Time
	ValidUntil time.Time
}

// ExpiredReserve is what the closer's cursor callback receives for
// each reserve past its expiration_date.
type ExpiredReserve struct {
	ReservePub      ed25519.PublicKey
	Left            amount.Amount
	AccountPaytoURI string
	ExpirationDate  time.Time
}

// ExpiredReserveFunc is invoked once per expired reserve found by
// GetExpiredReserves; returning a non-nil error aborts the scan.
type ExpiredReserveFunc func(ExpiredReserve) error

// Session is a checked-out connection/transaction handle. Callers
// acquire one with the Store and must Release it on every exit path.
type Session interface {
	// Begin starts a transaction, labelled for logging/diagnostics.
	Begin(ctx context.Context, label string) error
	// Commit commits the open transaction.
	Commit(ctx context.Context) error
	// Rollback rolls back the open transaction.
	Rollback(ctx context.Context) error
	// Release returns the underlying connection to the pool. Safe to
	// call multiple times.
	Release()
}

// Store is the full capability set the core requires of a persistence
// backend.
type Store interface {
	// Session acquires a session handle; callers must Release it.
	Session(ctx context.Context) (Session, error)

	// GetWithdrawInfo looks up a withdraw record by envelope hash.
	GetWithdrawInfo(ctx context.Context, s Session, hCoinEnvelope [64]byte) (*WithdrawRecord, Status)

	// ReservesGet fills in the balance and expiration of the reserve
	// identified by pub.
	ReservesGet(ctx context.Context, s Session, pub ed25519.PublicKey) (*Reserve, Status)

	// GetReserveHistory returns the full event history for a reserve.
	GetReserveHistory(ctx context.Context, s Session, pub ed25519.PublicKey) (ReserveHistory, Status)

	// GetExpiredReserves invokes cb once per reserve whose
	// expiration_date is at or before now and that has not been
	// closed yet.
	GetExpiredReserves(ctx context.Context, s Session, now time.Time, cb ExpiredReserveFunc) Status

	// InsertWithdrawInfo persists a newly signed withdraw. HARD_ERROR
	// on schema violation, SOFT_ERROR on serialization conflict
	// (typically a concurrent insert of the same envelope hash, which
	// the unique constraint on h_coin_envelope converts into a
	// retryable conflict rather than silent data loss).
	InsertWithdrawInfo(ctx context.Context, s Session, record *WithdrawRecord) Status

	// InsertReserveClosed persists a closing row.
	InsertReserveClosed(ctx context.Context, s Session, record *ClosingRecord) Status

	// WirePrepareDataInsert persists a staged wire-transfer record.
	WirePrepareDataInsert(ctx context.Context, s Session, record *WirePrepareRecord) Status

	// GetWireFee returns the fee schedule for method effective at at.
	GetWireFee(ctx context.Context, s Session, method string, at time.Time) (*WireFee, Status)
}

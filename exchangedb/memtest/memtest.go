// Package memtest is an in-memory exchangedb.Store for unit tests of
// the withdraw and closer packages, with no live Postgres required.
//
// A single mutex protects a handful of maps, every store method takes
// the lock, and a hook lets tests force a configured number of
// SOFT_ERROR returns before the underlying operation actually runs,
// so the retry-the-whole-transaction path gets exercised.
package memtest

import (
	"context"
	"crypto/ed25519"
	"sync"
	"time"

	"github.com/go-taler/exchanged/amount"
	"github.com/go-taler/exchanged/exchangedb"
)

// Store is a fully in-memory implementation of exchangedb.Store.
type Store struct {
	mu sync.Mutex

	reserves  map[string]*exchangedb.Reserve
	withdraws map[[64]byte]*exchangedb.WithdrawRecord
	histories map[string]exchangedb.ReserveHistory
	wireFees  map[string][]exchangedb.WireFee
	closings  []exchangedb.ClosingRecord
	prepares  []exchangedb.WirePrepareRecord

	// SoftErrorsBeforeSuccess, when non-zero, makes the next N calls
	// to GetWithdrawInfo return StatusSoftError before letting the
	// (N+1)th call through to the real lookup, simulating a
	// serialization conflict that the core must retry past.
	SoftErrorsBeforeSuccess int
	softErrorsSeen          int
}

// New returns an empty store.
func New() *Store {
	return &Store{
		reserves:  make(map[string]*exchangedb.Reserve),
		withdraws: make(map[[64]byte]*exchangedb.WithdrawRecord),
		histories: make(map[string]exchangedb.ReserveHistory),
		wireFees:  make(map[string][]exchangedb.WireFee),
	}
}

type session struct{ store *Store }

func (s *session) Begin(ctx context.Context, label string) error { return nil }
func (s *session) Commit(ctx context.Context) error              { return nil }
func (s *session) Rollback(ctx context.Context) error            { return nil }
func (s *session) Release()                                      {}

// Session acquires a session handle.
func (st *Store) Session(ctx context.Context) (exchangedb.Session, error) {
	return &session{store: st}, nil
}

// PutReserve seeds a reserve directly, bypassing the credit-history
// bookkeeping, for tests that only care about balance checks.
func (st *Store) PutReserve(r *exchangedb.Reserve) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.reserves[keyOf(r.Pub)] = r
}

// Credit appends a credit event to the reserve's history and raises
// its balance, creating the reserve if it doesn't exist yet (reserves
// come into being on their first incoming wire credit).
func (st *Store) Credit(pub ed25519.PublicKey, amt amount.Amount, accountPaytoURI string, expiration time.Time) {
	st.mu.Lock()
	defer st.mu.Unlock()

	r, ok := st.reserves[keyOf(pub)]
	if !ok {
		r = &exchangedb.Reserve{
			Pub:             pub,
			Balance:         amount.Zero(amt.Currency),
			AccountPaytoURI: accountPaytoURI,
			ExpirationDate:  expiration,
		}
		st.reserves[keyOf(pub)] = r
	}
	sum, flag := amount.Add(r.Balance, amt)
	if flag == amount.AddOK {
		r.Balance = sum
	}
	st.histories[keyOf(pub)] = append(st.histories[keyOf(pub)], exchangedb.ReserveHistoryEntry{
		Type:   exchangedb.HistoryCredit,
		Amount: amt,
	})
}

func keyOf(pub ed25519.PublicKey) string { return string(pub) }

// GetWithdrawInfo implements exchangedb.Store.
func (st *Store) GetWithdrawInfo(ctx context.Context, s exchangedb.Session, h [64]byte) (*exchangedb.WithdrawRecord, exchangedb.Status) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.softErrorsSeen < st.SoftErrorsBeforeSuccess {
		st.softErrorsSeen++
		return nil, exchangedb.StatusSoftError
	}

	rec, ok := st.withdraws[h]
	if !ok {
		return nil, exchangedb.StatusNoResults
	}
	cp := *rec
	return &cp, exchangedb.StatusOneResult
}

// ReservesGet implements exchangedb.Store.
func (st *Store) ReservesGet(ctx context.Context, s exchangedb.Session, pub ed25519.PublicKey) (*exchangedb.Reserve, exchangedb.Status) {
	st.mu.Lock()
	defer st.mu.Unlock()

	r, ok := st.reserves[keyOf(pub)]
	if !ok {
		return nil, exchangedb.StatusNoResults
	}
	cp := *r
	return &cp, exchangedb.StatusOneResult
}

// GetReserveHistory implements exchangedb.Store.
func (st *Store) GetReserveHistory(ctx context.Context, s exchangedb.Session, pub ed25519.PublicKey) (exchangedb.ReserveHistory, exchangedb.Status) {
	st.mu.Lock()
	defer st.mu.Unlock()

	h, ok := st.histories[keyOf(pub)]
	if !ok {
		return nil, exchangedb.StatusNoResults
	}
	out := make(exchangedb.ReserveHistory, len(h))
	copy(out, h)
	return out, exchangedb.StatusOneResult
}

// SetHistory seeds a reserve's history directly (test convenience).
func (st *Store) SetHistory(pub ed25519.PublicKey, h exchangedb.ReserveHistory) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.histories[keyOf(pub)] = h
}

// GetExpiredReserves implements exchangedb.Store.
func (st *Store) GetExpiredReserves(ctx context.Context, s exchangedb.Session, now time.Time, cb exchangedb.ExpiredReserveFunc) exchangedb.Status {
	st.mu.Lock()
	var expired []exchangedb.ExpiredReserve
	for _, r := range st.reserves {
		if !r.ExpirationDate.After(now) {
			expired = append(expired, exchangedb.ExpiredReserve{
				ReservePub:      r.Pub,
				Left:            r.Balance,
				AccountPaytoURI: r.AccountPaytoURI,
				ExpirationDate:  r.ExpirationDate,
			})
		}
	}
	st.mu.Unlock()

	if len(expired) == 0 {
		return exchangedb.StatusNoResults
	}
	for _, er := range expired {
		if err := cb(er); err != nil {
			return exchangedb.StatusHardError
		}
	}
	return exchangedb.StatusOneResult
}

// InsertWithdrawInfo implements exchangedb.Store.
func (st *Store) InsertWithdrawInfo(ctx context.Context, s exchangedb.Session, record *exchangedb.WithdrawRecord) exchangedb.Status {
	st.mu.Lock()
	defer st.mu.Unlock()

	if _, exists := st.withdraws[record.HCoinEnvelope]; exists {
		// Same envelope already stored: a retryable conflict, as the
		// Store interface documents for InsertWithdrawInfo.
		return exchangedb.StatusSoftError
	}
	cp := *record
	st.withdraws[record.HCoinEnvelope] = &cp

	r, ok := st.reserves[keyOf(record.ReservePub)]
	if !ok {
		return exchangedb.StatusHardError
	}
	newBalance, flag := amount.Subtract(r.Balance, record.AmountWithFee)
	if flag != amount.SubtractZero && flag != amount.SubtractPositive {
		return exchangedb.StatusHardError
	}
	r.Balance = newBalance

	st.histories[keyOf(record.ReservePub)] = append(
		st.histories[keyOf(record.ReservePub)],
		exchangedb.ReserveHistoryEntry{
			Type:          exchangedb.HistoryWithdraw,
			Amount:        record.AmountWithFee,
			HCoinEnvelope: record.HCoinEnvelope,
		},
	)
	return exchangedb.StatusOneResult
}

// InsertReserveClosed implements exchangedb.Store.
func (st *Store) InsertReserveClosed(ctx context.Context, s exchangedb.Session, record *exchangedb.ClosingRecord) exchangedb.Status {
	st.mu.Lock()
	defer st.mu.Unlock()

	st.closings = append(st.closings, *record)
	delete(st.reserves, keyOf(record.ReservePub))
	st.histories[keyOf(record.ReservePub)] = append(
		st.histories[keyOf(record.ReservePub)],
		exchangedb.ReserveHistoryEntry{
			Type:   exchangedb.HistoryClosing,
			Amount: record.Amount,
			WTID:   record.WTID,
		},
	)
	return exchangedb.StatusOneResult
}

// Closings returns a snapshot of every closing row inserted so far.
func (st *Store) Closings() []exchangedb.ClosingRecord {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]exchangedb.ClosingRecord, len(st.closings))
	copy(out, st.closings)
	return out
}

// WirePrepareDataInsert implements exchangedb.Store.
func (st *Store) WirePrepareDataInsert(ctx context.Context, s exchangedb.Session, record *exchangedb.WirePrepareRecord) exchangedb.Status {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.prepares = append(st.prepares, *record)
	return exchangedb.StatusOneResult
}

// Prepares returns a snapshot of every staged wire-prepare row.
func (st *Store) Prepares() []exchangedb.WirePrepareRecord {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]exchangedb.WirePrepareRecord, len(st.prepares))
	copy(out, st.prepares)
	return out
}

// SetWireFee seeds a fee schedule entry for method.
func (st *Store) SetWireFee(method string, fee exchangedb.WireFee) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.wireFees[method] = append(st.wireFees[method], fee)
}

// GetWireFee implements exchangedb.Store.
func (st *Store) GetWireFee(ctx context.Context, s exchangedb.Session, method string, at time.Time) (*exchangedb.WireFee, exchangedb.Status) {
	st.mu.Lock()
	defer st.mu.Unlock()

	for _, f := range st.wireFees[method] {
		if !at.Before(f.ValidFrom) && at.Before(f.ValidUntil) {
			cp := f
			return &cp, exchangedb.StatusOneResult
		}
	}
	return nil, exchangedb.StatusNoResults
}

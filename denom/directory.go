// Package denom is the read-only denomination directory: it maps a
// denomination's public-key hash to its value, withdraw fee, validity
// window, and revocation bit. The directory is read-mostly and
// updated atomically by a separate key-rotation process outside this
// core; handlers take a Snapshot once at the start of
// a request and hold it for the request's lifetime so a concurrent
// rotation can never shift the answer mid-request.
package denom

import (
	"sync/atomic"
	"time"

	"github.com/go-taler/exchanged/amount"
)

// Entry is one denomination's metadata.
type Entry struct {
	PubHash        [64]byte
	Value          amount.Amount
	FeeWithdraw    amount.Amount
	Start          time.Time
	ExpireWithdraw time.Time
	ExpireDeposit  time.Time
	ExpireLegal    time.Time
	RecoupPossible bool
}

// Snapshot is an immutable view of the directory at a point in time.
type Snapshot struct {
	byHash map[[64]byte]Entry
}

// Lookup returns the entry for h, if any.
func (s *Snapshot) Lookup(h [64]byte) (Entry, bool) {
	if s == nil {
		return Entry{}, false
	}
	e, ok := s.byHash[h]
	return e, ok
}

// NewSnapshot builds an immutable snapshot from a set of entries.
func NewSnapshot(entries []Entry) *Snapshot {
	byHash := make(map[[64]byte]Entry, len(entries))
	for _, e := range entries {
		byHash[e.PubHash] = e
	}
	return &Snapshot{byHash: byHash}
}

// Directory holds the current Snapshot pointer, swapped atomically by
// whatever process performs key rotation.
type Directory struct {
	current atomic.Pointer[Snapshot]
}

// NewDirectory returns a Directory seeded with an initial snapshot.
func NewDirectory(initial *Snapshot) *Directory {
	d := &Directory{}
	if initial == nil {
		initial = NewSnapshot(nil)
	}
	d.current.Store(initial)
	return d
}

// Snapshot returns the current snapshot pointer. Callers should call
// this once per request and reuse the result, not call it again
// mid-request.
func (d *Directory) Snapshot() *Snapshot {
	return d.current.Load()
}

// Swap atomically replaces the directory's snapshot; intended to be
// called by the (out-of-core) key-rotation task.
func (d *Directory) Swap(next *Snapshot) {
	log.Infof("denom: directory reloaded with %d denominations", len(next.byHash))
	d.current.Store(next)
}

// ValidAt reports whether the denomination may be used for a new
// withdraw request at the given time: start <= at < expire_withdraw.
// Revocation is not checked here; callers test RecoupPossible
// separately.
func (e Entry) ValidAt(at time.Time) (ok bool, expired bool, future bool) {
	if !at.Before(e.ExpireWithdraw) {
		return false, true, false
	}
	if at.Before(e.Start) {
		return false, false, true
	}
	return true, false, false
}

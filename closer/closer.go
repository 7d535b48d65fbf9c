// Package closer implements the reserve closer: a background loop
// that finds expired reserves, subtracts the closing fee, rounds down
// to the configured wire-transfer granularity, and atomically stages
// a wire transfer back to the originating bank account alongside a
// closing record.
package closer

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/go-taler/exchanged/amount"
	"github.com/go-taler/exchanged/clock"
	"github.com/go-taler/exchanged/exchangedb"
	"github.com/go-taler/exchanged/wireformat"
)

// wtidSize must equal ed25519.PublicKeySize: the wire-transfer
// identifier is the reserve public key's leading bytes, truncated or
// padded to this width. If ed25519 ever changes its key size this
// fails to compile rather than silently truncating wrong.
const wtidSize = 32

var (
	_ [ed25519.PublicKeySize - wtidSize]struct{}
	_ [wtidSize - ed25519.PublicKeySize]struct{}
)

// WireAccount is a configured debit account the closer may pay out
// from, keyed by its own payto URI.
type WireAccount struct {
	PaytoURI string
	Method   string
}

// Closer runs the reserve-closing loop.
type Closer struct {
	Store      exchangedb.Store
	Clock      clock.Clock
	Formatters wireformat.Registry

	// WireAccounts maps a reserve's account_payto_uri to the
	// configured debit account descriptor for it.
	WireAccounts map[string]WireAccount

	BaseURL           string
	IdleInterval      time.Duration
	CurrencyRoundUnit amount.Amount

	// TestMode, when true, exits on the first NO_RESULTS instead of
	// sleeping.
	TestMode bool
}

// NewCloser builds a Closer from its required collaborators.
func NewCloser(
	store exchangedb.Store,
	clk clock.Clock,
	formatters wireformat.Registry,
	accounts map[string]WireAccount,
	baseURL string,
	idleInterval time.Duration,
	roundUnit amount.Amount,
) *Closer {
	return &Closer{
		Store:             store,
		Clock:             clk,
		Formatters:        formatters,
		WireAccounts:      accounts,
		BaseURL:           baseURL,
		IdleInterval:      idleInterval,
		CurrencyRoundUnit: roundUnit,
	}
}

// closeContext carries the exit code and error a failing iteration
// produced, since the GetExpiredReserves callback can only signal
// abort through a plain error return.
type closeContext struct {
	exitCode ExitCode
	err      error
}

// Run drives the closer loop until it exits (HARD_ERROR, or
// NO_RESULTS in test mode) or ctx is cancelled.
func (c *Closer) Run(ctx context.Context) (ExitCode, error) {
	for {
		select {
		case <-ctx.Done():
			return ExitSuccess, ctx.Err()
		default:
		}

		status, cc := c.runIteration(ctx)
		switch status {
		case exchangedb.StatusOneResult:
			continue
		case exchangedb.StatusSoftError:
			log.Debugf("closer: iteration hit a serialization conflict, retrying")
			continue
		case exchangedb.StatusNoResults:
			if c.TestMode {
				return ExitSuccess, nil
			}
			log.Tracef("closer: no expired reserves, sleeping %s", c.IdleInterval)
			c.Clock.Sleep(c.IdleInterval)
		case exchangedb.StatusHardError:
			log.Errorf("closer: exiting with %s: %v", cc.exitCode, cc.err)
			return cc.exitCode, cc.err
		}
	}
}

func (c *Closer) runIteration(ctx context.Context) (exchangedb.Status, *closeContext) {
	cc := &closeContext{}

	sess, err := c.Store.Session(ctx)
	if err != nil {
		cc.exitCode = ExitDatabaseOpenFailed
		cc.err = fmt.Errorf("closer: session: %w", err)
		return exchangedb.StatusHardError, cc
	}
	defer sess.Release()

	if err := sess.Begin(ctx, "aggregator reserve closures"); err != nil {
		cc.exitCode = ExitDatabaseSessionFailed
		cc.err = fmt.Errorf("closer: begin: %w", err)
		return exchangedb.StatusHardError, cc
	}

	now := c.Clock.Now().Truncate(time.Second)

	status := c.Store.GetExpiredReserves(ctx, sess, now, func(er exchangedb.ExpiredReserve) error {
		return c.processExpiredReserve(ctx, sess, now, er, cc)
	})

	if status == exchangedb.StatusHardError {
		_ = sess.Rollback(ctx)
		if cc.exitCode == ExitSuccess {
			cc.exitCode = ExitDatabaseScanFailed
			cc.err = fmt.Errorf("closer: get_expired_reserves failed")
		}
		return exchangedb.StatusHardError, cc
	}
	if status == exchangedb.StatusSoftError {
		_ = sess.Rollback(ctx)
		return exchangedb.StatusSoftError, cc
	}

	if err := sess.Commit(ctx); err != nil {
		_ = sess.Rollback(ctx)
		return exchangedb.StatusSoftError, cc
	}
	return status, cc
}

// processExpiredReserve closes one expired reserve: resolve the wire
// account, look up the closing fee, round the payout down to the
// transfer granularity, record the closing row, and stage the wire
// transfer if anything is left to send.
func (c *Closer) processExpiredReserve(
	ctx context.Context,
	sess exchangedb.Session,
	now time.Time,
	er exchangedb.ExpiredReserve,
	cc *closeContext,
) error {
	acct, ok := c.WireAccounts[er.AccountPaytoURI]
	if !ok {
		cc.exitCode = ExitWireAccountNotConfigured
		cc.err = fmt.Errorf("closer: no wire account configured for %q", er.AccountPaytoURI)
		return cc.err
	}

	fee, status := c.Store.GetWireFee(ctx, sess, acct.Method, er.ExpirationDate)
	if status != exchangedb.StatusOneResult {
		cc.exitCode = ExitWireFeeMissing
		cc.err = fmt.Errorf("closer: no wire fee for method %q at %s", acct.Method, er.ExpirationDate)
		return cc.err
	}

	left := er.Left
	closingFee := fee.ClosingFee
	amountWithoutFee, flag := amount.Subtract(left, closingFee)
	switch flag {
	case amount.SubtractZero, amount.SubtractPositive:
		// Keep the computed values.
	default:
		// Fee exceeds (or currencies mismatch) the remaining
		// balance: the whole remainder is eaten by the fee.
		closingFee = left
		amountWithoutFee = amount.Zero(left.Currency)
	}

	rounded, err := amount.RoundDown(amountWithoutFee, c.CurrencyRoundUnit)
	if err != nil {
		cc.exitCode = ExitRoundingFailure
		cc.err = fmt.Errorf("closer: round_down: %w", err)
		return cc.err
	}
	amountWithoutFee = rounded

	wtid := truncateWTID(er.ReservePub)

	record := &exchangedb.ClosingRecord{
		ReservePub:      er.ReservePub,
		ExecutionTime:   now,
		AccountPaytoURI: er.AccountPaytoURI,
		WTID:            wtid,
		Amount:          left,
		ClosingFee:      closingFee,
	}
	if status := c.Store.InsertReserveClosed(ctx, sess, record); status != exchangedb.StatusOneResult {
		cc.exitCode = ExitDatabaseInsertFailed
		cc.err = fmt.Errorf("closer: insert_reserve_closed failed")
		return cc.err
	}
	log.Infof("closer: closed reserve %x, left=%s fee=%s", er.ReservePub, left.String(), closingFee.String())

	if amountWithoutFee.Value == 0 && amountWithoutFee.Fraction == 0 {
		log.Debugf("closer: closing fee ate the full remainder for reserve %x, nothing to stage", er.ReservePub)
		return nil
	}

	formatter, ok := c.Formatters[acct.Method]
	if !ok {
		cc.exitCode = ExitWireAccountNotConfigured
		cc.err = fmt.Errorf("closer: no wire formatter registered for method %q", acct.Method)
		return cc.err
	}

	blob, err := formatter.Prepare(er.AccountPaytoURI, amountWithoutFee, c.BaseURL, wtid)
	if err != nil {
		cc.exitCode = ExitInvalidPaytoURI
		cc.err = fmt.Errorf("closer: prepare: %w", err)
		return cc.err
	}

	if status := c.Store.WirePrepareDataInsert(ctx, sess, &exchangedb.WirePrepareRecord{
		Method:  acct.Method,
		Payload: blob,
	}); status != exchangedb.StatusOneResult {
		cc.exitCode = ExitDatabaseInsertFailed
		cc.err = fmt.Errorf("closer: wire_prepare_data_insert failed")
		return cc.err
	}
	return nil
}

// truncateWTID takes the leading wtidSize bytes of reservePub as the
// wire-transfer identifier.
func truncateWTID(reservePub ed25519.PublicKey) [32]byte {
	var wtid [32]byte
	n := len(reservePub)
	if n > len(wtid) {
		n = len(wtid)
	}
	copy(wtid[:n], reservePub[:n])
	return wtid
}

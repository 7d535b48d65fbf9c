package withdraw

import (
	"context"
	"crypto/ed25519"
	"time"

	"github.com/go-taler/exchanged/amount"
	"github.com/go-taler/exchanged/blindrsa"
	"github.com/go-taler/exchanged/crock32"
	"github.com/go-taler/exchanged/denom"
	"github.com/go-taler/exchanged/ec"
	"github.com/go-taler/exchanged/exchangedb"
)

// Request is the JSON body of POST /reserves/{reserve_pub}/withdraw.
// All three fields are Crockford base32.
type Request struct {
	CoinEnvelope string `json:"coin_ev"`
	ReserveSig   string `json:"reserve_sig"`
	DenomPubHash string `json:"denom_pub_hash"`
}

// Response is the JSON body of a successful withdraw.
type Response struct {
	EvSig string `json:"ev_sig"`
}

// HistoryEntry is the JSON form of one exchangedb.ReserveHistoryEntry,
// used by the 409 insufficient-funds body and by the (out-of-core)
// GET /reserves/{pub} endpoint via ToHistoryDTO.
type HistoryEntry struct {
	Type   string        `json:"type"`
	Amount amount.Amount `json:"amount"`
}

// InsufficientFundsBody is the 409 response body: the reconstructed
// balance and the full history that justifies it.
type InsufficientFundsBody struct {
	Hint    string         `json:"hint"`
	Code    ec.Code        `json:"code"`
	Balance amount.Amount  `json:"balance"`
	History []HistoryEntry `json:"history"`
}

// HandlerError is everything Handle can fail with: an HTTP-mappable
// error code, and — only for the 409 case — the body that carries the
// reserve's history alongside it.
type HandlerError struct {
	HTTP              *ec.HTTPError
	InsufficientFunds *InsufficientFundsBody
}

func (e *HandlerError) Error() string { return e.HTTP.Error() }

func httpOnly(e *ec.HTTPError) *HandlerError { return &HandlerError{HTTP: e} }

// Handler orchestrates the withdraw transaction end to end.
type Handler struct {
	Store  exchangedb.Store
	Denoms *denom.Directory
	Signer *blindrsa.Signer

	// Optimistic, when true (the default via NewHandler), signs the
	// envelope before opening the database transaction, trading one
	// wasted signature on idempotent replays for reduced transaction
	// hold time.
	Optimistic bool

	// Now is overridable for tests; defaults to time.Now.
	Now func() time.Time
}

// NewHandler builds a Handler with OPTIMISTIC_SIGN enabled.
func NewHandler(store exchangedb.Store, denoms *denom.Directory, signer *blindrsa.Signer) *Handler {
	return &Handler{
		Store:      store,
		Denoms:     denoms,
		Signer:     signer,
		Optimistic: true,
		Now:        time.Now,
	}
}

func (h *Handler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

// withdrawContext carries per-request state through the retryable
// transaction closure.
type withdrawContext struct {
	reservePub    ed25519.PublicKey
	amountWithFee amount.Amount
	denomPubHash  [64]byte
	hCoinEnvelope [64]byte
	reserveSig    [64]byte
	coinEnvelope  []byte

	// signature is the optimistically-produced (or DB-retrieved)
	// blind signature. It must be freed on every exit path exactly
	// once; Handle does so after reading it into the response.
	signature []byte

	httpErr           *ec.HTTPError
	insufficientFunds *InsufficientFundsBody
}

// Handle runs the full withdraw flow: pre-transaction checks, then the
// retryable transaction body, then the reply.
func (h *Handler) Handle(ctx context.Context, reservePubB32 string, req Request) (*Response, *HandlerError) {
	reservePubFixed, err := crock32.DecodeFixed32(reservePubB32)
	if err != nil {
		return nil, httpOnly(ec.ReservePubMalformedError(reservePubB32))
	}
	reservePub := ed25519.PublicKey(reservePubFixed[:])

	coinEv, err := crock32.DecodeString(req.CoinEnvelope)
	if err != nil {
		return nil, httpOnly(ec.RequestMalformedError("coin_ev malformed"))
	}
	reserveSig, err := crock32.DecodeFixed64(req.ReserveSig)
	if err != nil {
		return nil, httpOnly(ec.RequestMalformedError("reserve_sig malformed"))
	}
	denomPubHash, err := crock32.DecodeFixed64(req.DenomPubHash)
	if err != nil {
		return nil, httpOnly(ec.RequestMalformedError("denom_pub_hash malformed"))
	}

	snap := h.Denoms.Snapshot()
	entry, found := snap.Lookup(denomPubHash)
	if !found {
		return nil, httpOnly(ec.DenominationUnknownError())
	}

	now := h.now()
	if ok, expired, future := entry.ValidAt(now); !ok {
		switch {
		case expired:
			return nil, httpOnly(ec.DenominationExpiredError())
		case future:
			return nil, httpOnly(ec.DenominationValidityInFutureError())
		}
	}
	if entry.RecoupPossible {
		return nil, httpOnly(ec.DenominationRevokedError())
	}

	amountWithFee, flag := amount.Add(entry.Value, entry.FeeWithdraw)
	if flag != amount.AddOK {
		return nil, httpOnly(ec.AmountArithmeticOverflowError())
	}

	hCoinEnvelope := HashCoinEnvelope(coinEv)
	if !VerifyReserveSig(reservePub, reserveSig, amountWithFee, denomPubHash, hCoinEnvelope) {
		return nil, httpOnly(ec.ReserveSignatureInvalidError())
	}

	wc := &withdrawContext{
		reservePub:    reservePub,
		amountWithFee: amountWithFee,
		denomPubHash:  denomPubHash,
		hCoinEnvelope: hCoinEnvelope,
		reserveSig:    reserveSig,
		coinEnvelope:  coinEv,
	}

	if h.Optimistic {
		sig, serr := h.Signer.Sign(denomPubHash, coinEv)
		if serr != nil {
			return nil, httpOnly(serr)
		}
		wc.signature = sig
	}

	sess, err := h.Store.Session(ctx)
	if err != nil {
		blindrsa.Free(wc.signature)
		return nil, httpOnly(ec.GenericDBFetchFailedError("session"))
	}
	defer sess.Release()

	for {
		if err := sess.Begin(ctx, "withdraw"); err != nil {
			blindrsa.Free(wc.signature)
			return nil, httpOnly(ec.GenericDBFetchFailedError("begin"))
		}

		status := h.withdrawTransaction(ctx, sess, wc)

		if status == exchangedb.StatusSoftError {
			_ = sess.Rollback(ctx)
			log.Debugf("withdraw: serialization conflict for reserve %s, retrying",
				crock32.EncodeToString(reservePub))
			continue
		}
		if status == exchangedb.StatusHardError {
			_ = sess.Rollback(ctx)
			blindrsa.Free(wc.signature)
			log.Errorf("withdraw: reserve %s failed: %v",
				crock32.EncodeToString(reservePub), wc.httpErr)
			return nil, &HandlerError{HTTP: wc.httpErr, InsufficientFunds: wc.insufficientFunds}
		}

		if err := sess.Commit(ctx); err != nil {
			_ = sess.Rollback(ctx)
			log.Debugf("withdraw: commit failed for reserve %s, retrying",
				crock32.EncodeToString(reservePub))
			continue
		}
		break
	}

	log.Debugf("withdraw: reserve %s withdrew %s",
		crock32.EncodeToString(reservePub), wc.amountWithFee.String())
	resp := &Response{EvSig: crock32.EncodeToString(wc.signature)}
	blindrsa.Free(wc.signature)
	return resp, nil
}

// withdrawTransaction is the retryable transaction body: idempotent
// replay short-circuits on ONE_RESULT, a fresh withdraw checks
// balance and signs, and insufficient funds produces a HARD_ERROR
// carrying a 409 body.
func (h *Handler) withdrawTransaction(ctx context.Context, sess exchangedb.Session, wc *withdrawContext) exchangedb.Status {
	stash := wc.signature
	wc.signature = nil

	rec, status := h.Store.GetWithdrawInfo(ctx, sess, wc.hCoinEnvelope)
	switch status {
	case exchangedb.StatusHardError:
		wc.httpErr = ec.GenericDBFetchFailedError("withdraw details")
		wc.signature = stash
		return exchangedb.StatusHardError
	case exchangedb.StatusSoftError:
		wc.signature = stash
		return exchangedb.StatusSoftError
	case exchangedb.StatusOneResult:
		// Idempotent replay: the DB already holds the signature.
		// Toss the optimistic signature we computed in vain.
		blindrsa.Free(stash)
		// The stored record must be bound to the denomination this
		// request names, or the stored signature is not an answer to
		// this request at all.
		if rec.DenomPubHash != wc.denomPubHash {
			wc.httpErr = ec.EnvelopeDenominationMismatchError()
			return exchangedb.StatusHardError
		}
		wc.signature = rec.DenomSig
		return exchangedb.StatusOneResult
	}
	// NO_RESULTS: fall through to a fresh withdraw, possibly reusing
	// the optimistic signature.
	wc.signature = stash

	reserve, status := h.Store.ReservesGet(ctx, sess, wc.reservePub)
	switch status {
	case exchangedb.StatusHardError:
		wc.httpErr = ec.GenericDBFetchFailedError("reserves")
		return exchangedb.StatusHardError
	case exchangedb.StatusNoResults:
		wc.httpErr = ec.ReserveUnknownError()
		return exchangedb.StatusHardError
	case exchangedb.StatusSoftError:
		return exchangedb.StatusSoftError
	}

	if amount.Cmp(wc.amountWithFee, reserve.Balance) > 0 {
		history, hstatus := h.Store.GetReserveHistory(ctx, sess, wc.reservePub)
		if hstatus == exchangedb.StatusHardError {
			wc.httpErr = ec.GenericDBFetchFailedError("reserve history")
			return exchangedb.StatusHardError
		}
		if hstatus == exchangedb.StatusSoftError {
			return exchangedb.StatusSoftError
		}

		compiled := history.CompileBalance()
		if !amount.SameCurrency(compiled, reserve.Balance) ||
			amount.Cmp(compiled, reserve.Balance) != 0 {
			log.Criticalf("withdraw: reserve %s balance %s does not match compiled history %s",
				crock32.EncodeToString(wc.reservePub), reserve.Balance.String(), compiled.String())
			wc.httpErr = ec.GenericDBInvariantFailureError("reserve balance corrupt")
			return exchangedb.StatusHardError
		}

		wc.httpErr = ec.InsufficientFundsError()
		wc.insufficientFunds = &InsufficientFundsBody{
			Hint:    "insufficient funds",
			Code:    ec.InsufficientFunds,
			Balance: reserve.Balance,
			History: ToHistoryDTO(history),
		}
		return exchangedb.StatusHardError
	}

	if wc.signature == nil {
		sig, serr := h.Signer.Sign(wc.denomPubHash, wc.coinEnvelope)
		if serr != nil {
			wc.httpErr = serr
			return exchangedb.StatusHardError
		}
		wc.signature = sig
	}

	record := &exchangedb.WithdrawRecord{
		HCoinEnvelope: wc.hCoinEnvelope,
		DenomPubHash:  wc.denomPubHash,
		AmountWithFee: wc.amountWithFee,
		ReservePub:    wc.reservePub,
		ReserveSig:    wc.reserveSig,
		DenomSig:      wc.signature,
	}
	status = h.Store.InsertWithdrawInfo(ctx, sess, record)
	if status == exchangedb.StatusHardError {
		wc.httpErr = ec.GenericDBStoreFailedError("withdraw details")
	}
	return status
}

// ToHistoryDTO converts a store history into its JSON-facing DTO form,
// shared by the 409 insufficient-funds body and the (out-of-core)
// GET /reserves/{pub} endpoint.
func ToHistoryDTO(rh exchangedb.ReserveHistory) []HistoryEntry {
	out := make([]HistoryEntry, 0, len(rh))
	for _, e := range rh {
		var t string
		switch e.Type {
		case exchangedb.HistoryCredit:
			t = "credit"
		case exchangedb.HistoryWithdraw:
			t = "withdraw"
		case exchangedb.HistoryRecoup:
			t = "recoup"
		case exchangedb.HistoryClosing:
			t = "closing"
		}
		out = append(out, HistoryEntry{Type: t, Amount: e.Amount})
	}
	return out
}

package withdraw

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"testing"
	"time"

	"github.com/cloudflare/circl/blindsign/blindrsa"
	"github.com/stretchr/testify/require"

	"github.com/go-taler/exchanged/amount"
	blindrsapkg "github.com/go-taler/exchanged/blindrsa"
	"github.com/go-taler/exchanged/crock32"
	"github.com/go-taler/exchanged/denom"
	"github.com/go-taler/exchanged/exchangedb"
	"github.com/go-taler/exchanged/exchangedb/memtest"
)

// fakeKeySource maps denomination hashes to signing keys for tests.
type fakeKeySource struct {
	keys     map[[64]byte]*rsa.PrivateKey
	signable bool
}

func (k *fakeKeySource) Lookup(h [64]byte) (*rsa.PrivateKey, bool, bool) {
	sk, ok := k.keys[h]
	if !ok {
		return nil, false, false
	}
	return sk, k.signable, true
}

type testFixture struct {
	sk            *rsa.PrivateKey
	keySource     *fakeKeySource
	denomHash     [64]byte
	reservePriv   ed25519.PrivateKey
	reservePub    ed25519.PublicKey
	store         *memtest.Store
	directory     *denom.Directory
	handler       *Handler
	value         amount.Amount
	fee           amount.Amount
	amountWithFee amount.Amount
}

func newFixture(t *testing.T) *testFixture {
	t.Helper()

	sk, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	var denomHash [64]byte
	denomHash[0] = 0xAB

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	value, err := amount.Parse("KUDOS:10")
	require.NoError(t, err)
	fee, err := amount.Parse("KUDOS:1")
	require.NoError(t, err)
	amountWithFee, flag := amount.Add(value, fee)
	require.Equal(t, amount.AddOK, flag)

	store := memtest.New()
	store.PutReserve(&exchangedb.Reserve{
		Pub:             pub,
		Balance:         mustParse(t, "KUDOS:100"),
		AccountPaytoURI: "payto://x-taler-bank/bank/acct",
		ExpirationDate:  time.Now().Add(30 * 24 * time.Hour),
	})
	store.SetHistory(pub, exchangedb.ReserveHistory{
		{Type: exchangedb.HistoryCredit, Amount: mustParse(t, "KUDOS:100")},
	})

	snap := denom.NewSnapshot([]denom.Entry{
		{
			PubHash:        denomHash,
			Value:          value,
			FeeWithdraw:    fee,
			Start:          time.Now().Add(-time.Hour),
			ExpireWithdraw: time.Now().Add(time.Hour),
			ExpireDeposit:  time.Now().Add(48 * time.Hour),
			ExpireLegal:    time.Now().Add(24 * time.Hour * 365),
			RecoupPossible: false,
		},
	})
	directory := denom.NewDirectory(snap)

	keySource := &fakeKeySource{
		keys:     map[[64]byte]*rsa.PrivateKey{denomHash: sk},
		signable: true,
	}
	signer := blindrsapkg.NewSigner(keySource)
	h := NewHandler(store, directory, signer)

	return &testFixture{
		sk:            sk,
		keySource:     keySource,
		denomHash:     denomHash,
		reservePriv:   priv,
		reservePub:    pub,
		store:         store,
		directory:     directory,
		handler:       h,
		value:         value,
		fee:           fee,
		amountWithFee: amountWithFee,
	}
}

func mustParse(t *testing.T, s string) amount.Amount {
	t.Helper()
	a, err := amount.Parse(s)
	require.NoError(t, err)
	return a
}

// buildRequest blinds a fresh coin envelope and signs the withdraw
// request with the reserve's key.
func buildRequest(t *testing.T, f *testFixture) (Request, []byte) {
	t.Helper()

	client, err := blindrsa.NewClient(blindrsa.SHA384PSSDeterministic, &f.sk.PublicKey)
	require.NoError(t, err)
	coinMsg := []byte("coin-public-key-placeholder")
	blindedMsg, _, err := client.Blind(rand.Reader, coinMsg)
	require.NoError(t, err)

	hCoinEnvelope := HashCoinEnvelope(blindedMsg)
	reserveSig := signReserve(t, f, hCoinEnvelope)

	req := Request{
		CoinEnvelope: crock32.EncodeToString(blindedMsg),
		ReserveSig:   crock32.EncodeToString(reserveSig[:]),
		DenomPubHash: crock32.EncodeToString(f.denomHash[:]),
	}
	return req, blindedMsg
}

func signReserve(t *testing.T, f *testFixture, hCoinEnvelope [64]byte) [64]byte {
	t.Helper()
	blob := BuildSignedBlob(f.reservePub, f.amountWithFee, f.denomHash, hCoinEnvelope)
	sig := ed25519.Sign(f.reservePriv, blob)
	var out [64]byte
	copy(out[:], sig)
	return out
}

func TestHandleSuccessfulWithdraw(t *testing.T) {
	f := newFixture(t)
	req, _ := buildRequest(t, f)

	resp, herr := f.handler.Handle(context.Background(), crock32.EncodeToString(f.reservePub), req)
	require.Nil(t, herr)
	require.NotEmpty(t, resp.EvSig)
}

func TestHandleIdempotentReplay(t *testing.T) {
	f := newFixture(t)
	req, _ := buildRequest(t, f)
	reservePubB32 := crock32.EncodeToString(f.reservePub)

	resp1, herr1 := f.handler.Handle(context.Background(), reservePubB32, req)
	require.Nil(t, herr1)

	resp2, herr2 := f.handler.Handle(context.Background(), reservePubB32, req)
	require.Nil(t, herr2)
	require.Equal(t, resp1.EvSig, resp2.EvSig)

	reserve, status := f.store.ReservesGet(context.Background(), nil, f.reservePub)
	require.Equal(t, exchangedb.StatusOneResult, status)
	want, flag := amount.Subtract(mustParse(t, "KUDOS:100"), f.amountWithFee)
	require.True(t, flag == amount.SubtractZero || flag == amount.SubtractPositive)
	require.Equal(t, 0, amount.Cmp(want, reserve.Balance))
}

func TestHandleRetriesPastSoftError(t *testing.T) {
	f := newFixture(t)
	f.store.SoftErrorsBeforeSuccess = 2
	req, _ := buildRequest(t, f)

	resp, herr := f.handler.Handle(context.Background(), crock32.EncodeToString(f.reservePub), req)
	require.Nil(t, herr)
	require.NotEmpty(t, resp.EvSig)

	withdrawals := 0
	history, status := f.store.GetReserveHistory(context.Background(), nil, f.reservePub)
	require.Equal(t, exchangedb.StatusOneResult, status)
	for _, e := range history {
		if e.Type == exchangedb.HistoryWithdraw {
			withdrawals++
		}
	}
	require.Equal(t, 1, withdrawals)
}

func TestHandleInsufficientFunds(t *testing.T) {
	f := newFixture(t)
	f.store.PutReserve(&exchangedb.Reserve{
		Pub:             f.reservePub,
		Balance:         mustParse(t, "KUDOS:0.5"),
		AccountPaytoURI: "payto://x-taler-bank/bank/acct",
		ExpirationDate:  time.Now().Add(time.Hour),
	})
	f.store.SetHistory(f.reservePub, exchangedb.ReserveHistory{
		{Type: exchangedb.HistoryCredit, Amount: mustParse(t, "KUDOS:0.5")},
	})

	req, _ := buildRequest(t, f)
	resp, herr := f.handler.Handle(context.Background(), crock32.EncodeToString(f.reservePub), req)
	require.Nil(t, resp)
	require.NotNil(t, herr)
	require.Equal(t, 409, herr.HTTP.Status)
	require.NotNil(t, herr.InsufficientFunds)
	require.Equal(t, 0, amount.Cmp(mustParse(t, "KUDOS:0.5"), herr.InsufficientFunds.Balance))
	require.Len(t, herr.InsufficientFunds.History, 1)
}

func TestHandleReserveBalanceCorruptIsInvariantFailure(t *testing.T) {
	f := newFixture(t)
	f.store.PutReserve(&exchangedb.Reserve{
		Pub:             f.reservePub,
		Balance:         mustParse(t, "KUDOS:0.5"),
		AccountPaytoURI: "payto://x-taler-bank/bank/acct",
		ExpirationDate:  time.Now().Add(time.Hour),
	})
	// History disagrees with the stored balance: no credit at all.
	f.store.SetHistory(f.reservePub, exchangedb.ReserveHistory{})

	req, _ := buildRequest(t, f)
	resp, herr := f.handler.Handle(context.Background(), crock32.EncodeToString(f.reservePub), req)
	require.Nil(t, resp)
	require.NotNil(t, herr)
	require.Equal(t, 500, herr.HTTP.Status)
	require.Nil(t, herr.InsufficientFunds)
}

// Replaying an envelope under a different denomination must not hand
// back the stored signature: the record's denomination binding is
// checked, not assumed.
func TestHandleReplayUnderDifferentDenominationConflicts(t *testing.T) {
	f := newFixture(t)
	reservePubB32 := crock32.EncodeToString(f.reservePub)

	req, blindedMsg := buildRequest(t, f)
	_, herr := f.handler.Handle(context.Background(), reservePubB32, req)
	require.Nil(t, herr)

	// Register a second denomination with identical value and fee so
	// the signed blob stays valid, then replay the same envelope
	// naming it.
	var otherHash [64]byte
	otherHash[0] = 0xCD
	f.keySource.keys[otherHash] = f.sk
	f.directory.Swap(denom.NewSnapshot([]denom.Entry{
		{
			PubHash:        f.denomHash,
			Value:          f.value,
			FeeWithdraw:    f.fee,
			Start:          time.Now().Add(-time.Hour),
			ExpireWithdraw: time.Now().Add(time.Hour),
		},
		{
			PubHash:        otherHash,
			Value:          f.value,
			FeeWithdraw:    f.fee,
			Start:          time.Now().Add(-time.Hour),
			ExpireWithdraw: time.Now().Add(time.Hour),
		},
	}))

	hCoinEnvelope := HashCoinEnvelope(blindedMsg)
	blob := BuildSignedBlob(f.reservePub, f.amountWithFee, otherHash, hCoinEnvelope)
	sig := ed25519.Sign(f.reservePriv, blob)
	var reserveSig [64]byte
	copy(reserveSig[:], sig)

	replay := Request{
		CoinEnvelope: req.CoinEnvelope,
		ReserveSig:   crock32.EncodeToString(reserveSig[:]),
		DenomPubHash: crock32.EncodeToString(otherHash[:]),
	}
	resp, herr := f.handler.Handle(context.Background(), reservePubB32, replay)
	require.Nil(t, resp)
	require.NotNil(t, herr)
	require.Equal(t, 409, herr.HTTP.Status)
	require.Nil(t, herr.InsufficientFunds)
}

func TestHandleUnknownReserve(t *testing.T) {
	f := newFixture(t)
	unknownPub, unknownPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	client, err := blindrsa.NewClient(blindrsa.SHA384PSSDeterministic, &f.sk.PublicKey)
	require.NoError(t, err)
	blindedMsg, _, err := client.Blind(rand.Reader, []byte("coin"))
	require.NoError(t, err)
	hCoinEnvelope := HashCoinEnvelope(blindedMsg)
	blob := BuildSignedBlob(unknownPub, f.amountWithFee, f.denomHash, hCoinEnvelope)
	sig := ed25519.Sign(unknownPriv, blob)
	var reserveSig [64]byte
	copy(reserveSig[:], sig)

	req := Request{
		CoinEnvelope: crock32.EncodeToString(blindedMsg),
		ReserveSig:   crock32.EncodeToString(reserveSig[:]),
		DenomPubHash: crock32.EncodeToString(f.denomHash[:]),
	}

	resp, herr := f.handler.Handle(context.Background(), crock32.EncodeToString(unknownPub), req)
	require.Nil(t, resp)
	require.NotNil(t, herr)
	require.Equal(t, 404, herr.HTTP.Status)
}

func TestHandleBadReserveSignature(t *testing.T) {
	f := newFixture(t)
	req, _ := buildRequest(t, f)
	// Corrupt the signature.
	req.ReserveSig = crock32.EncodeToString(make([]byte, 64))

	resp, herr := f.handler.Handle(context.Background(), crock32.EncodeToString(f.reservePub), req)
	require.Nil(t, resp)
	require.NotNil(t, herr)
	require.Equal(t, 403, herr.HTTP.Status)
}

func TestHandleDenominationExpired(t *testing.T) {
	f := newFixture(t)
	expiredHash := f.denomHash
	expiredHash[1] = 0xEE
	snap := denom.NewSnapshot([]denom.Entry{
		{
			PubHash:        expiredHash,
			Value:          f.value,
			FeeWithdraw:    f.fee,
			Start:          time.Now().Add(-48 * time.Hour),
			ExpireWithdraw: time.Now().Add(-time.Hour),
		},
	})
	f.directory.Swap(snap)

	req := Request{
		CoinEnvelope: crock32.EncodeToString([]byte("irrelevant")),
		ReserveSig:   crock32.EncodeToString(make([]byte, 64)),
		DenomPubHash: crock32.EncodeToString(expiredHash[:]),
	}
	resp, herr := f.handler.Handle(context.Background(), crock32.EncodeToString(f.reservePub), req)
	require.Nil(t, resp)
	require.NotNil(t, herr)
	require.Equal(t, 410, herr.HTTP.Status)
}

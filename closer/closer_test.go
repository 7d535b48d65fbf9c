package closer

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-taler/exchanged/amount"
	"github.com/go-taler/exchanged/clock"
	"github.com/go-taler/exchanged/exchangedb"
	"github.com/go-taler/exchanged/exchangedb/memtest"
	"github.com/go-taler/exchanged/wireformat"
)

const testPaytoURI = "payto://x-taler-bank/bank/acct"

func newTestCloser(t *testing.T, store *memtest.Store, roundUnit amount.Amount) *Closer {
	t.Helper()
	clk, _ := clock.NewTestClock(time.Now())
	c := NewCloser(
		store,
		clk,
		wireformat.NewRegistry(wireformat.XTalerBank{}),
		map[string]WireAccount{
			testPaytoURI: {PaytoURI: testPaytoURI, Method: wireformat.MethodXTalerBank},
		},
		"https://exchange.example/",
		time.Second,
		roundUnit,
	)
	c.TestMode = true
	return c
}

func mustAmount(t *testing.T, s string) amount.Amount {
	t.Helper()
	a, err := amount.Parse(s)
	require.NoError(t, err)
	return a
}

func newReservePub(t *testing.T) ed25519.PublicKey {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return pub
}

// left=5.005, closing_fee=0.005, round unit 0.01 -> staged amount
// 5.00, while the closing row keeps the unrounded amount and fee.
func TestCloserRoundsStagedAmount(t *testing.T) {
	store := memtest.New()
	pub := newReservePub(t)
	expiration := time.Now().Add(-time.Hour)

	store.PutReserve(&exchangedb.Reserve{
		Pub:             pub,
		Balance:         mustAmount(t, "EUR:5.005"),
		AccountPaytoURI: testPaytoURI,
		ExpirationDate:  expiration,
	})
	store.SetWireFee(wireformat.MethodXTalerBank, exchangedb.WireFee{
		Method:     wireformat.MethodXTalerBank,
		ClosingFee: mustAmount(t, "EUR:0.005"),
		ValidFrom:  expiration.Add(-24 * time.Hour),
		ValidUntil: expiration.Add(24 * time.Hour),
	})

	c := newTestCloser(t, store, mustAmount(t, "EUR:0.01"))
	exitCode, err := c.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, ExitSuccess, exitCode)

	closings := store.Closings()
	require.Len(t, closings, 1)
	require.Equal(t, 0, amount.Cmp(mustAmount(t, "EUR:5.005"), closings[0].Amount))
	require.Equal(t, 0, amount.Cmp(mustAmount(t, "EUR:0.005"), closings[0].ClosingFee))

	prepares := store.Prepares()
	require.Len(t, prepares, 1)
	// The staged payload ends with the NBO form of the rounded amount.
	staged := amount.Hton(mustAmount(t, "EUR:5")).Bytes()
	payload := prepares[0].Payload
	require.Equal(t, staged[:], payload[len(payload)-amount.NBOSize:])
}

// left=0.003, closing_fee=0.01 -> the fee eats the whole remainder
// and no wire-prepare row is staged.
func TestCloserFeeEatsRemainder(t *testing.T) {
	store := memtest.New()
	pub := newReservePub(t)
	expiration := time.Now().Add(-time.Hour)

	store.PutReserve(&exchangedb.Reserve{
		Pub:             pub,
		Balance:         mustAmount(t, "EUR:0.003"),
		AccountPaytoURI: testPaytoURI,
		ExpirationDate:  expiration,
	})
	store.SetWireFee(wireformat.MethodXTalerBank, exchangedb.WireFee{
		Method:     wireformat.MethodXTalerBank,
		ClosingFee: mustAmount(t, "EUR:0.01"),
		ValidFrom:  expiration.Add(-24 * time.Hour),
		ValidUntil: expiration.Add(24 * time.Hour),
	})

	c := newTestCloser(t, store, mustAmount(t, "EUR:0.01"))
	exitCode, err := c.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, ExitSuccess, exitCode)

	closings := store.Closings()
	require.Len(t, closings, 1)
	require.Equal(t, 0, amount.Cmp(mustAmount(t, "EUR:0.003"), closings[0].ClosingFee))

	require.Empty(t, store.Prepares())
}

func TestCloserExitsWhenWireAccountUnconfigured(t *testing.T) {
	store := memtest.New()
	pub := newReservePub(t)
	expiration := time.Now().Add(-time.Hour)

	store.PutReserve(&exchangedb.Reserve{
		Pub:             pub,
		Balance:         mustAmount(t, "EUR:5.00"),
		AccountPaytoURI: "payto://unknown/bank/acct",
		ExpirationDate:  expiration,
	})

	c := newTestCloser(t, store, mustAmount(t, "EUR:0.01"))
	exitCode, err := c.Run(context.Background())
	require.Error(t, err)
	require.Equal(t, ExitWireAccountNotConfigured, exitCode)
}

func TestCloserExitsCleanlyWithNoExpiredReserves(t *testing.T) {
	store := memtest.New()
	c := newTestCloser(t, store, mustAmount(t, "EUR:0.01"))

	exitCode, err := c.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, ExitSuccess, exitCode)
}

package wireformat

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-taler/exchanged/amount"
)

func TestXTalerBankPrepare(t *testing.T) {
	amt, err := amount.Parse("KUDOS:5")
	require.NoError(t, err)

	var wtid [32]byte
	wtid[0] = 0x42

	blob, err := XTalerBank{}.Prepare("payto://x-taler-bank/bank/acct", amt, "https://exchange.example/", wtid)
	require.NoError(t, err)
	require.NotEmpty(t, blob)
}

func TestXTalerBankRejectsEmptyPayto(t *testing.T) {
	amt, err := amount.Parse("KUDOS:5")
	require.NoError(t, err)

	var wtid [32]byte
	_, err = XTalerBank{}.Prepare("", amt, "https://exchange.example/", wtid)
	require.Error(t, err)
}

func TestRegistryResolvesByMethod(t *testing.T) {
	reg := NewRegistry(XTalerBank{})
	f, ok := reg[MethodXTalerBank]
	require.True(t, ok)
	require.Equal(t, MethodXTalerBank, f.Method())
}

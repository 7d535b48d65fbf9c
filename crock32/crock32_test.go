package crock32

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	data := []byte("the quick brown fox jumps over")
	s := EncodeToString(data)
	back, err := DecodeString(s)
	require.NoError(t, err)
	require.Equal(t, data, back)
}

func TestDecodeCaseInsensitive(t *testing.T) {
	data := []byte{1, 2, 3, 4, 5}
	s := EncodeToString(data)
	lower, err := DecodeString(toLower(s))
	require.NoError(t, err)
	require.Equal(t, data, lower)
}

func TestDecodeFixed32Length(t *testing.T) {
	var raw [32]byte
	for i := range raw {
		raw[i] = byte(i)
	}
	s := EncodeToString(raw[:])
	out, err := DecodeFixed32(s)
	require.NoError(t, err)
	require.Equal(t, raw, out)

	_, err = DecodeFixed32(EncodeToString([]byte{1, 2, 3}))
	require.Error(t, err)
}

func toLower(s string) string {
	out := []byte(s)
	for i, c := range out {
		if c >= 'A' && c <= 'Z' {
			out[i] = c + ('a' - 'A')
		}
	}
	return string(out)
}

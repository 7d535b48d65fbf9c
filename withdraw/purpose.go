// Package withdraw implements the withdraw transaction: verifying a
// signed withdrawal request against a named reserve, debiting the
// reserve by (coin value + withdraw fee), and returning a blind
// signature on the customer-supplied coin envelope.
package withdraw

import (
	"crypto/ed25519"
	"crypto/sha512"
	"encoding/binary"

	"github.com/go-taler/exchanged/amount"
)

// PurposeWalletReserveWithdraw identifies the withdraw operation in
// the signed-purpose byte layout, so a signature produced for one
// operation can never be replayed as a valid signature for another.
const PurposeWalletReserveWithdraw uint32 = 0x1200

// signedRequestSize is the fixed width of the byte layout the client
// signs: 4 (size) + 4 (purpose) + 32 (reserve_pub) + amount.NBOSize +
// 64 (h_denom_pub) + 64 (h_coin_envelope).
const signedRequestSize = 4 + 4 + ed25519.PublicKeySize + amount.NBOSize + 64 + 64

// BuildSignedBlob assembles the exact byte layout the wallet signs
// over: size, purpose tag, reserve_pub, amount_with_fee in network
// byte order, the denomination public-key hash, and the hash of the
// blinded coin envelope. This layout is part of the wire protocol —
// changing field order or width breaks every previously issued
// signature.
func BuildSignedBlob(reservePub ed25519.PublicKey, amountWithFee amount.Amount, denomPubHash, hCoinEnvelope [64]byte) []byte {
	buf := make([]byte, signedRequestSize)
	off := 0

	binary.BigEndian.PutUint32(buf[off:], signedRequestSize)
	off += 4
	binary.BigEndian.PutUint32(buf[off:], PurposeWalletReserveWithdraw)
	off += 4
	off += copy(buf[off:], reservePub)

	nbo := amount.Hton(amountWithFee).Bytes()
	off += copy(buf[off:], nbo[:])

	off += copy(buf[off:], denomPubHash[:])
	off += copy(buf[off:], hCoinEnvelope[:])

	return buf
}

// HashCoinEnvelope computes h_coin_envelope = SHA-512(coin_ev).
func HashCoinEnvelope(coinEnvelope []byte) [64]byte {
	return sha512.Sum512(coinEnvelope)
}

// VerifyReserveSig checks that sig is a valid EdDSA signature by
// reservePub over the signed-purpose blob for this request.
func VerifyReserveSig(reservePub ed25519.PublicKey, sig [64]byte, amountWithFee amount.Amount, denomPubHash, hCoinEnvelope [64]byte) bool {
	blob := BuildSignedBlob(reservePub, amountWithFee, denomPubHash, hCoinEnvelope)
	return ed25519.Verify(reservePub, blob, sig[:])
}

// Package blindrsa wraps an RSA full-domain-hash blind-signature
// scheme for the exchange's denomination keys: sign(denom_pub_hash,
// blinded-message) -> blind signature.
//
// The blinding math itself comes from
// github.com/cloudflare/circl/blindsign/blindrsa (an
// RSABSSA/draft-irtf-cfrg-rsa-blind-signatures implementation); this
// package only adds the denomination-key lookup and the error-code
// mapping.
package blindrsa

import (
	"crypto/rsa"

	"github.com/cloudflare/circl/blindsign/blindrsa"
	"github.com/go-taler/exchanged/ec"
)

// KeySource resolves a denomination's public-key hash to the private
// key the exchange should sign with, and reports whether that key is
// still part of the active signing set (it may have been revoked
// without being removed from the directory). This is the read-only
// seam onto the external key-management component.
type KeySource interface {
	// Lookup returns the private key for h, whether it is still
	// eligible to sign, and whether it was found at all.
	Lookup(h [64]byte) (sk *rsa.PrivateKey, signable bool, found bool)
}

// Signer produces blind signatures over denomination keys resolved
// through a KeySource.
type Signer struct {
	keys KeySource
}

// NewSigner builds a Signer over the given key source.
func NewSigner(keys KeySource) *Signer {
	return &Signer{keys: keys}
}

// Sign blind-signs envelope with the private key for denomPubHash.
// Distinct *ec.HTTPError-mappable codes are returned for: unknown key,
// key withdrawn from the signing set, and signing backend failure.
func (s *Signer) Sign(denomPubHash [64]byte, envelope []byte) ([]byte, *ec.HTTPError) {
	sk, signable, found := s.keys.Lookup(denomPubHash)
	if !found {
		log.Warnf("blindrsa: sign requested for unknown denomination %x", denomPubHash)
		return nil, ec.FromBlindSignError(ec.BlindSigningKeyUnknown)
	}
	if !signable {
		log.Warnf("blindrsa: sign requested for revoked denomination %x", denomPubHash)
		return nil, ec.FromBlindSignError(ec.BlindSigningKeyRevoked)
	}

	signer := blindrsa.NewSigner(sk)
	sig, err := signer.BlindSign(envelope)
	if err != nil {
		log.Errorf("blindrsa: blind sign failed for denomination %x: %v", denomPubHash, err)
		return nil, ec.FromBlindSignError(ec.BlindSigningUnavailable)
	}
	return sig, nil
}

// Free is a no-op in Go (signatures are garbage collected), kept as a
// named call site so the withdraw handler's free-the-signature-on-
// every-exit-path-exactly-once contract has a single place to point
// at.
func Free(sig []byte) {}

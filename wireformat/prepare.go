// Package wireformat builds the opaque wire-prepare payload the closer
// stages for a downstream wire-gateway to execute. The core never
// interprets the blob again once it is produced; only the method tag
// on the surrounding WirePrepareRecord says which Formatter can
// decode it.
//
// Encoding is deliberately simple: explicit field order,
// length-prefixed variable fields, no reflection-based codec.
package wireformat

import (
	"encoding/binary"
	"fmt"

	"github.com/go-taler/exchanged/amount"
)

// MethodXTalerBank is the reference/test wire method.
const MethodXTalerBank = "x-taler-bank"

// Formatter produces the opaque payload for one wire method.
type Formatter interface {
	// Method returns the tag this Formatter encodes for.
	Method() string

	// Prepare builds the blob a downstream wire-gateway consumes to
	// actually execute the transfer: destination account, amount,
	// the exchange's own base URL (for the transfer subject), and
	// the wire-transfer identifier.
	Prepare(payto string, amt amount.Amount, baseURL string, wtid [32]byte) ([]byte, error)
}

// Registry resolves a method tag to the Formatter that encodes for it.
type Registry map[string]Formatter

// NewRegistry builds a Registry from a list of Formatters, keyed by
// their own Method().
func NewRegistry(formatters ...Formatter) Registry {
	r := make(Registry, len(formatters))
	for _, f := range formatters {
		r[f.Method()] = f
	}
	return r
}

// XTalerBank is the reference Formatter: a simple length-prefixed
// field layout with no external protocol dependency, serving as both
// the default implementation and the template for real bank adapters
// living outside this core.
type XTalerBank struct{}

func (XTalerBank) Method() string { return MethodXTalerBank }

// Prepare lays out: method-tag, payto URI, base URL, wtid, amount —
// each variable-length field prefixed with its big-endian uint32
// length, the amount in its fixed NBO form.
func (XTalerBank) Prepare(payto string, amt amount.Amount, baseURL string, wtid [32]byte) ([]byte, error) {
	if payto == "" {
		return nil, fmt.Errorf("wireformat: empty payto uri")
	}
	if !amt.IsValid() {
		return nil, fmt.Errorf("wireformat: invalid amount %q", amt.String())
	}

	nbo := amount.Hton(amt).Bytes()

	buf := make([]byte, 0, 4+len(MethodXTalerBank)+4+len(payto)+4+len(baseURL)+len(wtid)+len(nbo))
	buf = appendLenPrefixed(buf, []byte(MethodXTalerBank))
	buf = appendLenPrefixed(buf, []byte(payto))
	buf = appendLenPrefixed(buf, []byte(baseURL))
	buf = append(buf, wtid[:]...)
	buf = append(buf, nbo[:]...)
	return buf, nil
}

func appendLenPrefixed(buf []byte, field []byte) []byte {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(field)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, field...)
	return buf
}

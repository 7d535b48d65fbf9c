package main

import (
	"crypto/rsa"
	"crypto/sha512"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// fileKeySource implements blindrsa.KeySource by loading every
// PEM-encoded RSA private key in a directory once at startup, keyed
// by SHA-512 of its DER-encoded public key, the same hash the
// withdraw handler uses as denom_pub_hash. This is the thin,
// read-only seam onto the external key-management component;
// production deployments swap this for whatever rotates and revokes
// denomination keys.
type fileKeySource struct {
	mu    sync.RWMutex
	byKey map[[64]byte]*loadedKey
}

type loadedKey struct {
	sk       *rsa.PrivateKey
	signable bool
}

func newFileKeySource() *fileKeySource {
	return &fileKeySource{byKey: make(map[[64]byte]*loadedKey)}
}

// Lookup implements blindrsa.KeySource.
func (f *fileKeySource) Lookup(h [64]byte) (*rsa.PrivateKey, bool, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	k, ok := f.byKey[h]
	if !ok {
		return nil, false, false
	}
	return k.sk, k.signable, true
}

// loadDir reads every *.pem file in dir as an RSA private key and adds
// it to the key source as signable.
func (f *fileKeySource) loadDir(dir string) error {
	if dir == "" {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("keys: read dir %q: %w", dir, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ent := range entries {
		if ent.IsDir() || filepath.Ext(ent.Name()) != ".pem" {
			continue
		}
		path := filepath.Join(dir, ent.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("keys: read %q: %w", path, err)
		}
		block, _ := pem.Decode(raw)
		if block == nil {
			return fmt.Errorf("keys: %q has no PEM block", path)
		}
		sk, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return fmt.Errorf("keys: %q: %w", path, err)
		}
		pubDER, err := x509.MarshalPKIXPublicKey(&sk.PublicKey)
		if err != nil {
			return fmt.Errorf("keys: %q: marshal public key: %w", path, err)
		}
		hash := sha512.Sum512(pubDER)
		f.byKey[hash] = &loadedKey{sk: sk, signable: true}
	}
	return nil
}

// revoke marks an already-loaded key as no longer part of the signing
// set without removing it from the directory, matching recoup_possible
// semantics: the denomination entry stays but new withdrawals are
// refused.
func (f *fileKeySource) revoke(h [64]byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if k, ok := f.byKey[h]; ok {
		k.signable = false
	}
}

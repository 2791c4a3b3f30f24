// Dumpvault - Encrypted Database Backup Orchestration
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dumpvault

package codec

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"hash"
	"io"

	"golang.org/x/crypto/hkdf"
)

// payloadKeys are the per-payload subkeys derived from the master key.
type payloadKeys struct {
	enc []byte
	mac []byte
}

func deriveKeys(masterKey, salt []byte) (*payloadKeys, error) {
	if len(masterKey) == 0 {
		return nil, errEmptyKey
	}
	stream := hkdf.New(sha256.New, masterKey, salt, []byte(hkdfInfo))
	k := &payloadKeys{enc: make([]byte, 32), mac: make([]byte, 32)}
	if _, err := io.ReadFull(stream, k.enc); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(stream, k.mac); err != nil {
		return nil, err
	}
	return k, nil
}

func (k *payloadKeys) wipe() {
	for i := range k.enc {
		k.enc[i] = 0
	}
	for i := range k.mac {
		k.mac[i] = 0
	}
}

func (k *payloadKeys) stream(iv []byte) (cipher.Stream, error) {
	block, err := aes.NewCipher(k.enc)
	if err != nil {
		return nil, err
	}
	return cipher.NewCTR(block, iv), nil
}

// newMAC returns an HMAC primed with the header fields that bind the tag to
// this payload's parameters.
func (k *payloadKeys) newMAC(salt, iv []byte, kind PayloadKind) hash.Hash {
	m := hmac.New(sha256.New, k.mac)
	m.Write([]byte(cipherSuite))
	m.Write([]byte{0})
	m.Write([]byte(kind))
	m.Write([]byte{0})
	m.Write(salt)
	m.Write(iv)
	return m
}

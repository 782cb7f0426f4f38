// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package vault

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// Store file layout: magic, argon2id salt, XChaCha20-Poly1305 nonce,
// ciphertext of the CBOR-encoded tree.
var fileMagic = []byte("LVLT1")

const (
	saltLen = 16

	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	keyLen       = chacha20poly1305.KeySize
)

func deriveKey(password string, salt []byte) []byte {
	return argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, keyLen)
}

// seal encrypts [plaintext] under [password] with a fresh nonce. The salt
// is reused across saves of the same store so only the nonce diverges
// between replicas holding equal logical content.
func seal(password string, salt, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(deriveKey(password, salt))
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(fileMagic)+saltLen+len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, fileMagic...)
	out = append(out, salt...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, nil), nil
}

// unseal decrypts a store file image. An authentication failure is
// reported as ErrBadCredentials since a wrong password and a corrupted
// file are indistinguishable to the AEAD.
func unseal(password string, image []byte) (salt, plaintext []byte, err error) {
	headerLen := len(fileMagic) + saltLen + chacha20poly1305.NonceSizeX
	if len(image) < headerLen {
		return nil, nil, errBadFormat
	}
	if string(image[:len(fileMagic)]) != string(fileMagic) {
		return nil, nil, errBadFormat
	}
	salt = image[len(fileMagic) : len(fileMagic)+saltLen]
	nonce := image[len(fileMagic)+saltLen : headerLen]

	aead, err := chacha20poly1305.NewX(deriveKey(password, salt))
	if err != nil {
		return nil, nil, err
	}
	plaintext, err = aead.Open(nil, nonce, image[headerLen:], nil)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrBadCredentials, err)
	}
	return salt, plaintext, nil
}

func newSalt() ([]byte, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	return salt, nil
}

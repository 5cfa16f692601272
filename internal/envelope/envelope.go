// Package envelope implements the encryption envelope: master-key wrapping
// of per-file keys, AEAD sealing of chunks and whole files, and the
// convergent key derivation used by the deduplication pipeline.
//
// The construction mirrors backend/crypt's cipher in shape (nonce helpers,
// sealed-buffer layout, a small set of sentinel errors) but swaps nacl
// secretbox for AES-256-GCM and introduces convergent (content-derived)
// keys, which secretbox's random-nonce design does not support.
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// KeySize is the size in bytes of a master key, a file key, and a
	// convergent block key: 256 bits.
	KeySize = 32
	// NonceSize is the AES-GCM standard nonce size.
	NonceSize = 12
	// TagSize is the AES-GCM authentication tag size.
	TagSize = 16

	convergentSalt  = "dedup_convergent_encryption_salt"
	convergentIters = 100_000
)

// Sentinel errors. IntegrityFailure at the API boundary is built from
// ErrAuthFailed; callers should map it with apperror.Wrap.
var (
	ErrAuthFailed   = errors.New("envelope: AEAD authentication failed")
	ErrShortCiphertext = errors.New("envelope: ciphertext shorter than nonce+tag")
	ErrBadWrappedKey   = errors.New("envelope: malformed wrapped key")
)

// NewFileKey generates a fresh random 256-bit file key for non-convergent
// (per-upload) encryption.
func NewFileKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("envelope: generating file key: %w", err)
	}
	return key, nil
}

// Wrap encrypts the file key K under the master key M:
// wrap(K) = nonce || AES-256-GCM(M, nonce, K), base64-encoded.
func Wrap(masterKey, fileKey []byte) (string, error) {
	gcm, err := newGCM(masterKey)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("envelope: generating wrap nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, fileKey, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Unwrap reverses Wrap, recovering the file key.
func Unwrap(masterKey []byte, wrapped string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(wrapped)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadWrappedKey, err)
	}
	gcm, err := newGCM(masterKey)
	if err != nil {
		return nil, err
	}
	if len(raw) < NonceSize {
		return nil, ErrShortCiphertext
	}
	nonce, ciphertext := raw[:NonceSize], raw[NonceSize:]
	key, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	return key, nil
}

// SealChunk implements seal(index, bytes) = nonce || AES-256-GCM(K, nonce,
// bytes, aad=ascii(index)). Binding the chunk index as additional
// authenticated data rejects reordering on read.
func SealChunk(fileKey, plaintext []byte, index int) ([]byte, error) {
	return seal(fileKey, plaintext, aadForIndex(index))
}

// OpenChunk reverses SealChunk.
func OpenChunk(fileKey, sealed []byte, index int) ([]byte, error) {
	return open(fileKey, sealed, aadForIndex(index))
}

// SealWhole implements the whole-file seal: the same construction with no
// additional authenticated data, used for inline and single-object
// storage where there is exactly one frame.
func SealWhole(fileKey, plaintext []byte) ([]byte, error) {
	return seal(fileKey, plaintext, nil)
}

// OpenWhole reverses SealWhole.
func OpenWhole(fileKey, sealed []byte) ([]byte, error) {
	return open(fileKey, sealed, nil)
}

func aadForIndex(index int) []byte {
	return []byte(fmt.Sprintf("%d", index))
}

func seal(key, plaintext, aad []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("envelope: generating seal nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, aad), nil
}

func open(key, sealed, aad []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < NonceSize+TagSize {
		return nil, ErrShortCiphertext
	}
	nonce, ciphertext := sealed[:NonceSize], sealed[NonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("envelope: key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("envelope: building AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("envelope: building GCM mode: %w", err)
	}
	return gcm, nil
}

// ConvergentKey derives the deterministic per-block key used by the
// deduplication pipeline: PBKDF2-HMAC-SHA256 over the content hash bytes.
// Two users uploading the same plaintext block derive the same key and
// therefore produce byte-identical ciphertext, which is the entire point
// (and the entire privacy cost) of convergent encryption.
func ConvergentKey(contentHash []byte) []byte {
	return pbkdf2.Key(contentHash, []byte(convergentSalt), convergentIters, KeySize, sha256.New)
}

// ConvergentNonce derives the deterministic nonce paired with
// ConvergentKey: the first 12 bytes of SHA-256("<hex_hash>_nonce").
func ConvergentNonce(hexHash string) []byte {
	sum := sha256.Sum256([]byte(hexHash + "_nonce"))
	return sum[:NonceSize]
}

// SealConvergent encrypts a block under its convergent key and nonce,
// producing nonce(12) || tag(16) || ciphertext, the exact CAS on-disk
// layout from spec §6.
func SealConvergent(contentHash []byte, hexHash string, plaintext []byte) ([]byte, error) {
	key := ConvergentKey(contentHash)
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := ConvergentNonce(hexHash)
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// OpenConvergent reverses SealConvergent given the hex hash (the block's
// CAS key) to re-derive the key and nonce.
func OpenConvergent(contentHash []byte, hexHash string, sealed []byte) ([]byte, error) {
	key := ConvergentKey(contentHash)
	return open(key, sealed, nil)
}

// ConstantTimeEqual compares two byte slices without leaking timing
// information, used when comparing content hashes supplied by a caller
// against stored values.
func ConstantTimeEqual(a, b []byte) bool {
	return hmac.Equal(a, b)
}

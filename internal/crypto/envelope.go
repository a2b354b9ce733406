package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// Type-0 envelope layout: 0x00 || iv(12) || sealed, base64 encoded.
const (
	envelopeType0 byte = 0
	ivLen              = chacha20poly1305.NonceSize
	// SymKeyLen is the length of a relay symmetric key.
	SymKeyLen = chacha20poly1305.KeySize
)

var errEnvelope = errors.New("crypto: malformed envelope")

// NewSymKey returns a random 32-byte symmetric key.
func NewSymKey() ([]byte, error) {
	k := make([]byte, SymKeyLen)
	if _, err := rand.Read(k); err != nil {
		return nil, fmt.Errorf("crypto: generating sym key: %w", err)
	}
	return k, nil
}

// NewTopic returns a random 32-byte topic as lowercase hex.
func NewTopic() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("crypto: generating topic: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// TopicFromSymKey derives the relay topic that belongs to symKey.
func TopicFromSymKey(symKey []byte) string {
	sum := sha256.Sum256(symKey)
	return hex.EncodeToString(sum[:])
}

// SealEnvelope encrypts plaintext for the relay.
func SealEnvelope(symKey, plaintext []byte) (string, error) {
	aead, err := chacha20poly1305.New(symKey)
	if err != nil {
		return "", fmt.Errorf("crypto: envelope cipher: %w", err)
	}
	iv := make([]byte, ivLen)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("crypto: envelope iv: %w", err)
	}
	out := make([]byte, 0, 1+ivLen+len(plaintext)+aead.Overhead())
	out = append(out, envelopeType0)
	out = append(out, iv...)
	out = aead.Seal(out, iv, plaintext, nil)
	return base64.StdEncoding.EncodeToString(out), nil
}

// OpenEnvelope decrypts a message produced by SealEnvelope.
func OpenEnvelope(symKey []byte, message string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(message)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errEnvelope, err)
	}
	if len(raw) < 1+ivLen || raw[0] != envelopeType0 {
		return nil, errEnvelope
	}
	aead, err := chacha20poly1305.New(symKey)
	if err != nil {
		return nil, fmt.Errorf("crypto: envelope cipher: %w", err)
	}
	plain, err := aead.Open(nil, raw[1:1+ivLen], raw[1+ivLen:], nil)
	if err != nil {
		return nil, fmt.Errorf("crypto: opening envelope: %w", err)
	}
	return plain, nil
}

// KeyPair is an X25519 key agreement pair.
type KeyPair struct {
	Private []byte
	Public  []byte
}

// PublicHex returns the public key as lowercase hex.
func (k KeyPair) PublicHex() string {
	return hex.EncodeToString(k.Public)
}

// NewKeyPair generates an X25519 key pair.
func NewKeyPair() (KeyPair, error) {
	priv := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(priv); err != nil {
		return KeyPair{}, fmt.Errorf("crypto: generating x25519 key: %w", err)
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return KeyPair{}, fmt.Errorf("crypto: x25519 public key: %w", err)
	}
	return KeyPair{Private: priv, Public: pub}, nil
}

// DeriveSymKey computes the shared session key from our private key and the
// peer's hex-encoded public key (X25519 then HKDF-SHA256, no salt or info).
func DeriveSymKey(priv []byte, peerPublicHex string) ([]byte, error) {
	peer, err := hex.DecodeString(peerPublicHex)
	if err != nil {
		return nil, fmt.Errorf("crypto: peer public key: %w", err)
	}
	shared, err := curve25519.X25519(priv, peer)
	if err != nil {
		return nil, fmt.Errorf("crypto: key agreement: %w", err)
	}
	key := make([]byte, SymKeyLen)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, nil, nil), key); err != nil {
		return nil, fmt.Errorf("crypto: hkdf: %w", err)
	}
	return key, nil
}

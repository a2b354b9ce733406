package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/golang-jwt/jwt/v4"
)

// ed25519 multicodec prefix for did:key identifiers.
var ed25519Multicodec = []byte{0xed, 0x01}

// RelayAuth signs the short-lived JWT the relay expects as its auth query
// parameter. The client identity key is separate from any account key.
type RelayAuth struct {
	key ed25519.PrivateKey
	TTL time.Duration
}

// NewRelayAuth wraps an existing identity key, generating one when nil.
func NewRelayAuth(key ed25519.PrivateKey) (*RelayAuth, error) {
	if key == nil {
		_, k, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("crypto: generating relay identity: %w", err)
		}
		key = k
	}
	return &RelayAuth{key: key, TTL: 24 * time.Hour}, nil
}

// Seed returns the identity seed so it can be persisted across restarts.
func (a *RelayAuth) Seed() []byte {
	return a.key.Seed()
}

// ClientID returns the did:key identifier of the identity key.
func (a *RelayAuth) ClientID() string {
	return DIDKey(a.key.Public().(ed25519.PublicKey))
}

// Token returns a signed EdDSA JWT for the relay at aud.
func (a *RelayAuth) Token(aud string) (string, error) {
	return a.TokenAt(aud, time.Now())
}

// TokenAt is like Token but lets the caller supply the issue time. The
// audience is a bare string, as the relay expects.
func (a *RelayAuth) TokenAt(aud string, now time.Time) (string, error) {
	sub := make([]byte, 32)
	if _, err := rand.Read(sub); err != nil {
		return "", fmt.Errorf("crypto: jwt subject: %w", err)
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, jwt.MapClaims{
		"iss": a.ClientID(),
		"sub": hex.EncodeToString(sub),
		"aud": aud,
		"iat": now.Unix(),
		"exp": now.Add(a.TTL).Unix(),
	})
	signed, err := tok.SignedString(a.key)
	if err != nil {
		return "", fmt.Errorf("crypto: signing relay jwt: %w", err)
	}
	return signed, nil
}

// DIDKey encodes an ed25519 public key as a did:key identifier.
func DIDKey(pub ed25519.PublicKey) string {
	buf := make([]byte, 0, len(ed25519Multicodec)+len(pub))
	buf = append(buf, ed25519Multicodec...)
	buf = append(buf, pub...)
	return "did:key:z" + base58.Encode(buf)
}

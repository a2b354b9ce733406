package crypto

import (
	"crypto/ed25519"
	"errors"
	"fmt"

	avmcrypto "github.com/algorand/go-algorand-sdk/v2/crypto"
	"github.com/algorand/go-algorand-sdk/v2/encoding/msgpack"
	"github.com/algorand/go-algorand-sdk/v2/mnemonic"
	"github.com/algorand/go-algorand-sdk/v2/types"
)

// Signer signs msgpack-encoded unsigned transactions with a single ed25519
// account key.
type Signer struct {
	sk   ed25519.PrivateKey
	addr types.Address
}

// NewSigner wraps sk. The key must be a full 64-byte ed25519 private key.
func NewSigner(sk ed25519.PrivateKey) (*Signer, error) {
	if len(sk) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("crypto: expected %d-byte key, got %d bytes", ed25519.PrivateKeySize, len(sk))
	}
	var addr types.Address
	copy(addr[:], sk.Public().(ed25519.PublicKey))
	return &Signer{sk: sk, addr: addr}, nil
}

// Address returns the base32 account address of the signing key.
func (s *Signer) Address() string {
	return s.addr.String()
}

// SignEncoded decodes one unsigned transaction and returns the encoded
// signed transaction. Transactions from another sender are rejected rather
// than signed with the wrong key.
func (s *Signer) SignEncoded(unsigned []byte) ([]byte, error) {
	var tx types.Transaction
	if err := msgpack.Decode(unsigned, &tx); err != nil {
		return nil, fmt.Errorf("crypto: decoding transaction: %w", err)
	}
	if tx.Sender != s.addr {
		return nil, fmt.Errorf("crypto: transaction sender %s does not match signer %s", tx.Sender, s.addr)
	}
	_, stx, err := avmcrypto.SignTransaction(s.sk, tx)
	if err != nil {
		return nil, fmt.Errorf("crypto: signing transaction: %w", err)
	}
	return stx, nil
}

// SignGroup signs every member of an unsigned group, preserving order.
func (s *Signer) SignGroup(unsigned [][]byte) ([][]byte, error) {
	if len(unsigned) == 0 {
		return nil, errors.New("crypto: empty transaction group")
	}
	out := make([][]byte, 0, len(unsigned))
	for i, u := range unsigned {
		stx, err := s.SignEncoded(u)
		if err != nil {
			return nil, fmt.Errorf("crypto: group member %d: %w", i, err)
		}
		out = append(out, stx)
	}
	return out, nil
}

// AddressOf returns the account address derived from sk.
func AddressOf(sk ed25519.PrivateKey) (string, error) {
	s, err := NewSigner(sk)
	if err != nil {
		return "", err
	}
	return s.Address(), nil
}

// NewAccount generates a fresh account key and its 25-word mnemonic.
func NewAccount() (ed25519.PrivateKey, string, error) {
	acct := avmcrypto.GenerateAccount()
	words, err := mnemonic.FromPrivateKey(acct.PrivateKey)
	if err != nil {
		return nil, "", fmt.Errorf("crypto: encoding mnemonic: %w", err)
	}
	return acct.PrivateKey, words, nil
}

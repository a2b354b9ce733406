package crypto

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/algorand/go-algorand-sdk/v2/encoding/msgpack"
	"github.com/algorand/go-algorand-sdk/v2/types"
	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyRoundTrip(t *testing.T) {
	sk, words, err := NewAccount()
	require.NoError(t, err)
	require.Len(t, strings.Fields(words), 25)

	blob, err := EncryptKey(sk, "correct horse")
	require.NoError(t, err)

	got, err := DecryptKey(blob, "correct horse")
	require.NoError(t, err)
	assert.True(t, sk.Equal(got))

	_, err = DecryptKey(blob, "wrong")
	require.Error(t, err)
}

func TestLoadKeyResolutionOrder(t *testing.T) {
	sk, words, err := NewAccount()
	require.NoError(t, err)

	fromWords, err := LoadKey(KeyConfig{Mnemonic: "  " + words + "\n"})
	require.NoError(t, err)
	assert.True(t, sk.Equal(fromWords))

	path := filepath.Join(t.TempDir(), "key.json")
	require.NoError(t, SaveKey(path, sk, "pw"))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	fromFile, err := LoadKey(KeyConfig{EncryptedKeyPath: path, KeyPassword: "pw"})
	require.NoError(t, err)
	assert.True(t, sk.Equal(fromFile))

	_, err = LoadKey(KeyConfig{})
	require.Error(t, err)
}

func TestSignerSignsOwnTransactionsOnly(t *testing.T) {
	sk, _, err := NewAccount()
	require.NoError(t, err)
	signer, err := NewSigner(sk)
	require.NoError(t, err)

	sender, err := types.DecodeAddress(signer.Address())
	require.NoError(t, err)

	tx := types.Transaction{
		Type: types.PaymentTx,
		Header: types.Header{
			Sender:     sender,
			Fee:        1000,
			FirstValid: 1,
			LastValid:  1000,
		},
		PaymentTxnFields: types.PaymentTxnFields{Receiver: sender, Amount: 5},
	}
	signed, err := signer.SignGroup([][]byte{msgpack.Encode(tx)})
	require.NoError(t, err)
	require.Len(t, signed, 1)

	var stx types.SignedTxn
	require.NoError(t, msgpack.Decode(signed[0], &stx))
	assert.NotEqual(t, types.Signature{}, stx.Sig)
	assert.Equal(t, sender, stx.Txn.Sender)

	other, _, err := NewAccount()
	require.NoError(t, err)
	var otherAddr types.Address
	copy(otherAddr[:], other.Public().(ed25519.PublicKey))
	tx.Sender = otherAddr
	_, err = signer.SignEncoded(msgpack.Encode(tx))
	require.Error(t, err)
}

func TestEnvelopeRoundTrip(t *testing.T) {
	key, err := NewSymKey()
	require.NoError(t, err)

	msg, err := SealEnvelope(key, []byte(`{"id":1}`))
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(msg)
	require.NoError(t, err)
	assert.Equal(t, byte(0), raw[0])

	plain, err := OpenEnvelope(key, msg)
	require.NoError(t, err)
	assert.Equal(t, `{"id":1}`, string(plain))

	other, err := NewSymKey()
	require.NoError(t, err)
	_, err = OpenEnvelope(other, msg)
	require.Error(t, err)

	_, err = OpenEnvelope(key, base64.StdEncoding.EncodeToString([]byte{1, 2, 3}))
	require.Error(t, err)
}

func TestDeriveSymKeyAgrees(t *testing.T) {
	a, err := NewKeyPair()
	require.NoError(t, err)
	b, err := NewKeyPair()
	require.NoError(t, err)

	ka, err := DeriveSymKey(a.Private, b.PublicHex())
	require.NoError(t, err)
	kb, err := DeriveSymKey(b.Private, a.PublicHex())
	require.NoError(t, err)
	assert.Equal(t, ka, kb)
	assert.Len(t, ka, SymKeyLen)
	assert.Len(t, TopicFromSymKey(ka), 64)
}

func TestRelayToken(t *testing.T) {
	auth, err := NewRelayAuth(nil)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(auth.ClientID(), "did:key:z6Mk"))

	now := time.Unix(1_700_000_000, 0)
	tok, err := auth.TokenAt("wss://relay.example", now)
	require.NoError(t, err)

	parts := strings.Split(tok, ".")
	require.Len(t, parts, 3)

	claimsRaw, err := base64.RawURLEncoding.DecodeString(parts[1])
	require.NoError(t, err)
	var claims map[string]any
	require.NoError(t, json.Unmarshal(claimsRaw, &claims))
	assert.Equal(t, "wss://relay.example", claims["aud"])
	assert.Equal(t, auth.ClientID(), claims["iss"])
	assert.EqualValues(t, now.Unix(), claims["iat"])

	pub := ed25519.NewKeyFromSeed(auth.Seed()).Public().(ed25519.PublicKey)
	parsed, err := jwt.Parse(tok, func(tk *jwt.Token) (any, error) {
		assert.Equal(t, "EdDSA", tk.Method.Alg())
		return pub, nil
	}, jwt.WithoutClaimsValidation())
	require.NoError(t, err)
	assert.True(t, parsed.Valid)

	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	require.NoError(t, err)
	assert.True(t, ed25519.Verify(pub, []byte(parts[0]+"."+parts[1]), sig))

	other, err := NewRelayAuth(nil)
	require.NoError(t, err)
	otherPub := ed25519.NewKeyFromSeed(other.Seed()).Public().(ed25519.PublicKey)
	_, err = jwt.Parse(tok, func(*jwt.Token) (any, error) { return otherPub, nil }, jwt.WithoutClaimsValidation())
	assert.Error(t, err)
}

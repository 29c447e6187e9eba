package crypto

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/meridian/internal/domain"
)

const testChainID = 31337

func newTestSigner(t *testing.T) *Signer {
	t.Helper()
	pk, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	return NewSignerFromKey(pk, testChainID)
}

func fixedVerifier(now time.Time) *Verifier {
	v := NewVerifier(testChainID, time.Minute)
	v.now = func() time.Time { return now }
	return v
}

func TestSignAndVerifyRequest(t *testing.T) {
	s := newTestSigner(t)
	now := time.Unix(1_750_000_000, 0)

	auth, err := s.SignRequest("POST", "/api/decisions/1/deposit", []byte(`{"amount":"100"}`), now.Unix())
	require.NoError(t, err)
	require.Equal(t, s.Address(), auth.Caller)
	require.NoError(t, fixedVerifier(now.Add(10*time.Second)).Verify(auth))
}

func TestVerifyRejectsTampering(t *testing.T) {
	s := newTestSigner(t)
	now := time.Unix(1_750_000_000, 0)
	v := fixedVerifier(now)

	auth, err := s.SignRequest("POST", "/api/decisions/1/withdraw", []byte(`{"amount":"5"}`), now.Unix())
	require.NoError(t, err)

	body := auth
	body.Body = []byte(`{"amount":"500"}`)
	require.ErrorIs(t, v.Verify(body), domain.ErrBadSignature)

	path := auth
	path.Path = "/api/decisions/2/withdraw"
	require.ErrorIs(t, v.Verify(path), domain.ErrBadSignature)

	caller := auth
	caller.Caller = common.HexToAddress("0xdead")
	require.ErrorIs(t, v.Verify(caller), domain.ErrBadSignature)

	garbage := auth
	garbage.Signature = "0x1234"
	require.ErrorIs(t, v.Verify(garbage), domain.ErrBadSignature)
}

func TestVerifyRejectsStaleAndOtherChain(t *testing.T) {
	s := newTestSigner(t)
	now := time.Unix(1_750_000_000, 0)
	auth, err := s.SignRequest("GET", "/api/decisions", nil, now.Unix())
	require.NoError(t, err)

	require.ErrorIs(t, fixedVerifier(now.Add(2*time.Minute)).Verify(auth), domain.ErrBadSignature)

	other := NewVerifier(1, time.Minute)
	other.now = func() time.Time { return now }
	require.ErrorIs(t, other.Verify(auth), domain.ErrBadSignature)
}

func TestMethodIsCaseInsensitive(t *testing.T) {
	s := newTestSigner(t)
	now := time.Unix(1_750_000_000, 0)
	auth, err := s.SignRequest("post", "/api/x", nil, now.Unix())
	require.NoError(t, err)
	auth.Method = "POST"
	require.NoError(t, fixedVerifier(now).Verify(auth))
}

func TestNewSignerFromHex(t *testing.T) {
	s, err := NewSigner("0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318", testChainID)
	require.NoError(t, err)
	require.Equal(t, "0x2c7536E3605D9C16a7a3D7b1898e529396a65c23", s.Address().Hex())

	_, err = NewSigner("nothex", testChainID)
	require.Error(t, err)
}

func TestWebhookSigner(t *testing.T) {
	w := NewWebhookSigner("s3cret")
	body := []byte(`{"type":"resolved"}`)
	sig := w.Sign(1700, body)

	require.Len(t, sig, 64)
	require.True(t, w.Verify(1700, body, sig))
	require.False(t, w.Verify(1701, body, sig))
	require.False(t, w.Verify(1700, []byte(`{}`), sig))
	require.False(t, NewWebhookSigner("other").Verify(1700, body, sig))
	require.NotContains(t, w.String(), "s3cret")
}

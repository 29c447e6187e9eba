// Package crypto signs and verifies wallet-authenticated API requests using
// EIP-712 typed data, and HMAC-signs outgoing webhook payloads.
package crypto

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/meridian/internal/domain"
)

const (
	domainName    = "Meridian"
	domainVersion = "1"
)

var (
	// EIP712Domain(string name,string version,uint256 chainId)
	eip712DomainTypeHash = ethcrypto.Keccak256(
		[]byte("EIP712Domain(string name,string version,uint256 chainId)"),
	)

	requestTypeHash = ethcrypto.Keccak256(
		[]byte("Request(address caller,string method,string path,bytes32 bodyHash,uint256 timestamp)"),
	)
)

// RequestAuth is the signed envelope a wallet attaches to an API request.
type RequestAuth struct {
	Caller    common.Address
	Method    string
	Path      string
	Body      []byte
	Timestamp int64 // unix seconds
	Signature string
}

// RequestDigest returns the EIP-712 digest a caller signs for a request.
func RequestDigest(chainID int64, caller common.Address, method, path string, body []byte, timestamp int64) []byte {
	return eip712Hash(domainSeparator(chainID), requestStructHash(caller, method, path, body, timestamp))
}

// Signer produces request signatures. The server never holds one; clients
// and tests do.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    int64
}

// NewSigner creates a Signer from a hex-encoded secp256k1 private key.
func NewSigner(privateKeyHex string, chainID int64) (*Signer, error) {
	pk, err := ethcrypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto: invalid private key: %w", err)
	}
	return NewSignerFromKey(pk, chainID), nil
}

// NewSignerFromKey wraps an existing private key.
func NewSignerFromKey(pk *ecdsa.PrivateKey, chainID int64) *Signer {
	return &Signer{
		privateKey: pk,
		address:    ethcrypto.PubkeyToAddress(pk.PublicKey),
		chainID:    chainID,
	}
}

// Address returns the wallet address of the signer.
func (s *Signer) Address() common.Address {
	return s.address
}

// SignRequest signs a request and returns the completed envelope.
func (s *Signer) SignRequest(method, path string, body []byte, timestamp int64) (RequestAuth, error) {
	digest := RequestDigest(s.chainID, s.address, method, path, body, timestamp)
	sig, err := ethcrypto.Sign(digest, s.privateKey)
	if err != nil {
		return RequestAuth{}, fmt.Errorf("crypto: signing: %w", err)
	}
	// go-ethereum returns v in {0,1}; wallets produce {27,28}.
	sig[64] += 27
	return RequestAuth{
		Caller:    s.address,
		Method:    method,
		Path:      path,
		Body:      body,
		Timestamp: timestamp,
		Signature: "0x" + hex.EncodeToString(sig),
	}, nil
}

// Verifier checks request signatures for one chain.
type Verifier struct {
	domainSep []byte
	ttl       time.Duration
	now       func() time.Time
}

// NewVerifier accepts signatures whose timestamp is within ttl of now.
func NewVerifier(chainID int64, ttl time.Duration) *Verifier {
	return &Verifier{
		domainSep: domainSeparator(chainID),
		ttl:       ttl,
		now:       time.Now,
	}
}

// Verify recovers the signer of a and checks it matches a.Caller.
func (v *Verifier) Verify(a RequestAuth) error {
	age := v.now().Sub(time.Unix(a.Timestamp, 0))
	if age > v.ttl || age < -v.ttl {
		return fmt.Errorf("crypto: request timestamp outside %s window: %w", v.ttl, domain.ErrBadSignature)
	}

	sig, err := hex.DecodeString(strings.TrimPrefix(a.Signature, "0x"))
	if err != nil || len(sig) != 65 {
		return fmt.Errorf("crypto: malformed signature: %w", domain.ErrBadSignature)
	}
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	digest := eip712Hash(v.domainSep, requestStructHash(a.Caller, a.Method, a.Path, a.Body, a.Timestamp))
	pub, err := ethcrypto.SigToPub(digest, sig)
	if err != nil {
		return fmt.Errorf("crypto: recover signer: %w", domain.ErrBadSignature)
	}
	if recovered := ethcrypto.PubkeyToAddress(*pub); recovered != a.Caller {
		return fmt.Errorf("crypto: signed by %s, not %s: %w", recovered.Hex(), a.Caller.Hex(), domain.ErrBadSignature)
	}
	return nil
}

// domainSeparator returns keccak256(abi.encode(typeHash, nameHash, versionHash, chainId)).
func domainSeparator(chainID int64) []byte {
	return ethcrypto.Keccak256(
		concatBytes(
			eip712DomainTypeHash,
			ethcrypto.Keccak256([]byte(domainName)),
			ethcrypto.Keccak256([]byte(domainVersion)),
			bigIntTo32Bytes(big.NewInt(chainID)),
		),
	)
}

func requestStructHash(caller common.Address, method, path string, body []byte, timestamp int64) []byte {
	return ethcrypto.Keccak256(
		concatBytes(
			requestTypeHash,
			common.LeftPadBytes(caller.Bytes(), 32),
			ethcrypto.Keccak256([]byte(strings.ToUpper(method))),
			ethcrypto.Keccak256([]byte(path)),
			ethcrypto.Keccak256(body),
			bigIntTo32Bytes(big.NewInt(timestamp)),
		),
	)
}

// eip712Hash computes keccak256("\x19\x01" || domainSeparator || structHash).
func eip712Hash(domainSep, structHash []byte) []byte {
	return ethcrypto.Keccak256(concatBytes([]byte{0x19, 0x01}, domainSep, structHash))
}

func bigIntTo32Bytes(n *big.Int) []byte {
	return common.LeftPadBytes(n.Bytes(), 32)
}

func concatBytes(slices ...[]byte) []byte {
	total := 0
	for _, s := range slices {
		total += len(s)
	}
	buf := make([]byte, 0, total)
	for _, s := range slices {
		buf = append(buf, s...)
	}
	return buf
}

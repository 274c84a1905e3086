package signature

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	AddressLength   = common.AddressLength
	HashLength      = common.HashLength
	SignatureLength = crypto.SignatureLength

	// ethers-style recovery id offset
	recoveryOffset = 27
)

var (
	ErrInvalidAddressLength = errors.New("invalid address length")
	ErrInvalidSignature     = errors.New("invalid signature")
)

type (
	Address = common.Address
	Hash    = common.Hash

	// Signer produces recoverable signatures on behalf of a single address.
	Signer interface {
		Address() Address
		Sign(ctx context.Context, data []byte) ([]byte, error)
	}

	KeySigner struct {
		key     *ecdsa.PrivateKey
		address Address
	}
)

// Normalize turns raw address bytes into an address, rejecting anything that
// is not exactly 20 bytes.
func Normalize(b []byte) (Address, error) {
	if len(b) != AddressLength {
		return Address{}, fmt.Errorf("%w: %d bytes", ErrInvalidAddressLength, len(b))
	}
	return common.BytesToAddress(b), nil
}

// ParseAddress decodes a 0x-prefixed hex address in any letter case.
func ParseAddress(s string) (Address, error) {
	s = strings.TrimSpace(s)
	b, err := hexutil.Decode(s)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %v", ErrInvalidAddressLength, err)
	}
	return Normalize(b)
}

// Checksum returns the EIP-55 text form of the address.
func Checksum(a Address) string {
	return a.Hex()
}

func Keccak256(data ...[]byte) Hash {
	return crypto.Keccak256Hash(data...)
}

func NewKeySigner(key *ecdsa.PrivateKey) *KeySigner {
	return &KeySigner{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
	}
}

func GenerateKeySigner() (*KeySigner, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	return NewKeySigner(key), nil
}

func KeySignerFromHex(s string) (*KeySigner, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return NewKeySigner(key), nil
}

func (s *KeySigner) Address() Address {
	return s.address
}

func (s *KeySigner) PrivateKeyBytes() []byte {
	return crypto.FromECDSA(s.key)
}

// Sign signs the EIP-191 personal message hash of data.
func (s *KeySigner) Sign(ctx context.Context, data []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(accounts.TextHash(data), s.key)
	if err != nil {
		return nil, err
	}
	sig[crypto.RecoveryIDOffset] += recoveryOffset
	return sig, nil
}

// Sign is a convenience wrapper over signer.Sign.
func Sign(ctx context.Context, data []byte, signer Signer) ([]byte, error) {
	sig, err := signer.Sign(ctx, data)
	if err != nil {
		return nil, err
	}
	if len(sig) != SignatureLength {
		return nil, fmt.Errorf("%w: signer returned %d bytes", ErrInvalidSignature, len(sig))
	}
	return sig, nil
}

// Verify recovers the address that signed data.
func Verify(data, sig []byte) (Address, error) {
	if len(sig) != SignatureLength {
		return Address{}, fmt.Errorf("%w: %d bytes", ErrInvalidSignature, len(sig))
	}

	// one encoding per signature: v must be 27 or 28 and s in the lower half
	// of the curve order
	v := sig[crypto.RecoveryIDOffset]
	if v != recoveryOffset && v != recoveryOffset+1 {
		return Address{}, fmt.Errorf("%w: recovery id %d", ErrInvalidSignature, v)
	}
	rsv := make([]byte, SignatureLength)
	copy(rsv, sig)
	rsv[crypto.RecoveryIDOffset] = v - recoveryOffset

	r, s := new(big.Int).SetBytes(rsv[:32]), new(big.Int).SetBytes(rsv[32:64])
	if !crypto.ValidateSignatureValues(rsv[crypto.RecoveryIDOffset], r, s, true) {
		return Address{}, fmt.Errorf("%w: non-canonical r or s", ErrInvalidSignature)
	}

	pub, err := crypto.SigToPub(accounts.TextHash(data), rsv)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

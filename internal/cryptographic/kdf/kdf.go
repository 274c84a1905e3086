package kdf

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"io"

	"game_channel/internal/cryptographic/signature"

	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/hkdf"
)

const maxSubkeyAttempts = 16

var subkeyInfo = []byte("subkey")

// HKDF fills buffer with HKDF-SHA256 output.
func HKDF(secret, salt, info, buffer []byte) (int, error) {
	h := hkdf.New(sha256.New, secret, salt, info)
	return io.ReadFull(h, buffer)
}

// DeriveSubkey derives the per-session subkey of an account. The same account
// key and root digest always yield the same subkey.
func DeriveSubkey(accountKey []byte, root signature.Hash) (*signature.KeySigner, error) {
	if len(accountKey) == 0 {
		return nil, errors.New("empty account key")
	}

	buffer := make([]byte, 32)
	for i := uint32(0); i < maxSubkeyAttempts; i++ {
		info := binary.LittleEndian.AppendUint32(append([]byte{}, subkeyInfo...), i)
		if _, err := HKDF(accountKey, root.Bytes(), info, buffer); err != nil {
			return nil, err
		}
		key, err := crypto.ToECDSA(buffer)
		if err != nil {
			// out of the curve order, try the next counter
			continue
		}
		return signature.NewKeySigner(key), nil
	}
	return nil, errors.New("subkey derivation exhausted")
}

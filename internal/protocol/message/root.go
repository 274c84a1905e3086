package message

import (
	"encoding/binary"
	"fmt"

	"game_channel/internal/cryptographic/signature"
)

const (
	ReservedLength = 16

	account1Offset = ReservedLength
	account2Offset = account1Offset + signature.AddressLength
	seedsOffset    = account2Offset + signature.AddressLength
)

// RootPayload is the content of the first message of a session.
//
// Layout: reserved(16) | account1(20) | account2(20) | then match seed, seed1
// and seed2, each prefixed by its length as a little-endian uint32.
type RootPayload struct {
	Reserved  [ReservedLength]byte
	Account1  signature.Address
	Account2  signature.Address
	MatchSeed []byte
	Seed1     []byte
	Seed2     []byte
}

func EncodeRoot(p RootPayload) []byte {
	out := make([]byte, seedsOffset, seedsOffset+3*4+len(p.MatchSeed)+len(p.Seed1)+len(p.Seed2))
	copy(out, p.Reserved[:])
	copy(out[account1Offset:], p.Account1[:])
	copy(out[account2Offset:], p.Account2[:])
	for _, seed := range [][]byte{p.MatchSeed, p.Seed1, p.Seed2} {
		out = binary.LittleEndian.AppendUint32(out, uint32(len(seed)))
		out = append(out, seed...)
	}
	return out
}

func DecodeRoot(b []byte) (RootPayload, error) {
	var p RootPayload
	if len(b) < seedsOffset {
		return p, fmt.Errorf("%w: root payload of %d bytes", ErrMalformedMessage, len(b))
	}
	copy(p.Reserved[:], b[:account1Offset])
	copy(p.Account1[:], b[account1Offset:account2Offset])
	copy(p.Account2[:], b[account2Offset:seedsOffset])

	rest := b[seedsOffset:]
	seeds := make([][]byte, 3)
	for i := range seeds {
		if len(rest) < 4 {
			return RootPayload{}, fmt.Errorf("%w: truncated seed %d length", ErrMalformedMessage, i)
		}
		n := binary.LittleEndian.Uint32(rest)
		rest = rest[4:]
		if uint64(n) > uint64(len(rest)) {
			return RootPayload{}, fmt.Errorf("%w: seed %d wants %d bytes, %d left", ErrMalformedMessage, i, n, len(rest))
		}
		seeds[i] = append([]byte{}, rest[:n]...)
		rest = rest[n:]
	}
	if len(rest) != 0 {
		return RootPayload{}, fmt.Errorf("%w: %d trailing bytes", ErrMalformedMessage, len(rest))
	}

	p.MatchSeed, p.Seed1, p.Seed2 = seeds[0], seeds[1], seeds[2]
	return p, nil
}

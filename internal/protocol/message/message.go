package message

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"game_channel/internal/cryptographic/signature"
)

const (
	MaxPayloadSize = 1 << 20

	parentOffset  = 0
	authorOffset  = parentOffset + signature.HashLength
	lengthOffset  = authorOffset + signature.AddressLength
	payloadOffset = lengthOffset + 4

	minEncodingLength = payloadOffset + signature.SignatureLength
)

var ErrMalformedMessage = errors.New("malformed message")

// RootParent is the parent digest of the first message of every session.
var RootParent signature.Hash

// Message is an immutable signed envelope linked to its parent by digest.
type Message struct {
	parent    signature.Hash
	author    signature.Address
	data      []byte
	signature []byte
	hash      signature.Hash
	encoding  []byte
}

// New signs data as the child of parent.
func New(ctx context.Context, parent signature.Hash, data []byte, signer signature.Signer) (*Message, error) {
	if len(data) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: payload of %d bytes", ErrMalformedMessage, len(data))
	}

	author := signer.Address()
	encoding := make([]byte, payloadOffset, payloadOffset+len(data)+signature.SignatureLength)
	copy(encoding[parentOffset:], parent[:])
	copy(encoding[authorOffset:], author[:])
	binary.LittleEndian.PutUint32(encoding[lengthOffset:], uint32(len(data)))
	encoding = append(encoding, data...)

	sig, err := signature.Sign(ctx, encoding, signer)
	if err != nil {
		return nil, fmt.Errorf("sign message: %w", err)
	}

	recovered, err := signature.Verify(encoding, sig)
	if err != nil {
		return nil, err
	}
	if recovered != author {
		return nil, fmt.Errorf("%w: signed by %s, expected %s", signature.ErrInvalidSignature, recovered.Hex(), author.Hex())
	}

	encoding = append(encoding, sig...)
	return &Message{
		parent:    parent,
		author:    author,
		data:      encoding[payloadOffset : payloadOffset+len(data)],
		signature: encoding[payloadOffset+len(data):],
		hash:      signature.Keccak256(encoding),
		encoding:  encoding,
	}, nil
}

// FromBytes decodes a wire message. The digest is recomputed and the author
// must match the address recovered from the signature.
func FromBytes(b []byte) (*Message, error) {
	if len(b) < minEncodingLength {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformedMessage, len(b))
	}

	size := binary.LittleEndian.Uint32(b[lengthOffset:payloadOffset])
	if uint64(size) != uint64(len(b)-minEncodingLength) {
		return nil, fmt.Errorf("%w: payload length %d does not match %d bytes", ErrMalformedMessage, size, len(b)-minEncodingLength)
	}
	if size > MaxPayloadSize {
		return nil, fmt.Errorf("%w: payload of %d bytes", ErrMalformedMessage, size)
	}

	encoding := bytes.Clone(b)
	end := payloadOffset + int(size)

	author, err := signature.Verify(encoding[:end], encoding[end:])
	if err != nil {
		return nil, err
	}

	m := &Message{
		data:      encoding[payloadOffset:end],
		signature: encoding[end:],
		hash:      signature.Keccak256(encoding),
		encoding:  encoding,
	}
	copy(m.parent[:], encoding[parentOffset:authorOffset])
	copy(m.author[:], encoding[authorOffset:lengthOffset])

	if m.author != author {
		return nil, fmt.Errorf("%w: recovered %s, claimed %s", signature.ErrInvalidSignature, author.Hex(), m.author.Hex())
	}
	return m, nil
}

func (m *Message) Parent() signature.Hash    { return m.parent }
func (m *Message) Author() signature.Address { return m.author }
func (m *Message) Hash() signature.Hash      { return m.hash }

// Data returns a copy of the payload.
func (m *Message) Data() []byte { return bytes.Clone(m.data) }

// Signature returns a copy of the 65-byte signature.
func (m *Message) Signature() []byte { return bytes.Clone(m.signature) }

// Encoding returns a copy of the wire encoding.
func (m *Message) Encoding() []byte { return bytes.Clone(m.encoding) }

func (m *Message) Size() int { return len(m.data) }

// Extends reports whether m is linked directly after parent.
func (m *Message) Extends(parent *Message) bool {
	return m.parent == parent.hash
}

func (m *Message) String() string {
	return fmt.Sprintf("message %s by %s (%d bytes)", m.hash.TerminalString(), m.author.Hex(), len(m.data))
}

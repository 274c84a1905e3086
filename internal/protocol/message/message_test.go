package message

import (
	"context"
	"testing"

	"game_channel/internal/cryptographic/signature"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSigner(t *testing.T) *signature.KeySigner {
	t.Helper()
	s, err := signature.GenerateKeySigner()
	require.NoError(t, err)
	return s
}

func TestNewAndFromBytes(t *testing.T) {
	ctx := context.Background()
	signer := newSigner(t)

	root, err := New(ctx, RootParent, []byte("root"), signer)
	require.NoError(t, err)
	assert.Equal(t, RootParent, root.Parent())
	assert.Equal(t, signer.Address(), root.Author())
	assert.Equal(t, []byte("root"), root.Data())

	child, err := New(ctx, root.Hash(), []byte{1, 2}, signer)
	require.NoError(t, err)
	assert.True(t, child.Extends(root))
	assert.False(t, root.Extends(child))

	decoded, err := FromBytes(child.Encoding())
	require.NoError(t, err)
	assert.Equal(t, child.Hash(), decoded.Hash())
	assert.Equal(t, child.Parent(), decoded.Parent())
	assert.Equal(t, child.Author(), decoded.Author())
	assert.Equal(t, child.Data(), decoded.Data())
	assert.Equal(t, child.Signature(), decoded.Signature())
	assert.Equal(t, child.Encoding(), decoded.Encoding())
}

func TestEmptyPayload(t *testing.T) {
	m, err := New(context.Background(), RootParent, nil, newSigner(t))
	require.NoError(t, err)
	assert.Equal(t, 0, m.Size())

	decoded, err := FromBytes(m.Encoding())
	require.NoError(t, err)
	assert.Empty(t, decoded.Data())
}

func TestSamePayloadDistinctDigest(t *testing.T) {
	ctx := context.Background()
	signer := newSigner(t)

	a, err := New(ctx, RootParent, []byte("move"), signer)
	require.NoError(t, err)
	b, err := New(ctx, a.Hash(), []byte("move"), signer)
	require.NoError(t, err)
	assert.NotEqual(t, a.Hash(), b.Hash())
}

func TestFromBytesRejects(t *testing.T) {
	ctx := context.Background()
	signer := newSigner(t)
	m, err := New(ctx, RootParent, []byte("payload"), signer)
	require.NoError(t, err)

	t.Run("too short", func(t *testing.T) {
		_, err := FromBytes(m.Encoding()[:minEncodingLength-1])
		assert.ErrorIs(t, err, ErrMalformedMessage)
	})

	t.Run("length prefix mismatch", func(t *testing.T) {
		b := m.Encoding()
		b[lengthOffset]++
		_, err := FromBytes(b)
		assert.ErrorIs(t, err, ErrMalformedMessage)
	})

	t.Run("trailing byte", func(t *testing.T) {
		_, err := FromBytes(append(m.Encoding(), 0))
		assert.ErrorIs(t, err, ErrMalformedMessage)
	})

	t.Run("tampered payload", func(t *testing.T) {
		b := m.Encoding()
		b[payloadOffset] ^= 0xff
		_, err := FromBytes(b)
		assert.ErrorIs(t, err, signature.ErrInvalidSignature)
	})

	t.Run("tampered parent", func(t *testing.T) {
		b := m.Encoding()
		b[parentOffset] ^= 0x01
		_, err := FromBytes(b)
		assert.ErrorIs(t, err, signature.ErrInvalidSignature)
	})

	t.Run("claimed author differs", func(t *testing.T) {
		b := m.Encoding()
		other := newSigner(t).Address()
		copy(b[authorOffset:], other[:])
		_, err := FromBytes(b)
		assert.ErrorIs(t, err, signature.ErrInvalidSignature)
	})

	t.Run("rewritten recovery id", func(t *testing.T) {
		b := m.Encoding()
		b[len(b)-1] -= 27
		_, err := FromBytes(b)
		assert.ErrorIs(t, err, signature.ErrInvalidSignature)
	})
}

type brokenSigner struct {
	addr signature.Address
	sig  []byte
}

func (s brokenSigner) Address() signature.Address { return s.addr }
func (s brokenSigner) Sign(context.Context, []byte) ([]byte, error) {
	return s.sig, nil
}

func TestNewRejectsForeignSignature(t *testing.T) {
	ctx := context.Background()
	real := newSigner(t)
	sig, err := real.Sign(ctx, []byte("something else"))
	require.NoError(t, err)

	_, err = New(ctx, RootParent, []byte("x"), brokenSigner{addr: real.Address(), sig: sig})
	assert.ErrorIs(t, err, signature.ErrInvalidSignature)

	_, err = New(ctx, RootParent, []byte("x"), brokenSigner{addr: real.Address(), sig: sig[:10]})
	assert.ErrorIs(t, err, signature.ErrInvalidSignature)
}

func TestNewRejectsOversizedPayload(t *testing.T) {
	_, err := New(context.Background(), RootParent, make([]byte, MaxPayloadSize+1), newSigner(t))
	assert.ErrorIs(t, err, ErrMalformedMessage)
}

package transcript

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"game_channel/internal/cryptographic/signature"
	"game_channel/internal/game"
	"game_channel/internal/game/ttt"
	"game_channel/internal/protocol/channel"
	"game_channel/internal/protocol/message"
)

type session struct {
	owner    *signature.KeySigner
	accounts [2]*signature.KeySigner
	subkeys  [2]*signature.KeySigner
	server   *channel.Server
}

func key(t *testing.T) *signature.KeySigner {
	k, err := signature.GenerateKeySigner()
	require.NoError(t, err)
	return k
}

func (s *session) send(t *testing.T, data []byte, signer signature.Signer) {
	msg, err := message.New(context.Background(), s.server.Tail().Hash(), data, signer)
	require.NoError(t, err)
	_, err = s.server.Receive(msg.Encoding())
	require.NoError(t, err)
}

// play runs a tic-tac-toe game that player two wins on the diagonal.
func play(t *testing.T) *session {
	s := &session{
		owner:    key(t),
		accounts: [2]*signature.KeySigner{key(t), key(t)},
		subkeys:  [2]*signature.KeySigner{key(t), key(t)},
	}
	var err error
	s.server, err = channel.NewServer(context.Background(), channel.ServerConfig{
		Factory:  ttt.New,
		Owner:    s.owner,
		Account1: s.accounts[0].Address().Bytes(),
		Account2: s.accounts[1].Address().Bytes(),
	})
	require.NoError(t, err)

	for i := range s.accounts {
		s.send(t, s.subkeys[i].Address().Bytes(), s.accounts[i])
	}
	for i, mv := range [][2]int{{0, 1}, {0, 0}, {0, 2}, {1, 1}, {1, 0}, {2, 2}} {
		s.send(t, ttt.Move(mv[0], mv[1]), s.subkeys[i%2])
	}
	return s
}

func TestVerify(t *testing.T) {
	s := play(t)
	tr := FromLog("abc", s.server.Log())
	owner := s.owner.Address()

	r, err := Verify(tr, ttt.New, &owner)
	require.NoError(t, err)
	assert.Equal(t, owner, r.Owner)
	assert.Equal(t, s.accounts[0].Address(), r.Accounts[0])
	assert.Equal(t, s.subkeys[1].Address(), r.Subkeys[1])
	assert.Equal(t, channel.Active, r.Phase)
	assert.Equal(t, 9, r.Length)
	assert.True(t, r.Over)
	assert.Equal(t, game.Two, r.Winner)
}

func TestVerifyPrefix(t *testing.T) {
	s := play(t)
	tr := FromLog("", s.server.Log()[:2])

	r, err := Verify(tr, ttt.New, nil)
	require.NoError(t, err)
	assert.Equal(t, channel.AwaitingSubkey2, r.Phase)
	assert.False(t, r.Over)
}

func TestVerifyRejects(t *testing.T) {
	s := play(t)
	stranger := key(t).Address()

	_, err := Verify(Transcript{}, ttt.New, nil)
	require.ErrorIs(t, err, ErrEmpty)

	tr := FromLog("", s.server.Log())
	_, err = Verify(tr, ttt.New, &stranger)
	var terr *Error
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, 0, terr.Index)
	require.ErrorIs(t, err, channel.ErrUnauthorizedAuthor)

	// dropping a message breaks the chain at that index
	tr = FromLog("", s.server.Log())
	tr.Messages = append(tr.Messages[:4:4], tr.Messages[5:]...)
	_, err = Verify(tr, ttt.New, nil)
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, 4, terr.Index)
	require.ErrorIs(t, err, channel.ErrChainMismatch)

	// flipped payload byte
	tr = FromLog("", s.server.Log())
	b := tr.Messages[5]
	b[len(b)-signature.SignatureLength-1] ^= 1
	_, err = Verify(tr, ttt.New, nil)
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, 5, terr.Index)
	require.ErrorIs(t, err, channel.ErrInvalidSignature)
}

func TestJSON(t *testing.T) {
	s := play(t)
	tr := FromLog("abc", s.server.Log()[:1])

	b, err := json.Marshal(tr)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"messages":["0x`)

	var back Transcript
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, tr, back)
}

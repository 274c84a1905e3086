// Package transcript exports an accepted session log and checks one
// offline, replaying it through a fresh endpoint.
package transcript

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"game_channel/internal/cryptographic/signature"
	"game_channel/internal/game"
	"game_channel/internal/protocol/channel"
	"game_channel/internal/protocol/message"
)

var ErrEmpty = errors.New("empty transcript")

type (
	// Transcript is the ordered list of message encodings, root first.
	Transcript struct {
		Session  string          `json:"session,omitempty"`
		Messages []hexutil.Bytes `json:"messages"`
	}

	Result struct {
		Owner    signature.Address
		Accounts [2]signature.Address
		Subkeys  [2]signature.Address
		Phase    channel.Phase
		Length   int
		Winner   game.Player
		Over     bool
		Match    game.Match
	}

	// Error reports the first message that failed to replay.
	Error struct {
		Index int
		Err   error
	}
)

func (e *Error) Error() string {
	return fmt.Sprintf("transcript message %d: %v", e.Index, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func FromLog(session string, log []*message.Message) Transcript {
	t := Transcript{Session: session, Messages: make([]hexutil.Bytes, len(log))}
	for i, m := range log {
		t.Messages[i] = m.Encoding()
	}
	return t
}

// Verify replays t. When owner is set the root must be signed by it.
func Verify(t Transcript, factory game.Factory, owner *signature.Address) (*Result, error) {
	if len(t.Messages) == 0 {
		return nil, ErrEmpty
	}

	e, err := channel.Open(t.Messages[0], owner, factory)
	if err != nil {
		return nil, &Error{Index: 0, Err: err}
	}
	for i, b := range t.Messages[1:] {
		msg, err := message.FromBytes(b)
		if err != nil {
			return nil, &Error{Index: i + 1, Err: err}
		}
		if _, err := e.Accept(msg); err != nil {
			return nil, &Error{Index: i + 1, Err: err}
		}
	}

	r := &Result{
		Owner:    e.Log()[0].Author(),
		Accounts: [2]signature.Address{e.Account(game.One), e.Account(game.Two)},
		Phase:    e.Phase(),
		Length:   e.Len(),
		Match:    e.Match(),
	}
	r.Subkeys[0], _ = e.Subkey(game.One)
	r.Subkeys[1], _ = e.Subkey(game.Two)
	r.Winner, r.Over = e.Outcome()
	return r, nil
}

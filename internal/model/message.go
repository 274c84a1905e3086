package model

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

type Kind uint8

const (
	// KindHello joins the lobby for a game, or resumes a session when
	// Session is set.
	KindHello Kind = iota + 1
	// KindRoot announces a new session and carries its root message.
	KindRoot
	KindMessage
	KindReject
)

var ErrUnknownKind = errors.New("unknown frame kind")

type (
	// Frame is the unit exchanged over the hub websocket.
	Frame struct {
		Kind    Kind   `cbor:"1,keyasint"`
		Session string `cbor:"2,keyasint,omitempty"`
		Account string `cbor:"3,keyasint,omitempty"`
		Game    string `cbor:"4,keyasint,omitempty"`
		Player  uint8  `cbor:"5,keyasint,omitempty"`
		Message []byte `cbor:"6,keyasint,omitempty"`
		Error   string `cbor:"7,keyasint,omitempty"`
		Reason  string `cbor:"8,keyasint,omitempty"`
		// Seed is the player's contribution to the root, sent with hello.
		Seed []byte `cbor:"9,keyasint,omitempty"`
		// Time (unix nanoseconds) and Signature authenticate a hello; see
		// HelloBytes.
		Time      int64  `cbor:"10,keyasint,omitempty"`
		Signature []byte `cbor:"11,keyasint,omitempty"`
	}

	helloClaim struct {
		Account string `cbor:"1,keyasint"`
		Game    string `cbor:"2,keyasint"`
		Session string `cbor:"3,keyasint"`
		Seed    []byte `cbor:"4,keyasint"`
		Time    int64  `cbor:"5,keyasint"`
	}

	// Record is published for every accepted message.
	Record struct {
		Session string `cbor:"session"`
		Index   int    `cbor:"index"`
		Player  uint8  `cbor:"player"`
		Author  string `cbor:"author"`
		Hash    string `cbor:"hash"`
		Message []byte `cbor:"message"`
	}
)

func (k Kind) String() string {
	switch k {
	case KindHello:
		return "hello"
	case KindRoot:
		return "root"
	case KindMessage:
		return "message"
	case KindReject:
		return "reject"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

const helloDomain = "relay hello\n"

// HelloBytes returns the bytes the account signs in a hello frame. Every
// field the hub acts on is covered.
func HelloBytes(f *Frame) ([]byte, error) {
	claim, err := cbor.Marshal(&helloClaim{
		Account: f.Account,
		Game:    f.Game,
		Session: f.Session,
		Seed:    f.Seed,
		Time:    f.Time,
	})
	if err != nil {
		return nil, err
	}
	return append([]byte(helloDomain), claim...), nil
}

func EncodeFrame(f *Frame) ([]byte, error) {
	return cbor.Marshal(f)
}

func DecodeFrame(b []byte) (*Frame, error) {
	var f Frame
	if err := cbor.Unmarshal(b, &f); err != nil {
		return nil, err
	}
	if f.Kind < KindHello || f.Kind > KindReject {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, f.Kind)
	}
	return &f, nil
}

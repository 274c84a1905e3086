package channel

import (
	"context"
	"errors"
	"fmt"

	"game_channel/internal/cryptographic/kdf"
	"game_channel/internal/cryptographic/signature"
	"game_channel/internal/game"
	"game_channel/internal/protocol/message"
)

type (
	StoreConfig struct {
		Factory game.Factory

		// Root is the encoded root message received from the relay.
		Root []byte

		// Owner, when set, must be the author of the root.
		Owner *signature.Address

		Account signature.Signer

		// Subkey signs game messages. When nil it is derived from the
		// account key and the root digest.
		Subkey signature.Signer

		Sink Sink
	}

	// Store is the client side of a session: a local mirror of the relay's
	// log that also authors this player's messages.
	Store struct {
		*Endpoint
		player  game.Player
		account signature.Signer
		subkey  signature.Signer
		sink    Sink
	}

	privateKeyer interface {
		PrivateKeyBytes() []byte
	}
)

var errNoSubkey = errors.New("no subkey signer and the account key is not exportable")

func NewStore(cfg StoreConfig) (*Store, error) {
	e, err := Open(cfg.Root, cfg.Owner, cfg.Factory)
	if err != nil {
		return nil, err
	}
	payload := e.Root()

	var player game.Player
	switch cfg.Account.Address() {
	case payload.Account1:
		player = game.One
	case payload.Account2:
		player = game.Two
	default:
		return nil, fmt.Errorf("%w: %s", ErrNotParticipant, cfg.Account.Address().Hex())
	}

	subkey := cfg.Subkey
	if subkey == nil {
		keyer, ok := cfg.Account.(privateKeyer)
		if !ok {
			return nil, errNoSubkey
		}
		if subkey, err = kdf.DeriveSubkey(keyer.PrivateKeyBytes(), e.Tail().Hash()); err != nil {
			return nil, fmt.Errorf("derive subkey: %w", err)
		}
	}

	sink := cfg.Sink
	if sink == nil {
		sink = discard{}
	}

	return &Store{
		Endpoint: e,
		player:   player,
		account:  cfg.Account,
		subkey:   subkey,
		sink:     sink,
	}, nil
}

func (s *Store) Player() game.Player { return s.player }

func (s *Store) SubkeyAddress() signature.Address { return s.subkey.Address() }

// NeedsCertify reports whether the next expected message is this player's
// subkey certification.
func (s *Store) NeedsCertify() bool { return s.awaiting() == s.player }

// Certify signs the subkey certification with the account key, appends it
// and sends it to the counterpart.
func (s *Store) Certify(ctx context.Context) (*message.Message, error) {
	if s.phase == Halted {
		return nil, ErrHalted
	}
	if !s.NeedsCertify() {
		return nil, fmt.Errorf("%w: phase %s", ErrOutOfTurn, s.phase)
	}

	msg, err := message.New(ctx, s.Tail().Hash(), s.subkey.Address().Bytes(), s.account)
	if err != nil {
		return nil, err
	}
	if _, err := s.Accept(msg); err != nil {
		return nil, err
	}

	s.sink.Send(s.player.Other(), msg)
	return msg, nil
}

// Dispatch signs payload with the subkey, applies it locally and sends it.
// A payload the game rejects is never sent.
func (s *Store) Dispatch(ctx context.Context, payload []byte) (*message.Message, error) {
	switch s.phase {
	case Halted:
		return nil, ErrHalted
	case Active:
	default:
		return nil, fmt.Errorf("%w: phase %s", ErrNotActive, s.phase)
	}

	msg, err := message.New(ctx, s.Tail().Hash(), payload, s.subkey)
	if err != nil {
		return nil, err
	}
	if _, err := s.Accept(msg); err != nil {
		return nil, err
	}

	s.sink.Send(s.player.Other(), msg)
	return msg, nil
}

// Receive validates a message relayed from the server. Own messages replayed
// from a cache are accepted the same way.
func (s *Store) Receive(b []byte) (Accepted, error) {
	msg, err := message.FromBytes(b)
	if err != nil {
		return Accepted{}, err
	}

	player, err := s.Accept(msg)
	if err != nil {
		return Accepted{}, err
	}
	return Accepted{Message: msg, Player: player, Index: s.Len() - 1}, nil
}

package channel

import (
	"context"
	"fmt"

	"game_channel/internal/cryptographic/signature"
	"game_channel/internal/game"
	"game_channel/internal/protocol/message"
)

type (
	ServerConfig struct {
		Factory  game.Factory
		Owner    signature.Signer
		Account1 []byte
		Account2 []byte

		MatchSeed []byte
		Seed1     []byte
		Seed2     []byte

		// Reserved is carried verbatim in the root payload.
		Reserved [16]byte

		Sink Sink
	}

	// Server is the relay side of a session. It signs the root and forwards
	// every accepted message to the other player.
	Server struct {
		*Endpoint
		owner signature.Address
		sink  Sink
	}
)

// NewServer builds and signs the root message and sends it to both players.
func NewServer(ctx context.Context, cfg ServerConfig) (*Server, error) {
	account1, err := signature.Normalize(cfg.Account1)
	if err != nil {
		return nil, fmt.Errorf("account 1: %w", err)
	}
	account2, err := signature.Normalize(cfg.Account2)
	if err != nil {
		return nil, fmt.Errorf("account 2: %w", err)
	}
	if account1 == account2 {
		return nil, ErrSameAccount
	}

	payload := message.RootPayload{
		Reserved:  cfg.Reserved,
		Account1:  account1,
		Account2:  account2,
		MatchSeed: cfg.MatchSeed,
		Seed1:     cfg.Seed1,
		Seed2:     cfg.Seed2,
	}

	match, err := cfg.Factory(cfg.MatchSeed, cfg.Seed1, cfg.Seed2)
	if err != nil {
		return nil, fmt.Errorf("create match: %w", err)
	}

	root, err := message.New(ctx, message.RootParent, message.EncodeRoot(payload), cfg.Owner)
	if err != nil {
		return nil, fmt.Errorf("sign root: %w", err)
	}

	sink := cfg.Sink
	if sink == nil {
		sink = discard{}
	}

	s := &Server{
		Endpoint: newEndpoint(root, payload, match),
		owner:    cfg.Owner.Address(),
		sink:     sink,
	}
	sink.Send(game.One, root)
	sink.Send(game.Two, root)
	return s, nil
}

func (s *Server) Owner() signature.Address { return s.owner }

// Receive decodes and validates b. Accepted messages are forwarded to the
// other player; rejected ones change nothing.
func (s *Server) Receive(b []byte) (Accepted, error) {
	msg, err := message.FromBytes(b)
	if err != nil {
		return Accepted{}, err
	}

	player, err := s.Accept(msg)
	if err != nil {
		return Accepted{}, err
	}

	s.sink.Send(player.Other(), msg)
	return Accepted{Message: msg, Player: player, Index: s.Len() - 1}, nil
}

// RestoreServer rebuilds a relay from a log it accepted earlier, root first.
// Nothing is sent to the sink while replaying.
func RestoreServer(log [][]byte, owner signature.Address, factory game.Factory, sink Sink) (*Server, error) {
	if len(log) == 0 {
		return nil, fmt.Errorf("%w: empty log", ErrMalformedMessage)
	}

	e, err := Open(log[0], &owner, factory)
	if err != nil {
		return nil, err
	}
	for i, b := range log[1:] {
		msg, err := message.FromBytes(b)
		if err != nil {
			return nil, fmt.Errorf("message %d: %w", i+1, err)
		}
		if _, err := e.Accept(msg); err != nil {
			return nil, fmt.Errorf("message %d: %w", i+1, err)
		}
	}

	if sink == nil {
		sink = discard{}
	}
	return &Server{Endpoint: e, owner: owner, sink: sink}, nil
}

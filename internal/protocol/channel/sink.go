package channel

import (
	"game_channel/internal/game"
	"game_channel/internal/protocol/message"
)

type (
	// Sink delivers an accepted message to the given player. For a store the
	// player is the counterpart; the relay in between is the transport.
	Sink interface {
		Send(to game.Player, msg *message.Message)
	}

	SinkFunc func(to game.Player, msg *message.Message)

	// Accepted describes a message that extended the log.
	Accepted struct {
		Message *message.Message
		Player  game.Player
		Index   int
	}
)

func (f SinkFunc) Send(to game.Player, msg *message.Message) { f(to, msg) }

type discard struct{}

func (discard) Send(game.Player, *message.Message) {}

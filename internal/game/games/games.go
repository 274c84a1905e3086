// Package games lists the games the hub and client know by name.
package games

import (
	"game_channel/internal/game"
	"game_channel/internal/game/coin"
	"game_channel/internal/game/ttt"
)

func Registry() game.Registry {
	return game.Registry{
		"ttt":  ttt.New,
		"coin": coin.New,
	}
}

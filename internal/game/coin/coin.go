package coin

import (
	"encoding/binary"
	"errors"
	"fmt"

	"game_channel/internal/cryptographic/signature"
	"game_channel/internal/game"
)

// Rounds is the number of flips in a match.
const Rounds = 7

var (
	ErrWrongLength = errors.New("guess must be one byte")
	ErrBadGuess    = errors.New("guess must be 0 or 1")
	ErrWrongTurn   = errors.New("not this player's turn")
	ErrGameOver    = errors.New("game is over")
)

// Coin is a guessing game: on its turn a player calls the next flip and scores
// when right. Flips derive from the public seeds only, so either party can
// recompute them.
type Coin struct {
	base  signature.Hash
	nonce uint8
	score [2]uint8
}

func New(matchSeed, seed1, seed2 []byte) (game.Match, error) {
	return &Coin{
		base: signature.Keccak256(lengthPrefixed(matchSeed), lengthPrefixed(seed1), lengthPrefixed(seed2)),
	}, nil
}

func (c *Coin) Mutate(player game.Player, payload []byte) error {
	if c.nonce >= Rounds {
		return ErrGameOver
	}
	if len(payload) != 1 {
		return ErrWrongLength
	}
	if payload[0] > 1 {
		return ErrBadGuess
	}
	if player != c.NextPlayer() {
		return ErrWrongTurn
	}

	if payload[0] == c.Flip(c.nonce) {
		c.score[player.Index()]++
	}
	c.nonce++
	return nil
}

// Flip returns the outcome of round n.
func (c *Coin) Flip(n uint8) byte {
	h := signature.Keccak256(c.base[:], []byte{n})
	return h[len(h)-1] & 1
}

func (c *Coin) NextPlayer() game.Player {
	if c.nonce >= Rounds {
		return game.None
	}
	if c.nonce%2 == 0 {
		return game.One
	}
	return game.Two
}

func (c *Coin) Score(p game.Player) int {
	if !p.Valid() {
		return 0
	}
	return int(c.score[p.Index()])
}

func (c *Coin) Outcome() (game.Player, bool) {
	if c.nonce < Rounds {
		return game.None, false
	}
	switch {
	case c.score[0] > c.score[1]:
		return game.One, true
	case c.score[1] > c.score[0]:
		return game.Two, true
	default:
		return game.None, true
	}
}

func (c *Coin) String() string {
	return fmt.Sprintf("round %d/%d, score %d:%d", c.nonce, Rounds, c.score[0], c.score[1])
}

func lengthPrefixed(b []byte) []byte {
	out := binary.LittleEndian.AppendUint32(make([]byte, 0, 4+len(b)), uint32(len(b)))
	return append(out, b...)
}

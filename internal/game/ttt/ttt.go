package ttt

import (
	"errors"
	"fmt"
	"strings"

	"game_channel/internal/game"
)

const Size = 3

var (
	ErrWrongLength   = errors.New("move must be two bytes: row, column")
	ErrWrongTurn     = errors.New("not this player's turn")
	ErrBadRow        = errors.New("row out of range")
	ErrBadColumn     = errors.New("column out of range")
	ErrAlreadyPlayed = errors.New("cell already played")
	ErrGameOver      = errors.New("game is over")
)

// Board is a tic-tac-toe match. Player one moves first.
type Board struct {
	nonce int
	cells [Size][Size]game.Player
}

// New ignores the seeds: tic-tac-toe has no hidden or random state.
func New(matchSeed, seed1, seed2 []byte) (game.Match, error) {
	return &Board{}, nil
}

func Move(row, column int) []byte {
	return []byte{byte(row), byte(column)}
}

func (b *Board) Mutate(player game.Player, payload []byte) error {
	if len(payload) != 2 {
		return ErrWrongLength
	}
	if _, over := b.Outcome(); over {
		return ErrGameOver
	}
	if player != b.NextPlayer() {
		return ErrWrongTurn
	}

	row, column := int(payload[0]), int(payload[1])
	if row >= Size {
		return ErrBadRow
	}
	if column >= Size {
		return ErrBadColumn
	}
	if b.cells[row][column] != game.None {
		return ErrAlreadyPlayed
	}

	b.cells[row][column] = player
	b.nonce++
	return nil
}

func (b *Board) NextPlayer() game.Player {
	if _, over := b.Outcome(); over {
		return game.None
	}
	if b.nonce%2 == 0 {
		return game.One
	}
	return game.Two
}

func (b *Board) Winner() game.Player {
	lines := [][3][2]int{
		{{0, 0}, {0, 1}, {0, 2}},
		{{1, 0}, {1, 1}, {1, 2}},
		{{2, 0}, {2, 1}, {2, 2}},
		{{0, 0}, {1, 0}, {2, 0}},
		{{0, 1}, {1, 1}, {2, 1}},
		{{0, 2}, {1, 2}, {2, 2}},
		{{0, 0}, {1, 1}, {2, 2}},
		{{0, 2}, {1, 1}, {2, 0}},
	}
	for _, l := range lines {
		p := b.cells[l[0][0]][l[0][1]]
		if p != game.None && p == b.cells[l[1][0]][l[1][1]] && p == b.cells[l[2][0]][l[2][1]] {
			return p
		}
	}
	return game.None
}

// Outcome reports a winner, or a draw (None, true) once the board is full.
func (b *Board) Outcome() (game.Player, bool) {
	if w := b.Winner(); w != game.None {
		return w, true
	}
	return game.None, b.nonce == Size*Size
}

func (b *Board) Cell(row, column int) game.Player {
	return b.cells[row][column]
}

func (b *Board) String() string {
	var sb strings.Builder
	for r := 0; r < Size; r++ {
		if r > 0 {
			sb.WriteString("---+---+---\n")
		}
		for c := 0; c < Size; c++ {
			if c > 0 {
				sb.WriteByte('|')
			}
			fmt.Fprintf(&sb, " %s ", mark(b.cells[r][c]))
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}

func mark(p game.Player) string {
	switch p {
	case game.One:
		return "X"
	case game.Two:
		return "O"
	default:
		return " "
	}
}

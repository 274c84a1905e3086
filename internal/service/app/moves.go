package app

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"game_channel/internal/game/ttt"
)

var ErrBadInput = errors.New("cannot read move")

// ParseMove turns what the player typed into a game payload.
func ParseMove(name, text string) ([]byte, error) {
	text = strings.ToLower(strings.TrimSpace(text))
	switch name {
	case "ttt":
		fields := strings.Fields(strings.ReplaceAll(text, ",", " "))
		if len(fields) == 1 && len(fields[0]) == 2 {
			fields = []string{fields[0][:1], fields[0][1:]}
		}
		if len(fields) != 2 {
			return nil, fmt.Errorf("%w: want \"row column\", e.g. \"1 3\"", ErrBadInput)
		}
		row, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, fmt.Errorf("%w: row %q", ErrBadInput, fields[0])
		}
		column, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, fmt.Errorf("%w: column %q", ErrBadInput, fields[1])
		}
		if row < 1 || row > ttt.Size || column < 1 || column > ttt.Size {
			return nil, fmt.Errorf("%w: row and column go from 1 to %d", ErrBadInput, ttt.Size)
		}
		return ttt.Move(row-1, column-1), nil
	case "coin":
		switch text {
		case "0", "h", "heads":
			return []byte{0}, nil
		case "1", "t", "tails":
			return []byte{1}, nil
		}
		return nil, fmt.Errorf("%w: want heads or tails", ErrBadInput)
	default:
		return nil, fmt.Errorf("%w: no input format for game %q", ErrBadInput, name)
	}
}

// Hint describes the expected input for a game.
func Hint(name string) string {
	switch name {
	case "ttt":
		return "row column (1-3)"
	case "coin":
		return "heads or tails"
	default:
		return ""
	}
}

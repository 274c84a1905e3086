// Package game defines the capability set the relay requires from a
// domain game: construction from the session seeds and a single mutating
// operation applied on behalf of one player.
package game

import (
	"errors"
	"fmt"
	"sort"
)

type Player uint8

const (
	None Player = iota
	One
	Two
)

// ErrFault marks a failure caused by a defect inside the game rather than by
// the player's action. Implementations wrap it, e.g. fmt.Errorf("%w: ...", ErrFault).
var ErrFault = errors.New("game fault")

type (
	// Match is the mutable state of one game. Mutate must be all-or-nothing:
	// when it returns an error the match is unchanged.
	Match interface {
		Mutate(player Player, payload []byte) error
	}

	// Outcome is implemented by matches that can report their conclusion.
	Outcome interface {
		Outcome() (winner Player, over bool)
	}

	// Turn is implemented by matches with a strict turn order.
	Turn interface {
		NextPlayer() Player
	}

	Factory func(matchSeed, seed1, seed2 []byte) (Match, error)

	Registry map[string]Factory
)

func (p Player) Valid() bool {
	return p == One || p == Two
}

// Other returns the counterpart of p, or None when p is not a player.
func (p Player) Other() Player {
	switch p {
	case One:
		return Two
	case Two:
		return One
	default:
		return None
	}
}

// Index maps One and Two to 0 and 1.
func (p Player) Index() int {
	return int(p) - 1
}

func (p Player) String() string {
	switch p {
	case One:
		return "player one"
	case Two:
		return "player two"
	default:
		return "none"
	}
}

func (r Registry) Lookup(name string) (Factory, error) {
	f, ok := r[name]
	if !ok {
		return nil, fmt.Errorf("unknown game %q (known: %v)", name, r.Names())
	}
	return f, nil
}

func (r Registry) Names() []string {
	names := make([]string, 0, len(r))
	for name := range r {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

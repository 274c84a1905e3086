package channel

import (
	"errors"
	"fmt"

	"game_channel/internal/cryptographic/signature"
	"game_channel/internal/game"
	"game_channel/internal/protocol/message"
)

type Phase int

const (
	Bootstrapping Phase = iota
	AwaitingSubkey1
	AwaitingSubkey2
	Active
	Halted
)

func (p Phase) String() string {
	switch p {
	case Bootstrapping:
		return "bootstrapping"
	case AwaitingSubkey1:
		return "awaiting_subkey1"
	case AwaitingSubkey2:
		return "awaiting_subkey2"
	case Active:
		return "active"
	case Halted:
		return "halted"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Endpoint is the state machine shared by the relay server and the client
// store. It is not safe for concurrent use; callers feed it one message at a
// time.
type Endpoint struct {
	root     message.RootPayload
	accounts [2]signature.Address
	subkeys  [2]signature.Address
	match    game.Match
	log      []*message.Message
	phase    Phase
}

func newEndpoint(root *message.Message, payload message.RootPayload, match game.Match) *Endpoint {
	return &Endpoint{
		root:     payload,
		accounts: [2]signature.Address{payload.Account1, payload.Account2},
		match:    match,
		log:      []*message.Message{root},
		phase:    AwaitingSubkey1,
	}
}

// Open rebuilds an endpoint from an encoded root message, as a party that
// did not create the session does. When owner is set the root must be signed
// by it.
func Open(root []byte, owner *signature.Address, factory game.Factory) (*Endpoint, error) {
	msg, err := message.FromBytes(root)
	if err != nil {
		return nil, fmt.Errorf("root: %w", err)
	}
	if msg.Parent() != message.RootParent {
		return nil, fmt.Errorf("%w: root has parent %s", ErrChainMismatch, msg.Parent().TerminalString())
	}
	if owner != nil && msg.Author() != *owner {
		return nil, fmt.Errorf("%w: root signed by %s", ErrUnauthorizedAuthor, msg.Author().Hex())
	}

	payload, err := message.DecodeRoot(msg.Data())
	if err != nil {
		return nil, fmt.Errorf("root: %w", err)
	}
	if payload.Account1 == payload.Account2 {
		return nil, ErrSameAccount
	}

	match, err := factory(payload.MatchSeed, payload.Seed1, payload.Seed2)
	if err != nil {
		return nil, fmt.Errorf("create match: %w", err)
	}
	return newEndpoint(msg, payload, match), nil
}

// Accept validates msg against the current phase and appends it to the log.
// It returns the player slot the message was accepted for. On error the log
// and the match are left as they were.
func (e *Endpoint) Accept(msg *message.Message) (game.Player, error) {
	switch e.phase {
	case Halted:
		return game.None, ErrHalted
	case Bootstrapping:
		return game.None, ErrNotActive
	}

	if msg.Parent() != e.Tail().Hash() {
		return game.None, fmt.Errorf("%w: parent %s, tail %s", ErrChainMismatch, msg.Parent().TerminalString(), e.Tail().Hash().TerminalString())
	}

	switch e.phase {
	case AwaitingSubkey1:
		return game.One, e.certify(game.One, msg)
	case AwaitingSubkey2:
		return game.Two, e.certify(game.Two, msg)
	default:
		player := e.subkeyOwner(msg.Author())
		if player == game.None {
			return game.None, fmt.Errorf("%w: %s is not a registered subkey", ErrUnauthorizedAuthor, msg.Author().Hex())
		}
		return player, e.apply(player, msg)
	}
}

func (e *Endpoint) certify(player game.Player, msg *message.Message) error {
	if msg.Author() != e.accounts[player.Index()] {
		return fmt.Errorf("%w: %s is not the account of %s", ErrUnauthorizedAuthor, msg.Author().Hex(), player)
	}

	subkey, err := signature.Normalize(msg.Data())
	if err != nil {
		return fmt.Errorf("%w: subkey certification of %d bytes", ErrInvalidPayloadLength, msg.Size())
	}
	if player == game.Two && subkey == e.subkeys[game.One.Index()] {
		return fmt.Errorf("%w: %s is already the subkey of %s", ErrInvalidSubkey, subkey.Hex(), game.One)
	}

	e.subkeys[player.Index()] = subkey
	e.log = append(e.log, msg)
	e.phase++
	return nil
}

func (e *Endpoint) apply(player game.Player, msg *message.Message) error {
	length := len(e.log)
	e.log = append(e.log, msg)

	if err := e.mutate(player, msg.Data()); err != nil {
		e.log[length] = nil
		e.log = e.log[:length]

		if errors.Is(err, game.ErrFault) {
			e.phase = Halted
			return fmt.Errorf("%w: %w", ErrGameFault, err)
		}
		return fmt.Errorf("%w: %w", ErrMutationRejected, err)
	}
	return nil
}

// mutate converts a panicking game into a fault.
func (e *Endpoint) mutate(player game.Player, payload []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", game.ErrFault, r)
		}
	}()
	return e.match.Mutate(player, payload)
}

func (e *Endpoint) subkeyOwner(author signature.Address) game.Player {
	switch author {
	case e.subkeys[game.One.Index()]:
		return game.One
	case e.subkeys[game.Two.Index()]:
		return game.Two
	default:
		return game.None
	}
}

// awaiting returns the player whose certification is expected next.
func (e *Endpoint) awaiting() game.Player {
	switch e.phase {
	case AwaitingSubkey1:
		return game.One
	case AwaitingSubkey2:
		return game.Two
	default:
		return game.None
	}
}

func (e *Endpoint) Phase() Phase { return e.phase }

func (e *Endpoint) Root() message.RootPayload { return e.root }

func (e *Endpoint) Match() game.Match { return e.match }

func (e *Endpoint) Len() int { return len(e.log) }

func (e *Endpoint) Tail() *message.Message { return e.log[len(e.log)-1] }

// Log returns a copy of the accepted messages, root first.
func (e *Endpoint) Log() []*message.Message {
	return append([]*message.Message(nil), e.log...)
}

func (e *Endpoint) Account(p game.Player) signature.Address {
	if !p.Valid() {
		return signature.Address{}
	}
	return e.accounts[p.Index()]
}

// Subkey returns the certified subkey of p, if any.
func (e *Endpoint) Subkey(p game.Player) (signature.Address, bool) {
	if !p.Valid() {
		return signature.Address{}, false
	}
	switch {
	case p == game.One && e.phase > AwaitingSubkey1,
		p == game.Two && e.phase > AwaitingSubkey2:
		return e.subkeys[p.Index()], true
	}
	return signature.Address{}, false
}

// Outcome reports the match result when the game exposes one.
func (e *Endpoint) Outcome() (game.Player, bool) {
	if o, ok := e.match.(game.Outcome); ok {
		return o.Outcome()
	}
	return game.None, false
}

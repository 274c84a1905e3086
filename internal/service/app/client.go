package app

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"game_channel/internal/cryptographic/signature"
	"game_channel/internal/game"
	"game_channel/internal/model"
	"game_channel/internal/protocol/channel"
	"game_channel/internal/protocol/message"
	"game_channel/internal/utils/log"
)

const seedSize = 16

type EventKind int

const (
	EventWaiting EventKind = iota
	EventStarted
	EventMoved
	EventRejected
	EventOver
	EventError
)

var ErrNoSession = errors.New("no session yet")

type (
	Event struct {
		Kind   EventKind
		Player game.Player
		Text   string
	}

	ClientConfig struct {
		URL     string
		Account *signature.KeySigner
		// Owner, when set, must have signed the session root.
		Owner   *signature.Address
		Game    string
		Factory game.Factory
		Cache   Cache
		OnEvent func(Event)
	}

	// Client plays one session against the hub: it mirrors the relay log in
	// a channel.Store, certifies its subkey when due and sends moves.
	Client struct {
		url     string
		account *signature.KeySigner
		owner   *signature.Address
		game    string
		factory game.Factory
		cache   Cache
		onEvent func(Event)

		conn    *websocket.Conn
		writeMu sync.Mutex

		mu      sync.Mutex
		session string
		store   *channel.Store
	}
)

func NewClient(cfg ClientConfig) *Client {
	onEvent := cfg.OnEvent
	if onEvent == nil {
		onEvent = func(Event) {}
	}
	return &Client{
		url:     cfg.URL,
		account: cfg.Account,
		owner:   cfg.Owner,
		game:    cfg.Game,
		factory: cfg.Factory,
		cache:   cfg.Cache,
		onEvent: onEvent,
	}
}

func (c *Client) accountKey() string { return c.account.Address().Hex() }

// Connect resumes the cached session if there is one, dials the hub and
// says hello.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.resume(ctx); err != nil {
		log.Warn("resume cached session failed", zap.Error(err))
		c.session, c.store = "", nil
	}

	conn, err := c.initWebhook(ctx)
	if err != nil {
		return err
	}
	c.conn = conn

	seed := make([]byte, seedSize)
	if _, err := rand.Read(seed); err != nil {
		return err
	}

	c.mu.Lock()
	session := c.session
	c.mu.Unlock()
	if session == "" {
		c.onEvent(Event{Kind: EventWaiting, Text: "waiting for an opponent"})
	}
	hello := &model.Frame{
		Kind:    model.KindHello,
		Account: c.accountKey(),
		Game:    c.game,
		Session: session,
		Seed:    seed,
		Time:    time.Now().UnixNano(),
	}
	data, err := model.HelloBytes(hello)
	if err != nil {
		return err
	}
	if hello.Signature, err = signature.Sign(ctx, data, c.account); err != nil {
		return fmt.Errorf("sign hello: %w", err)
	}
	return c.writeFrame(hello)
}

func (c *Client) resume(ctx context.Context) error {
	session, err := c.cache.LoadCurrent(ctx, c.accountKey(), c.game)
	if err != nil || session == "" {
		return err
	}
	entries, err := c.cache.LoadLog(ctx, session, c.accountKey())
	if err != nil || len(entries) == 0 {
		return err
	}

	store, err := c.newStore(entries[0])
	if err != nil {
		return err
	}
	for i, b := range entries[1:] {
		if _, err := store.Receive(b); err != nil {
			return fmt.Errorf("cached message %d: %w", i+1, err)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.session, c.store = session, store
	// the cache may miss frames that arrived just before the last exit
	if n, err := c.resync(ctx); err != nil {
		log.Warn("resync from hub failed", zap.String("session", session), zap.Error(err))
	} else if n > 0 {
		log.Info("caught up from hub", zap.String("session", session), zap.Int("messages", n))
	}
	c.onEvent(Event{Kind: EventStarted, Player: store.Player(), Text: "resumed session " + session})
	return nil
}

func (c *Client) newStore(root []byte) (*channel.Store, error) {
	return channel.NewStore(channel.StoreConfig{
		Factory: c.factory,
		Root:    root,
		Owner:   c.owner,
		Account: c.account,
		Sink: channel.SinkFunc(func(_ game.Player, msg *message.Message) {
			if err := c.writeFrame(&model.Frame{
				Kind:    model.KindMessage,
				Session: c.session,
				Message: msg.Encoding(),
			}); err != nil {
				log.Error("send message failed", zap.Error(err))
			}
		}),
	})
}

// Listen reads frames until the connection closes.
func (c *Client) Listen(ctx context.Context) error {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			log.Debug("worker web socket closed", zap.Error(err))
			return err
		}

		frame, err := model.DecodeFrame(data)
		if err != nil {
			log.Error("decode frame failed", zap.Error(err))
			continue
		}
		c.handle(ctx, frame)
	}
}

func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func (c *Client) handle(ctx context.Context, frame *model.Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch frame.Kind {
	case model.KindRoot:
		if c.store != nil && frame.Session == c.session {
			return
		}
		store, err := c.newStore(frame.Message)
		if err != nil {
			log.Error("refused session root", zap.String("session", frame.Session), zap.Error(err))
			c.onEvent(Event{Kind: EventError, Text: err.Error()})
			return
		}
		c.session, c.store = frame.Session, store
		if err := c.cache.SaveCurrent(ctx, c.accountKey(), c.game, c.session); err != nil {
			log.Error("cache session failed", zap.Error(err))
		}
		c.persist(ctx)
		c.onEvent(Event{Kind: EventStarted, Player: store.Player(), Text: "session " + c.session})

	case model.KindMessage:
		if c.store == nil || frame.Session != c.session {
			log.Debug("message for another session", zap.String("session", frame.Session))
			return
		}
		acc, err := c.store.Receive(frame.Message)
		if errors.Is(err, channel.ErrChainMismatch) {
			if c.seen(frame.Message) {
				return
			}
			// frames were lost between the hub and the cache
			if n, rerr := c.resync(ctx); rerr != nil {
				log.Warn("resync from hub failed", zap.String("session", c.session), zap.Error(rerr))
			} else {
				log.Info("caught up from hub", zap.String("session", c.session), zap.Int("messages", n))
				if c.seen(frame.Message) {
					c.onEvent(Event{Kind: EventMoved, Player: c.lastPlayer()})
					break
				}
				acc, err = c.store.Receive(frame.Message)
			}
		}
		if err != nil {
			log.Error("relayed message rejected", zap.String("session", c.session), zap.Error(err))
			c.onEvent(Event{Kind: EventError, Text: err.Error()})
			return
		}
		c.persist(ctx)
		if acc.Index > 2 {
			c.onEvent(Event{Kind: EventMoved, Player: acc.Player})
		}

	case model.KindReject:
		c.onEvent(Event{Kind: EventRejected, Text: frame.Error})
		return

	default:
		return
	}

	c.certifyIfDue(ctx)
	c.checkOver(ctx)
}

// resync appends the messages the hub archived beyond the local log and
// returns how many there were.
func (c *Client) resync(ctx context.Context) (int, error) {
	archived, err := FetchTranscript(ctx, c.url, c.session)
	if err != nil {
		return 0, err
	}

	local := c.store.Log()
	if len(archived.Messages) < len(local) {
		return 0, fmt.Errorf("archive holds %d messages, local log %d", len(archived.Messages), len(local))
	}
	for i, m := range local {
		if !bytes.Equal(archived.Messages[i], m.Encoding()) {
			return 0, fmt.Errorf("archive differs from local log at message %d", i)
		}
	}
	for i, b := range archived.Messages[len(local):] {
		if _, err := c.store.Receive(b); err != nil {
			return i, fmt.Errorf("archived message %d: %w", len(local)+i, err)
		}
	}
	c.persist(ctx)
	return len(archived.Messages) - len(local), nil
}

// lastPlayer is the author slot of the newest message, if it is a move.
func (c *Client) lastPlayer() game.Player {
	tail := c.store.Tail()
	for _, p := range []game.Player{game.One, game.Two} {
		if sub, ok := c.store.Subkey(p); ok && sub == tail.Author() {
			return p
		}
	}
	return game.None
}

// seen reports whether b is already in the log, as when the hub replays a
// queued frame that was also delivered.
func (c *Client) seen(b []byte) bool {
	msg, err := message.FromBytes(b)
	if err != nil {
		return false
	}
	for _, m := range c.store.Log() {
		if m.Hash() == msg.Hash() {
			return true
		}
	}
	return false
}

func (c *Client) certifyIfDue(ctx context.Context) {
	if c.store == nil || !c.store.NeedsCertify() {
		return
	}
	if _, err := c.store.Certify(ctx); err != nil {
		log.Error("certify subkey failed", zap.Error(err))
		c.onEvent(Event{Kind: EventError, Text: err.Error()})
		return
	}
	c.persist(ctx)
}

func (c *Client) checkOver(ctx context.Context) {
	if c.store == nil {
		return
	}
	winner, over := c.store.Outcome()
	if !over {
		return
	}
	if err := c.cache.ClearCurrent(ctx, c.accountKey(), c.game); err != nil {
		log.Error("clear cached session failed", zap.Error(err))
	}
	c.onEvent(Event{Kind: EventOver, Player: winner})
}

func (c *Client) persist(ctx context.Context) {
	entries := c.store.Log()
	raw := make([][]byte, len(entries))
	for i, m := range entries {
		raw[i] = m.Encoding()
	}
	if err := c.cache.SaveLog(ctx, c.session, c.accountKey(), raw); err != nil {
		log.Error("cache log failed", zap.String("session", c.session), zap.Error(err))
	}
}

// Play parses text as a move, applies it locally and sends it.
func (c *Client) Play(ctx context.Context, text string) error {
	payload, err := ParseMove(c.game, text)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.store == nil {
		return ErrNoSession
	}
	if _, err := c.store.Dispatch(ctx, payload); err != nil {
		return err
	}
	c.persist(ctx)
	c.onEvent(Event{Kind: EventMoved, Player: c.store.Player()})
	c.checkOver(ctx)
	return nil
}

// Status renders the board and whose turn it is.
func (c *Client) Status() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.store == nil {
		return "no session"
	}

	var b strings.Builder
	if s, ok := c.store.Match().(fmt.Stringer); ok {
		b.WriteString(s.String())
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "you are %s, phase %s", c.store.Player(), c.store.Phase())
	if winner, over := c.store.Outcome(); over {
		if winner == game.None {
			b.WriteString(", draw")
		} else {
			fmt.Fprintf(&b, ", %s won", winner)
		}
	} else if t, ok := c.store.Match().(game.Turn); ok && c.store.Phase() == channel.Active {
		if t.NextPlayer() == c.store.Player() {
			b.WriteString(", your move")
		} else {
			b.WriteString(", waiting for opponent")
		}
	}
	return b.String()
}

func (c *Client) Session() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *Client) Phase() channel.Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.store == nil {
		return channel.Bootstrapping
	}
	return c.store.Phase()
}

func (c *Client) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.store == nil {
		return 0
	}
	return c.store.Len()
}

func (c *Client) Player() game.Player {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.store == nil {
		return game.None
	}
	return c.store.Player()
}

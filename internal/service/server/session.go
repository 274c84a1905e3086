package server

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"game_channel/internal/cryptographic/signature"
	"game_channel/internal/game"
	"game_channel/internal/model"
	"game_channel/internal/protocol/channel"
	"game_channel/internal/protocol/message"
	"game_channel/internal/utils/log"
)

const matchSeedSize = 32

var (
	errUnknownSession  = errors.New("unknown session")
	errSessionFinished = errors.New("session finished")
	errSessionFailed   = errors.New("session failed")
	errArchive         = errors.New("archive unavailable")
)

type session struct {
	id       string
	game     string
	accounts [2]signature.Address

	mu       sync.Mutex
	server   *channel.Server
	finished bool
	// failed is set once the archive missed an accepted message.
	failed   bool
	// outbox holds what the server relayed until the message is archived.
	outbox   []outbound
}

type outbound struct {
	to    signature.Address
	frame *model.Frame
}

func (sess *session) player(account signature.Address) game.Player {
	switch account {
	case sess.accounts[0]:
		return game.One
	case sess.accounts[1]:
		return game.Two
	default:
		return game.None
	}
}

// join parks p in the lobby of its game, or pairs it with the account
// already waiting there.
func (s *HttpServer) join(p *peer, hello *model.Frame) error {
	s.mu.Lock()
	w, ok := s.lobby[hello.Game]
	if !ok || w.peer.account == p.account {
		s.lobby[hello.Game] = &waiting{peer: p, seed: hello.Seed}
		s.mu.Unlock()
		log.Info("waiting for opponent", zap.Stringer("account", p.account), zap.String("game", hello.Game))
		return nil
	}
	delete(s.lobby, hello.Game)
	s.mu.Unlock()

	err := s.openSession(hello.Game, w, &waiting{peer: p, seed: hello.Seed})
	if err != nil {
		w.peer.reject(&model.Frame{Kind: model.KindHello, Game: hello.Game}, err)
	}
	return err
}

func (s *HttpServer) openSession(name string, first, second *waiting) error {
	factory, err := s.games.Lookup(name)
	if err != nil {
		return err
	}

	matchSeed := make([]byte, matchSeedSize)
	if _, err := rand.Read(matchSeed); err != nil {
		return err
	}

	id := uuid.New()
	sess := &session{
		id:       id.String(),
		game:     name,
		accounts: [2]signature.Address{first.peer.account, second.peer.account},
	}

	// hold the session until the root is archived
	sess.mu.Lock()
	defer sess.mu.Unlock()
	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	sess.server, err = channel.NewServer(ctx, channel.ServerConfig{
		Factory:   factory,
		Owner:     s.owner,
		Account1:  sess.accounts[0].Bytes(),
		Account2:  sess.accounts[1].Bytes(),
		MatchSeed: matchSeed,
		Seed1:     first.seed,
		Seed2:     second.seed,
		Reserved:  id,
		Sink:      s.sink(sess),
	})
	if err != nil {
		s.mu.Lock()
		delete(s.sessions, sess.id)
		s.mu.Unlock()
		return err
	}

	root := sess.server.Tail()
	err = s.archive.Create(ctx, &model.Session{
		ID:       sess.id,
		Game:     name,
		Owner:    s.owner.Address().Hex(),
		Accounts: []string{sess.accounts[0].Hex(), sess.accounts[1].Hex()},
		Messages: [][]byte{root.Encoding()},
	})
	if err != nil {
		// the roots never leave the outbox
		sess.failed = true
		sess.outbox = nil
		s.mu.Lock()
		delete(s.sessions, sess.id)
		s.mu.Unlock()
		log.Error("archive session failed", zap.String("session", sess.id), zap.Error(err))
		return fmt.Errorf("%w: %w", errArchive, err)
	}
	s.metrics.SessionOpened()
	s.flush(sess)
	s.publish(sess, channel.Accepted{Message: root, Player: game.None, Index: 0})

	log.Info("session opened",
		zap.String("session", sess.id),
		zap.String("game", name),
		zap.Stringer("player1", sess.accounts[0]),
		zap.Stringer("player2", sess.accounts[1]),
	)
	return nil
}

// sink collects what a session relays in its outbox. Called with sess.mu
// held.
func (s *HttpServer) sink(sess *session) channel.Sink {
	return channel.SinkFunc(func(to game.Player, msg *message.Message) {
		kind := model.KindMessage
		if msg.Parent() == message.RootParent {
			kind = model.KindRoot
		}
		sess.outbox = append(sess.outbox, outbound{
			to: sess.accounts[to.Index()],
			frame: &model.Frame{
				Kind:    kind,
				Session: sess.id,
				Game:    sess.game,
				Player:  uint8(to),
				Message: msg.Encoding(),
			},
		})
	})
}

// flush sends the outbox to the connections or queues of its recipients.
// Called with sess.mu held.
func (s *HttpServer) flush(sess *session) {
	for _, o := range sess.outbox {
		s.deliver(o.to, o.frame)
	}
	sess.outbox = nil
}

// fail stops sess after its archived log fell behind the relay. Called with
// sess.mu held.
func (s *HttpServer) fail(ctx context.Context, sess *session, cause error) {
	sess.failed = true
	sess.outbox = nil
	s.metrics.SessionFailed()
	log.Error("session failed", zap.String("session", sess.id), zap.Error(cause))
	if err := s.archive.Fail(ctx, sess.id); err != nil {
		log.Error("archive fail mark failed", zap.String("session", sess.id), zap.Error(err))
	}
}

// lookup finds a live session, restoring it from the archive if the hub
// restarted since it was opened.
func (s *HttpServer) lookup(ctx context.Context, id string) (*session, error) {
	s.mu.Lock()
	sess := s.sessions[id]
	s.mu.Unlock()
	if sess != nil {
		return sess, nil
	}

	doc, err := s.archive.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, errUnknownSession
	}
	if doc.Finished {
		return nil, errSessionFinished
	}
	if doc.Failed {
		return nil, errSessionFailed
	}

	factory, err := s.games.Lookup(doc.Game)
	if err != nil {
		return nil, err
	}
	sess = &session{id: doc.ID, game: doc.Game}
	if len(doc.Accounts) != 2 {
		return nil, fmt.Errorf("archived session %s has %d accounts", doc.ID, len(doc.Accounts))
	}
	for i, a := range doc.Accounts {
		if sess.accounts[i], err = signature.ParseAddress(a); err != nil {
			return nil, err
		}
	}
	sess.server, err = channel.RestoreServer(doc.Messages, s.owner.Address(), factory, s.sink(sess))
	if err != nil {
		return nil, fmt.Errorf("restore session %s: %w", doc.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing := s.sessions[id]; existing != nil {
		return existing, nil
	}
	s.sessions[id] = sess
	s.metrics.SessionRestored()
	log.Info("session restored", zap.String("session", id), zap.Int("messages", sess.server.Len()))
	return sess, nil
}

func (s *HttpServer) receive(p *peer, frame *model.Frame) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	sess, err := s.lookup(ctx, frame.Session)
	if err != nil {
		s.metrics.MessageRejected("unknown_session")
		p.reject(frame, err)
		return
	}
	if sess.player(p.account) == game.None {
		s.metrics.MessageRejected(channel.Reason(channel.ErrNotParticipant))
		p.reject(frame, channel.ErrNotParticipant)
		return
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.server == nil {
		p.reject(frame, errUnknownSession)
		return
	}
	if sess.finished {
		p.reject(frame, errSessionFinished)
		return
	}
	if sess.failed {
		p.reject(frame, errSessionFailed)
		return
	}

	phase := sess.server.Phase()
	acc, err := sess.server.Receive(frame.Message)
	if errors.Is(err, channel.ErrGameFault) {
		log.Error("session halted", zap.String("session", sess.id), zap.Error(err))
	}
	if err != nil {
		log.Debug("message rejected",
			zap.String("session", sess.id),
			zap.Stringer("account", p.account),
			zap.Error(err),
		)
		s.metrics.MessageRejected(channel.Reason(err))
		p.reject(frame, err)
		return
	}
	s.metrics.MessageAccepted(phase.String())

	// nothing is relayed that the archive does not hold
	if err := s.archive.Append(ctx, sess.id, acc.Index, acc.Message.Encoding()); err != nil {
		s.fail(ctx, sess, fmt.Errorf("append message %d: %w", acc.Index, err))
		p.reject(frame, errSessionFailed)
		other := sess.accounts[acc.Player.Other().Index()]
		s.deliver(other, rejectFrame(&model.Frame{Session: sess.id}, errSessionFailed))
		return
	}
	s.flush(sess)
	s.publish(sess, acc)

	if winner, over := sess.server.Outcome(); over {
		s.finish(ctx, sess, winner)
	}
}

// finish marks sess concluded and drops it from memory. Called with sess.mu
// held.
func (s *HttpServer) finish(ctx context.Context, sess *session, winner game.Player) {
	sess.finished = true
	s.metrics.SessionFinished()
	if err := s.archive.Finish(ctx, sess.id, uint8(winner)); err != nil {
		log.Error("archive finish failed", zap.String("session", sess.id), zap.Error(err))
	}

	s.mu.Lock()
	delete(s.sessions, sess.id)
	s.mu.Unlock()
	s.metrics.SessionEvicted()

	log.Info("session finished", zap.String("session", sess.id), zap.Stringer("winner", winner))
}

func (s *HttpServer) publish(sess *session, acc channel.Accepted) {
	if s.feed == nil {
		return
	}
	err := s.feed.Accepted(&model.Record{
		Session: sess.id,
		Index:   acc.Index,
		Player:  uint8(acc.Player),
		Author:  acc.Message.Author().Hex(),
		Hash:    acc.Message.Hash().Hex(),
		Message: acc.Message.Encoding(),
	})
	if err != nil {
		log.Warn("publish record failed", zap.String("session", sess.id), zap.Error(err))
	}
}

func rejectFrame(frame *model.Frame, err error) *model.Frame {
	reason := channel.Reason(err)
	switch {
	case errors.Is(err, errUnknownSession):
		reason = "unknown_session"
	case errors.Is(err, errSessionFinished):
		reason = "session_finished"
	case errors.Is(err, errSessionFailed):
		reason = "session_failed"
	case errors.Is(err, errArchive):
		reason = "archive_failed"
	case errors.Is(err, errDuplicateAccount):
		reason = "duplicate_account"
	case errors.Is(err, errUnauthenticated):
		reason = "unauthenticated"
	case errors.Is(err, errStaleHello):
		reason = "stale_hello"
	}
	return &model.Frame{
		Kind:    model.KindReject,
		Session: frame.Session,
		Message: frame.Message,
		Error:   err.Error(),
		Reason:  reason,
	}
}

package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"game_channel/internal/cryptographic/signature"
	"game_channel/internal/game"
	"game_channel/internal/game/games"
	"game_channel/internal/game/ttt"
	"game_channel/internal/model"
	"game_channel/internal/protocol/channel"
	"game_channel/internal/protocol/message"
)

type (
	memQueue struct {
		mu     sync.Mutex
		frames map[string][][]byte
	}

	memArchive struct {
		mu       sync.Mutex
		sessions map[string]*model.Session
		// failing makes Create and Append return an error
		failing bool
	}

	memFeed struct {
		mu      sync.Mutex
		records []*model.Record
	}
)

func newMemQueue() *memQueue { return &memQueue{frames: make(map[string][][]byte)} }

func (q *memQueue) Push(_ context.Context, account string, frame []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.frames[account] = append(q.frames[account], frame)
	return nil
}

func (q *memQueue) Drain(_ context.Context, account string) ([][]byte, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	frames := q.frames[account]
	delete(q.frames, account)
	return frames, nil
}

func (q *memQueue) len(account string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames[account])
}

func newMemArchive() *memArchive { return &memArchive{sessions: make(map[string]*model.Session)} }

func (a *memArchive) setFailing(failing bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failing = failing
}

func (a *memArchive) Create(_ context.Context, s *model.Session) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failing {
		return assert.AnError
	}
	c := *s
	a.sessions[s.ID] = &c
	return nil
}

func (a *memArchive) Append(_ context.Context, id string, index int, encoding []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.sessions[id]
	if a.failing || !ok || len(s.Messages) != index {
		return assert.AnError
	}
	s.Messages = append(s.Messages, encoding)
	return nil
}

func (a *memArchive) Fail(_ context.Context, id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sessions[id].Failed = true
	return nil
}

func (a *memArchive) Finish(_ context.Context, id string, winner uint8) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sessions[id].Finished = true
	a.sessions[id].Winner = winner
	return nil
}

func (a *memArchive) GetByID(_ context.Context, id string) (*model.Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.sessions[id]
	if !ok {
		return nil, nil
	}
	c := *s
	c.Messages = append([][]byte(nil), s.Messages...)
	return &c, nil
}

func (f *memFeed) Accepted(rec *model.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, rec)
	return nil
}

func (f *memFeed) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

type hubFixture struct {
	owner   *signature.KeySigner
	queue   *memQueue
	archive *memArchive
	feed    *memFeed
	hub     *HttpServer
	ts      *httptest.Server
}

func newHub(t *testing.T) *hubFixture {
	owner, err := signature.GenerateKeySigner()
	require.NoError(t, err)
	f := &hubFixture{owner: owner, queue: newMemQueue(), archive: newMemArchive(), feed: &memFeed{}}
	f.start(t)
	return f
}

// start serves a fresh hub over the fixture's owner and stores.
func (f *hubFixture) start(t *testing.T) {
	f.hub = NewHttpServer(Config{
		Owner:   f.owner,
		Games:   games.Registry(),
		Queue:   f.queue,
		Archive: f.archive,
		Feed:    f.feed,
	})
	f.ts = httptest.NewServer(f.hub.Handler())
	t.Cleanup(f.ts.Close)
}

func (f *hubFixture) waiting(name string) bool {
	f.hub.mu.Lock()
	defer f.hub.mu.Unlock()
	_, ok := f.hub.lobby[name]
	return ok
}

type testPeer struct {
	t       *testing.T
	f       *hubFixture
	account *signature.KeySigner
	conn    *websocket.Conn
	session string
	store   *channel.Store

	lastHello *model.Frame
}

func newPeer(t *testing.T, f *hubFixture) *testPeer {
	account, err := signature.GenerateKeySigner()
	require.NoError(t, err)
	return &testPeer{t: t, f: f, account: account}
}

func (p *testPeer) dial() {
	url := "ws" + strings.TrimPrefix(p.f.ts.URL, "http") + "/session"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(p.t, err)
	p.conn = conn
	p.t.Cleanup(func() { conn.Close() })
}

func (p *testPeer) send(frame *model.Frame) {
	b, err := model.EncodeFrame(frame)
	require.NoError(p.t, err)
	require.NoError(p.t, p.conn.WriteMessage(websocket.BinaryMessage, b))
}

func (p *testPeer) read() *model.Frame {
	p.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, b, err := p.conn.ReadMessage()
	require.NoError(p.t, err)
	frame, err := model.DecodeFrame(b)
	require.NoError(p.t, err)
	return frame
}

// signedHello builds a hello for account signed by signer.
func signedHello(t *testing.T, account signature.Address, signer signature.Signer, name, session string) *model.Frame {
	hello := &model.Frame{
		Kind:    model.KindHello,
		Account: account.Hex(),
		Game:    name,
		Session: session,
		Seed:    []byte("seed " + account.Hex()),
		Time:    time.Now().UnixNano(),
	}
	signHello(t, hello, signer)
	return hello
}

func signHello(t *testing.T, hello *model.Frame, signer signature.Signer) {
	data, err := model.HelloBytes(hello)
	require.NoError(t, err)
	hello.Signature, err = signature.Sign(context.Background(), data, signer)
	require.NoError(t, err)
}

func (p *testPeer) hello(name, session string) {
	p.dial()
	p.lastHello = signedHello(p.t, p.account.Address(), p.account, name, session)
	p.send(p.lastHello)
}

func (p *testPeer) openStore() {
	frame := p.read()
	require.Equal(p.t, model.KindRoot, frame.Kind)
	owner := p.f.owner.Address()
	store, err := channel.NewStore(channel.StoreConfig{
		Factory: ttt.New,
		Root:    frame.Message,
		Owner:   &owner,
		Account: p.account,
		Sink: channel.SinkFunc(func(_ game.Player, msg *message.Message) {
			p.send(&model.Frame{Kind: model.KindMessage, Session: p.session, Message: msg.Encoding()})
		}),
	})
	require.NoError(p.t, err)
	require.Equal(p.t, game.Player(frame.Player), store.Player())
	p.session = frame.Session
	p.store = store
}

func (p *testPeer) expectMessage() {
	frame := p.read()
	require.Equal(p.t, model.KindMessage, frame.Kind, frame.Error)
	_, err := p.store.Receive(frame.Message)
	require.NoError(p.t, err)
}

func (p *testPeer) expectReject(reason string) *model.Frame {
	frame := p.read()
	require.Equal(p.t, model.KindReject, frame.Kind)
	assert.Equal(p.t, reason, frame.Reason, frame.Error)
	return frame
}

// pair connects two peers to a ttt session; the first one is player one.
func pair(t *testing.T, f *hubFixture) (*testPeer, *testPeer) {
	a, b := newPeer(t, f), newPeer(t, f)
	a.hello("ttt", "")
	require.Eventually(t, func() bool { return f.waiting("ttt") }, 5*time.Second, 10*time.Millisecond)
	b.hello("ttt", "")

	a.openStore()
	b.openStore()
	require.Equal(t, a.session, b.session)
	require.Equal(t, game.One, a.store.Player())
	return a, b
}

func certify(t *testing.T, a, b *testPeer) {
	_, err := a.store.Certify(context.Background())
	require.NoError(t, err)
	b.expectMessage()
	_, err = b.store.Certify(context.Background())
	require.NoError(t, err)
	a.expectMessage()
}

func move(t *testing.T, from, to *testPeer, row, column int) {
	_, err := from.store.Dispatch(context.Background(), ttt.Move(row, column))
	require.NoError(t, err)
	to.expectMessage()
}

func TestHubPlaysGame(t *testing.T) {
	f := newHub(t)
	a, b := pair(t, f)

	root, err := message.FromBytes(a.store.Log()[0].Encoding())
	require.NoError(t, err)
	payload, err := message.DecodeRoot(root.Data())
	require.NoError(t, err)
	assert.Equal(t, a.session, uuid.UUID(payload.Reserved).String())
	assert.Equal(t, []byte("seed "+a.account.Address().Hex()), payload.Seed1)
	assert.Len(t, payload.MatchSeed, matchSeedSize)

	certify(t, a, b)
	move(t, a, b, 0, 0)
	move(t, b, a, 1, 0)
	move(t, a, b, 0, 1)
	move(t, b, a, 1, 1)
	move(t, a, b, 0, 2)

	winner, over := b.store.Outcome()
	require.True(t, over)
	assert.Equal(t, game.One, winner)
	assert.Equal(t, a.store.Len(), b.store.Len())

	require.Eventually(t, func() bool {
		s, _ := f.archive.GetByID(context.Background(), a.session)
		return s != nil && s.Finished
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 8, f.feed.len())

	resp, err := http.Get(f.ts.URL + "/sessions/" + a.session + "?verify")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body transcriptResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ttt", body.Game)
	assert.True(t, body.Finished)
	assert.EqualValues(t, game.One, body.Winner)
	assert.Len(t, body.Messages, 8)
	require.NotNil(t, body.Verified)
	assert.True(t, *body.Verified, body.VerifyError)

	mresp, err := http.Get(f.ts.URL + "/metrics")
	require.NoError(t, err)
	defer mresp.Body.Close()
	text, err := io.ReadAll(mresp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(text), "relay_sessions_opened_total 1")
	assert.Contains(t, string(text), "relay_sessions_finished_total 1")

	// the session is gone from memory and further moves are refused
	a.send(&model.Frame{Kind: model.KindMessage, Session: a.session, Message: a.store.Tail().Encoding()})
	a.expectReject("session_finished")
}

func TestHubRejects(t *testing.T) {
	f := newHub(t)
	a, b := pair(t, f)

	a.send(&model.Frame{Kind: model.KindMessage, Session: a.session, Message: []byte{1, 2, 3}})
	a.expectReject("malformed_message")

	stale, err := message.New(context.Background(), message.RootParent, a.store.SubkeyAddress().Bytes(), a.account)
	require.NoError(t, err)
	a.send(&model.Frame{Kind: model.KindMessage, Session: a.session, Message: stale.Encoding()})
	a.expectReject("chain_mismatch")

	// player two certifying first is refused by the endpoint
	early, err := message.New(context.Background(), b.store.Tail().Hash(), b.store.SubkeyAddress().Bytes(), b.account)
	require.NoError(t, err)
	b.send(&model.Frame{Kind: model.KindMessage, Session: b.session, Message: early.Encoding()})
	rej := b.expectReject("unauthorized_author")
	assert.Equal(t, early.Encoding(), rej.Message)

	a.send(&model.Frame{Kind: model.KindMessage, Session: "nope", Message: stale.Encoding()})
	a.expectReject("unknown_session")

	a.send(&model.Frame{Kind: model.KindHello})
	a.expectReject("other")

	c := newPeer(t, f)
	c.hello("ttt", "")
	c.send(&model.Frame{Kind: model.KindMessage, Session: a.session, Message: stale.Encoding()})
	c.expectReject("not_participant")

	dup := &testPeer{t: t, f: f, account: a.account}
	dup.hello("ttt", "")
	dup.expectReject("duplicate_account")

	// nothing above reached the log
	certify(t, a, b)
	assert.Equal(t, 3, a.store.Len())
}

func TestHubQueuesForOfflineAccount(t *testing.T) {
	f := newHub(t)
	a, b := pair(t, f)

	require.NoError(t, b.conn.Close())
	require.Eventually(t, func() bool { return !f.hub.Connected(b.account.Address()) }, 5*time.Second, 10*time.Millisecond)

	_, err := a.store.Certify(context.Background())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.queue.len(b.account.Address().Hex()) == 1 }, 5*time.Second, 10*time.Millisecond)

	b.hello("", b.session)
	b.expectMessage()
	assert.Zero(t, f.queue.len(b.account.Address().Hex()))

	_, err = b.store.Certify(context.Background())
	require.NoError(t, err)
	a.expectMessage()
	assert.Equal(t, channel.Active, a.store.Phase())
}

func TestHubAuthenticatesHello(t *testing.T) {
	f := newHub(t)
	a, b := pair(t, f)
	replay := b.lastHello

	require.NoError(t, b.conn.Close())
	require.Eventually(t, func() bool { return !f.hub.Connected(b.account.Address()) }, 5*time.Second, 10*time.Millisecond)
	_, err := a.store.Certify(context.Background())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.queue.len(b.account.Address().Hex()) == 1 }, 5*time.Second, 10*time.Millisecond)

	stranger, err := signature.GenerateKeySigner()
	require.NoError(t, err)
	unsigned := signedHello(t, b.account.Address(), stranger, "", b.session)
	unsigned.Signature = nil
	expired := signedHello(t, b.account.Address(), b.account, "", b.session)
	expired.Time = time.Now().Add(-time.Hour).UnixNano()
	signHello(t, expired, b.account)

	for _, tc := range []struct {
		name   string
		hello  *model.Frame
		reason string
	}{
		{"signed by another key", signedHello(t, b.account.Address(), stranger, "", b.session), "unauthenticated"},
		{"unsigned", unsigned, "unauthenticated"},
		{"expired", expired, "stale_hello"},
		{"replayed", replay, "stale_hello"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			impostor := &testPeer{t: t, f: f, account: stranger}
			impostor.dial()
			impostor.send(tc.hello)
			impostor.expectReject(tc.reason)
			assert.False(t, f.hub.Connected(b.account.Address()))
			assert.Equal(t, 1, f.queue.len(b.account.Address().Hex()))
		})
	}

	// the owner of the account still gets its queued frame
	b.hello("", b.session)
	b.expectMessage()
	assert.Zero(t, f.queue.len(b.account.Address().Hex()))
}

func TestHubStopsSessionWhenArchiveFails(t *testing.T) {
	f := newHub(t)
	a, b := pair(t, f)
	certify(t, a, b)

	f.archive.setFailing(true)
	_, err := a.store.Dispatch(context.Background(), ttt.Move(1, 1))
	require.NoError(t, err)
	a.expectReject("session_failed")
	// the move was never relayed
	b.expectReject("session_failed")
	f.archive.setFailing(false)

	doc, err := f.archive.GetByID(context.Background(), a.session)
	require.NoError(t, err)
	assert.True(t, doc.Failed)
	assert.Len(t, doc.Messages, 3)

	a.send(&model.Frame{Kind: model.KindMessage, Session: a.session, Message: a.store.Tail().Encoding()})
	a.expectReject("session_failed")

	// a restarted hub does not bring the session back from its short log
	f.ts.Close()
	f.start(t)
	a.hello("", a.session)
	require.Eventually(t, func() bool { return f.hub.Connected(a.account.Address()) }, 5*time.Second, 10*time.Millisecond)
	a.send(&model.Frame{Kind: model.KindMessage, Session: a.session, Message: a.store.Tail().Encoding()})
	a.expectReject("session_failed")

	resp, err := http.Get(f.ts.URL + "/sessions/" + a.session)
	require.NoError(t, err)
	defer resp.Body.Close()
	var body transcriptResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.True(t, body.Failed)
}

func TestHubRefusesSessionItCannotArchive(t *testing.T) {
	f := newHub(t)
	f.archive.setFailing(true)

	a, b := newPeer(t, f), newPeer(t, f)
	a.hello("ttt", "")
	require.Eventually(t, func() bool { return f.waiting("ttt") }, 5*time.Second, 10*time.Millisecond)
	b.hello("ttt", "")

	a.expectReject("archive_failed")
	b.expectReject("archive_failed")

	f.hub.mu.Lock()
	defer f.hub.mu.Unlock()
	assert.Empty(t, f.hub.sessions)
}

func TestHubRestoresSession(t *testing.T) {
	f := newHub(t)
	a, b := pair(t, f)
	certify(t, a, b)
	move(t, a, b, 1, 1)

	require.Eventually(t, func() bool {
		s, _ := f.archive.GetByID(context.Background(), a.session)
		return s != nil && len(s.Messages) == 4
	}, 5*time.Second, 10*time.Millisecond)

	// a new hub process with the same key and archive
	f.ts.Close()
	f.start(t)
	a.hello("", a.session)
	b.hello("", b.session)
	require.Eventually(t, func() bool {
		return f.hub.Connected(a.account.Address()) && f.hub.Connected(b.account.Address())
	}, 5*time.Second, 10*time.Millisecond)

	move(t, b, a, 0, 0)
	move(t, a, b, 2, 2)
	assert.Equal(t, 6, b.store.Len())
}

func TestTranscriptNotFound(t *testing.T) {
	f := newHub(t)
	resp, err := http.Get(f.ts.URL + "/sessions/missing")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRejectFrame(t *testing.T) {
	frame := rejectFrame(&model.Frame{Session: "s", Message: []byte{1}}, channel.ErrHalted)
	assert.Equal(t, model.KindReject, frame.Kind)
	assert.Equal(t, "halted", frame.Reason)
	assert.Equal(t, "s", frame.Session)
	assert.Equal(t, []byte{1}, frame.Message)
}

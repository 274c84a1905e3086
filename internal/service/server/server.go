package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"game_channel/internal/cryptographic/signature"
	"game_channel/internal/game"
	"game_channel/internal/metrics"
	"game_channel/internal/model"
	"game_channel/internal/transcript"
	"game_channel/internal/utils/log"
)

const (
	writeTimeout = 10 * time.Second
	storeTimeout = 5 * time.Second
	helloTimeout = 30 * time.Second
	// helloSkew bounds the distance between a hello's time and the hub clock.
	helloSkew    = 2 * time.Minute
	maxFrameSize = 2 << 20
	maxSeedSize  = 256
)

type (
	// Queue holds frames for accounts that are not connected.
	Queue interface {
		Push(ctx context.Context, account string, frame []byte) error
		Drain(ctx context.Context, account string) ([][]byte, error)
	}

	Archive interface {
		Create(ctx context.Context, s *model.Session) error
		Append(ctx context.Context, id string, index int, encoding []byte) error
		Finish(ctx context.Context, id string, winner uint8) error
		Fail(ctx context.Context, id string) error
		GetByID(ctx context.Context, id string) (*model.Session, error)
	}

	Feed interface {
		Accepted(rec *model.Record) error
	}

	Config struct {
		Owner   signature.Signer
		Games   game.Registry
		Queue   Queue
		Archive Archive
		// Feed is optional.
		Feed Feed
		// Registry defaults to a fresh registry.
		Registry *prometheus.Registry
	}

	HttpServer struct {
		owner    signature.Signer
		games    game.Registry
		queue    Queue
		archive  Archive
		feed     Feed
		metrics  *metrics.RelayCollector
		gatherer prometheus.Gatherer

		mu       sync.Mutex
		peers    map[string]*peer
		lobby    map[string]*waiting
		sessions map[string]*session
		// newest accepted hello time per account
		hellos   map[string]int64
	}

	peer struct {
		account signature.Address
		conn    *websocket.Conn
		mu      sync.Mutex
	}

	waiting struct {
		peer *peer
		seed []byte
	}
)

func NewHttpServer(cfg Config) *HttpServer {
	reg := cfg.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	return &HttpServer{
		owner:    cfg.Owner,
		games:    cfg.Games,
		queue:    cfg.Queue,
		archive:  cfg.Archive,
		feed:     cfg.Feed,
		metrics:  metrics.NewRelayCollector(reg),
		gatherer: reg,
		peers:    make(map[string]*peer),
		lobby:    make(map[string]*waiting),
		sessions: make(map[string]*session),
		hellos:   make(map[string]int64),
	}
}

func (s *HttpServer) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/session", s.HandleSessionWS()).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{id}", s.GetSessionTranscript()).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	return r
}

// Run serves until ctx is cancelled.
func (s *HttpServer) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("http shutdown failed", zap.Error(err))
		}
		s.closePeers()
	}()

	log.Info("relay listening", zap.String("addr", addr), zap.Stringer("owner", s.owner.Address()))
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HttpServer) HandleSessionWS() http.HandlerFunc {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}

	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Debug("websocket upgrade failed", zap.Error(err))
			return
		}
		conn.SetReadLimit(maxFrameSize)
		go s.processWSMessage(conn)
	}
}

// Connected reports whether account has a live connection.
func (s *HttpServer) Connected(account signature.Address) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.peers[account.Hex()]
	return ok
}

func (s *HttpServer) processWSMessage(conn *websocket.Conn) {
	p, hello, err := s.handshake(conn)
	if err != nil {
		log.Debug("hello failed", zap.Error(err))
		writeReject(conn, hello, err)
		conn.Close()
		return
	}
	defer s.disconnect(p)

	if err := s.ForwardUnsentFrames(p); err != nil {
		log.Error("forward queued frames failed", zap.Stringer("account", p.account), zap.Error(err))
	}

	if hello.Session == "" {
		if err := s.join(p, hello); err != nil {
			log.Error("join lobby failed", zap.Stringer("account", p.account), zap.Error(err))
			p.reject(hello, err)
		}
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			log.Debug("worker web socket closed", zap.Stringer("account", p.account), zap.Error(err))
			return
		}

		frame, err := model.DecodeFrame(data)
		if err != nil {
			log.Debug("decode frame failed", zap.Stringer("account", p.account), zap.Error(err))
			p.reject(&model.Frame{}, err)
			continue
		}

		switch frame.Kind {
		case model.KindMessage:
			s.receive(p, frame)
		default:
			p.reject(frame, errUnexpectedFrame)
		}
	}
}

var (
	errUnexpectedFrame  = errors.New("unexpected frame")
	errDuplicateAccount = errors.New("account already connected")
	errSeedTooLarge     = errors.New("seed too large")
	errUnauthenticated  = errors.New("hello not signed by its account")
	errStaleHello       = errors.New("hello expired or replayed")
)

func (s *HttpServer) handshake(conn *websocket.Conn) (*peer, *model.Frame, error) {
	conn.SetReadDeadline(time.Now().Add(helloTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, &model.Frame{}, err
	}
	conn.SetReadDeadline(time.Time{})

	hello, err := model.DecodeFrame(data)
	if err != nil {
		return nil, &model.Frame{}, err
	}
	if hello.Kind != model.KindHello {
		return nil, hello, errUnexpectedFrame
	}
	if len(hello.Seed) > maxSeedSize {
		return nil, hello, errSeedTooLarge
	}
	if hello.Session == "" {
		if _, err := s.games.Lookup(hello.Game); err != nil {
			return nil, hello, err
		}
	}

	account, err := signature.ParseAddress(hello.Account)
	if err != nil {
		return nil, hello, err
	}
	if err := authenticate(account, hello, time.Now()); err != nil {
		return nil, hello, err
	}

	p := &peer{account: account, conn: conn}
	s.mu.Lock()
	defer s.mu.Unlock()
	if hello.Time <= s.hellos[account.Hex()] {
		return nil, hello, errStaleHello
	}
	s.hellos[account.Hex()] = hello.Time
	if _, ok := s.peers[account.Hex()]; ok {
		return nil, hello, errDuplicateAccount
	}
	s.peers[account.Hex()] = p
	return p, hello, nil
}

// authenticate checks that hello was signed by account recently.
func authenticate(account signature.Address, hello *model.Frame, now time.Time) error {
	sent := time.Unix(0, hello.Time)
	if hello.Time <= 0 || sent.Before(now.Add(-helloSkew)) || sent.After(now.Add(helloSkew)) {
		return errStaleHello
	}
	data, err := model.HelloBytes(hello)
	if err != nil {
		return err
	}
	signer, err := signature.Verify(data, hello.Signature)
	if err != nil {
		return fmt.Errorf("%w: %w", errUnauthenticated, err)
	}
	if signer != account {
		return errUnauthenticated
	}
	return nil
}

func (s *HttpServer) disconnect(p *peer) {
	s.mu.Lock()
	if s.peers[p.account.Hex()] == p {
		delete(s.peers, p.account.Hex())
	}
	for name, w := range s.lobby {
		if w.peer == p {
			delete(s.lobby, name)
		}
	}
	s.mu.Unlock()
	p.conn.Close()
}

func (s *HttpServer) closePeers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.peers {
		p.conn.Close()
	}
}

func (s *HttpServer) ForwardUnsentFrames(p *peer) error {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	frames, err := s.queue.Drain(ctx, p.account.Hex())
	if err != nil {
		return err
	}
	for _, b := range frames {
		if err := p.write(b); err != nil {
			return err
		}
	}
	return nil
}

// deliver writes frame to account, queueing it when the account is offline.
func (s *HttpServer) deliver(account signature.Address, frame *model.Frame) {
	b, err := model.EncodeFrame(frame)
	if err != nil {
		log.Error("encode frame failed", zap.Error(err))
		return
	}

	s.mu.Lock()
	p := s.peers[account.Hex()]
	s.mu.Unlock()

	if p != nil {
		err := p.write(b)
		if err == nil {
			return
		}
		log.Debug("write frame failed, queueing", zap.Stringer("account", account), zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := s.queue.Push(ctx, account.Hex(), b); err != nil {
		log.Error("queue frame failed", zap.Stringer("account", account), zap.Error(err))
		return
	}
	s.metrics.FrameQueued()
}

type transcriptResponse struct {
	transcript.Transcript
	Game        string `json:"game"`
	Finished    bool   `json:"finished"`
	Failed      bool   `json:"failed,omitempty"`
	Winner      uint8  `json:"winner"`
	Verified    *bool  `json:"verified,omitempty"`
	VerifyError string `json:"verify_error,omitempty"`
}

func (s *HttpServer) GetSessionTranscript() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		id := mux.Vars(r)["id"]
		doc, err := s.archive.GetByID(ctx, id)
		if err != nil {
			log.Error("get session failed", zap.String("session", id), zap.Error(err))
			http.Error(w, "get session failed", http.StatusInternalServerError)
			return
		}
		if doc == nil {
			http.Error(w, "session does not exist", http.StatusNotFound)
			return
		}

		resp := transcriptResponse{
			Transcript: transcript.Transcript{Session: doc.ID},
			Game:       doc.Game,
			Finished:   doc.Finished,
			Failed:     doc.Failed,
			Winner:     doc.Winner,
		}
		for _, m := range doc.Messages {
			resp.Messages = append(resp.Messages, m)
		}

		if r.URL.Query().Has("verify") {
			ok, verr := s.verify(resp.Transcript, doc.Game)
			resp.Verified = &ok
			if verr != nil {
				resp.VerifyError = verr.Error()
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(&resp); err != nil {
			log.Error("write transcript failed", zap.String("session", id), zap.Error(err))
		}
	}
}

func (s *HttpServer) verify(t transcript.Transcript, name string) (bool, error) {
	factory, err := s.games.Lookup(name)
	if err != nil {
		return false, err
	}
	owner := s.owner.Address()
	if _, err := transcript.Verify(t, factory, &owner); err != nil {
		return false, err
	}
	return true, nil
}

func (p *peer) write(b []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return p.conn.WriteMessage(websocket.BinaryMessage, b)
}

// reject tells the peer that frame was refused.
func (p *peer) reject(frame *model.Frame, err error) {
	b, eerr := model.EncodeFrame(rejectFrame(frame, err))
	if eerr != nil {
		return
	}
	if werr := p.write(b); werr != nil {
		log.Debug("write reject failed", zap.Stringer("account", p.account), zap.Error(werr))
	}
}

func writeReject(conn *websocket.Conn, frame *model.Frame, err error) {
	if frame == nil {
		frame = &model.Frame{}
	}
	b, eerr := model.EncodeFrame(rejectFrame(frame, err))
	if eerr != nil {
		return
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	conn.WriteMessage(websocket.BinaryMessage, b)
}

// Package server runs an experiment session over websockets: participants
// join a lobby, the session starts once the population is complete, and
// every page change is pushed to the participant it concerns.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lox/cprbargain/internal/experiment"
	"github.com/lox/cprbargain/internal/history"
	"github.com/lox/cprbargain/internal/protocol"
	"github.com/lox/cprbargain/internal/randutil"
	"github.com/lox/cprbargain/internal/treatment"
)

// Server is the websocket front end of one experiment session.
type Server struct {
	cfg      Config
	base     zerolog.Logger
	logger   zerolog.Logger
	rng      *randutil.Shared
	clock    quartz.Clock
	upgrader websocket.Upgrader
	lobby    *Lobby
	monitors []experiment.SessionMonitor
	history  *history.Store

	mu         sync.RWMutex
	httpServer *http.Server
	conns      map[*Connection]struct{}
	players    map[int]*Connection
	session    *experiment.Session
	timers     map[int]*quartz.Timer
	deadlines  map[int]time.Time

	done     chan struct{}
	doneOnce sync.Once
}

// Option configures a Server.
type Option func(*Server)

// WithConfig sets the server configuration.
func WithConfig(cfg Config) Option {
	return func(s *Server) { s.cfg = cfg }
}

// WithClock sets the clock page timeouts run on.
func WithClock(clock quartz.Clock) Option {
	return func(s *Server) { s.clock = clock }
}

// WithMonitor adds a session monitor.
func WithMonitor(m experiment.SessionMonitor) Option {
	return func(s *Server) { s.monitors = append(s.monitors, m) }
}

// WithHistory persists the session to store.
func WithHistory(store *history.Store) Option {
	return func(s *Server) {
		s.history = store
		s.monitors = append(s.monitors, store)
	}
}

// NewServer creates a server drawing all randomness from rng.
func NewServer(logger zerolog.Logger, rng *randutil.Shared, opts ...Option) *Server {
	s := &Server{
		cfg:    DefaultConfig(),
		base:   logger,
		logger: logger.With().Str("component", "server").Logger(),
		rng:    rng,
		clock:  quartz.NewReal(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		conns:     make(map[*Connection]struct{}),
		players:   make(map[int]*Connection),
		timers:    make(map[int]*quartz.Timer),
		deadlines: make(map[int]time.Time),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.lobby = NewLobby(s.cfg.Participants)
	return s
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// Start serves on addr until Shutdown.
func (s *Server) Start(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return s.Serve(l)
}

// Serve accepts participants on l until Shutdown.
func (s *Server) Serve(l net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()

	s.logger.Info().Str("addr", l.Addr().String()).Int("participants", s.cfg.Participants).Msg("Starting experiment server")
	return srv.Serve(l)
}

// Shutdown stops timers, closes participant connections and the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.stopTimersLocked()
	for c := range s.conns {
		c.close()
	}
	srv := s.httpServer
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// Done is closed once the session is complete.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// Session returns the running session, or nil while the lobby is open.
func (s *Server) Session() *experiment.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session
}

// Lobby returns the admission lobby.
func (s *Server) Lobby() *Lobby {
	return s.lobby
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	c := newConnection(conn, s)
	s.mu.Lock()
	s.conns[c] = struct{}{}
	total := len(s.conns)
	s.mu.Unlock()
	s.logger.Debug().Int("total", total).Msg("Client connected")

	go c.writePump()
	go c.readPump()
}

type healthStatus struct {
	Status     string `json:"status"`
	Joined     int    `json:"joined"`
	Population int    `json:"population"`
	SessionID  string `json:"session_id,omitempty"`
	Round      int    `json:"round,omitempty"`
	Complete   bool   `json:"complete"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := healthStatus{
		Status:     "ok",
		Joined:     s.lobby.Joined(),
		Population: s.lobby.Population(),
	}
	if sess := s.Session(); sess != nil {
		status.SessionID = sess.ID()
		status.Round = sess.Round()
		status.Complete = sess.Complete()
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(status)
}

func (s *Server) disconnect(c *Connection) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	if id := c.PlayerID(); id != 0 {
		s.logger.Info().Int("player", id).Msg("Participant disconnected")
	}
}

func (s *Server) send(c *Connection, t protocol.MessageType, data any) {
	msg, err := protocol.NewMessage(t, data, s.clock.Now())
	if err != nil {
		s.logger.Error().Err(err).Str("type", string(t)).Msg("Failed to encode message")
		return
	}
	if err := c.Send(msg); err != nil {
		s.logger.Debug().Err(err).Int("player", c.PlayerID()).Str("type", string(t)).Msg("Failed to send message")
	}
}

func (s *Server) sendError(c *Connection, code, message string) {
	s.send(c, protocol.TypeError, protocol.Error{Code: code, Message: message})
}

func (s *Server) sendToPlayer(player int, t protocol.MessageType, data any) {
	s.mu.RLock()
	c := s.players[player]
	s.mu.RUnlock()
	if c == nil {
		return
	}
	s.send(c, t, data)
}

func (s *Server) handleMessage(c *Connection, msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypeJoin:
		s.handleJoin(c, msg)
	case protocol.TypeSubmit:
		s.handleSubmit(c, msg)
	case protocol.TypeAdvance:
		s.handleAdvance(c)
	default:
		s.sendError(c, protocol.CodeBadRequest, "unknown message type "+string(msg.Type))
	}
}

func (s *Server) handleJoin(c *Connection, msg *protocol.Message) {
	if c.PlayerID() != 0 {
		s.sendError(c, protocol.CodeAlreadyJoined, "already joined")
		return
	}
	var join protocol.Join
	if err := msg.Decode(&join); err != nil {
		s.sendError(c, protocol.CodeBadRequest, err.Error())
		return
	}

	id, rejoined, full, err := s.lobby.Admit(join.Name)
	switch {
	case errors.Is(err, ErrLobbyFull):
		s.sendError(c, protocol.CodeSessionFull, err.Error())
		return
	case err != nil:
		s.sendError(c, protocol.CodeBadRequest, err.Error())
		return
	}

	s.mu.Lock()
	if existing := s.players[id]; existing != nil && existing != c && !existing.isClosed() {
		s.mu.Unlock()
		s.sendError(c, protocol.CodeAlreadyJoined, "name is in use by a connected participant")
		return
	}
	s.players[id] = c
	sess := s.session
	s.mu.Unlock()
	c.bind(id, join.Name)

	welcome := protocol.Welcome{PlayerID: id, Population: s.lobby.Population(), Joined: s.lobby.Joined()}
	if sess != nil {
		welcome.SessionID = sess.ID()
	}
	s.send(c, protocol.TypeWelcome, welcome)
	s.logger.Info().Int("player", id).Str("name", join.Name).Bool("rejoined", rejoined).
		Int("joined", welcome.Joined).Int("population", welcome.Population).Msg("Participant joined")

	switch {
	case sess != nil:
		s.resume(c, sess)
	case full && !rejoined:
		s.startSession()
	}
}

// resume brings a reconnected participant back to their current page.
func (s *Server) resume(c *Connection, sess *experiment.Session) {
	if sess.Complete() {
		s.send(c, protocol.TypeSessionComplete, protocol.SessionComplete{Summary: sess.Summary()})
		return
	}
	view, err := sess.View(c.PlayerID())
	if err != nil {
		s.sendError(c, protocol.CodeInternal, err.Error())
		return
	}
	s.mu.RLock()
	deadline := s.deadlines[c.PlayerID()]
	s.mu.RUnlock()
	s.send(c, protocol.TypeStage, s.stageMessage(view, deadline))
}

func (s *Server) startSession() {
	// The server goes last so Done closes after every monitor has seen completion.
	monitors := append(slices.Clone(s.monitors), s)
	opts := []experiment.Option{
		experiment.WithMonitor(experiment.NewMultiSessionMonitor(monitors...)),
		experiment.WithTreatments(s.cfg.Catalog(), s.cfg.Assigner()),
	}
	if table := s.cfg.Table(); table != nil {
		opts = append(opts, experiment.WithRiskTable(table))
	}
	sess, err := experiment.NewSession(s.cfg.Session, s.lobby.Players(), s.rng, s.base, opts...)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to create session")
		s.broadcast(protocol.TypeError, protocol.Error{Code: protocol.CodeInternal, Message: err.Error()})
		return
	}

	if s.history != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := s.history.RecordSession(ctx, history.SessionInfo{
			ID:        sess.ID(),
			Treatment: sess.Treatment().Code,
			Risk:      sess.RiskProbability(),
			Rounds:    s.cfg.Session.Rounds,
			Players:   len(sess.Players()),
		})
		cancel()
		if err != nil {
			s.logger.Error().Err(err).Msg("Failed to record session")
		}
	}

	s.mu.Lock()
	s.session = sess
	s.mu.Unlock()

	s.logger.Info().Str("session_id", sess.ID()).Str("treatment", sess.Treatment().Code).Msg("Session started")
	sess.Start()
}

func (s *Server) broadcast(t protocol.MessageType, data any) {
	s.mu.RLock()
	conns := make([]*Connection, 0, len(s.players))
	for _, c := range s.players {
		conns = append(conns, c)
	}
	s.mu.RUnlock()
	for _, c := range conns {
		s.send(c, t, data)
	}
}

func (s *Server) handleSubmit(c *Connection, msg *protocol.Message) {
	id, sess, ok := s.joined(c)
	if !ok {
		return
	}
	var submit protocol.Submit
	if err := msg.Decode(&submit); err != nil {
		s.sendError(c, protocol.CodeBadRequest, err.Error())
		return
	}
	s.reportSessionError(c, sess.Submit(id, submit.Values))
}

func (s *Server) handleAdvance(c *Connection) {
	id, sess, ok := s.joined(c)
	if !ok {
		return
	}
	s.reportSessionError(c, sess.Advance(id))
}

func (s *Server) joined(c *Connection) (int, *experiment.Session, bool) {
	id := c.PlayerID()
	if id == 0 {
		s.sendError(c, protocol.CodeNotJoined, "join first")
		return 0, nil, false
	}
	sess := s.Session()
	if sess == nil {
		s.sendError(c, protocol.CodeWrongStage, "session has not started")
		return 0, nil, false
	}
	return id, sess, true
}

func (s *Server) reportSessionError(c *Connection, err error) {
	if err == nil {
		return
	}
	var verr *experiment.ValidationError
	switch {
	case errors.As(err, &verr):
		s.send(c, protocol.TypeRejected, protocol.Rejected{Field: verr.Field, Reason: verr.Reason})
	case errors.Is(err, experiment.ErrWrongStage):
		s.sendError(c, protocol.CodeWrongStage, err.Error())
	case errors.Is(err, experiment.ErrAlreadySubmitted):
		s.sendError(c, protocol.CodeAlreadySubmitted, err.Error())
	case errors.Is(err, experiment.ErrSessionComplete):
		s.sendError(c, protocol.CodeSessionComplete, err.Error())
	default:
		s.logger.Error().Err(err).Int("player", c.PlayerID()).Msg("Session error")
		s.sendError(c, protocol.CodeInternal, err.Error())
	}
}

func (s *Server) stageMessage(view experiment.View, deadline time.Time) protocol.Stage {
	msg := protocol.Stage{View: view, Deadline: deadline}
	if view.Decision != nil {
		msg.Fields = view.Decision.Fields.Names()
	}
	if d := s.pageTimeout(view.Stage); d > 0 {
		msg.TimeoutSeconds = int(d / time.Second)
	}
	return msg
}

func (s *Server) pageTimeout(stage experiment.Stage) time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.timeoutForLocked(stage)
}

// timeoutForLocked picks the page timeout; decision pages under a bargaining
// treatment use the bargaining timeout.
func (s *Server) timeoutForLocked(stage experiment.Stage) time.Duration {
	switch stage.Kind() {
	case experiment.KindDecision:
		if sess := s.session; sess != nil && sess.Treatment().Regime == treatment.RegimeBargaining {
			return s.cfg.BargainingTimeout
		}
		return s.cfg.DecisionTimeout
	case experiment.KindFeedback:
		return s.cfg.FeedbackTimeout
	}
	return 0
}

// armTimer replaces the player's page timer and returns its deadline.
func (s *Server) armTimer(e experiment.StageEvent) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t := s.timers[e.Player]; t != nil {
		t.Stop()
		delete(s.timers, e.Player)
	}
	delete(s.deadlines, e.Player)

	d := s.timeoutForLocked(e.Stage)
	if d <= 0 {
		return time.Time{}
	}
	player, round, stage := e.Player, e.Round, e.Stage
	s.timers[player] = s.clock.AfterFunc(d, func() {
		s.fireTimeout(player, round, stage)
	}, "page", string(stage))
	deadline := s.clock.Now().Add(d)
	s.deadlines[player] = deadline
	return deadline
}

func (s *Server) stopTimersLocked() {
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	clear(s.deadlines)
}

func (s *Server) fireTimeout(player, round int, stage experiment.Stage) {
	sess := s.Session()
	if sess == nil {
		return
	}
	applied, err := sess.Timeout(player, round, stage)
	if err != nil {
		s.logger.Error().Err(err).Int("player", player).Msg("Timeout failed")
		return
	}
	if applied {
		s.logger.Info().Int("player", player).Int("round", round).Str("stage", string(stage)).Msg("Page timed out")
	}
}

// OnStageEntered pushes the new page to the participant and arms its timer.
func (s *Server) OnStageEntered(e experiment.StageEvent) {
	deadline := s.armTimer(e)
	if e.Stage == experiment.StageDone {
		return
	}
	s.sendToPlayer(e.Player, protocol.TypeStage, s.stageMessage(e.View, deadline))
}

func (s *Server) OnDecisionRecorded(experiment.DecisionEvent) {}
func (s *Server) OnPairResolved(experiment.PairEvent)         {}
func (s *Server) OnRiskResolved(experiment.RiskEvent)         {}
func (s *Server) OnRoundEnded(experiment.RoundEvent)          {}

// OnSessionComplete sends the summary to everyone and releases Done.
func (s *Server) OnSessionComplete(summary experiment.Summary) {
	s.mu.Lock()
	s.stopTimersLocked()
	s.mu.Unlock()

	s.broadcast(protocol.TypeSessionComplete, protocol.SessionComplete{Summary: summary})
	s.doneOnce.Do(func() { close(s.done) })
}

var _ experiment.SessionMonitor = (*Server)(nil)

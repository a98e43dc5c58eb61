// Package session runs one goroutine per draft. All mutation of a draft's
// state flows through the actor's inbox, so two concurrent pick attempts are
// processed in submission order, never interleaved. Sessions are independent:
// no lock is shared between drafts.
package session

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/fritz-net/AoE2-Civbuilder/internal/archive"
	"github.com/fritz-net/AoE2-Civbuilder/internal/engine"
	"github.com/fritz-net/AoE2-Civbuilder/internal/export"
)

var ErrSessionFull = errors.New("all player seats are taken")
var ErrSessionNotJoinable = errors.New("session not joinable")
var ErrSeatTaken = errors.New("seat is taken")
var ErrNotHost = errors.New("host role required")
var ErrNotSeated = errors.New("spectators cannot act")

type Role string

const (
	RoleHost      Role = "host"
	RolePlayer    Role = "player"
	RoleSpectator Role = "spectator"
)

type Msg interface{ isSessionMsg() }

// Join attaches a connection to a role slot. Reply carries the assigned seat
// (-1 for spectators) or the rejection.
type Join struct {
	ClientID string
	Role     Role
	Seat     int // preferred seat; -1 = first free
	Name     string
	Outbox   chan Outbound
	Reply    chan JoinResult
}

func (Join) isSessionMsg() {}

type JoinResult struct {
	Seat int
	Err  error
}

type Leave struct{ ClientID string }

func (Leave) isSessionMsg() {}

// FromClient is an inbound draft command. The seat is resolved from the
// sender's registration, never trusted from the wire.
type FromClient struct {
	ClientID string
	Cmd      engine.Command
}

func (FromClient) isSessionMsg() {}

type GetState struct {
	Reply chan View
}

func (GetState) isSessionMsg() {}

type ExportResult struct {
	ArtifactURL string
	Err         error
}

func (ExportResult) isSessionMsg() {}

// TimerFired carries the generation it was armed with; stale fires are
// dropped after the turn has already advanced.
type TimerFired struct{ Gen int }

func (TimerFired) isSessionMsg() {}

type idleFired struct{ Gen int }

func (idleFired) isSessionMsg() {}

type Shutdown struct{}

func (Shutdown) isSessionMsg() {}

type Snapshot struct {
	Version int
	State   engine.State
}

// Outbound is the only thing a client ever receives: a full snapshot, or an
// error addressed to that client alone.
type Outbound struct {
	Snapshot *Snapshot
	Err      *ClientError
}

type ClientError struct {
	Code    string
	Message string
}

// View reflects internal state for tests and the HTTP snapshot endpoint.
type View struct {
	Version    int
	NumClients int
	State      engine.State
}

type client struct {
	outbox chan Outbound
	role   Role
	seat   int // -1 for spectators
}

// Deps carries the session's collaborators. Zero timers fall back to the
// package defaults.
type Deps struct {
	Catalog       engine.Catalog
	Exporter      export.Exporter
	Store         archive.Store
	Log           *zap.Logger
	OnEvict       func(id string)
	IdleTimeout   time.Duration
	CompleteGrace time.Duration
	AbortGrace    time.Duration
}

const (
	defaultIdleTimeout   = 5 * time.Minute
	defaultCompleteGrace = 10 * time.Minute
	defaultAbortGrace    = 30 * time.Second
)

type Session struct {
	ID string

	inbox   chan Msg
	state   engine.State
	version int
	clients map[string]*client
	deps    Deps

	timerGen int
	idleGen  int

	ctx    context.Context
	cancel context.CancelFunc
}

func New(parent context.Context, id string, initial engine.State, deps Deps) *Session {
	ctx, cancel := context.WithCancel(parent)
	if deps.Exporter == nil {
		deps.Exporter = export.Noop{}
	}
	if deps.Store == nil {
		deps.Store = archive.Noop{}
	}
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	if deps.IdleTimeout <= 0 {
		deps.IdleTimeout = defaultIdleTimeout
	}
	if deps.CompleteGrace <= 0 {
		deps.CompleteGrace = defaultCompleteGrace
	}
	if deps.AbortGrace <= 0 {
		deps.AbortGrace = defaultAbortGrace
	}
	s := &Session{
		ID:      id,
		inbox:   make(chan Msg, 64),
		state:   initial,
		clients: make(map[string]*client),
		deps:    deps,
		ctx:     ctx,
		cancel:  cancel,
	}
	// A draft nobody ever joins still times out.
	s.armIdleTimer()
	go s.loop()
	return s
}

// Inbox exposes the actor's mailbox to the transport layer and tests.
func (s *Session) Inbox() chan<- Msg { return s.inbox }

// Done is closed once the session has shut down. Transports select on it so
// a send to a dead inbox cannot block.
func (s *Session) Done() <-chan struct{} { return s.ctx.Done() }

func (s *Session) loop() {
	for {
		select {
		case <-s.ctx.Done():
			s.shutdown()
			return

		case m := <-s.inbox:
			switch msg := m.(type) {
			case Join:
				s.handleJoin(msg)

			case Leave:
				s.handleLeave(msg)

			case FromClient:
				s.handleCommand(msg)

			case GetState:
				msg.Reply <- View{Version: s.version, NumClients: len(s.clients), State: s.state}

			case ExportResult:
				s.handleExportResult(msg)

			case TimerFired:
				if msg.Gen != s.timerGen || s.state.Status != engine.StatusDrafting {
					break
				}
				seat := engine.ActiveSeat(s.state)
				s.deps.Log.Info("turn timer expired, passing",
					zap.String("draft", s.ID), zap.Int("seat", seat))
				s.apply("", engine.Command{Type: engine.CmdEndTurn, Seat: seat})

			case idleFired:
				if msg.Gen != s.idleGen || len(s.clients) > 0 {
					break
				}
				s.deps.Log.Info("no participants left, aborting", zap.String("draft", s.ID))
				s.apply("", engine.Command{Type: engine.CmdAbort})

			case Shutdown:
				s.shutdown()
				return
			}
		}
	}
}

func (s *Session) handleJoin(msg Join) {
	seat, err := s.assignSeat(msg)
	msg.Reply <- JoinResult{Seat: seat, Err: err}
	if err != nil {
		return
	}

	s.clients[msg.ClientID] = &client{outbox: msg.Outbox, role: msg.Role, seat: seat}
	s.idleGen++ // a live client cancels any pending idle abort

	if seat >= 0 {
		// Snapshots already delivered alias the current Seats array, so
		// seat mutations go through a clone.
		ns := s.state.Clone()
		st := &ns.Seats[seat]
		st.Occupied = true
		st.Connected = true
		if msg.Name != "" && (ns.Status == engine.StatusLobby || st.Name == "") {
			st.Name = msg.Name
		}
		s.state = ns
	}
	s.deps.Log.Info("participant joined",
		zap.String("draft", s.ID), zap.String("client", msg.ClientID),
		zap.String("role", string(msg.Role)), zap.Int("seat", seat))
	s.version++
	s.broadcast()
}

// assignSeat resolves the role slot for a join. Spectators never hold a
// seat; host and players do. A disconnected occupied seat may be retaken,
// which is how reconnects work.
func (s *Session) assignSeat(msg Join) (int, error) {
	switch s.state.Status {
	case engine.StatusLobby, engine.StatusDrafting:
		// joinable
	default:
		if msg.Role == RoleSpectator && s.state.Status != engine.StatusAborted {
			return -1, nil
		}
		return -1, ErrSessionNotJoinable
	}

	if msg.Role == RoleSpectator {
		return -1, nil
	}
	if msg.Role == RoleHost {
		for _, cl := range s.clients {
			if cl.role == RoleHost {
				return -1, ErrSeatTaken
			}
		}
	}

	if msg.Seat >= 0 {
		if msg.Seat >= len(s.state.Seats) {
			return -1, engine.ErrUnknownSeat
		}
		if s.seatConnected(msg.Seat) {
			return -1, ErrSeatTaken
		}
		if s.state.Status == engine.StatusDrafting && !s.state.Seats[msg.Seat].Occupied {
			// Mid-draft joins may only reclaim a seat that drafted before.
			return -1, ErrSessionNotJoinable
		}
		return msg.Seat, nil
	}

	// First free seat; prefer reclaiming a disconnected occupied one.
	for i := range s.state.Seats {
		if s.state.Seats[i].Occupied && !s.seatConnected(i) {
			return i, nil
		}
	}
	if s.state.Status != engine.StatusLobby {
		return -1, ErrSessionNotJoinable
	}
	for i := range s.state.Seats {
		if !s.state.Seats[i].Occupied {
			return i, nil
		}
	}
	return -1, ErrSessionFull
}

func (s *Session) seatConnected(seat int) bool {
	for _, cl := range s.clients {
		if cl.seat == seat {
			return true
		}
	}
	return false
}

func (s *Session) handleLeave(msg Leave) {
	cl, ok := s.clients[msg.ClientID]
	if !ok {
		return
	}
	delete(s.clients, msg.ClientID)
	if cl.seat >= 0 && cl.seat < len(s.state.Seats) {
		// The seat persists; only the connection is gone.
		ns := s.state.Clone()
		ns.Seats[cl.seat].Connected = false
		s.state = ns
	}
	s.deps.Log.Info("participant left",
		zap.String("draft", s.ID), zap.String("client", msg.ClientID))
	s.version++
	s.broadcast()

	if len(s.clients) == 0 {
		switch s.state.Status {
		case engine.StatusLobby, engine.StatusDrafting, engine.StatusFinalizing:
			s.armIdleTimer()
		}
	}
}

func (s *Session) handleCommand(msg FromClient) {
	cl, ok := s.clients[msg.ClientID]
	if !ok {
		return
	}
	cmd := msg.Cmd
	switch cmd.Type {
	case engine.CmdAbort:
		if cl.role != RoleHost {
			s.sendError(cl, ErrNotHost)
			return
		}
	default:
		if cl.seat < 0 {
			s.sendError(cl, ErrNotSeated)
			return
		}
		cmd.Seat = cl.seat
	}
	s.apply(msg.ClientID, cmd)
}

// apply runs one engine command. Rejections go to the sender only and leave
// shared state untouched; accepted commands bump the version and broadcast.
func (s *Session) apply(clientID string, cmd engine.Command) {
	events, newState, err := engine.Apply(s.state, cmd, s.deps.Catalog)
	if err != nil {
		if cl, ok := s.clients[clientID]; ok {
			s.sendError(cl, err)
		}
		return
	}
	s.state = newState
	s.version++
	s.broadcast()

	if engine.ContainsEvent(events, engine.EvtDraftStarted) {
		s.deps.Log.Info("draft started",
			zap.String("draft", s.ID), zap.Int("players", s.state.Config.NumPlayers))
	}
	if engine.ContainsEvent(events, engine.EvtFinalizing) {
		s.startExport()
	}
	if engine.ContainsEvent(events, engine.EvtAborted) {
		s.deps.Log.Info("draft aborted", zap.String("draft", s.ID))
		s.scheduleShutdown(s.deps.AbortGrace)
	}
	s.armTurnTimer()
}

func (s *Session) handleExportResult(msg ExportResult) {
	if s.state.Status != engine.StatusFinalizing {
		return
	}
	if msg.Err != nil {
		s.deps.Log.Warn("mod export failed", zap.String("draft", s.ID), zap.Error(msg.Err))
		s.state.Export = engine.ExportState{Status: "failed", Error: msg.Err.Error()}
		s.version++
		s.broadcast()
		return
	}
	s.state.Status = engine.StatusComplete
	s.state.Export = engine.ExportState{Status: "done", ArtifactURL: msg.ArtifactURL}
	s.version++
	s.broadcast()
	s.deps.Log.Info("draft complete", zap.String("draft", s.ID), zap.String("artifact", msg.ArtifactURL))

	bundle := export.FromState(s.ID, s.state)
	store, log := s.deps.Store, s.deps.Log
	url := msg.ArtifactURL
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := store.Save(ctx, bundle, url); err != nil {
			log.Warn("archive write failed", zap.Error(err))
		}
	}()

	s.scheduleShutdown(s.deps.CompleteGrace)
}

// startExport hands the finalized bundle off without blocking the loop; the
// outcome comes back through the inbox.
func (s *Session) startExport() {
	bundle := export.FromState(s.ID, s.state)
	exp := s.deps.Exporter
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		url, err := exp.Export(ctx, bundle)
		select {
		case s.inbox <- ExportResult{ArtifactURL: url, Err: err}:
		case <-s.ctx.Done():
		}
	}()
}

func (s *Session) armTurnTimer() {
	s.timerGen++
	if s.state.Status != engine.StatusDrafting || s.state.Config.TurnTimerSec <= 0 {
		return
	}
	gen := s.timerGen
	time.AfterFunc(time.Duration(s.state.Config.TurnTimerSec)*time.Second, func() {
		select {
		case s.inbox <- TimerFired{Gen: gen}:
		case <-s.ctx.Done():
		}
	})
}

func (s *Session) armIdleTimer() {
	s.idleGen++
	gen := s.idleGen
	time.AfterFunc(s.deps.IdleTimeout, func() {
		select {
		case s.inbox <- idleFired{Gen: gen}:
		case <-s.ctx.Done():
		}
	})
}

func (s *Session) scheduleShutdown(after time.Duration) {
	time.AfterFunc(after, func() {
		select {
		case s.inbox <- Shutdown{}:
		case <-s.ctx.Done():
		}
	})
}

func (s *Session) sendError(cl *client, err error) {
	out := Outbound{Err: &ClientError{Code: ErrorCode(err), Message: err.Error()}}
	select {
	case cl.outbox <- out:
	default:
		// Error dropped for a slow client; the next snapshot resyncs it.
	}
}

func (s *Session) broadcast() {
	snap := Snapshot{Version: s.version, State: s.state}
	for id, cl := range s.clients {
		select {
		case cl.outbox <- Outbound{Snapshot: &snap}:
		default:
			// Client is slow/full - drop them.
			close(cl.outbox)
			delete(s.clients, id)
			if cl.seat >= 0 && cl.seat < len(s.state.Seats) {
				ns := s.state.Clone()
				ns.Seats[cl.seat].Connected = false
				s.state = ns
			}
		}
	}
}

func (s *Session) shutdown() {
	for id, cl := range s.clients {
		close(cl.outbox)
		delete(s.clients, id)
	}
	s.cancel()
	if s.deps.OnEvict != nil {
		go s.deps.OnEvict(s.ID)
	}
}

// ErrorCode maps engine and session errors to wire codes.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, engine.ErrConfigInvalid):
		return "config_invalid"
	case errors.Is(err, engine.ErrNotYourTurn):
		return "not_your_turn"
	case errors.Is(err, engine.ErrPhaseMismatch):
		return "phase_mismatch"
	case errors.Is(err, engine.ErrRarityNotAllowed):
		return "rarity_not_allowed"
	case errors.Is(err, engine.ErrInsufficientCurrency):
		return "insufficient_currency"
	case errors.Is(err, engine.ErrAlreadyClaimed):
		return "already_claimed"
	case errors.Is(err, engine.ErrUnknownOption):
		return "unknown_option"
	case errors.Is(err, engine.ErrUnknownSeat):
		return "unknown_seat"
	case errors.Is(err, engine.ErrDraftComplete):
		return "draft_complete"
	case errors.Is(err, ErrSessionFull):
		return "session_full"
	case errors.Is(err, ErrSessionNotJoinable):
		return "session_not_joinable"
	case errors.Is(err, ErrSeatTaken):
		return "seat_taken"
	case errors.Is(err, ErrNotHost), errors.Is(err, ErrNotSeated):
		return "forbidden"
	case errors.Is(err, export.ErrExportFailed):
		return "export_failed"
	default:
		return "internal"
	}
}

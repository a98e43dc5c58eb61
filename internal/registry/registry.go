// Package registry owns the process-wide draft id -> session table. Like the
// sessions it manages, it is an actor: all table access goes through the
// inbox, so two concurrent creates can never collide on an id.
package registry

import (
	"context"
	"crypto/rand"
	"math/big"

	"go.uber.org/zap"

	"github.com/fritz-net/AoE2-Civbuilder/internal/engine"
	"github.com/fritz-net/AoE2-Civbuilder/internal/session"
)

// Draft ids are embedded in host/player/spectator links and must be
// unguessable: 62^16 keeps collision probability negligible for the process
// lifetime.
const idLength = 16
const idCharset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

type Msg interface{ isRegistryMsg() }

type Create struct {
	Config engine.Config
	Reply  chan CreateResult
}

func (Create) isRegistryMsg() {}

type CreateResult struct {
	ID      string
	Session *session.Session
	Err     error
}

type Get struct {
	ID    string
	Reply chan *session.Session
}

func (Get) isRegistryMsg() {}

type Evict struct{ ID string }

func (Evict) isRegistryMsg() {}

type Shutdown struct{}

func (Shutdown) isRegistryMsg() {}

type Registry struct {
	inbox    chan Msg
	sessions map[string]*session.Session
	deps     session.Deps
	log      *zap.Logger
	ctx      context.Context
	cancel   context.CancelFunc
}

// New starts the registry actor. deps are handed to every session it
// creates; the OnEvict hook is wired back to the registry itself.
func New(parent context.Context, deps session.Deps) *Registry {
	ctx, cancel := context.WithCancel(parent)
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	r := &Registry{
		inbox:    make(chan Msg, 64),
		sessions: make(map[string]*session.Session),
		deps:     deps,
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
	}
	go r.loop()
	return r
}

func (r *Registry) Inbox() chan<- Msg { return r.inbox }

func (r *Registry) loop() {
	for {
		select {
		case <-r.ctx.Done():
			return

		case m := <-r.inbox:
			switch msg := m.(type) {
			case Create:
				msg.Reply <- r.create(msg.Config)

			case Get:
				msg.Reply <- r.sessions[msg.ID] // may be nil

			case Evict:
				delete(r.sessions, msg.ID)

			case Shutdown:
				for _, s := range r.sessions {
					s.Inbox() <- session.Shutdown{}
				}
				clear(r.sessions)
				r.cancel()
			}
		}
	}
}

func (r *Registry) create(cfg engine.Config) CreateResult {
	if err := cfg.Validate(); err != nil {
		return CreateResult{Err: err}
	}

	var id string
	for {
		candidate, err := generateID()
		if err != nil {
			return CreateResult{Err: err}
		}
		if _, exists := r.sessions[candidate]; !exists {
			id = candidate
			break
		}
		r.log.Warn("draft id collision, regenerating")
	}

	deps := r.deps
	deps.OnEvict = func(evictedID string) {
		select {
		case r.inbox <- Evict{ID: evictedID}:
		case <-r.ctx.Done():
		}
	}
	s := session.New(r.ctx, id, engine.NewState(cfg), deps)
	r.sessions[id] = s
	r.log.Info("draft created", zap.String("draft", id), zap.Int("players", cfg.NumPlayers))
	return CreateResult{ID: id, Session: s}
}

func generateID() (string, error) {
	id := make([]byte, idLength)
	for i := range id {
		num, err := rand.Int(rand.Reader, big.NewInt(int64(len(idCharset))))
		if err != nil {
			return "", err
		}
		id[i] = idCharset[num.Int64()]
	}
	return string(id), nil
}

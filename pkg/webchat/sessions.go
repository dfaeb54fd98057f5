package webchat

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/promptstorm/pkg/eventbus"
	"github.com/go-go-golems/promptstorm/pkg/framework"
	"github.com/go-go-golems/promptstorm/pkg/render"
	"github.com/go-go-golems/promptstorm/pkg/turn"
)

// chatSession binds a turn.Session to its event topic and the websockets
// that display it.
type chatSession struct {
	id      string
	session *turn.Session
	pool    *ConnectionPool
	bus     *eventbus.Bus
	sub     *eventbus.Subscription
	seq     atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	name string
}

func (cs *chatSession) publish(ctx context.Context, typ, turnID string, payload any) error {
	ev, err := eventbus.NewEvent(typ, cs.id, turnID, payload)
	if err != nil {
		return err
	}
	ev.Seq = cs.seq.Add(1)
	return cs.bus.Publish(ctx, eventbus.SessionTopic(cs.id), ev)
}

func (cs *chatSession) loadedName() string {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.name
}

func (cs *chatSession) setLoadedName(name string) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.name = name
}

type SessionManagerConfig struct {
	BaseCtx     context.Context
	Bus         *eventbus.Bus
	Controller  *turn.Controller
	Frameworks  *framework.Registry
	Formatter   render.Formatter
	IdleTimeout time.Duration
}

// SessionManager owns the chat sessions of the server. A session lives while
// at least one websocket is attached and for IdleTimeout after the last one
// leaves, so a page reload keeps its conversation.
type SessionManager struct {
	cfg      SessionManagerConfig
	mu       sync.Mutex
	sessions map[string]*chatSession
}

func NewSessionManager(cfg SessionManagerConfig) (*SessionManager, error) {
	if cfg.BaseCtx == nil {
		return nil, errors.New("session manager base context is nil")
	}
	if cfg.Bus == nil {
		return nil, errors.New("session manager bus is nil")
	}
	if cfg.Controller == nil {
		return nil, errors.New("session manager controller is nil")
	}
	if cfg.Formatter == nil {
		cfg.Formatter = render.NewHTMLFormatter()
	}
	return &SessionManager{cfg: cfg, sessions: map[string]*chatSession{}}, nil
}

// GetOrCreate returns the session for id, creating it (with a fresh id when
// id is empty) if needed.
func (m *SessionManager) GetOrCreate(id string) (*chatSession, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		id = uuid.NewString()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if cs, ok := m.sessions[id]; ok {
		return cs, nil
	}

	ctx, cancel := context.WithCancel(m.cfg.BaseCtx)
	cs := &chatSession{
		id:      id,
		session: turn.NewSession(id, m.cfg.Controller, m.cfg.Frameworks, m.cfg.Formatter),
		bus:     m.cfg.Bus,
		ctx:     ctx,
		cancel:  cancel,
	}
	cs.pool = NewConnectionPool(id, m.cfg.IdleTimeout, func() { m.evict(id) })

	sub, err := m.cfg.Bus.Subscribe(ctx, eventbus.SessionTopic(id))
	if err != nil {
		cancel()
		return nil, err
	}
	cs.sub = sub
	go func() {
		err := sub.Run(func(ev eventbus.Event) error {
			b, err := json.Marshal(ev)
			if err != nil {
				return err
			}
			cs.pool.Broadcast(b)
			return nil
		})
		if err != nil {
			log.Warn().Err(err).Str("component", "webchat").Str("session_id", id).Msg("session event loop ended")
		}
	}()

	m.sessions[id] = cs
	log.Debug().Str("component", "webchat").Str("session_id", id).Msg("session created")
	return cs, nil
}

func (m *SessionManager) Get(id string) (*chatSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cs, ok := m.sessions[id]
	return cs, ok
}

func (m *SessionManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *SessionManager) evict(id string) {
	m.mu.Lock()
	cs, ok := m.sessions[id]
	if ok && cs.pool.IsEmpty() {
		delete(m.sessions, id)
	} else {
		ok = false
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	cs.session.Stop()
	cs.sub.Close()
	cs.cancel()
	log.Info().Str("component", "webchat").Str("session_id", id).Msg("evicted idle session")
}

// Close stops every session.
func (m *SessionManager) Close() {
	m.mu.Lock()
	sessions := make([]*chatSession, 0, len(m.sessions))
	for _, cs := range m.sessions {
		sessions = append(sessions, cs)
	}
	m.sessions = map[string]*chatSession{}
	m.mu.Unlock()
	for _, cs := range sessions {
		cs.session.Stop()
		cs.pool.CloseAll()
		cs.sub.Close()
		cs.cancel()
	}
}

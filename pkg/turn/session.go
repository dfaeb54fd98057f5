package turn

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/go-go-golems/promptstorm/pkg/framework"
	"github.com/go-go-golems/promptstorm/pkg/persistence/chatstore"
	"github.com/go-go-golems/promptstorm/pkg/render"
)

var (
	ErrTurnInProgress = errors.New("a turn is already in progress")
	ErrNoModel        = errors.New("no model selected")
	ErrEmptyPrompt    = errors.New("prompt is empty")
)

const (
	RoleUser      = chatstore.RoleUser
	RoleAssistant = chatstore.RoleAssistant
)

// Settings are the per-session selections that feed every request.
type Settings struct {
	Model        string `json:"model"`
	SystemPrompt string `json:"system_prompt"`
	Framework    string `json:"framework"`
}

// Presenter is everything a front end provides to show one turn.
type Presenter interface {
	render.Display
	Affordances
	State(ctx context.Context, turnID string, state State, err error)
}

// Session is the live state of one chat window: selections, the opaque
// context token of the last completed turn, and the transcript. It admits a
// single non-terminal turn at a time.
type Session struct {
	ID string

	controller *Controller
	frameworks *framework.Registry
	formatter  render.Formatter

	mu           sync.Mutex
	settings     Settings
	contextToken json.RawMessage
	transcript   []chatstore.TranscriptEntry
	active       *activeTurn
	generation   uint64
}

type activeTurn struct {
	id        string
	canceller *Canceller
}

func NewSession(id string, controller *Controller, frameworks *framework.Registry, formatter render.Formatter) *Session {
	if id == "" {
		id = uuid.NewString()
	}
	return &Session{
		ID:         id,
		controller: controller,
		frameworks: frameworks,
		formatter:  formatter,
		settings:   Settings{Framework: framework.None},
	}
}

func (s *Session) Settings() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

func (s *Session) SetModel(model string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings.Model = model
}

func (s *Session) SetSystemPrompt(prompt string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings.SystemPrompt = prompt
}

// SetFramework selects a framework by name. An empty name selects None.
func (s *Session) SetFramework(name string) error {
	if name == "" {
		name = framework.None
	}
	if s.frameworks != nil {
		if _, ok := s.frameworks.Get(name); !ok {
			return errors.Wrapf(framework.ErrUnknownFramework, "%q", name)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings.Framework = name
	return nil
}

func (s *Session) ContextToken() json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append(json.RawMessage(nil), s.contextToken...)
}

func (s *Session) Transcript() []chatstore.TranscriptEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]chatstore.TranscriptEntry(nil), s.transcript...)
}

// Busy reports whether a turn is in flight.
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active != nil
}

// PendingTurn is a reserved turn that has not started streaming yet.
type PendingTurn struct {
	session    *Session
	turn       Turn
	generation uint64
	presenter  Presenter
}

func (p *PendingTurn) ID() string { return p.turn.Request.ID }

func (p *PendingTurn) Request() Request { return p.turn.Request }

// Begin reserves the session for a new turn and composes its request from the
// current selections. The reservation is released when Run returns.
func (s *Session) Begin(ctx context.Context, turnID string, prompt string, p Presenter) (*PendingTurn, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, ErrEmptyPrompt
	}
	if turnID == "" {
		turnID = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil {
		return nil, ErrTurnInProgress
	}
	if s.settings.Model == "" {
		return nil, ErrNoModel
	}
	system := framework.Compose(s.settings.SystemPrompt, framework.None, "")
	if s.frameworks != nil {
		var err error
		system, err = s.frameworks.Compose(s.settings.SystemPrompt, s.settings.Framework)
		if err != nil {
			return nil, err
		}
	}

	req := Request{
		ID:           turnID,
		Model:        s.settings.Model,
		Prompt:       prompt,
		ContextToken: append(json.RawMessage(nil), s.contextToken...),
		SystemPrompt: system,
	}
	canceller := NewCanceller(ctx)
	s.active = &activeTurn{id: turnID, canceller: canceller}
	s.transcript = append(s.transcript, chatstore.TranscriptEntry{Role: RoleUser, Text: prompt})

	var display render.Display
	var aff Affordances
	if p != nil {
		display = p
		aff = p
	}
	t := Turn{
		Request:     req,
		Canceller:   canceller,
		Renderer:    render.NewRenderer(s.formatter, display),
		Affordances: aff,
	}
	return &PendingTurn{session: s, turn: t, generation: s.generation, presenter: p}, nil
}

// Run drives the reserved turn to a terminal state and folds the outcome back
// into the session. A completed turn replaces the context token; partial text
// of cancelled and failed turns stays in the transcript.
func (p *PendingTurn) Run(ctx context.Context) Result {
	s := p.session
	if p.presenter != nil {
		id := p.turn.Request.ID
		p.turn.OnState = func(state State, err error) {
			p.presenter.State(ctx, id, state, err)
		}
	}
	res := s.controller.Run(ctx, p.turn)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil && s.active.id == p.turn.Request.ID {
		s.active = nil
	}
	if s.generation != p.generation {
		return res
	}
	if res.State == StateCompleted && len(res.Context) > 0 {
		s.contextToken = append(json.RawMessage(nil), res.Context...)
	}
	if res.Text != "" {
		s.transcript = append(s.transcript, chatstore.TranscriptEntry{Role: RoleAssistant, Text: res.Text})
	}
	return res
}

// Submit is Begin followed by Run.
func (s *Session) Submit(ctx context.Context, turnID string, prompt string, p Presenter) (Result, error) {
	pending, err := s.Begin(ctx, turnID, prompt, p)
	if err != nil {
		return Result{}, err
	}
	return pending.Run(ctx), nil
}

// Stop fires the active turn's canceller. It reports whether a turn was
// running.
func (s *Session) Stop() bool {
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()
	if active == nil {
		return false
	}
	active.canceller.Cancel()
	return true
}

// Reset starts a new chat: the active turn is stopped and the context token
// and transcript are cleared. Selections are kept.
func (s *Session) Reset() {
	s.Stop()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generation++
	s.contextToken = nil
	s.transcript = nil
}

// Record snapshots the session under name. HistoryMarkup is left empty; use
// RecordWithHistory for records that get saved.
func (s *Session) Record(name string) chatstore.ConversationRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return chatstore.ConversationRecord{
		Name:         name,
		ContextToken: append(json.RawMessage(nil), s.contextToken...),
		SystemPrompt: s.settings.SystemPrompt,
		ModelName:    s.settings.Model,
		Framework:    s.settings.Framework,
		Transcript:   append([]chatstore.TranscriptEntry(nil), s.transcript...),
	}
}

// RecordWithHistory is Record with the transcript rendered into HistoryMarkup.
func (s *Session) RecordWithHistory(name string, f *render.HTMLFormatter) (chatstore.ConversationRecord, error) {
	rec := s.Record(name)
	markup, err := render.HistoryMarkup(rec.Transcript, f)
	if err != nil {
		return rec, errors.Wrap(err, "render history")
	}
	rec.HistoryMarkup = markup
	return rec, nil
}

// Restore replaces the session state with a saved record. An active turn is
// stopped first and its outcome is discarded.
func (s *Session) Restore(rec chatstore.ConversationRecord) {
	s.Stop()
	fw := rec.Framework
	if fw == "" {
		fw = framework.None
	}
	if s.frameworks != nil {
		if _, ok := s.frameworks.Get(fw); !ok {
			fw = framework.None
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generation++
	s.contextToken = append(json.RawMessage(nil), rec.ContextToken...)
	s.transcript = append([]chatstore.TranscriptEntry(nil), rec.Transcript...)
	s.settings.SystemPrompt = rec.SystemPrompt
	if rec.ModelName != "" {
		s.settings.Model = rec.ModelName
	}
	s.settings.Framework = fw
}

package tui

import (
	"context"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/go-go-golems/promptstorm/pkg/turn"
)

type renderMsg struct {
	turnID   string
	rendered string
}

type busyMsg struct {
	turnID string
	busy   bool
}

type copyMsg struct {
	turnID string
	source string
}

type stateMsg struct {
	turnID string
	state  turn.State
	err    error
}

type turnDoneMsg struct {
	result turn.Result
}

// teaPresenter forwards a turn to the program. tea.Program.Send returns once
// the event loop has taken the message, so each render is on screen before
// the next fragment is read.
type teaPresenter struct {
	send   func(tea.Msg)
	turnID string
}

var _ turn.Presenter = &teaPresenter{}

func (p *teaPresenter) Replace(_ context.Context, rendered string) error {
	p.send(renderMsg{turnID: p.turnID, rendered: rendered})
	return nil
}

func (p *teaPresenter) ShowBusy(context.Context) {
	p.send(busyMsg{turnID: p.turnID, busy: true})
}

func (p *teaPresenter) HideBusy(context.Context) {
	p.send(busyMsg{turnID: p.turnID, busy: false})
}

func (p *teaPresenter) AttachCopy(_ context.Context, source string) {
	p.send(copyMsg{turnID: p.turnID, source: source})
}

func (p *teaPresenter) State(_ context.Context, turnID string, state turn.State, err error) {
	p.send(stateMsg{turnID: turnID, state: state, err: err})
}

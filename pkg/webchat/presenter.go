package webchat

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/promptstorm/pkg/turn"
)

// busPresenter shows one turn by publishing session events. Each publish
// returns once the session's websocket writer has taken the event, so the
// renderer never runs ahead of the page.
type busPresenter struct {
	cs     *chatSession
	turnID string
}

var _ turn.Presenter = &busPresenter{}

func (p *busPresenter) Replace(ctx context.Context, rendered string) error {
	return p.cs.publish(ctx, EvTurnRender, p.turnID, RenderPayload{HTML: rendered})
}

func (p *busPresenter) ShowBusy(ctx context.Context) {
	p.publishQuiet(ctx, EvTurnBusy, BusyPayload{Busy: true})
}

func (p *busPresenter) HideBusy(ctx context.Context) {
	p.publishQuiet(ctx, EvTurnBusy, BusyPayload{Busy: false})
}

func (p *busPresenter) AttachCopy(ctx context.Context, source string) {
	p.publishQuiet(ctx, EvTurnCopy, CopyPayload{Text: source})
}

func (p *busPresenter) State(ctx context.Context, turnID string, state turn.State, err error) {
	payload := StatePayload{State: state}
	if err != nil {
		payload.Error = err.Error()
	}
	if turnID == "" {
		turnID = p.turnID
	}
	if perr := p.cs.publish(ctx, EvTurnState, turnID, payload); perr != nil {
		log.Warn().Err(perr).Str("component", "webchat").Str("session_id", p.cs.id).Msg("publish turn state failed")
	}
}

func (p *busPresenter) publishQuiet(ctx context.Context, typ string, payload any) {
	if err := p.cs.publish(ctx, typ, p.turnID, payload); err != nil {
		log.Warn().Err(err).Str("component", "webchat").Str("session_id", p.cs.id).Str("type", typ).Msg("publish failed")
	}
}

package turn

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/promptstorm/pkg/ollama"
	"github.com/go-go-golems/promptstorm/pkg/render"
	"github.com/go-go-golems/promptstorm/pkg/stream"
)

// Inference opens a streamed completion.
type Inference interface {
	Generate(ctx context.Context, req ollama.GenerateRequest) (io.ReadCloser, error)
}

// Affordances are the transient controls shown around a turn.
type Affordances interface {
	// ShowBusy shows the busy indicator and the stop control.
	ShowBusy(ctx context.Context)
	// HideBusy removes both. It is called exactly once per turn.
	HideBusy(ctx context.Context)
	// AttachCopy exposes source, the unrendered text of a completed turn.
	AttachCopy(ctx context.Context, source string)
}

// Request is the immutable input of one turn.
type Request struct {
	ID           string
	Model        string
	Prompt       string
	ContextToken json.RawMessage
	SystemPrompt string
}

func (r Request) generateRequest() ollama.GenerateRequest {
	return ollama.GenerateRequest{
		Model:   r.Model,
		Prompt:  r.Prompt,
		System:  r.SystemPrompt,
		Context: r.ContextToken,
		Stream:  true,
	}
}

// Turn bundles a request with the collaborators that present it.
type Turn struct {
	Request     Request
	Canceller   *Canceller
	Renderer    *render.Renderer
	Affordances Affordances
	// OnState is called on every state change, including the initial Pending.
	OnState func(state State, err error)
}

// Result is the outcome of a turn. Text is the source shown when the turn
// ended, which is partial for cancelled and failed turns.
type Result struct {
	ID        string
	State     State
	Text      string
	Context   json.RawMessage
	Stats     *stream.Stats
	Fragments int
	Err       error
	Duration  time.Duration
}

// Controller drives turns against an inference endpoint.
type Controller struct {
	client Inference
	logger zerolog.Logger
}

type ControllerOption func(*Controller)

func WithLogger(l zerolog.Logger) ControllerOption {
	return func(c *Controller) { c.logger = l }
}

func NewController(client Inference, opts ...ControllerOption) *Controller {
	c := &Controller{client: client, logger: log.Logger}
	for _, o := range opts {
		o(c)
	}
	return c
}

type lifecycle struct {
	t        Turn
	ctx      context.Context
	state    State
	hideOnce sync.Once
	logger   zerolog.Logger
}

func (l *lifecycle) to(next State, err error) {
	if !l.state.CanTransition(next) {
		l.logger.Error().Str("from", l.state.String()).Str("to", next.String()).Msg("ignoring invalid turn transition")
		return
	}
	prev := l.state
	l.state = next
	if next.Terminal() {
		l.hideBusy()
	}
	if l.t.OnState != nil && prev != next {
		l.t.OnState(next, err)
	}
}

func (l *lifecycle) hideBusy() {
	l.hideOnce.Do(func() {
		if l.t.Affordances != nil {
			l.t.Affordances.HideBusy(l.ctx)
		}
	})
}

// Run executes a turn to a terminal state. Fragments are pulled one at a time
// and each is rendered before the next is read. ctx scopes display updates;
// the turn's Canceller scopes the network transfer, so a stop never
// interrupts a render that is already in progress.
func (c *Controller) Run(ctx context.Context, t Turn) Result {
	if t.Canceller == nil {
		t.Canceller = NewCanceller(ctx)
	}
	if t.Renderer == nil {
		t.Renderer = render.NewRenderer(render.NewHTMLFormatter(), nil)
	}
	start := time.Now()
	logger := c.logger.With().Str("component", "turn").Str("turn_id", t.Request.ID).Str("model", t.Request.Model).Logger()
	l := &lifecycle{t: t, ctx: ctx, state: StatePending, logger: logger}
	defer t.Canceller.release()
	defer l.hideBusy()

	res := Result{ID: t.Request.ID}
	finish := func(state State, err error) Result {
		l.to(state, err)
		res.State = l.state
		res.Text = t.Renderer.Source()
		res.Err = err
		res.Duration = time.Since(start)
		switch res.State {
		case StateFailed:
			logger.Error().Err(err).Int("fragments", res.Fragments).Msg("turn failed")
		case StateCancelled:
			logger.Debug().Int("fragments", res.Fragments).Msg("turn cancelled")
		case StateCompleted:
			logger.Info().Int("fragments", res.Fragments).Dur("duration", res.Duration).Msg("turn completed")
		}
		return res
	}

	if t.OnState != nil {
		t.OnState(StatePending, nil)
	}
	if t.Affordances != nil {
		t.Affordances.ShowBusy(ctx)
	}
	if t.Canceller.Fired() {
		return finish(StateCancelled, nil)
	}

	cctx := t.Canceller.Context()
	body, err := c.client.Generate(cctx, t.Request.generateRequest())
	if err != nil {
		if t.Canceller.Fired() {
			return finish(StateCancelled, nil)
		}
		return finish(StateFailed, err)
	}
	dec := stream.NewDecoder(cctx, body)
	defer func() { _ = dec.Close() }()
	l.to(StateStreaming, nil)

	for {
		frag, err := dec.Next()
		if errors.Is(err, io.EOF) {
			if dec.Cancelled() {
				return finish(StateCancelled, nil)
			}
			// Next only reports a bare EOF after a final fragment, which
			// returns below.
			return finish(StateFailed, stream.ErrClosedBeforeCompletion)
		}
		if err != nil {
			if t.Canceller.Fired() {
				return finish(StateCancelled, nil)
			}
			return finish(StateFailed, err)
		}

		res.Fragments++
		if err := t.Renderer.Append(ctx, frag.Text); err != nil {
			if t.Canceller.Fired() || ctx.Err() != nil {
				return finish(StateCancelled, nil)
			}
			return finish(StateFailed, err)
		}

		if !frag.Final {
			l.to(StateStreaming, nil)
			continue
		}

		l.to(StateFinalizing, nil)
		source := t.Renderer.Freeze()
		res.Context = frag.Context
		res.Stats = frag.Stats
		// Copy is attached before the terminal state is published.
		if t.Affordances != nil {
			t.Affordances.AttachCopy(ctx, source)
		}
		return finish(StateCompleted, nil)
	}
}

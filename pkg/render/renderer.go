package render

import (
	"context"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// ErrFrozen is returned by Append once the buffer has been frozen.
var ErrFrozen = errors.New("render buffer is frozen")

// Formatter turns the full markdown source of a turn into display-safe output.
// Implementations must return sanitized output only.
type Formatter interface {
	Format(source string) (string, error)
}

// Display receives the rendered output of a turn. Replace swaps the whole
// visible content of the turn; callers never see a partial update.
type Display interface {
	Replace(ctx context.Context, rendered string) error
}

// DisplayFunc adapts a function to Display.
type DisplayFunc func(ctx context.Context, rendered string) error

func (f DisplayFunc) Replace(ctx context.Context, rendered string) error { return f(ctx, rendered) }

// Renderer accumulates streamed text for one turn and re-renders the whole
// buffer after every non-empty delta.
type Renderer struct {
	mu        sync.Mutex
	formatter Formatter
	display   Display
	source    strings.Builder
	rendered  string
	frozen    bool
	renders   int
}

func NewRenderer(f Formatter, d Display) *Renderer {
	return &Renderer{formatter: f, display: d}
}

// Append adds delta to the buffer and replaces the display with the
// re-rendered buffer. An empty delta leaves the display untouched.
func (r *Renderer) Append(ctx context.Context, delta string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return ErrFrozen
	}
	if delta == "" {
		return nil
	}
	r.source.WriteString(delta)
	return r.renderLocked(ctx)
}

// Refresh re-renders the current buffer, e.g. after a terminal resize.
func (r *Renderer) Refresh(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.source.Len() == 0 {
		return nil
	}
	return r.renderLocked(ctx)
}

func (r *Renderer) renderLocked(ctx context.Context) error {
	out, err := r.formatter.Format(r.source.String())
	if err != nil {
		return errors.Wrap(err, "format turn output")
	}
	r.rendered = out
	r.renders++
	if r.display == nil {
		return nil
	}
	if err := r.display.Replace(ctx, out); err != nil {
		return errors.Wrap(err, "replace display")
	}
	return nil
}

// Freeze stops further appends and returns the exact source text, which is
// what the copy affordance exposes.
func (r *Renderer) Freeze() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
	return r.source.String()
}

func (r *Renderer) Frozen() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frozen
}

// Source returns the raw text accumulated so far.
func (r *Renderer) Source() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.source.String()
}

// Rendered returns the last output handed to the display.
func (r *Renderer) Rendered() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rendered
}

// Renders counts display replacements.
func (r *Renderer) Renders() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.renders
}

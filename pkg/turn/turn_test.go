package turn

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/promptstorm/pkg/framework"
	"github.com/go-go-golems/promptstorm/pkg/ollama"
	"github.com/go-go-golems/promptstorm/pkg/persistence/chatstore"
	"github.com/go-go-golems/promptstorm/pkg/render"
	"github.com/go-go-golems/promptstorm/pkg/stream"
)

const fiveLines = `{"response":"one ","done":false}
{"response":"two ","done":false}
{"response":"three ","done":false}
{"response":"four ","done":false}
{"response":"five","done":true,"context":[10,20]}
`

type fakeInference struct {
	mu       sync.Mutex
	body     string
	open     func(ctx context.Context) (io.ReadCloser, error)
	err      error
	requests []ollama.GenerateRequest
}

func (f *fakeInference) Generate(ctx context.Context, req ollama.GenerateRequest) (io.ReadCloser, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if f.open != nil {
		return f.open(ctx)
	}
	return io.NopCloser(strings.NewReader(f.body)), nil
}

func (f *fakeInference) lastRequest() ollama.GenerateRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

type plainFormatter struct{}

func (plainFormatter) Format(source string) (string, error) { return source, nil }

type fakePresenter struct {
	mu        sync.Mutex
	frames    []string
	shows     int
	hides     int
	copies    []string
	states    []State
	errs      []error
	order     []string
	onReplace func(n int)
}

func (p *fakePresenter) Replace(_ context.Context, rendered string) error {
	p.mu.Lock()
	p.frames = append(p.frames, rendered)
	n := len(p.frames)
	hook := p.onReplace
	p.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	return nil
}

func (p *fakePresenter) ShowBusy(context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.shows++
}

func (p *fakePresenter) HideBusy(context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hides++
	p.order = append(p.order, "hide")
}

func (p *fakePresenter) AttachCopy(_ context.Context, source string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.copies = append(p.copies, source)
	p.order = append(p.order, "copy")
}

func (p *fakePresenter) State(_ context.Context, _ string, state State, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.states = append(p.states, state)
	p.errs = append(p.errs, err)
	p.order = append(p.order, state.String())
}

func newTestSession(t *testing.T, inf Inference) *Session {
	t.Helper()
	reg, err := framework.NewRegistry()
	require.NoError(t, err)
	s := NewSession("s1", NewController(inf), reg, plainFormatter{})
	s.SetModel("llama3:8b")
	return s
}

func TestSession_CompletedTurn(t *testing.T) {
	inf := &fakeInference{body: fiveLines}
	s := newTestSession(t, inf)
	p := &fakePresenter{}

	res, err := s.Submit(context.Background(), "t1", "count to five", p)
	require.NoError(t, err)
	require.Equal(t, StateCompleted, res.State)
	require.NoError(t, res.Err)
	require.Equal(t, "one two three four five", res.Text)
	require.Equal(t, 5, res.Fragments)
	require.JSONEq(t, `[10,20]`, string(res.Context))

	require.Equal(t, []State{StatePending, StateStreaming, StateFinalizing, StateCompleted}, p.states)
	require.Equal(t, 1, p.shows)
	require.Equal(t, 1, p.hides)
	require.Equal(t, []string{"one two three four five"}, p.copies)
	// copy is attached before the busy controls go away and the turn ends
	require.Equal(t, []string{"pending", "streaming", "finalizing", "copy", "hide", "completed"}, p.order)
	require.Equal(t, "one two three four five", p.frames[len(p.frames)-1])
	require.Len(t, p.frames, 5)

	require.JSONEq(t, `[10,20]`, string(s.ContextToken()))
	require.False(t, s.Busy())
	require.Equal(t, []chatstore.TranscriptEntry{
		{Role: RoleUser, Text: "count to five"},
		{Role: RoleAssistant, Text: "one two three four five"},
	}, s.Transcript())

	first := inf.lastRequest()
	require.Empty(t, first.Context)
	require.True(t, first.Stream)

	_, err = s.Submit(context.Background(), "t2", "again", &fakePresenter{})
	require.NoError(t, err)
	require.JSONEq(t, `[10,20]`, string(inf.lastRequest().Context))
}

func TestSession_RequestCarriesComposedSystemPrompt(t *testing.T) {
	inf := &fakeInference{body: `{"response":"ok","done":true}` + "\n"}
	s := newTestSession(t, inf)
	s.SetSystemPrompt("be brief")
	require.NoError(t, s.SetFramework("RTF Prompt"))

	_, err := s.Submit(context.Background(), "", "hi", nil)
	require.NoError(t, err)
	sys := inf.lastRequest().System
	require.True(t, strings.HasPrefix(sys, "SYSTEM PROMPT:\nbe brief\n\nPROMPT FRAMEWORK:\nThe RTF"))

	require.ErrorIs(t, s.SetFramework("nope"), framework.ErrUnknownFramework)
}

func TestController_CancelBeforeFirstFragment(t *testing.T) {
	inf := &fakeInference{body: fiveLines}
	p := &fakePresenter{}
	c := NewCanceller(context.Background())
	c.Cancel()

	res := NewController(inf).Run(context.Background(), Turn{
		Request:     Request{ID: "t", Model: "m", Prompt: "p"},
		Canceller:   c,
		Renderer:    render.NewRenderer(plainFormatter{}, p),
		Affordances: p,
		OnState:     func(s State, _ error) { p.State(context.Background(), "t", s, nil) },
	})
	require.Equal(t, StateCancelled, res.State)
	require.NoError(t, res.Err)
	require.Empty(t, res.Text)
	require.Empty(t, p.frames)
	require.Empty(t, p.copies)
	require.Equal(t, 1, p.hides)
	require.Equal(t, []State{StatePending, StateCancelled}, p.states)
}

func TestSession_StopAfterThirdFragment(t *testing.T) {
	s := newTestSession(t, &fakeInference{body: fiveLines})
	p := &fakePresenter{}
	p.onReplace = func(n int) {
		if n == 3 {
			require.True(t, s.Stop())
		}
	}

	res, err := s.Submit(context.Background(), "t", "count", p)
	require.NoError(t, err)
	require.Equal(t, StateCancelled, res.State)
	require.NoError(t, res.Err)
	require.Equal(t, "one two three ", res.Text)
	require.Equal(t, "one two three ", p.frames[len(p.frames)-1])
	require.Len(t, p.frames, 3)
	require.Empty(t, p.copies)
	require.Equal(t, 1, p.hides)
	require.Empty(t, s.ContextToken())
	require.False(t, s.Stop())
}

func TestSession_StopUnblocksStalledStream(t *testing.T) {
	started := make(chan struct{})
	inf := &fakeInference{open: func(ctx context.Context) (io.ReadCloser, error) {
		pr, pw := io.Pipe()
		go func() {
			_, _ = pw.Write([]byte(`{"response":"partial","done":false}` + "\n"))
			close(started)
			<-ctx.Done()
			_ = pw.Close()
		}()
		return pr, nil
	}}
	s := newTestSession(t, inf)
	p := &fakePresenter{}

	type outcome struct {
		res Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := s.Submit(context.Background(), "t", "stall", p)
		done <- outcome{res, err}
	}()
	<-started
	require.Eventually(t, s.Busy, time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return len(p.frames) == 1
	}, time.Second, time.Millisecond)
	s.Stop()
	s.Stop()

	select {
	case out := <-done:
		require.NoError(t, out.err)
		require.Equal(t, StateCancelled, out.res.State)
		require.Equal(t, "partial", out.res.Text)
	case <-time.After(2 * time.Second):
		t.Fatal("turn did not stop")
	}
	require.Equal(t, 1, p.hides)
}

func TestSession_MalformedLineFailsTurn(t *testing.T) {
	body := `{"response":"good ","done":false}
{"response":"so far","done":false}
{broken
`
	s := newTestSession(t, &fakeInference{body: body})
	p := &fakePresenter{}
	res, err := s.Submit(context.Background(), "t", "x", p)
	require.NoError(t, err)
	require.Equal(t, StateFailed, res.State)
	require.ErrorIs(t, res.Err, stream.ErrMalformedFragment)
	require.Equal(t, "good so far", res.Text)
	require.Equal(t, "good so far", p.frames[len(p.frames)-1])
	require.Empty(t, p.copies)
	require.Equal(t, 1, p.hides)
	require.Equal(t, StateFailed, p.states[len(p.states)-1])
	require.ErrorIs(t, p.errs[len(p.errs)-1], stream.ErrMalformedFragment)
}

func TestSession_ConnectivityErrorFailsTurn(t *testing.T) {
	ce := &ollama.ConnectivityError{Host: "http://x", Message: "connection refused"}
	s := newTestSession(t, &fakeInference{err: ce})
	p := &fakePresenter{}
	res, err := s.Submit(context.Background(), "t", "x", p)
	require.NoError(t, err)
	require.Equal(t, StateFailed, res.State)
	var got *ollama.ConnectivityError
	require.True(t, errors.As(res.Err, &got))
	require.Equal(t, []State{StatePending, StateFailed}, p.states)
	require.Equal(t, 1, p.shows)
	require.Equal(t, 1, p.hides)
}

func TestSession_ClosedBeforeCompletionFailsTurn(t *testing.T) {
	s := newTestSession(t, &fakeInference{body: `{"response":"cut","done":false}` + "\n"})
	res, err := s.Submit(context.Background(), "t", "x", &fakePresenter{})
	require.NoError(t, err)
	require.Equal(t, StateFailed, res.State)
	require.ErrorIs(t, res.Err, stream.ErrClosedBeforeCompletion)
	require.Equal(t, "cut", res.Text)
}

func TestSession_SingleTurnInFlight(t *testing.T) {
	s := newTestSession(t, &fakeInference{body: fiveLines})
	pending, err := s.Begin(context.Background(), "a", "first", nil)
	require.NoError(t, err)
	require.True(t, s.Busy())

	_, err = s.Begin(context.Background(), "b", "second", nil)
	require.ErrorIs(t, err, ErrTurnInProgress)

	res := pending.Run(context.Background())
	require.Equal(t, StateCompleted, res.State)
	require.False(t, s.Busy())

	_, err = s.Begin(context.Background(), "c", "   ", nil)
	require.ErrorIs(t, err, ErrEmptyPrompt)
}

func TestSession_RequiresModel(t *testing.T) {
	s := NewSession("", NewController(&fakeInference{}), nil, plainFormatter{})
	require.NotEmpty(t, s.ID)
	_, err := s.Begin(context.Background(), "", "hi", nil)
	require.ErrorIs(t, err, ErrNoModel)
}

func TestSession_ResetDiscardsInFlightOutcome(t *testing.T) {
	s := newTestSession(t, &fakeInference{body: fiveLines})
	pending, err := s.Begin(context.Background(), "a", "first", nil)
	require.NoError(t, err)
	s.Reset()

	res := pending.Run(context.Background())
	require.Equal(t, StateCancelled, res.State)
	require.Empty(t, s.Transcript())
	require.Empty(t, s.ContextToken())
	require.Equal(t, "llama3:8b", s.Settings().Model)
}

func TestSession_RecordRestore(t *testing.T) {
	s := newTestSession(t, &fakeInference{body: fiveLines})
	s.SetSystemPrompt("sys")
	require.NoError(t, s.SetFramework("APE Prompt"))
	_, err := s.Submit(context.Background(), "t", "hi", nil)
	require.NoError(t, err)

	rec := s.Record("Test")
	require.Equal(t, "Test", rec.Name)
	require.Equal(t, "llama3:8b", rec.ModelName)
	require.Equal(t, "sys", rec.SystemPrompt)
	require.Equal(t, "APE Prompt", rec.Framework)
	require.JSONEq(t, `[10,20]`, string(rec.ContextToken))
	require.Len(t, rec.Transcript, 2)
	require.Empty(t, rec.HistoryMarkup)

	withHistory, err := s.RecordWithHistory("Test", render.NewHTMLFormatter())
	require.NoError(t, err)
	require.Contains(t, withHistory.HistoryMarkup, `<div class="message user"><div class="bubble">hi</div></div>`)
	require.Contains(t, withHistory.HistoryMarkup, "one two three four five")
	require.Equal(t, rec.Transcript, withHistory.Transcript)

	other := newTestSession(t, &fakeInference{})
	other.Restore(chatstore.ConversationRecord{
		Name:         "Test",
		ContextToken: json.RawMessage(`[1]`),
		SystemPrompt: "restored",
		ModelName:    "mistral",
		Framework:    "gone",
		Transcript:   rec.Transcript,
	})
	require.Equal(t, Settings{Model: "mistral", SystemPrompt: "restored", Framework: framework.None}, other.Settings())
	require.JSONEq(t, `[1]`, string(other.ContextToken()))
	require.Equal(t, rec.Transcript, other.Transcript())
}

func TestCanceller(t *testing.T) {
	parent, cancelParent := context.WithCancel(context.Background())
	defer cancelParent()

	c := NewCanceller(parent)
	require.False(t, c.Fired())
	require.NoError(t, c.Cause())
	c.Cancel()
	c.Cancel()
	require.True(t, c.Fired())
	require.ErrorIs(t, c.Cause(), ErrStopRequested)
	require.Error(t, c.Context().Err())
	c.release()
	require.True(t, c.Fired())

	viaParent := NewCanceller(parent)
	cancelParent()
	require.True(t, viaParent.Fired())
	require.ErrorIs(t, viaParent.Cause(), context.Canceled)

	released := NewCanceller(context.Background())
	released.release()
	released.Cancel()
	require.False(t, released.Fired())
}

func TestStateTransitions(t *testing.T) {
	allowed := map[State][]State{
		StatePending:    {StateStreaming, StateCancelled, StateFailed},
		StateStreaming:  {StateStreaming, StateFinalizing, StateCancelled, StateFailed},
		StateFinalizing: {StateCompleted, StateCancelled, StateFailed},
	}
	all := []State{StatePending, StateStreaming, StateFinalizing, StateCompleted, StateCancelled, StateFailed}
	for _, from := range all {
		for _, to := range all {
			want := false
			for _, a := range allowed[from] {
				if a == to {
					want = true
				}
			}
			require.Equal(t, want, from.CanTransition(to), "%s -> %s", from, to)
		}
	}
	for _, st := range []State{StateCompleted, StateCancelled, StateFailed} {
		require.True(t, st.Terminal())
	}

	b, err := json.Marshal(map[string]State{"s": StateFinalizing})
	require.NoError(t, err)
	require.JSONEq(t, `{"s":"finalizing"}`, string(b))
	var back map[string]State
	require.NoError(t, json.Unmarshal(b, &back))
	require.Equal(t, StateFinalizing, back["s"])
}

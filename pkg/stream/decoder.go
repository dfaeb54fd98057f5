package stream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"iter"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/promptstorm/pkg/ollama"
)

var (
	// ErrMalformedFragment is matched by every DecodeError.
	ErrMalformedFragment = errors.New("malformed stream fragment")
	// ErrClosedBeforeCompletion is returned when the body ends before a final
	// fragment was seen and the turn was not cancelled.
	ErrClosedBeforeCompletion = errors.New("stream closed before completion")
	// ErrRemote is matched by every RemoteError.
	ErrRemote = errors.New("inference endpoint reported an error")
)

// DecodeError reports a line that is not a valid fragment.
type DecodeError struct {
	Line int
	Raw  string
	Err  error
}

func (e *DecodeError) Error() string {
	return "decode stream line " + strconv.Itoa(e.Line) + ": " + e.Err.Error()
}

func (e *DecodeError) Unwrap() error { return e.Err }

func (e *DecodeError) Is(target error) bool { return target == ErrMalformedFragment }

// RemoteError carries an error object sent by the server in place of a fragment.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string { return e.Message }

func (e *RemoteError) Is(target error) bool { return target == ErrRemote }

// Stats are the generation counters reported on the final fragment.
type Stats struct {
	DoneReason      string
	PromptEvalCount int
	EvalCount       int
	TotalDuration   time.Duration
	EvalDuration    time.Duration
}

// Fragment is one decoded unit of streamed output.
type Fragment struct {
	Text  string
	Final bool
	// Context is only set on the final fragment.
	Context json.RawMessage
	// Stats is only set on the final fragment.
	Stats *Stats
}

// Decoder turns a newline-delimited JSON body into an ordered sequence of
// fragments. Lines are assembled across arbitrary read boundaries and a
// fragment is only produced once its line is complete.
//
// A Decoder is single-use and not safe for concurrent calls to Next.
type Decoder struct {
	ctx  context.Context
	body io.ReadCloser
	r    *bufio.Reader

	stopAfter func() bool
	closeOnce sync.Once
	closeErr  error

	line       int
	pendingErr error
	err        error
	cancelled  bool
}

// NewDecoder binds a decoder to body. When ctx is done the body is closed so a
// blocked read returns, and the sequence ends as cancelled.
func NewDecoder(ctx context.Context, body io.ReadCloser) *Decoder {
	if ctx == nil {
		ctx = context.Background()
	}
	d := &Decoder{
		ctx:  ctx,
		body: body,
		r:    bufio.NewReaderSize(body, 32*1024),
	}
	d.stopAfter = context.AfterFunc(ctx, func() { _ = d.closeBody() })
	return d
}

// Next returns the next fragment. It returns io.EOF after the final fragment
// and when the stream was cancelled; Cancelled distinguishes the two. Any
// other error is terminal and repeated on subsequent calls.
func (d *Decoder) Next() (Fragment, error) {
	if d.err != nil {
		return Fragment{}, d.err
	}
	for {
		if d.ctx.Err() != nil {
			return Fragment{}, d.cancel()
		}
		if d.pendingErr != nil {
			return Fragment{}, d.readFailed(d.pendingErr)
		}

		raw, readErr := d.r.ReadBytes('\n')
		if readErr != nil && d.ctx.Err() != nil {
			return Fragment{}, d.cancel()
		}
		// A transport error leaves an unterminated line; it is not parsed.
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return Fragment{}, d.readFailed(readErr)
		}
		line := bytes.TrimSpace(raw)
		if len(line) == 0 {
			if readErr != nil {
				return Fragment{}, d.readFailed(readErr)
			}
			continue
		}
		d.line++
		frag, err := d.parse(line)
		if err != nil {
			return Fragment{}, d.fail(err)
		}
		if d.ctx.Err() != nil {
			return Fragment{}, d.cancel()
		}
		if frag.Final {
			d.finish(io.EOF)
			return frag, nil
		}
		if readErr != nil {
			d.pendingErr = readErr
		}
		return frag, nil
	}
}

// Fragments exposes the decoder as a pull iterator. A terminal failure is
// yielded once with a zero fragment; cancellation and normal completion end
// the sequence silently.
func (d *Decoder) Fragments() iter.Seq2[Fragment, error] {
	return func(yield func(Fragment, error) bool) {
		for {
			frag, err := d.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(Fragment{}, err)
				return
			}
			if !yield(frag, nil) {
				return
			}
		}
	}
}

// Cancelled reports whether the sequence ended because ctx was done.
func (d *Decoder) Cancelled() bool { return d.cancelled }

// Err returns the terminal error, if any. io.EOF is not reported.
func (d *Decoder) Err() error {
	if d.err == nil || errors.Is(d.err, io.EOF) {
		return nil
	}
	return d.err
}

// Close releases the body. It is safe to call more than once.
func (d *Decoder) Close() error {
	if d.err == nil {
		d.finish(errors.New("decoder closed"))
	}
	return d.closeBody()
}

func (d *Decoder) parse(line []byte) (Fragment, error) {
	var chunk ollama.GenerateChunk
	if err := json.Unmarshal(line, &chunk); err != nil {
		return Fragment{}, &DecodeError{Line: d.line, Raw: truncate(string(line), 256), Err: err}
	}
	if chunk.Error != "" {
		return Fragment{}, &RemoteError{Message: chunk.Error}
	}
	frag := Fragment{Text: chunk.Response, Final: chunk.Done}
	if chunk.Done {
		frag.Context = chunk.Context
		frag.Stats = &Stats{
			DoneReason:      chunk.DoneReason,
			PromptEvalCount: chunk.PromptEvalCount,
			EvalCount:       chunk.EvalCount,
			TotalDuration:   time.Duration(chunk.TotalDuration),
			EvalDuration:    time.Duration(chunk.EvalDuration),
		}
	}
	return frag, nil
}

func (d *Decoder) readFailed(err error) error {
	if errors.Is(err, io.EOF) {
		return d.fail(ErrClosedBeforeCompletion)
	}
	return d.fail(errors.Wrap(err, "read stream"))
}

func (d *Decoder) cancel() error {
	d.cancelled = true
	d.finish(io.EOF)
	return io.EOF
}

func (d *Decoder) fail(err error) error {
	d.finish(err)
	return err
}

func (d *Decoder) finish(err error) {
	d.err = err
	if d.stopAfter != nil {
		d.stopAfter()
	}
	_ = d.closeBody()
}

func (d *Decoder) closeBody() error {
	d.closeOnce.Do(func() {
		if d.body != nil {
			d.closeErr = d.body.Close()
		}
	})
	return d.closeErr
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

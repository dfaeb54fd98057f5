package stream

import (
	"context"
	"io"
	"math/rand"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

const fiveFragments = `{"response":"Hel","done":false}
{"response":"lo, ","done":false}
{"response":"wor","done":false}
{"response":"ld","done":false}
{"response":"!","done":true,"done_reason":"stop","eval_count":5,"context":[1,2,3]}
`

type chunkReader struct {
	data []byte
	rng  *rand.Rand
	max  int
}

func (c *chunkReader) Read(p []byte) (int, error) {
	if len(c.data) == 0 {
		return 0, io.EOF
	}
	n := 1 + c.rng.Intn(c.max)
	if n > len(c.data) {
		n = len(c.data)
	}
	if n > len(p) {
		n = len(p)
	}
	copy(p, c.data[:n])
	c.data = c.data[n:]
	return n, nil
}

type trackingBody struct {
	io.Reader
	closed int
}

func (b *trackingBody) Close() error {
	b.closed++
	return nil
}

func collect(t *testing.T, d *Decoder) ([]Fragment, error) {
	t.Helper()
	var out []Fragment
	for {
		f, err := d.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, f)
	}
}

func texts(frags []Fragment) string {
	var sb strings.Builder
	for _, f := range frags {
		sb.WriteString(f.Text)
	}
	return sb.String()
}

func TestDecoder_WholeBody(t *testing.T) {
	body := &trackingBody{Reader: strings.NewReader(fiveFragments)}
	d := NewDecoder(context.Background(), body)

	frags, err := collect(t, d)
	require.NoError(t, err)
	require.Len(t, frags, 5)
	require.Equal(t, "Hello, world!", texts(frags))
	require.False(t, d.Cancelled())
	require.NoError(t, d.Err())

	last := frags[4]
	require.True(t, last.Final)
	require.JSONEq(t, `[1,2,3]`, string(last.Context))
	require.NotNil(t, last.Stats)
	require.Equal(t, "stop", last.Stats.DoneReason)
	require.Equal(t, 5, last.Stats.EvalCount)
	for _, f := range frags[:4] {
		require.False(t, f.Final)
		require.Nil(t, f.Context)
	}
	require.Equal(t, 1, body.closed)
}

func TestDecoder_ChunkingDoesNotChangeOutput(t *testing.T) {
	oneByte := NewDecoder(context.Background(), io.NopCloser(iotest.OneByteReader(strings.NewReader(fiveFragments))))
	want, err := collect(t, oneByte)
	require.NoError(t, err)
	require.Len(t, want, 5)

	for seed := int64(0); seed < 50; seed++ {
		r := &chunkReader{data: []byte(fiveFragments), rng: rand.New(rand.NewSource(seed)), max: 17}
		got, err := collect(t, NewDecoder(context.Background(), io.NopCloser(r)))
		require.NoError(t, err)
		require.Equal(t, want, got, "seed %d", seed)
	}
}

func TestDecoder_SplitInsideMultibyteRune(t *testing.T) {
	payload := "{\"response\":\"café ☕\",\"done\":false}\n{\"response\":\"\",\"done\":true}\n"
	got, err := collect(t, NewDecoder(context.Background(), io.NopCloser(iotest.HalfReader(strings.NewReader(payload)))))
	require.NoError(t, err)
	require.Equal(t, "café ☕", texts(got))
}

func TestDecoder_BlankLinesAndCRLF(t *testing.T) {
	payload := "\r\n{\"response\":\"a\",\"done\":false}\r\n\n\n{\"response\":\"b\",\"done\":true}\r\n"
	got, err := collect(t, NewDecoder(context.Background(), io.NopCloser(strings.NewReader(payload))))
	require.NoError(t, err)
	require.Equal(t, "ab", texts(got))
}

func TestDecoder_TrailingLineWithoutNewline(t *testing.T) {
	payload := `{"response":"a","done":false}` + "\n" + `{"response":"b","done":true,"context":[9]}`
	got, err := collect(t, NewDecoder(context.Background(), io.NopCloser(strings.NewReader(payload))))
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.True(t, got[1].Final)
}

func TestDecoder_MalformedLineStopsSequence(t *testing.T) {
	payload := `{"response":"one","done":false}
{"response":"two","done":false}
{"response": nope}
{"response":"never","done":true}
`
	body := &trackingBody{Reader: strings.NewReader(payload)}
	d := NewDecoder(context.Background(), body)
	got, err := collect(t, d)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrMalformedFragment))
	var de *DecodeError
	require.True(t, errors.As(err, &de))
	require.Equal(t, 3, de.Line)
	require.Equal(t, "onetwo", texts(got))
	require.False(t, d.Cancelled())
	require.Equal(t, 1, body.closed)

	_, again := d.Next()
	require.Equal(t, err, again)
}

func TestDecoder_RemoteErrorLine(t *testing.T) {
	payload := `{"response":"par","done":false}
{"error":"model runner has unexpectedly stopped"}
`
	got, err := collect(t, NewDecoder(context.Background(), io.NopCloser(strings.NewReader(payload))))
	require.True(t, errors.Is(err, ErrRemote))
	require.Equal(t, "model runner has unexpectedly stopped", err.Error())
	require.Equal(t, "par", texts(got))
}

func TestDecoder_EOFBeforeFinal(t *testing.T) {
	payload := `{"response":"half","done":false}` + "\n"
	d := NewDecoder(context.Background(), io.NopCloser(strings.NewReader(payload)))
	got, err := collect(t, d)
	require.ErrorIs(t, err, ErrClosedBeforeCompletion)
	require.Equal(t, "half", texts(got))
}

func TestDecoder_ReadErrorMidLineIsNotMalformed(t *testing.T) {
	reset := errors.New("connection reset by peer")
	body := io.MultiReader(
		strings.NewReader(`{"response":"first","done":false}`+"\n"+`{"respo`),
		iotest.ErrReader(reset),
	)
	got, err := collect(t, NewDecoder(context.Background(), io.NopCloser(body)))
	require.ErrorIs(t, err, reset)
	require.NotErrorIs(t, err, ErrMalformedFragment)
	require.Contains(t, err.Error(), "read stream")
	require.Equal(t, "first", texts(got))
}

func TestDecoder_EmptyBody(t *testing.T) {
	_, err := collect(t, NewDecoder(context.Background(), io.NopCloser(strings.NewReader(""))))
	require.ErrorIs(t, err, ErrClosedBeforeCompletion)
}

func TestDecoder_IgnoresLinesAfterFinal(t *testing.T) {
	payload := `{"response":"x","done":true}
{"response":"late","done":false}
`
	got, err := collect(t, NewDecoder(context.Background(), io.NopCloser(strings.NewReader(payload))))
	require.NoError(t, err)
	require.Equal(t, "x", texts(got))
}

func TestDecoder_CancelUnblocksPendingRead(t *testing.T) {
	pr, pw := io.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	d := NewDecoder(ctx, pr)

	go func() {
		_, _ = pw.Write([]byte(`{"response":"first","done":false}` + "\n"))
	}()
	f, err := d.Next()
	require.NoError(t, err)
	require.Equal(t, "first", f.Text)

	done := make(chan error, 1)
	go func() {
		_, err := d.Next()
		done <- err
	}()
	cancel()
	require.ErrorIs(t, <-done, io.EOF)
	require.True(t, d.Cancelled())
	require.NoError(t, d.Err())
}

func TestDecoder_CancelledBeforeFirstRead(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d := NewDecoder(ctx, io.NopCloser(strings.NewReader(fiveFragments)))
	got, err := collect(t, d)
	require.NoError(t, err)
	require.Empty(t, got)
	require.True(t, d.Cancelled())
}

func TestDecoder_FragmentsIterator(t *testing.T) {
	d := NewDecoder(context.Background(), io.NopCloser(strings.NewReader(fiveFragments)))
	var sb strings.Builder
	finals := 0
	for f, err := range d.Fragments() {
		require.NoError(t, err)
		sb.WriteString(f.Text)
		if f.Final {
			finals++
		}
	}
	require.Equal(t, "Hello, world!", sb.String())
	require.Equal(t, 1, finals)
}

func TestDecoder_FragmentsIteratorYieldsFailureOnce(t *testing.T) {
	d := NewDecoder(context.Background(), io.NopCloser(strings.NewReader("{\"response\":\"a\"}\nnot json\n")))
	var errs []error
	n := 0
	for _, err := range d.Fragments() {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		n++
	}
	require.Equal(t, 1, n)
	require.Len(t, errs, 1)
	require.ErrorIs(t, errs[0], ErrMalformedFragment)
}

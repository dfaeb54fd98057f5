package render

import (
	"context"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type upperFormatter struct {
	calls []string
}

func (f *upperFormatter) Format(source string) (string, error) {
	f.calls = append(f.calls, source)
	return "<p>" + strings.ToUpper(source) + "</p>", nil
}

type recordingDisplay struct {
	frames []string
}

func (d *recordingDisplay) Replace(_ context.Context, rendered string) error {
	d.frames = append(d.frames, rendered)
	return nil
}

func TestRenderer_BufferIsConcatenationOfDeltas(t *testing.T) {
	f := &upperFormatter{}
	d := &recordingDisplay{}
	r := NewRenderer(f, d)
	ctx := context.Background()

	for _, delta := range []string{"Hel", "lo", ", ", "world"} {
		require.NoError(t, r.Append(ctx, delta))
	}
	require.Equal(t, "Hello, world", r.Source())
	require.Equal(t, []string{"Hel", "Hello", "Hello, ", "Hello, world"}, f.calls)
	require.Equal(t, "<p>HELLO, WORLD</p>", d.frames[len(d.frames)-1])
	require.Equal(t, 4, r.Renders())
}

func TestRenderer_EmptyDeltaDoesNotRender(t *testing.T) {
	f := &upperFormatter{}
	d := &recordingDisplay{}
	r := NewRenderer(f, d)

	require.NoError(t, r.Append(context.Background(), ""))
	require.Empty(t, d.frames)
	require.NoError(t, r.Append(context.Background(), "a"))
	require.NoError(t, r.Append(context.Background(), ""))
	require.Len(t, d.frames, 1)
}

func TestRenderer_RerenderIsIdempotent(t *testing.T) {
	f := NewHTMLFormatter()
	source := "# Title\n\nSome *text* and `code`.\n\n```go\nfmt.Println(1)\n```\n"
	a, err := f.Format(source)
	require.NoError(t, err)
	b, err := f.Format(source)
	require.NoError(t, err)
	require.Equal(t, a, b)

	d := &recordingDisplay{}
	r := NewRenderer(f, d)
	require.NoError(t, r.Append(context.Background(), source))
	require.NoError(t, r.Refresh(context.Background()))
	require.Len(t, d.frames, 2)
	require.Equal(t, d.frames[0], d.frames[1])
}

func TestRenderer_FreezeReturnsSourceAndStopsAppends(t *testing.T) {
	r := NewRenderer(NewHTMLFormatter(), nil)
	require.NoError(t, r.Append(context.Background(), "**bold** <b>raw</b>"))
	src := r.Freeze()
	require.Equal(t, "**bold** <b>raw</b>", src)
	require.True(t, r.Frozen())
	require.ErrorIs(t, r.Append(context.Background(), "more"), ErrFrozen)
	require.Equal(t, src, r.Source())
}

func TestRenderer_DisplayErrorIsReturned(t *testing.T) {
	boom := errors.New("socket gone")
	r := NewRenderer(&upperFormatter{}, DisplayFunc(func(context.Context, string) error { return boom }))
	err := r.Append(context.Background(), "x")
	require.ErrorIs(t, err, boom)
}

func TestHTMLFormatter_SanitizesActiveContent(t *testing.T) {
	f := NewHTMLFormatter()
	out, err := f.Format("hi <script>alert(1)</script><img src=x onerror=alert(2)> [x](javascript:alert(3))")
	require.NoError(t, err)
	require.NotContains(t, out, "<script")
	require.NotContains(t, out, "onerror")
	require.NotContains(t, out, "javascript:")
	require.Contains(t, out, "hi")
}

func TestHTMLFormatter_KeepsMarkdownStructure(t *testing.T) {
	f := NewHTMLFormatter()
	out, err := f.Format("**bold**\n\n```python\nprint(1)\n```\n\n| a | b |\n|---|---|\n| 1 | 2 |\n")
	require.NoError(t, err)
	require.Contains(t, out, "<strong>bold</strong>")
	require.Contains(t, out, `<code class="language-python">`)
	require.Contains(t, out, "<table>")
}

func TestHTMLFormatter_PartialMarkdownRenders(t *testing.T) {
	f := NewHTMLFormatter()
	out, err := f.Format("```go\nfunc main() {")
	require.NoError(t, err)
	require.Contains(t, out, "func main() {")
}

func TestStripControl(t *testing.T) {
	in := "plain \x1b[31mred\x1b[0m \x1b]0;title\x07 bell\x07 tab\tnl\n\r"
	require.Equal(t, "plain red  bell tab\tnl\n", StripControl(in))
}

func TestTerminalFormatter_NoColor(t *testing.T) {
	f, err := NewTerminalFormatter(TerminalOptions{Width: 60, NoColor: true})
	require.NoError(t, err)
	out, err := f.Format("# Heading\n\nhello \x1b[2Jworld")
	require.NoError(t, err)
	require.Contains(t, out, "Heading")
	require.Contains(t, out, "hello world")
	require.NotContains(t, out, "\x1b[2J")
}

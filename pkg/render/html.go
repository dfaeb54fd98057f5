package render

import (
	"bytes"
	"regexp"
	"sync"

	"github.com/microcosm-cc/bluemonday"
	"github.com/pkg/errors"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

var codeLanguageClass = regexp.MustCompile(`^language-[\w+#.-]+$`)

// HTMLFormatter renders GitHub-flavoured markdown to HTML and sanitizes the
// result. Raw HTML in the source is passed to the sanitizer rather than
// escaped, so harmless markup survives and active content is removed.
type HTMLFormatter struct {
	md     goldmark.Markdown
	policy *bluemonday.Policy
	mu     sync.Mutex
	buf    bytes.Buffer
}

var _ Formatter = &HTMLFormatter{}

func NewHTMLFormatter() *HTMLFormatter {
	md := goldmark.New(
		goldmark.WithExtensions(extension.GFM),
		goldmark.WithRendererOptions(html.WithUnsafe()),
	)
	return &HTMLFormatter{md: md, policy: NewHTMLPolicy()}
}

// NewHTMLPolicy is the sanitization policy applied to model output.
func NewHTMLPolicy() *bluemonday.Policy {
	p := bluemonday.UGCPolicy()
	p.AllowAttrs("class").Matching(codeLanguageClass).OnElements("code")
	p.AllowAttrs("type", "checked", "disabled").OnElements("input")
	p.RequireNoFollowOnLinks(true)
	p.AddTargetBlankToFullyQualifiedLinks(true)
	return p
}

func (f *HTMLFormatter) Format(source string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buf.Reset()
	if err := f.md.Convert([]byte(source), &f.buf); err != nil {
		return "", errors.Wrap(err, "convert markdown")
	}
	return string(f.policy.SanitizeBytes(f.buf.Bytes())), nil
}

// Sanitize runs arbitrary markup through the same policy, for content that
// did not come out of Format (e.g. stored history).
func (f *HTMLFormatter) Sanitize(markup string) string {
	return f.policy.Sanitize(markup)
}

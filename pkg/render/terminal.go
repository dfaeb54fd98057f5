package render

import (
	"strings"
	"sync"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/x/ansi"
	"github.com/muesli/termenv"
	"github.com/pkg/errors"
)

// TerminalOptions controls terminal rendering.
type TerminalOptions struct {
	Width   int
	NoColor bool
	// Style is a glamour standard style name; empty picks one from the
	// terminal background.
	Style string
}

// TerminalFormatter renders markdown for a terminal. Escape sequences and
// control characters in the source are removed before rendering, so the
// model cannot drive the terminal.
type TerminalFormatter struct {
	mu sync.Mutex
	r  *glamour.TermRenderer
}

var _ Formatter = &TerminalFormatter{}

func NewTerminalFormatter(opts TerminalOptions) (*TerminalFormatter, error) {
	options := []glamour.TermRendererOption{}
	switch {
	case opts.NoColor:
		options = append(options,
			glamour.WithStandardStyle("notty"),
			glamour.WithColorProfile(termenv.Ascii),
		)
	case opts.Style != "":
		options = append(options,
			glamour.WithStandardStyle(opts.Style),
			glamour.WithColorProfile(termenv.ColorProfile()),
		)
	default:
		style := "light"
		if termenv.HasDarkBackground() {
			style = "dark"
		}
		options = append(options,
			glamour.WithStandardStyle(style),
			glamour.WithColorProfile(termenv.ColorProfile()),
		)
	}
	if opts.Width > 0 {
		options = append(options, glamour.WithWordWrap(opts.Width))
	}
	r, err := glamour.NewTermRenderer(options...)
	if err != nil {
		return nil, errors.Wrap(err, "create terminal renderer")
	}
	return &TerminalFormatter{r: r}, nil
}

func (f *TerminalFormatter) Format(source string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out, err := f.r.Render(StripControl(source))
	if err != nil {
		return "", errors.Wrap(err, "render markdown")
	}
	return strings.Trim(out, "\n"), nil
}

// StripControl removes ANSI escape sequences and C0/C1 control characters
// other than newline and tab.
func StripControl(s string) string {
	s = ansi.Strip(s)
	return strings.Map(func(r rune) rune {
		switch {
		case r == '\n' || r == '\t':
			return r
		case r == '\r':
			return -1
		case r < 0x20 || r == 0x7f || (r >= 0x80 && r < 0xa0):
			return -1
		}
		return r
	}, s)
}

package render

import (
	"html"
	"strings"

	"github.com/go-go-golems/promptstorm/pkg/persistence/chatstore"
)

// PromptHTML renders a user prompt as escaped text with line breaks kept.
func PromptHTML(prompt string) string {
	return strings.ReplaceAll(html.EscapeString(prompt), "\n", "<br>")
}

// HistoryMarkup renders a transcript the way the web page shows it live.
// Model output goes through f, so the markup is sanitized.
func HistoryMarkup(entries []chatstore.TranscriptEntry, f *HTMLFormatter) (string, error) {
	var sb strings.Builder
	for _, e := range entries {
		switch e.Role {
		case chatstore.RoleUser:
			sb.WriteString(`<div class="message user"><div class="bubble">`)
			sb.WriteString(PromptHTML(e.Text))
			sb.WriteString(`</div></div>`)
		default:
			out, err := f.Format(e.Text)
			if err != nil {
				return "", err
			}
			sb.WriteString(`<div class="message assistant"><div class="bubble markdown">`)
			sb.WriteString(out)
			sb.WriteString(`</div></div>`)
		}
	}
	return sb.String(), nil
}

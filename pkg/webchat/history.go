package webchat

import (
	"github.com/go-go-golems/promptstorm/pkg/persistence/chatstore"
	"github.com/go-go-golems/promptstorm/pkg/render"
)

// recordMarkup picks the markup to show for a loaded record: rebuilt from the
// transcript when present, else the stored markup after sanitizing.
func recordMarkup(rec chatstore.ConversationRecord, f *render.HTMLFormatter) (string, error) {
	if len(rec.Transcript) > 0 {
		return render.HistoryMarkup(rec.Transcript, f)
	}
	return f.Sanitize(rec.HistoryMarkup), nil
}

// Package scroll tracks whether a chat view should follow new output.
//
// Following is on by default. Scrolling up turns it off; scrolling down to
// within Slack of the bottom turns it back on.
package scroll

import "sync"

// DefaultSlack is how close to the bottom counts as "at the bottom".
const DefaultSlack = 30

// Position is a scroll event: Offset is the distance from the top, Max the
// largest possible offset (content height minus viewport height).
type Position struct {
	Offset int
	Max    int
}

// Tracker is safe for concurrent use.
type Tracker struct {
	mu     sync.Mutex
	follow bool
	last   int
	slack  int
}

func NewTracker(slack int) *Tracker {
	if slack < 0 {
		slack = DefaultSlack
	}
	return &Tracker{follow: true, slack: slack}
}

// OnScroll records a scroll event and reports whether the follow state changed.
func (t *Tracker) OnScroll(p Position) (lockChanged bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	defer func() { t.last = p.Offset }()

	switch {
	case t.follow && p.Offset < t.last:
		t.follow = false
		return true
	case !t.follow && p.Offset > t.last && p.Offset >= p.Max-t.slack:
		t.follow = true
		return true
	}
	return false
}

// Following reports whether new output should scroll the view to the end.
func (t *Tracker) Following() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.follow
}

// Reset turns following back on, e.g. for a new chat.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.follow = true
	t.last = 0
}

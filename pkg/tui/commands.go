package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/promptstorm/pkg/turn"
)

var errNoStore = errors.New("conversation storage is not configured")

// command runs a slash command typed in the input.
func (m *Model) command(line string) error {
	name, arg, _ := strings.Cut(strings.TrimPrefix(line, "/"), " ")
	arg = strings.TrimSpace(arg)
	session := m.opts.Session

	switch name {
	case "model":
		if arg == "" {
			return errors.New("usage: /model <name>")
		}
		session.SetModel(arg)
		m.setStatus("model set to "+arg, false)

	case "framework":
		if arg == "" {
			return errors.New("usage: /framework <name>")
		}
		if err := session.SetFramework(arg); err != nil {
			return err
		}
		m.setStatus("framework set to "+arg, false)

	case "system":
		session.SetSystemPrompt(arg)
		if arg == "" {
			m.setStatus("system prompt cleared", false)
		} else {
			m.setStatus("system prompt set", false)
		}

	case "save":
		if m.opts.Store == nil {
			return errNoStore
		}
		if session.Busy() {
			return turn.ErrTurnInProgress
		}
		rec, err := session.RecordWithHistory(arg, m.opts.History)
		if err != nil {
			return err
		}
		if err := m.opts.Store.Save(m.ctx, rec); err != nil {
			return err
		}
		m.setStatus("saved "+arg, false)

	case "load":
		if m.opts.Store == nil {
			return errNoStore
		}
		rec, err := m.opts.Store.Load(m.ctx, arg)
		if err != nil {
			return err
		}
		session.Restore(rec)
		m.busy = false
		m.lastCopy = ""
		m.loadTranscript(rec.Transcript)
		m.setStatus("loaded "+rec.Name, false)

	case "delete":
		if m.opts.Store == nil {
			return errNoStore
		}
		if err := m.opts.Store.Delete(m.ctx, arg); err != nil {
			return err
		}
		m.setStatus("deleted "+arg, false)

	case "list":
		if m.opts.Store == nil {
			return errNoStore
		}
		list, err := m.opts.Store.List(m.ctx)
		if err != nil {
			return err
		}
		if len(list) == 0 {
			m.setStatus("no saved conversations", false)
			return nil
		}
		names := make([]string, 0, len(list))
		for _, c := range list {
			names = append(names, c.Name)
		}
		m.setStatus("saved: "+strings.Join(names, ", "), false)

	case "help":
		m.setStatus("/model /framework /system /save /load /delete /list · "+helpLine, false)

	default:
		return errors.Errorf("unknown command /%s", name)
	}
	m.layout()
	return nil
}

func statsLine(res turn.Result) string {
	s := res.Stats
	parts := []string{"done"}
	if s.DoneReason != "" {
		parts = append(parts, s.DoneReason)
	}
	if s.EvalCount > 0 {
		parts = append(parts, fmt.Sprintf("%d tokens", s.EvalCount))
		if s.EvalDuration > 0 {
			rate := float64(s.EvalCount) / (float64(s.EvalDuration) / float64(time.Second))
			parts = append(parts, fmt.Sprintf("%.1f tok/s", rate))
		}
	}
	parts = append(parts, res.Duration.Round(10*time.Millisecond).String())
	return strings.Join(parts, " · ")
}

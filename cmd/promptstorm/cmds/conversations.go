package cmds

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	input "github.com/tcnksm/go-input"
	"github.com/tiktoken-go/tokenizer"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/promptstorm/pkg/persistence/chatstore"
	"github.com/go-go-golems/promptstorm/pkg/render"
	"github.com/go-go-golems/promptstorm/pkg/turn"
)

func newConversationsCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"conv"},
		Short:   "Manage saved conversations",
	}
	cmd.AddCommand(
		buildRowCommand(NewConversationsListCommand(a)),
		newConversationsShowCommand(a),
		buildRowCommand(NewConversationStatsCommand(a)),
		newConversationsDeleteCommand(a),
		newConversationsExportCommand(a),
		newConversationsImportCommand(a),
	)
	return cmd
}

type ConversationsListCommand struct {
	*cmds.CommandDescription
	app *app
}

func NewConversationsListCommand(a *app) (*ConversationsListCommand, error) {
	desc, err := newRowDescription(
		"list",
		cmds.WithShort("List saved conversations, most recent first"),
	)
	if err != nil {
		return nil, err
	}
	return &ConversationsListCommand{CommandDescription: desc, app: a}, nil
}

func (c *ConversationsListCommand) RunIntoGlazeProcessor(
	ctx context.Context,
	_ *values.Values,
	gp middlewares.Processor,
) error {
	rows, err := c.app.conversationRows(ctx)
	if err != nil {
		return err
	}
	return addRows(ctx, gp, rows)
}

var _ cmds.GlazeCommand = &ConversationsListCommand{}

func (a *app) conversationRows(ctx context.Context) ([]types.Row, error) {
	store, err := a.openStore()
	if err != nil {
		return nil, err
	}
	defer func() { _ = store.Close() }()

	list, err := store.List(ctx)
	if err != nil {
		return nil, err
	}
	rows := make([]types.Row, 0, len(list))
	for _, c := range list {
		rows = append(rows, types.NewRow(
			types.MRP("name", c.Name),
			types.MRP("updated_at", formatMillis(c.UpdatedAtMs)),
			types.MRP("updated_at_ms", c.UpdatedAtMs),
		))
	}
	return rows, nil
}

type ConversationStatsCommand struct {
	*cmds.CommandDescription
	app *app
}

type ConversationStatsSettings struct {
	Names []string `glazed:"names"`
}

func NewConversationStatsCommand(a *app) (*ConversationStatsCommand, error) {
	desc, err := newRowDescription(
		"stats",
		cmds.WithShort("Count messages and tokens of saved conversations"),
		cmds.WithLong("Count messages and tokens per conversation. Tokens are counted with cl100k_base, "+
			"so the numbers are an estimate for Ollama models. Without names, every conversation is counted."),
		cmds.WithArguments(
			fields.New(
				"names",
				fields.TypeStringList,
				fields.WithHelp("Conversations to count"),
				fields.WithDefault([]string{}),
			),
		),
	)
	if err != nil {
		return nil, err
	}
	return &ConversationStatsCommand{CommandDescription: desc, app: a}, nil
}

func (c *ConversationStatsCommand) RunIntoGlazeProcessor(
	ctx context.Context,
	parsedValues *values.Values,
	gp middlewares.Processor,
) error {
	s := &ConversationStatsSettings{}
	if err := parsedValues.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}
	rows, err := c.app.statsRows(ctx, s.Names)
	if err != nil {
		return err
	}
	return addRows(ctx, gp, rows)
}

var _ cmds.GlazeCommand = &ConversationStatsCommand{}

func (a *app) statsRows(ctx context.Context, names []string) ([]types.Row, error) {
	store, err := a.openStore()
	if err != nil {
		return nil, err
	}
	defer func() { _ = store.Close() }()

	if len(names) == 0 {
		list, err := store.List(ctx)
		if err != nil {
			return nil, err
		}
		for _, c := range list {
			names = append(names, c.Name)
		}
	}
	codec, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		return nil, errors.Wrap(err, "load tokenizer")
	}

	rows := make([]types.Row, 0, len(names))
	for _, name := range names {
		rec, err := store.Load(ctx, name)
		if err != nil {
			return nil, errors.Wrapf(err, "load %q", name)
		}
		st, err := conversationStats(rec, codec)
		if err != nil {
			return nil, err
		}
		rows = append(rows, types.NewRow(
			types.MRP("name", rec.Name),
			types.MRP("messages", st.Messages),
			types.MRP("user_messages", st.UserMessages),
			types.MRP("user_tokens", st.UserTokens),
			types.MRP("assistant_tokens", st.AssistantTokens),
			types.MRP("context_length", st.ContextLength),
		))
	}
	return rows, nil
}

func newConversationsShowCommand(a *app) *cobra.Command {
	var noColor bool
	cmd := &cobra.Command{
		Use:   "show NAME",
		Short: "Print a saved conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			rec, err := store.Load(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			formatter, err := terminalFormatter(noColor, "")
			if err != nil {
				return err
			}
			return writeTranscript(cmd.OutOrStdout(), rec, formatter)
		},
	}
	cmd.Flags().BoolVar(&noColor, "no-color", false, "render without colors")
	return cmd
}

func writeTranscript(w io.Writer, rec chatstore.ConversationRecord, f render.Formatter) error {
	header := fmt.Sprintf("# %s\nmodel: %s  framework: %s\n", rec.Name, orDash(rec.ModelName), orDash(rec.Framework))
	if rec.SystemPrompt != "" {
		header += "system: " + render.StripControl(rec.SystemPrompt) + "\n"
	}
	if _, err := fmt.Fprintln(w, header); err != nil {
		return err
	}
	if len(rec.Transcript) == 0 {
		_, err := fmt.Fprintln(w, "(no transcript saved, only the chat markup)")
		return err
	}
	for _, e := range rec.Transcript {
		var text string
		if e.Role == turn.RoleUser {
			text = "› " + render.StripControl(e.Text) + "\n"
		} else {
			rendered, err := f.Format(e.Text)
			if err != nil {
				return err
			}
			text = rendered
		}
		if _, err := fmt.Fprintln(w, text); err != nil {
			return err
		}
	}
	return nil
}

type stats struct {
	Messages        int
	UserMessages    int
	AssistantTokens int
	UserTokens      int
	ContextLength   int
}

// conversationStats counts tokens with cl100k_base. Ollama models use their
// own vocabularies, so the numbers are an estimate.
func conversationStats(rec chatstore.ConversationRecord, codec tokenizer.Codec) (stats, error) {
	var st stats
	for _, e := range rec.Transcript {
		ids, _, err := codec.Encode(e.Text)
		if err != nil {
			return st, errors.Wrap(err, "encode message")
		}
		st.Messages++
		if e.Role == turn.RoleUser {
			st.UserMessages++
			st.UserTokens += len(ids)
		} else {
			st.AssistantTokens += len(ids)
		}
	}
	if len(rec.ContextToken) > 0 {
		var ctxTokens []json.RawMessage
		if err := json.Unmarshal(rec.ContextToken, &ctxTokens); err == nil {
			st.ContextLength = len(ctxTokens)
		}
	}
	return st, nil
}

func newConversationsDeleteCommand(a *app) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "delete NAME",
		Short: "Delete a saved conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			name := args[0]
			if _, err := store.Load(cmd.Context(), name); err != nil {
				return err
			}
			if !yes {
				ok, err := confirm(cmd.InOrStdin(), cmd.ErrOrStderr(), fmt.Sprintf("Delete conversation %q? [y/n]", name))
				if err != nil {
					return err
				}
				if !ok {
					return nil
				}
			}
			if err := store.Delete(cmd.Context(), name); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", name)
			return err
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")
	return cmd
}

func confirm(r io.Reader, w io.Writer, query string) (bool, error) {
	ui := &input.UI{
		Writer: w,
		Reader: r,
	}
	answer, err := ui.Ask(query, &input.Options{
		Default:  "n",
		Required: true,
		Loop:     true,
		ValidateFunc: func(answer string) error {
			switch answer {
			case "y", "Y", "n", "N":
				return nil
			default:
				return errors.Errorf("please enter 'y' or 'n'")
			}
		},
	})
	if err != nil {
		return false, errors.Wrap(err, "read confirmation")
	}
	return answer == "y" || answer == "Y", nil
}

// exportedConversation is the YAML layout of export and import.
type exportedConversation struct {
	Name      string            `yaml:"name"`
	Model     string            `yaml:"model"`
	Framework string            `yaml:"framework,omitempty"`
	System    string            `yaml:"system,omitempty"`
	UpdatedAt time.Time         `yaml:"updated_at,omitempty"`
	Context   string            `yaml:"context,omitempty"`
	Messages  []exportedMessage `yaml:"messages"`
	History   string            `yaml:"history,omitempty"`
}

type exportedMessage struct {
	Role string `yaml:"role"`
	Text string `yaml:"text"`
}

func toExported(rec chatstore.ConversationRecord) exportedConversation {
	out := exportedConversation{
		Name:      rec.Name,
		Model:     rec.ModelName,
		Framework: rec.Framework,
		System:    rec.SystemPrompt,
		Context:   string(rec.ContextToken),
		History:   rec.HistoryMarkup,
	}
	if rec.UpdatedAtMs > 0 {
		out.UpdatedAt = time.UnixMilli(rec.UpdatedAtMs).UTC()
	}
	for _, e := range rec.Transcript {
		out.Messages = append(out.Messages, exportedMessage(e))
	}
	return out
}

func (e exportedConversation) record() (chatstore.ConversationRecord, error) {
	rec := chatstore.ConversationRecord{
		Name:          e.Name,
		ModelName:     e.Model,
		Framework:     e.Framework,
		SystemPrompt:  e.System,
		HistoryMarkup: e.History,
	}
	if ctx := strings.TrimSpace(e.Context); ctx != "" {
		if !json.Valid([]byte(ctx)) {
			return rec, errors.New("context is not valid JSON")
		}
		rec.ContextToken = json.RawMessage(ctx)
	}
	for _, m := range e.Messages {
		rec.Transcript = append(rec.Transcript, chatstore.TranscriptEntry(m))
	}
	return rec, nil
}

func newConversationsExportCommand(a *app) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "export NAME",
		Short: "Write a saved conversation as YAML",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			rec, err := store.Load(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			b, err := yaml.Marshal(toExported(rec))
			if err != nil {
				return errors.Wrap(err, "marshal conversation")
			}
			if output == "" || output == "-" {
				_, err = cmd.OutOrStdout().Write(b)
				return err
			}
			return errors.Wrapf(os.WriteFile(output, b, 0o644), "write %s", output)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (default stdout)")
	return cmd
}

func newConversationsImportCommand(a *app) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "import FILE",
		Short: "Save a conversation from an exported YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return errors.Wrapf(err, "read %s", args[0])
			}
			var exported exportedConversation
			if err := yaml.Unmarshal(raw, &exported); err != nil {
				return errors.Wrapf(err, "parse %s", args[0])
			}
			if name != "" {
				exported.Name = name
			}
			rec, err := exported.record()
			if err != nil {
				return err
			}

			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()
			if err := store.Save(cmd.Context(), rec); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "imported %s\n", strings.TrimSpace(rec.Name))
			return err
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "save under this name instead of the one in the file")
	return cmd
}

func formatMillis(ms int64) string {
	if ms <= 0 {
		return "-"
	}
	return time.UnixMilli(ms).Local().Format(time.DateTime)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

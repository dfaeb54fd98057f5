package cmds

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/promptstorm/pkg/framework"
	"github.com/go-go-golems/promptstorm/pkg/ollama"
	"github.com/go-go-golems/promptstorm/pkg/persistence/chatstore"
	"github.com/go-go-golems/promptstorm/pkg/querystate"
	"github.com/go-go-golems/promptstorm/pkg/render"
	"github.com/go-go-golems/promptstorm/pkg/tui"
	"github.com/go-go-golems/promptstorm/pkg/turn"
)

type sessionFlags struct {
	model     string
	framework string
	system    string
	load      string
	noColor   bool
	style     string
}

func (f *sessionFlags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVar(&f.model, "model", "", "model to chat with (default: ollama.model, then the first installed model)")
	fs.StringVar(&f.framework, "framework", framework.None, "prompt framework")
	fs.StringVar(&f.system, "system", "", "system prompt (default: the saved system-prompt setting)")
	fs.StringVar(&f.load, "load", "", "start from a saved conversation")
	fs.BoolVar(&f.noColor, "no-color", false, "render without colors")
	fs.StringVar(&f.style, "style", "", "glamour style (dark, light, notty, ...)")
}

// newSession builds a session the way the web UI would start one: selections
// from flags and settings, then an optional saved conversation on top.
func (a *app) newSession(
	ctx context.Context,
	f *sessionFlags,
	store chatstore.ConversationStore,
	client *ollama.Client,
	formatter render.Formatter,
) (*turn.Session, error) {
	frameworks, err := a.frameworks()
	if err != nil {
		return nil, err
	}
	controller := turn.NewController(client, turn.WithLogger(log.With().Str("component", "turn").Logger()))
	session := turn.NewSession("", controller, frameworks, formatter)

	if f.load != "" {
		rec, err := store.Load(ctx, f.load)
		if err != nil {
			return nil, errors.Wrapf(err, "load conversation %q", f.load)
		}
		session.Restore(rec)
	}

	if f.system != "" {
		session.SetSystemPrompt(f.system)
	} else if f.load == "" {
		saved, ok, err := store.GetSetting(ctx, chatstore.KeySystemPrompt)
		if err != nil {
			return nil, err
		}
		if ok {
			session.SetSystemPrompt(saved)
		}
	}
	if f.framework != "" && (f.load == "" || f.framework != framework.None) {
		if err := session.SetFramework(f.framework); err != nil {
			return nil, err
		}
	}

	requested := f.model
	if requested == "" {
		requested = session.Settings().Model
	}
	if requested == "" {
		requested = a.v.GetString("ollama.model")
	}
	model, err := pickModel(ctx, client, requested)
	if err != nil {
		return nil, err
	}
	session.SetModel(model)
	return session, nil
}

// pickModel keeps requested when the server has it, and otherwise falls back
// to the first installed model.
func pickModel(ctx context.Context, client *ollama.Client, requested string) (string, error) {
	models, err := client.ListModels(ctx)
	if err != nil {
		if requested != "" {
			log.Warn().Err(err).Str("model", requested).Msg("could not list models, using requested model")
			return requested, nil
		}
		return "", errors.New(connectivityMessage(err))
	}
	names := make([]string, 0, len(models))
	for _, m := range models {
		names = append(names, m.Name)
	}
	model, ok := querystate.Select(requested, names)
	if !ok && requested != "" && model != "" {
		log.Warn().Str("requested", requested).Str("model", model).Msg("requested model is not installed")
	}
	if model == "" {
		return "", turn.ErrNoModel
	}
	return model, nil
}

func newChatCommand(a *app) *cobra.Command {
	flags := &sessionFlags{}
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat in the terminal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			formatter, err := terminalFormatter(flags.noColor, flags.style)
			if err != nil {
				return err
			}
			client := a.client(ctx, store)
			session, err := a.newSession(ctx, flags, store, client, formatter)
			if err != nil {
				return err
			}
			return tui.Run(ctx, tui.Options{
				Session:   session,
				Formatter: formatter,
				Store:     store,
			})
		},
	}
	flags.register(cmd)
	return cmd
}

func newAskCommand(a *app) *cobra.Command {
	flags := &sessionFlags{}
	var save string
	cmd := &cobra.Command{
		Use:   "ask [prompt]",
		Short: "Send one prompt and print the rendered answer",
		Long:  "Send one prompt and print the rendered answer. The prompt is read from stdin when no argument is given. Interrupting stops the turn and prints what arrived.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt, err := readPrompt(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			formatter, err := terminalFormatter(flags.noColor, flags.style)
			if err != nil {
				return err
			}
			client := a.client(ctx, store)
			session, err := a.newSession(ctx, flags, store, client, formatter)
			if err != nil {
				return err
			}

			sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()
			go func() {
				<-sigCtx.Done()
				session.Stop()
			}()

			p := &printPresenter{}
			res, err := session.Submit(ctx, "", prompt, p)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if _, err := fmt.Fprintln(out, strings.TrimRight(p.rendered, "\n")); err != nil {
				return err
			}
			switch res.State {
			case turn.StateFailed:
				return errors.New(connectivityMessage(res.Err))
			case turn.StateCancelled:
				_, _ = fmt.Fprintln(cmd.ErrOrStderr(), "stopped")
			case turn.StateCompleted:
				if res.Stats != nil {
					log.Debug().Int("eval_count", res.Stats.EvalCount).Dur("duration", res.Duration).Msg("turn completed")
				}
			}
			if save != "" {
				rec, err := session.RecordWithHistory(save, render.NewHTMLFormatter())
				if err != nil {
					return err
				}
				if err := store.Save(ctx, rec); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "saved as %s\n", save)
			}
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&save, "save", "", "save the conversation under this name afterwards")
	return cmd
}

func readPrompt(in io.Reader, args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	b, err := io.ReadAll(in)
	if err != nil {
		return "", errors.Wrap(err, "read prompt from stdin")
	}
	return string(b), nil
}

// printPresenter keeps the latest rendering; stdout is written once the turn
// ends because a terminal cannot replace what was already printed.
type printPresenter struct {
	rendered string
}

func (p *printPresenter) Replace(_ context.Context, rendered string) error {
	p.rendered = rendered
	return nil
}

func (p *printPresenter) ShowBusy(context.Context)                         {}
func (p *printPresenter) HideBusy(context.Context)                         {}
func (p *printPresenter) AttachCopy(context.Context, string)               {}
func (p *printPresenter) State(context.Context, string, turn.State, error) {}

package cmds

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/go-go-golems/promptstorm/pkg/eventbus"
	"github.com/go-go-golems/promptstorm/pkg/framework"
	"github.com/go-go-golems/promptstorm/pkg/ollama"
	"github.com/go-go-golems/promptstorm/pkg/persistence/chatstore"
	"github.com/go-go-golems/promptstorm/pkg/render"
)

const defaultTermWidth = 80

// app resolves the shared dependencies of every command from the config.
type app struct {
	v *viper.Viper
}

func (a *app) storePath() (string, error) {
	if p := strings.TrimSpace(a.v.GetString("store.path")); p != "" {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "resolve home directory")
	}
	return filepath.Join(home, "."+appName, appName+".db"), nil
}

func (a *app) openStore() (chatstore.ConversationStore, error) {
	path, err := a.storePath()
	if err != nil {
		return nil, err
	}
	dsn, err := chatstore.SQLiteConversationDSNForFile(path)
	if err != nil {
		return nil, err
	}
	store, err := chatstore.NewSQLiteConversationStore(dsn)
	if err != nil {
		return nil, err
	}
	log.Debug().Str("path", path).Msg("opened conversation store")
	return store, nil
}

// host is the configured host, else the saved host-address, else the
// default.
func (a *app) host(ctx context.Context, store chatstore.ConversationStore) string {
	if h := strings.TrimSpace(a.v.GetString("ollama.host")); h != "" {
		return ollama.NormalizeHost(h)
	}
	if store != nil {
		saved, ok, err := store.GetSetting(ctx, chatstore.KeyHostAddress)
		if err != nil {
			log.Warn().Err(err).Msg("could not read saved host address")
		} else if ok {
			return ollama.NormalizeHost(saved)
		}
	}
	return ollama.DefaultHost
}

func (a *app) client(ctx context.Context, store chatstore.ConversationStore) *ollama.Client {
	return ollama.NewClient(ollama.Config{
		Host:        a.host(ctx, store),
		ListTimeout: a.v.GetDuration("ollama.timeout"),
	})
}

func (a *app) frameworks() (*framework.Registry, error) {
	reg, err := framework.NewRegistry()
	if err != nil {
		return nil, err
	}
	if path := a.v.GetString("frameworks.file"); path != "" {
		if err := reg.LoadFile(path); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func (a *app) bus(ctx context.Context) (*eventbus.Bus, error) {
	logger := eventbus.NewWatermillLogger(log.With().Str("component", "eventbus").Logger())
	switch backend := strings.ToLower(a.v.GetString("events.backend")); backend {
	case "", "memory":
		return eventbus.NewInMemoryBus(logger), nil
	case "redis":
		return eventbus.NewRedisBus(ctx, eventbus.RedisSettings{
			Addr:  a.v.GetString("redis.addr"),
			Group: a.v.GetString("redis.group"),
		}, logger)
	default:
		return nil, errors.Errorf("unknown event backend %q (use memory or redis)", backend)
	}
}

// terminalFormatter renders markdown for stdout, plain when stdout is not a
// terminal or noColor is set.
func terminalFormatter(noColor bool, style string) (*render.TerminalFormatter, error) {
	return render.NewTerminalFormatter(render.TerminalOptions{
		Width:   termWidth() - 4,
		NoColor: noColor || !stdoutIsTerminal(),
		Style:   style,
	})
}

func termWidth() int {
	w, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || w <= 0 {
		return defaultTermWidth
	}
	return w
}

func stdoutIsTerminal() bool {
	fd := os.Stdout.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// connectivityMessage formats an unreachable-host error the way the front
// ends show it.
func connectivityMessage(err error) string {
	var cerr *ollama.ConnectivityError
	if errors.As(err, &cerr) {
		return "PromptStorm was unable to communicate with " + cerr.Host + " due to the following error:\n\n" + cerr.Error()
	}
	return err.Error()
}

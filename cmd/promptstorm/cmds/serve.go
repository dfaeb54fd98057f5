package cmds

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/promptstorm/pkg/webchat"
)

func newServeCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the browser chat UI",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer func() {
				if err := store.Close(); err != nil {
					log.Warn().Err(err).Msg("close conversation store")
				}
			}()

			frameworks, err := a.frameworks()
			if err != nil {
				return err
			}
			bus, err := a.bus(ctx)
			if err != nil {
				return err
			}
			defer func() {
				if err := bus.Close(); err != nil {
					log.Warn().Err(err).Msg("close event bus")
				}
			}()

			client := a.client(ctx, store)
			srv, err := webchat.NewServer(ctx, webchat.Config{
				Addr:        a.v.GetString("serve.addr"),
				Client:      client,
				Store:       store,
				Frameworks:  frameworks,
				Bus:         bus,
				IdleTimeout: a.v.GetDuration("serve.idle-timeout"),
			})
			if err != nil {
				return err
			}
			log.Info().
				Str("addr", a.v.GetString("serve.addr")).
				Str("ollama", client.Host()).
				Str("events", bus.Backend()).
				Msg("starting promptstorm web chat")
			return srv.Run(ctx)
		},
	}

	f := cmd.Flags()
	f.String("addr", ":8080", "listen address")
	f.Duration("idle-timeout", webchat.DefaultIdleTimeout, "drop sessions without connections after this long")
	f.String("events", "memory", "event bus backend (memory, redis)")
	f.String("redis-addr", "localhost:6379", "redis address for the redis event bus")
	f.String("redis-group", "promptstorm", "redis consumer group")
	bindFlags(a.v, f, map[string]string{
		"serve.addr":         "addr",
		"serve.idle-timeout": "idle-timeout",
		"events.backend":     "events",
		"redis.addr":         "redis-addr",
		"redis.group":        "redis-group",
	})
	return cmd
}

package cmds

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/go-go-golems/promptstorm/pkg/ollama"
	"github.com/go-go-golems/promptstorm/pkg/persistence/chatstore"
)

var settingKeys = []string{chatstore.KeyHostAddress, chatstore.KeySystemPrompt}

func newSettingsCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Read or change the saved host address and system prompt",
	}

	get := &cobra.Command{
		Use:       "get [KEY]",
		Short:     "Print saved settings",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: settingKeys,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			keys := settingKeys
			if len(args) == 1 {
				keys = args
			}
			for _, key := range keys {
				value, ok, err := store.GetSetting(cmd.Context(), key)
				if err != nil {
					return err
				}
				if !ok && key == chatstore.KeyHostAddress {
					value = ollama.DefaultHost + " (default)"
				}
				if len(args) == 1 {
					_, err = fmt.Fprintln(cmd.OutOrStdout(), value)
				} else {
					_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", key, value)
				}
				if err != nil {
					return err
				}
			}
			return nil
		},
	}

	set := &cobra.Command{
		Use:       "set KEY VALUE",
		Short:     "Save a setting",
		Args:      cobra.ExactArgs(2),
		ValidArgs: settingKeys,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			key, value := args[0], args[1]
			if key == chatstore.KeyHostAddress {
				value = ollama.NormalizeHost(value)
			}
			if err := store.SetSetting(cmd.Context(), key, value); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", key, value)
			return err
		},
	}

	cmd.AddCommand(get, set)
	return cmd
}

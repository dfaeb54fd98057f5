package cmds

import (
	"context"

	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	"github.com/go-go-golems/glazed/pkg/settings"
	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/spf13/cobra"
)

// newRowDescription describes a command that emits rows. The glazed section
// adds --output, --fields, --sort-columns and friends.
func newRowDescription(name string, options ...cmds.CommandDescriptionOption) (*cmds.CommandDescription, error) {
	glazedSection, err := settings.NewGlazedSection()
	if err != nil {
		return nil, err
	}
	commandSettingsSection, err := cli.NewCommandSettingsSection()
	if err != nil {
		return nil, err
	}
	options = append(options, cmds.WithSections(glazedSection, commandSettingsSection))
	return cmds.NewCommandDescription(name, options...), nil
}

func buildRowCommand(c cmds.GlazeCommand, err error) *cobra.Command {
	cobra.CheckErr(err)
	cmd, err := cli.BuildCobraCommand(c)
	cobra.CheckErr(err)
	return cmd
}

func addRows(ctx context.Context, gp middlewares.Processor, rows []types.Row) error {
	for _, row := range rows {
		if err := gp.AddRow(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

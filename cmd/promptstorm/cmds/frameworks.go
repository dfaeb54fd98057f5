package cmds

import (
	"context"
	"fmt"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/spf13/cobra"
)

func newFrameworksCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "frameworks",
		Short: "List and inspect prompt frameworks",
	}

	show := &cobra.Command{
		Use:   "show NAME",
		Short: "Print the system prompt a framework produces",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := a.frameworks()
			if err != nil {
				return err
			}
			system, _ := cmd.Flags().GetString("system")
			composed, err := reg.Compose(system, args[0])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), composed)
			return err
		},
	}
	show.Flags().String("system", "", "user system prompt to compose with")

	cmd.AddCommand(buildRowCommand(NewFrameworksListCommand(a)), show)
	return cmd
}

type FrameworksListCommand struct {
	*cmds.CommandDescription
	app *app
}

func NewFrameworksListCommand(a *app) (*FrameworksListCommand, error) {
	desc, err := newRowDescription(
		"list",
		cmds.WithShort("List prompt frameworks, None first"),
	)
	if err != nil {
		return nil, err
	}
	return &FrameworksListCommand{CommandDescription: desc, app: a}, nil
}

func (c *FrameworksListCommand) RunIntoGlazeProcessor(
	ctx context.Context,
	_ *values.Values,
	gp middlewares.Processor,
) error {
	rows, err := c.app.frameworkRows()
	if err != nil {
		return err
	}
	return addRows(ctx, gp, rows)
}

var _ cmds.GlazeCommand = &FrameworksListCommand{}

func (a *app) frameworkRows() ([]types.Row, error) {
	reg, err := a.frameworks()
	if err != nil {
		return nil, err
	}
	var rows []types.Row
	for _, f := range reg.List() {
		origin := "custom"
		if f.Builtin {
			origin = "builtin"
		}
		rows = append(rows, types.NewRow(
			types.MRP("name", f.Name),
			types.MRP("origin", origin),
			types.MRP("description", f.Description),
		))
	}
	return rows, nil
}

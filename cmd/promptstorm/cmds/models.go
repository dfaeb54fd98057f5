package cmds

import (
	"context"
	"fmt"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/pkg/errors"

	"github.com/go-go-golems/promptstorm/pkg/querystate"
)

type ModelsCommand struct {
	*cmds.CommandDescription
	app *app
}

type ModelsSettings struct {
	Model string `glazed:"model"`
}

func NewModelsCommand(a *app) (*ModelsCommand, error) {
	desc, err := newRowDescription(
		"models",
		cmds.WithShort("List the models installed on the Ollama server"),
		cmds.WithLong("List installed models. The selected column marks the model a new chat would use."),
		cmds.WithFlags(
			fields.New(
				"model",
				fields.TypeString,
				fields.WithDefault(""),
				fields.WithHelp("Requested model (default: ollama.model from the config)"),
			),
		),
	)
	if err != nil {
		return nil, err
	}
	return &ModelsCommand{CommandDescription: desc, app: a}, nil
}

func (c *ModelsCommand) RunIntoGlazeProcessor(
	ctx context.Context,
	parsedValues *values.Values,
	gp middlewares.Processor,
) error {
	s := &ModelsSettings{}
	if err := parsedValues.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}
	requested := s.Model
	if requested == "" {
		requested = c.app.v.GetString("ollama.model")
	}
	rows, err := c.app.modelRows(ctx, requested)
	if err != nil {
		return err
	}
	return addRows(ctx, gp, rows)
}

var _ cmds.GlazeCommand = &ModelsCommand{}

// modelRows lists the server's models in server order. The selected model is
// the requested one when installed, else the first.
func (a *app) modelRows(ctx context.Context, requested string) ([]types.Row, error) {
	store, err := a.openStore()
	if err != nil {
		return nil, err
	}
	defer func() { _ = store.Close() }()

	models, err := a.client(ctx, store).ListModels(ctx)
	if err != nil {
		return nil, errors.New(connectivityMessage(err))
	}
	names := make([]string, 0, len(models))
	for _, m := range models {
		names = append(names, m.Name)
	}
	selected, _ := querystate.Select(requested, names)

	rows := make([]types.Row, 0, len(models))
	for _, m := range models {
		rows = append(rows, types.NewRow(
			types.MRP("selected", m.Name == selected),
			types.MRP("name", m.Name),
			types.MRP("size", humanBytes(m.Size)),
			types.MRP("bytes", m.Size),
			types.MRP("modified_at", m.ModifiedAt),
		))
	}
	return rows, nil
}

func humanBytes(n int64) string {
	const unit = 1024
	if n <= 0 {
		return "-"
	}
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

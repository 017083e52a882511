package cmd

import (
	"github.com/urfave/cli/v2"

	"github.com/lumenworks/cadence/cli/reader"
	"github.com/lumenworks/cadence/cli/render"
)

// InspectCommand returns the inspect command: a read-only view of a
// feature artifact on disk.
func InspectCommand() *cli.Command {
	return &cli.Command{
		Name:      "inspect",
		Usage:     "Summarize a feature artifact",
		ArgsUsage: "<track.cadence>",
		Flags: append([]cli.Flag{
			&cli.BoolFlag{
				Name:  "frames",
				Usage: "List decoded frames instead of the summary",
			},
			&cli.Int64Flag{
				Name:  "limit",
				Usage: "Maximum frames to list with --frames (0 = all)",
			},
		}, ReadOnlyFlags()...),
		Action: inspectAction,
	}
}

func inspectAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("inspect requires exactly one artifact argument", 1)
	}

	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}

	if c.Bool("frames") {
		if c.Bool("tui") {
			return cli.Exit("--frames does not support --tui", 1)
		}
		rows, err := reader.ReadArtifactFrames(c.Args().First(), c.Int64("limit"))
		if err != nil {
			return cli.Exit(err.Error(), 1)
		}
		return r.Render(rows)
	}

	summary, err := reader.ReadArtifactSummary(c.Args().First())
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	if c.Bool("tui") {
		return r.RenderTUI("inspect_artifact", summary)
	}
	return r.Render(summary)
}

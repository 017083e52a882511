package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/lumenworks/cadence/analyze"
	"github.com/lumenworks/cadence/cli/render"
)

// AnalyzeResponse is the response for the analyze command.
type AnalyzeResponse struct {
	Input      string  `json:"input"`
	Output     string  `json:"output"`
	DurationMs float64 `json:"duration_ms"`
	Frames     int64   `json:"frames"`
	BPM        int     `json:"bpm"`
}

// AnalyzeCommand returns the analyze command: WAV in, feature
// artifact out. Runs entirely offline; the artifact is uploaded to a
// device separately.
func AnalyzeCommand() *cli.Command {
	return &cli.Command{
		Name:      "analyze",
		Usage:     "Extract playback features from a WAV track",
		ArgsUsage: "<track.wav>",
		Flags: append([]cli.Flag{
			&cli.StringFlag{
				Name:    "output",
				Aliases: []string{"o"},
				Usage:   "Output artifact path (default: input with .cadence extension)",
			},
			&cli.Float64Flag{
				Name:  "frame-interval",
				Usage: "Feature frame spacing in milliseconds",
				Value: 20,
			},
		}, ReadOnlyFlags()...),
		Action: analyzeAction,
	}
}

func analyzeAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("analyze requires exactly one WAV file argument", 1)
	}
	if c.Bool("tui") {
		return cli.Exit("--tui is not supported for analyze command", 1)
	}

	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}

	input := c.Args().First()
	output := c.String("output")
	if output == "" {
		output = strings.TrimSuffix(input, ".wav") + ".cadence"
	}

	result, err := analyze.AnalyzeFile(input, analyze.Config{
		FrameIntervalMs: c.Float64("frame-interval"),
	})
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	f, err := os.Create(output)
	if err != nil {
		return cli.Exit(fmt.Sprintf("create %s: %v", output, err), 1)
	}
	if _, err := result.WriteTo(f); err != nil {
		f.Close()
		return cli.Exit(fmt.Sprintf("write %s: %v", output, err), 1)
	}
	if err := f.Close(); err != nil {
		return cli.Exit(fmt.Sprintf("close %s: %v", output, err), 1)
	}

	return r.Render(AnalyzeResponse{
		Input:      input,
		Output:     output,
		DurationMs: result.Header.DurationMs,
		Frames:     result.Header.FrameCount,
		BPM:        result.Header.BPM,
	})
}

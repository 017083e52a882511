package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/lumenworks/cadence/cli/reader"
	"github.com/lumenworks/cadence/cli/render"
	"github.com/lumenworks/cadence/cli/tui"
)

// DeviceFlag names the target device for remote commands.
var DeviceFlag = &cli.StringFlag{
	Name:     "device",
	Aliases:  []string{"d"},
	Usage:    "Device address (host:port)",
	Required: true,
}

// StatusCommand returns the status command: a one-shot snapshot of a
// device's playback state.
func StatusCommand() *cli.Command {
	return &cli.Command{
		Name:   "status",
		Usage:  "Show a device's playback status",
		Flags:  append([]cli.Flag{DeviceFlag}, ReadOnlyFlags()...),
		Action: statusAction,
	}
}

func statusAction(c *cli.Context) error {
	if c.Bool("tui") {
		return cli.Exit("--tui is not supported for status command, use monitor", 1)
	}

	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}

	client, err := reader.NewClient(c.String("device"))
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	status, err := client.Status(c.Context)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	return r.Render(status)
}

// MonitorCommand returns the monitor command: a passive live view of a
// device's sync session. Attaching never disturbs playback.
func MonitorCommand() *cli.Command {
	return &cli.Command{
		Name:   "monitor",
		Usage:  "Watch a device's sync session live",
		Flags:  append([]cli.Flag{DeviceFlag}, ReadOnlyFlags()...),
		Action: monitorAction,
	}
}

func monitorAction(c *cli.Context) error {
	client, err := reader.NewClient(c.String("device"))
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	stream, err := client.StreamMetrics(c.Context)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	defer stream.Close()

	if c.Bool("tui") {
		return tui.RunMonitorTUI(c.String("device"), stream.Updates())
	}

	// Without the TUI, emit one JSON line per metrics push until the
	// stream or the user stops.
	enc := json.NewEncoder(os.Stdout)
	for {
		select {
		case m, ok := <-stream.Updates():
			if !ok {
				return cli.Exit("device connection lost", 1)
			}
			if err := enc.Encode(m); err != nil {
				return fmt.Errorf("write metrics: %w", err)
			}
		case <-c.Context.Done():
			return nil
		}
	}
}

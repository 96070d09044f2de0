package cli

import (
	"context"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/petervdpas/goopcall/internal/media"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List capture and output devices",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		capturer, err := media.NewDeviceCapturer(0)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()
		devices, err := capturer.EnumerateDevices(ctx)
		if err != nil {
			return err
		}
		renderDevices(cmd.OutOrStdout(), media.Group(devices))
		return nil
	},
}

func renderDevices(w io.Writer, list media.DeviceList) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Kind", "Device ID", "Label"})
	for _, group := range [][]media.DeviceInfo{list.AudioInputs, list.VideoInputs, list.AudioOutputs} {
		for _, d := range group {
			t.AppendRow(table.Row{d.Kind, d.ID, d.Label})
		}
	}
	if t.Length() == 0 {
		t.AppendRow(table.Row{"-", "no devices found", ""})
	}
	t.Render()
}

func init() {
	rootCmd.AddCommand(devicesCmd)
}

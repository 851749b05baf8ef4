package devices

import (
	"fmt"
	"os"
	"strconv"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/scorefollow/scorefollow-go/internal/liveaudio"
)

var (
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
)

// Command creates a new command for listing audio capture devices.
func Command() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List available audio capture devices",
		Long:  "Enumerate the capture devices the audio backend exposes, to pick a source for the realtime command.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return listDevices()
		},
	}
}

func listDevices() error {
	devices, err := liveaudio.ListDevices()
	if err != nil {
		return err
	}

	if len(devices) == 0 {
		yellow.Println("No capture devices found")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"#", "Name", "ID", "Default"})
	table.SetBorder(false)
	for _, d := range devices {
		def := ""
		if d.Default {
			def = green.Sprint("yes")
		}
		table.Append([]string{strconv.Itoa(d.Index), d.Name, d.ID, def})
	}
	table.Render()

	fmt.Printf("\n%d capture device(s). Select one with --source or realtime.audio.source.\n", len(devices))
	return nil
}

package clicktrack

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/scorefollow/scorefollow-go/internal/conf"
	"github.com/scorefollow/scorefollow-go/internal/errors"
	"github.com/scorefollow/scorefollow-go/internal/songmap"
)

// outputPath holds the output flag value
var outputPath string

// Command creates a new command for exporting a rehearsal click track.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clicktrack",
		Short: "Export a rehearsal click track from a song map",
		Long:  "Write a standard MIDI file with one percussion tick per syllable onset, for rehearsing against the map's timing.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClicktrack(settings)
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "output .mid path (defaults to the map file name with a .mid extension)")

	return cmd
}

func runClicktrack(settings *conf.Settings) error {
	if settings.Map.Path == "" {
		return errors.Newf("no song map configured, set map.path or pass --map").
			Component("cmd").
			Category(errors.CategoryConfiguration).
			Build()
	}

	maps := songmap.NewRegistry(settings.Map.Directory, settings.Map.CacheTTL, nil)
	m, err := maps.Get(settings.Map.Path)
	if err != nil {
		return err
	}

	out := outputPath
	if out == "" {
		base := strings.TrimSuffix(settings.Map.Path, filepath.Ext(settings.Map.Path))
		out = base + ".mid"
	}

	if err := songmap.WriteClickTrack(m, out); err != nil {
		return err
	}

	fmt.Printf("Wrote click track with %d ticks to %s\n", m.SyllableCount(), out)
	return nil
}

package file

import (
	"fmt"
	"os"
	"strconv"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/scorefollow/scorefollow-go/internal/conf"
	"github.com/scorefollow/scorefollow-go/internal/errors"
	"github.com/scorefollow/scorefollow-go/internal/liveaudio"
	"github.com/scorefollow/scorefollow-go/internal/session"
	"github.com/scorefollow/scorefollow-go/internal/songmap"
)

var (
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
)

// paceRealtime holds the pace flag value
var paceRealtime bool

// Command creates a new command for tracking a recorded take.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "file [take.wav]",
		Short: "Track a recorded take from a WAV file",
		Long:  "Run a recording through the same analyzer and tracker as a live session, faster than realtime, and print a match summary.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFile(settings, args[0])
		},
	}

	// Set up flags specific to the 'file' command
	cmd.Flags().BoolVar(&paceRealtime, "pace", false, "pace playback at live speed instead of running as fast as possible")
	cmd.Flags().BoolVar(&settings.Output.Database.Enabled, "db", viper.GetBool("output.database.enabled"), "persist the simulated session to the session log database")

	return cmd
}

// runFile drives a full tracking session over the WAV file and prints the
// resulting match summary.
func runFile(settings *conf.Settings, path string) error {
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

	source := liveaudio.NewFileSource(path, settings.Realtime.Audio.BlockSize, paceRealtime, nil)
	sess, err := session.New(settings, m, settings.Map.Path, source, nil)
	if err != nil {
		return err
	}

	if err := sess.Start(); err != nil {
		return err
	}

	// The WAV header is read at Start, so the rate check has to come after.
	if sr := source.SampleRate(); sr != settings.Realtime.Audio.SampleRate {
		yellow.Printf("⚠ %s is %d Hz but the analyzer is configured for %d Hz, timing will drift\n",
			path, sr, settings.Realtime.Audio.SampleRate)
	}

	<-sess.Done()
	stopErr := sess.Stop()

	printSummary(m, sess.Summary())
	return stopErr
}

// printSummary renders the end-of-run match summary table.
func printSummary(m *songmap.SongMap, sum session.Summary) {
	matchRate := 0.0
	if sum.Onsets > 0 {
		matchRate = float64(sum.Matches) / float64(sum.Onsets) * 100
	}

	fmt.Println()
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Metric", "Value"})
	table.SetBorder(false)
	table.Append([]string{"Blocks processed", strconv.FormatUint(sum.Blocks, 10)})
	table.Append([]string{"Onsets detected", strconv.FormatUint(sum.Onsets, 10)})
	table.Append([]string{"Onsets matched", strconv.FormatUint(sum.Matches, 10)})
	table.Append([]string{"Onsets rejected", strconv.FormatUint(sum.Rejects, 10)})
	table.Append([]string{"Match rate", fmt.Sprintf("%.1f%%", matchRate)})
	table.Append([]string{"Average confidence", fmt.Sprintf("%.2f", sum.AvgConfidence)})
	table.Append([]string{"Final song time", fmt.Sprintf("%.2fs / %.2fs", sum.FinalSongTime, m.Duration())})
	table.Append([]string{"Final tempo ratio", fmt.Sprintf("%.3f", sum.FinalTempoRatio)})
	table.Render()
	fmt.Println()

	switch {
	case sum.Onsets == 0:
		yellow.Println("⚠ no onsets detected, check input levels or the onset threshold")
	case matchRate >= 75:
		green.Printf("✓ %d of %d onsets matched the map\n", sum.Matches, sum.Onsets)
	default:
		yellow.Printf("⚠ only %d of %d onsets matched the map\n", sum.Matches, sum.Onsets)
	}
}

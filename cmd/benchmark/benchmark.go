package benchmark

import (
	"fmt"
	"math"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/scorefollow/scorefollow-go/internal/analyzer"
	"github.com/scorefollow/scorefollow-go/internal/conf"
	"github.com/scorefollow/scorefollow-go/internal/songmap"
	"github.com/scorefollow/scorefollow-go/internal/tracker"
)

// benchDuration holds the duration flag value
var benchDuration time.Duration

func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "benchmark",
		Short: "Benchmark analyzer and tracker throughput",
		Long:  "Push synthetic audio blocks through the onset analyzer and position tracker to measure per-block cost against the realtime budget.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if benchDuration < time.Second {
				return fmt.Errorf("benchmark duration must be at least 1s, got %v", benchDuration)
			}
			return runBenchmark(settings)
		},
	}

	cmd.Flags().DurationVarP(&benchDuration, "duration", "d", 10*time.Second, "how long to run the benchmark")

	return cmd
}

// benchmarkResults stores benchmark metrics
type benchmarkResults struct {
	blocks        int           // blocks pushed through the pipeline
	onsets        uint64        // onsets the analyzer reported
	matches       uint64        // onsets the tracker anchored on the map
	totalTime     time.Duration // summed per-block processing time
	maxBlockTime  time.Duration // worst single block
	avgBlockTime  time.Duration // totalTime / blocks
	blocksPerSec  float64       // throughput over the benchmark run
	realtimeRatio float64       // realtime budget divided by avgBlockTime
}

func runBenchmark(settings *conf.Settings) error {
	audio := settings.Realtime.Audio
	budget := time.Duration(audio.BlockSize) * time.Second / time.Duration(audio.SampleRate)

	// One syllable every half second, far more map than the run can consume.
	const spacing = 0.5
	m := syntheticMap(10000, spacing)

	an, err := analyzer.New(settings.Realtime.Analyzer, audio.SampleRate, nil)
	if err != nil {
		return err
	}
	tr, err := tracker.New(m, settings.Realtime.Tracker, nil)
	if err != nil {
		return err
	}

	// A cycle of blocks spanning one syllable: a short burst, then silence.
	blocksPerSyllable := int(spacing/budget.Seconds() + 0.5)
	cycle := make([][]float32, blocksPerSyllable)
	for i := range cycle {
		if i < 4 {
			cycle[i] = sineBlock(audio.BlockSize, audio.SampleRate, 990, 0.8, i)
		} else {
			cycle[i] = make([]float32, audio.BlockSize)
		}
	}

	fmt.Printf("⏳ Running benchmark for %v (block budget %.2f ms)...\n",
		benchDuration, budget.Seconds()*1000)

	var results benchmarkResults
	base := time.Now()
	start := base

	for time.Since(start) < benchDuration {
		virtual := base.Add(time.Duration(results.blocks) * budget)
		perfTime := float64(results.blocks) * budget.Seconds()
		block := cycle[results.blocks%len(cycle)]

		blockStart := time.Now()
		onset := an.Analyze(block)
		an.TrackBeat(onset, perfTime)
		an.EstimateTempo(perfTime)
		tr.Update(onset, virtual)
		blockTime := time.Since(blockStart)

		results.blocks++
		results.totalTime += blockTime
		if blockTime > results.maxBlockTime {
			results.maxBlockTime = blockTime
		}

		if results.blocks%5000 == 0 {
			avg := results.totalTime / time.Duration(results.blocks)
			fmt.Printf("\r🔄 Blocks: %d, average: %.3f ms", results.blocks, avg.Seconds()*1000)
		}
	}
	fmt.Println()

	ast := an.Stats()
	tst := tr.Stats()
	results.onsets = ast.Onsets
	results.matches = tst.Matches
	results.avgBlockTime = results.totalTime / time.Duration(results.blocks)
	results.blocksPerSec = float64(results.blocks) / time.Since(start).Seconds()
	results.realtimeRatio = float64(budget) / float64(results.avgBlockTime)

	printResults(&results, budget)
	return nil
}

func printResults(results *benchmarkResults, budget time.Duration) {
	fmt.Println()
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Metric", "Value"})
	table.SetBorder(false)
	table.Append([]string{"Blocks processed", fmt.Sprintf("%d", results.blocks)})
	table.Append([]string{"Onsets detected", fmt.Sprintf("%d", results.onsets)})
	table.Append([]string{"Onsets matched", fmt.Sprintf("%d", results.matches)})
	table.Append([]string{"Throughput", fmt.Sprintf("%.0f blocks/sec", results.blocksPerSec)})
	table.Append([]string{"Average per block", fmt.Sprintf("%.3f ms", results.avgBlockTime.Seconds()*1000)})
	table.Append([]string{"Worst block", fmt.Sprintf("%.3f ms", results.maxBlockTime.Seconds()*1000)})
	table.Append([]string{"Realtime budget", fmt.Sprintf("%.2f ms", budget.Seconds()*1000)})
	table.Append([]string{"Headroom", fmt.Sprintf("%.1fx", results.realtimeRatio)})
	table.Render()

	rating, description := performanceRating(results.realtimeRatio)
	fmt.Printf("\nSystem Rating: %s, %s\n", rating, description)
}

func performanceRating(headroom float64) (rating, description string) {
	switch {
	case headroom < 1:
		return "❌ Failed", "system cannot keep up with realtime capture"
	case headroom < 2:
		return "⚠️ Marginal", "system keeps up with little margin for other load"
	case headroom < 5:
		return "👍 Decent", "system will handle realtime tracking"
	case headroom < 20:
		return "✨ Good", "system will perform well"
	default:
		return "🚀 Superb", "analyzer cost is negligible on this system"
	}
}

// syntheticMap builds a map with evenly spaced syllables for the benchmark run.
func syntheticMap(syllables int, spacing float64) *songmap.SongMap {
	section := songmap.Section{Name: "benchmark"}
	line := songmap.Line{}
	for i := 0; i < syllables; i++ {
		line.Syllables = append(line.Syllables, songmap.Syllable{
			Text:      "tick",
			StartTime: float64(i) * spacing,
			Duration:  spacing / 2,
		})
		if len(line.Syllables) == 16 {
			section.Lines = append(section.Lines, line)
			line = songmap.Line{}
		}
	}
	if len(line.Syllables) > 0 {
		section.Lines = append(section.Lines, line)
	}
	return &songmap.SongMap{
		Title:    "benchmark",
		BPM:      60 / spacing,
		Sections: []songmap.Section{section},
	}
}

// sineBlock generates one block of a sine burst, phase-continuous across
// consecutive blocks.
func sineBlock(blockSize, sampleRate int, freq, amp float64, phase int) []float32 {
	out := make([]float32, blockSize)
	for i := range out {
		n := float64(phase*blockSize + i)
		out[i] = float32(amp * math.Sin(2*math.Pi*freq*n/float64(sampleRate)))
	}
	return out
}

package realtime

import (
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/scorefollow/scorefollow-go/internal/conf"
	"github.com/scorefollow/scorefollow-go/internal/errors"
	"github.com/scorefollow/scorefollow-go/internal/liveaudio"
	"github.com/scorefollow/scorefollow-go/internal/logging"
	"github.com/scorefollow/scorefollow-go/internal/observability"
	"github.com/scorefollow/scorefollow-go/internal/session"
	"github.com/scorefollow/scorefollow-go/internal/songmap"
)

// Command creates a new command for live position tracking.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "realtime",
		Short: "Track a live performance from the microphone",
		Long:  "Follow the configured song map against live audio input, publishing position updates on the message bus as the performance advances.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRealtime(settings)
		},
	}

	if err := setupFlags(cmd, settings); err != nil {
		fmt.Printf("error setting up flags: %v\n", err)
		os.Exit(1)
	}

	return cmd
}

// setupFlags configures flags specific to the realtime command.
func setupFlags(cmd *cobra.Command, settings *conf.Settings) error {
	cmd.Flags().StringVar(&settings.Realtime.Audio.Source, "source", viper.GetString("realtime.audio.source"), "capture device name or ID substring (empty for the system default)")
	cmd.Flags().BoolVar(&settings.Output.Metrics.Enabled, "metrics", viper.GetBool("output.metrics.enabled"), "enable the Prometheus metrics endpoint")
	cmd.Flags().StringVar(&settings.Output.Metrics.Listen, "listen", viper.GetString("output.metrics.listen"), "listen address of the metrics endpoint")
	cmd.Flags().BoolVar(&settings.Output.Database.Enabled, "db", viper.GetBool("output.database.enabled"), "persist the session to the session log database")

	// Bind flags to the viper settings
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return fmt.Errorf("error binding flags: %w", err)
	}

	return nil
}

// runRealtime starts a tracking session on the capture device and waits for
// a termination signal or the end of the audio source.
func runRealtime(settings *conf.Settings) error {
	log := logging.ForService("realtime")

	if settings.Map.Path == "" {
		return errors.Newf("no song map configured, set map.path or pass --map").
			Component("cmd").
			Category(errors.CategoryConfiguration).
			Build()
	}

	maps := songmap.NewRegistry(settings.Map.Directory, settings.Map.CacheTTL, log)
	m, err := maps.Get(settings.Map.Path)
	if err != nil {
		return err
	}

	capture := liveaudio.NewCapture(settings.Realtime.Audio, nil)
	sess, err := session.New(settings, m, settings.Map.Path, capture, nil)
	if err != nil {
		return err
	}

	// quitChan is used to signal the support goroutines to stop.
	quitChan := make(chan struct{})
	var wg sync.WaitGroup

	startMetricsEndpoint(&wg, settings, sess.Metrics(), quitChan)

	if err := sess.Start(); err != nil {
		close(quitChan)
		wg.Wait()
		return err
	}

	title := m.Title
	if title == "" {
		title = settings.Map.Path
	}
	fmt.Printf("Following %q (%d syllables, %.1fs). Press Ctrl+C to stop.\n",
		title, m.SyllableCount(), m.Duration())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigChan:
		fmt.Println("\nReceived Ctrl+C, shutting down")
	case <-sess.Done():
		log.Info("audio source ended")
	}
	signal.Stop(sigChan)

	err = sess.Stop()
	close(quitChan)
	wg.Wait()
	return err
}

// startMetricsEndpoint starts the Prometheus metrics endpoint if enabled.
func startMetricsEndpoint(wg *sync.WaitGroup, settings *conf.Settings, metrics *observability.Metrics, quitChan chan struct{}) {
	if !settings.Output.Metrics.Enabled {
		return
	}

	endpoint, err := observability.NewEndpoint(settings, metrics)
	if err != nil {
		logging.ForService("realtime").Error("error initializing metrics endpoint", "error", err)
		return
	}

	endpoint.Start(wg, quitChan)
}

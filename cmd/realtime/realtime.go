// Package realtime implements the command that runs the worker engine.
package realtime

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/quietobserver/quietobserver-go/internal/conf"
	"github.com/quietobserver/quietobserver-go/internal/datastore"
	"github.com/quietobserver/quietobserver-go/internal/framesource"
	"github.com/quietobserver/quietobserver-go/internal/logging"
	"github.com/quietobserver/quietobserver-go/internal/observability"
	"github.com/quietobserver/quietobserver-go/internal/workers"
)

// Command creates the realtime worker command.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "realtime",
		Short: "Run capture and inference workers for active projects",
		Long:  "Start capture and inference workers for every project flagged active and run them until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkers(settings)
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
	cmd.Flags().StringVar(&settings.Media.DataDir, "datadir", viper.GetString("media.datadir"), "Directory for persisted frames")
	cmd.Flags().StringVar(&settings.Media.LiveDir, "livedir", viper.GetString("media.livedir"), "Scratch directory for live preview frames")
	cmd.Flags().StringVar(&settings.Tools.FfmpegPath, "ffmpeg", viper.GetString("tools.ffmpegpath"), "Path to the ffmpeg binary")
	cmd.Flags().StringVar(&settings.Tools.YtDlpPath, "ytdlp", viper.GetString("tools.ytdlppath"), "Path to the yt-dlp binary")

	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return fmt.Errorf("error binding flags: %w", err)
	}
	return nil
}

// runWorkers starts workers for every active project and blocks until the
// process receives SIGINT or SIGTERM, then stops everything cleanly.
func runWorkers(settings *conf.Settings) error {
	log := logging.ForService("realtime")

	store := datastore.New(settings)
	if store == nil {
		return fmt.Errorf("no output database enabled")
	}
	if err := store.Open(); err != nil {
		return fmt.Errorf("opening datastore: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error("closing datastore", "error", err)
		}
	}()

	metrics, err := observability.NewMetrics()
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}

	source := framesource.NewToolSource(settings.Tools)
	manager := workers.NewManager(settings, store, source, metrics)

	projects, err := store.GetActiveProjects()
	if err != nil {
		return fmt.Errorf("listing active projects: %w", err)
	}
	for i := range projects {
		p := &projects[i]
		if p.SamplingActive {
			manager.StartCapture(p.ID)
		}
		if p.InferenceActive {
			manager.StartInference(p.ID)
		}
	}
	log.Info("workers started", "projects", len(projects))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info("shutting down", "signal", sig.String())

	manager.StopAll()
	return nil
}

package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/e2openplugins/webgrab/internal/config"
	"github.com/e2openplugins/webgrab/internal/grab"
	"github.com/e2openplugins/webgrab/internal/httpServer"
	"github.com/e2openplugins/webgrab/internal/iputils"
	"github.com/e2openplugins/webgrab/internal/logging"
	"github.com/e2openplugins/webgrab/internal/monitor"
	"github.com/e2openplugins/webgrab/internal/platform"
	"github.com/e2openplugins/webgrab/internal/state"
	"github.com/e2openplugins/webgrab/internal/websocket"
)

var (
	configPath string
	portFlag   int
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "webgrab",
	Short: "Serve receiver screenshots over HTTP",
	Long: `webgrab runs the receiver's capture program on request and streams the
resulting image to the browser. Captures of the front panel display and
the picture-in-picture view are supported where the hardware allows.`,
	SilenceUsage: true,
	RunE:         runDaemon,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.toml", "configuration file")
	rootCmd.Flags().IntVarP(&portFlag, "port", "p", 0, "HTTP port (overrides the configuration)")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log every capture step")
}

// loadConfig creates the default file on first run, then reads it.
func loadConfig() (config.Config, error) {
	if err := config.ExtractDefaultConfig(configPath); err != nil {
		logging.WarningLogger.Printf("Could not write default config: %v", err)
	}
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return cfg, err
	}
	if portFlag > 0 {
		cfg.Port = portFlag
	}
	if verbose {
		cfg.Verbose = true
	}
	return cfg, nil
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if err := logging.Init(cfg.LogDir); err != nil {
		logging.WarningLogger.Printf("Logging to console only: %v", err)
	}
	defer logging.Close()
	logging.SetVerbose(cfg.Verbose)
	logging.InfoLogger.Printf("webgrab %s starting", config.GetProgramVersion())

	info := platform.Detect(cfg)
	if !info.HasLCD {
		logging.InfoLogger.Printf("No panel dump at %s, lcd captures will report an error", cfg.LcdDumpPath)
	}

	playback := state.New()
	hub := websocket.NewHub()

	var useChannelName atomic.Bool
	useChannelName.Store(cfg.ScreenshotChannelName)

	grabber := grab.New(grab.Settings{
		Options: grab.Options{
			GrabPath:     cfg.GrabPath,
			PanelCommand: cfg.PanelCommand,
			LcdDumpPath:  cfg.LcdDumpPath,
			StagingDir:   cfg.StagingDir,
			JpegQuality:  cfg.JpegQuality,
			Staging:      info.Staging,
		},
		Timeout:          cfg.CaptureTimeout(),
		ChunkSize:        cfg.ChunkSize,
		PanelDumpControl: cfg.PanelDumpControl,
		CanGrabPip:       info.CanGrabPip,
		Playback:         playback,
		UseChannelName:   useChannelName.Load,
		Notifier:         hub,
	})

	server := httpServer.New(cfg.Port, grabber, hub)
	for _, url := range iputils.PanelURLs(cfg.Port) {
		logging.InfoLogger.Printf("Screenshots available at %s", url)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, gctx := errgroup.WithContext(ctx)
	group.Go(server.Start)
	group.Go(func() error {
		<-gctx.Done()
		server.Stop()
		return nil
	})
	group.Go(func() error {
		if err := monitor.New(cfg.MQTT, playback).Run(gctx); err != nil {
			logging.ErrorLogger.Printf("Playback monitor stopped: %v", err)
		}
		return nil
	})
	group.Go(func() error {
		watchConfig(gctx, configPath, func(c config.Config) {
			useChannelName.Store(c.ScreenshotChannelName)
			logging.SetVerbose(c.Verbose || verbose)
		})
		return nil
	})

	err = group.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logging.InfoLogger.Println("webgrab stopped")
	return nil
}

// watchConfig runs the hot-reload watcher. Reloading is optional, so a
// watcher that cannot start only costs live updates.
func watchConfig(ctx context.Context, path string, onChange func(config.Config)) {
	if err := config.Watch(ctx, path, onChange); err != nil {
		logging.ErrorLogger.Printf("Config reload disabled: %v", err)
	}
}

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/e2openplugins/webgrab/internal/grab"
	"github.com/e2openplugins/webgrab/internal/platform"
)

var detectCmd = &cobra.Command{
	Use:   "detect",
	Short: "Show detected capture capabilities and the capture command lines",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		info := platform.Detect(cfg)
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "architecture: %s\n", info.Arch)
		fmt.Fprintf(out, "staging:      %v\n", info.Staging)
		fmt.Fprintf(out, "pip:          %v\n", info.CanGrabPip)
		fmt.Fprintf(out, "lcd:          %v\n", info.HasLCD)

		opts := grab.Options{
			GrabPath:     cfg.GrabPath,
			PanelCommand: cfg.PanelCommand,
			LcdDumpPath:  cfg.LcdDumpPath,
			StagingDir:   cfg.StagingDir,
			JpegQuality:  cfg.JpegQuality,
			Staging:      info.Staging,
		}
		for _, src := range []grab.Source{grab.SourceDefault, grab.SourceOSD, grab.SourceVideo, grab.SourcePiP, grab.SourcePanel} {
			req := grab.Request{Format: grab.FormatJPEG, Source: src}
			if src == grab.SourcePiP {
				req.PipSubIndex = 1
			}
			c := grab.BuildCommand(req, opts)
			fmt.Fprintf(out, "%-8s %s %v (%s)\n", src, c.Path, c.Args, c.Target.Kind)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(detectCmd)
}

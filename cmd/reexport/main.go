// Package main provides the CLI entry point for reexport.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ideamans/go-l10n"
	"github.com/urfave/cli/v2"

	"github.com/user/reexport/pkg/adapters/ffsourcereader"
	"github.com/user/reexport/pkg/adapters/filesink"
	"github.com/user/reexport/pkg/adapters/fmp4muxer"
	"github.com/user/reexport/pkg/adapters/ggrenderer"
	"github.com/user/reexport/pkg/adapters/gpucompositor"
	"github.com/user/reexport/pkg/adapters/logger"
	"github.com/user/reexport/pkg/adapters/nullsink"
	"github.com/user/reexport/pkg/adapters/osfilesystem"
	"github.com/user/reexport/pkg/adapters/streamencoder"
	"github.com/user/reexport/pkg/config"
	"github.com/user/reexport/pkg/pipeline"
	"github.com/user/reexport/pkg/ports"
)

var version = "dev"

func main() {
	app := &cli.App{
		Name:  "reexport",
		Usage: "Deterministically re-render and re-encode a video clip.",
		Commands: []*cli.Command{
			exportCommand(),
			versionCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func exportCommand() *cli.Command {
	return &cli.Command{
		Name:      "export",
		Usage:     "Export a source clip per an export spec.",
		ArgsUsage: "<source>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Required: true, Usage: "Output MP4 file path."},
			&cli.StringFlag{Name: "spec", Aliases: []string{"s"}, Usage: "YAML config file (see config.LoadFromFile)."},
			&cli.IntFlag{Name: "width", Usage: "Output width (overrides spec)."},
			&cli.IntFlag{Name: "height", Usage: "Output height (overrides spec)."},
			&cli.StringFlag{Name: "codec", Usage: "Codec ID, e.g. avc1.640033 or av01.0.04M.08 (overrides spec)."},
			&cli.IntFlag{Name: "bitrate", Usage: "Target bitrate in bits/sec (overrides spec)."},
			&cli.StringFlag{Name: "log-level", Value: "info", Usage: "debug, info, warn, error, quiet."},
			&cli.BoolFlag{Name: "quiet", Aliases: []string{"q"}, Usage: "Suppress all log output."},
			&cli.BoolFlag{Name: "debug", Aliases: []string{"d"}, Usage: "Save intermediate debug artifacts."},
			&cli.StringFlag{Name: "debug-dir", Value: "./debug", Usage: "Directory for debug output."},
		},
		Action: runExport,
	}
}

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Show version information.",
		Action: func(c *cli.Context) error {
			fmt.Println(l10n.F("reexport version %s", version))
			return nil
		},
	}
}

func runExport(c *cli.Context) error {
	if c.NArg() < 1 {
		return cli.Exit(l10n.T("missing required argument: source"), 1)
	}
	source := c.Args().Get(0)

	cfg := config.Defaults()
	if specPath := c.String("spec"); specPath != "" {
		loaded, err := config.LoadFromFile(specPath)
		if err != nil {
			return fmt.Errorf("loading spec %s: %w", specPath, err)
		}
		cfg = loaded
	}

	cfg.Spec.SourceURI = source
	cfg.OutputPath = c.String("output")
	if v := c.Int("width"); v > 0 {
		cfg.Spec.Width = v
	}
	if v := c.Int("height"); v > 0 {
		cfg.Spec.Height = v
	}
	if v := c.String("codec"); v != "" {
		cfg.Spec.CodecID = v
	}
	if v := c.Int("bitrate"); v > 0 {
		cfg.Spec.BitrateBps = v
	}
	if v := c.String("log-level"); v != "" {
		cfg.LogLevel = v
	}
	if c.Bool("debug") {
		cfg.Debug = true
	}
	if v := c.String("debug-dir"); v != "" {
		cfg.DebugDir = v
	}

	var log ports.Logger
	if c.Bool("quiet") {
		log = logger.NewNoop()
	} else {
		log = logger.NewConsole(cfg.LogLevelValue())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fs := osfilesystem.New()
	renderer := ggrenderer.New()

	var sink ports.DebugSink
	if cfg.Debug {
		if err := fs.MkdirAll(cfg.DebugDir); err != nil {
			return fmt.Errorf("create debug directory: %w", err)
		}
		sink = filesink.New(cfg.DebugDir, fs, renderer)
	} else {
		sink = nullsink.New()
	}

	reader := ffsourcereader.New()
	compositor := gpucompositor.New(renderer)
	encoder := streamencoder.New()
	muxer := fmp4muxer.New()

	progress := pipeline.ProgressSinkFunc(func(ev pipeline.ProgressEvent) {
		log.Debug(l10n.F("frame %d/%d (%.1f%%)", ev.CurrentFrame, ev.TotalFrames, ev.Fraction*100))
	})

	pl := pipeline.New(reader, compositor, encoder, muxer, fs, sink, log, progress)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			log.Warn(l10n.T("Interrupted, cancelling export..."))
			pl.Cancel()
			cancel()
		case <-ctx.Done():
		}
	}()
	defer signal.Stop(sigCh)

	log.Info(l10n.F("Exporting %s -> %s", source, cfg.OutputPath))

	blob, runErr := pl.Run(ctx, cfg.Spec, cfg.OutputPath)
	if runErr != nil {
		return runErr
	}

	log.Info(l10n.F("Wrote %d bytes to %s", len(blob.Data), cfg.OutputPath))
	return nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/dunamismax/sharpscale/internal/app"
	"github.com/dunamismax/sharpscale/internal/batch"
	"github.com/dunamismax/sharpscale/internal/codec"
	"github.com/dunamismax/sharpscale/internal/enhance"
	"github.com/dunamismax/sharpscale/internal/pipeline"
	"github.com/dunamismax/sharpscale/internal/sharpen"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var enhanceCmd = &cobra.Command{
	Use:   "enhance FILE...",
	Short: "Upscale and sharpen image files",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runEnhance,
}

func init() {
	enhanceCmd.Flags().IntP("factor", "f", 2, "Upscale factor (positive integer)")
	enhanceCmd.Flags().IntP("sharpen", "s", 5, "Sharpen level 0-10, out of range values are clamped (0 disables)")
	enhanceCmd.Flags().String("format", "", "Output format (jpeg, png, webp, bmp, tiff); empty keeps the source format")
	enhanceCmd.Flags().Float64("quality", 0, "Lossy quality in (0, 1]; 0 uses the configured default")
	enhanceCmd.Flags().StringP("out", "o", ".", "Output directory")
	enhanceCmd.Flags().String("filter", "", "Resample filter (run 'sharpscale filters' to list)")
	enhanceCmd.Flags().IntP("workers", "w", 0, "Images processed in parallel (0 uses every CPU)")
	enhanceCmd.Flags().Duration("delay", batch.DefaultDelay, "Pause between written files")
	rootCmd.AddCommand(enhanceCmd)
}

type enhanced struct {
	record pipeline.Output
	data   []byte
}

func runEnhance(cmd *cobra.Command, args []string) error {
	factor, _ := cmd.Flags().GetInt("factor")
	level, _ := cmd.Flags().GetInt("sharpen")
	format, _ := cmd.Flags().GetString("format")
	quality, _ := cmd.Flags().GetFloat64("quality")
	outDir, _ := cmd.Flags().GetString("out")
	workers, _ := cmd.Flags().GetInt("workers")
	delay, _ := cmd.Flags().GetDuration("delay")

	if factor < 1 {
		return fmt.Errorf("factor must be a positive integer, got %d", factor)
	}
	level = sharpen.ClampLevel(level)
	if quality < 0 || quality > 1 {
		return errors.New("quality must be in (0, 1]")
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("filter") {
		cfg.Enhance.Filter, _ = cmd.Flags().GetString("filter")
	}
	if !cmd.Flags().Changed("workers") && cfg.Enhance.Workers > 0 {
		workers = cfg.Enhance.Workers
	}
	if !cmd.Flags().Changed("delay") {
		delay = cfg.Enhance.DeliveryDelay
	}

	logger, err := newLogger(cmd, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if err := codec.Startup(); err != nil {
		return err
	}
	defer codec.Shutdown()

	enhancer, err := app.NewEnhancer(cfg.Enhance, logger)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	params := enhance.Params{
		UpscaleFactor: factor,
		SharpenLevel:  level,
		Output:        codec.OutputSpec{Format: format, Quality: quality},
	}
	items := batch.Run(ctx, args, workers, func(ctx context.Context, _ int, path string) (enhanced, error) {
		return enhanceFile(ctx, enhancer, path, params)
	})

	out := cmd.OutOrStdout()
	start := time.Now()
	err = batch.Sequencer{Delay: delay}.Deliver(ctx, len(items), func(_ context.Context, i int) error {
		item := items[i]
		if item.Err != nil {
			fmt.Fprintf(out, "%s: %v\n", args[i], item.Err)
			return fmt.Errorf("%s: %w", args[i], item.Err)
		}
		rec, err := writeOutput(outDir, item.Value)
		if err != nil {
			fmt.Fprintf(out, "%s: %v\n", args[i], err)
			return err
		}
		printSummary(out, rec)
		return nil
	})

	failed := batch.Failed(items)
	logger.Info("batch finished",
		zap.Int("files", len(items)),
		zap.Int("failed", failed),
		zap.Duration("elapsed", time.Since(start)),
	)
	if err != nil {
		return fmt.Errorf("%d of %d images failed", max(failed, 1), len(items))
	}
	return nil
}

func enhanceFile(ctx context.Context, enhancer *enhance.Pipeline, path string, params enhance.Params) (enhanced, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return enhanced{}, err
	}

	declared := codec.NormalizeFormat(filepath.Ext(path))
	src, detected, err := enhancer.Decode(ctx, data, declared)
	if err != nil {
		return enhanced{}, err
	}
	if params.Output.Format == "" {
		params.Output.Format = detected
	}

	res, err := enhancer.Process(ctx, src, params)
	if err != nil {
		return enhanced{}, err
	}

	record := pipeline.Output{
		OriginalName:   filepath.Base(path),
		OriginalFormat: detected,
		OriginalBytes:  len(data),
		Name:           codec.OutputName(path, params.UpscaleFactor, res.Format),
		Format:         res.Format,
		Bytes:          len(res.Data),
		Width:          res.Width,
		Height:         res.Height,
		UpscaleFactor:  params.UpscaleFactor,
		SharpenLevel:   params.SharpenLevel,
		Sharpened:      res.Sharpened,
		Success:        true,
	}
	for _, w := range res.Warnings {
		record.Warnings = append(record.Warnings, w.Error())
	}
	return enhanced{record: record, data: res.Data}, nil
}

func writeOutput(dir string, e enhanced) (pipeline.Output, error) {
	path := filepath.Join(dir, e.record.Name)
	if err := os.WriteFile(path, e.data, 0o644); err != nil {
		return pipeline.Output{}, fmt.Errorf("write %s: %w", path, err)
	}
	rec := e.record
	rec.Path = path
	return rec, nil
}

func printSummary(w io.Writer, rec pipeline.Output) {
	fmt.Fprintf(w, "%s (%s, %s) -> %s (%s, %dx%d)\n",
		rec.OriginalName,
		rec.OriginalFormat,
		humanize.IBytes(uint64(rec.OriginalBytes)),
		rec.Path,
		humanize.IBytes(uint64(rec.Bytes)),
		rec.Width,
		rec.Height,
	)
	for _, warning := range rec.Warnings {
		fmt.Fprintf(w, "  warning: %s\n", warning)
	}
}

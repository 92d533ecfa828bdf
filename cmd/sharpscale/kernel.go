package main

import (
	"fmt"
	"strings"

	"github.com/dunamismax/sharpscale/internal/resample"
	"github.com/dunamismax/sharpscale/internal/sharpen"
	"github.com/spf13/cobra"
)

var kernelCmd = &cobra.Command{
	Use:   "kernel",
	Short: "Print the sharpen kernel used for a level and upscale factor",
	Args:  cobra.NoArgs,
	RunE:  runKernel,
}

var filtersCmd = &cobra.Command{
	Use:   "filters",
	Short: "List the available resample filters",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		for _, name := range resample.Filters() {
			marker := " "
			if name == resample.DefaultFilter {
				marker = "*"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", marker, name)
		}
	},
}

func init() {
	kernelCmd.Flags().IntP("sharpen", "s", 5, "Sharpen level (0-10)")
	kernelCmd.Flags().IntP("factor", "f", 2, "Upscale factor")
	rootCmd.AddCommand(kernelCmd, filtersCmd)
}

func runKernel(cmd *cobra.Command, _ []string) error {
	level, _ := cmd.Flags().GetInt("sharpen")
	factor, _ := cmd.Flags().GetInt("factor")

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	policy, err := cfg.Enhance.SharpenPolicy()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	k := policy.Derive(level, factor)
	if k == nil {
		fmt.Fprintf(out, "level %d at %dx: no sharpening\n", sharpen.ClampLevel(level), factor)
		return nil
	}

	fmt.Fprintf(out, "level %d at %dx: s=%g\n", sharpen.ClampLevel(level), factor, k.Intensity())
	for _, row := range k {
		cells := make([]string, len(row))
		for i, w := range row {
			cells[i] = fmt.Sprintf("%7.3f", w)
		}
		fmt.Fprintln(out, strings.Join(cells, " "))
	}
	return nil
}

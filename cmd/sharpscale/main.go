package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "sharpscale",
	Short:         "Upscale images by an integer factor and sharpen the result",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Config file (defaults to $SHARPSCALE_CONFIG)")
	rootCmd.PersistentFlags().String("log-level", "warn", "Log level")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

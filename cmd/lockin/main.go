package main

import (
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:           "lockin",
	Short:         "Personal focus-policy service",
	Long:          "lockin classifies pages as conducive or distracting and blocks them according to your allow list, blacklist and strikes.",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", os.Getenv("NO_COLOR") != "", "disable colored output")

	rootCmd.AddCommand(serveCmd, stopCmd, statusCmd)
	rootCmd.AddCommand(classifyCmd, strikeCmd, allowCmd)
	rootCmd.AddCommand(blacklistCmd, strikesCmd, patternsCmd, monitorCmd, decisionsCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}

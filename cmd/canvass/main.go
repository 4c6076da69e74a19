package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:     "canvass",
	Short:   "canvass — paid voice feedback surveys",
	Version: version,
	Long: `canvass runs paid voice feedback surveys: it briefs a voice agent,
collects conversation transcripts, scores them with an LLM evaluator,
pays respondents based on response quality, and aggregates insights
across sessions.`,
}

func main() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(surveyCmd)
	rootCmd.AddCommand(sessionCmd)
	rootCmd.AddCommand(insightsCmd)
	rootCmd.AddCommand(configCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

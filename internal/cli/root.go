package cli

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "mediad",
	Short: "Media ingestion pipeline daemon",
	Long: `mediad accepts large files via resumable chunked uploads, enforces
per-account storage quotas, and supervises asynchronous media enrichment
jobs (thumbnailing, metadata extraction, OCR, tagging).`,
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newConfigCmd())
}

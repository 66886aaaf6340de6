package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/rag-pipeline/internal/knowledge"
)

// newCrawlCmd crawls one URL and prints the extracted pages as JSON.
func newCrawlCmd() *cobra.Command {
	var policy knowledge.CrawlPolicy
	cmd := &cobra.Command{
		Use:   "crawl <url>",
		Short: "Crawl a site once and print the extracted pages",
		Long: `Runs the crawl orchestrator against a single seed URL without
storing anything in the knowledge base. Useful for checking what a
website source would ingest.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			result, err := appInstance.Crawl(cmd.Context(), args[0], policy)
			if err != nil {
				return err
			}
			appInstance.Logger().Info("crawl finished",
				zap.String("seed", result.SeedURL),
				zap.Int("pages", len(result.Pages)),
				zap.Int("errors", len(result.Errors)),
				zap.Duration("duration", result.Duration),
			)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(result); err != nil {
				return fmt.Errorf("encode result: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&policy.MaxPages, "max-pages", 0, "page budget (0 uses the configured default)")
	cmd.Flags().BoolVar(&policy.CrawlSubpages, "subpages", true, "follow same-site links")
	cmd.Flags().StringSliceVar(&policy.IncludePaths, "include", nil, "only follow paths matching these globs")
	cmd.Flags().StringSliceVar(&policy.ExcludePaths, "exclude", nil, "skip paths matching these globs")
	cmd.Flags().BoolVar(&policy.FullPageContent, "full-page", false, "keep navigation and footer text")
	return cmd
}

// Package cmd defines and implements the CLI commands for the catalogcrawler executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/api"
	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

type crawlOptions struct {
	name   string
	output string
}

// newCrawlCmd creates the 'crawl' subcommand, which runs one session in the foreground.
func newCrawlCmd() *cobra.Command {
	var opts crawlOptions
	cmd := &cobra.Command{
		Use:   "crawl <root-url>",
		Short: "Crawls one retailer and prints a session summary",
		Long: `Runs a single catalog session against the given retailer URL without the
HTTP API. Interrupting the command cancels the session; products found so far
are kept.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCrawlCommand(cmd, args[0], opts)
		},
	}
	cmd.Flags().StringVar(&opts.name, "name", "", "display name for the session")
	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "write extracted products to this CSV file")
	return cmd
}

func runCrawlCommand(cmd *cobra.Command, rootURL string, opts crawlOptions) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	session, records, err := appInstance.Crawl(ctx, rootURL, opts.name)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("crawl %s: %w", rootURL, err)
	}
	printSummary(cmd.OutOrStdout(), session, len(records))

	if opts.output != "" && len(records) > 0 {
		if err := writeExport(opts.output, records); err != nil {
			return err
		}
		appInstance.Logger().Info("products exported", zap.String("path", opts.output), zap.Int("products", len(records)))
	}
	if session.Status == crawler.StatusFailed {
		return fmt.Errorf("session %s failed: %s", session.ID, session.Error)
	}
	return nil
}

func printSummary(w io.Writer, session crawler.Session, products int) {
	fmt.Fprintf(w, "session:  %s\n", session.ID)
	if session.Name != "" {
		fmt.Fprintf(w, "name:     %s\n", session.Name)
	}
	fmt.Fprintf(w, "url:      %s\n", session.URL)
	fmt.Fprintf(w, "status:   %s\n", session.Status)
	fmt.Fprintf(w, "pages:    %d/%d (%.1f%%)\n", session.ScrapedPages, session.TotalPages, session.Progress())
	fmt.Fprintf(w, "products: %d\n", products)
	if session.Error != "" {
		fmt.Fprintf(w, "error:    %s\n", session.Error)
	}
}

func writeExport(path string, records []crawler.Record) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create export: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close export: %w", cerr)
		}
	}()
	if err := api.WriteCSV(f, records); err != nil {
		return fmt.Errorf("write export: %w", err)
	}
	return nil
}

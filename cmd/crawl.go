package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/yearscan/internal/config"
	"github.com/JakeFAU/yearscan/internal/crawler"
	"github.com/JakeFAU/yearscan/internal/id/uuid"
	"github.com/JakeFAU/yearscan/internal/metrics"
	"github.com/JakeFAU/yearscan/internal/server"
	"github.com/JakeFAU/yearscan/internal/session"
	"github.com/JakeFAU/yearscan/internal/sink"
)

type crawlOptions struct {
	standard      string
	year          int
	template      string
	startPage     int
	maxFetches    int
	maxEmptyPages int
	printSummary  bool
}

// newCrawlCmd runs one session in the foreground and prints every matching
// URL to stdout.
func newCrawlCmd() *cobra.Command {
	opts := crawlOptions{}
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Runs one session and prints the matching URLs",
		Long: `Runs a single session against a listing without the HTTP service. Either
--template and --year describe the listing, or --standard names a session
from the standard_sessions config block (--year then overrides its year).`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			params, err := opts.parameters(rt.cfg, cmd.Flags().Changed("max-empty-pages"))
			if err != nil {
				return err
			}
			return runCrawl(cmd.Context(), rt, params, opts.printSummary, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&opts.standard, "standard", "", "name of a configured standard session")
	cmd.Flags().IntVar(&opts.year, "year", 0, "target year")
	cmd.Flags().StringVar(&opts.template, "template", "", "listing URL template with one %d for the page number")
	cmd.Flags().IntVar(&opts.startPage, "start-page", 0, "first page to fetch (default from config)")
	cmd.Flags().IntVar(&opts.maxFetches, "max-fetches", 0, "fetch ceiling before giving up (default from config)")
	cmd.Flags().IntVar(&opts.maxEmptyPages, "max-empty-pages", 0, "consecutive empty pages tolerated while collecting; 0 disables the limit")
	cmd.Flags().BoolVar(&opts.printSummary, "summary", false, "print the session result as JSON after the URLs")
	return cmd
}

func (o crawlOptions) parameters(cfg config.Config, maxEmptySet bool) (crawler.SessionParameters, error) {
	var params crawler.SessionParameters
	if o.standard != "" {
		std, ok := cfg.StandardSessions[o.standard]
		if !ok {
			return params, fmt.Errorf("unknown standard session %q", o.standard)
		}
		params = std
	}
	if o.template != "" {
		params.BasePageURLTemplate = o.template
	}
	if o.year != 0 {
		params.TargetYear = o.year
	}
	if o.startPage != 0 {
		params.StartPage = o.startPage
	}
	if o.maxFetches != 0 {
		params.MaxFetches = o.maxFetches
	}
	if maxEmptySet {
		params.MaxEmptyCollectPages = o.maxEmptyPages
		if o.maxEmptyPages == 0 {
			params.MaxEmptyCollectPages = -1
		}
	}
	params = cfg.ApplySessionDefaults(params)
	if err := params.Validate(); err != nil {
		return params, fmt.Errorf("invalid session: %w", err)
	}
	return params, nil
}

func runCrawl(ctx context.Context, rt *runtime, params crawler.SessionParameters, summary bool, out io.Writer) error {
	metrics.Init()
	logger := rt.logger

	fetcher, err := server.BuildFetcher(rt.cfg, logger.Named("fetcher"))
	if err != nil {
		return err
	}
	if c, ok := fetcher.(interface{ Close() }); ok {
		defer c.Close()
	}

	id, err := uuid.NewUUIDGenerator().NewID()
	if err != nil {
		return err
	}

	var mu sync.Mutex
	printer := sink.Func(func(_ context.Context, item crawler.Item) error {
		mu.Lock()
		defer mu.Unlock()
		_, werr := fmt.Fprintln(out, item.URL)
		return werr
	})
	sess, err := session.New(id, params, fetcher, printer, session.WithLogger(logger.Named("session")))
	if err != nil {
		return err
	}

	logger.Info("crawl started",
		zap.String("session_id", id),
		zap.Int("target_year", params.TargetYear),
		zap.String("template", params.BasePageURLTemplate),
	)
	runErr := sess.Run(ctx)
	res, _ := sess.Result()
	logger.Info("crawl finished",
		zap.String("status", string(res.Status)),
		zap.String("reason", res.Reason),
		zap.Int("pages_fetched", res.PagesFetched),
		zap.Int("items_emitted", res.ItemsEmitted),
	)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return fmt.Errorf("run session: %w", runErr)
	}
	if summary {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return fmt.Errorf("write summary: %w", err)
		}
	}
	return nil
}

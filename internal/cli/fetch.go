package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/VarunGitGood/livedata/internal/collapser"
	"github.com/VarunGitGood/livedata/internal/config"
	"github.com/VarunGitGood/livedata/internal/graphql"
	"github.com/VarunGitGood/livedata/internal/livedata"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

type fetchOptions struct {
	endpoint string
	timeout  time.Duration
	assets   []string
	json     bool
}

var fetchOpts fetchOptions

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Print a one-shot freshness report",
	Long: `Query live data for the given assets once and print a freshness table.

The endpoint is taken from --url, or from GRAPHQL_URL when the flag is unset.

Examples:
	livedata fetch --asset raw/orders --asset clean/orders
	livedata fetch --url http://localhost:3000/graphql --asset raw/orders --json
`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := fetchOpts
		if opts.endpoint == "" {
			cfg, err := config.Load(envFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			opts.endpoint = cfg.GraphQLURL
			if !cmd.Flags().Changed("timeout") {
				opts.timeout = cfg.GraphQLTimeout
			}
		}
		return runFetch(cmd.Context(), cmd.OutOrStdout(), opts)
	},
}

func init() {
	rootCmd.AddCommand(fetchCmd)
	fetchCmd.Flags().StringVar(&fetchOpts.endpoint, "url", "", "GraphQL endpoint")
	fetchCmd.Flags().DurationVar(&fetchOpts.timeout, "timeout", 10*time.Second, "Query timeout")
	fetchCmd.Flags().StringSliceVar(&fetchOpts.assets, "asset", nil, "Asset key to report, e.g. raw/orders (repeatable)")
	fetchCmd.Flags().BoolVar(&fetchOpts.json, "json", false, "Print live data as JSON")
}

func runFetch(ctx context.Context, w io.Writer, opts fetchOptions) error {
	if len(opts.assets) == 0 {
		return errors.New("at least one --asset is required")
	}
	keys, err := livedata.ParseAssetKeys(opts.assets)
	if err != nil {
		return err
	}

	c := collapser.NewCollapser(collapser.Config{BackendTimeout: opts.timeout})
	defer c.Stop()
	store, err := livedata.NewStore(len(keys))
	if err != nil {
		return err
	}
	client := graphql.NewClient(opts.endpoint, graphql.WithHTTPClient(&http.Client{Timeout: opts.timeout}))
	fetcher := livedata.NewFetcher(client, c, store, nil)

	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()
	nodes, err := fetcher.Fetch(ctx, keys, true)
	if err != nil {
		return fmt.Errorf("fetch live data: %w", err)
	}

	if opts.json {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(nodes)
	}
	printFreshnessTable(w, keys, nodes)
	return nil
}

var freshnessColors = map[livedata.FreshnessState]*color.Color{
	livedata.FreshnessFresh:   color.New(color.FgGreen),
	livedata.FreshnessLate:    color.New(color.FgRed, color.Bold),
	livedata.FreshnessUnknown: color.New(color.FgYellow),
}

func printFreshnessTable(w io.Writer, keys []livedata.AssetKey, nodes map[string]livedata.LiveDataForNode) {
	sorted := append([]livedata.AssetKey(nil), keys...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].String() < sorted[j].String() })

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ASSET\tFRESHNESS\tMINUTES LATE\tLAST MATERIALIZED\tLATEST RUN\tIN PROGRESS")
	for _, key := range sorted {
		node, ok := nodes[key.String()]
		if !ok {
			fmt.Fprintf(tw, "%s\t%s\t-\t-\t-\t-\n", key, color.New(color.Faint).Sprint("not found"))
			continue
		}

		late := "-"
		if node.CurrentMinutesLate != nil {
			late = fmt.Sprintf("%.1f", *node.CurrentMinutesLate)
		}
		materialized := "never"
		if node.LastMaterialization != nil {
			materialized = node.LastMaterialization.Timestamp.UTC().Format(time.RFC3339)
		}
		run := "-"
		if node.LatestRun != nil {
			run = fmt.Sprintf("%s (%s)", node.LatestRun.ID, node.LatestRun.Status)
		}
		inProgress := "-"
		if len(node.InProgressRunIDs) > 0 {
			inProgress = strings.Join(node.InProgressRunIDs, ",")
		}

		state := string(node.Freshness)
		if c, ok := freshnessColors[node.Freshness]; ok {
			state = c.Sprint(state)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", key, state, late, materialized, run, inProgress)
	}
	_ = tw.Flush()
}

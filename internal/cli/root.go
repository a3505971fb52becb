package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	buildVersion = "dev"
	buildCommit  = "unknown"
	buildDate    = "unknown"
)

var envFile string

var rootCmd = &cobra.Command{
	Use:   "livedata",
	Short: "Keep asset live data current and serve it over HTTP and gRPC",
	Long: `livedata tracks the run and freshness state of a set of assets.

It queries the GraphQL backend on a poll interval and whenever the backend's
asset event stream reports activity. Bursts of events collapse into a single
trailing refetch, and refetches never overlap a fetch already in flight.

Examples:
	# Serve live data for two assets
	GRAPHQL_URL=http://localhost:3000/graphql TRACKED_ASSETS=raw/orders,clean/orders livedata serve

	# One-shot freshness report
	livedata fetch --asset raw/orders --asset clean/orders

	# Print build info
	livedata version

Configuration:
	Settings are read from the environment, optionally seeded from an env file
	(see --env-file). See "livedata serve --help" for the full list.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Env file loaded before reading the environment (ignored if missing)")
}

func SetBuildInfo(version, commit, date string) {
	if version != "" {
		buildVersion = version
	}
	if commit != "" {
		buildCommit = commit
	}
	if date != "" {
		buildDate = date
	}

	rootCmd.Version = fmt.Sprintf("%s (%s) %s", buildVersion, buildCommit, buildDate)
	rootCmd.SetVersionTemplate("{{.Version}}\n")
}

func BuildInfo() (version, commit, date string) {
	return buildVersion, buildCommit, buildDate
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

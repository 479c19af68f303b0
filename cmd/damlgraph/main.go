package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/damlgraph/damlgraph/pkg/auth"
	"github.com/damlgraph/damlgraph/pkg/config"
	"github.com/damlgraph/damlgraph/pkg/graph"
	"github.com/damlgraph/damlgraph/pkg/ledger"
	"github.com/damlgraph/damlgraph/pkg/log"
	"github.com/damlgraph/damlgraph/pkg/metrics"
	"github.com/damlgraph/damlgraph/pkg/syncer"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "damlgraph",
	Short: "damlgraph - project a ledger's transaction history into Neo4j",
	Long: `Damlgraph subscribes to a ledger participant's update stream and
materialises transactions, events and parties as a graph in Neo4j,
ready for ad-hoc relationship queries.

It resumes from the last committed offset after restarts and survives
transport failures and credential expiry.`,
	Version: Version,
}

func init() {
	// Set version template
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"damlgraph version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	// Global flags
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	// Initialize logging before command execution
	cobra.OnInitialize(initLogging)

	// Add subcommands
	rootCmd.AddCommand(syncCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run the sync engine indefinitely",
	Long: `Sync connects to the configured participant, subscribes to updates
for the configured parties and writes nodes and edges to Neo4j until
interrupted. On restart it resumes after the highest offset already in
the graph.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configFile, _ := cmd.Flags().GetString("config-file")
		useKeycloak, _ := cmd.Flags().GetBool("use-keycloak")
		accessToken, _ := cmd.Flags().GetString("access-token")
		fresh, _ := cmd.Flags().GetBool("fresh")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

		cfg, err := config.Load(configFile)
		if err != nil {
			return err
		}

		// the config's log level applies unless the flag overrode it
		if !cmd.Flags().Changed("log-level") {
			logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
			log.Init(log.Config{
				Level:      log.Level(cfg.Logging.Level),
				JSONOutput: logJSON,
			})
		}

		tokens, err := tokenManager(cfg, useKeycloak, accessToken)
		if err != nil {
			return err
		}

		client, err := ledger.Dial(cfg.Ledger.URL, tokens)
		if err != nil {
			return err
		}
		defer client.Close()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		store, err := graph.Connect(ctx, cfg.Neo4j)
		if err != nil {
			return err
		}
		defer store.Close(context.Background())

		if metricsAddr != "" {
			go func() {
				if err := metrics.Serve(metricsAddr); err != nil {
					log.Logger.Error().Err(err).Msg("metrics endpoint failed")
				}
			}()
		}

		s := syncer.New(client, store, tokens, syncer.Options{
			Parties:     cfg.Ledger.Parties,
			BeginOffset: cfg.Ledger.BeginOffset,
			Fresh:       fresh,
		})

		log.Logger.Info().
			Str("participant", cfg.Ledger.URL).
			Strs("parties", cfg.Ledger.Parties).
			Bool("fresh", fresh).
			Msg("starting sync")

		return s.Run(ctx)
	},
}

func init() {
	syncCmd.Flags().String("config-file", config.DefaultPath, "Configuration file")
	syncCmd.Flags().Bool("use-keycloak", false, "Fetch bearer tokens from the configured OAuth2 identity provider")
	syncCmd.Flags().String("access-token", "", "Use a static bearer token and disable refresh")
	syncCmd.Flags().Bool("fresh", false, "Drop all sync-managed data and restart from the current ledger end")
	syncCmd.Flags().String("metrics-addr", "", "Expose Prometheus metrics on this address (for example :9090)")
}

// tokenManager picks the credential mode: a static token beats OAuth2,
// which beats the sandbox fake.
func tokenManager(cfg *config.Config, useKeycloak bool, accessToken string) (auth.Manager, error) {
	switch {
	case accessToken != "":
		return auth.NewStatic(accessToken), nil
	case useKeycloak:
		if err := cfg.ValidateKeycloak(); err != nil {
			return nil, err
		}
		return auth.NewOAuth(cfg.Keycloak)
	default:
		return auth.NewFake(cfg.Ledger.FakeJWTUser), nil
	}
}

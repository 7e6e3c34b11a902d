// Package cmd wires maxrelay's cobra command tree: serve, auth, and status,
// built on the shared wiring helpers in this file.
package cmd

import (
	"database/sql"
	"fmt"
	"net/http"
	"os"

	"maxrelay/internal/admin"
	"maxrelay/internal/analytics"
	"maxrelay/internal/config"
	"maxrelay/internal/db"
	"maxrelay/internal/httpapi"
	"maxrelay/internal/logging"
	"maxrelay/internal/model"
	"maxrelay/internal/oauth"
	"maxrelay/internal/proxy"
	"maxrelay/internal/quota"
	"maxrelay/internal/store"
	"maxrelay/internal/version"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "maxrelay",
	Short: "Self-hosted proxy exposing a Claude subscription over the OpenAI and Anthropic wire formats",
	Long: `maxrelay lets OpenAI-compatible and Anthropic-compatible clients share a
single Claude Pro/Max subscription through per-key quotas, cost accounting,
and bidirectional wire-format translation.`,
	Example: `
  # Start the proxy
  maxrelay serve

  # Connect the Claude subscription via OAuth
  maxrelay auth login

  # Check the subscription connection status
  maxrelay auth status

  # Live terminal dashboard
  maxrelay status
  `,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Flag("version").Changed {
			fmt.Println(version.Version)
			return nil
		}
		return cmd.Help()
	},
}

// Execute runs the root command, exiting the process on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "Debug logging")
	rootCmd.PersistentFlags().StringP("cwd", "c", "", "Working directory to read a project-local config override from")
	rootCmd.Flags().BoolP("version", "v", false, "Print the version and exit")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(authCmd)
	rootCmd.AddCommand(statusCmd)
}

// services bundles every collaborator a subcommand needs, built once from
// the loaded config and an open database connection.
type services struct {
	conn        *sql.DB
	cfg         *config.Config
	keys        store.KeyService
	models      *model.Store
	usage       *store.UsageStore
	creds       store.CredentialService
	oauthMgr    *oauth.Manager
	quotaEngine *quota.Engine
	analytics   analytics.Service
	pipeline    *proxy.Pipeline
	adminSrv    *admin.Server
}

// bootstrap loads config, opens (and migrates) the database, and constructs
// every service the proxy and its admin/CLI surfaces depend on.
func bootstrap(cmd *cobra.Command) (*services, error) {
	ctx := cmd.Context()

	debug, _ := cmd.Flags().GetBool("debug")
	cwd, _ := cmd.Flags().GetString("cwd")
	if cwd == "" {
		var err error
		cwd, err = os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("determine working directory: %w", err)
		}
	}

	cfg, err := config.Load(cwd, debug)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	conn, err := db.Connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	keys := store.NewKeyService(conn)
	models := model.NewStore(conn)
	usage := store.NewUsageStore(conn)
	creds := store.NewCredentialService(conn)
	oauthMgr := oauth.NewManager(creds)
	quotaEngine := quota.NewEngine(keys, usage, models)
	an := analytics.NewAnalyticsService(os.Getenv("MAXRELAY_POSTHOG_API_KEY"))

	pipeline := proxy.NewPipeline(keys, quotaEngine, oauthMgr, models, an)
	adminSrv := admin.NewServer(keys, models, usage, oauthMgr)

	logging.Info("maxrelay bootstrapped", "data_dir", cfg.DataDir, "cloak_mode", cfg.CloakMode)

	return &services{
		conn: conn, cfg: cfg,
		keys: keys, models: models, usage: usage, creds: creds,
		oauthMgr: oauthMgr, quotaEngine: quotaEngine, analytics: an,
		pipeline: pipeline, adminSrv: adminSrv,
	}, nil
}

// handler builds the composed HTTP mux (proxy + admin + health/models) for
// s's services. No static UI bundle is wired; a thin admin surface is all
// this repo needs, since there's no generated console to serve.
func (s *services) handler() http.Handler {
	return httpapi.New(s.pipeline, s.adminSrv, s.models, nil)
}

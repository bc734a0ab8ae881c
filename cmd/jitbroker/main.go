package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/oauth2/google"

	"github.com/copperline/jitbroker/internal/activation"
	"github.com/copperline/jitbroker/internal/api"
	"github.com/copperline/jitbroker/internal/catalog"
	"github.com/copperline/jitbroker/internal/config"
	"github.com/copperline/jitbroker/internal/entitlement"
	"github.com/copperline/jitbroker/internal/justification"
	"github.com/copperline/jitbroker/internal/logging"
	"github.com/copperline/jitbroker/internal/notifications"
	"github.com/copperline/jitbroker/internal/proposal"
	"github.com/copperline/jitbroker/internal/token"
	"github.com/copperline/jitbroker/pkg/assetinventory"
	"github.com/copperline/jitbroker/pkg/directory"
	"github.com/copperline/jitbroker/pkg/iamcredentials"
	"github.com/copperline/jitbroker/pkg/policyanalyzer"
	"github.com/copperline/jitbroker/pkg/resourcemanager"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

const cloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"

var configPath string

var rootCmd = &cobra.Command{
	Use:     "jitbroker",
	Short:   "jitbroker - just-in-time privileged access broker",
	Long:    `jitbroker lets users activate eligible IAM roles for a bounded time, either self-approved with a justification or after peer approval.`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		runServer()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"config file path (default: search /etc/jitbroker and the working directory)")
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("jitbroker %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServer() {
	// Baseline logger for early startup messages
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "jitbroker",
	})

	cfg, err := config.LoadFrom(configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Re-initialize logging with configuration-driven settings
	logging.Init(logging.Config{
		Format:    cfg.Logging.Format,
		Level:     cfg.Logging.Level,
		Component: "jitbroker",
		FilePath:  cfg.Logging.File,
	})
	defer logging.Shutdown()

	log.Info().
		Str("version", Version).
		Str("scope", cfg.Catalog.Scope).
		Str("source", cfg.Backend.Source).
		Msg("Starting JIT access broker")

	// Context that outlives requests: JWKS refresh, metrics server
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metricsAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.MetricsPort)
	startMetricsServer(ctx, metricsAddr)

	tokenSource, err := google.DefaultTokenSource(ctx, cloudPlatformScope)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to resolve application default credentials")
	}

	callTimeout := cfg.Backend.CallTimeout()

	var repo entitlement.Repository
	switch cfg.Backend.Source {
	case config.SourceAssetInventory:
		assets := assetinventory.NewClient(assetinventory.ClientConfig{
			Endpoint:    cfg.Backend.AssetEndpoint,
			TokenSource: tokenSource,
			Timeout:     callTimeout,
		})
		dir := directory.NewClient(directory.ClientConfig{
			Endpoint:    cfg.Backend.DirectoryEndpoint,
			TokenSource: tokenSource,
			Timeout:     callTimeout,
		})
		repo = entitlement.NewInventoryRepository(assets, dir, cfg.Catalog.Scope, cfg.Catalog.FanoutDegree)
	default:
		analyzer := policyanalyzer.NewClient(policyanalyzer.ClientConfig{
			Endpoint:    cfg.Backend.AnalyzerEndpoint,
			TokenSource: tokenSource,
			Timeout:     callTimeout,
		})
		repo = entitlement.NewAnalyzerRepository(analyzer, cfg.Catalog.Scope)
	}

	resources := resourcemanager.NewClient(resourcemanager.ClientConfig{
		Endpoint:    cfg.Backend.ResourceManagerEndpoint,
		TokenSource: tokenSource,
		Timeout:     callTimeout,
	})

	cat := catalog.New(repo, resources, catalog.Options{
		Scope:                 cfg.Catalog.Scope,
		ProjectQuery:          cfg.Catalog.ProjectQuery,
		MinActivationDuration: cfg.Catalog.MinActivationDuration(),
		MaxActivationDuration: cfg.Catalog.MaxActivationDuration(),
		MinReviewers:          cfg.Catalog.MinReviewers,
		MaxReviewers:          cfg.Catalog.MaxReviewers,
	})

	justificationPolicy, err := justification.NewRulePolicy(justification.Options{
		MinLength: cfg.Justification.MinLength,
		Pattern:   cfg.Justification.Pattern,
		Hint:      cfg.Justification.Hint,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid justification pattern")
	}

	activator := activation.New(cat, resources, justificationPolicy, activation.Options{})

	if cfg.Signer.ServiceAccount == "" {
		log.Fatal().Msg("Signer service account is required (JITBROKER_SIGNER_SERVICE_ACCOUNT)")
	}
	credentials, err := iamcredentials.NewClient(iamcredentials.ClientConfig{
		ServiceAccount: cfg.Signer.ServiceAccount,
		Endpoint:       cfg.Backend.CredentialsEndpoint,
		TokenSource:    tokenSource,
		Timeout:        callTimeout,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build credentials client")
	}
	signer, err := token.NewSigner(ctx, credentials)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize token signer")
	}

	var notifier notifications.Notifier = notifications.Discard{}
	if cfg.SMTP.Enabled {
		mailer, err := notifications.NewMailer(notifications.MailerConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			From:     cfg.SMTP.From,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			StartTLS: cfg.SMTP.StartTLS,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Invalid SMTP configuration")
		}
		notifier = mailer
	} else {
		log.Warn().Msg("SMTP disabled, proposal notifications will be dropped")
	}

	proposals := proposal.NewHandler(signer, cat, activator, notifier, proposal.Options{
		TokenValidity: cfg.Signer.ProposalValidity(),
		BaseURL:       cfg.Server.BaseURL,
	})

	auth, err := api.NewAuthenticator(ctx, cfg.IAP)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize authenticator")
	}

	router := api.NewRouter(cfg, auth, cat, activator, proposals, Version)

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           router.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// The watcher re-validates config edits so a bad file is caught
	// before the next restart picks it up.
	watchPath := configPath
	if watchPath == "" {
		watchPath = config.DefaultPath()
	}
	watcher, err := config.NewWatcher(watchPath)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create config watcher, file changes will not be checked")
	} else {
		if err := watcher.Start(); err != nil {
			log.Warn().Err(err).Msg("Failed to start config watcher")
		}
		defer watcher.Stop()
	}

	go func() {
		log.Info().
			Str("host", cfg.Server.Host).
			Int("port", cfg.Server.Port).
			Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start HTTP server")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	recheckChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	signal.Notify(recheckChan, syscall.SIGHUP)

	for {
		select {
		case <-recheckChan:
			log.Info().Msg("Received SIGHUP, re-checking configuration file")
			if watcher != nil {
				watcher.Recheck()
			}

		case <-sigChan:
			log.Info().Msg("Shutting down server...")
			goto shutdown
		}
	}

shutdown:
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}

	cancel()
	log.Info().Msg("Server stopped")
}

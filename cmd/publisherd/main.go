package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/MarkoPoloResearchLab/publisher/internal/httpserver"
	"github.com/MarkoPoloResearchLab/publisher/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/publisher/internal/webhook"
	"github.com/MarkoPoloResearchLab/publisher/pkg/credential"
	"github.com/MarkoPoloResearchLab/publisher/pkg/orchestrator"
	"github.com/MarkoPoloResearchLab/publisher/pkg/platform"
	"github.com/MarkoPoloResearchLab/publisher/pkg/quota"
)

const (
	flagDatabaseURL     = "database-url"
	flagListenAddr      = "listen-addr"
	flagWebhookURL      = "webhook-url"
	flagWorkerCount     = "worker-count"
	flagMaxAttempts     = "max-attempts"
	flagSweepInterval   = "sweep-interval"
	flagFacebookPageID  = "facebook-page-id"
	flagInstagramUserID = "instagram-user-id"
	flagLinkedInAuthor  = "linkedin-author"

	configKeyDatabaseURL     = "database_url"
	configKeyListenAddr      = "listen_addr"
	configKeyWebhookURL      = "webhook_url"
	configKeyWorkerCount     = "worker_count"
	configKeyMaxAttempts     = "max_attempts"
	configKeySweepInterval   = "sweep_interval"
	configKeyFacebookPageID  = "facebook_page_id"
	configKeyInstagramUserID = "instagram_user_id"
	configKeyLinkedInAuthor  = "linkedin_author"

	defaultDatabaseURL   = "sqlite:///tmp/publisher.db"
	defaultListenAddr    = ":8080"
	defaultWorkerCount   = 4
	defaultMaxAttempts   = 3
	defaultSweepInterval = time.Minute

	graphAPIBase     = "https://graph.facebook.com/v19.0"
	xAPIBase         = "https://api.x.com"
	linkedInAPIBase  = "https://api.linkedin.com"
	youtubeAPIBase   = "https://www.googleapis.com"
	graphTokenURL    = "https://graph.facebook.com/v19.0/oauth/access_token"
	xTokenURL        = "https://api.x.com/2/oauth2/token"
	linkedInTokenURL = "https://www.linkedin.com/oauth/v2/accessToken"
	googleTokenURL   = "https://oauth2.googleapis.com/token"

	youtubeUploadScope = "https://www.googleapis.com/auth/youtube.upload"
)

type runtimeConfig struct {
	DatabaseURL     string
	ListenAddr      string
	WebhookURL      string
	WorkerCount     int
	MaxAttempts     int
	SweepInterval   time.Duration
	FacebookPageID  string
	InstagramUserID string
	LinkedInAuthor  string
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "publisherd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "publisherd",
		Short:         "Social post publishing orchestrator",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL or sqlite connection string")
	cmd.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.Flags().String(flagWebhookURL, "", "Completion webhook endpoint (optional)")
	cmd.Flags().Int(flagWorkerCount, defaultWorkerCount, "Concurrent publish workers")
	cmd.Flags().Int(flagMaxAttempts, defaultMaxAttempts, "Publish attempts per post")
	cmd.Flags().Duration(flagSweepInterval, defaultSweepInterval, "Stale reservation sweep interval")
	cmd.Flags().String(flagFacebookPageID, "", "Facebook page id to publish to")
	cmd.Flags().String(flagInstagramUserID, "", "Instagram business user id")
	cmd.Flags().String(flagLinkedInAuthor, "", "LinkedIn author URN")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bindings := map[string]string{
		configKeyDatabaseURL:     "DATABASE_URL",
		configKeyListenAddr:      "LISTEN_ADDR",
		configKeyWebhookURL:      "WEBHOOK_URL",
		configKeyWorkerCount:     "WORKER_COUNT",
		configKeyMaxAttempts:     "MAX_ATTEMPTS",
		configKeySweepInterval:   "SWEEP_INTERVAL",
		configKeyFacebookPageID:  "FACEBOOK_PAGE_ID",
		configKeyInstagramUserID: "INSTAGRAM_USER_ID",
		configKeyLinkedInAuthor:  "LINKEDIN_AUTHOR",
	}
	for key, env := range bindings {
		if err := viper.BindEnv(key, env); err != nil {
			return err
		}
	}
	flags := map[string]string{
		configKeyDatabaseURL:     flagDatabaseURL,
		configKeyListenAddr:      flagListenAddr,
		configKeyWebhookURL:      flagWebhookURL,
		configKeyWorkerCount:     flagWorkerCount,
		configKeyMaxAttempts:     flagMaxAttempts,
		configKeySweepInterval:   flagSweepInterval,
		configKeyFacebookPageID:  flagFacebookPageID,
		configKeyInstagramUserID: flagInstagramUserID,
		configKeyLinkedInAuthor:  flagLinkedInAuthor,
	}
	for key, flag := range flags {
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString(configKeyDatabaseURL)
	cfg.ListenAddr = viper.GetString(configKeyListenAddr)
	cfg.WebhookURL = viper.GetString(configKeyWebhookURL)
	cfg.WorkerCount = viper.GetInt(configKeyWorkerCount)
	cfg.MaxAttempts = viper.GetInt(configKeyMaxAttempts)
	cfg.SweepInterval = viper.GetDuration(configKeySweepInterval)
	cfg.FacebookPageID = viper.GetString(configKeyFacebookPageID)
	cfg.InstagramUserID = viper.GetString(configKeyInstagramUserID)
	cfg.LinkedInAuthor = viper.GetString(configKeyLinkedInAuthor)

	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultListenAddr
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = defaultWorkerCount
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	return nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	gormDB, cleanup, driver, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer func() { _ = cleanup() }()

	if driver == "sqlite" {
		if err := gormstore.AutoMigrate(gormDB); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
	}

	clock := func() int64 { return time.Now().UTC().Unix() }

	quotaService, err := quota.NewService(gormstore.NewQuotaStore(gormDB), clock)
	if err != nil {
		return fmt.Errorf("quota service init: %w", err)
	}
	credentialService, err := credential.NewService(gormstore.NewCredentialStore(gormDB), buildRefreshers(clock), clock)
	if err != nil {
		return fmt.Errorf("credential service init: %w", err)
	}
	registry, err := buildRegistry(cfg)
	if err != nil {
		return fmt.Errorf("adapter registry init: %w", err)
	}

	var events orchestrator.Events = orchestrator.NewLogEvents(logger)
	if cfg.WebhookURL != "" {
		events = webhook.NewNotifier(cfg.WebhookURL, nil, logger)
	}

	postStore := gormstore.NewPostStore(gormDB)
	publishOrchestrator, err := orchestrator.New(
		postStore,
		quotaService,
		credentialService,
		registry,
		logger,
		clock,
		orchestrator.WithMaxAttempts(cfg.MaxAttempts),
		orchestrator.WithEvents(events),
	)
	if err != nil {
		return fmt.Errorf("orchestrator init: %w", err)
	}

	runner, err := orchestrator.NewRunner(publishOrchestrator, quotaService, logger,
		orchestrator.WithWorkerCount(cfg.WorkerCount),
		orchestrator.WithSweepInterval(cfg.SweepInterval),
	)
	if err != nil {
		return fmt.Errorf("runner init: %w", err)
	}

	server, err := httpserver.New(httpserver.Config{ListenAddr: cfg.ListenAddr}, publishOrchestrator, postStore, logger)
	if err != nil {
		return fmt.Errorf("http server init: %w", err)
	}

	var group sync.WaitGroup
	group.Add(1)
	go func() {
		defer group.Done()
		runner.Run(ctx)
	}()

	serveErr := server.Run(ctx)
	group.Wait()
	return serveErr
}

func buildRefreshers(clock func() int64) []credential.Refresher {
	httpClient := &http.Client{Timeout: 15 * time.Second}
	refreshers := make([]credential.Refresher, 0, 5)
	if clientID := os.Getenv("X_CLIENT_ID"); clientID != "" {
		refreshers = append(refreshers, credential.NewOAuthRefresher(
			credential.PlatformX, xTokenURL, clientID, os.Getenv("X_CLIENT_SECRET"), httpClient, clock))
	}
	if clientID := os.Getenv("LINKEDIN_CLIENT_ID"); clientID != "" {
		refreshers = append(refreshers, credential.NewOAuthRefresher(
			credential.PlatformLinkedIn, linkedInTokenURL, clientID, os.Getenv("LINKEDIN_CLIENT_SECRET"), httpClient, clock))
	}
	if clientID := os.Getenv("FACEBOOK_CLIENT_ID"); clientID != "" {
		secret := os.Getenv("FACEBOOK_CLIENT_SECRET")
		refreshers = append(refreshers,
			credential.NewExchangeRefresher(credential.PlatformFacebook, graphTokenURL, clientID, secret, httpClient, clock),
			credential.NewExchangeRefresher(credential.PlatformInstagram, graphTokenURL, clientID, secret, httpClient, clock))
	}
	if clientID := os.Getenv("GOOGLE_CLIENT_ID"); clientID != "" {
		refreshers = append(refreshers, buildYouTubeRefresher(clientID, httpClient, clock))
	}
	return refreshers
}

// buildYouTubeRefresher prefers the service-account variant when a signing
// key is configured, which adds the app-level fallback grant for subscribers
// whose user-bound token is gone.
func buildYouTubeRefresher(clientID string, httpClient *http.Client, clock func() int64) credential.Refresher {
	clientSecret := os.Getenv("GOOGLE_CLIENT_SECRET")
	issuer := os.Getenv("GOOGLE_SA_ISSUER")
	keyPath := os.Getenv("GOOGLE_SA_KEY_FILE")
	if issuer == "" || keyPath == "" {
		return credential.NewOAuthRefresher(credential.PlatformYouTube, googleTokenURL, clientID, clientSecret, httpClient, clock)
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "publisherd: read service account key: %v\n", err)
		return credential.NewOAuthRefresher(credential.PlatformYouTube, googleTokenURL, clientID, clientSecret, httpClient, clock)
	}
	privateKey, err := jwt.ParseRSAPrivateKeyFromPEM(keyPEM)
	if err != nil {
		fmt.Fprintf(os.Stderr, "publisherd: parse service account key: %v\n", err)
		return credential.NewOAuthRefresher(credential.PlatformYouTube, googleTokenURL, clientID, clientSecret, httpClient, clock)
	}
	return credential.NewServiceAccountRefresher(
		googleTokenURL, clientID, clientSecret, issuer, youtubeUploadScope, privateKey, httpClient, clock)
}

func buildRegistry(cfg *runtimeConfig) (*platform.Registry, error) {
	httpClient := &http.Client{Timeout: 20 * time.Second}
	adapters := []platform.Adapter{
		platform.NewXAdapter(xAPIBase, httpClient),
		platform.NewYouTubeAdapter(youtubeAPIBase, httpClient),
	}
	if cfg.FacebookPageID != "" {
		adapters = append(adapters, platform.NewFacebookAdapter(graphAPIBase, cfg.FacebookPageID, httpClient))
	}
	if cfg.InstagramUserID != "" {
		adapters = append(adapters, platform.NewInstagramAdapter(graphAPIBase, cfg.InstagramUserID, httpClient))
	}
	if cfg.LinkedInAuthor != "" {
		adapters = append(adapters, platform.NewLinkedInAdapter(linkedInAPIBase, cfg.LinkedInAuthor, httpClient))
	}
	return platform.NewRegistry(adapters...)
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, string, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	var db *gorm.DB
	gormConfig := &gorm.Config{}
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), gormConfig)
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), gormConfig)
	default:
		return nil, nil, "", fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, "", err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, "", err
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, driver, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres", "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "publisher.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return "sqlite", sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return "sqlite", sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}

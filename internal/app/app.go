// Package app wires configuration into running infrastructure: it starts
// exactly one of the api, reconciler, prober, or seed modes.
package app

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2"

	"github.com/wisbric/instancectl/internal/audit"
	"github.com/wisbric/instancectl/internal/auth"
	"github.com/wisbric/instancectl/internal/config"
	"github.com/wisbric/instancectl/internal/httpserver"
	"github.com/wisbric/instancectl/internal/platform"
	"github.com/wisbric/instancectl/internal/seed"
	"github.com/wisbric/instancectl/internal/telemetry"
	"github.com/wisbric/instancectl/internal/version"
	"github.com/wisbric/instancectl/pkg/adminapi"
	"github.com/wisbric/instancectl/pkg/billing"
	"github.com/wisbric/instancectl/pkg/health"
	"github.com/wisbric/instancectl/pkg/instance"
	"github.com/wisbric/instancectl/pkg/proxy"
	"github.com/wisbric/instancectl/pkg/reconciler"
	"github.com/wisbric/instancectl/pkg/runtime"
	"github.com/wisbric/instancectl/pkg/secretmint"
	"github.com/wisbric/instancectl/pkg/slack"
	"github.com/wisbric/instancectl/pkg/tenantapi"
)

// Run is the main application entry point. It reads config, connects to
// infrastructure, and starts the mode named by cfg.Mode.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting instancectl", "mode", cfg.Mode, "listen", cfg.ListenAddr())

	shutdownTracer, err := telemetry.InitTracer(ctx, cfg.OTLPEndpoint, "instancectl", version.Version, cfg.Mode)
	if err != nil {
		return fmt.Errorf("initializing tracer: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Error("shutting down tracer", "error", err)
		}
	}()

	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("migrations applied")

	metricsReg := prometheus.NewRegistry()
	metricsReg.MustRegister(telemetry.All()...)

	store := instance.NewStore(db)

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, cfg, logger, db, store, rdb, metricsReg)
	case "reconciler":
		return runReconciler(ctx, cfg, logger, store, rdb)
	case "prober":
		return runProber(ctx, cfg, logger, store, rdb)
	case "seed":
		return seed.Run(ctx, db, cfg.InstanceImageRef, cfg.DataRoot, logger)
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

func runAPI(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, store *instance.Store, rdb *redis.Client, metricsReg *prometheus.Registry) error {
	sessionSecret := cfg.SessionSecret
	if sessionSecret == "" {
		sessionSecret = auth.GenerateDevSecret()
		logger.Info("session: using auto-generated dev secret (set INSTANCECTL_SESSION_SECRET in production)")
	}
	sessionMaxAge, err := time.ParseDuration(cfg.SessionMaxAge)
	if err != nil {
		return fmt.Errorf("parsing session max age %q: %w", cfg.SessionMaxAge, err)
	}
	sessionMgr, err := auth.NewSessionManager(sessionSecret, sessionMaxAge)
	if err != nil {
		return fmt.Errorf("creating session manager: %w", err)
	}

	var oidcAuth *auth.OIDCAuthenticator
	if cfg.OIDCIssuerURL != "" && cfg.OIDCClientID != "" {
		oidcAuth, err = auth.NewOIDCAuthenticator(ctx, cfg.OIDCIssuerURL, cfg.OIDCClientID)
		if err != nil {
			return fmt.Errorf("initializing OIDC authenticator: %w", err)
		}
		logger.Info("OIDC authentication enabled", "issuer", cfg.OIDCIssuerURL)
	} else {
		logger.Info("OIDC authentication disabled (OIDC_ISSUER_URL not set)")
	}

	if cfg.AdminToken == "" {
		logger.Warn("ADMIN_TOKEN is not set; the admin API is unreachable")
	}

	slackNotifier := slack.NewNotifier(cfg.SlackBotToken, cfg.SlackOpsChannel, logger)
	if slackNotifier.IsEnabled() {
		httpserver.SetAlertFunc(func(kind httpserver.Kind, message string, cause error) {
			if err := slackNotifier.PostOpsAlert(context.Background(), kind.String(), message, cause); err != nil {
				logger.Error("posting ops alert", "error", err)
			}
		})
		logger.Info("slack ops paging enabled", "channel", cfg.SlackOpsChannel)
	} else {
		logger.Info("slack ops paging disabled (SLACK_BOT_TOKEN or SLACK_OPS_CHANNEL not set)")
	}

	mint := secretmint.NewMint(cfg.EnvelopeKey)
	ssoSigner, err := newSSOSigner(cfg.SSOSigningKey, logger)
	if err != nil {
		return fmt.Errorf("creating sso signer: %w", err)
	}

	auditWriter := audit.NewWriter(store, logger)
	auditWriter.Start(ctx)
	defer auditWriter.Close()

	authMiddleware := auth.Middleware(sessionMgr, cfg.AdminToken, logger)
	adminOnly := auth.RequireRole(auth.RoleAdmin)
	tenantOnly := auth.RequireRole(auth.RoleTenant)

	srv := httpserver.NewServer(cfg, logger, db, rdb, metricsReg, authMiddleware, adminOnly, tenantOnly)

	// --- Public auth routes ---
	rateLimiter := auth.NewRateLimiter(rdb, 10, 15*time.Minute)

	loginHandler := auth.NewLoginHandler(sessionMgr, store, logger, oidcAuth != nil, int(sessionMaxAge.Seconds()), true)
	srv.Router.With(rateLimitLogin(rateLimiter, logger)).Post("/auth/login", loginHandler.HandleLogin)
	srv.Router.Get("/auth/me", loginHandler.HandleMe)
	srv.Router.Post("/auth/logout", loginHandler.HandleLogout)
	srv.Router.Get("/auth/config", loginHandler.HandleAuthConfig)

	if oidcAuth != nil && cfg.OIDCClientSecret != "" {
		oauth2Cfg := &oauth2.Config{
			ClientID:     cfg.OIDCClientID,
			ClientSecret: cfg.OIDCClientSecret,
			RedirectURL:  cfg.OIDCRedirectURL,
			Scopes:       []string{"openid", "email", "profile"},
			Endpoint: oauth2.Endpoint{
				AuthURL:  cfg.OIDCIssuerURL + "/authorize",
				TokenURL: cfg.OIDCIssuerURL + "/oauth/token",
			},
		}
		oidcFlow := auth.NewOIDCFlowHandler(oauth2Cfg, oidcAuth, sessionMgr, store, rdb, logger, "/auth/me", int(sessionMaxAge.Seconds()), true)
		srv.Router.Get("/auth/oidc/login", oidcFlow.HandleLogin)
		srv.Router.Get("/auth/oidc/callback", oidcFlow.HandleCallback)
		logger.Info("OIDC Authorization Code flow enabled", "redirect_url", cfg.OIDCRedirectURL)
	}

	// --- Unauthenticated domain routes ---
	billingHandler := billing.NewHandler(store, rdb, cfg.BillingWebhookSecret, billing.DefaultPolicy, logger)
	srv.Router.Post("/webhooks/billing", billingHandler.ServeHTTP)

	srv.Router.Get("/sso/keys", func(w http.ResponseWriter, r *http.Request) {
		httpserver.Respond(w, http.StatusOK, ssoSigner.JWKS())
	})

	// --- Authenticated domain routes ---
	adminHandler := adminapi.NewHandler(store, mint, rdb, auditWriter, logger, cfg.InstanceImageRef, cfg.DataRoot)
	srv.AdminRouter.Mount("/instances", adminHandler.Routes())

	auditHandler := audit.NewHandler(store, logger)
	srv.AdminRouter.Mount("/audit-log", auditHandler.Routes())

	tenantHandler := tenantapi.NewHandler(store, ssoSigner, logger, cfg.RootDomain)
	srv.TenantRouter.Mount("/instance", tenantHandler.Routes())

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func runReconciler(ctx context.Context, cfg *config.Config, logger *slog.Logger, store *instance.Store, rdb *redis.Client) error {
	rt, err := runtime.NewAdapter(cfg.DockerHost)
	if err != nil {
		return fmt.Errorf("creating runtime adapter: %w", err)
	}

	var px proxy.Adapter
	switch cfg.ProxyMode {
	case "file":
		px = proxy.NewFileAdapter(cfg.ProxyFragmentDir, cfg.ProxyReloadURL, logger)
	default:
		px = proxy.NewLabelAdapter(logger)
	}

	mint := secretmint.NewMint(cfg.EnvelopeKey)

	interval, err := time.ParseDuration(cfg.ReconcileInterval)
	if err != nil {
		return fmt.Errorf("parsing reconcile interval %q: %w", cfg.ReconcileInterval, err)
	}

	engine := reconciler.New(store, rt, px, mint, rdb, logger, interval, cfg.ContainerNetwork, cfg.RootDomain, cfg.DataRoot, cfg.AdoptOrphans)
	engine.Run(ctx)
	return nil
}

func runProber(ctx context.Context, cfg *config.Config, logger *slog.Logger, store *instance.Store, rdb *redis.Client) error {
	interval, err := time.ParseDuration(cfg.ProbeInterval)
	if err != nil {
		return fmt.Errorf("parsing probe interval %q: %w", cfg.ProbeInterval, err)
	}

	graceWindow, err := time.ParseDuration(cfg.StartingGraceWindow)
	if err != nil {
		return fmt.Errorf("parsing starting grace window %q: %w", cfg.StartingGraceWindow, err)
	}

	prober := health.New(store, rdb, logger, interval, cfg.ProbeFailureLimit, graceWindow)
	prober.Run(ctx)
	return nil
}

// rateLimitLogin rejects login attempts once an IP has exceeded its attempt
// budget, and records every allowed attempt against that budget whether or
// not the login then succeeds.
func rateLimitLogin(rl *auth.RateLimiter, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)

			result, err := rl.Check(r.Context(), ip)
			if err != nil {
				logger.Error("login rate limit check failed", "error", err)
				next.ServeHTTP(w, r)
				return
			}
			if !result.Allowed {
				httpserver.RespondErr(w, httpserver.Forbiddenf("too many login attempts, try again later"))
				return
			}

			if err := rl.Record(r.Context(), ip); err != nil {
				logger.Error("login rate limit record failed", "error", err)
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// newSSOSigner derives a stable signing key from hexSeed if one is
// configured, otherwise falls back to an ephemeral in-process keypair.
func newSSOSigner(hexSeed string, logger *slog.Logger) (*secretmint.SSOSigner, error) {
	const ssoTokenTTL = 5 * time.Minute
	if hexSeed == "" {
		logger.Warn("SSO_SIGNING_KEY not set, generating an ephemeral signing key; " +
			"outstanding SSO links will not survive a restart and multiple API replicas will disagree")
		return secretmint.NewSSOSigner(ssoTokenTTL)
	}
	seed, err := hex.DecodeString(hexSeed)
	if err != nil {
		return nil, fmt.Errorf("decoding SSO_SIGNING_KEY as hex: %w", err)
	}
	return secretmint.NewSSOSignerFromSeed(seed, ssoTokenTTL)
}

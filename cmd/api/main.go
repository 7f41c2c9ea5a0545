package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"hkit.org/internal/audit"
	"hkit.org/internal/auth"
	"hkit.org/internal/cache"
	"hkit.org/internal/config"
	"hkit.org/internal/domain"
	"hkit.org/internal/httpapi"
	"hkit.org/internal/obs"
	"hkit.org/internal/provision"
	"hkit.org/internal/records"
	"hkit.org/internal/registration"
	"hkit.org/internal/store/memory"
	"hkit.org/internal/store/pg"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

// backend is what both store implementations provide.
type backend interface {
	domain.Store
	Ping(ctx context.Context) error
}

func main() {
	root := &cobra.Command{
		Use:           "hkit-api",
		Short:         "HIE oversight console API",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd(), provisionerCmd(), versionCmd())

	if err := root.Execute(); err != nil {
		obs.Logger().Error().Err(err).Msg("hkit-api failed")
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the console HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runServer(cmd.Context(), cfg)
		},
	}
}

func provisionerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "provisioner",
		Short: "Serve only the privileged approve-request operation over gRPC",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.GRPCAddr == "" {
				return errors.New("HKIT_GRPC_ADDR is required for the provisioner")
			}
			return runProvisioner(cmd.Context(), cfg)
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "hkit-api %s (%s)\n", version, commit)
		},
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	obs.SetLevel(cfg.LogLevel)
	obs.Init()
	obs.InitBuildInfo(version, commit)
	return cfg, nil
}

func openStore(cfg *config.Config) (backend, io.Closer, error) {
	if cfg.Store == "postgres" {
		st, err := pg.Open(cfg.PGDSN)
		if err != nil {
			return nil, nil, err
		}
		return st, st, nil
	}
	obs.Logger().Warn().Msg("using in-memory demo store; data is lost on restart")
	return memory.NewDemo(), closeFunc(func() error { return nil }), nil
}

type closeFunc func() error

func (f closeFunc) Close() error { return f() }

func openCache(ctx context.Context, cfg *config.Config) (cache.Cache, func()) {
	if cfg.RedisAddr == "" {
		return cache.NewMemory(cfg.CacheTTL), func() {}
	}
	rc, err := cache.NewRedis(ctx, cache.RedisConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		TTL:      cfg.CacheTTL,
	})
	if err != nil {
		obs.Logger().Warn().Err(err).Msg("redis unavailable, falling back to in-process cache")
		return cache.NewMemory(cfg.CacheTTL), func() {}
	}
	return rc, func() { _ = rc.Close() }
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func runServer(parent context.Context, cfg *config.Config) error {
	ctx, stop := signalContext(parent)
	defer stop()
	logger := obs.Logger()

	st, closer, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closer.Close()

	shared, closeCache := openCache(ctx, cfg)
	defer closeCache()

	secret := cfg.AuthSecret
	if secret == "" {
		logger.Warn().Msg("HKIT_AUTH_SECRET not set; using an insecure development secret")
		secret = "hkit-development-secret-do-not-use-in-prod"
	}
	issuer, err := auth.NewTokenIssuer(secret, cfg.TokenTTL, nil)
	if err != nil {
		return err
	}
	provider := auth.NewLocalProvider(st, issuer)
	defer provider.Close()
	resolver := auth.NewResolver(st, st, auth.WithRetry(cfg.ProfileAttempts, cfg.ProfileBaseDelay, cfg.ProfileMaxDelay))
	watcher := auth.NewSessionWatcher(resolver)
	go watcher.Run(ctx, provider.Subscribe(ctx))

	local := provision.NewService(st)
	var provisioner provision.Provisioner = local
	if cfg.ProvisionerAddr != "" {
		client, conn, err := provision.Dial(cfg.ProvisionerAddr, cfg.ProvisionerKey)
		if err != nil {
			return err
		}
		defer conn.Close()
		provisioner = client
		logger.Info().Str("addr", cfg.ProvisionerAddr).Msg("using remote provisioner")
	}

	trail := audit.NewTrail(st, audit.WithCache(shared))
	api, err := httpapi.New(httpapi.Deps{
		Ready:    st,
		Provider: provider,
		Resolver: resolver,
		Watcher:  watcher,
		Intake:   registration.NewIntake(st, registration.WithIntakeCache(shared)),
		Workflow: registration.NewWorkflow(st, provisioner,
			registration.WithWorkflowCache(shared),
			registration.WithTrail(trail)),
		Records: records.NewService(st, records.WithCache(shared), records.WithTrail(trail)),
	},
		httpapi.WithVersion(version),
		httpapi.WithRateLimit(cfg.RatePerSec, cfg.RateBurst),
		httpapi.WithCORSOrigins(cfg.CORSOrigins),
		httpapi.WithTrustedProxy(cfg.TrustProxy),
	)
	if err != nil {
		return err
	}

	errCh := make(chan error, 2)
	if cfg.GRPCAddr != "" {
		gs, lis, err := provisionerServer(cfg, local)
		if err != nil {
			return err
		}
		defer gs.GracefulStop()
		go func() {
			logger.Info().Str("addr", cfg.GRPCAddr).Msg("provisioner listening")
			if err := gs.Serve(lis); err != nil {
				errCh <- fmt.Errorf("grpc serve: %w", err)
			}
		}()
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		// The session stream is long-lived; write deadlines would cut it.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info().Str("addr", srv.Addr).Str("version", version).Str("store", cfg.Store).Msg("hkit-api starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("listen: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info().Msg("stopped")
	return nil
}

func provisionerServer(cfg *config.Config, svc provision.Provisioner) (*grpc.Server, net.Listener, error) {
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listen grpc: %w", err)
	}
	gs := grpc.NewServer()
	provision.Register(gs, provision.NewGRPCServer(svc, cfg.ProvisionerKey))
	return gs, lis, nil
}

func runProvisioner(parent context.Context, cfg *config.Config) error {
	ctx, stop := signalContext(parent)
	defer stop()

	st, closer, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closer.Close()

	gs, lis, err := provisionerServer(cfg, provision.NewService(st))
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		gs.GracefulStop()
	}()
	obs.Logger().Info().Str("addr", cfg.GRPCAddr).Msg("provisioner listening")
	return gs.Serve(lis)
}

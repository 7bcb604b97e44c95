// Command concord runs the deliberation coordination and
// decision-attestation service.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	gcstorage "cloud.google.com/go/storage"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/redis/go-redis/v9"

	"github.com/concord-engine/concord/pkg/api"
	"github.com/concord-engine/concord/pkg/archive"
	"github.com/concord-engine/concord/pkg/bus"
	"github.com/concord-engine/concord/pkg/config"
	"github.com/concord-engine/concord/pkg/coordinator"
	"github.com/concord-engine/concord/pkg/deliberation"
	"github.com/concord-engine/concord/pkg/observability"
	"github.com/concord-engine/concord/pkg/policy"
	"github.com/concord-engine/concord/pkg/seal"

	_ "github.com/lib/pq"  // Postgres driver
	_ "modernc.org/sqlite" // SQLite driver
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()
	initLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "concord",
		ServiceVersion: "1.0.0",
		Environment:    envOr("ENVIRONMENT", "development"),
		OTLPEndpoint:   cfg.OTLPEndpoint,
		Enabled:        cfg.TelemetryEnabled,
		Insecure:       true,
	})
	if err != nil {
		return fmt.Errorf("observability: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	b, err := buildBus(cfg)
	if err != nil {
		return err
	}

	gate, err := policy.NewGate()
	if err != nil {
		return fmt.Errorf("policy gate: %w", err)
	}

	var source policy.Source
	if cfg.PolicyBundlePath != "" {
		loader, err := policy.NewLoader(gate)
		if err != nil {
			return fmt.Errorf("policy loader: %w", err)
		}
		bundle, err := loader.LoadFile(cfg.PolicyBundlePath)
		if err != nil {
			return fmt.Errorf("policy bundle: %w", err)
		}
		slog.Info("policy bundle loaded",
			"ruleset", bundle.RuleSet, "version", bundle.Version, "rules", len(bundle.Rules))
		source = bundle
	}

	gateway, err := buildArchive(ctx, cfg)
	if err != nil {
		return err
	}

	var roster *deliberation.Roster
	if cfg.RosterPath != "" {
		roster, err = deliberation.LoadRoster(cfg.RosterPath)
		if err != nil {
			return fmt.Errorf("roster: %w", err)
		}
		slog.Info("default roster loaded", "name", roster.Name, "participants", len(roster.Participants))
	}

	// The local signer needs a key per roster key_ref or sealing can never
	// produce a signature.
	signer := seal.NewLocalSigner()
	if roster != nil {
		for _, p := range roster.Participants {
			if p.KeyRef == "" {
				continue
			}
			pub, err := signer.EnsureKey(p.KeyRef)
			if err != nil {
				return fmt.Errorf("provision signing key %s: %w", p.KeyRef, err)
			}
			slog.Info("signing key provisioned", "key_ref", p.KeyRef, "fingerprint", seal.Fingerprint(pub))
		}
	}

	var authority seal.TimestampAuthority
	if cfg.TSAEndpoint != "" {
		authority = seal.NewHTTPAuthority(cfg.TSAEndpoint, "remote-tsa")
	} else {
		authority = seal.NewStaticAuthority("concord-local-tsa")
	}

	pipeline := seal.NewPipeline(signer, authority, gateway, seal.Retention{
		Days: cfg.RetentionDays,
		Mode: cfg.RetentionMode,
	}).WithMetrics(obs)

	coord := coordinator.New(b, gate, pipeline, coordinator.Options{
		HumanWindow:      cfg.HumanWindow,
		VoteTimeout:      cfg.VoteTimeout,
		SessionRetention: cfg.SessionRetention,
	}).WithMetrics(obs)

	caps := make(map[string]coordinator.Capability, len(cfg.AgentEndpoints))
	for id, endpoint := range cfg.AgentEndpoints {
		caps[id] = coordinator.NewRemoteCapability(endpoint)
	}

	auth := api.NewOperatorAuth(cfg.JWTSecret)
	server := api.NewServer(coord, b, source, caps, auth)

	if roster != nil {
		server.WithDefaultRoster(roster)
	}

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("listening", "addr", httpServer.Addr,
			"bus", cfg.BusBackend, "archive", cfg.ArchiveBackend)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func buildBus(cfg *config.Config) (bus.Bus, error) {
	switch cfg.BusBackend {
	case "", "memory":
		return bus.NewMemoryBus(), nil
	case "redis":
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("redis url: %w", err)
		}
		return bus.NewRedisBus(redis.NewClient(opts)), nil
	default:
		return nil, fmt.Errorf("unknown bus backend %q", cfg.BusBackend)
	}
}

func buildArchive(ctx context.Context, cfg *config.Config) (archive.Gateway, error) {
	switch cfg.ArchiveBackend {
	case "", "memory":
		return archive.NewMemoryGateway(), nil
	case "sql":
		driver := "sqlite"
		if strings.HasPrefix(cfg.DatabaseURL, "postgres://") {
			driver = "postgres"
		}
		db, err := sql.Open(driver, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		gw := archive.NewSQLGateway(db)
		if err := gw.Init(ctx); err != nil {
			return nil, fmt.Errorf("init archive schema: %w", err)
		}
		return gw, nil
	case "s3":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("aws config: %w", err)
		}
		return archive.NewS3Gateway(awss3.NewFromConfig(awsCfg), cfg.S3Bucket), nil
	case "gcs":
		client, err := gcstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client: %w", err)
		}
		return archive.NewGCSGateway(client, cfg.GCSBucket), nil
	default:
		return nil, fmt.Errorf("unknown archive backend %q", cfg.ArchiveBackend)
	}
}

func initLogger(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

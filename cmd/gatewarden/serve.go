// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatewarden Contributors

package main

import (
	"context"
	"log/slog"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/gatewarden/gatewarden/internal/auth"
	authmem "github.com/gatewarden/gatewarden/internal/auth/memory"
	authpg "github.com/gatewarden/gatewarden/internal/auth/postgres"
	"github.com/gatewarden/gatewarden/internal/cluster"
	"github.com/gatewarden/gatewarden/internal/config"
	"github.com/gatewarden/gatewarden/internal/gate"
	"github.com/gatewarden/gatewarden/internal/logging"
	"github.com/gatewarden/gatewarden/internal/observability"
	"github.com/gatewarden/gatewarden/internal/session"
	sessmem "github.com/gatewarden/gatewarden/internal/session/memory"
	sesspg "github.com/gatewarden/gatewarden/internal/session/postgres"
	"github.com/gatewarden/gatewarden/internal/store"
	"github.com/gatewarden/gatewarden/pkg/errutil"
)

const sessionSweepInterval = 10 * time.Minute

// NewServeCmd creates the serve subcommand.
func NewServeCmd() *cobra.Command {
	var autoMigrate bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gatewarden node",
		Long: `Start a gatewarden node: the gate listener for game servers, the
cluster session propagator, and the observability endpoints.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, autoMigrate)
		},
	}

	cmd.Flags().BoolVar(&autoMigrate, "auto-migrate", false, "apply pending database migrations on startup")
	cmd.Flags().String("node.id", "", "node identifier in the cluster")
	cmd.Flags().String("node.listen_addr", "", "gate listen address")
	cmd.Flags().String("store.driver", "", "storage backend: postgres or memory")
	cmd.Flags().String("log.format", "", "log output format: json or text")

	return cmd
}

func runServe(cmd *cobra.Command, autoMigrate bool) error {
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return err
	}

	logging.SetDefault("gatewarden", cfg.Node.ID, cfg.Log.Format, cfg.Log.Level)
	logger := slog.Default()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var ready atomic.Bool
	obs := observability.NewServer(cfg.Node.MetricsAddr, ready.Load)
	obsErrCh, err := obs.Start()
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := obs.Stop(shutdownCtx); err != nil {
			errutil.LogError(logger, "observability shutdown failed", err)
		}
	}()
	registry := obs.Registry()

	// Storage.
	var (
		accounts auth.AccountRepository
		sessions session.Repository
	)
	if cfg.Store.Driver == "postgres" {
		if autoMigrate {
			if err := migrateUp(cfg.Store.DSN, logger); err != nil {
				return err
			}
		}
		pool, err := store.Connect(ctx, cfg.Store.DSN)
		if err != nil {
			return err
		}
		defer pool.Close()
		accounts = authpg.NewAccountRepository(pool)
		sessions = sesspg.NewSessionRepository(pool)
	} else {
		accounts = authmem.NewAccountRepository()
		sessions = sessmem.NewSessionRepository()
	}

	// Cluster messaging.
	var messenger cluster.Messenger
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			return oops.Code("REDIS_CONNECT_FAILED").With("addr", cfg.Redis.Addr).Wrap(err)
		}
		defer client.Close() //nolint:errcheck // shutdown path
		messenger = cluster.NewRedisMessenger(client, cfg.Redis.Channel, logger)
	} else {
		logger.Warn("redis not configured, using in-process bus; session consistency is limited to this node")
		bus := cluster.NewLocalBus()
		defer bus.Close()
		messenger = bus.Endpoint()
	}
	defer messenger.Close() //nolint:errcheck // shutdown path

	// Authentication components.
	limiter := auth.NewLimiterWithRegistry(auth.LimiterConfig{
		MaxFailures:    cfg.Auth.MaxFailedAttempts,
		BaseLockout:    cfg.LockoutBase(),
		CeilingLockout: cfg.LockoutCeiling(),
	}, registry)
	defer limiter.Close()

	cache := auth.NewCredentialCacheWithRegistry(auth.CredentialCacheConfig{}, registry)

	policy, err := auth.ParseCollisionPolicy(cfg.Auth.CollisionPolicy)
	if err != nil {
		return err
	}
	reconciler, err := auth.NewReconciler(accounts, policy, logger)
	if err != nil {
		return err
	}

	totp := auth.NewTotpVerifier(cfg.Auth.TotpIssuer, cfg.Auth.TotpToleranceSteps)

	flow, err := auth.NewFlow(auth.FlowConfig{
		MaxAttempts: cfg.Auth.MaxFailedAttempts,
		Deadline:    cfg.AuthDeadline(),
	}, accounts, cache, limiter, totp, reconciler, auth.NewArgon2idHasher(), logger)
	if err != nil {
		return err
	}

	// Session propagation.
	propagator, err := session.NewPropagator(session.PropagatorConfig{
		NodeID:         cfg.Node.ID,
		SessionTTL:     cfg.SessionTTL(),
		AckTimeout:     cfg.AckTimeout(),
		Strict:         cfg.Session.Strict,
		RememberWindow: cfg.RememberWindow(),
	}, sessions, messenger,
		session.WithPropagatorLogger(logger),
		session.WithPropagatorRegistry(registry),
		session.WithPropagatorInvalidations(obs.Metrics().InvalidationsTotal),
	)
	if err != nil {
		return err
	}
	if err := propagator.Start(); err != nil {
		return err
	}
	defer propagator.Close()

	go sweepSessions(ctx, sessions, logger)

	gateServer, err := gate.NewServer(cfg.Node.ListenAddr, flow, propagator, obs.Metrics(), logger)
	if err != nil {
		return err
	}

	ready.Store(true)
	logger.Info("gatewarden node started", "node_id", cfg.Node.ID)

	errCh := make(chan error, 1)
	go func() { errCh <- gateServer.Run(ctx) }()

	select {
	case err := <-errCh:
		if err != nil {
			errutil.LogError(logger, "gate server failed", err)
			return err
		}
	case err := <-obsErrCh:
		if err != nil {
			errutil.LogError(logger, "observability server failed", err)
			return err
		}
	case <-ctx.Done():
	}

	ready.Store(false)
	logger.Info("gatewarden node stopping")
	return nil
}

// sweepSessions periodically deletes expired sessions from the cluster
// table. Every node runs the sweep; DeleteExpired is idempotent.
func sweepSessions(ctx context.Context, sessions session.Repository, logger *slog.Logger) {
	ticker := time.NewTicker(sessionSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := sessions.DeleteExpired(ctx)
			if err != nil {
				errutil.LogError(logger, "session sweep failed", err)
				continue
			}
			if n > 0 {
				logger.Debug("expired sessions removed", "count", n)
			}
		}
	}
}

func migrateUp(dsn string, logger *slog.Logger) error {
	migrator, err := store.NewMigrator(dsn)
	if err != nil {
		return err
	}
	defer func() {
		if err := migrator.Close(); err != nil {
			errutil.LogError(logger, "migrator close failed", err)
		}
	}()

	if err := migrator.Up(); err != nil {
		return err
	}
	logger.Info("database migrations applied")
	return nil
}

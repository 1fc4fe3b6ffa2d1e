package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/BrandonDHaskell/Portunus/gate/internal/config"
	"github.com/BrandonDHaskell/Portunus/gate/internal/db"
	"github.com/BrandonDHaskell/Portunus/gate/internal/grpcapi"
	"github.com/BrandonDHaskell/Portunus/gate/internal/httpapi"
	"github.com/BrandonDHaskell/Portunus/gate/internal/lock"
	"github.com/BrandonDHaskell/Portunus/gate/internal/portunus/auth"
	"github.com/BrandonDHaskell/Portunus/gate/internal/portunus/enroll"
	"github.com/BrandonDHaskell/Portunus/gate/internal/portunus/face"
	"github.com/BrandonDHaskell/Portunus/gate/internal/portunus/protocol"
	"github.com/BrandonDHaskell/Portunus/gate/internal/portunus/service"
	"github.com/BrandonDHaskell/Portunus/gate/internal/portunus/store"
	"github.com/BrandonDHaskell/Portunus/gate/internal/portunus/store/memory"
	"github.com/BrandonDHaskell/Portunus/gate/internal/portunus/store/sqlite"
	"github.com/BrandonDHaskell/Portunus/gate/internal/recognize"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gate",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg, newLogger())
	},
}

type stores struct {
	identities store.IdentityStore
	audit      store.AuditStore
	close      func()
}

func openStores(ctx context.Context, cfg config.Config, logger *log.Logger) (stores, error) {
	if cfg.Store == "memory" {
		logger.Printf("store: memory (nothing persists)")
		return stores{
			identities: memory.NewIdentityStore(),
			audit:      memory.NewAuditStore(),
			close:      func() {},
		}, nil
	}

	sqlDB, err := db.Open(ctx, db.Config{Path: cfg.DBPath, Env: cfg.Env})
	if err != nil {
		return stores{}, err
	}
	if cfg.Env == "dev" && len(cfg.SeedIdentities) > 0 {
		if err := db.SeedDev(ctx, sqlDB, db.SeedDevOptions{IdentityIDs: cfg.SeedIdentities}); err != nil {
			_ = sqlDB.Close()
			return stores{}, err
		}
	}
	worker := db.NewWorker(sqlDB)
	logger.Printf("store: sqlite %s", cfg.DBPath)

	return stores{
		identities: sqlite.NewIdentityStore(sqlDB, worker),
		audit:      sqlite.NewAuditStore(sqlDB, worker),
		close: func() {
			worker.Close()
			_ = sqlDB.Close()
		},
	}, nil
}

func accessPolicy(cfg config.Config) service.AccessPolicy {
	p := service.DefaultAccessPolicy()
	p.Threshold = cfg.SimilarityThreshold
	p.Cooldown = cfg.Cooldown
	p.MaxAttemptsPerIdentity = cfg.MaxAttemptsPerIdentity
	p.MaxAttemptsGlobal = cfg.MaxAttemptsGlobal
	p.UnlockDuration = cfg.UnlockDuration
	return p
}

func enrollLimits(cfg config.Config) enroll.Limits {
	return enroll.Limits{
		MinPhotos:           cfg.MinPhotos,
		MaxPhotos:           cfg.MaxPhotos,
		MaxChunkBytes:       cfg.MaxChunkBytes,
		MaxPhotoBytes:       cfg.MaxPhotoBytes,
		SessionTimeout:      cfg.SessionTimeout,
		RequireAllPhotos:    cfg.RequireAllPhotos,
		MaxPipelineFailures: cfg.MaxPipelineFailures,
	}
}

func startupWarnings(cfg config.Config) []string {
	var out []string
	if cfg.SharedSecret == "" {
		out = append(out, "no shared secret configured; privileged admin commands are disabled")
	}
	if !cfg.AdminMode {
		out = append(out, "admin mode off; enrollment and identity changes are refused")
	}
	return out
}

func serve(ctx context.Context, cfg config.Config, logger *log.Logger) error {
	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.close()

	var (
		nonces      auth.NonceStore
		nonceSweep  service.NonceSweeper
		closeNonces = func() {}
	)
	if cfg.RedisAddr != "" {
		rs, err := auth.NewRedisNonceStore(ctx, auth.RedisConfig{Addr: cfg.RedisAddr}, cfg.NonceWindow)
		if err != nil {
			return err
		}
		nonces = rs
		closeNonces = func() { _ = rs.Close() }
		logger.Printf("nonces: redis %s", cfg.RedisAddr)
	} else {
		ms := auth.NewMemoryNonceStore(cfg.NonceWindow, cfg.NonceCapacity)
		nonces, nonceSweep = ms, ms
	}
	defer closeNonces()

	for _, w := range startupWarnings(cfg) {
		logger.Printf("WARNING: %s", w)
	}

	pipeline := face.NewReferencePipeline(cfg.MinFaceSize, cfg.EmbeddingSide)
	relay := lock.NewLogRelay(logger)

	sessions := enroll.NewManager(st.identities, st.audit, pipeline, enrollLimits(cfg), logger)
	access := service.NewAccessService(st.identities, st.audit, relay, accessPolicy(cfg), logger)
	authn := auth.NewAuthenticator(cfg.SharedSecret, cfg.NonceWindow, nonces)

	var dispatcher *protocol.Dispatcher
	status := service.NewStatusService(st.identities, st.audit, sessions,
		func() bool { return dispatcher.AdminMode() }, service.GopsutilProbe)
	dispatcher = protocol.NewDispatcher(authn, sessions, st.identities, st.audit, status, cfg.AdminMode, logger)

	srv := httpapi.NewServer(httpapi.Dependencies{
		Logger:     logger,
		Addr:       cfg.HTTPAddr,
		Dispatcher: dispatcher,
		Status:     status,
	})
	sweeper := service.NewSweeper(sessions, nonceSweep, access, cfg.SweepInterval, logger)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error { return sweeper.Run(gctx) })

	if cfg.GRPCAddr != "" {
		health := grpcapi.NewHealthServer(logger)
		health.SetServing(true)
		g.Go(func() error { return health.Run(gctx, cfg.GRPCAddr) })
	}

	if cfg.DecideAddr != "" {
		decide := httpapi.NewDecideServer(logger, cfg.DecideAddr, access)
		g.Go(func() error { return decide.Run(gctx) })
	}

	if cfg.FrameDir != "" {
		loop := recognize.NewLoop(recognize.DirSource{Dir: cfg.FrameDir}, pipeline, st.identities, access, cfg.FrameInterval, logger)
		g.Go(func() error { return loop.Run(gctx) })
	}

	logger.Printf("gate up (env=%s admin_mode=%t)", cfg.Env, cfg.AdminMode)
	err = g.Wait()
	logger.Printf("gate stopped")
	if err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

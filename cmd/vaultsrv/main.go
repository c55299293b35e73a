package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/decred/dcrd/dcrutil/v4"
	"github.com/vctt94/fairvault/pkg/auth"
	"github.com/vctt94/fairvault/pkg/config"
	"github.com/vctt94/fairvault/pkg/logging"
	"github.com/vctt94/fairvault/pkg/server"
	"github.com/vctt94/fairvault/pkg/settlement"
	"github.com/vctt94/fairvault/pkg/vault"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// settlementService is the gRPC health service name tracking the
// settlement worker.
const settlementService = "fairvault.settlement"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "vaultsrv: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(flag.CommandLine, os.Args[1:])
	if err != nil {
		return err
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return err
	}

	logBackend, err := logging.NewLogBackend(logging.LogConfig{
		LogFile:     cfg.LogFile,
		DebugLevel:  cfg.DebugLevel,
		MaxLogFiles: cfg.MaxLogFiles,
		RotateKB:    cfg.LogRotateKB,
	})
	if err != nil {
		return fmt.Errorf("failed to init logging: %w", err)
	}
	defer logBackend.Close()
	log := logBackend.Logger("MAIN")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := server.NewDatabase(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to init db: %w", err)
	}
	defer db.Close()

	custody := vault.NewLedgerCustody(db, logBackend.Logger("LDGR"))
	funded, err := fundLedger(ctx, cfg, custody)
	if err != nil {
		return err
	}
	if funded > 0 {
		log.Infof("Funded empty vault with %v for %s", funded, cfg.FundOwner)
	}

	vaultSvc := vault.NewService(vault.Config{
		Custody:     custody,
		Sessions:    db,
		Log:         logBackend.Logger("VAULT"),
		CallTimeout: cfg.CallTimeout,
	})

	healthSrv := health.NewServer()
	worker := settlement.NewWorker(settlement.Config{
		Store:       db,
		Settler:     vaultSvc,
		Log:         logBackend.Logger("SETL"),
		Interval:    cfg.SettlementInterval,
		GraceWindow: cfg.GraceWindow,
		Timeout:     cfg.CallTimeout,
		OnHealth: func(healthy bool) {
			status := healthpb.HealthCheckResponse_SERVING
			if !healthy {
				status = healthpb.HealthCheckResponse_NOT_SERVING
			}
			healthSrv.SetServingStatus(settlementService, status)
		},
	})
	healthSrv.SetServingStatus(settlementService, healthpb.HealthCheckResponse_SERVING)

	srv, err := server.NewServer(server.Config{
		DB:           db,
		Vault:        vaultSvc,
		Settlement:   worker,
		LogBackend:   logBackend,
		Snapshots:    db,
		HouseEdgeBps: cfg.HouseEdgeBps,
		SessionTTL:   cfg.SessionTTL,
	})
	if err != nil {
		return err
	}
	defer srv.Stop()
	if err := srv.SeedDefaultGames(ctx); err != nil {
		return fmt.Errorf("failed to seed games: %w", err)
	}

	authn, err := auth.New(auth.Config{
		Secret: []byte(cfg.JWTSecret),
		Issuer: cfg.JWTIssuer,
		Log:    logBackend.Logger("AUTH"),
	})
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", server.NewWSHandler(srv, authn, originChecker(cfg.AllowedOrigins)))
	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	sampler := vault.NewSampler(vaultSvc, db, cfg.SnapshotInterval, logBackend.Logger("SNAP"))

	var adminLis net.Listener
	if cfg.AdminAddr != "" {
		adminLis, err = net.Listen("tcp", cfg.AdminAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", cfg.AdminAddr, err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return worker.Run(gctx) })
	g.Go(func() error { return sampler.Run(gctx) })
	g.Go(func() error { return srv.RunMaintenance(gctx, cfg.ExpiryInterval) })
	g.Go(func() error {
		log.Infof("Listening for players on %s", cfg.ListenAddr)
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	if adminLis != nil {
		grpcSrv := grpc.NewServer()
		healthpb.RegisterHealthServer(grpcSrv, healthSrv)
		reflection.Register(grpcSrv)
		g.Go(func() error {
			log.Infof("Health service on %s", adminLis.Addr())
			return grpcSrv.Serve(adminLis)
		})
		g.Go(func() error {
			<-gctx.Done()
			healthSrv.Shutdown()
			grpcSrv.GracefulStop()
			return nil
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	log.Infof("Shutting down")
	return err
}

// fundLedger mints the configured funding into a ledger that holds no
// assets yet and returns the amount minted.
func fundLedger(ctx context.Context, cfg *config.Config, custody *vault.LedgerCustody) (dcrutil.Amount, error) {
	amt, err := cfg.FundAtoms()
	if err != nil || amt <= 0 {
		return 0, err
	}
	total, err := custody.TotalAssets(ctx)
	if err != nil {
		return 0, err
	}
	if total > 0 {
		return 0, nil
	}
	if err := custody.Fund(ctx, cfg.FundOwner, int64(amt)); err != nil {
		return 0, fmt.Errorf("failed to fund ledger: %w", err)
	}
	return amt, nil
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return nil
	}
	return func(r *http.Request) bool {
		return slices.Contains(allowed, r.Header.Get("Origin"))
	}
}

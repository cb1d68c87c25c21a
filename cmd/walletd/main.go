package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/0gfoundation/0g-aa-wallet/internal/api"
	"github.com/0gfoundation/0g-aa-wallet/internal/auth"
	"github.com/0gfoundation/0g-aa-wallet/internal/chain"
	"github.com/0gfoundation/0g-aa-wallet/internal/config"
	"github.com/0gfoundation/0g-aa-wallet/internal/coordinator"
	"github.com/0gfoundation/0g-aa-wallet/internal/fallback"
	"github.com/0gfoundation/0g-aa-wallet/internal/keys"
	"github.com/0gfoundation/0g-aa-wallet/internal/pipeline"
	"github.com/0gfoundation/0g-aa-wallet/internal/relay"
	"github.com/0gfoundation/0g-aa-wallet/internal/userop"
	"github.com/0gfoundation/0g-aa-wallet/internal/watcher"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync() //nolint:errcheck

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config load failed", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Redis ─────────────────────────────────────────────────────────────────
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal("redis ping failed", zap.Error(err))
	}

	// ── Chains (one lazily dialled client per RPC URL) ────────────────────────
	pool := chain.NewPool(cfg.Chains, nil)
	reader := chain.NewReader(pool, log)
	for _, ch := range cfg.Chains {
		log.Info("chain registered",
			zap.Int64("chain", ch.ChainID),
			zap.String("rpc", ch.RPCURL),
			zap.Int("relays", len(ch.Relays)),
		)
	}

	// ── Commit-reveal coordinator ─────────────────────────────────────────────
	coord := coordinator.New(coordinator.NewStore(rdb), reader, cfg.Chains, log)

	// ── Watcher (ready tasks → coordinator, buffered) ─────────────────────────
	readyCh := make(chan watcher.Task, 100)
	opts := watcher.Options{
		Tick:            time.Duration(cfg.Watcher.TickIntervalMs) * time.Millisecond,
		DefaultInterval: time.Duration(cfg.Watcher.DefaultIntervalMs) * time.Millisecond,
		Store:           watcher.NewStore(rdb),
		OnReady: func(t watcher.Task) {
			select {
			case readyCh <- t:
			case <-ctx.Done():
			}
		},
	}
	if cfg.Watcher.SelfCheck {
		opts.Checker = reader
	}
	watch := watcher.New(opts, log)

	// ── Operation pipeline ────────────────────────────────────────────────────
	relayTimeout := time.Duration(cfg.Relay.TimeoutSec) * time.Second
	signer := keys.FromConfig(cfg.Signer.PrivateKey)
	if addr, err := signer.Address(); err != nil {
		log.Warn("no signer key configured, operations will fail", zap.Error(err))
	} else {
		log.Info("signer loaded", zap.String("address", addr.Hex()))
	}
	ops := pipeline.New(
		cfg.Chains,
		userop.NewBuilder(pool, log),
		relay.NewSelector(relay.NewClient(relayTimeout, log), cfg.Chains, relayTimeout, log),
		fallback.NewExecutor(pool, log),
		signer,
		pipeline.NewOfferStore(rdb),
		time.Duration(cfg.Relay.FallbackOfferTTLSec)*time.Second,
		log,
	)

	// ── Goroutines ────────────────────────────────────────────────────────────
	watcherDone := make(chan struct{})
	go func() {
		defer close(watcherDone)
		watch.Run(ctx) //nolint:errcheck
	}()
	go runReadyHandler(ctx, readyCh, coord, log)

	// ── HTTP server ───────────────────────────────────────────────────────────
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	var opsAuth gin.HandlerFunc
	if cfg.Server.RequireAuth {
		operators := operatorWallets(cfg.Server, signer)
		if len(operators) == 0 {
			log.Warn("auth required but no operator wallet configured, operation routes will refuse every request")
		}
		opsAuth = auth.NewGuard(rdb, operators, log).Middleware()
	}
	api.NewHandler(coord, watch, ops, cfg.Chains, log).Register(r.Group("/api"), opsAuth)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Info("HTTP server starting", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	// ── gRPC health ───────────────────────────────────────────────────────────
	healthSrv := health.NewServer()
	grpcSrv := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, healthSrv)

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
	if err != nil {
		log.Fatal("gRPC listen failed", zap.Error(err))
	}
	go func() {
		log.Info("gRPC health server starting", zap.Int("port", cfg.Server.GRPCPort))
		if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			log.Error("gRPC server error", zap.Error(err))
		}
	}()
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	<-quit

	log.Info("shutting down...")
	healthSrv.Shutdown()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	grpcSrv.GracefulStop()
	select {
	case <-watcherDone:
	case <-shutdownCtx.Done():
		log.Warn("watcher did not stop in time")
	}
	log.Info("shutdown complete")
}

// operatorWallets is the signer's own address plus AUTHORIZED_WALLETS.
func operatorWallets(srv config.ServerConfig, signer *keys.Static) []common.Address {
	wallets := srv.AuthorizedAddresses()
	if addr, err := signer.Address(); err == nil && !lo.Contains(wallets, addr) {
		wallets = append(wallets, addr)
	}
	return wallets
}

// runReadyHandler records each watcher-reported revealable commitment with the
// coordinator. Tasks started for hashes the coordinator never saw are only
// logged.
func runReadyHandler(ctx context.Context, readyCh <-chan watcher.Task, coord *coordinator.Coordinator, log *zap.Logger) {
	for {
		select {
		case t := <-readyCh:
			hash := common.Hash(t.Hash).Hex()
			st, err := coord.ObserveRevealable(ctx, t.Hash)
			switch {
			case errors.Is(err, coordinator.ErrUnknownCommitment):
				log.Debug("ready task has no commitment record", zap.String("task", t.ID), zap.String("hash", hash))
			case err != nil:
				log.Warn("record revealable failed", zap.String("hash", hash), zap.Error(err))
			default:
				log.Info("commitment observed revealable",
					zap.String("task", t.ID),
					zap.String("hash", hash),
					zap.String("state", st.String()),
				)
			}
		case <-ctx.Done():
			return
		}
	}
}

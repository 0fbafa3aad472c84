package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/tomu-sh/x402-stream/internal/chain"
	"github.com/tomu-sh/x402-stream/internal/config"
	"github.com/tomu-sh/x402-stream/internal/facilitator"
	"github.com/tomu-sh/x402-stream/internal/gateway"
	"github.com/tomu-sh/x402-stream/internal/registry"
	"github.com/tomu-sh/x402-stream/internal/replay"
	"github.com/tomu-sh/x402-stream/internal/stream"
)

const reconcileInterval = time.Minute

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync() //nolint:errcheck

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config load failed", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Redis (replay guard + settlement journal) ─────────────────────────────
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal("redis ping failed", zap.Error(err))
	}

	// ── Operational signer (pays gas, never custodies funds) ──────────────────
	signer, err := chain.NewSigner(cfg.Facilitator.PrivateKey)
	if err != nil {
		log.Fatal("signer init failed", zap.Error(err))
	}
	log.Info("operational signer ready", zap.String("address", signer.Address().Hex()))

	// ── Network registry + one chain client per active network ────────────────
	reg, err := registry.New(&cfg.Facilitator)
	if err != nil {
		log.Fatal("registry init failed", zap.Error(err))
	}
	backends := make(map[string]chain.Backend)
	for _, network := range reg.Networks() {
		params, _ := reg.Params(network)
		client, err := chain.NewClient(params.RPCURL, params.ChainID, signer)
		if err != nil {
			log.Fatal("chain client init failed", zap.String("network", network), zap.Error(err))
		}
		backends[network] = client
		log.Info("network active", zap.String("network", network), zap.Int64("chainId", params.ChainID))
	}
	if len(backends) == 0 {
		log.Fatal("no network has a configured RPC endpoint")
	}

	// ── Verification/settlement core ──────────────────────────────────────────
	guard := replay.NewGuard(rdb)
	journal := replay.NewJournal(rdb)
	verifier := facilitator.NewVerifier(
		reg, guard, backends,
		cfg.Facilitator.VerifyBalance,
		time.Duration(cfg.Facilitator.ClockSkewSec)*time.Second,
	)
	engine := facilitator.NewEngine(verifier, guard, backends, journal, log)
	fac := facilitator.New(reg, verifier, engine)

	go engine.RunReconciler(ctx, reconcileInterval)

	// ── Stream terms (default network = first active one from config) ─────────
	terms, err := streamTerms(cfg, reg, signer)
	if err != nil {
		log.Fatal("stream terms invalid", zap.Error(err))
	}

	// ── HTTP + WS server ──────────────────────────────────────────────────────
	r := gin.New()
	r.Use(gin.Recovery())
	gateway.NewServer(fac, terms, log).Register(r)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Info("facilitator listening", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	<-quit

	log.Info("shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	log.Info("shutdown complete")
}

func streamTerms(cfg *config.Config, reg *registry.Registry, signer *chain.Signer) (stream.Terms, error) {
	var network string
	for _, n := range cfg.Facilitator.NetworkList() {
		if reg.Active(n) {
			network = n
			break
		}
	}
	if network == "" {
		return stream.Terms{}, errors.New("no active network for streaming")
	}
	params, _ := reg.Params(network)

	payTo := cfg.Stream.PayTo
	if payTo == "" {
		payTo = signer.Address().Hex()
	}
	return stream.Terms{
		Network:         network,
		Asset:           params.Asset,
		AssetName:       params.AssetName,
		AssetVersion:    params.AssetVersion,
		PayTo:           payTo,
		Resource:        "wss://stream",
		UnitSeconds:     cfg.Stream.UnitSeconds,
		PriceAtomic:     cfg.Stream.PriceAtomic,
		RequireFraction: cfg.Stream.RequireFraction,
		TTL:             time.Duration(cfg.Stream.TTLSec) * time.Second,
		GraceSec:        cfg.Stream.GraceSec,
	}, nil
}

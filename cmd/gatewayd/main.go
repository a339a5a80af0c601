// Gatewayd is the client-facing edge of the streaming pipeline: it
// authenticates WebSocket clients against the tenant service and splices
// each stream through to an inference node with rate and buffer limits.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/mindstreamlabs/cognitived/internal/config"
	"github.com/mindstreamlabs/cognitived/internal/gateway"
	internalhttp "github.com/mindstreamlabs/cognitived/internal/http"
	"github.com/mindstreamlabs/cognitived/internal/kv"
	"github.com/mindstreamlabs/cognitived/internal/logging"
	"github.com/mindstreamlabs/cognitived/internal/telemetry"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, shutting down", sig)
		cancel()
	}()

	if err := run(ctx); err != nil {
		log.Fatalf("gatewayd: %v", err)
	}
	log.Println("shutdown complete")
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.TenantServiceURL == "" {
		return fmt.Errorf("TENANT_SERVICE_URL is required")
	}

	logger, err := logging.New(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		Fields: map[string]string{"component": "gateway", "instance_id": cfg.InstanceID},
	})
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	registry := prometheus.NewRegistry()
	metrics := telemetry.New(registry)

	kvs, err := openKV(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = kvs.Close() }()

	logger.Info("gateway starting",
		zap.Int("port", cfg.GatewayPort),
		zap.String("node_url", cfg.NodeURL),
		zap.Int("max_frames_per_second", cfg.MaxFramesPerSecond),
		zap.Int("throttle_threshold", cfg.ThrottleThreshold))

	auth := gateway.NewAuthenticator(kvs,
		gateway.NewTenantVerifier(cfg.TenantServiceURL),
		cfg.AuthCacheTTL(), logger)

	gw := gateway.New(auth, cfg.NodeURL, gateway.Limits{
		MaxBufferSize:      cfg.MaxBufferSize,
		MaxFramesPerSecond: cfg.MaxFramesPerSecond,
		ThrottleThreshold:  cfg.ThrottleThreshold,
	}, metrics, logger)

	srv := internalhttp.NewServer(cfg.GatewayPort, registry, logger,
		internalhttp.ReadyCheck{Name: "kv", Check: func(ctx context.Context) error {
			_, _, err := kvs.Get(ctx, "readiness_probe")
			return err
		}},
	)
	gw.Register(srv.Echo())

	return srv.Run(ctx)
}

func openKV(ctx context.Context, cfg *config.Config) (kv.Store, error) {
	if cfg.RedisAddr == "" {
		return kv.NewMemory(), nil
	}
	kvs, err := kv.NewRedis(ctx, cfg.RedisAddr, cfg.RedisPassword)
	if err != nil {
		return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.RedisAddr, err)
	}
	return kvs, nil
}

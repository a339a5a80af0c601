// Resolverd turns intervention events into deliverable recommendations.
// It consumes the interventions subject in a competing queue group,
// resolves content through the cache, the catalog and the generator, and
// publishes recommendations for the nodes to fan out.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/mindstreamlabs/cognitived/internal/broker"
	"github.com/mindstreamlabs/cognitived/internal/config"
	internalhttp "github.com/mindstreamlabs/cognitived/internal/http"
	"github.com/mindstreamlabs/cognitived/internal/kv"
	"github.com/mindstreamlabs/cognitived/internal/logging"
	"github.com/mindstreamlabs/cognitived/internal/resolver"
	"github.com/mindstreamlabs/cognitived/internal/store"
	"github.com/mindstreamlabs/cognitived/internal/telemetry"
	"github.com/mindstreamlabs/cognitived/internal/wire"
)

// Queue groups: resolver instances compete for work on each subject.
const (
	queueInterventions = "resolver-interventions"
	queueEvaluations   = "resolver-evaluations"
	queueInvalidation  = "resolver-invalidation"
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
		log.Fatalf("resolverd: %v", err)
	}
	log.Println("shutdown complete")
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := logging.New(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		Fields: map[string]string{"component": "resolver", "instance_id": cfg.InstanceID},
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

	bk, err := broker.Connect(cfg.NATSURL, "resolverd-"+cfg.InstanceID, cfg.MaxRetries, logger)
	if err != nil {
		return err
	}
	defer bk.Close()

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	rpc, err := broker.NewRPCClient(bk, logger)
	if err != nil {
		return err
	}
	defer rpc.Close()

	var generator resolver.Generator
	if cfg.GeminiAPIKey != "" {
		gen, err := resolver.NewLLMGenerator(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
		if err != nil {
			return err
		}
		generator = gen
	}

	logger.Info("resolver starting",
		zap.Int("port", cfg.ResolverPort),
		zap.Int("prefetch", cfg.ResolverPrefetch),
		zap.Bool("generator_enabled", generator != nil))

	details := resolver.NewDetailsClient(kvs, rpc, cfg.RPCTimeout(), metrics, logger)
	breaker := resolver.NewBreaker(kvs, "generator", metrics, logger)
	res := resolver.New(db, kvs, details, generator, breaker, bk, metrics, logger,
		cfg.GeminiRateLimitPerMinute)

	consumers := []struct {
		subject string
		queue   string
		handler broker.Handler
	}{
		{wire.SubjectInterventions, queueInterventions, res.HandleIntervention},
		{wire.SubjectEvaluations, queueEvaluations, res.HandleEvaluation},
		{wire.SubjectCacheInvalidation, queueInvalidation, res.HandleCacheInvalidation},
	}
	for _, c := range consumers {
		consumer, err := bk.Consume(ctx, c.subject, c.queue, cfg.ResolverPrefetch, c.handler)
		if err != nil {
			return fmt.Errorf("starting consumer on %s: %w", c.subject, err)
		}
		defer consumer.Stop()
	}

	srv := internalhttp.NewServer(cfg.ResolverPort, registry, logger,
		internalhttp.ReadyCheck{Name: "nats", Check: func(context.Context) error {
			if !bk.Ready() {
				return errors.New("nats disconnected")
			}
			return nil
		}},
		internalhttp.ReadyCheck{Name: "db", Check: db.Ping},
	)

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

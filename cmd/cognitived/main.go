// Cognitived is the real-time inference node: it terminates stream
// WebSockets handed over by the gateway, runs the per-frame cognitive
// pipeline, emits interventions, grades them after a settling delay,
// and delivers resolved recommendations back to its own streams.
//
// Configuration is loaded from environment variables. See
// internal/config for the full list.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/mindstreamlabs/cognitived/internal/broker"
	"github.com/mindstreamlabs/cognitived/internal/classifier"
	"github.com/mindstreamlabs/cognitived/internal/cluster"
	"github.com/mindstreamlabs/cognitived/internal/config"
	"github.com/mindstreamlabs/cognitived/internal/evaluate"
	"github.com/mindstreamlabs/cognitived/internal/fanout"
	internalhttp "github.com/mindstreamlabs/cognitived/internal/http"
	"github.com/mindstreamlabs/cognitived/internal/kv"
	"github.com/mindstreamlabs/cognitived/internal/logging"
	"github.com/mindstreamlabs/cognitived/internal/policy"
	"github.com/mindstreamlabs/cognitived/internal/session"
	"github.com/mindstreamlabs/cognitived/internal/store"
	"github.com/mindstreamlabs/cognitived/internal/telemetry"
	"github.com/mindstreamlabs/cognitived/internal/wire"
)

// clusterFlushInterval paces the detector's centroid persistence.
const clusterFlushInterval = 5 * time.Minute

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
		log.Fatalf("cognitived: %v", err)
	}
	log.Println("shutdown complete")
}

// streamFinder adapts the session manager to the evaluator's lookup.
type streamFinder struct {
	mgr *session.Manager
}

func (f streamFinder) Find(sessionID, activityUUID string) (evaluate.Stream, bool) {
	s, ok := f.mgr.Find(sessionID, activityUUID)
	if !ok {
		return nil, false
	}
	return s, true
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := logging.New(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		Fields: map[string]string{"component": "node", "instance_id": cfg.InstanceID},
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

	bk, err := broker.Connect(cfg.NATSURL, "cognitived-"+cfg.InstanceID, cfg.MaxRetries, logger)
	if err != nil {
		return err
	}
	defer bk.Close()

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	logger.Info("node starting",
		zap.String("nats_url", cfg.NATSURL),
		zap.String("db_path", cfg.DBPath),
		zap.Int("sequence_length", cfg.SequenceLength),
		zap.Bool("model_classifier", cfg.ModelURL != ""))

	detector := cluster.New(cfg.ClusteringMinSamples, cfg.ClusteringUpdateFrequency, time.Now().UnixNano())

	var primary classifier.Classifier
	if cfg.ModelURL != "" {
		primary = classifier.NewModelClient(cfg.ModelURL)
	}

	rpc, err := broker.NewRPCClient(bk, logger)
	if err != nil {
		return err
	}
	defer rpc.Close()

	connections := kv.NewConnectionRegistry(kvs, cfg.InstanceID)
	deps := session.Deps{
		Classifier: classifier.NewResilient(primary, logger),
		Engine: policy.NewEngine(
			cfg.CooldownVibration(), cfg.CooldownInstruction(), cfg.CooldownPause()),
		Detector:            detector,
		Store:               db,
		Publisher:           bk,
		Contexts:            kv.NewContextStore(kvs),
		Flags:               session.NewFlagClient(kvs, rpc, cfg.RPCTimeout(), logger),
		Metrics:             metrics,
		Logger:              logger,
		SequenceLength:      cfg.SequenceLength,
		ConfidenceThreshold: cfg.ConfidenceThreshold,
		NegativeSampleRate:  cfg.NegativeSampleRate,
		Backpressure: wire.BackpressureConfig{
			MaxBufferSize:      cfg.MaxBufferSize,
			MaxFramesPerSecond: cfg.MaxFramesPerSecond,
			ThrottleThreshold:  cfg.ThrottleThreshold,
		},
	}
	mgr := session.NewManager(deps, connections)
	defer mgr.Shutdown()

	evaluator := evaluate.New(db, streamFinder{mgr}, bk, metrics, logger, evaluate.Config{
		Delay:      cfg.ResultEvaluationDelay(),
		SweepEvery: cfg.EvaluationSweep(),
		Workers:    cfg.EvaluationWorkers,
	})
	go evaluator.Run(ctx)

	// Every node sees every activity event and recommendation; filtering
	// to locally owned streams happens in the handlers.
	activityConsumer, err := bk.ConsumeEphemeral(ctx, wire.SubjectActivityEvents,
		func(ctx context.Context, data []byte) error {
			var ev wire.ActivityEvent
			if err := json.Unmarshal(data, &ev); err != nil {
				logger.Warn("malformed activity event", zap.Error(err))
				return broker.ErrDrop
			}
			mgr.HandleActivityEvent(&ev)
			return nil
		})
	if err != nil {
		return err
	}
	defer activityConsumer.Stop()

	fo := fanout.New(mgr, connections, metrics, logger)
	recConsumer, err := bk.ConsumeEphemeral(ctx, wire.SubjectRecommendations, fo.Handle)
	if err != nil {
		return err
	}
	defer recConsumer.Stop()

	go flushClusters(ctx, db, detector, logger)

	srv := internalhttp.NewServer(cfg.NodePort, registry, logger,
		internalhttp.ReadyCheck{Name: "nats", Check: func(context.Context) error {
			if !bk.Ready() {
				return errors.New("nats disconnected")
			}
			return nil
		}},
		internalhttp.ReadyCheck{Name: "db", Check: db.Ping},
	)
	srv.Echo().GET("/ws/:session_id/:activity_uuid", mgr.HandleWS)

	return srv.Run(ctx)
}

// flushClusters persists the detector's labeled centroids so a restarted
// node starts with yesterday's state geometry visible to operators.
func flushClusters(ctx context.Context, db *store.Store, detector *cluster.Detector, logger *zap.Logger) {
	ticker := time.NewTicker(clusterFlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snapshot := detector.Snapshot()
			if len(snapshot) == 0 {
				continue
			}
			if err := db.UpsertClusterMetadata(ctx, snapshot, time.Now()); err != nil {
				logger.Warn("persisting cluster metadata", zap.Error(err))
			}
		}
	}
}

// openKV selects Redis when configured, the in-memory store otherwise.
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

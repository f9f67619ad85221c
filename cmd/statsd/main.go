// Package main — cmd/statsd/main.go
//
// statsd entrypoint.
//
// Startup sequence:
//  1. Parse flags, load and validate config.
//  2. Initialise structured logger (zap).
//  3. Open the diagnostics archive (bbolt) and start its retention loop.
//  4. Construct the bounded event queue.
//  5. Construct the pull registry + alarm-driven scheduler.
//  6. Start the Prometheus metrics server.
//  7. Open and run the datagram socket listener.
//  8. Open and run the operator admin socket.
//  9. Register SIGHUP for config hot-reload.
// 10. Block on SIGINT/SIGTERM for graceful shutdown.
//
// Shutdown sequence:
//  1. Cancel the root context (propagates to all goroutines).
//  2. Close the socket listener and operator server.
//  3. Drain and close the queue.
//  4. Close the pull registry (stops the scheduler goroutine).
//  5. Close the diagnostics archive.
//  6. Flush the logger.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/statsd-core/statsd/internal/config"
	"github.com/statsd-core/statsd/internal/diagnostics"
	"github.com/statsd-core/statsd/internal/event"
	"github.com/statsd-core/statsd/internal/operator"
	"github.com/statsd-core/statsd/internal/pull"
	"github.com/statsd-core/statsd/internal/queue"
	"github.com/statsd-core/statsd/internal/socket"
	"github.com/statsd-core/statsd/internal/uidmap"
)

func main() {
	configPath := flag.String("config", "/etc/statsd/statsd.yaml", "Path to statsd.yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(1)
	}

	log, err := buildLogger(cfg.LogLevel, cfg.LogDevelopment)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("statsd starting", zap.String("config", *configPath))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	archive, err := diagnostics.OpenArchive(cfg.ArchivePath, cfg.ArchiveRetentionDays, log)
	if err != nil {
		log.Fatal("diagnostics archive open failed", zap.Error(err))
	}
	defer archive.Close() //nolint:errcheck
	go archive.RunRetentionLoop(ctx, 6*time.Hour)

	diag := diagnostics.New(diagnostics.Config{
		MaxPushedAtomID:    cfg.MaxPushedAtomID,
		LogLossHistoryCap:  cfg.LogLossHistoryCap,
		OverflowHistoryCap: cfg.OverflowHistoryCap,
	})

	q := queue.New(cfg.QueueCapacity)

	clock := event.SystemClock{}
	alarm := pull.NewTimerAlarmSource(clock)
	uidResolver := uidmap.NewStaticMap()

	reg := pull.NewRegistry(pull.Config{
		DefaultCooldownNS:    cfg.DefaultCooldownNS,
		DefaultPullTimeoutNS: cfg.DefaultPullTimeoutNS,
		AlarmAlignmentNS:     cfg.AlarmAlignmentNS,
		MaxSubscribersPerTag: cfg.MaxSubscribersPerTag,
	}, diag, uidResolver, clock, alarm)
	defer reg.Close()

	metrics := diagnostics.NewMetrics(diag, q.Len)
	go func() {
		if err := metrics.ServeMetrics(ctx, cfg.MetricsAddr, log); err != nil {
			log.Error("metrics server error", zap.Error(err))
		}
	}()
	go refreshMetricsPeriodically(ctx, metrics, 5*time.Second)
	log.Info("metrics server started", zap.String("addr", cfg.MetricsAddr))

	listener := socket.New(socket.Config{
		SocketPath: cfg.SocketPath,
	}, q, diag, rawBodyDecoder{}, clock, log)
	if err := listener.Open(); err != nil {
		log.Fatal("socket listener open failed", zap.Error(err))
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := listener.Run(ctx); err != nil {
			log.Error("socket listener exited", zap.Error(err))
		}
	}()
	log.Info("socket listener started", zap.String("path", cfg.SocketPath))

	wg.Add(1)
	go func() {
		defer wg.Done()
		runConsumer(q, log)
	}()

	opSrv := operator.New(cfg.OperatorSocketPath, reg, diag, q, clock, log)
	if err := opSrv.Open(); err != nil {
		log.Fatal("operator socket open failed", zap.Error(err))
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := opSrv.Run(ctx); err != nil {
			log.Error("operator server exited", zap.Error(err))
		}
	}()
	log.Info("operator socket started", zap.String("path", cfg.OperatorSocketPath))

	var cfgMu sync.Mutex
	liveCfg := cfg
	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	go func() {
		for range sighup {
			log.Info("SIGHUP received, reloading config")
			newCfg, err := config.Load(*configPath)
			if err != nil {
				log.Error("config hot-reload failed, retaining previous config", zap.Error(err))
				continue
			}
			cfgMu.Lock()
			if liveCfg.DestructiveDiff(newCfg) {
				log.Warn("config hot-reload includes restart-only fields, those are not applied until next restart")
			}
			liveCfg.ApplyNonDestructive(newCfg)
			cfgMu.Unlock()
			log.Info("config hot-reload applied")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", zap.String("signal", sig.String()))

	cancel()
	listener.Close() //nolint:errcheck
	opSrv.Close()    //nolint:errcheck
	q.Close()

	drained := make(chan struct{})
	go func() {
		wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		log.Info("listeners stopped")
	case <-time.After(5 * time.Second):
		log.Warn("shutdown drain timeout, forcing exit")
	}

	log.Info("statsd shutdown complete")
}

// runConsumer is the single consumer task §2 of the original spec calls
// for: it pops records in order and hands each to the downstream
// processor. That processor (the metric engine) is an external
// collaborator outside this daemon's scope, so this loop only logs at
// debug level and exits once wait_pop returns its cancellation sentinel
// (Close'd queue, ok == false).
func runConsumer(q *queue.Queue, log *zap.Logger) {
	for {
		rec, ok := q.WaitPop()
		if !ok {
			log.Info("consumer loop exiting, queue closed")
			return
		}
		log.Debug("record popped from queue",
			zap.Uint32("tag_id", rec.TagID),
			zap.Uint32("uid", rec.UID),
		)
	}
}

func refreshMetricsPeriodically(ctx context.Context, m *diagnostics.Metrics, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Refresh()
		}
	}
}

// rawBodyDecoder is the minimal stand-in decoder shipped with the daemon:
// atom body schemas are a collaborator concern (BodyDecoder is injected),
// so this treats the payload as a single opaque bytes field.
type rawBodyDecoder struct{}

func (rawBodyDecoder) Decode(tagID uint32, payload []byte) ([]event.Field, error) {
	return []event.Field{event.BytesField(payload)}, nil
}

func buildLogger(level string, development bool) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	if development {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)
	return cfg.Build()
}

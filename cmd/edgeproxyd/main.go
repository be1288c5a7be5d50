package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/ocx/edgeproxy/internal/adminhttp"
	"github.com/ocx/edgeproxy/internal/backend"
	"github.com/ocx/edgeproxy/internal/cacheindex"
	"github.com/ocx/edgeproxy/internal/circuitbreaker"
	"github.com/ocx/edgeproxy/internal/config"
	"github.com/ocx/edgeproxy/internal/logring"
	"github.com/ocx/edgeproxy/internal/metrics"
	"github.com/ocx/edgeproxy/internal/object"
	"github.com/ocx/edgeproxy/internal/policyvm"
	"github.com/ocx/edgeproxy/internal/session"
	"github.com/ocx/edgeproxy/internal/streamhub"
	"github.com/ocx/edgeproxy/internal/worker"
)

var errNotANumber = errors.New("not a positive integer")

func main() {
	cfg := config.Get()
	setupLogging(cfg)

	slog.Info("edgeproxyd: starting", "listen", cfg.Server.Listen)

	storage := object.NewMemStorage(512<<20, 64<<20)
	index := cacheindex.NewMemIndex(shardBits(cfg.Cache.Shards), storage)

	breakers := circuitbreaker.NewManager(nil)
	be := backend.NewBackendIO(backend.Config{
		ConnectTimeout:      cfg.Backend.ConnectTimeout(),
		FirstByteTimeout:    cfg.Backend.FirstByteTimeout(),
		BetweenBytesTimeout: cfg.Backend.BetweenBytesTimeout(),
	}, breakers)
	for _, d := range cfg.Directors {
		be.AddDirector(d.Name, d.Addr, d.TLS)
	}

	var redisCancel func()
	if cfg.Cache.RedisEnabled && cfg.Cache.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Cache.RedisAddr})
		waker := cacheindex.NewRedisWaker(rdb, cfg.Cache.RedisChannel, index)
		ctx, cancel := context.WithCancel(context.Background())
		if stop, err := waker.Start(ctx); err != nil {
			slog.Warn("edgeproxyd: redis fanout disabled, subscribe failed", "error", err)
			cancel()
		} else {
			redisCancel = func() { stop(); cancel() }
		}
	}
	if redisCancel != nil {
		defer redisCancel()
	}

	policy := policyvm.New()

	engine := session.NewEngine(session.Config{
		MaxRestarts:      cfg.Session.MaxRestarts,
		SessionLinger:    cfg.Session.SessionLinger(),
		GzipSupport:      cfg.Session.GzipSupport,
		ShortlivedTTL:    cfg.Session.ShortlivedTTL(),
		LRUTimeout:       cfg.Session.LRUTimeout(),
		DefaultDirector:  cfg.Session.DefaultDirector,
		GzipStackBuffer:  cfg.Session.GzipStackBuffer,
		ReadHeaderBudget: cfg.Session.ReadHeaderBudget,
	}, index, be, policy, storage)

	if cfg.MetricsEnabled() {
		engine.Metrics = metrics.New()
	}
	logRing := logring.New(4096)
	engine.Log = logRing
	stopFlusher := startLogPersistence(cfg, logRing)
	if stopFlusher != nil {
		defer stopFlusher()
	}
	streamBody := streamhub.New()
	engine.Stream = streamBody

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go streamBody.Run(ctx.Done())

	pool := worker.New(runtimeCapacity(), 1024)
	pool.Start(ctx)
	defer pool.Stop()

	if cfg.MetricsEnabled() {
		go serveMetrics(cfg.Metrics.Listen)
	}
	if cfg.AdminEnabled() {
		admin := adminhttp.New(engine, logRing, streamBody)
		go func() {
			if err := http.ListenAndServe(cfg.Admin.Listen, admin.Handler()); err != nil {
				slog.Error("edgeproxyd: admin server stopped", "error", err)
			}
		}()
	}

	ln, err := net.Listen("tcp", cfg.Server.Listen)
	if err != nil {
		slog.Error("edgeproxyd: listen failed", "addr", cfg.Server.Listen, "error", err)
		os.Exit(1)
	}
	slog.Info("edgeproxyd: accepting connections", "addr", cfg.Server.Listen)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	acceptLoop(ctx, ln, engine, pool)
	slog.Info("edgeproxyd: shutdown complete")
}

// acceptLoop implements spec.md §4.1: one Session per accepted
// connection, handed to the worker pool at Step First. A parked Session
// (stepWait's httcPartial path) is re-submitted by resumeSession once its
// socket looks readable again, since there is no real poller backing
// this accept loop — each worker turn re-checks with a short deadline.
func acceptLoop(ctx context.Context, ln net.Listener, engine *session.Engine, pool *worker.Pool) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("edgeproxyd: accept failed", "error", err)
			continue
		}
		s := session.New(engine, conn)
		s.SetResume(func(resumed *session.Session) { resumeSession(ctx, resumed, pool) })
		pool.Submit(s)
	}
}

// resumeSession re-queues a parked Session after a short backoff, the
// cooperative-scheduling stand-in for a readiness-triggered wakeup
// (spec.md §5's "a reawakening ... pushes the Session back onto a
// Worker with step preserved"). stepWait itself already blocks briefly
// on session_linger before parking, so this backoff only fires for
// connections that are genuinely idle between pipelined requests.
func resumeSession(ctx context.Context, s *session.Session, pool *worker.Pool) {
	if ctx.Err() != nil {
		return
	}
	time.AfterFunc(20*time.Millisecond, func() {
		if ctx.Err() != nil {
			return
		}
		pool.Submit(s)
	})
}

func shardBits(shards int) uint {
	bits := uint(0)
	for n := 1; n < shards; n <<= 1 {
		bits++
	}
	if bits == 0 {
		bits = 6
	}
	return bits
}

func runtimeCapacity() int {
	if v := os.Getenv("EDGEPROXY_WORKERS"); v != "" {
		if n, err := parsePositiveInt(v); err == nil {
			return n
		}
	}
	return 256
}

func parsePositiveInt(s string) (int, error) {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, errNotANumber
		}
		n = n*10 + int(c-'0')
	}
	if n <= 0 {
		return 0, errNotANumber
	}
	return n, nil
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		slog.Error("edgeproxyd: metrics server stopped", "error", err)
	}
}

// startLogPersistence wires logring.PQSink and logring.Flusher when
// cfg.Logging.PersistDSN is set (SPEC_FULL.md §6's logging.persist_dsn).
// Returns nil when persistence is disabled; otherwise a func that stops
// the flusher and closes the sink, for the caller to defer.
func startLogPersistence(cfg *config.Config, ring *logring.Ring) func() {
	if cfg.Logging.PersistDSN == "" {
		return nil
	}
	sink, err := logring.NewPQSink(cfg.Logging.PersistDSN, cfg.Logging.PersistTable)
	if err != nil {
		slog.Warn("edgeproxyd: log persistence disabled, postgres open failed", "error", err)
		return nil
	}
	flusher := logring.NewFlusher(ring, sink, cfg.Logging.PersistInterval())
	go flusher.Run(context.Background())
	return func() {
		flusher.Stop()
		if err := sink.Close(); err != nil {
			slog.Warn("edgeproxyd: log sink close failed", "error", err)
		}
	}
}

func setupLogging(cfg *config.Config) {
	var level slog.Level
	switch cfg.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

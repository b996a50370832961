package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ILLUVRSE/zerotrust/kernel/internal/alert"
	"github.com/ILLUVRSE/zerotrust/kernel/internal/auth"
	"github.com/ILLUVRSE/zerotrust/kernel/internal/config"
	"github.com/ILLUVRSE/zerotrust/kernel/internal/digest"
	"github.com/ILLUVRSE/zerotrust/kernel/internal/event"
	"github.com/ILLUVRSE/zerotrust/kernel/internal/gate"
	"github.com/ILLUVRSE/zerotrust/kernel/internal/handlers"
	"github.com/ILLUVRSE/zerotrust/kernel/internal/integrity"
	"github.com/ILLUVRSE/zerotrust/kernel/internal/intercept"
	"github.com/ILLUVRSE/zerotrust/kernel/internal/keys"
	"github.com/ILLUVRSE/zerotrust/kernel/internal/ledger"
	"github.com/ILLUVRSE/zerotrust/kernel/internal/logging"
	"github.com/ILLUVRSE/zerotrust/kernel/internal/metrics"
	"github.com/ILLUVRSE/zerotrust/kernel/internal/policy"
	"github.com/ILLUVRSE/zerotrust/kernel/internal/quarantine"
	"github.com/ILLUVRSE/zerotrust/kernel/internal/signer"
	"github.com/ILLUVRSE/zerotrust/kernel/internal/telemetry"
	tlsutil "github.com/ILLUVRSE/zerotrust/kernel/internal/tls"
)

func main() {
	configPath := flag.String("config", "", "path to kernel.yaml (searched in . and ./configs when empty)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.MustNew(cfg.Logger.Level, cfg.Logger.Format)
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("kernel stopped", zap.Error(err))
	}
	logger.Info("kernel stopped")
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New(prometheus.DefaultRegisterer)

	// Database (optional)
	var db *sql.DB
	if cfg.Database.URL != "" {
		var err error
		if db, err = openDB(ctx, cfg.Database); err != nil {
			return err
		}
		defer db.Close()
		logger.Info("connected to postgres", zap.String("driver", cfg.Database.Driver))
	}

	sgn, err := buildSigner(cfg.Ledger, logger)
	if err != nil {
		return err
	}
	reg := keys.NewRegistry()
	reg.AddSigner(cfg.Ledger.SignerID, sgn.PublicKey(), signer.Algorithm)
	if db != nil {
		ks := keys.NewStore(db)
		if err := ks.AddSigner(ctx, cfg.Ledger.SignerID, sgn.PublicKey(), signer.Algorithm); err != nil {
			return fmt.Errorf("persist signer key: %w", err)
		}
		n, err := ks.LoadInto(ctx, reg)
		if err != nil {
			return fmt.Errorf("load signer keys: %w", err)
		}
		logger.Info("signer keys loaded", zap.Int("count", n))
	}

	store, pgStore, err := buildStore(cfg, db)
	if err != nil {
		return err
	}
	hasher, err := digest.Lookup(cfg.Ledger.Digest)
	if err != nil {
		return err
	}
	l, err := ledger.Open(ctx, store,
		ledger.WithHasher(hasher),
		ledger.WithSigner(sgn),
		ledger.WithAppendTimeout(cfg.Ledger.AppendTimeout),
		ledger.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	m.SetHead(l.Head().Sequence)
	logger.Info("ledger opened",
		zap.String("backend", cfg.Ledger.Backend),
		zap.String("digest", l.Digest()),
		zap.Uint64("head", l.Head().Sequence))

	engine, err := buildEngine(cfg.Policy)
	if err != nil {
		return err
	}
	normalizer, err := event.NewNormalizer()
	if err != nil {
		return err
	}
	tracker := integrity.NewTracker(integrity.WithHasher(hasher))

	// Quarantine, optionally synced across the fleet through Redis.
	qreg := quarantine.NewRegistry()
	var bg sync.WaitGroup
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
		rs := quarantine.NewRedisSync(rdb, qreg, cfg.Redis.SetKey, cfg.Redis.Channel, logger)
		if err := rs.Init(ctx); err != nil {
			return err
		}
		pub := quarantine.NewAsyncPublisher(rs, 256, 2*time.Second, logger)
		defer pub.Close()
		qreg.SetPublisher(pub)
		bg.Add(1)
		go func() {
			defer bg.Done()
			if err := rs.Listen(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("quarantine sync stopped", zap.Error(err))
			}
		}()
	}

	dispatcher, err := buildAlerts(cfg.Alerts, logger, m)
	if err != nil {
		return err
	}
	defer dispatcher.Close()

	var tw telemetry.Writer = telemetry.NewLogWriter(logger)
	if cfg.ClickHouse.DSN != "" {
		cw, err := telemetry.NewClickHouseWriter(cfg.ClickHouse.DSN, cfg.ClickHouse.Table, logger, m)
		if err != nil {
			return err
		}
		tw = cw
	}
	defer tw.Close()

	g, err := gate.New(normalizer, engine, tracker, l,
		gate.WithQuarantine(qreg),
		gate.WithAlerts(dispatcher),
		gate.WithDetector(alert.NewDetector(alert.DetectorConfig{
			DenialThreshold:       cfg.Alerts.DenialThreshold,
			DenialWindow:          cfg.Alerts.DenialWindow,
			SyscallBurstThreshold: cfg.Alerts.SyscallBurstThreshold,
			SyscallBurstWindow:    cfg.Alerts.SyscallBurstWindow,
		}, nil)),
		gate.WithTelemetry(tw),
		gate.WithMetrics(m),
		gate.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	// --- ledger streamer (Postgres only) ---
	if cfg.Stream.Enabled && pgStore != nil {
		streamer, err := buildStreamer(ctx, cfg.Stream, pgStore, logger)
		if err != nil {
			return err
		}
		bg.Add(1)
		go func() {
			defer bg.Done()
			if err := streamer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("ledger streamer exited", zap.Error(err))
			}
		}()
	}

	// --- interception sources ---
	sources, closeSources, err := buildSources(cfg.Intercept, logger)
	if err != nil {
		return err
	}
	defer closeSources()
	serveErr := make(chan error, 1)
	served := make(chan struct{})
	if len(sources) == 0 {
		logger.Info("no interception sources configured; serving HTTP intercepts only")
		close(served)
	} else {
		go func() {
			defer close(served)
			if err := intercept.Serve(ctx, g, cfg.Intercept.Workers, logger, sources...); err != nil {
				serveErr <- err
			}
		}()
	}

	// --- HTTP ---
	var tokens *auth.TokenValidator
	if cfg.Auth.Enabled {
		if tokens, err = auth.NewTokenValidator(cfg.Auth); err != nil {
			return err
		}
	} else {
		logger.Warn("auth disabled; every caller is SuperAdmin")
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	if cfg.Metrics.Enabled {
		r.Handle(cfg.Metrics.Path, promhttp.Handler())
	}
	deps := handlers.Deps{
		Gate:       g,
		Quarantine: qreg,
		Keys:       reg,
		Auth:       auth.NewMiddleware(cfg.Auth, cfg.Server.TLS.RequireMTLS, tokens, logger),
		Logger:     logger,
	}
	if db != nil {
		deps.Ready = append(deps.Ready, db.PingContext)
	}
	handlers.RegisterRoutes(r, deps)

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}
	tlsCfg, err := tlsutil.FromConfig(cfg.Server.TLS)
	if err != nil {
		return fmt.Errorf("tls: %w", err)
	}
	srv.TLSConfig = tlsCfg

	httpErr := make(chan error, 1)
	go func() {
		logger.Info("starting kernel server", zap.String("addr", cfg.Server.Addr), zap.Bool("tls", tlsCfg != nil))
		var err error
		if tlsCfg != nil {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-httpErr:
		runErr = fmt.Errorf("http server: %w", err)
	case err := <-serveErr:
		runErr = fmt.Errorf("interception: %w", err)
	}
	stop()

	// Stop accepting new requests; in-flight submissions always finish.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	select {
	case <-served:
	case <-shutdownCtx.Done():
		logger.Warn("interception workers did not drain in time")
	}
	bg.Wait()
	return runErr
}

func openDB(ctx context.Context, c config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open(c.Driver, c.URL)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", c.Driver, err)
	}
	db.SetMaxOpenConns(c.MaxConns)
	db.SetMaxIdleConns(c.MinConns)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

func buildSigner(c config.LedgerConfig, logger *zap.Logger) (*signer.Ed25519Signer, error) {
	if c.SigningKey != "" {
		return signer.FromBase64Seed(c.SignerID, c.SigningKey)
	}
	logger.Warn("no ledger signing key configured; generated an ephemeral key", zap.String("signer_id", c.SignerID))
	return signer.NewEphemeral(c.SignerID)
}

func buildStore(cfg *config.Config, db *sql.DB) (ledger.Store, *ledger.PGStore, error) {
	switch cfg.Ledger.Backend {
	case "postgres":
		if db == nil {
			return nil, nil, errors.New("postgres ledger backend requires database.url")
		}
		s := ledger.NewPGStore(db)
		return s, s, nil
	case "file":
		s, err := ledger.NewFileStore(cfg.Ledger.Dir)
		if err != nil {
			return nil, nil, fmt.Errorf("file ledger: %w", err)
		}
		return s, nil, nil
	default:
		return ledger.NewMemoryStore(), nil, nil
	}
}

func buildEngine(c config.PolicyConfig) (*policy.Engine, error) {
	rules := append([]policy.Rule(nil), c.Rules...)
	if c.RulesFile != "" {
		f, err := os.Open(c.RulesFile)
		if err != nil {
			return nil, fmt.Errorf("open rules: %w", err)
		}
		defer f.Close()
		fromFile, err := policy.LoadRules(f)
		if err != nil {
			return nil, err
		}
		rules = append(rules, fromFile...)
	}

	gc := policy.DefaultGuardConfig()
	if len(c.DeniedSyscalls) > 0 {
		gc.DeniedSyscalls = c.DeniedSyscalls
	}
	if len(c.PrivilegedProcesses) > 0 {
		gc.PrivilegedProcesses = c.PrivilegedProcesses
	}
	if len(c.TrustedParents) > 0 {
		gc.TrustedParents = c.TrustedParents
	}
	if len(c.BlockedBinaries) > 0 {
		gc.BlockedBinaries = c.BlockedBinaries
	}
	return policy.NewEngine(rules, policy.DefaultGuards(gc)...)
}

func buildAlerts(c config.AlertsConfig, logger *zap.Logger, m *metrics.Metrics) (*alert.Dispatcher, error) {
	var sinks []alert.Sink
	for _, name := range c.Sinks {
		switch strings.ToLower(name) {
		case "log":
			sinks = append(sinks, alert.NewLogSink(logger))
		case "nats":
			s, err := alert.DialNATSSink(c.NATSURL, c.NATSSubject)
			if err != nil {
				return nil, err
			}
			sinks = append(sinks, s)
		case "kafka":
			s, err := alert.NewKafkaSink(c.KafkaBrokers, c.KafkaTopic)
			if err != nil {
				return nil, err
			}
			sinks = append(sinks, s)
		default:
			return nil, fmt.Errorf("unknown alert sink %q", name)
		}
	}
	return alert.NewDispatcher(sinks,
		alert.WithRateLimit(c.RateLimit, c.Burst),
		alert.WithQueueSize(c.QueueSize),
		alert.WithLogger(logger),
		alert.WithMetrics(m),
	), nil
}

func buildStreamer(ctx context.Context, c config.StreamConfig, store *ledger.PGStore, logger *zap.Logger) (*ledger.Streamer, error) {
	var producer ledger.Producer
	if len(c.KafkaBrokers) > 0 {
		p, err := ledger.NewKafkaProducer(ledger.KafkaProducerConfig{Brokers: c.KafkaBrokers, Topic: c.KafkaTopic})
		if err != nil {
			return nil, err
		}
		producer = p
		logger.Info("kafka producer initialized", zap.Strings("brokers", c.KafkaBrokers), zap.String("topic", c.KafkaTopic))
	}
	var archiver ledger.Archiver
	if c.S3Bucket != "" {
		a, err := ledger.NewS3Archiver(ctx, c.S3Bucket, c.S3Prefix, c.Compress)
		if err != nil {
			return nil, err
		}
		archiver = a
		logger.Info("s3 archiver initialized", zap.String("bucket", c.S3Bucket), zap.String("prefix", c.S3Prefix))
	}
	if producer == nil && archiver == nil {
		return nil, errors.New("stream.enabled needs kafka_brokers or s3_bucket")
	}
	store.SetStreamLease(c.ClaimLease)
	return ledger.NewStreamer(store, producer, archiver, ledger.StreamerConfig{
		BatchSize:      c.BatchSize,
		PollInterval:   c.PollInterval,
		MaxConcurrency: c.MaxConcurrency,
	}, logger), nil
}

func buildSources(c config.InterceptConfig, logger *zap.Logger) ([]intercept.Source, func(), error) {
	var sources []intercept.Source
	var closers []func()
	closeAll := func() {
		for _, fn := range closers {
			fn()
		}
	}

	if c.NATSURL != "" {
		nc, err := nats.Connect(c.NATSURL, nats.Name("zt-kernel-intercept"))
		if err != nil {
			return nil, closeAll, fmt.Errorf("connect nats: %w", err)
		}
		closers = append(closers, nc.Close)
		sources = append(sources, intercept.NewNATSSource(nc, c.NATSSubject, c.NATSQueue, logger))
	}
	if c.RingbufPath != "" {
		rb, err := intercept.OpenRingbufSource(c.RingbufPath, c.VerdictMapPath, logger)
		if err != nil {
			closeAll()
			return nil, func() {}, err
		}
		closers = append(closers, func() { _ = rb.Close() })
		sources = append(sources, rb)
	}
	return sources, closeAll, nil
}

package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rishavghosh108/mrx-mta/auth"
	"github.com/rishavghosh108/mrx-mta/config"
	"github.com/rishavghosh108/mrx-mta/db"
	"github.com/rishavghosh108/mrx-mta/delivery"
	"github.com/rishavghosh108/mrx-mta/logger"
	"github.com/rishavghosh108/mrx-mta/policy"
	"github.com/rishavghosh108/mrx-mta/queue"
	"github.com/rishavghosh108/mrx-mta/server/smtp"
	"github.com/rishavghosh108/mrx-mta/storage"
)

func main() {
	configPath := flag.String("config", "config.toml", "Path to TOML configuration file")

	fHostname := flag.String("hostname", "", "Server hostname (overrides config)")
	fLogOutput := flag.String("logoutput", "", "Log output: stderr, stdout, syslog or a file path (overrides config)")
	fLogLevel := flag.String("loglevel", "", "Log level: debug, info, warn, error (overrides config)")
	fDbHost := flag.String("dbhost", "", "Database host (overrides config)")
	fDbName := flag.String("dbname", "", "Database name (overrides config)")
	fDbUser := flag.String("dbuser", "", "Database user (overrides config)")
	fDbPassword := flag.String("dbpassword", "", "Database password (overrides config)")
	fS3Endpoint := flag.String("s3endpoint", "", "S3 endpoint (overrides config)")
	fS3AccessKey := flag.String("s3accesskey", "", "S3 access key (overrides config)")
	fS3SecretKey := flag.String("s3secretkey", "", "S3 secret key (overrides config)")
	fS3Bucket := flag.String("s3bucket", "", "S3 bucket (overrides config)")
	fRelayAddr := flag.String("relayaddr", "", "Relay listener address (overrides config)")
	fSubmissionAddr := flag.String("submissionaddr", "", "Submission listener address (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Command-line flags override the TOML file.
	if isFlagSet("hostname") {
		cfg.Servers.Hostname = *fHostname
	}
	if isFlagSet("logoutput") {
		cfg.Logging.Output = *fLogOutput
	}
	if isFlagSet("loglevel") {
		cfg.Logging.Level = *fLogLevel
	}
	if isFlagSet("dbhost") {
		cfg.Database.Host = *fDbHost
	}
	if isFlagSet("dbname") {
		cfg.Database.Name = *fDbName
	}
	if isFlagSet("dbuser") {
		cfg.Database.User = *fDbUser
	}
	if isFlagSet("dbpassword") {
		cfg.Database.Password = *fDbPassword
	}
	if isFlagSet("s3endpoint") {
		cfg.S3.Endpoint = *fS3Endpoint
	}
	if isFlagSet("s3accesskey") {
		cfg.S3.AccessKey = *fS3AccessKey
	}
	if isFlagSet("s3secretkey") {
		cfg.S3.SecretKey = *fS3SecretKey
	}
	if isFlagSet("s3bucket") {
		cfg.S3.Bucket = *fS3Bucket
	}
	if isFlagSet("relayaddr") {
		cfg.Servers.Relay.Addr = *fRelayAddr
	}
	if isFlagSet("submissionaddr") {
		cfg.Servers.Submission.Addr = *fSubmissionAddr
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	logger.Info("mrx-mta starting", "hostname", cfg.Servers.Hostname)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-signalChan
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	database, err := db.NewDatabaseFromConfig(ctx, &cfg.Database)
	if err != nil {
		logger.Fatalf("failed to connect to the database: %v", err)
	}
	defer database.Close()
	database.StartPoolMetrics(ctx)

	store, err := storage.NewFromConfig(&cfg.S3)
	if err != nil {
		logger.Fatalf("failed to initialize payload storage: %v", err)
	}

	queueManager, err := queue.NewManager(database, store, &cfg.Queue)
	if err != nil {
		logger.Fatalf("failed to initialize queue: %v", err)
	}
	queueManager.StartCleanup(ctx)

	policyEngine, err := policy.NewEngine(database, &cfg.Policy)
	if err != nil {
		logger.Fatalf("failed to initialize policy engine: %v", err)
	}
	if err := policyEngine.Start(ctx); err != nil {
		logger.Fatalf("failed to start policy engine: %v", err)
	}

	authGate, err := auth.NewGate(database, &cfg.Auth)
	if err != nil {
		logger.Fatalf("failed to initialize auth gate: %v", err)
	}
	authGate.Start(ctx)

	deliveryEngine, err := delivery.NewEngine(queueManager, cfg.Servers.Hostname, &cfg.Delivery, &cfg.Queue)
	if err != nil {
		logger.Fatalf("failed to initialize delivery engine: %v", err)
	}
	deliveryEngine.Start(ctx)

	limiter := policy.NewConnectionLimiter("smtp", cfg.Policy.GetMaxConnections(), cfg.Policy.GetMaxConnectionsPerIP())
	limiter.StartCleanup(ctx)

	commandTimeout, err := cfg.Servers.GetCommandTimeout()
	if err != nil {
		logger.Fatalf("invalid command timeout: %v", err)
	}

	errChan := make(chan error, 1)

	baseOpts := smtp.Options{
		Hostname:       cfg.Servers.Hostname,
		Policy:         policyEngine,
		Gate:           authGate,
		Queue:          queueManager,
		Notify:         deliveryEngine.Notify,
		Limiter:        limiter,
		MaxMessageSize: cfg.Servers.GetMaxMessageSize(),
		MaxRecipients:  cfg.Servers.GetMaxRecipients(),
		CommandTimeout: commandTimeout,
		AuthRequireTLS: cfg.Auth.RequireTLS,
	}

	var servers []*smtp.Server

	if cfg.Servers.Relay.Enabled {
		opts := baseOpts
		opts.TLSCertFile = cfg.Servers.Relay.TLSCertFile
		opts.TLSKeyFile = cfg.Servers.Relay.TLSKeyFile
		srv, err := smtp.New(ctx, "relay", cfg.Servers.Relay.Addr, opts)
		if err != nil {
			logger.Fatalf("failed to create relay listener: %v", err)
		}
		servers = append(servers, srv)
		go srv.Start(errChan)
	}

	if cfg.Servers.Submission.Enabled {
		opts := baseOpts
		opts.RequireAuth = true
		opts.TLSCertFile = cfg.Servers.Submission.TLSCertFile
		opts.TLSKeyFile = cfg.Servers.Submission.TLSKeyFile
		srv, err := smtp.New(ctx, "submission", cfg.Servers.Submission.Addr, opts)
		if err != nil {
			logger.Fatalf("failed to create submission listener: %v", err)
		}
		servers = append(servers, srv)
		go srv.Start(errChan)
	}

	if cfg.Servers.SubmissionTLS.Enabled {
		opts := baseOpts
		opts.RequireAuth = true
		opts.ImplicitTLS = true
		opts.TLSCertFile = cfg.Servers.SubmissionTLS.TLSCertFile
		opts.TLSKeyFile = cfg.Servers.SubmissionTLS.TLSKeyFile
		srv, err := smtp.New(ctx, "submission_tls", cfg.Servers.SubmissionTLS.Addr, opts)
		if err != nil {
			logger.Fatalf("failed to create implicit-TLS submission listener: %v", err)
		}
		servers = append(servers, srv)
		go srv.Start(errChan)
	}

	if len(servers) == 0 {
		logger.Fatal("no listeners enabled; enable at least one of servers.relay, servers.submission, servers.submission_tls")
	}

	if cfg.Metrics.Enabled {
		go startMetricsServer(ctx, &cfg.Metrics, errChan)
	}

	go queueStatsLoop(ctx, queueManager)

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errChan:
		logger.Error("fatal server error", "error", err)
		cancel()
	}

	for _, srv := range servers {
		srv.Close()
	}
	deliveryEngine.Wait()
	logger.Info("shutdown complete")
}

func startMetricsServer(ctx context.Context, cfg *config.MetricsConfig, errChan chan error) {
	mux := http.NewServeMux()
	mux.Handle(cfg.GetPath(), promhttp.Handler())

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics endpoint listening", "addr", cfg.Addr, "path", cfg.GetPath())
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		errChan <- fmt.Errorf("metrics server failed: %w", err)
	}
}

// queueStatsLoop refreshes the queue depth gauges.
func queueStatsLoop(ctx context.Context, m *queue.Manager) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Stats(ctx); err != nil {
				logger.Debug("queue stats refresh failed", "error", err)
			}
		}
	}
}

func isFlagSet(name string) bool {
	isSet := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			isSet = true
		}
	})
	return isSet
}

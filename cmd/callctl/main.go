// Command callctl runs a SIP call-control context behind an HTTP API. Every
// call-control event is logged, broadcast to websocket clients and, once a
// call is cleared, stored as a call detail record.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flowpbx/callctl/internal/api"
	"github.com/flowpbx/callctl/internal/api/middleware"
	"github.com/flowpbx/callctl/internal/callcontrol"
	"github.com/flowpbx/callctl/internal/config"
	"github.com/flowpbx/callctl/internal/database"
	"github.com/flowpbx/callctl/internal/metrics"
	"github.com/flowpbx/callctl/internal/sip"
)

// cdrPruneInterval is how often expired call records are deleted.
const cdrPruneInterval = time.Hour

func main() {
	args := os.Args[1:]
	if len(args) > 0 && args[0] == "token" {
		if err := printToken(args[1:]); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	cfg, err := config.Load(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		slog.Error("callctl failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	startTime := time.Now()

	out, closer := cfg.LogWriter()
	if closer != nil {
		defer closer.Close()
	}
	logger := slog.New(cfg.SlogHandler(out))
	slog.SetDefault(logger)

	logger.Info("starting callctl",
		"http_port", cfg.HTTPPort,
		"sip_options", cfg.SIPOptions,
		"data_dir", cfg.DataDir,
		"auto_answer", cfg.AutoAnswer,
	)

	secret, err := cfg.JWTSecretBytes()
	if err != nil {
		return err
	}
	if secret == nil {
		logger.Warn("no jwt secret configured, api authentication disabled")
	}

	db, err := database.Open(cfg.DataDir, logger)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()
	cdrs := database.NewCDRRepository(db)

	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	cc := callcontrol.New(
		callcontrol.WithEndpointFactory(sip.NewEndpoint),
		callcontrol.WithLogger(logger),
	)
	version, err := cc.Initialise(cfg.SIPOptions, cfg.APIVersion)
	if err != nil {
		return fmt.Errorf("initialising call control: %w", err)
	}
	logger.Info("call control initialised", "api_version", version)

	hub := api.NewHub(logger)
	defer hub.Close()

	p := &pump{
		calls:      cc,
		cdrs:       cdrs,
		feed:       hub,
		autoAnswer: cfg.AutoAnswer,
		logger:     logger.With("component", "pump"),
	}
	pumpDone := make(chan int, 1)
	go func() { pumpDone <- p.run() }()

	if cfg.CDRRetention > 0 {
		go pruneCDRs(appCtx, cdrs, cfg.CDRRetention, cdrPruneInterval, logger.With("component", "cdr-retention"))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		metrics.NewCollector(cc, cdrs, hub, startTime),
	)

	handler := api.NewServer(cc, cdrs, hub, api.Config{
		JWTSecret: secret,
		RateLimit: cfg.RateLimit,
		RateBurst: cfg.RateBurst,
		Metrics:   promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}, logger)
	defer handler.Close()

	// No WriteTimeout: the event feed keeps connections open.
	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		runErr = fmt.Errorf("http server: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	logger.Info("shutting down")
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}

	// Clears every live call; the pump stores their records before it sees
	// the Shutdown sentinel.
	cc.ShutDown()
	select {
	case n := <-pumpDone:
		logger.Debug("message pump stopped", "messages", n)
	case <-ctx.Done():
		logger.Warn("message pump did not stop in time")
	}

	logger.Info("callctl stopped", "uptime", time.Since(startTime).Round(time.Second).String())
	return runErr
}

// printToken mints an API bearer token with the configured secret.
func printToken(args []string) error {
	fs := flag.NewFlagSet("callctl token", flag.ContinueOnError)
	subject := fs.String("subject", "cli", "client name carried in the token")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(nil)
	if err != nil {
		return err
	}
	secret, err := cfg.JWTSecretBytes()
	if err != nil {
		return err
	}
	if secret == nil {
		return errors.New("no jwt secret configured (set CALLCTL_JWT_SECRET)")
	}

	token, expiresAt, err := middleware.GenerateToken(secret, *subject, *ttl)
	if err != nil {
		return fmt.Errorf("signing token: %w", err)
	}
	fmt.Println(token)
	fmt.Fprintf(os.Stderr, "expires %s\n", expiresAt.Format(time.RFC3339))
	return nil
}

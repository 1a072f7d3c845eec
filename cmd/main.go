// cmd/main.go is the application entry point.
// It wires together all layers and starts the HTTP server.
package main

import (
	"context"
	"errors"
	"flag"
	stdlog "log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/schrodinger12345/campus-event-glow/internal/broker"
	"github.com/schrodinger12345/campus-event-glow/internal/config"
	"github.com/schrodinger12345/campus-event-glow/internal/credential"
	"github.com/schrodinger12345/campus-event-glow/internal/handler"
	"github.com/schrodinger12345/campus-event-glow/internal/logger"
	"github.com/schrodinger12345/campus-event-glow/internal/metrics"
	"github.com/schrodinger12345/campus-event-glow/internal/service"
	"github.com/schrodinger12345/campus-event-glow/internal/session"
	"github.com/schrodinger12345/campus-event-glow/internal/telemetry"
)

func main() {
	configPath := flag.String("conf", "config.yml", "path to config file")
	flag.Parse()

	conf := config.MustLoad(*configPath)
	log, err := logger.Setup(conf.Env)
	if err != nil {
		stdlog.Fatalf("logger: %v", err)
	}
	log = log.With(slog.String("env", conf.Env))

	if err := run(conf, log); err != nil {
		log.Error("fatal", logger.Err(err))
		os.Exit(1)
	}
}

func run(conf *config.Config, log *slog.Logger) error {
	ctx := context.Background()
	mod := logger.Module("main")

	// ── 1. Tracing ────────────────────────────────────────────────────────
	shutdownTracing, err := telemetry.Setup(ctx, conf.Telemetry, log)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			log.With(mod).Warn("tracing shutdown", logger.Err(err))
		}
	}()

	// ── 2. Storage ────────────────────────────────────────────────────────
	st, err := openStores(ctx, conf, log)
	if err != nil {
		return err
	}
	defer st.close()

	// ── 3. Broker ─────────────────────────────────────────────────────────
	var pub broker.Publisher = broker.Noop{}
	if conf.Broker.URL != "" {
		b, err := broker.New(conf.Broker.URL, conf.Broker.Exchange, log)
		if err != nil {
			// Issuance works without notifications.
			log.With(mod).Warn("broker unavailable, lifecycle messages disabled", logger.Err(err))
		} else {
			pub = b
		}
	}
	defer func() { _ = pub.Close() }()

	// ── 4. Wire up layers ────────────────────────────────────────────────
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	opts := service.Options{
		Logger:    log,
		Publisher: pub,
		Metrics:   metrics.New(reg),
		OpTimeout: conf.Service.OpTimeout,
	}
	creds := credential.NewGenerator(conf.Credential.SigningKey, conf.Credential.QRSize)

	h := handler.New(
		service.NewEventService(st.events, st.profiles, opts),
		service.NewProfileService(st.profiles, opts),
		service.NewPassService(st.passes, st.events, st.profiles, creds, opts),
		log,
	)

	// ── 5. Build the router ───────────────────────────────────────────────
	router := handler.NewRouter(h, handler.RouterConfig{
		Logger:         log,
		Sessions:       session.NewIssuer(conf.Session.Secret),
		Gatherer:       reg,
		RateRPS:        conf.RateLimit.RPS,
		RateBurst:      conf.RateLimit.Burst,
		RequestTimeout: 2 * conf.Service.OpTimeout,
	})

	// ── 6. Start server with graceful shutdown ────────────────────────────
	addr := net.JoinHostPort(conf.Listen.BindIP, conf.Listen.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ErrorLog:     slog.NewLogLogger(log.Handler(), slog.LevelError),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.With(mod).Info("server listening", slog.String("address", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// Block until SIGINT or SIGTERM.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serveErr:
		return err
	case <-quit:
	}

	log.With(mod).Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	log.With(mod).Info("server stopped")
	return nil
}

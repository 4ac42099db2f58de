// Command zapgate runs the WhatsApp gateway: one supervised session, an HTTP
// API for sending the templated message and fetching profile pictures, and a
// websocket stream of connection events.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"gopkg.in/yaml.v3"

	"github.com/zapgate/zapgate/internal/bus"
	"github.com/zapgate/zapgate/internal/config"
	"github.com/zapgate/zapgate/internal/creds"
	"github.com/zapgate/zapgate/internal/cron"
	"github.com/zapgate/zapgate/internal/gateway"
	"github.com/zapgate/zapgate/internal/notify"
	"github.com/zapgate/zapgate/internal/otel"
	"github.com/zapgate/zapgate/internal/supervisor"
	"github.com/zapgate/zapgate/internal/telemetry"
	"github.com/zapgate/zapgate/internal/wa"
)

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: zapgate [flags] [command]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  config     print the active configuration and exit\n\n")
	fmt.Fprintf(os.Stderr, "Flags:\n")
	flag.PrintDefaults()
}

func main() {
	quietLogs := flag.Bool("quiet", false, "write logs only to the log file, not stdout")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	if args := flag.Args(); len(args) > 0 {
		switch args[0] {
		case "config":
			out, err := yaml.Marshal(cfg)
			if err != nil {
				fatalStartup(nil, "E_CONFIG_DUMP", err)
			}
			fmt.Print(string(out))
			return
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	// On a terminal, stdout belongs to the QR code; logs go to the file.
	interactive := isatty.IsTerminal(os.Stdout.Fd())
	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, *quietLogs || interactive)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer logCloser.Close()
	logger.Info("starting", "home", cfg.HomeDir, "config", cfg.Fingerprint())

	otelProvider, err := otel.Init(ctx, otel.Config{
		Enabled:     cfg.OTel.Enabled,
		Exporter:    cfg.OTel.Exporter,
		Endpoint:    cfg.OTel.Endpoint,
		ServiceName: cfg.OTel.ServiceName,
		SampleRate:  cfg.OTel.SampleRate,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())

	metrics, err := otel.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_METRICS_INIT", err)
	}

	credStore, err := creds.Open(ctx, cfg.StorePath, logger)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer credStore.Close()
	if credStore.Paired() {
		logger.Info("credentials found, reusing session", "store", cfg.StorePath)
	} else {
		logger.Info("no credentials yet, pairing required", "store", cfg.StorePath)
	}

	eventBus := bus.New()

	connector := wa.NewMeowConnector(credStore.Device(), logger, cfg.WAVersionPin)
	sup := supervisor.New(supervisor.Config{
		Connector:         connector,
		Creds:             credStore,
		Bus:               eventBus,
		Logger:            logger,
		Metrics:           metrics,
		RenderQR:          wa.TerminalQR(os.Stdout),
		ReconnectDelay:    cfg.ReconnectDelay(),
		ConnectErrorDelay: cfg.ConnectErrorDelay(),
	})
	sup.Start(ctx)
	defer sup.Stop()

	gw := gateway.New(gateway.Config{
		Holder:            sup.Holder(),
		Status:            sup.Status,
		Bus:               eventBus,
		Logger:            logger,
		Metrics:           metrics,
		Tracer:            otelProvider.Tracer,
		AuthToken:         cfg.AuthToken,
		AllowOrigins:      cfg.AllowOrigins,
		ConfigFingerprint: cfg.Fingerprint(),
		MessageText:       cfg.RenderMessage,
	})

	rateLimiter := gateway.NewRateLimitMiddleware(cfg.RateLimit, metrics, logger)
	rateLimiter.StartEviction(ctx, 10*time.Minute, time.Hour)

	handler := gateway.Chain(gw.Handler(),
		gateway.RecoverMiddleware(logger),
		gateway.RequestLogMiddleware(logger, metrics),
		gateway.NewCORSMiddleware(cfg.CORS),
		rateLimiter.Wrap,
		gateway.RequestSizeLimitMiddleware(cfg.MaxRequestBytes),
	)

	if cfg.SnapshotCron != "" {
		snapshots, err := cron.NewScheduler(cron.Config{
			Expr:         cfg.SnapshotCron,
			Status:       sup.Status,
			MessagesSent: gw.MessagesSent,
			Bus:          eventBus,
			Logger:       logger,
		})
		if err != nil {
			fatalStartup(logger, "E_CRON_PARSE", err)
		}
		snapshots.Start(ctx)
		defer snapshots.Stop()
	}

	if cfg.Telegram.Enabled && cfg.Telegram.Token == "" {
		logger.Warn("telegram alerts enabled but token is missing")
	} else if cfg.Telegram.Enabled {
		alerts, err := notify.NewTelegram(cfg.Telegram, eventBus, logger)
		if err != nil {
			logger.Error("telegram alerts unavailable", "error", err)
		} else if alerts != nil {
			alerts.Start(ctx)
			defer alerts.Stop()
		}
	}

	// Live log-level reload on config.yaml edits. Everything else still
	// needs a restart.
	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go func() {
			for range watcher.Events() {
				reloaded, err := config.Load()
				if err != nil {
					logger.Error("config reload failed", "error", err)
					continue
				}
				if setter, ok := logCloser.(telemetry.LevelSetter); ok {
					setter.SetLevel(reloaded.LogLevel)
				}
				logger.Info("config reloaded", "log_level", reloaded.LogLevel, "config", reloaded.Fingerprint())
			}
		}()
	}

	server := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			fatalStartup(logger, "E_LISTENER_BIND",
				fmt.Errorf("%w\n\n  Another process is using %s. Stop it first or change bind_addr in config.yaml.", err, cfg.BindAddr))
		}
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr, "ws", "/ws")
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	case <-sup.Done():
		// Terminal logout: keep serving until a human intervenes would only
		// produce 500s; shut down so the operator notices.
		logger.Error("supervisor stopped, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	logger.Info("shutdown complete")
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"zapgate","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	if opErr, ok := err.(*net.OpError); ok {
		if sysErr, ok := opErr.Err.(*os.SyscallError); ok {
			return sysErr.Err == syscall.EADDRINUSE
		}
	}
	return strings.Contains(err.Error(), "address already in use")
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/pion/transport/v3/stdnet"

	"github.com/wilsonzlin/aero/proxy/intercom-signal-relay/internal/addrquery"
	"github.com/wilsonzlin/aero/proxy/intercom-signal-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/intercom-signal-relay/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/intercom-signal-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/intercom-signal-relay/internal/registry"
	"github.com/wilsonzlin/aero/proxy/intercom-signal-relay/internal/relay"
	"github.com/wilsonzlin/aero/proxy/intercom-signal-relay/internal/signaling"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting intercom-signal-relay",
		"listen_addr", cfg.ListenAddr,
		"addr_query_listen_addr", cfg.AddrQueryListenAddr,
		"mode", cfg.Mode,
		"allowed_origins", cfg.AllowedOrigins,
		"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
		"max_signaling_messages_per_second", cfg.MaxSignalingMessagesPerSecond,
		"peer_send_queue_bytes", cfg.PeerSendQueueBytes,
		"ice_servers", len(cfg.ICEServers),
	)

	logStartupSecurityWarnings(logger, cfg)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	var addrLn net.Listener
	if cfg.AddrQueryListenAddr != "" {
		addrLn, err = net.Listen("tcp", cfg.AddrQueryListenAddr)
		if err != nil {
			logger.Error("failed to listen for address queries", "err", err)
			os.Exit(1)
		}
	}

	commit, buildTime := resolveBuildInfo(buildCommit, buildTime)

	m := metrics.New()
	router := relay.NewRouter(relay.Config{
		SendQueueBytes: cfg.PeerSendQueueBytes,
	}, registry.New(), logger, m)

	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: buildTime})
	srv.SetRoster(router)

	sig := signaling.NewServer(signaling.Config{
		AllowedOrigins:       cfg.AllowedOrigins,
		IdleTimeout:          cfg.SignalingWSIdleTimeout,
		PingInterval:         cfg.SignalingWSPingInterval,
		WriteTimeout:         cfg.SignalingWSWriteTimeout,
		MaxMessageBytes:      cfg.MaxSignalingMessageBytes,
		MaxMessagesPerSecond: cfg.MaxSignalingMessagesPerSecond,
	}, router, logger, m)
	sig.RegisterRoutes(srv.Mux())

	// Expose internal counters in Prometheus' text format.
	srv.Mux().Handle("GET /metrics", metrics.PrometheusHandler(m, router.Len))

	errCh := make(chan error, 2)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	var addrSrv *addrquery.Server
	if addrLn != nil {
		host, err := stdnet.NewNet()
		if err != nil {
			logger.Error("failed to open host network", "err", err)
			os.Exit(1)
		}
		addrSrv = addrquery.NewServer(host, logger)
		go func() {
			errCh <- addrSrv.Serve(addrLn)
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		router.Close()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}
	if addrSrv != nil {
		if err := addrSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("address query server shutdown failed", "err", err)
		}
	}
	// Upgraded relay channels are not tracked by http.Server.Shutdown.
	router.Close()

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danmuck/fakepeer/internal/beacon"
	"github.com/danmuck/fakepeer/internal/fakeserver"
	"github.com/danmuck/fakepeer/internal/logging"
	"github.com/danmuck/fakepeer/internal/observability"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
)

func main() {
	configPath := flag.String("config", "", "path to fakepeer TOML config")
	flag.Parse()

	logging.ConfigureRuntime()
	cfg, err := loadAppConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fakepeerctl: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "fakepeerctl: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg appConfig) (err error) {
	observability.RegisterMetrics()

	srv := fakeserver.NewServer(cfg.Server)
	if err := srv.Start(); err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, srv.Stop()) }()

	if cfg.BeaconEnabled {
		b := beacon.New(cfg.Beacon, beacon.JSONPayload([]any{"announce", cfg.BeaconName, listenPort(srv.Addr())}))
		if err := b.Start(); err != nil {
			return err
		}
		defer func() { err = multierr.Append(err, b.Stop()) }()
		log.Info().
			Str("addr", cfg.Beacon.Addr).
			Dur("interval", cfg.Beacon.Interval).
			Str("name", cfg.BeaconName).
			Msg("fakepeerctl beacon started")
	}

	if cfg.MetricsAddr != "" {
		metricsSrv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           metricsMux(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Str("addr", cfg.MetricsAddr).Msg("fakepeerctl metrics server failed")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			err = multierr.Append(err, metricsSrv.Shutdown(shutdownCtx))
		}()
		log.Info().Str("addr", cfg.MetricsAddr).Msg("fakepeerctl metrics listening")
	}

	report(ctx, srv, cfg.ReportInterval)
	log.Info().Msg("fakepeerctl shutting down")
	return nil
}

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// report logs drained peer messages until ctx is done.
func report(ctx context.Context, srv *fakeserver.Server, interval time.Duration) {
	if interval <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for _, msg := range srv.Messages() {
			log.Info().
				Str("client", msg.From.String()).
				Uint64("seq", msg.Seq).
				RawJSON("payload", msg.Raw).
				Msg("fakepeerctl message")
		}
	}
}

func listenPort(addr net.Addr) int {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.Port
	}
	return fakeserver.DefaultPort
}

package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/crypto/acme/autocert"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/coinwatch/price-sync/internal/config"
	"github.com/coinwatch/price-sync/internal/dashboard"
	"github.com/coinwatch/price-sync/internal/market"
	"github.com/coinwatch/price-sync/internal/portfolio"
	"github.com/coinwatch/price-sync/internal/pricesync"
	"github.com/coinwatch/price-sync/internal/server"
	"github.com/coinwatch/price-sync/internal/store"
)

func main() {
	cfg := config.Must()

	closeLog := setupLogging(cfg)
	defer closeLog()

	client := market.New(cfg, slog.Default().With("component", "market"))
	syncer := pricesync.New(client,
		pricesync.WithInterval(cfg.RefreshInterval),
		pricesync.WithLogger(slog.Default().With("component", "pricesync")),
	)

	book, err := portfolio.Open(store.NewFile(cfg.DataDir), nil)
	if err != nil {
		slog.Error("could not open portfolio", "err", err)
		os.Exit(1)
	}

	board := dashboard.New(client, syncer, cfg.BootstrapPageSize, nil)
	srv := server.New(board, book, client, syncer)

	appCtx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout+time.Second)
	if err := board.Mount(appCtx); err != nil {
		slog.Error("initial coin list unavailable, retry via /api/coins/reload", "err", err)
	}
	cancel()
	// StopUpdates drops every observer, so the watcher is registered after mount
	syncer.Subscribe(portfolio.NewWatcher(book, nil))

	httpSrv := &http.Server{
		Addr:         cfg.Listen,
		Handler:      srv.Handler(),
		ReadTimeout:  time.Second * 10,
		IdleTimeout:  time.Second * 10,
		WriteTimeout: time.Second * 30,
	}

	go func() {
		slog.Info("starting server", "addr", cfg.Listen)
		if err := listen(cfg, httpSrv); err != nil {
			if errors.Is(err, http.ErrServerClosed) {
				slog.Info("server shut down")
				return
			}
			slog.Error("could not start server", "err", err)
			os.Exit(1)
		}
	}()

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-done

	srv.Shutdown()
	board.Unmount()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		slog.Error("could not close server", "err", err)
		os.Exit(1)
	}
}

func listen(cfg config.Config, srv *http.Server) error {
	if cfg.TLSCert != "" && cfg.TLSKey != "" {
		return srv.ListenAndServeTLS(cfg.TLSCert, cfg.TLSKey)
	}
	if len(cfg.AutocertHosts) > 0 {
		am := autocert.Manager{
			Cache:      autocert.DirCache(filepath.Join(cfg.DataDir, "autocert")),
			Prompt:     autocert.AcceptTOS,
			Email:      cfg.AutocertEmail,
			HostPolicy: autocert.HostWhitelist(cfg.AutocertHosts...),
		}
		srv.TLSConfig = am.TLSConfig()
		return srv.ListenAndServeTLS("", "")
	}
	return srv.ListenAndServe()
}

func setupLogging(cfg config.Config) func() {
	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}

	var out io.Writer = os.Stdout
	closeFn := func() {}
	if cfg.LogFile != "" {
		logFile := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    50,
			MaxAge:     14,
			MaxBackups: 5,
		}
		out = io.MultiWriter(os.Stdout, logFile)
		closeFn = func() { _ = logFile.Close() }
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})))
	return closeFn
}

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/agentdesk/workstation/cmd/api/api"
	"github.com/agentdesk/workstation/lib/cdpproxy"
	"github.com/agentdesk/workstation/lib/config"
	"github.com/agentdesk/workstation/lib/extensions"
	"github.com/agentdesk/workstation/lib/logger"
	"github.com/agentdesk/workstation/lib/scaletozero"
	"github.com/agentdesk/workstation/lib/virtualinput"
)

func main() {
	slogger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(slogger)

	cfg, err := config.Load()
	if err != nil {
		slogger.Error("failed to load configuration", "err", err)
		os.Exit(1)
	}
	slogger.Info("server configuration", "config", cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var stz scaletozero.Controller
	if cfg.ScaleToZeroFile != "" {
		stz = scaletozero.NewDebouncedController(scaletozero.NewUnikraftCloudController(cfg.ScaleToZeroFile))
	} else {
		stz = scaletozero.NewNoopController()
	}

	upstreamMgr := cdpproxy.NewUpstreamManager(cfg.BrowserLogPath, slogger)
	upstreamMgr.Start(ctx)
	if _, err := upstreamMgr.WaitForInitial(10 * time.Second); err != nil {
		// Fall back to the configured authority so the proxy and the
		// extension pipeline still work when no launcher log exists.
		slogger.Warn("devtools url not discovered, using configured authority", "err", err)
		upstreamMgr.SetStatic(fmt.Sprintf("ws://%s/devtools/browser", cfg.DevToolsAuthority()))
	}

	inputs := virtualinput.NewManager(virtualinput.Options{
		FFmpegPath:       cfg.PathToFFmpeg,
		VideoDevice:      cfg.VideoDevice,
		AudioSink:        cfg.AudioSink,
		MicrophoneSource: cfg.MicrophoneSource,
		PipesDir:         cfg.PipesDir,
		Width:            cfg.Width,
		Height:           cfg.Height,
		FrameRate:        cfg.FrameRate,
	}, stz)
	ingestor := virtualinput.NewWebRTCIngestor()

	installer := extensions.NewInstaller(extensions.Options{
		BrowserBin:      cfg.BrowserBin,
		BrowserUser:     cfg.BrowserUser,
		PolicyDir:       cfg.PolicyDir,
		RepoDir:         cfg.ExtRepoDir,
		RepoBaseURL:     cfg.ExtRepoBase,
		KeystoreDir:     cfg.KeystoreDir,
		ProfileDir:      cfg.ProfileDir,
		InstallWait:     time.Duration(cfg.InstallWait) * time.Second,
		RestartSentinel: cfg.RestartSentinel,
	}, upstreamMgr, slogger)

	service := api.New(cfg, inputs, ingestor, installer)

	loggerMiddleware := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(logger.AddToContext(r.Context(), slogger)))
		})
	}

	r := chi.NewRouter()
	r.Use(
		chiMiddleware.Logger,
		chiMiddleware.Recoverer,
		loggerMiddleware,
		scaletozero.Middleware(stz),
	)
	service.Register(r)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: r,
	}

	proxy := cdpproxy.New(upstreamMgr, cfg.ProxyAuthority(), cfg.LogCDPMessages, slogger)
	rDevtools := chi.NewRouter()
	rDevtools.Use(
		chiMiddleware.Recoverer,
		loggerMiddleware,
		scaletozero.Middleware(stz),
	)
	rDevtools.Mount("/", proxy.Handler())

	srvDevtools := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.ProxyPort),
		Handler: rDevtools,
	}

	go func() {
		slogger.Info("control api starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slogger.Error("control api failed", "err", err)
			stop()
		}
	}()

	go func() {
		slogger.Info("devtools proxy starting", "addr", srvDevtools.Addr)
		if err := srvDevtools.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slogger.Error("devtools proxy failed", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	slogger.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	g, _ := errgroup.WithContext(shutdownCtx)

	g.Go(func() error {
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		upstreamMgr.Stop()
		return srvDevtools.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return service.Shutdown()
	})
	g.Go(func() error {
		ingestor.Clear()
		_, err := inputs.Stop(shutdownCtx)
		return err
	})

	if err := g.Wait(); err != nil {
		slogger.Error("shutdown incomplete", "err", err)
	}
}

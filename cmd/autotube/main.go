package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/numbleroot/autotube/internal/adapter/feed"
	httpAdapter "github.com/numbleroot/autotube/internal/adapter/http"
	"github.com/numbleroot/autotube/internal/adapter/sqlite"
	"github.com/numbleroot/autotube/internal/adapter/youtube"
	"github.com/numbleroot/autotube/internal/adapter/ytdlp"
	"github.com/numbleroot/autotube/internal/config"
	"github.com/numbleroot/autotube/internal/dispatch"
	"github.com/numbleroot/autotube/internal/scheduler"
	"github.com/numbleroot/autotube/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("failed to load configuration")
	}

	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logrus.SetLevel(level)
	}

	logrus.WithFields(logrus.Fields{
		"listen":    cfg.ListenAddr,
		"db":        cfg.DBPath,
		"video_dir": cfg.VideoDir,
		"tmp_dir":   cfg.TmpDir,
		"workers":   cfg.Workers,
	}).Info("starting autotube")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Refuse to start without a callable downloader.
	downloader := ytdlp.New()
	if err := downloader.Probe(ctx); err != nil {
		logrus.WithError(err).Fatal("downloader probe failed")
	}

	repo, err := sqlite.New(cfg.DBPath)
	if err != nil {
		logrus.WithError(err).Fatal("failed to initialize database")
	}
	defer repo.Close()

	dispatcher := dispatch.New(repo, cfg.IntakeBuffer)
	pool := worker.New(repo, downloader, dispatcher.Intake(), worker.Options{
		Workers:         cfg.Workers,
		MaxRetries:      cfg.MaxRetries,
		RetryBackoff:    cfg.RetryBackoff,
		DownloadTimeout: cfg.DownloadTimeout,
		VideoDir:        cfg.VideoDir,
		TmpRoot:         cfg.TmpDir,
	})

	// Crash recovery before any worker runs: jobs left running by a previous
	// process lifetime go back on the queue with fresh temp dirs.
	if requeued, err := pool.Sweep(ctx); err != nil {
		logrus.WithError(err).Fatal("startup job sweep failed")
	} else if requeued > 0 {
		logrus.WithField("jobs", requeued).Info("re-queued unfinished jobs")
	}

	checker := feed.New(cfg.FetchTimeout)
	sched := scheduler.New(repo, checker, dispatcher)

	srv := httpAdapter.NewServer(sched, dispatcher, youtube.NewResolver(), youtube.ExtractVideoID, cfg.ListenAddr)

	go pool.Run(ctx)
	go sched.Run(ctx)
	go func() {
		logrus.WithField("addr", cfg.ListenAddr).Info("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithError(err).Error("HTTP server error")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logrus.WithField("signal", sig).Info("shutting down")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Error("HTTP server shutdown error")
	}

	logrus.Info("shutdown complete")
}

package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/inkworks/novelwatch/internal/analysis"
	"github.com/inkworks/novelwatch/internal/client"
	"github.com/inkworks/novelwatch/internal/config"
	"github.com/inkworks/novelwatch/internal/observability"
	"github.com/inkworks/novelwatch/internal/tracker"
)

func main() {
	var (
		start        = flag.Bool("start", false, "start a new analysis run before watching")
		chapterStart = flag.Int("chapter-start", 0, "first chapter to analyze (with -start)")
		chapterEnd   = flag.Int("chapter-end", 0, "last chapter to analyze (with -start)")
	)
	flag.Parse()

	novelID := strings.TrimSpace(flag.Arg(0))
	if novelID == "" {
		log.Fatalf("usage: novelwatch [-start] <novel-id>")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)
	if cfg.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", observability.MetricsHandler())
			log.Printf("metrics listening on %s", cfg.MetricsAddr)
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				log.Printf("metrics listener error: %v", err)
			}
		}()
	}

	api, err := client.New(cfg.APIBaseURL, cfg.PollTimeout)
	if err != nil {
		log.Fatalf("api client init failed: %v", err)
	}
	dialer, err := tracker.NewWSDialer(cfg.APIBaseURL, cfg.DialTimeout)
	if err != nil {
		log.Fatalf("dialer init failed: %v", err)
	}

	registry := tracker.NewRegistry(func(string) *tracker.Engine {
		return tracker.NewEngine(dialer, api, metrics, tracker.Options{
			BaseDelay:   cfg.ReconnectBaseDelay,
			MaxAttempts: cfg.ReconnectMaxAttempts,
			DialTimeout: cfg.DialTimeout,
			PollTimeout: cfg.PollTimeout,
		})
	})

	ctx := context.Background()

	if *start {
		res, err := api.StartAnalysis(ctx, novelID, client.StartRequest{
			ChapterStart: *chapterStart,
			ChapterEnd:   *chapterEnd,
		})
		if err != nil {
			log.Fatalf("start analysis failed: %v", err)
		}
		log.Printf("analysis started: task=%s status=%s", res.TaskID, res.Status)
	}

	engine := registry.Acquire(novelID)
	engine.SetChangeHook(func(snap tracker.Snapshot) {
		printSnapshot(novelID, snap)
	})

	// Seed the mirror from the source of truth before the channel opens.
	if latest, err := api.LatestTask(ctx, novelID); err != nil {
		log.Printf("initial fetch failed (watching anyway): %v", err)
	} else if latest.Task != nil {
		engine.SetTask(latest.Task)
		printSnapshot(novelID, engine.Snapshot())
	} else {
		log.Printf("no analysis task yet for %s", novelID)
	}

	engine.Connect(novelID)
	log.Printf("watching %s (SIGHUP forces a resync)", novelID)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigCh {
		if sig == syscall.SIGHUP {
			log.Printf("resync requested")
			go engine.Refresh()
			continue
		}
		break
	}

	registry.Release(novelID)
	log.Printf("stopped watching %s", novelID)
}

func printSnapshot(novelID string, snap tracker.Snapshot) {
	status := analysis.TaskStatus("unknown")
	if snap.Task != nil {
		status = snap.Task.Status
	}
	line := ""
	if snap.StageLabel != "" {
		line = " stage=" + snap.StageLabel
	}
	log.Printf("%s: %s %d%% chapter %d/%d entities=%d relations=%d events=%d failed=%d%s",
		novelID, status, snap.Progress, snap.CurrentChapter, snap.TotalChapters,
		snap.Stats.Entities, snap.Stats.Relations, snap.Stats.Events,
		len(snap.FailedChapters), line)
}

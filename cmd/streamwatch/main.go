// streamwatch connects to the mission-control push channel and streams
// reconciled entity updates to the console.
// Usage: go run ./cmd/streamwatch --config configs/groundlink.example.yaml --topic mission:42 --topic drone:*
//
// Required environment variables (referenced from the config file):
//
//	GROUNDLINK_API_KEY - bearer token for the push channel and REST API
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aerovista/groundlink/config"
	"github.com/aerovista/groundlink/engine"
	"github.com/aerovista/groundlink/internal/version"
	"github.com/aerovista/groundlink/rest"
	"github.com/aerovista/groundlink/store"
	"github.com/aerovista/groundlink/transport"
)

// topicList collects repeated --topic flags.
type topicList []string

func (t *topicList) String() string { return fmt.Sprint(*t) }

func (t *topicList) Set(v string) error {
	*t = append(*t, v)
	return nil
}

func main() {
	configPath := flag.String("config", "configs/groundlink.example.yaml", "path to config file")
	verbose := flag.Bool("verbose", false, "print full record JSON")
	showVersion := flag.Bool("version", false, "print version and exit")
	var topics topicList
	flag.Var(&topics, "topic", "topic to subscribe to (repeatable, e.g. mission:42)")
	flag.Parse()

	if *showVersion {
		fmt.Println("streamwatch", version.String())
		return
	}

	// Setup logger
	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))

	if len(topics) == 0 {
		logger.Error("at least one --topic is required")
		os.Exit(1)
	}

	// Load config
	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	// REST client for gap resync and hydration; optional.
	var fetcher engine.Fetcher
	if cfg.Server.RestURL != "" {
		fetcher = rest.NewClient(cfg.Server.RestURL, cfg.Server.APIKey,
			rest.WithTimeout(cfg.Server.Timeout),
			rest.WithLogger(logger),
		)
	} else {
		logger.Warn("no rest_url configured, gap resync and hydration disabled")
	}

	conn := transport.NewConn(cfg.TransportConfig(), logger)
	conn.OnStateChange(func(s transport.State, attempt int) {
		logger.Info("connection state changed", "state", s, "attempt", attempt)
	})

	eng := engine.New(engine.Config{
		Hydrate:           cfg.Hydrate,
		ResyncConcurrency: cfg.Resync.Concurrency,
		ResyncTimeout:     cfg.Resync.Timeout,
	}, conn, fetcher, logger)

	logger.Info("starting engine", "version", version.String())
	if err := eng.Start(ctx); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	for _, topic := range topics {
		_, err := eng.Subscribe(topic,
			func(rec store.Record) { printRecord(topic, rec, *verbose) },
			engine.WithErrorFunc(func(err error) {
				logger.Error("subscription terminated", "topic", topic, "error", err)
				cancel()
			}),
		)
		if err != nil {
			logger.Error("subscribe failed", "topic", topic, "error", err)
			os.Exit(1)
		}
		logger.Info("subscribed", "topic", topic)
	}

	// Stats printer
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats := eng.Stats()
				logger.Info("stats",
					"state", stats.State,
					"frames", stats.FramesReceived,
					"applied", stats.PatchesApplied,
					"duplicates", stats.Duplicates,
					"stale", stats.Stale,
					"gaps", stats.Gaps,
					"resyncs", stats.Resyncs,
					"topics", stats.ActiveTopics,
				)
			}
		}
	}()

	logger.Info("streaming started - press Ctrl+C to stop")

	// Wait for shutdown
	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	logger.Info("shutting down...")
	eng.Stop(shutdownCtx)

	logger.Info("shutdown complete")
}

func printRecord(topic string, rec store.Record, verbose bool) {
	if verbose {
		data, _ := json.MarshalIndent(rec, "", "  ")
		fmt.Printf("[%s] %s\n", topic, data)
		return
	}
	fmt.Printf("[%s] kind=%s id=%s version=%d fields=%d updated=%s\n",
		topic, rec.Kind, rec.ID, rec.Version, len(rec.Data),
		rec.LastUpdated.Format(time.RFC3339))
}

package main

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"github.com/knakayama/ledgerscan/internal/extract"
	"github.com/knakayama/ledgerscan/internal/handle"
	"github.com/knakayama/ledgerscan/internal/ingest"
	"github.com/knakayama/ledgerscan/internal/ocr"
	"github.com/knakayama/ledgerscan/internal/record"
	"github.com/knakayama/ledgerscan/internal/session"
	"github.com/knakayama/ledgerscan/internal/web"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

func main() {
	fs := ff.NewFlagSet("ledgerscan")
	var (
		port        = fs.IntLong("port", 8080, "HTTP server port")
		dbPath      = fs.StringLong("db", "ledgerscan.db", "Database file path")
		storagePath = fs.StringLong("storage", "./exports", "Export storage directory")
		sessionFile = fs.StringLong("session-file", "", "Persist the session cache to this file across restarts (optional)")
		visionKey   = fs.StringLong("vision-key", "", "Google Cloud Vision API key (or set LEDGERSCAN_VISION_KEY)")
		geminiKey   = fs.StringLong("gemini-key", "", "Google Gemini API key (or set LEDGERSCAN_GEMINI_KEY)")
		geminiModel = fs.StringLong("gemini-model", "gemini-2.5-pro", "Google Gemini model name")
		langHints   = fs.StringLong("lang-hints", "ja,en", "Comma-separated OCR language hints")
		groupSize   = fs.IntLong("batch-size", extract.DefaultGroupSize, "Records extracted concurrently per batch group")
		authUser    = fs.StringLong("auth-user", "", "Basic auth username (optional)")
		authPass    = fs.StringLong("auth-pass", "", "Basic auth password (optional)")
		showVersion = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("LEDGERSCAN"),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	ctx := context.Background()

	if *visionKey == "" || *geminiKey == "" {
		slog.Error("Vision and Gemini API keys are required. Set --vision-key/--gemini-key or the LEDGERSCAN_VISION_KEY/LEDGERSCAN_GEMINI_KEY environment variables")
		os.Exit(1)
	}

	slog.Info("Initializing record store...")
	store, err := record.NewBoltStore(*dbPath)
	if err != nil {
		slog.Error("Failed to initialize record store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	slog.Info("Initializing export storage...")
	storage, err := record.NewLocalStorage(*storagePath)
	if err != nil {
		slog.Error("Failed to initialize export storage", "error", err)
		os.Exit(1)
	}

	slog.Info("Initializing text recognition...")
	recognizer, err := ocr.NewVisionClient(ctx, *visionKey, strings.Split(*langHints, ",")...)
	if err != nil {
		slog.Error("Failed to initialize vision client", "error", err)
		os.Exit(1)
	}

	slog.Info("Initializing field extraction...", "model", *geminiModel)
	extractor, err := extract.NewGemini(ctx, *geminiKey, *geminiModel)
	if err != nil {
		slog.Error("Failed to initialize gemini client", "error", err)
		os.Exit(1)
	}
	defer extractor.Close()

	tracker := handle.NewTracker()
	defer tracker.ReleaseAll()
	cache := session.NewCache()
	if *sessionFile != "" {
		if data, err := os.ReadFile(*sessionFile); err == nil {
			if err := cache.Restore(data); err != nil {
				slog.Warn("Ignoring unreadable session cache file", "path", *sessionFile, "error", err)
			} else {
				slog.Info("Restored session cache", "path", *sessionFile, "entries", cache.Len())
			}
		}
	}

	collection := record.NewCollection(tracker, cache)
	service := record.NewService(collection, tracker, store, storage)
	ingestor := ingest.NewIngestor(tracker, cache)
	pipeline := extract.NewPipeline(recognizer, extractor, collection, tracker, cache)

	server := web.NewServer(service, ingestor, pipeline, tracker, cache, *groupSize, web.BasicAuth{
		Username: *authUser,
		Password: *authPass,
	})

	addr := fmt.Sprintf(":%d", *port)
	go func() {
		if err := server.Start(addr); err != nil {
			slog.Error("Server error", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("Server started", "address", fmt.Sprintf("http://localhost%s", addr), "version", version)
	if *authUser != "" || *authPass != "" {
		slog.Info("Basic auth enabled", "user", *authUser)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	slog.Info("Shutting down...")
	if *sessionFile != "" {
		data, err := cache.Snapshot()
		if err == nil {
			err = os.WriteFile(*sessionFile, data, 0o644)
		}
		if err != nil {
			slog.Warn("Failed to persist session cache", "path", *sessionFile, "error", err)
		}
	}
}

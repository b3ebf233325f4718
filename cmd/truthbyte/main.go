package main

import (
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"github.com/adhamqabban37/TruthByte/internal/analysis"
	"github.com/adhamqabban37/TruthByte/internal/barcode"
	"github.com/adhamqabban37/TruthByte/internal/directory"
	"github.com/adhamqabban37/TruthByte/internal/history"
	"github.com/adhamqabban37/TruthByte/internal/llm"
	"github.com/adhamqabban37/TruthByte/internal/ocr"
	"github.com/adhamqabban37/TruthByte/internal/scan"
	"github.com/adhamqabban37/TruthByte/internal/server"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

// model is an LLM backend that can both analyze ingredients and read labels
type model interface {
	analysis.Service
	ocr.Recognizer
	Close() error
}

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	fs := ff.NewFlagSet("truthbyte")
	var (
		port             = fs.IntLong("port", 8080, "HTTP server port")
		dbPath           = fs.StringLong("db", "truthbyte.db", "Database file path")
		capturesPath     = fs.StringLong("captures", "./captures", "Captured label frame directory")
		analyzerType     = fs.StringLong("analyzer", "gemini", "Analyzer type: 'gemini' or 'ollama'")
		geminiKey        = fs.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
		geminiModel      = fs.StringLong("gemini-model", llm.DefaultGeminiModel, "Google Gemini model name")
		ollamaURL        = fs.StringLong("ollama-url", llm.DefaultOllamaURL, "Ollama API base URL")
		ollamaModel      = fs.StringLong("ollama-model", llm.DefaultOllamaModel, "Ollama vision model name (e.g., llava, qwen2-vl)")
		directoryURL     = fs.StringLong("directory-url", directory.DefaultBaseURL, "Open Food Facts base URL")
		directoryTTL     = fs.DurationLong("directory-cache-ttl", 24*time.Hour, "How long directory lookups are cached")
		ocrInterval      = fs.DurationLong("ocr-interval", ocr.DefaultInterval, "Label OCR polling interval")
		ocrMinLength     = fs.IntLong("ocr-min-length", ocr.DefaultMinLength, "Minimum label text length worth analyzing")
		ocrMinConfidence = fs.Float64Long("ocr-min-confidence", ocr.DefaultMinConfidence, "Minimum OCR confidence (0-100)")
		barcodeFPS       = fs.IntLong("barcode-fps", barcode.DefaultFPS, "Barcode decode attempts per second")
		authUser         = fs.StringLong("auth-user", "", "Basic auth username (optional)")
		authPass         = fs.StringLong("auth-pass", "", "Basic auth password (optional)")
		replayDir        = fs.StringLong("replay-dir", "", "Scan the images in this directory once and print the result")
		replayMode       = fs.StringLong("replay-mode", string(scan.ModeBarcode), "Replay scan mode: 'barcode' or 'label'")
		replayTimeout    = fs.DurationLong("replay-timeout", 2*time.Minute, "How long a replay scan may take")
		showVersion      = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("TRUTHBYTE"),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Check version flag after parsing
	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	// Initialize database
	slog.Info("Initializing database...")
	db, err := history.NewBoltDB(*dbPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Initialize the product directory, cached in the same database
	dir, err := directory.NewCached(directory.NewClient(*directoryURL), db.Bolt(), *directoryTTL)
	if err != nil {
		slog.Error("Failed to initialize directory cache", "error", err)
		os.Exit(1)
	}

	// Initialize analyzer based on type
	var backend model
	switch *analyzerType {
	case "gemini":
		// Get Gemini API key from flag or environment
		apiKey := *geminiKey
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		if apiKey == "" {
			slog.Error("Gemini API key is required. Set --gemini-key flag or GEMINI_API_KEY environment variable")
			os.Exit(1)
		}
		slog.Info("Initializing Gemini analyzer...", "model", *geminiModel)
		backend, err = llm.NewGemini(apiKey, *geminiModel)
		if err != nil {
			slog.Error("Failed to initialize Gemini", "error", err)
			os.Exit(1)
		}
	case "ollama":
		slog.Info("Initializing Ollama analyzer...", "url", *ollamaURL, "model", *ollamaModel)
		backend, err = llm.NewOllama(*ollamaURL, *ollamaModel)
		if err != nil {
			slog.Error("Failed to initialize Ollama", "error", err)
			os.Exit(1)
		}
	default:
		slog.Error("Invalid analyzer type", "type", *analyzerType, "valid", "gemini or ollama")
		os.Exit(1)
	}
	defer backend.Close()

	// Initialize capture storage
	slog.Info("Initializing capture storage...")
	store, err := history.NewLocalStorage(*capturesPath)
	if err != nil {
		slog.Error("Failed to initialize storage", "error", err)
		os.Exit(1)
	}

	resolver := analysis.NewResolver(dir, backend)
	historyService := history.NewService(db, store)

	cfg := scan.Config{
		Barcode: barcode.Options{FPS: *barcodeFPS},
		OCR: ocr.Options{
			Interval:      *ocrInterval,
			MinLength:     *ocrMinLength,
			MinConfidence: *ocrMinConfidence,
		},
	}
	newMachine := func(cam scan.Camera) (*scan.Machine, error) {
		return scan.New(cfg, scan.Deps{
			Camera:     cam,
			Resolver:   resolver,
			Recognizer: backend,
			History:    historyService.Record,
			SaveFrame:  historyService.SaveFrame,
		})
	}

	if *replayDir != "" {
		mode, ok := scan.ParseMode(*replayMode)
		if !ok {
			slog.Error("Invalid replay mode", "mode", *replayMode, "valid", "barcode or label")
			os.Exit(1)
		}
		cfg.Mode = mode
		if err := runReplay(*replayDir, newMachine, *replayTimeout, os.Stdout); err != nil {
			slog.Error("Replay scan failed", "dir", *replayDir, "error", err)
			os.Exit(1)
		}
		return
	}

	// Initialize server
	basicAuth := server.BasicAuth{
		Username: *authUser,
		Password: *authPass,
	}
	srv := server.NewServer(resolver, historyService, newMachine, basicAuth)

	// Start server in goroutine
	addr := fmt.Sprintf(":%d", *port)
	go func() {
		if err := srv.Start(addr); err != nil {
			slog.Error("Server error", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("Server started", "address", fmt.Sprintf("http://localhost%s", addr), "version", version)
	if *authUser != "" || *authPass != "" {
		slog.Info("Basic auth enabled", "user", *authUser)
	}

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	slog.Info("Shutting down...")
}

package main

import (
	"errors"
	"expvar"
	"flag"
	"io"
	stlog "log"
	"log/slog"
	"net/http"
	_ "net/http/pprof"
	"os"
	"runtime"

	"github.com/joho/godotenv"

	"github.com/shehackedyou/gocodeintel"
)

// App version (set via linker flags -ldflags="-X main.appVersion=...")
var appVersion = "dev"

func main() {
	logPath := flag.String("log-file", "gocodeintel-lsp.log", "File to append logs to")
	debugAddr := flag.String("debug-addr", "localhost:6061", "Address for the pprof/expvar server; empty disables it")
	flag.Parse()

	_ = godotenv.Load()

	logFile, err := os.OpenFile(*logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o660)
	if err != nil {
		stlog.Fatalf("Failed to open log file: %v", err)
	}
	defer logFile.Close()
	// stdout carries the protocol, so logs go to stderr and the file only.
	logWriter := io.MultiWriter(os.Stderr, logFile)

	tempLogger := slog.New(slog.NewTextHandler(logWriter, &slog.HandlerOptions{Level: slog.LevelInfo}))

	engine, initErr := gocodeintel.NewEngine(tempLogger)
	if initErr != nil {
		tempLogger.Error("Failed to initialize code intelligence engine", "error", initErr)
		if !errors.Is(initErr, gocodeintel.ErrConfigLoad) || engine == nil {
			os.Exit(1)
		}
	}
	defer func() {
		slog.Info("Closing code intelligence engine...")
		if err := engine.Close(); err != nil {
			slog.Error("Error closing engine", "error", err)
		}
	}()

	initialConfig := engine.GetCurrentConfig()
	logLevel, parseLevelErr := gocodeintel.ParseLogLevel(initialConfig.LogLevel)
	if parseLevelErr != nil {
		logLevel = slog.LevelInfo
		tempLogger.Warn("Invalid log level in config, using default 'info'", "config_level", initialConfig.LogLevel, "error", parseLevelErr)
	}
	levelVar := new(slog.LevelVar)
	levelVar.Set(logLevel)
	logger := slog.New(slog.NewTextHandler(logWriter, &slog.HandlerOptions{Level: levelVar, AddSource: true}))
	slog.SetDefault(logger)

	slog.Info("gocodeintel LSP server starting...", "version", appVersion, "log_level", logLevel.String())
	if initErr != nil {
		slog.Warn("Engine initialized with configuration warnings", "error", initErr)
	}

	if *debugAddr != "" {
		runtime.SetBlockProfileRate(1)
		runtime.SetMutexProfileFraction(1)
		startDebugServer(*debugAddr)
	}

	lspServer := gocodeintel.NewServer(engine, logger, appVersion)
	lspServer.SetLogLevelVar(levelVar)
	lspServer.Run(os.Stdin, os.Stdout)

	slog.Info("LSP server has shut down gracefully.")
}

// startDebugServer starts the HTTP server for pprof and expvar.
func startDebugServer(addr string) {
	go func() {
		slog.Info("Starting debug server for pprof/expvar", "addr", addr)
		debugMux := http.NewServeMux()
		debugMux.HandleFunc("/debug/pprof/", http.DefaultServeMux.ServeHTTP)
		debugMux.HandleFunc("/debug/vars", expvar.Handler().ServeHTTP)
		if err := http.ListenAndServe(addr, debugMux); err != nil {
			slog.Error("Debug server failed", "error", err)
		}
	}()
}

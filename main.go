package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"voicetutor/core"
	"voicetutor/factories"
	"voicetutor/runner"
	"voicetutor/storage/mistakes"
	"voicetutor/telemetry"
)

func main() {
	configPath, err := parseFlags(flag.CommandLine, os.Args[1:], ".env.local", ".env")
	if err != nil {
		core.GetLogger().Fatal("invalid flags", "error", err)
	}

	settings, err := factories.LoadSettings(configPath)
	if err != nil {
		core.GetLogger().Fatal("failed to load settings", "error", err)
	}

	level := core.ParseLevel(settings.Log.Level)
	if settings.Log.Format == "json" {
		core.SetLogger(core.NewJSONLogger(level, os.Stdout))
	} else {
		core.SetLogger(core.NewDevelopmentLogger(level))
	}
	logger := core.GetLogger().With(map[string]any{"service": settings.ServiceName})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics, err := telemetry.Setup(ctx, settings.ServiceName, settings.Environment, logger)
	if err != nil {
		logger.Warn("metrics disabled", "error", err)
		metrics = telemetry.Nop()
	}

	deps := runner.Deps{
		Settings: settings,
		Builders: runner.BuildersFromSettings(settings),
		Metrics:  metrics,
	}

	var sinks []mistakes.Sink
	store, err := mistakes.Open(ctx, settings.Storage.MistakesPath, logger)
	if err != nil {
		logger.Error("mistake store unavailable", "path", settings.Storage.MistakesPath, "error", err)
	} else {
		defer store.Close()
		deps.Store = store
		sinks = append(sinks, store)
	}
	if settings.Storage.NatsURL != "" {
		publisher, err := mistakes.Connect(settings.Storage.NatsURL, settings.Storage.NatsSubject, logger)
		if err != nil {
			logger.Warn("mistake events disabled", "error", err)
		} else {
			defer publisher.Close()
			sinks = append(sinks, publisher)
		}
	}
	if len(sinks) > 0 {
		deps.Sink = mistakes.Fanout(sinks...)
	}

	server := runner.NewServer(deps, logger)
	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	select {
	case <-ctx.Done():
		logger.Info("Shutting down...", "grace", settings.ShutdownGrace.String())
	case err := <-errCh:
		if err != nil {
			logger.Error("server stopped", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), settings.ShutdownGrace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	if err := metrics.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics shutdown", "error", err)
	}
	logger.Info("stopped")
}

// parseFlags loads the env files before reading flag defaults, so an env
// file can set SETTINGS_PATH too.
func parseFlags(fs *flag.FlagSet, args []string, envFiles ...string) (string, error) {
	for _, file := range envFiles {
		if err := godotenv.Load(file); err != nil {
			core.GetLogger().Debug("env file not loaded", "file", file, "error", err)
		}
	}

	var configPath string
	fs.StringVar(&configPath, "config", getEnv("SETTINGS_PATH", ""), "path to a YAML settings file")
	if err := fs.Parse(args); err != nil {
		return "", err
	}
	return configPath, nil
}

// getEnv gets an environment variable with a default fallback
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

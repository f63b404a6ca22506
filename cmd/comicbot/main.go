package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/term"

	"jmcomic-bot/internal/app"
	"jmcomic-bot/internal/infra/config"
	"jmcomic-bot/internal/infra/logger"
	"jmcomic-bot/internal/infra/pr"
	"jmcomic-bot/internal/infra/timeutil"
	"jmcomic-bot/internal/support/version"
)

func main() {
	// envPath — .env с токеном и настройками; в контейнере файла может не быть.
	envPath := flag.String("env", ".env", "path to .env file")
	flag.Parse()

	if err := config.Load(*envPath); err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}
	cfg := config.Env()
	if cfg.AppTimezone != "" {
		loc, err := timeutil.ParseLocation(cfg.AppTimezone)
		if err != nil {
			logger.Fatal("failed to parse APP_TIMEZONE", zap.Error(err))
		}
		time.Local = loc //nolint:reassign // процесс работает в зоне APP_TIMEZONE
	}

	// Консоль поднимается только при живом терминале: под PaaS stdin закрыт.
	interactive := cfg.CLIEnable && term.IsTerminal(int(os.Stdin.Fd()))
	if interactive {
		if err := pr.Init(); err != nil {
			logger.Fatal("failed to assigning stdout and stderr", zap.Error(err))
		}
	}

	logger.Init(cfg.LogLevel)
	logger.SetWriters(pr.Stdout(), pr.Stderr())
	logger.InitFile(logger.FileOptions{
		Path:       cfg.LogFile,
		Level:      cfg.LogFileLevel,
		MaxSizeMB:  cfg.LogFileMaxSize,
		MaxBackups: cfg.LogFileMaxBackups,
		MaxAgeDays: cfg.LogFileMaxAge,
		Compress:   cfg.LogFileCompress,
	})
	defer logger.Sync()
	for _, msg := range config.Warnings() {
		logger.Warn(msg)
	}
	if cfg.CLIEnable && !interactive {
		logger.Warn("CLI_ENABLE is set but stdin is not a terminal; console disabled")
	}
	logger.Info("starting", zap.String("name", version.Name), zap.String("version", version.Version),
		zap.String("transport", cfg.Transport))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	a := app.NewApp(ctx, stop, cfg, interactive)
	if runErr := a.Run(); runErr != nil {
		stop()
		logger.Fatal("app run failed", zap.Error(runErr))
	}
	stop()
	logger.Info("Graceful shutdown complete")
}

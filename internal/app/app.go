// Package app — верхний уровень сборки бота. Здесь связываются конфигурация,
// мост краулера, поиск и монитор загрузок, кодек PDF, конвейер доставки, роутер
// команд и выбранный транспорт Telegram (Bot API или MTProto). Жизненным циклом
// фоновых узлов управляет Runner.
package app

import (
	"context"
	"time"

	"github.com/go-faster/errors"

	"jmcomic-bot/internal/adapters/botapi"
	"jmcomic-bot/internal/adapters/cli"
	"jmcomic-bot/internal/adapters/crawler"
	"jmcomic-bot/internal/adapters/mtproto"
	"jmcomic-bot/internal/domain/chat"
	"jmcomic-bot/internal/domain/delivery"
	"jmcomic-bot/internal/domain/lookup"
	"jmcomic-bot/internal/domain/monitor"
	"jmcomic-bot/internal/domain/router"
	"jmcomic-bot/internal/infra/concurrency"
	"jmcomic-bot/internal/infra/config"
	"jmcomic-bot/internal/infra/imaging"
	"jmcomic-bot/internal/infra/logger"
	"jmcomic-bot/internal/infra/quota"
	"jmcomic-bot/internal/infra/storage"
)

// bot — транспорт Telegram: исходящие вызовы и поток событий.
type bot interface {
	chat.Transport
	chat.Source
}

// App агрегирует зависимости бота.
type App struct {
	cfg        config.EnvConfig
	mainCtx    context.Context    // отменяется сигналом или командой exit
	mainCancel context.CancelFunc // инициирует общий shutdown
	// interactive — консоль оператора доступна (CLI_ENABLE и терминал на stdin).
	interactive bool

	quotas *quota.Store
	pool   *concurrency.Pool
	dedup  *concurrency.Deduplicator
	runner *Runner
}

// botAPIHTTPTimeout покрывает загрузку документа до лимита Bot API.
const botAPIHTTPTimeout = 5 * time.Minute

// NewApp создаёт каркас приложения. Сборка зависимостей выполняется в Run.
func NewApp(mainCtx context.Context, mainCancel context.CancelFunc, cfg config.EnvConfig, interactive bool) *App {
	return &App{cfg: cfg, mainCtx: mainCtx, mainCancel: mainCancel, interactive: interactive}
}

// Run собирает зависимости и блокируется до остановки приложения.
func (a *App) Run() error {
	logger.Info("Bot initializing...")

	for _, dir := range []string{a.cfg.DownloadDir, a.cfg.TempDir} {
		if err := storage.EnsureTree(dir); err != nil {
			return errors.Wrapf(err, "ensure %s", dir)
		}
	}

	quotas, err := quota.Open(a.cfg.QuotaDBFile)
	if err != nil {
		return errors.Wrap(err, "open quota store")
	}
	a.quotas = quotas

	bridge, err := crawler.NewBridge(crawler.BridgeOptions{
		Command:    a.cfg.CrawlerCommand,
		OptionFile: a.cfg.CrawlerOptionFile,
		ProxyURL:   a.proxyURL(),
	})
	if err != nil {
		_ = quotas.Close()
		return errors.Wrap(err, "init crawler bridge")
	}

	lk := lookup.New(bridge)
	a.pool = concurrency.NewPool(a.cfg.MaxConcurrentDownloads)
	a.dedup = concurrency.NewDeduplicator(a.cfg.DedupWindowSec)
	mon := monitor.New(bridge, a.pool, monitor.Options{
		Root:          a.cfg.DownloadDir,
		PollInterval:  time.Duration(a.cfg.PollIntervalMS) * time.Millisecond,
		ProgressEvery: a.cfg.ProgressEveryPolls,
		Threads:       a.cfg.CrawlerThreads,
	})
	codec := imaging.New(nil)

	tgBot, err := a.newBot()
	if err != nil {
		_ = quotas.Close()
		return err
	}

	newRouter := func(transport chat.Transport) *router.Router {
		pipeline := delivery.New(mon, codec, a.pool, transport, quotas, a.deliveryOptions())
		return router.New(lk, pipeline, transport, quotas, a.dedup, a.routerOptions())
	}

	a.runner = NewRunner(a.mainCtx, a.mainCancel, RunnerDeps{
		Quotas: quotas,
		Pool:   a.pool,
		Dedup:  a.dedup,
		Router: newRouter(tgBot),
		Source: tgBot,
	})

	if a.cfg.HealthEnable {
		a.runner.EnableHealth(a.cfg.HealthAddress)
	}

	if a.interactive {
		console := cli.NewConsole(a.cfg.CLIOutputDir)
		consoleRouter := newRouter(console)
		a.runner.EnableCLI(cli.NewService(consoleRouter, quotas, a.mainCancel, cli.Options{
			UserID:              a.operatorID(),
			MaxDownloadsPerHour: a.cfg.MaxDownloadsPerHour,
			MaxSearchesPerHour:  a.cfg.MaxSearchesPerHour,
			Config:              maskedConfig(a.cfg),
		}), consoleRouter)
	}

	return a.runner.Run()
}

// newBot создаёт транспорт, выбранный в TRANSPORT.
func (a *App) newBot() (bot, error) {
	switch a.cfg.Transport {
	case config.TransportMTProto:
		return mtproto.New(mtproto.Options{
			APIID:       a.cfg.APIID,
			APIHash:     a.cfg.APIHash,
			Token:       a.cfg.BotToken,
			SessionFile: a.cfg.SessionFile,
			StateFile:   a.cfg.StateFile,
			TestDC:      a.cfg.TestDC,
			RPS:         a.cfg.ThrottleRPS,
		}), nil
	case config.TransportBotAPI:
		c, err := botapi.New(botapi.Options{
			Token:       a.cfg.BotToken,
			TestDC:      a.cfg.TestDC,
			RPS:         a.cfg.ThrottleRPS,
			HTTPTimeout: botAPIHTTPTimeout,
			Debug:       logger.IsDebugEnabled(),
		})
		if err != nil {
			return nil, errors.Wrap(err, "init bot api")
		}
		logger.Infof("Logged in as @%s", c.Username())
		return c, nil
	default:
		return nil, errors.Errorf("unknown transport %q", a.cfg.Transport)
	}
}

func (a *App) deliveryOptions() delivery.Options {
	return delivery.Options{
		TempDir:          a.cfg.TempDir,
		MaxFileSizeMB:    a.cfg.MaxFileSizeMB,
		Quality:          a.cfg.PDFQuality,
		AutoCompress:     a.cfg.AutoCompress,
		CompressQuality:  a.cfg.CompressQuality,
		CompressMaxWidth: a.cfg.CompressMaxWidth,
		MaxTotalPixels:   int64(a.cfg.MaxTotalPixels),
		AutoCleanup:      a.cfg.AutoCleanup,
		ProgressStep:     a.cfg.ProgressStepPercent,
		SendPreview:      a.cfg.SendPreview,
		PreviewCount:     a.cfg.PreviewImageCount,
		UploadTimeout:    time.Duration(a.cfg.UploadTimeoutSec) * time.Second,
	}
}

func (a *App) routerOptions() router.Options {
	return router.Options{
		AllowedUsers:        a.cfg.AllowedUsers,
		SearchLimit:         a.cfg.SearchLimit,
		MaxDownloadsPerHour: a.cfg.MaxDownloadsPerHour,
		MaxSearchesPerHour:  a.cfg.MaxSearchesPerHour,
		DownloadTimeout:     time.Duration(a.cfg.DownloadTimeoutSec) * time.Second,
		MaxFileSizeMB:       a.cfg.MaxFileSizeMB,
		AutoCompress:        a.cfg.AutoCompress,
	}
}

func (a *App) proxyURL() string {
	if !a.cfg.UseProxy {
		return ""
	}
	return a.cfg.ProxyURL
}

// operatorID — от чьего имени работает консоль: первый допущенный пользователь,
// в публичном режиме 0.
func (a *App) operatorID() int64 {
	if len(a.cfg.AllowedUsers) > 0 {
		return a.cfg.AllowedUsers[0]
	}
	return 0
}

// maskedConfig — копия конфигурации для печати в консоли.
func maskedConfig(cfg config.EnvConfig) config.EnvConfig {
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "***"
	}
	cfg.BotToken = mask(cfg.BotToken)
	cfg.APIHash = mask(cfg.APIHash)
	cfg.ProxyURL = mask(cfg.ProxyURL)
	return cfg
}

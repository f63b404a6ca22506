// Файл runner.go — оркестрация фоновых узлов через lifecycle.Manager: пруннер
// квот, дедупликатор, пул загрузок, health-сервер, транспорт Telegram и консоль.
// Shutdown гасит узлы в обратном порядке, так что роутер дожидается своих
// обработчиков раньше, чем закрываются пул и база квот.
package app

import (
	"context"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"jmcomic-bot/internal/adapters/cli"
	"jmcomic-bot/internal/adapters/web"
	"jmcomic-bot/internal/domain/chat"
	"jmcomic-bot/internal/domain/router"
	"jmcomic-bot/internal/infra/concurrency"
	"jmcomic-bot/internal/infra/lifecycle"
	"jmcomic-bot/internal/infra/logger"
	"jmcomic-bot/internal/infra/quota"
)

const (
	webServerShutdownTimeout = 10 * time.Second
	quotaPruneEvery          = 10 * time.Minute
)

// Имена узлов lifecycle.
const (
	nodeQuota  = "quota_store"
	nodeDedup  = "deduplicator"
	nodePool   = "download_pool"
	nodeHealth = "health_server"
	nodeBot    = "telegram_bot"
	nodeCLI    = "cli"
)

// RunnerDeps — обязательные зависимости Runner.
type RunnerDeps struct {
	Quotas *quota.Store
	Pool   *concurrency.Pool
	Dedup  *concurrency.Deduplicator
	Router *router.Router
	Source chat.Source
}

// Runner запускает и останавливает узлы бота.
type Runner struct {
	mainCtx    context.Context
	mainCancel context.CancelFunc
	deps       RunnerDeps

	healthAddr    string
	cliService    *cli.Service
	consoleRouter *router.Router

	mu     sync.Mutex
	botErr error
}

// NewRunner подготавливает Runner.
func NewRunner(mainCtx context.Context, mainCancel context.CancelFunc, deps RunnerDeps) *Runner {
	return &Runner{mainCtx: mainCtx, mainCancel: mainCancel, deps: deps}
}

// EnableHealth включает health-сервер на addr.
func (r *Runner) EnableHealth(addr string) { r.healthAddr = addr }

// EnableCLI включает консоль оператора и её роутер.
func (r *Runner) EnableCLI(svc *cli.Service, consoleRouter *router.Router) {
	r.cliService = svc
	r.consoleRouter = consoleRouter
}

// Run поднимает узлы и блокируется до отмены mainCtx. Возвращает фатальную ошибку
// транспорта, если она стала причиной остановки.
func (r *Runner) Run() error {
	m := lifecycle.New(r.mainCtx)
	if err := r.register(m); err != nil {
		return err
	}
	if r.cliService != nil {
		r.cliService.SetNodes(m)
	}
	if err := m.StartAll(); err != nil {
		if shutdownErr := m.Shutdown(); shutdownErr != nil {
			logger.Error("shutdown after failed start", zap.Error(shutdownErr))
		}
		return err
	}
	logger.Info("Bot running...")

	<-r.mainCtx.Done()
	logger.Debug("Shutdown signal received, stopping runner...")
	if err := m.Shutdown(); err != nil {
		logger.Error("shutdown finished with errors", zap.Error(err))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.botErr
}

func (r *Runner) register(m *lifecycle.Manager) error {
	core := []string{nodeQuota, nodeDedup, nodePool}

	var pruner sync.WaitGroup
	if err := m.Register(nodeQuota, "", nil,
		func(ctx context.Context) (context.Context, error) {
			pruner.Go(func() { r.deps.Quotas.RunPruner(ctx, quotaPruneEvery) })
			return nil, nil
		},
		func(context.Context) error {
			pruner.Wait()
			return r.deps.Quotas.Close()
		},
	); err != nil {
		return err
	}

	if err := m.Register(nodeDedup, "", nil,
		func(ctx context.Context) (context.Context, error) {
			r.deps.Dedup.Start(ctx)
			return nil, nil
		},
		func(context.Context) error {
			r.deps.Dedup.Stop()
			return nil
		},
	); err != nil {
		return err
	}

	if err := m.Register(nodePool, "", nil, nil, func(context.Context) error {
		r.deps.Pool.Close()
		return nil
	}); err != nil {
		return err
	}

	if r.healthAddr != "" {
		if err := r.registerHealth(m); err != nil {
			return err
		}
	}

	var serving sync.WaitGroup
	if err := m.Register(nodeBot, "", core,
		func(ctx context.Context) (context.Context, error) {
			serving.Go(func() {
				if err := r.deps.Router.Serve(ctx, r.deps.Source); err != nil {
					logger.Error("telegram transport stopped", zap.Error(err))
					r.mu.Lock()
					r.botErr = err
					r.mu.Unlock()
					r.mainCancel()
				}
			})
			return nil, nil
		},
		func(context.Context) error {
			serving.Wait()
			return nil
		},
	); err != nil {
		return err
	}

	if r.cliService == nil {
		return nil
	}
	return m.Register(nodeCLI, "", core,
		func(ctx context.Context) (context.Context, error) {
			r.cliService.Start(ctx)
			return nil, nil
		},
		func(context.Context) error {
			r.cliService.Stop()
			r.consoleRouter.Wait()
			return nil
		},
	)
}

func (r *Runner) registerHealth(m *lifecycle.Manager) error {
	srv := web.NewServer(r.healthAddr)
	var serving sync.WaitGroup
	return m.Register(nodeHealth, "", nil,
		func(context.Context) (context.Context, error) {
			// Без health-порта бот работает дальше: это вспомогательный узел.
			ln, err := net.Listen("tcp", r.healthAddr)
			if err != nil {
				logger.Warn("health server disabled", zap.String("address", r.healthAddr), zap.Error(err))
				return nil, nil
			}
			serving.Go(func() {
				if err := srv.Serve(ln); err != nil {
					logger.Error("health server error", zap.Error(err))
				}
			})
			return nil, nil
		},
		func(context.Context) error {
			ctx, cancel := context.WithTimeout(context.Background(), webServerShutdownTimeout)
			defer cancel()
			err := srv.Shutdown(ctx)
			serving.Wait()
			return err
		},
	)
}

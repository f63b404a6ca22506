// Package cli — интерактивная консоль оператора. Сервис читает команды из readline
// и прогоняет их через тот же роутер, что обслуживает Telegram: поиск, детали и
// загрузка работают от имени консольного пользователя, а ответы печатаются в
// терминал (см. Console). Start/Stop идемпотентны и встраиваются в lifecycle.
package cli

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"jmcomic-bot/internal/domain/chat"
	"jmcomic-bot/internal/infra/lifecycle"
	"jmcomic-bot/internal/infra/logger"
	"jmcomic-bot/internal/infra/pr"
	"jmcomic-bot/internal/infra/quota"
	versioninfo "jmcomic-bot/internal/support/version"
)

// commandDescriptor описывает одну команду консоли для help.
type commandDescriptor struct {
	name        string
	description string
}

// commandDescriptors — реестр команд. Имена совпадают с кейсами handleCommand.
var commandDescriptors = []commandDescriptor{
	{name: "help", description: "Show available commands with short descriptions"},
	{name: "search", description: "search <keyword>: find albums"},
	{name: "info", description: "info <id>: show album details"},
	{name: "download", description: "download <id>: build the PDF into the output dir"},
	{name: "press", description: "press <data>: press an inline button, e.g. download_350234"},
	{name: "cancel", description: "Cancel the active download"},
	{name: "history", description: "Show recent downloads"},
	{name: "quota", description: "Show hourly quota usage"},
	{name: "status", description: "Show active downloads, pool load and node states"},
	{name: "config", description: "Print effective configuration (secrets masked)"},
	{name: "version", description: "Print bot version"},
	{name: "exit", description: "Stop CLI and terminate the service"},
}

// Router — то, что консоль требует от роутера.
type Router interface {
	Dispatch(ctx context.Context, u chat.Update)
	ActiveDownloads() int
}

// QuotaReader — чтение счётчиков квот.
type QuotaReader interface {
	Usage(userID int64, kind quota.Kind) (int, error)
}

// PoolReader — загрузка пула воркеров.
type PoolReader interface {
	Busy() int
	Size() int
}

// NodeReader — состояния узлов lifecycle.
type NodeReader interface {
	StartOrder() []string
	Status(name string) (lifecycle.Status, bool)
}

// Options — параметры консоли.
type Options struct {
	// UserID — от чьего имени консоль обращается к роутеру; он же ID чата.
	UserID              int64
	MaxDownloadsPerHour int
	MaxSearchesPerHour  int
	// Config печатается командой config; секреты маскирует вызывающий.
	Config any
	// Pool — пул загрузок и сборки; может быть nil.
	Pool PoolReader
}

// Service — консоль оператора.
type Service struct {
	router    Router
	quotas    QuotaReader        // может быть nil
	stopApp   context.CancelFunc // команда exit и Ctrl-C на пустой строке
	opts      Options
	nodes     atomic.Pointer[NodeReader] // появляется при старте lifecycle
	callbacks atomic.Int64               // счётчик синтетических callback ID
	cancel    context.CancelFunc         // локальная отмена run-цикла
	wg        sync.WaitGroup
	onceStart sync.Once
	onceStop  sync.Once
}

// NewService создаёт консоль.
func NewService(router Router, quotas QuotaReader, stopApp context.CancelFunc, opts Options) *Service {
	return &Service{router: router, quotas: quotas, stopApp: stopApp, opts: opts}
}

// SetNodes подключает источник состояний узлов для команды status.
func (s *Service) SetNodes(n NodeReader) {
	if n != nil {
		s.nodes.Store(&n)
	}
}

// Start запускает цикл чтения в отдельной горутине. Повторные вызовы игнорируются.
func (s *Service) Start(ctx context.Context) {
	s.onceStart.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		s.cancel = cancel
		s.wg.Go(func() {
			s.run(runCtx)
		})
	})
}

// Stop прерывает readline, отменяет цикл и дожидается его завершения.
func (s *Service) Stop() {
	s.onceStop.Do(func() {
		if s.stopApp != nil {
			s.stopApp()
		}
		if rl := pr.Rl(); rl != nil {
			pr.InterruptReadline()
		}
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
	})
}

func (s *Service) run(ctx context.Context) {
	logger.Debug("CLI run started")
	if pr.Rl() == nil {
		logger.Warn("CLI: readline is not initialized")
		return
	}
	pr.SetPrompt("> ")
	pr.Println("CLI started. Enter commands:", joinCommandNames(commandDescriptors))
	pr.Println("Press '?' or type 'help' for detailed descriptions.")
	installKeyHandlers(s.stopApp)

	defer func() {
		if rl := pr.Rl(); rl != nil {
			_ = rl.Close()
		}
	}()

	for {
		if ctx.Err() != nil {
			logger.Debug("CLI: context canceled")
			return
		}
		line, err := pr.Rl().Readline()
		if err != nil {
			logger.Debug("CLI: deactivated (io.EOF)")
			return
		}
		cmd := strings.TrimSpace(line)
		if s.handleCommand(ctx, cmd) {
			logger.Debugf("CLI: command %q requested exit", cmd)
			return
		}
	}
}

// installKeyHandlers: '?' печатает help, Ctrl-C на пустой строке останавливает
// приложение, на непустой очищает строку.
func installKeyHandlers(stop context.CancelFunc) {
	rl := pr.Rl()
	if rl == nil || rl.Config == nil {
		return
	}

	prev := rl.Config.Listener
	rl.Config.SetListener(func(line []rune, pos int, key rune) ([]rune, int, bool) {
		if key == '?' {
			printCommandHelp()
			if pos > 0 && pos <= len(line) {
				trimmed := append([]rune{}, line[:pos-1]...)
				trimmed = append(trimmed, line[pos:]...)
				return trimmed, pos - 1, true
			}
			return line, pos, true
		}
		if key == 3 { //nolint: mnd // Ctrl-C (ETX, rune value 3)
			if strings.TrimSpace(string(line)) == "" {
				if stop != nil {
					stop()
				}
				pr.InterruptReadline()
				return line, pos, true
			}
			return []rune{}, 0, true
		}
		if prev != nil {
			return prev.OnChange(line, pos, key)
		}
		return nil, 0, false
	})
}

func printCommandHelp() {
	for _, text := range buildCommandHelpLines(commandDescriptors) {
		pr.Println(text)
	}
}

// handleCommand выполняет команду. Возвращает true для "exit".
func (s *Service) handleCommand(ctx context.Context, line string) bool {
	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch name {
	case "help":
		printCommandHelp()
	case "search", "info", "download":
		if arg == "" {
			pr.ErrPrintf("usage: %s <%s>\n", name, argName(name))
			return false
		}
		s.send(ctx, chat.Update{Text: "/" + name + " " + arg})
	case "cancel", "history":
		s.send(ctx, chat.Update{Text: "/" + name})
	case "press":
		if arg == "" {
			pr.ErrPrintln("usage: press <data>")
			return false
		}
		s.send(ctx, chat.Update{
			CallbackID:   "cli-" + strconv.FormatInt(s.callbacks.Add(1), 10),
			CallbackData: arg,
		})
	case "quota":
		s.printQuota()
	case "status":
		for _, line := range s.statusLines() {
			pr.Println(line)
		}
	case "config":
		if s.opts.Config == nil {
			pr.ErrPrintln("configuration is not available")
			return false
		}
		pr.PP(s.opts.Config)
	case "version":
		pr.ErrPrintln(fmt.Sprintf("%s v%s", versioninfo.Name, versioninfo.Version))
	case "exit":
		if s.stopApp != nil {
			s.stopApp()
		}
		return true
	case "":
		// ignore
	default:
		if strings.HasPrefix(name, "/") {
			s.send(ctx, chat.Update{Text: line})
			return false
		}
		pr.Println("unknown command:", line)
	}
	return false
}

// send отдаёт событие роутеру от имени консольного пользователя.
func (s *Service) send(ctx context.Context, u chat.Update) {
	u.ChatID = s.opts.UserID
	u.UserID = s.opts.UserID
	s.router.Dispatch(ctx, u)
}

func (s *Service) statusLines() []string {
	lines := []string{fmt.Sprintf("Active downloads: %d", s.router.ActiveDownloads())}
	if s.opts.Pool != nil {
		lines = append(lines, fmt.Sprintf("Worker pool: %d/%d busy", s.opts.Pool.Busy(), s.opts.Pool.Size()))
	}
	np := s.nodes.Load()
	if np == nil {
		return lines
	}
	nodes := *np
	for _, name := range nodes.StartOrder() {
		if st, ok := nodes.Status(name); ok {
			lines = append(lines, fmt.Sprintf("  %-14s %s", name, st))
		}
	}
	return lines
}

func (s *Service) printQuota() {
	if s.quotas == nil {
		pr.ErrPrintln("quota store is not available")
		return
	}
	rows := []struct {
		kind  quota.Kind
		limit int
	}{
		{kind: quota.KindSearch, limit: s.opts.MaxSearchesPerHour},
		{kind: quota.KindDownload, limit: s.opts.MaxDownloadsPerHour},
	}
	for _, row := range rows {
		used, err := s.quotas.Usage(s.opts.UserID, row.kind)
		if err != nil {
			pr.ErrPrintln("quota error:", err)
			return
		}
		if row.limit <= 0 {
			pr.Printf("%-8s %d/unlimited\n", row.kind, used)
			continue
		}
		pr.Printf("%-8s %d/%d\n", row.kind, used, row.limit)
	}
}

func argName(cmd string) string {
	if cmd == "search" {
		return "keyword"
	}
	return "id"
}

// joinCommandNames — имена команд через запятую для короткой подсказки.
func joinCommandNames(descriptors []commandDescriptor) string {
	names := make([]string, 0, len(descriptors))
	for _, d := range descriptors {
		names = append(names, d.name)
	}
	return strings.Join(names, ", ")
}

// buildCommandHelpLines генерирует строки вида "<name> - <description>".
func buildCommandHelpLines(descriptors []commandDescriptor) []string {
	lines := make([]string, 0, len(descriptors)+1)
	lines = append(lines, "Available commands:")
	for _, descriptor := range descriptors {
		lines = append(lines, fmt.Sprintf("  %-8s - %s", descriptor.name, descriptor.description))
	}
	return lines
}

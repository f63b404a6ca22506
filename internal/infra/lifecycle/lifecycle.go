// Package lifecycle — менеджер фоновых подсистем бота (пруннер квот, дедупликатор,
// health-сервер, транспорт Telegram, консоль). Узлы образуют дерево контекстов:
// дочерний узел наследует отмену родителя, deps поднимаются раньше зависимого узла,
// Shutdown гасит узлы в порядке, обратном фактическому старту.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"

	"jmcomic-bot/internal/infra/logger"
)

// StartFunc запускает узел. Возвращённый контекст (если не nil) становится
// родительским для дочерних узлов.
type StartFunc func(ctx context.Context) (context.Context, error)

// StopFunc останавливает узел. Контекст узла к этому моменту уже отменён.
type StopFunc func(ctx context.Context) error

// Status — состояние узла.
type Status int

const (
	StatusRegistered Status = iota
	StatusStarting
	StatusRunning
	StatusStopping
	StatusStopped
	StatusFailed
)

var statusNames = [...]string{"registered", "starting", "running", "stopping", "stopped", "failed"}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return "unknown"
}

const rootName = "root"

type node struct {
	name   string
	parent string
	deps   []string

	start StartFunc
	stop  StopFunc

	ctx    context.Context
	cancel context.CancelFunc
	status Status
	err    error
}

// Manager управляет узлами. Потокобезопасен.
type Manager struct {
	mu         sync.Mutex
	nodes      map[string]*node
	startOrder []string
}

// New создаёт менеджер с корневым узлом в состоянии Running.
func New(rootCtx context.Context) *Manager {
	if rootCtx == nil {
		rootCtx = context.Background()
	}
	return &Manager{
		nodes: map[string]*node{
			rootName: {name: rootName, ctx: rootCtx, status: StatusRunning},
		},
	}
}

// Register добавляет узел. Пустой parent — root. deps должны стартовать раньше узла.
func (m *Manager) Register(name, parent string, deps []string, start StartFunc, stop StopFunc) error {
	if name == "" || name == rootName {
		return fmt.Errorf("lifecycle: invalid node name %q", name)
	}
	if parent == "" {
		parent = rootName
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.nodes[name]; exists {
		return fmt.Errorf("lifecycle: node %q already registered", name)
	}
	if _, ok := m.nodes[parent]; !ok {
		return fmt.Errorf("lifecycle: parent %q not found for node %q", parent, name)
	}

	uniqueDeps := slices.Clone(deps)
	slices.Sort(uniqueDeps)
	uniqueDeps = slices.Compact(uniqueDeps)
	uniqueDeps = slices.DeleteFunc(uniqueDeps, func(d string) bool { return d == parent })
	if slices.Contains(uniqueDeps, name) {
		return fmt.Errorf("lifecycle: node %q cannot depend on itself", name)
	}

	m.nodes[name] = &node{
		name:   name,
		parent: parent,
		deps:   uniqueDeps,
		start:  start,
		stop:   stop,
		status: StatusRegistered,
	}
	return nil
}

// StartAll запускает все узлы. Обход по алфавиту, фактический порядок учитывает
// родителей и deps. Ошибки узлов объединяются.
func (m *Manager) StartAll() error {
	m.mu.Lock()
	names := make([]string, 0, len(m.nodes))
	for name := range m.nodes {
		if name != rootName {
			names = append(names, name)
		}
	}
	m.mu.Unlock()

	slices.Sort(names)

	var errs error
	for _, name := range names {
		if err := m.startNode(name); err != nil {
			errs = errors.Join(errs, err)
		}
	}
	logger.Debug("lifecycle start order", zap.Strings("order", m.StartOrder()))
	return errs
}

// startNode поднимает родителя и deps, затем сам узел. Повторный вход в Starting — цикл.
func (m *Manager) startNode(name string) error {
	m.mu.Lock()
	n, exists := m.nodes[name]
	if !exists {
		m.mu.Unlock()
		return fmt.Errorf("lifecycle: node %q not registered", name)
	}
	switch n.status { //nolint:exhaustive // остальные состояния стартуют заново
	case StatusRunning:
		m.mu.Unlock()
		return nil
	case StatusStarting:
		m.mu.Unlock()
		return fmt.Errorf("lifecycle: detected cycle while starting %q", name)
	case StatusFailed:
		err := n.err
		m.mu.Unlock()
		return fmt.Errorf("lifecycle: node %q failed earlier: %w", name, err)
	}
	n.status = StatusStarting
	m.mu.Unlock()

	logger.Debugf("starting node %s", name)

	for _, dep := range append([]string{n.parent}, n.deps...) {
		if err := m.startNode(dep); err != nil {
			m.setFailed(name, err)
			logger.Error("failed to start node", zap.String("node", name), zap.Error(err))
			return err
		}
	}

	parentCtx, err := m.nodeContext(n.parent)
	if err != nil {
		m.setFailed(name, err)
		return err
	}

	childCtx, cancel := context.WithCancel(parentCtx)
	finalCtx := childCtx

	if n.start != nil {
		startedCtx, errStart := n.start(childCtx)
		if errStart != nil {
			cancel()
			err := fmt.Errorf("start %s: %w", name, errStart)
			m.setFailed(name, err)
			return err
		}
		if startedCtx != nil && startedCtx != childCtx {
			// Отмена childCtx гасит и возвращённый узлом контекст.
			bridged, bridgedCancel := context.WithCancel(startedCtx)
			stopAfter := context.AfterFunc(childCtx, bridgedCancel)
			oldCancel := cancel
			cancel = func() {
				oldCancel()
				stopAfter()
				bridgedCancel()
			}
			finalCtx = bridged
		}
	}

	m.mu.Lock()
	n.ctx = finalCtx
	n.cancel = cancel
	n.status = StatusRunning
	n.err = nil
	if !slices.Contains(m.startOrder, name) {
		m.startOrder = append(m.startOrder, name)
	}
	m.mu.Unlock()

	logger.Debugf("node %s is running", name)
	return nil
}

func (m *Manager) nodeContext(name string) (context.Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.nodes[name]
	if !ok {
		return nil, fmt.Errorf("lifecycle: node %q not registered", name)
	}
	if n.ctx == nil {
		return nil, fmt.Errorf("lifecycle: node %q has no context", name)
	}
	return n.ctx, nil
}

// Shutdown останавливает запущенные узлы в обратном порядке старта.
func (m *Manager) Shutdown() error {
	order := m.StartOrder()
	logger.Debug("shutdown order", zap.Strings("order", order))

	var errs error
	for i := len(order) - 1; i >= 0; i-- {
		if err := m.stopNode(order[i]); err != nil {
			errs = errors.Join(errs, err)
		}
	}
	return errs
}

func (m *Manager) stopNode(name string) error {
	m.mu.Lock()
	n, exists := m.nodes[name]
	if !exists || n.status != StatusRunning {
		m.mu.Unlock()
		return nil
	}
	n.status = StatusStopping
	cancel, stopFn, nodeCtx := n.cancel, n.stop, n.ctx
	m.mu.Unlock()

	logger.Debugf("stopping node %s", name)
	if cancel != nil {
		cancel()
	}
	var err error
	if stopFn != nil {
		if stopErr := stopFn(nodeCtx); stopErr != nil {
			err = fmt.Errorf("stop %s: %w", name, stopErr)
		}
	}

	m.mu.Lock()
	if err != nil {
		n.status, n.err = StatusFailed, err
	} else {
		n.status, n.err = StatusStopped, nil
	}
	m.mu.Unlock()

	if err != nil {
		logger.Error("node stopped with error", zap.String("node", name), zap.Error(err))
	} else {
		logger.Debugf("node %s stopped", name)
	}
	return err
}

// Status возвращает состояние узла.
func (m *Manager) Status(name string) (Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[name]
	if !ok {
		return 0, false
	}
	return n.status, true
}

// StartOrder — фактический порядок старта.
func (m *Manager) StartOrder() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.startOrder)
}

func (m *Manager) setFailed(name string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n, ok := m.nodes[name]; ok {
		n.status = StatusFailed
		n.err = err
	}
}

// Package monitor ведёт одну загрузку альбома: запускает блокирующий вызов
// краулера в пуле воркеров и, пока он идёт, опрашивает каталог задания, сообщая
// наблюдателю о каждой новой готовой странице и периодически о прогрессе.
//
// Каждое задание получает собственный каталог <root>/<uuid>, который передаётся
// краулеру как базовый. Каталог результата ищется только внутри него, поэтому
// параллельные загрузки разных альбомов не путают каталоги друг друга.
//
// Вызовы наблюдателя выполняет отдельная горутина-диспетчер в порядке
// обнаружения: медленный наблюдатель не тормозит опрос. Fetch возвращается
// только после того, как все поставленные вызовы отработали.
package monitor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"jmcomic-bot/internal/adapters/crawler"
	"jmcomic-bot/internal/infra/concurrency"
	"jmcomic-bot/internal/infra/imaging"
	"jmcomic-bot/internal/infra/logger"
	"jmcomic-bot/internal/infra/storage"
)

// UnknownTotal в OnProgress означает, что count — счётчик, а не доля.
const UnknownTotal = -1

const (
	defaultPollInterval  = time.Second
	defaultProgressEvery = 5
)

// Observer получает события загрузки. Оба поля необязательны.
type Observer struct {
	OnImageReady func(path string)
	OnProgress   func(count, total int)
}

// Options — параметры монитора.
type Options struct {
	// Root — корень загрузок; каталоги заданий создаются внутри.
	Root string
	// PollInterval — период опроса каталога.
	PollInterval time.Duration
	// ProgressEvery — каждые сколько опросов сообщать прогресс.
	ProgressEvery int
	// Threads — параллелизм загрузки внутри краулера.
	Threads int
}

// Result — итог загрузки. Пустой Dir — единый признак неудачи.
type Result struct {
	// Dir — каталог со страницами.
	Dir string
	// JobDir — каталог задания; его удаляет вызывающий при очистке.
	JobDir string
	// Canceled — загрузка прервана отменой контекста.
	Canceled bool
	// Images — сколько страниц увидел монитор.
	Images int
}

// OK сообщает, что каталог со страницами найден.
func (r Result) OK() bool { return r.Dir != "" }

// Monitor запускает загрузки через краулер.
type Monitor struct {
	client crawler.Client
	pool   *concurrency.Pool
	opts   Options
	newID  func() string
}

// New создаёт монитор. Нулевые интервалы заменяются значениями по умолчанию.
func New(client crawler.Client, pool *concurrency.Pool, opts Options) *Monitor {
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.ProgressEvery <= 0 {
		opts.ProgressEvery = defaultProgressEvery
	}
	return &Monitor{client: client, pool: pool, opts: opts, newID: uuid.NewString}
}

// job — состояние одной загрузки; принадлежит вызывающей горутине Fetch.
type job struct {
	albumID string
	dir     string
	seen    map[string]struct{}
	disp    *dispatcher
	obs     Observer
}

// Fetch скачивает альбом и возвращает каталог страниц. Ошибки краулера только
// логируются: наружу уходит Result с пустым Dir.
func (m *Monitor) Fetch(ctx context.Context, albumID string, obs Observer) Result {
	jobDir := filepath.Join(m.opts.Root, m.newID())
	if err := storage.EnsureTree(jobDir); err != nil {
		logger.Error("job dir create failed", zap.String("album_id", albumID), zap.Error(err))
		return Result{}
	}
	res := Result{JobDir: jobDir}

	disp := newDispatcher()
	defer disp.closeAndWait()
	j := &job{albumID: albumID, dir: jobDir, seen: make(map[string]struct{}), disp: disp, obs: obs}

	started := time.Now()
	done, err := m.pool.Submit(ctx, func(ctx context.Context) error {
		return m.client.DownloadAlbum(ctx, albumID, crawler.DownloadOptions{BaseDir: jobDir, Threads: m.opts.Threads})
	})
	if err != nil {
		res.Canceled = ctx.Err() != nil
		logger.Error("download not started", zap.String("album_id", albumID), zap.Error(err))
		return res
	}
	logger.Info("download started", zap.String("album_id", albumID), zap.String("job_dir", jobDir))

	fetchErr := m.poll(done, j)

	res.Images = len(j.seen)
	if fetchErr != nil {
		res.Canceled = ctx.Err() != nil
		logger.Error("download failed",
			zap.String("album_id", albumID),
			zap.Bool("canceled", res.Canceled),
			zap.Duration("took", time.Since(started)),
			zap.Error(fetchErr),
		)
		return res
	}

	dir := resolveDir(jobDir, albumID)
	if dir == "" {
		logger.Error("download dir not found", zap.String("album_id", albumID), zap.String("job_dir", jobDir))
		return res
	}
	// Финальный проход: страницы, дописанные после последнего опроса.
	j.scan(dir)
	res.Dir = dir
	res.Images = len(j.seen)
	logger.Info("download finished",
		zap.String("album_id", albumID),
		zap.String("dir", dir),
		zap.Int("images", res.Images),
		zap.Duration("took", time.Since(started)),
	)
	return res
}

// poll опрашивает каталог задания до завершения загрузки и возвращает её ошибку.
func (m *Monitor) poll(done <-chan error, j *job) error {
	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()

	polls, lastReported := 0, 0
	for {
		select {
		case err := <-done:
			return err
		case <-ticker.C:
		}
		polls++
		if dir := resolveDir(j.dir, j.albumID); dir != "" {
			j.scan(dir)
		}
		if polls%m.opts.ProgressEvery == 0 && len(j.seen) != lastReported {
			lastReported = len(j.seen)
			j.progress(lastReported, UnknownTotal)
		}
	}
}

// scan сообщает о непустых страницах, которых ещё не видели. seen только растёт.
func (j *job) scan(dir string) {
	pages, err := imaging.ListPages(dir)
	if err != nil {
		logger.Debug("scan failed", zap.String("dir", dir), zap.Error(err))
		return
	}
	for _, p := range pages {
		if _, ok := j.seen[p]; ok {
			continue
		}
		st, err := os.Stat(p)
		if err != nil || st.Size() == 0 {
			continue
		}
		j.seen[p] = struct{}{}
		if j.obs.OnImageReady != nil {
			path := p
			j.disp.post(func() { j.obs.OnImageReady(path) })
		}
	}
}

func (j *job) progress(count, total int) {
	if j.obs.OnProgress != nil {
		j.disp.post(func() { j.obs.OnProgress(count, total) })
	}
}

// resolveDir ищет каталог страниц внутри каталога задания:
//  1. подкаталог, имя которого содержит id альбома;
//  2. иначе самый свежий по mtime подкаталог;
//  3. иначе сам каталог задания, если в нём лежат страницы.
func resolveDir(jobDir, albumID string) string {
	entries, err := os.ReadDir(jobDir)
	if err != nil {
		return ""
	}
	var (
		newest     string
		newestTime time.Time
	)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if strings.Contains(e.Name(), albumID) {
			return filepath.Join(jobDir, e.Name())
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if newest == "" || info.ModTime().After(newestTime) {
			newest, newestTime = e.Name(), info.ModTime()
		}
	}
	if newest != "" {
		return filepath.Join(jobDir, newest)
	}
	if pages, _ := imaging.ListPages(jobDir); len(pages) > 0 {
		return jobDir
	}
	return ""
}

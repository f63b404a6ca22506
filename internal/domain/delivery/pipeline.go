// Package delivery — конвейер доставки альбома в чат:
//
//	Idle → Downloading → Assembling → SizeChecking → Uploading → Done
//	                  ↘            ↘              ↘            ↘ Aborted
//
// Каждое состояние отражается правкой одного статусного сообщения. Любой сбой
// переводит задание в Aborted с понятным пользователю текстом; наружу ошибки не
// уходят. Временные артефакты (PDF, каталог задания) удаляются при любом исходе,
// удаление best-effort.
package delivery

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"jmcomic-bot/internal/domain/chat"
	"jmcomic-bot/internal/domain/monitor"
	"jmcomic-bot/internal/infra/concurrency"
	"jmcomic-bot/internal/infra/imaging"
	"jmcomic-bot/internal/infra/logger"
	"jmcomic-bot/internal/infra/quota"
	"jmcomic-bot/internal/infra/storage"
)

// State — состояние задания.
type State int

const (
	Idle State = iota
	Downloading
	Assembling
	SizeChecking
	Uploading
	Done
	Aborted
)

var stateNames = [...]string{"Idle", "Downloading", "Assembling", "SizeChecking", "Uploading", "Done", "Aborted"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Fetcher — загрузка альбома (monitor.Monitor).
type Fetcher interface {
	Fetch(ctx context.Context, albumID string, obs monitor.Observer) monitor.Result
}

// Assembler — сборка PDF и превью (imaging.Codec).
type Assembler interface {
	Assemble(ctx context.Context, srcDir, outFile string, opts imaging.Options) bool
	ToJPEG(src, dst string, quality, maxWidth int) error
}

// Recorder — журнал исходов (quota.Store).
type Recorder interface {
	Record(rec quota.Record) error
}

// Options — параметры конвейера.
type Options struct {
	TempDir          string
	MaxFileSizeMB    int
	Quality          int
	AutoCompress     bool
	CompressQuality  int
	CompressMaxWidth int
	MaxTotalPixels   int64
	AutoCleanup      bool
	// ProgressStep — шаг в процентах между правками прогресса при известном total.
	ProgressStep  int
	SendPreview   bool
	PreviewCount  int
	UploadTimeout time.Duration
}

// previewQuality/previewWidth — параметры JPEG-превью для чата.
const (
	previewQuality = 80
	previewWidth   = 1280
)

// Job — одно задание доставки.
type Job struct {
	AlbumID string
	ChatID  int64
	UserID  int64
	// Status — статусное сообщение, которое конвейер правит. Нулевое значение:
	// конвейер отправит своё.
	Status chat.MessageRef
}

// Outcome — итог задания.
type Outcome struct {
	State State
	// From — состояние, из которого задание ушло в Aborted.
	From       State
	Reason     string
	SizeBytes  int64
	Compressed bool
}

// Pipeline выполняет задания доставки. Потокобезопасен: состояние задания живёт в run.
type Pipeline struct {
	fetcher   Fetcher
	assembler Assembler
	pool      *concurrency.Pool
	transport chat.Transport
	recorder  Recorder
	opts      Options
}

// New собирает конвейер. Сборка PDF идёт через pool, чтобы число одновременно
// декодируемых альбомов не превышало его размер. recorder может быть nil.
func New(fetcher Fetcher, assembler Assembler, pool *concurrency.Pool, transport chat.Transport, recorder Recorder, opts Options) *Pipeline {
	if opts.ProgressStep <= 0 {
		opts.ProgressStep = 20
	}
	if opts.UploadTimeout <= 0 {
		opts.UploadTimeout = 2 * time.Minute
	}
	return &Pipeline{fetcher: fetcher, assembler: assembler, pool: pool, transport: transport, recorder: recorder, opts: opts}
}

// run — состояние одного задания.
type run struct {
	p       *Pipeline
	job     Job
	state   State
	status  chat.MessageRef
	pdfPath string
	jobDir  string
	started time.Time
}

// Run проводит задание через все состояния и возвращает исход.
func (p *Pipeline) Run(ctx context.Context, job Job) Outcome {
	r := &run{p: p, job: job, state: Idle, status: job.Status, started: time.Now()}
	out := r.execute(ctx)
	r.cleanup(out)
	p.record(job, out, time.Since(r.started))
	logger.Info("delivery finished",
		zap.String("album_id", job.AlbumID),
		zap.Int64("chat_id", job.ChatID),
		zap.Stringer("state", out.State),
		zap.Stringer("from", out.From),
		zap.String("reason", out.Reason),
		zap.Int64("size", out.SizeBytes),
		zap.Duration("took", time.Since(r.started)),
	)
	return out
}

// assemble собирает PDF в слоте пула. Отказ пула (отмена, закрытие) — неудача сборки.
func (r *run) assemble(ctx context.Context, dir string, compress bool) bool {
	ok := false
	err := r.p.pool.Run(ctx, func(ctx context.Context) error {
		ok = r.p.assembler.Assemble(ctx, dir, r.pdfPath, r.assembleOptions(compress))
		return nil
	})
	if err != nil {
		logger.Warn("assemble not started", zap.String("album_id", r.job.AlbumID), zap.Error(err))
		return false
	}
	return ok
}

func (r *run) execute(ctx context.Context) Outcome {
	if r.status.MessageID == 0 {
		ref, err := r.p.transport.SendText(ctx, r.job.ChatID, textStarted(r.job.AlbumID), chat.Markup{})
		if err != nil {
			logger.Warn("status message failed", zap.Int64("chat_id", r.job.ChatID), zap.Error(err))
		}
		r.status = ref
	}

	// Downloading
	r.enter(Downloading)
	res := r.p.fetcher.Fetch(ctx, r.job.AlbumID, r.observer(ctx))
	r.jobDir = res.JobDir
	if res.Canceled || ctx.Err() != nil {
		return r.abort(ctx, "canceled", textCanceled(r.job.AlbumID))
	}
	if !res.OK() {
		return r.abort(ctx, "download failed", textDownloadFailed(r.job.AlbumID))
	}

	// Assembling
	r.enter(Assembling)
	r.edit(ctx, textAssembling)
	r.pdfPath = filepath.Join(r.p.opts.TempDir, fmt.Sprintf("%s-%s.pdf", r.job.AlbumID, filepath.Base(res.JobDir)))
	if !r.assemble(ctx, res.Dir, false) {
		if ctx.Err() != nil {
			return r.abort(ctx, "canceled", textCanceled(r.job.AlbumID))
		}
		return r.abort(ctx, "pdf generation failed", textAssembleFailed)
	}

	// SizeChecking
	r.enter(SizeChecking)
	limit := int64(r.p.opts.MaxFileSizeMB) * mb
	size, err := storage.FileSize(r.pdfPath)
	if err != nil {
		return r.abort(ctx, "pdf generation failed", textAssembleFailed)
	}
	compressed := false
	if size > limit && r.p.opts.AutoCompress {
		logger.Info("pdf over limit, compressing",
			zap.String("album_id", r.job.AlbumID),
			zap.Int64("size", size),
			zap.Int64("limit", limit),
		)
		r.edit(ctx, textCompressing(sizeMB(size)))
		if !r.assemble(ctx, res.Dir, true) {
			return r.abort(ctx, "pdf generation failed", textAssembleFailed)
		}
		compressed = true
		if size, err = storage.FileSize(r.pdfPath); err != nil {
			return r.abort(ctx, "pdf generation failed", textAssembleFailed)
		}
	}
	if size > limit {
		out := r.abort(ctx, "file too large", textTooLarge(sizeMB(size), r.p.opts.MaxFileSizeMB))
		out.SizeBytes, out.Compressed = size, compressed
		return out
	}

	// Uploading
	r.enter(Uploading)
	r.edit(ctx, textUploading(sizeMB(size)))
	uploadCtx, cancel := context.WithTimeout(ctx, r.p.opts.UploadTimeout)
	err = r.p.transport.SendDocument(uploadCtx, r.job.ChatID, chat.Document{
		Path:     r.pdfPath,
		FileName: r.job.AlbumID + ".pdf",
		Caption:  captionDocument(r.job.AlbumID, sizeMB(size)),
	})
	cancel()
	if err != nil {
		logger.Error("upload failed", zap.String("album_id", r.job.AlbumID), zap.Error(err))
		out := r.abort(ctx, "upload failed: "+err.Error(), textUploadFailed(err))
		out.SizeBytes, out.Compressed = size, compressed
		return out
	}

	// Done
	r.enter(Done)
	if r.status.MessageID != 0 {
		if err := r.p.transport.Delete(ctx, r.status); err != nil {
			logger.Debug("status delete failed", zap.Error(err))
		}
	}
	return Outcome{State: Done, From: Uploading, SizeBytes: size, Compressed: compressed}
}

func (r *run) assembleOptions(compress bool) imaging.Options {
	o := imaging.Options{Quality: r.p.opts.Quality, MaxTotalPixels: r.p.opts.MaxTotalPixels}
	if compress {
		o.Quality = r.p.opts.CompressQuality
		o.MaxWidth = r.p.opts.CompressMaxWidth
	}
	return o
}

func (r *run) enter(s State) {
	logger.Debug("delivery state",
		zap.String("album_id", r.job.AlbumID),
		zap.Stringer("from", r.state),
		zap.Stringer("to", s),
	)
	r.state = s
}

// abort переводит задание в Aborted и показывает text в статусе.
func (r *run) abort(ctx context.Context, reason, text string) Outcome {
	from := r.state
	r.enter(Aborted)
	// Статус правим и при отменённом ctx: пользователь должен увидеть итог.
	r.edit(context.WithoutCancel(ctx), text)
	return Outcome{State: Aborted, From: from, Reason: reason}
}

func (r *run) edit(ctx context.Context, text string) {
	if r.status.MessageID == 0 {
		return
	}
	if err := r.p.transport.EditText(ctx, r.status, text, chat.Markup{}); err != nil {
		logger.Debug("status edit failed", zap.Int64("chat_id", r.job.ChatID), zap.Error(err))
	}
}

// cleanup удаляет PDF всегда и каталог задания при AutoCleanup.
func (r *run) cleanup(out Outcome) {
	if r.pdfPath != "" {
		storage.RemoveFile(r.pdfPath)
	}
	if r.p.opts.AutoCleanup && r.jobDir != "" {
		storage.RemoveTree(r.jobDir)
	}
	logger.Debug("delivery cleanup", zap.String("album_id", r.job.AlbumID), zap.Stringer("state", out.State))
}

// observer связывает события монитора с правками статуса и превью.
// Вызовы идут последовательно из диспетчера монитора.
func (r *run) observer(ctx context.Context) monitor.Observer {
	var (
		mu          sync.Mutex
		lastPercent int
		lastCount   = -1
		previews    int
	)
	obs := monitor.Observer{
		OnProgress: func(count, total int) {
			mu.Lock()
			defer mu.Unlock()
			if total > 0 {
				percent := count * 100 / total
				if percent-lastPercent < r.p.opts.ProgressStep {
					return
				}
				lastPercent = percent
				r.edit(ctx, textProgressPercent(r.job.AlbumID, count, total, percent))
				return
			}
			if count == lastCount {
				return
			}
			lastCount = count
			r.edit(ctx, textProgressCount(r.job.AlbumID, count))
		},
	}
	if r.p.opts.SendPreview && r.p.opts.PreviewCount > 0 {
		obs.OnImageReady = func(path string) {
			mu.Lock()
			if previews >= r.p.opts.PreviewCount {
				mu.Unlock()
				return
			}
			previews++
			n := previews
			mu.Unlock()
			r.sendPreview(ctx, path, n)
		}
	}
	return obs
}

func (r *run) sendPreview(ctx context.Context, path string, n int) {
	dst := filepath.Join(r.p.opts.TempDir, fmt.Sprintf("%s-preview-%d-%d.jpg", r.job.AlbumID, r.job.ChatID, n))
	defer storage.RemoveFile(dst)
	if err := r.p.assembler.ToJPEG(path, dst, previewQuality, previewWidth); err != nil {
		logger.Warn("preview convert failed", zap.String("file", filepath.Base(path)), zap.Error(err))
		return
	}
	if err := r.p.transport.SendPhoto(ctx, r.job.ChatID, dst, captionPreview(r.job.AlbumID, n)); err != nil {
		logger.Warn("preview send failed", zap.Int64("chat_id", r.job.ChatID), zap.Error(err))
	}
}

func (p *Pipeline) record(job Job, out Outcome, took time.Duration) {
	if p.recorder == nil {
		return
	}
	err := p.recorder.Record(quota.Record{
		AlbumID:   job.AlbumID,
		UserID:    job.UserID,
		ChatID:    job.ChatID,
		State:     out.State.String(),
		Reason:    out.Reason,
		SizeBytes: out.SizeBytes,
		Took:      took.Seconds(),
	})
	if err != nil {
		logger.Warn("history record failed", zap.String("album_id", job.AlbumID), zap.Error(err))
	}
}

// Package router — командная поверхность бота. Переводит входящие события чата
// (команды, кнопки меню, inline-кнопки, свободный ввод) в вызовы поиска, деталей
// и конвейера доставки.
//
// Что здесь решается:
//  1. разбор команд /start /help /search /download /info /cancel /history;
//  2. диалог через постоянное меню: кнопка → ожидание ввода → действие → меню;
//  3. список допуска (пустой список — публичный режим);
//  4. часовые квоты на поиск и загрузку, одна активная загрузка на чат;
//  5. подавление повторных нажатий download_<id> в окне дедупликации;
//  6. отмена активной загрузки (/cancel) и общий таймаут загрузки.
//
// Каждое событие обрабатывается в своей горутине; паника обработчика
// перехватывается и логируется.
package router

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"
	"unicode"

	"go.uber.org/zap"

	"jmcomic-bot/internal/domain/album"
	"jmcomic-bot/internal/domain/chat"
	"jmcomic-bot/internal/domain/delivery"
	"jmcomic-bot/internal/domain/lookup"
	"jmcomic-bot/internal/infra/concurrency"
	"jmcomic-bot/internal/infra/logger"
	"jmcomic-bot/internal/infra/quota"
)

// Lookup — поиск и детали (lookup.Adapter).
type Lookup interface {
	Search(ctx context.Context, keyword string, limit int) []album.Summary
	Details(ctx context.Context, albumID string) (album.Detail, bool)
}

// Deliverer — конвейер доставки (delivery.Pipeline).
type Deliverer interface {
	Run(ctx context.Context, job delivery.Job) delivery.Outcome
}

// Quotas — квоты и журнал (quota.Store).
type Quotas interface {
	Allow(userID int64, kind quota.Kind, limit int) (bool, int, error)
	Refund(userID int64, kind quota.Kind) error
	Usage(userID int64, kind quota.Kind) (int, error)
	History(userID int64, n int) ([]quota.Record, error)
}

// Options — параметры роутера.
type Options struct {
	AllowedUsers        []int64
	SearchLimit         int
	MaxDownloadsPerHour int
	MaxSearchesPerHour  int
	// DownloadTimeout ограничивает задание целиком; 0 — без ограничения.
	DownloadTimeout time.Duration
	MaxFileSizeMB   int
	AutoCompress    bool
}

// action — ожидаемый ввод после кнопки меню.
type action int

const (
	actionNone action = iota
	actionSearch
	actionDownload
	actionInfo
)

// activeDownload — загрузка, идущая в чате.
type activeDownload struct {
	albumID string
	cancel  context.CancelFunc
}

// Router маршрутизирует события чата.
type Router struct {
	lookup    Lookup
	pipeline  Deliverer
	transport chat.Transport
	quotas    Quotas
	dedup     *concurrency.Deduplicator
	opts      Options
	allowed   map[int64]struct{}

	mu      sync.Mutex
	waiting map[int64]action
	active  map[int64]activeDownload

	wg sync.WaitGroup
}

// New собирает роутер. quotas и dedup могут быть nil.
func New(lk Lookup, pipeline Deliverer, transport chat.Transport, quotas Quotas,
	dedup *concurrency.Deduplicator, opts Options) *Router {
	if opts.SearchLimit <= 0 {
		opts.SearchLimit = 5
	}
	allowed := make(map[int64]struct{}, len(opts.AllowedUsers))
	for _, id := range opts.AllowedUsers {
		allowed[id] = struct{}{}
	}
	return &Router{
		lookup:    lk,
		pipeline:  pipeline,
		transport: transport,
		quotas:    quotas,
		dedup:     dedup,
		opts:      opts,
		allowed:   allowed,
		waiting:   make(map[int64]action),
		active:    make(map[int64]activeDownload),
	}
}

// Serve читает события из src до отмены ctx и ждёт завершения обработчиков.
func (r *Router) Serve(ctx context.Context, src chat.Source) error {
	err := src.Listen(ctx, r.Dispatch)
	r.Wait()
	return err
}

// Dispatch запускает обработку события в отдельной горутине.
func (r *Router) Dispatch(ctx context.Context, u chat.Update) {
	r.wg.Go(func() {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error("handler panic",
					zap.Int64("chat_id", u.ChatID),
					zap.Any("panic", rec),
					zap.ByteString("stack", debug.Stack()),
				)
			}
		}()
		r.Handle(ctx, u)
	})
}

// Wait ждёт завершения всех запущенных обработчиков.
func (r *Router) Wait() { r.wg.Wait() }

// Handle синхронно обрабатывает одно событие.
func (r *Router) Handle(ctx context.Context, u chat.Update) {
	logger.Debug("update",
		zap.Int64("chat_id", u.ChatID),
		zap.Int64("user_id", u.UserID),
		zap.String("text", u.Text),
		zap.String("callback", u.CallbackData),
	)
	if u.IsCallback() {
		r.onCallback(ctx, u)
		return
	}
	text := strings.TrimSpace(u.Text)
	if text == "" {
		return
	}
	if strings.HasPrefix(text, "/") {
		r.onCommand(ctx, u, text)
		return
	}
	if r.onMenu(ctx, u, text) {
		return
	}
	r.onInput(ctx, u, text)
}

// IsAllowed сообщает, допущен ли пользователь.
func (r *Router) IsAllowed(userID int64) bool {
	if len(r.allowed) == 0 {
		return true
	}
	_, ok := r.allowed[userID]
	return ok
}

func (r *Router) onCommand(ctx context.Context, u chat.Update, text string) {
	name, args := splitCommand(text)
	switch name {
	case "start":
		r.setWaiting(u.ChatID, actionNone)
		if r.IsAllowed(u.UserID) {
			r.reply(ctx, u.ChatID, textWelcome(u.UserID, true), mainMenu())
		} else {
			r.reply(ctx, u.ChatID, textWelcome(u.UserID, false), chat.Markup{})
		}
	case "help":
		r.setWaiting(u.ChatID, actionNone)
		r.reply(ctx, u.ChatID, textHelp(r.opts.MaxFileSizeMB, r.opts.AutoCompress), mainMenu())
	case "search":
		r.search(ctx, u, args)
	case "download":
		r.download(ctx, u, firstField(args), chat.MessageRef{})
	case "info":
		r.info(ctx, u, firstField(args))
	case "cancel":
		r.cancel(ctx, u)
	case "history":
		r.history(ctx, u)
	default:
		r.reply(ctx, u.ChatID, textUnknown, chat.Markup{})
	}
}

// onMenu обрабатывает кнопки постоянного меню. false — текст не кнопка.
func (r *Router) onMenu(ctx context.Context, u chat.Update, text string) bool {
	var (
		next   action
		prompt string
	)
	switch text {
	case buttonSearch:
		next, prompt = actionSearch, textPromptSearch
	case buttonDownload:
		next, prompt = actionDownload, textPromptDownload
	case buttonInfo:
		next, prompt = actionInfo, textPromptInfo
	case buttonHelp:
		r.setWaiting(u.ChatID, actionNone)
		r.reply(ctx, u.ChatID, textHelp(r.opts.MaxFileSizeMB, r.opts.AutoCompress), mainMenu())
		return true
	default:
		return false
	}
	if !r.authorize(ctx, u) {
		r.setWaiting(u.ChatID, actionNone)
		return true
	}
	r.setWaiting(u.ChatID, next)
	r.reply(ctx, u.ChatID, prompt, chat.Markup{})
	return true
}

// onInput выполняет ожидаемое действие со свободным вводом и возвращает диалог в меню.
func (r *Router) onInput(ctx context.Context, u chat.Update, text string) {
	r.mu.Lock()
	act := r.waiting[u.ChatID]
	delete(r.waiting, u.ChatID)
	r.mu.Unlock()

	switch act {
	case actionSearch:
		r.search(ctx, u, text)
	case actionDownload:
		r.download(ctx, u, firstField(text), chat.MessageRef{})
	case actionInfo:
		r.info(ctx, u, firstField(text))
	default:
		logger.Debug("free text ignored", zap.Int64("chat_id", u.ChatID))
	}
}

func (r *Router) onCallback(ctx context.Context, u chat.Update) {
	data := u.CallbackData
	if !strings.HasPrefix(data, downloadPrefix) {
		r.answer(ctx, u.CallbackID, "")
		return
	}
	if r.dedup != nil && r.dedup.Seen(fmt.Sprintf("%d:%s", u.ChatID, data)) {
		r.answer(ctx, u.CallbackID, textCallbackDup)
		return
	}
	if !r.IsAllowed(u.UserID) {
		r.answer(ctx, u.CallbackID, "")
		r.reply(ctx, u.ChatID, textUnauthorized(u.UserID), chat.Markup{})
		return
	}
	r.answer(ctx, u.CallbackID, textCallbackStart)
	r.download(ctx, u, strings.TrimPrefix(data, downloadPrefix), chat.MessageRef{})
}

func (r *Router) search(ctx context.Context, u chat.Update, keyword string) {
	if !r.authorize(ctx, u) {
		return
	}
	keyword = strings.TrimSpace(keyword)
	if keyword == "" {
		r.reply(ctx, u.ChatID, textNeedKeyword, chat.Markup{})
		return
	}
	if !r.allow(ctx, u, quota.KindSearch, r.opts.MaxSearchesPerHour, textSearchQuota) {
		return
	}

	status := r.reply(ctx, u.ChatID, textSearching(keyword), chat.Markup{})
	results := r.lookup.Search(ctx, keyword, r.opts.SearchLimit)
	if len(results) == 0 {
		r.show(ctx, u.ChatID, status, textNotFound(keyword), chat.Markup{})
		return
	}
	text, markup := textResults(results)
	r.show(ctx, u.ChatID, status, text, markup)
}

func (r *Router) info(ctx context.Context, u chat.Update, raw string) {
	if !r.authorize(ctx, u) {
		return
	}
	if raw == "" {
		r.reply(ctx, u.ChatID, textNeedInfoID, chat.Markup{})
		return
	}
	albumID, ok := lookup.ParseID(raw)
	if !ok {
		r.reply(ctx, u.ChatID, textBadID(raw), chat.Markup{})
		return
	}

	status := r.reply(ctx, u.ChatID, textFetchingInfo(albumID), chat.Markup{})
	detail, ok := r.lookup.Details(ctx, albumID)
	if !ok {
		r.show(ctx, u.ChatID, status, textInfoFailed(albumID), chat.Markup{})
		return
	}
	text, markup := textInfo(detail)
	r.show(ctx, u.ChatID, status, text, markup)
}

func (r *Router) download(ctx context.Context, u chat.Update, raw string, status chat.MessageRef) {
	if !r.authorize(ctx, u) {
		return
	}
	if raw == "" {
		r.reply(ctx, u.ChatID, textNeedDownloadID, chat.Markup{})
		return
	}
	albumID, ok := lookup.ParseID(raw)
	if !ok {
		r.reply(ctx, u.ChatID, textBadID(raw), chat.Markup{})
		return
	}

	jobCtx, cancel := r.jobContext(ctx)
	defer cancel()
	if busy, ok := r.begin(u.ChatID, albumID, cancel); !ok {
		r.reply(ctx, u.ChatID, textBusy(busy), chat.Markup{})
		return
	}
	defer r.end(u.ChatID)

	if !r.allow(ctx, u, quota.KindDownload, r.opts.MaxDownloadsPerHour, textDownloadQuota) {
		return
	}

	out := r.pipeline.Run(jobCtx, delivery.Job{AlbumID: albumID, ChatID: u.ChatID, UserID: u.UserID, Status: status})
	// Неудачная загрузка (неверный id, сбой сайта) не расходует квоту.
	if out.State == delivery.Aborted && out.From == delivery.Downloading && r.quotas != nil {
		if err := r.quotas.Refund(u.UserID, quota.KindDownload); err != nil {
			logger.Warn("quota refund failed", zap.Int64("user_id", u.UserID), zap.Error(err))
		}
	}
}

func (r *Router) jobContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.opts.DownloadTimeout > 0 {
		return context.WithTimeout(ctx, r.opts.DownloadTimeout)
	}
	return context.WithCancel(ctx)
}

// begin регистрирует загрузку чата. При занятости возвращает id текущего альбома.
func (r *Router) begin(chatID int64, albumID string, cancel context.CancelFunc) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.active[chatID]; ok {
		return cur.albumID, false
	}
	r.active[chatID] = activeDownload{albumID: albumID, cancel: cancel}
	return "", true
}

func (r *Router) end(chatID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, chatID)
}

// ActiveDownloads — число загрузок, идущих прямо сейчас.
func (r *Router) ActiveDownloads() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

func (r *Router) cancel(ctx context.Context, u chat.Update) {
	r.mu.Lock()
	cur, ok := r.active[u.ChatID]
	delete(r.waiting, u.ChatID)
	r.mu.Unlock()

	if ok {
		logger.Info("download cancel requested", zap.Int64("chat_id", u.ChatID), zap.String("album_id", cur.albumID))
		cur.cancel()
		r.reply(ctx, u.ChatID, textCancelling(cur.albumID), chat.Markup{})
		return
	}
	r.reply(ctx, u.ChatID, textCanceledMenu, mainMenu())
}

func (r *Router) history(ctx context.Context, u chat.Update) {
	if !r.authorize(ctx, u) {
		return
	}
	if r.quotas == nil {
		r.reply(ctx, u.ChatID, textHistoryEmpty, chat.Markup{})
		return
	}
	recs, err := r.quotas.History(u.UserID, historyMax)
	if err != nil {
		logger.Error("history read failed", zap.Int64("user_id", u.UserID), zap.Error(err))
	}
	if len(recs) == 0 {
		r.reply(ctx, u.ChatID, textHistoryEmpty, chat.Markup{})
		return
	}
	used, err := r.quotas.Usage(u.UserID, quota.KindDownload)
	if err != nil {
		logger.Warn("quota usage failed", zap.Int64("user_id", u.UserID), zap.Error(err))
	}
	r.reply(ctx, u.ChatID, textHistory(recs, used, r.opts.MaxDownloadsPerHour), chat.Markup{})
}

// authorize отвечает отказом неразрешённому пользователю.
func (r *Router) authorize(ctx context.Context, u chat.Update) bool {
	if r.IsAllowed(u.UserID) {
		return true
	}
	logger.Warn("unauthorized access", zap.Int64("user_id", u.UserID), zap.Int64("chat_id", u.ChatID))
	r.reply(ctx, u.ChatID, textUnauthorized(u.UserID), chat.Markup{})
	return false
}

// allow проверяет квоту; при исчерпании отвечает текстом deny(limit).
func (r *Router) allow(ctx context.Context, u chat.Update, kind quota.Kind, limit int, deny func(int) string) bool {
	if r.quotas == nil || limit <= 0 {
		return true
	}
	ok, remaining, err := r.quotas.Allow(u.UserID, kind, limit)
	if err != nil {
		logger.Error("quota check failed", zap.Int64("user_id", u.UserID), zap.String("kind", string(kind)), zap.Error(err))
		r.reply(ctx, u.ChatID, textQuotaFailed, chat.Markup{})
		return false
	}
	if !ok {
		logger.Info("quota exceeded", zap.Int64("user_id", u.UserID), zap.String("kind", string(kind)))
		r.reply(ctx, u.ChatID, deny(limit), chat.Markup{})
		return false
	}
	logger.Debug("quota allowed", zap.Int64("user_id", u.UserID), zap.String("kind", string(kind)), zap.Int("remaining", remaining))
	return true
}

func (r *Router) setWaiting(chatID int64, a action) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a == actionNone {
		delete(r.waiting, chatID)
		return
	}
	r.waiting[chatID] = a
}

func (r *Router) reply(ctx context.Context, chatID int64, text string, markup chat.Markup) chat.MessageRef {
	ref, err := r.transport.SendText(ctx, chatID, text, markup)
	if err != nil {
		logger.Error("send failed", zap.Int64("chat_id", chatID), zap.Error(err))
	}
	return ref
}

// show правит статус, а если статуса нет (отправка не удалась) — шлёт новое сообщение.
func (r *Router) show(ctx context.Context, chatID int64, status chat.MessageRef, text string, markup chat.Markup) {
	if status.MessageID == 0 {
		r.reply(ctx, chatID, text, markup)
		return
	}
	if err := r.transport.EditText(ctx, status, text, markup); err != nil {
		logger.Error("edit failed", zap.Int64("chat_id", chatID), zap.Error(err))
	}
}

func (r *Router) answer(ctx context.Context, callbackID, text string) {
	if err := r.transport.AnswerCallback(ctx, callbackID, text); err != nil {
		logger.Debug("callback answer failed", zap.Error(err))
	}
}

// splitCommand разбирает "/cmd@bot args" → ("cmd", "args").
func splitCommand(text string) (string, string) {
	text = strings.TrimPrefix(text, "/")
	name, args := text, ""
	if i := strings.IndexFunc(text, unicode.IsSpace); i >= 0 {
		name, args = text[:i], text[i:]
	}
	name, _, _ = strings.Cut(name, "@")
	return strings.ToLower(name), strings.TrimSpace(args)
}

func firstField(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

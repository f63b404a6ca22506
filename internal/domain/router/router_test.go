package router

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"jmcomic-bot/internal/domain/album"
	"jmcomic-bot/internal/domain/chat"
	"jmcomic-bot/internal/domain/delivery"
	"jmcomic-bot/internal/infra/concurrency"
	"jmcomic-bot/internal/infra/quota"
)

type sent struct {
	chatID int64
	text   string
	markup chat.Markup
}

type fakeTransport struct {
	mu      sync.Mutex
	sent    []sent
	edits   []sent
	answers []string
	nextID  int
}

func (t *fakeTransport) SendText(_ context.Context, chatID int64, text string, markup chat.Markup) (chat.MessageRef, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, sent{chatID: chatID, text: text, markup: markup})
	t.nextID++
	return chat.MessageRef{ChatID: chatID, MessageID: t.nextID}, nil
}

func (t *fakeTransport) EditText(_ context.Context, ref chat.MessageRef, text string, markup chat.Markup) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.edits = append(t.edits, sent{chatID: ref.ChatID, text: text, markup: markup})
	return nil
}

func (t *fakeTransport) Delete(context.Context, chat.MessageRef) error { return nil }

func (t *fakeTransport) SendDocument(context.Context, int64, chat.Document) error { return nil }

func (t *fakeTransport) SendPhoto(context.Context, int64, string, string) error { return nil }

func (t *fakeTransport) AnswerCallback(_ context.Context, _ string, text string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.answers = append(t.answers, text)
	return nil
}

func (t *fakeTransport) lastSent() sent {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.sent) == 0 {
		return sent{}
	}
	return t.sent[len(t.sent)-1]
}

func (t *fakeTransport) lastEdit() sent {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.edits) == 0 {
		return sent{}
	}
	return t.edits[len(t.edits)-1]
}

type fakeLookup struct {
	results  []album.Summary
	detail   album.Detail
	found    bool
	keywords []string
	limit    int
	details  int
}

func (l *fakeLookup) Search(_ context.Context, keyword string, limit int) []album.Summary {
	l.keywords = append(l.keywords, keyword)
	l.limit = limit
	return l.results
}

func (l *fakeLookup) Details(context.Context, string) (album.Detail, bool) {
	l.details++
	return l.detail, l.found
}

// fakeDeliverer блокируется на release, если он задан.
type fakeDeliverer struct {
	mu      sync.Mutex
	jobs    []delivery.Job
	outcome delivery.Outcome
	started chan struct{}
	release chan struct{}
}

func (d *fakeDeliverer) Run(ctx context.Context, job delivery.Job) delivery.Outcome {
	d.mu.Lock()
	d.jobs = append(d.jobs, job)
	d.mu.Unlock()
	if d.started != nil {
		d.started <- struct{}{}
	}
	if d.release != nil {
		select {
		case <-d.release:
		case <-ctx.Done():
			return delivery.Outcome{State: delivery.Aborted, From: delivery.Downloading, Reason: "canceled"}
		}
	}
	return d.outcome
}

func (d *fakeDeliverer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.jobs)
}

type fakeQuotas struct {
	mu      sync.Mutex
	used    map[quota.Kind]int
	refunds int
	history []quota.Record
}

func newFakeQuotas() *fakeQuotas {
	return &fakeQuotas{used: make(map[quota.Kind]int)}
}

func (q *fakeQuotas) Allow(_ int64, kind quota.Kind, limit int) (bool, int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.used[kind] >= limit {
		return false, 0, nil
	}
	q.used[kind]++
	return true, limit - q.used[kind], nil
}

func (q *fakeQuotas) Refund(_ int64, kind quota.Kind) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.used[kind]--
	q.refunds++
	return nil
}

func (q *fakeQuotas) Usage(_ int64, kind quota.Kind) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.used[kind], nil
}

func (q *fakeQuotas) History(int64, int) ([]quota.Record, error) {
	return q.history, nil
}

type fixture struct {
	router    *Router
	transport *fakeTransport
	lookup    *fakeLookup
	deliverer *fakeDeliverer
	quotas    *fakeQuotas
}

func newFixture(opts Options) *fixture {
	f := &fixture{
		transport: &fakeTransport{},
		lookup:    &fakeLookup{},
		deliverer: &fakeDeliverer{outcome: delivery.Outcome{State: delivery.Done, From: delivery.Uploading}},
		quotas:    newFakeQuotas(),
	}
	if opts.MaxFileSizeMB == 0 {
		opts.MaxFileSizeMB = 50
	}
	f.router = New(f.lookup, f.deliverer, f.transport, f.quotas, concurrency.NewDeduplicator(5), opts)
	return f
}

func text(chatID, userID int64, s string) chat.Update {
	return chat.Update{ChatID: chatID, UserID: userID, MessageID: 1, Text: s}
}

func TestAllowList(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		allowed []int64
		userID  int64
		want    bool
	}{
		{name: "publicMode", allowed: nil, userID: 42, want: true},
		{name: "listed", allowed: []int64{1, 42}, userID: 42, want: true},
		{name: "notListed", allowed: []int64{1}, userID: 42, want: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(Options{AllowedUsers: tc.allowed})
			require.Equal(t, tc.want, f.router.IsAllowed(tc.userID))

			f.router.Handle(context.Background(), text(5, tc.userID, "/search foo"))
			if tc.want {
				require.Equal(t, []string{"foo"}, f.lookup.keywords)
			} else {
				require.Empty(t, f.lookup.keywords)
				require.Contains(t, f.transport.lastSent().text, "未授权访问")
				require.Contains(t, f.transport.lastSent().text, "42")
			}
		})
	}
}

func TestStartShowsMenu(t *testing.T) {
	t.Parallel()

	f := newFixture(Options{AllowedUsers: []int64{1}})
	f.router.Handle(context.Background(), text(5, 1, "/start"))
	last := f.transport.lastSent()
	require.Contains(t, last.text, "请选择操作")
	require.Equal(t, mainMenu().Menu, last.markup.Menu)

	f.router.Handle(context.Background(), text(6, 2, "/start@comic_bot"))
	last = f.transport.lastSent()
	require.Contains(t, last.text, "您的 ID: 2")
	require.True(t, last.markup.Empty())
}

func TestSearch(t *testing.T) {
	t.Parallel()

	t.Run("noResults", func(t *testing.T) {
		t.Parallel()
		f := newFixture(Options{SearchLimit: 3})
		f.router.Handle(context.Background(), text(5, 1, "/search 不存在的"))
		require.Equal(t, 3, f.lookup.limit)
		require.Contains(t, f.transport.lastEdit().text, "没有找到匹配的漫画")
	})

	t.Run("buttons", func(t *testing.T) {
		t.Parallel()
		f := newFixture(Options{})
		f.lookup.results = []album.Summary{
			{ID: "350234", Title: "僕の乳母メイド", Author: "someone"},
			{ID: "1222345", Title: strings.Repeat("長", 30), Author: album.Unknown},
		}
		f.router.Handle(context.Background(), text(5, 1, "/search 乳母"))

		edit := f.transport.lastEdit()
		require.Contains(t, edit.text, "找到 2 个结果")
		require.Len(t, edit.markup.Inline, 2)
		require.Equal(t, "download_350234", edit.markup.Inline[0][0].Data)
		require.Equal(t, "📥 1222345 - "+strings.Repeat("長", 20)+"...", edit.markup.Inline[1][0].Text)
	})

	t.Run("missingKeyword", func(t *testing.T) {
		t.Parallel()
		f := newFixture(Options{})
		f.router.Handle(context.Background(), text(5, 1, "/search"))
		require.Contains(t, f.transport.lastSent().text, "请提供搜索关键词")
		require.Empty(t, f.lookup.keywords)
	})

	t.Run("quota", func(t *testing.T) {
		t.Parallel()
		f := newFixture(Options{MaxSearchesPerHour: 1})
		f.router.Handle(context.Background(), text(5, 1, "/search a"))
		f.router.Handle(context.Background(), text(5, 1, "/search b"))
		require.Equal(t, []string{"a"}, f.lookup.keywords)
		require.Contains(t, f.transport.lastSent().text, "每小时搜索上限 (1 次)")
	})
}

func TestInfo(t *testing.T) {
	t.Parallel()

	f := newFixture(Options{})
	f.lookup.found = true
	f.lookup.detail = album.Detail{
		ID: "350234", Title: "T", Author: "A", Category: "doujin",
		Tags: []string{"a", "b", "c", "d", "e", "f"}, PageCount: 24, UpdateDate: "2024-01-02",
	}
	f.router.Handle(context.Background(), text(5, 1, "/info JM350234"))

	edit := f.transport.lastEdit()
	require.Contains(t, edit.text, "页数: 24 页")
	require.Contains(t, edit.text, "标签: a, b, c, d, e\n")
	require.Equal(t, "download_350234", edit.markup.Inline[0][0].Data)

	f.lookup.found = false
	f.router.Handle(context.Background(), text(5, 1, "/info 1"))
	require.Contains(t, f.transport.lastEdit().text, "获取失败")

	f.router.Handle(context.Background(), text(5, 1, "/info abc"))
	require.Contains(t, f.transport.lastSent().text, "无效的漫画 ID: abc")
}

func TestDownloadRefundsFailedFetch(t *testing.T) {
	t.Parallel()

	f := newFixture(Options{MaxDownloadsPerHour: 1})
	f.deliverer.outcome = delivery.Outcome{State: delivery.Aborted, From: delivery.Downloading, Reason: "download failed"}
	f.router.Handle(context.Background(), text(5, 1, "/download 999"))
	f.router.Handle(context.Background(), text(5, 1, "/download 998"))

	require.Equal(t, 2, f.deliverer.count(), "refunded quota admits the next job")
	require.Equal(t, 2, f.quotas.refunds)
	require.Equal(t, "998", f.deliverer.jobs[1].AlbumID)
	require.Equal(t, int64(1), f.deliverer.jobs[1].UserID)
}

func TestDownloadQuota(t *testing.T) {
	t.Parallel()

	f := newFixture(Options{MaxDownloadsPerHour: 1})
	f.router.Handle(context.Background(), text(5, 1, "/download 1"))
	f.router.Handle(context.Background(), text(5, 1, "/download 2"))
	require.Equal(t, 1, f.deliverer.count())
	require.Contains(t, f.transport.lastSent().text, "每小时下载上限 (1 次)")
}

func TestDownloadBusyAndCancel(t *testing.T) {
	t.Parallel()

	f := newFixture(Options{})
	f.deliverer.started = make(chan struct{}, 1)
	f.deliverer.release = make(chan struct{})

	ctx := context.Background()
	f.router.Dispatch(ctx, text(5, 1, "/download 350234"))
	<-f.deliverer.started
	require.Equal(t, 1, f.router.ActiveDownloads())

	f.router.Handle(ctx, text(5, 1, "/download 1"))
	require.Contains(t, f.transport.lastSent().text, "当前已有下载任务 (ID: 350234)")
	require.Equal(t, 1, f.deliverer.count())

	f.router.Handle(ctx, text(5, 1, "/cancel"))
	require.Contains(t, f.transport.lastSent().text, "正在取消下载 ID: 350234")

	f.router.Wait()
	require.Zero(t, f.router.ActiveDownloads())

	f.router.Handle(ctx, text(5, 1, "/cancel"))
	last := f.transport.lastSent()
	require.Contains(t, last.text, "操作已取消")
	require.Equal(t, mainMenu().Menu, last.markup.Menu)
}

func TestDownloadTimeout(t *testing.T) {
	t.Parallel()

	f := newFixture(Options{DownloadTimeout: 20 * time.Millisecond})
	f.deliverer.release = make(chan struct{})
	f.router.Handle(context.Background(), text(5, 1, "/download 7"))
	require.Zero(t, f.router.ActiveDownloads())
}

func TestCallbackDedup(t *testing.T) {
	t.Parallel()

	f := newFixture(Options{})
	cb := chat.Update{ChatID: 5, UserID: 1, CallbackID: "q1", CallbackData: "download_350234"}
	f.router.Handle(context.Background(), cb)
	cb.CallbackID = "q2"
	f.router.Handle(context.Background(), cb)

	require.Equal(t, 1, f.deliverer.count())
	require.Equal(t, []string{textCallbackStart, textCallbackDup}, f.transport.answers)

	other := chat.Update{ChatID: 6, UserID: 1, CallbackID: "q3", CallbackData: "download_350234"}
	f.router.Handle(context.Background(), other)
	require.Equal(t, 2, f.deliverer.count(), "dedup key is per chat")
}

func TestCallbackUnauthorized(t *testing.T) {
	t.Parallel()

	f := newFixture(Options{AllowedUsers: []int64{1}})
	f.router.Handle(context.Background(), chat.Update{ChatID: 5, UserID: 2, CallbackID: "q", CallbackData: "download_1"})
	require.Zero(t, f.deliverer.count())
	require.Contains(t, f.transport.lastSent().text, "未授权访问")
}

func TestUnknownCommand(t *testing.T) {
	t.Parallel()

	f := newFixture(Options{})
	f.router.Handle(context.Background(), text(5, 1, "/frobnicate"))
	require.Contains(t, f.transport.lastSent().text, "未知命令")
}

func TestMenuConversation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(Options{})

	f.router.Handle(ctx, text(5, 1, buttonSearch))
	require.Contains(t, f.transport.lastSent().text, "请输入搜索关键词")
	f.router.Handle(ctx, text(5, 1, "  乳母  "))
	require.Equal(t, []string{"乳母"}, f.lookup.keywords)

	// Диалог вернулся в меню: свободный текст больше не поиск.
	f.router.Handle(ctx, text(5, 1, "hello"))
	require.Len(t, f.lookup.keywords, 1)

	f.router.Handle(ctx, text(5, 1, buttonDownload))
	f.router.Handle(ctx, text(5, 1, "350234"))
	require.Equal(t, 1, f.deliverer.count())
	require.Equal(t, "350234", f.deliverer.jobs[0].AlbumID)

	f.router.Handle(ctx, text(5, 1, buttonInfo))
	f.router.Handle(ctx, text(5, 1, "/cancel"))
	f.router.Handle(ctx, text(5, 1, "350234"))
	require.Zero(t, f.lookup.details, "no info lookup after cancel")
}

func TestHistory(t *testing.T) {
	t.Parallel()

	f := newFixture(Options{MaxDownloadsPerHour: 5})
	f.router.Handle(context.Background(), text(5, 1, "/history"))
	require.Equal(t, textHistoryEmpty, f.transport.lastSent().text)

	at := time.Date(2024, 5, 1, 10, 30, 0, 0, time.Local)
	f.quotas.history = []quota.Record{
		{AlbumID: "2", State: "Done", SizeBytes: 3 * 1024 * 1024, At: at},
		{AlbumID: "1", State: "Aborted", Reason: "file too large", At: at},
	}
	f.quotas.used[quota.KindDownload] = 2
	f.router.Handle(context.Background(), text(5, 1, "/history"))
	got := f.transport.lastSent().text
	require.Contains(t, got, "✅ 2 · 05-01 10:30 · 3.0MB")
	require.Contains(t, got, "❌ 1 · 05-01 10:30 · file too large")
	require.Contains(t, got, "本小时已下载 2/5 次")
}

func TestSplitCommand(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in, name, args string
	}{
		{in: "/start", name: "start"},
		{in: "/Search@comic_bot  foo bar ", name: "search", args: "foo bar"},
		{in: "/download 123", name: "download", args: "123"},
		{in: "/jm\n123", name: "jm", args: "123"},
		{in: "/info\t350234", name: "info", args: "350234"},
	}
	for _, tc := range cases {
		name, args := splitCommand(tc.in)
		require.Equal(t, tc.name, name, tc.in)
		require.Equal(t, tc.args, args, tc.in)
	}
}

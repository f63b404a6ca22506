package delivery

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/require"

	"jmcomic-bot/internal/domain/chat"
	"jmcomic-bot/internal/domain/monitor"
	"jmcomic-bot/internal/infra/concurrency"
	"jmcomic-bot/internal/infra/imaging"
	"jmcomic-bot/internal/infra/quota"
)

// fakeFetcher создаёт каталог задания с pages страницами и дёргает наблюдателя.
type fakeFetcher struct {
	root     string
	pages    int
	fail     bool
	canceled bool
	events   func(obs monitor.Observer)
}

func (f *fakeFetcher) Fetch(_ context.Context, albumID string, obs monitor.Observer) monitor.Result {
	jobDir := filepath.Join(f.root, "job-1")
	if err := os.MkdirAll(filepath.Join(jobDir, albumID), 0o755); err != nil {
		panic(err)
	}
	if f.events != nil {
		f.events(obs)
	}
	if f.canceled {
		return monitor.Result{JobDir: jobDir, Canceled: true}
	}
	if f.fail {
		return monitor.Result{JobDir: jobDir}
	}
	dir := filepath.Join(jobDir, albumID)
	for i := range f.pages {
		name := filepath.Join(dir, strings.Repeat("0", 4)+string(rune('a'+i))+".jpg")
		if err := os.WriteFile(name, []byte("img"), 0o600); err != nil {
			panic(err)
		}
	}
	return monitor.Result{Dir: dir, JobDir: jobDir, Images: f.pages}
}

// fakeAssembler пишет файлы заданного размера: sizes[i] для i-й сборки.
type fakeAssembler struct {
	sizes []int64
	fail  bool
	calls []imaging.Options
}

func (a *fakeAssembler) Assemble(_ context.Context, _, out string, opts imaging.Options) bool {
	a.calls = append(a.calls, opts)
	if a.fail {
		return false
	}
	size := a.sizes[min(len(a.calls), len(a.sizes))-1]
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return false
	}
	f, err := os.Create(out)
	if err != nil {
		return false
	}
	defer func() { _ = f.Close() }()
	return f.Truncate(size) == nil
}

func (a *fakeAssembler) ToJPEG(_, dst string, _, _ int) error {
	return os.WriteFile(dst, []byte("jpg"), 0o600)
}

type sentDoc struct {
	chatID int64
	doc    chat.Document
	exists bool
}

type fakeTransport struct {
	mu        sync.Mutex
	edits     []string
	deleted   []chat.MessageRef
	docs      []sentDoc
	photos    int
	uploadErr error
}

func (t *fakeTransport) SendText(_ context.Context, chatID int64, _ string, _ chat.Markup) (chat.MessageRef, error) {
	return chat.MessageRef{ChatID: chatID, MessageID: 100}, nil
}

func (t *fakeTransport) EditText(_ context.Context, _ chat.MessageRef, text string, _ chat.Markup) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.edits = append(t.edits, text)
	return nil
}

func (t *fakeTransport) Delete(_ context.Context, ref chat.MessageRef) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.deleted = append(t.deleted, ref)
	return nil
}

func (t *fakeTransport) SendDocument(_ context.Context, chatID int64, doc chat.Document) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.uploadErr != nil {
		return t.uploadErr
	}
	_, err := os.Stat(doc.Path)
	t.docs = append(t.docs, sentDoc{chatID: chatID, doc: doc, exists: err == nil})
	return nil
}

func (t *fakeTransport) SendPhoto(context.Context, int64, string, string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.photos++
	return nil
}

func (t *fakeTransport) AnswerCallback(context.Context, string, string) error { return nil }

func (t *fakeTransport) lastEdit() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.edits) == 0 {
		return ""
	}
	return t.edits[len(t.edits)-1]
}

type memRecorder struct {
	recs []quota.Record
}

func (m *memRecorder) Record(rec quota.Record) error {
	m.recs = append(m.recs, rec)
	return nil
}

const mib = int64(1024 * 1024)

func baseOptions(t *testing.T) Options {
	return Options{
		TempDir:          t.TempDir(),
		MaxFileSizeMB:    50,
		Quality:          95,
		CompressQuality:  85,
		CompressMaxWidth: 1280,
		AutoCleanup:      true,
	}
}

func TestPipelineOutcomes(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name         string
		fetcher      fakeFetcher
		assembler    fakeAssembler
		uploadErr    error
		autoCompress bool
		wantState    State
		wantFrom     State
		wantEdit     string
		wantDocs     int
		wantAssemble int
	}{
		{
			name:      "delivered",
			fetcher:   fakeFetcher{pages: 12},
			assembler: fakeAssembler{sizes: []int64{8 * mib}},
			wantState: Done, wantFrom: Uploading, wantDocs: 1, wantAssemble: 1,
		},
		{
			name:      "tooLarge",
			fetcher:   fakeFetcher{pages: 300},
			assembler: fakeAssembler{sizes: []int64{62 * mib}},
			wantState: Aborted, wantFrom: SizeChecking, wantEdit: "文件过大 (62.0MB)\nTelegram 限制: 50MB", wantAssemble: 1,
		},
		{
			name:         "compressedFits",
			fetcher:      fakeFetcher{pages: 300},
			assembler:    fakeAssembler{sizes: []int64{62 * mib, 30 * mib}},
			autoCompress: true,
			wantState:    Done, wantFrom: Uploading, wantDocs: 1, wantAssemble: 2,
		},
		{
			name:         "compressedStillTooLarge",
			fetcher:      fakeFetcher{pages: 300},
			assembler:    fakeAssembler{sizes: []int64{90 * mib, 55 * mib}},
			autoCompress: true,
			wantState:    Aborted, wantFrom: SizeChecking, wantEdit: "55.0MB", wantAssemble: 2,
		},
		{
			name:      "downloadFailed",
			fetcher:   fakeFetcher{fail: true},
			wantState: Aborted, wantFrom: Downloading, wantEdit: "请检查 ID 是否正确",
		},
		{
			name:      "canceled",
			fetcher:   fakeFetcher{canceled: true},
			wantState: Aborted, wantFrom: Downloading, wantEdit: "下载已取消",
		},
		{
			name:      "assembleFailed",
			fetcher:   fakeFetcher{pages: 3},
			assembler: fakeAssembler{fail: true},
			wantState: Aborted, wantFrom: Assembling, wantEdit: "生成 PDF 失败", wantAssemble: 1,
		},
		{
			name:      "uploadFailed",
			fetcher:   fakeFetcher{pages: 3},
			assembler: fakeAssembler{sizes: []int64{mib}},
			uploadErr: errors.New("Request Entity Too Large"),
			wantState: Aborted, wantFrom: Uploading, wantEdit: "Request Entity Too Large", wantAssemble: 1,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			fetcher := tc.fetcher
			fetcher.root = t.TempDir()
			assembler := tc.assembler
			tr := &fakeTransport{uploadErr: tc.uploadErr}
			rec := &memRecorder{}
			opts := baseOptions(t)
			opts.AutoCompress = tc.autoCompress

			out := New(&fetcher, &assembler, concurrency.NewPool(1), tr, rec, opts).Run(context.Background(), Job{AlbumID: "350234", ChatID: 9, UserID: 7})

			require.Equal(t, tc.wantState, out.State)
			require.Equal(t, tc.wantFrom, out.From)
			require.Len(t, tr.docs, tc.wantDocs)
			require.Len(t, assembler.calls, tc.wantAssemble)
			if tc.wantEdit != "" {
				require.Contains(t, tr.lastEdit(), tc.wantEdit)
			}
			if tc.wantState == Done {
				require.Equal(t, "350234.pdf", tr.docs[0].doc.FileName)
				require.True(t, tr.docs[0].exists, "document exists while uploading")
				require.Equal(t, []chat.MessageRef{{ChatID: 9, MessageID: 100}}, tr.deleted, "status removed")
			}
			if tc.wantAssemble == 2 {
				require.Equal(t, 85, assembler.calls[1].Quality)
				require.Equal(t, 1280, assembler.calls[1].MaxWidth)
			}

			entries, err := os.ReadDir(opts.TempDir)
			require.NoError(t, err)
			require.Empty(t, entries, "artifacts removed on every outcome")
			require.NoDirExists(t, filepath.Join(fetcher.root, "job-1"), "job dir removed with auto cleanup")

			require.Len(t, rec.recs, 1)
			require.Equal(t, tc.wantState.String(), rec.recs[0].State)
			require.Equal(t, int64(7), rec.recs[0].UserID)
		})
	}
}

func TestPipelineKeepsJobDirWithoutCleanup(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{root: t.TempDir(), pages: 2}
	opts := baseOptions(t)
	opts.AutoCleanup = false

	out := New(fetcher, &fakeAssembler{sizes: []int64{mib}}, concurrency.NewPool(1), &fakeTransport{}, nil, opts).
		Run(context.Background(), Job{AlbumID: "1", ChatID: 1})
	require.Equal(t, Done, out.State)
	require.DirExists(t, filepath.Join(fetcher.root, "job-1"))
}

func TestPipelineProgressThrottling(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{root: t.TempDir(), pages: 1, events: func(obs monitor.Observer) {
		obs.OnProgress(1, monitor.UnknownTotal)
		obs.OnProgress(1, monitor.UnknownTotal)
		obs.OnProgress(2, monitor.UnknownTotal)
		obs.OnProgress(1, 10)
		obs.OnProgress(2, 10)
		obs.OnProgress(3, 10)
		obs.OnProgress(4, 10)
		obs.OnProgress(10, 10)
	}}
	tr := &fakeTransport{}
	New(fetcher, &fakeAssembler{sizes: []int64{mib}}, concurrency.NewPool(1), tr, nil, baseOptions(t)).
		Run(context.Background(), Job{AlbumID: "5", ChatID: 1})

	var progress []string
	for _, e := range tr.edits {
		if strings.HasPrefix(e, "📥 下载中") {
			progress = append(progress, e)
		}
	}
	require.Len(t, progress, 5)
	require.Contains(t, progress[0], "已下载 1 页")
	require.Contains(t, progress[1], "已下载 2 页")
	require.Contains(t, progress[2], "20%")
	require.Contains(t, progress[3], "40%")
	require.Contains(t, progress[4], "[██████████] 100%")
}

func TestPipelinePreviews(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{root: t.TempDir(), pages: 1, events: func(obs monitor.Observer) {
		for i := range 4 {
			obs.OnImageReady(filepath.Join("/nowhere", string(rune('a'+i))+".webp"))
		}
	}}
	opts := baseOptions(t)
	opts.SendPreview = true
	opts.PreviewCount = 2
	tr := &fakeTransport{}

	out := New(fetcher, &fakeAssembler{sizes: []int64{mib}}, concurrency.NewPool(1), tr, nil, opts).Run(context.Background(), Job{AlbumID: "5", ChatID: 1})
	require.Equal(t, Done, out.State)
	require.Equal(t, 2, tr.photos)
}

// slowAssembler держит сборку hold и запоминает пик одновременных вызовов.
type slowAssembler struct {
	hold   time.Duration
	active atomic.Int32
	peak   atomic.Int32
}

func (a *slowAssembler) Assemble(_ context.Context, _, out string, _ imaging.Options) bool {
	n := a.active.Add(1)
	defer a.active.Add(-1)
	for {
		p := a.peak.Load()
		if n <= p || a.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(a.hold)
	return os.WriteFile(out, []byte("%PDF"), 0o600) == nil
}

func (a *slowAssembler) ToJPEG(string, string, int, int) error { return nil }

func TestPipelineAssemblyBoundedByPool(t *testing.T) {
	t.Parallel()

	assembler := &slowAssembler{hold: 50 * time.Millisecond}
	pool := concurrency.NewPool(2)
	defer pool.Close()
	opts := baseOptions(t)
	tr := &fakeTransport{}

	var wg sync.WaitGroup
	outs := make([]Outcome, 4)
	for i := range outs {
		fetcher := &fakeFetcher{root: t.TempDir(), pages: 1}
		albumID := string(rune('1' + i))
		wg.Go(func() {
			outs[i] = New(fetcher, assembler, pool, tr, nil, opts).Run(context.Background(), Job{AlbumID: albumID, ChatID: int64(i + 1)})
		})
	}
	wg.Wait()

	for _, out := range outs {
		require.Equal(t, Done, out.State)
	}
	require.LessOrEqual(t, assembler.peak.Load(), int32(pool.Size()), "no more assemblies than pool slots")
	require.Zero(t, pool.Busy())
}

func TestPipelineAssemblyFailsOnClosedPool(t *testing.T) {
	t.Parallel()

	pool := concurrency.NewPool(1)
	pool.Close()
	assembler := &fakeAssembler{sizes: []int64{mib}}
	out := New(&fakeFetcher{root: t.TempDir(), pages: 1}, assembler, pool, &fakeTransport{}, nil, baseOptions(t)).
		Run(context.Background(), Job{AlbumID: "7", ChatID: 1})
	require.Equal(t, Aborted, out.State)
	require.Equal(t, Assembling, out.From)
	require.Empty(t, assembler.calls)
}

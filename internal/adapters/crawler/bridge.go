package crawler

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"jmcomic-bot/internal/infra/logger"
)

// waitDelay — сколько ждать закрытия stdout/stderr после kill процесса.
const waitDelay = 5 * time.Second

// BridgeOptions настраивает процесс-мост.
type BridgeOptions struct {
	// Command — командная строка моста; разбивается по пробелам (например "python3 bridge.py").
	Command string
	// OptionFile — базовый YAML option-файл краулера (может быть пустым).
	OptionFile string
	// ProxyURL — прокси для запросов краулера; пустая строка отключает.
	ProxyURL string
	// Env — дополнительные переменные окружения процесса (KEY=VALUE).
	Env []string
}

// Bridge реализует Client запуском отдельного процесса на каждый вызов.
type Bridge struct {
	name       string
	args       []string
	optionFile string
	proxyURL   string
	env        []string
}

var _ Client = (*Bridge)(nil)

// NewBridge разбирает командную строку моста.
func NewBridge(opts BridgeOptions) (*Bridge, error) {
	fields := strings.Fields(opts.Command)
	if len(fields) == 0 {
		return nil, errors.New("crawler command is empty")
	}
	return &Bridge{
		name:       fields[0],
		args:       fields[1:],
		optionFile: opts.OptionFile,
		proxyURL:   opts.ProxyURL,
		env:        opts.Env,
	}, nil
}

// searchReply — ответ подкоманды search.
type searchReply struct {
	Rows  []json.RawMessage `json:"rows"`
	Brief []BriefRow        `json:"brief"`
}

type resultSet struct {
	rows  []json.RawMessage
	brief []BriefRow
}

func (r *resultSet) Len() int { return len(r.rows) }

func (r *resultSet) At(i int) (json.RawMessage, error) {
	if i < 0 || i >= len(r.rows) {
		return nil, errors.Errorf("row %d out of range [0,%d)", i, len(r.rows))
	}
	return r.rows[i], nil
}

func (r *resultSet) Brief() []BriefRow { return r.brief }

// Search выполняет `search --keyword K --page N`.
func (b *Bridge) Search(ctx context.Context, keyword string, page int) (ResultSet, error) {
	out, err := b.run(ctx, "search", "--keyword", keyword, "--page", strconv.Itoa(page))
	if err != nil {
		return nil, err
	}
	var reply searchReply
	if err := json.Unmarshal(out, &reply); err != nil {
		return nil, errors.Wrap(err, "decode search reply")
	}
	return &resultSet{rows: reply.Rows, brief: reply.Brief}, nil
}

// AlbumDetail выполняет `album --id X` и возвращает сырой JSON альбома.
func (b *Bridge) AlbumDetail(ctx context.Context, albumID string) (json.RawMessage, error) {
	return b.runJSON(ctx, "album", "--id", albumID)
}

// PhotoDetail выполняет `photo --id E` и возвращает сырой JSON главы.
func (b *Bridge) PhotoDetail(ctx context.Context, episodeID string) (json.RawMessage, error) {
	return b.runJSON(ctx, "photo", "--id", episodeID)
}

// DownloadAlbum пишет option-файл задания в opts.BaseDir и выполняет
// `download --id X --option F`. Блокируется до конца загрузки или отмены ctx.
func (b *Bridge) DownloadAlbum(ctx context.Context, albumID string, opts DownloadOptions) error {
	optionPath := filepath.Join(opts.BaseDir, jobOptionFile)
	if err := writeJobOption(b.optionFile, optionPath, jobOption{
		BaseDir:  opts.BaseDir,
		Threads:  opts.Threads,
		ProxyURL: b.proxyURL,
	}); err != nil {
		return errors.Wrap(err, "prepare crawler option")
	}
	defer func() { _ = os.Remove(optionPath) }()

	_, err := b.run(ctx, "download", "--id", albumID, "--option", optionPath)
	return err
}

func (b *Bridge) runJSON(ctx context.Context, args ...string) (json.RawMessage, error) {
	out, err := b.run(ctx, args...)
	if err != nil {
		return nil, err
	}
	raw := json.RawMessage(bytes.TrimSpace(out))
	if !json.Valid(raw) {
		return nil, errors.Errorf("crawler %s: invalid JSON reply", args[0])
	}
	return raw, nil
}

// run запускает процесс моста. stderr построчно уходит в debug-лог, stdout возвращается.
// Ненулевой код выхода превращается в ошибку с последней строкой stderr.
func (b *Bridge) run(ctx context.Context, args ...string) ([]byte, error) {
	full := append(append([]string{}, b.args...), args...)
	cmd := exec.CommandContext(ctx, b.name, full...)
	cmd.Env = append(os.Environ(), b.env...)
	cmd.WaitDelay = waitDelay

	var stdout bytes.Buffer
	stderr := &stderrLog{sub: args[0]}
	cmd.Stdout = &stdout
	cmd.Stderr = stderr

	started := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "start crawler %s", args[0])
	}
	waitErr := cmd.Wait()
	stderr.flush()
	lastLine := stderr.last

	logger.Debug("crawler call finished",
		zap.String("cmd", args[0]),
		zap.Duration("took", time.Since(started)),
		zap.Int("stdout_bytes", stdout.Len()),
	)

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, errors.Wrapf(ctxErr, "crawler %s interrupted", args[0])
	}
	if waitErr != nil {
		if lastLine != "" {
			return nil, errors.Wrapf(waitErr, "crawler %s: %s", args[0], lastLine)
		}
		return nil, errors.Wrapf(waitErr, "crawler %s", args[0])
	}
	return stdout.Bytes(), nil
}

// stderrLog построчно пишет stderr моста в debug-лог и помнит последнюю строку.
// Копированием в него занимается exec, поэтому WaitDelay ограничивает ожидание после kill.
type stderrLog struct {
	sub  string
	buf  []byte
	last string
}

func (w *stderrLog) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		idx := bytes.IndexByte(w.buf, '\n')
		if idx < 0 {
			break
		}
		w.line(string(w.buf[:idx]))
		w.buf = w.buf[idx+1:]
	}
	return len(p), nil
}

func (w *stderrLog) flush() {
	if len(w.buf) > 0 {
		w.line(string(w.buf))
		w.buf = nil
	}
}

func (w *stderrLog) line(raw string) {
	line := strings.TrimSpace(raw)
	if line == "" {
		return
	}
	w.last = line
	logger.Debug("crawler", zap.String("cmd", w.sub), zap.String("line", line))
}

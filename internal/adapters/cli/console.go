package cli

import (
	"context"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/go-faster/errors"

	"jmcomic-bot/internal/domain/chat"
	"jmcomic-bot/internal/infra/logger"
	"jmcomic-bot/internal/infra/pr"
	"jmcomic-bot/internal/infra/storage"
)

// Console — chat.Transport для терминала: тексты печатаются, документы и превью
// копируются в outDir.
type Console struct {
	outDir string
	nextID atomic.Int64
}

var _ chat.Transport = (*Console)(nil)

// NewConsole создаёт консольный транспорт.
func NewConsole(outDir string) *Console {
	return &Console{outDir: outDir}
}

// SendText печатает сообщение и его кнопки.
func (c *Console) SendText(_ context.Context, chatID int64, text string, markup chat.Markup) (chat.MessageRef, error) {
	id := int(c.nextID.Add(1))
	pr.Printf("[#%d] %s\n", id, text)
	printMarkup(markup)
	return chat.MessageRef{ChatID: chatID, MessageID: id}, nil
}

// EditText печатает новую версию сообщения.
func (c *Console) EditText(_ context.Context, ref chat.MessageRef, text string, markup chat.Markup) error {
	pr.Printf("[#%d edited] %s\n", ref.MessageID, text)
	printMarkup(markup)
	return nil
}

// Delete отмечает удаление.
func (c *Console) Delete(_ context.Context, ref chat.MessageRef) error {
	logger.Debugf("console: message #%d deleted", ref.MessageID)
	return nil
}

// SendDocument копирует файл в outDir под именем документа.
func (c *Console) SendDocument(_ context.Context, _ int64, doc chat.Document) error {
	name := doc.FileName
	if name == "" {
		name = filepath.Base(doc.Path)
	}
	dst := filepath.Join(c.outDir, filepath.Base(name))
	if err := storage.CopyFile(doc.Path, dst); err != nil {
		return errors.Wrap(err, "save document")
	}
	pr.Printf("[document] %s\n", dst)
	if doc.Caption != "" {
		pr.Println(doc.Caption)
	}
	return nil
}

// SendPhoto копирует превью в outDir/previews.
func (c *Console) SendPhoto(_ context.Context, _ int64, path, caption string) error {
	dst := filepath.Join(c.outDir, "previews", filepath.Base(path))
	if err := storage.CopyFile(path, dst); err != nil {
		return errors.Wrap(err, "save photo")
	}
	pr.Printf("[photo] %s %s\n", dst, caption)
	return nil
}

// AnswerCallback печатает всплывающий ответ, если он есть.
func (c *Console) AnswerCallback(_ context.Context, _ string, text string) error {
	if text != "" {
		pr.Println("[callback]", text)
	}
	return nil
}

func printMarkup(m chat.Markup) {
	for _, row := range m.Inline {
		for _, b := range row {
			pr.Printf("    press %s  (%s)\n", b.Data, b.Text)
		}
	}
	for _, row := range m.Menu {
		pr.Printf("    menu: %s\n", strings.Join(row, " | "))
	}
}

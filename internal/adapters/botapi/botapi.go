// Package botapi — транспорт чата поверх Telegram Bot API (long polling).
//
// Client реализует chat.Transport и chat.Source:
//   - исходящие вызовы идут через общий троттлер (token bucket + retry_after);
//   - постоянные 4xx не повторяются;
//   - документы открываются заново на каждой попытке, чтобы повтор не слал пустое тело;
//   - входящие обновления приводятся к chat.Update и отдаются обработчику.
package botapi

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/go-faster/errors"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"jmcomic-bot/internal/domain/chat"
	"jmcomic-bot/internal/infra/logger"
	"jmcomic-bot/internal/infra/throttle"
)

const (
	// testEndpoint — формат адреса тестового окружения Bot API.
	testEndpoint = "https://api.telegram.org/bot%s/test/%s"
	// pollTimeout — таймаут long polling getUpdates, секунды.
	pollTimeout        = 30
	defaultHTTPTimeout = 3 * time.Minute
	maxRetries         = 5
)

// Options — параметры подключения.
type Options struct {
	Token  string
	TestDC bool
	RPS    int
	// Endpoint переопределяет формат адреса API (для тестов).
	Endpoint string
	// HTTPTimeout ограничивает один HTTP-запрос, включая загрузку документа.
	HTTPTimeout time.Duration
	Debug       bool
}

// Client — бот на Bot API.
type Client struct {
	bot      *tgbotapi.BotAPI
	throttle *throttle.Throttler
}

// New авторизует бота (getMe) и готовит троттлер.
func New(opts Options) (*Client, error) {
	endpoint := opts.Endpoint
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
		if opts.TestDC {
			endpoint = testEndpoint
		}
	}
	timeout := opts.HTTPTimeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}

	if err := tgbotapi.SetLogger(zap.NewStdLog(logger.Logger().Named("botapi"))); err != nil {
		logger.Warn("botapi logger not set", zap.Error(err))
	}
	bot, err := tgbotapi.NewBotAPIWithClient(opts.Token, endpoint, &http.Client{Timeout: timeout})
	if err != nil {
		return nil, errors.Wrap(err, "bot api login")
	}
	bot.Debug = opts.Debug
	logger.Info("bot api authorized", zap.String("username", bot.Self.UserName), zap.Int64("bot_id", bot.Self.ID))

	return &Client{
		bot: bot,
		throttle: throttle.New(opts.RPS,
			throttle.WithMaxRetries(maxRetries),
			throttle.WithWaitExtractors(RetryAfterExtractor()),
		),
	}, nil
}

// Username — имя бота без @.
func (c *Client) Username() string { return c.bot.Self.UserName }

// Listen читает getUpdates до отмены ctx.
func (c *Client) Listen(ctx context.Context, h chat.Handler) error {
	cfg := tgbotapi.NewUpdate(0)
	cfg.Timeout = pollTimeout
	updates := c.bot.GetUpdatesChan(cfg)
	defer c.bot.StopReceivingUpdates()

	logger.Info("bot api polling started")
	for {
		select {
		case <-ctx.Done():
			logger.Info("bot api polling stopped")
			return nil
		case upd, ok := <-updates:
			if !ok {
				return nil
			}
			if u, ok := toUpdate(upd); ok {
				h(ctx, u)
			}
		}
	}
}

// toUpdate переводит обновление Bot API в доменное; прочие типы отбрасываются.
func toUpdate(upd tgbotapi.Update) (chat.Update, bool) {
	if q := upd.CallbackQuery; q != nil {
		u := chat.Update{CallbackID: q.ID, CallbackData: q.Data}
		if q.From != nil {
			u.UserID = q.From.ID
		}
		if q.Message != nil {
			u.MessageID = q.Message.MessageID
			if q.Message.Chat != nil {
				u.ChatID = q.Message.Chat.ID
			}
		}
		if u.ChatID == 0 {
			u.ChatID = u.UserID
		}
		return u, true
	}
	m := upd.Message
	if m == nil || m.Chat == nil {
		return chat.Update{}, false
	}
	u := chat.Update{ChatID: m.Chat.ID, MessageID: m.MessageID, Text: m.Text}
	if m.From != nil {
		u.UserID = m.From.ID
	}
	return u, true
}

// SendText отправляет текст с клавиатурой.
func (c *Client) SendText(ctx context.Context, chatID int64, text string, markup chat.Markup) (chat.MessageRef, error) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.DisableWebPagePreview = true
	if rm := replyMarkup(markup); rm != nil {
		msg.ReplyMarkup = rm
	}
	sent, err := c.send(ctx, msg)
	if err != nil {
		return chat.MessageRef{}, errors.Wrap(err, "send message")
	}
	return chat.MessageRef{ChatID: chatID, MessageID: sent.MessageID}, nil
}

// EditText правит сообщение. Меню-клавиатуру Bot API при правке не принимает.
func (c *Client) EditText(ctx context.Context, ref chat.MessageRef, text string, markup chat.Markup) error {
	var edit tgbotapi.EditMessageTextConfig
	if len(markup.Inline) > 0 {
		edit = tgbotapi.NewEditMessageTextAndMarkup(ref.ChatID, ref.MessageID, text, inlineKeyboard(markup.Inline))
	} else {
		edit = tgbotapi.NewEditMessageText(ref.ChatID, ref.MessageID, text)
	}
	edit.DisableWebPagePreview = true
	if err := c.request(ctx, edit); err != nil && !isNotModified(err) {
		return errors.Wrap(err, "edit message")
	}
	return nil
}

// Delete удаляет сообщение.
func (c *Client) Delete(ctx context.Context, ref chat.MessageRef) error {
	if err := c.request(ctx, tgbotapi.NewDeleteMessage(ref.ChatID, ref.MessageID)); err != nil {
		return errors.Wrap(err, "delete message")
	}
	return nil
}

// SendDocument загружает файл документом под именем doc.FileName.
func (c *Client) SendDocument(ctx context.Context, chatID int64, doc chat.Document) error {
	err := c.throttle.Do(ctx, func() error {
		f, err := os.Open(doc.Path)
		if err != nil {
			return &permanentError{err: err}
		}
		defer func() { _ = f.Close() }()

		cfg := tgbotapi.NewDocument(chatID, tgbotapi.FileReader{Name: doc.FileName, Reader: f})
		cfg.Caption = doc.Caption
		_, err = c.bot.Send(cfg)
		return classify(err)
	})
	if err != nil {
		return errors.Wrap(err, "send document")
	}
	return nil
}

// SendPhoto отправляет изображение с подписью.
func (c *Client) SendPhoto(ctx context.Context, chatID int64, path, caption string) error {
	cfg := tgbotapi.NewPhoto(chatID, tgbotapi.FilePath(path))
	cfg.Caption = caption
	if _, err := c.send(ctx, cfg); err != nil {
		return errors.Wrap(err, "send photo")
	}
	return nil
}

// AnswerCallback снимает «часики» с inline-кнопки.
func (c *Client) AnswerCallback(ctx context.Context, callbackID, text string) error {
	if callbackID == "" {
		return nil
	}
	if err := c.request(ctx, tgbotapi.NewCallback(callbackID, text)); err != nil {
		return errors.Wrap(err, "answer callback")
	}
	return nil
}

func (c *Client) send(ctx context.Context, ch tgbotapi.Chattable) (tgbotapi.Message, error) {
	var msg tgbotapi.Message
	err := c.throttle.Do(ctx, func() error {
		m, err := c.bot.Send(ch)
		if err != nil {
			return classify(err)
		}
		msg = m
		return nil
	})
	return msg, err
}

// request — для методов, результат которых не Message (delete, answerCallbackQuery, правки).
func (c *Client) request(ctx context.Context, ch tgbotapi.Chattable) error {
	return c.throttle.Do(ctx, func() error {
		_, err := c.bot.Request(ch)
		return classify(err)
	})
}

func replyMarkup(m chat.Markup) any {
	switch {
	case len(m.Inline) > 0:
		return inlineKeyboard(m.Inline)
	case len(m.Menu) > 0:
		rows := make([][]tgbotapi.KeyboardButton, 0, len(m.Menu))
		for _, row := range m.Menu {
			buttons := make([]tgbotapi.KeyboardButton, 0, len(row))
			for _, text := range row {
				buttons = append(buttons, tgbotapi.NewKeyboardButton(text))
			}
			rows = append(rows, tgbotapi.NewKeyboardButtonRow(buttons...))
		}
		kb := tgbotapi.NewReplyKeyboard(rows...)
		kb.ResizeKeyboard = true
		return kb
	default:
		return nil
	}
}

func inlineKeyboard(rows [][]chat.Button) tgbotapi.InlineKeyboardMarkup {
	out := make([][]tgbotapi.InlineKeyboardButton, 0, len(rows))
	for _, row := range rows {
		buttons := make([]tgbotapi.InlineKeyboardButton, 0, len(row))
		for _, b := range row {
			buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonData(b.Text, b.Data))
		}
		out = append(out, tgbotapi.NewInlineKeyboardRow(buttons...))
	}
	return tgbotapi.NewInlineKeyboardMarkup(out...)
}

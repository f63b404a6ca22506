// Package mtproto — транспорт чата поверх MTProto (gotd) с входом по токену бота.
//
// Client реализует chat.Source и chat.Transport:
//   - Listen поднимает клиент, логинится как бот и крутит updates.Manager,
//     состояние апдейтов хранится в bbolt и переживает рестарт;
//   - FLOOD_WAIT гасится middleware floodwait, частота — ratelimit;
//   - исходящие методы ждут готовности клиента и идут через общий троттлер;
//   - access_hash собеседников берутся из entities апдейтов.
package mtproto

import (
	"context"
	rand "math/rand/v2"
	"mime"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"github.com/go-faster/errors"
	boltstor "github.com/gotd/contrib/bbolt"
	"github.com/gotd/contrib/middleware/floodwait"
	"github.com/gotd/contrib/middleware/ratelimit"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/dcs"
	tgupdates "github.com/gotd/td/telegram/updates"
	"github.com/gotd/td/telegram/uploader"
	"github.com/gotd/td/tg"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"jmcomic-bot/internal/domain/chat"
	"jmcomic-bot/internal/infra/logger"
	"jmcomic-bot/internal/infra/storage"
	"jmcomic-bot/internal/infra/telegram/session"
	"jmcomic-bot/internal/infra/throttle"
	"jmcomic-bot/internal/support/version"
)

const (
	stateOpenTimeout = 3 * time.Second
	maxRetries       = 3
	deviceModel      = "jmcomic-bot"
	fallbackMIME     = "application/octet-stream"
)

// Options — параметры подключения.
type Options struct {
	APIID       int
	APIHash     string
	Token       string
	SessionFile string
	StateFile   string
	TestDC      bool
	RPS         int
}

// Client — бот на MTProto.
type Client struct {
	opts     Options
	session  *session.FileStorage
	peers    *peerCache
	throttle *throttle.Throttler

	api   *tg.Client
	ready chan struct{}
}

// New готовит клиента; сеть поднимается в Listen.
func New(opts Options) *Client {
	if opts.RPS <= 0 {
		opts.RPS = 1
	}
	return &Client{
		opts:    opts,
		session: &session.FileStorage{Path: opts.SessionFile},
		peers:   newPeerCache(),
		throttle: throttle.New(opts.RPS,
			throttle.WithMaxRetries(maxRetries),
			throttle.WithWaitExtractors(FloodWaitExtractor()),
		),
		ready: make(chan struct{}),
	}
}

// Listen запускает клиента и отдаёт события h до отмены ctx.
func (c *Client) Listen(ctx context.Context, h chat.Handler) error {
	if err := storage.EnsureDir(c.opts.StateFile); err != nil {
		return errors.Wrap(err, "ensure state file dir")
	}
	db, err := bbolt.Open(c.opts.StateFile, storage.DefaultFilePerm, &bbolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return errors.Wrap(err, "open state storage")
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Warn("state storage close failed", zap.Error(err))
		}
	}()

	dispatcher := tg.NewUpdateDispatcher()
	c.route(&dispatcher, h)
	updMgr := tgupdates.New(tgupdates.Config{
		Handler: dispatcher,
		Storage: boltstor.NewStateStorage(db),
		Logger:  logger.Logger().Named("updates"),
	})

	waiter := floodwait.NewWaiter()
	options := telegram.Options{
		SessionStorage: c.session,
		UpdateHandler:  updMgr,
		Middlewares: []telegram.Middleware{
			waiter,
			ratelimit.New(rate.Limit(c.opts.RPS), c.opts.RPS*2), //nolint:mnd // burst = 2*rate
		},
		Device: telegram.DeviceConfig{
			DeviceModel:   deviceModel,
			SystemVersion: runtime.GOOS + "/" + runtime.GOARCH,
			AppVersion:    version.Version,
		},
		Logger: logger.Logger().Named("mtproto"),
	}
	if c.opts.TestDC {
		options.DCList = dcs.Test()
	}
	client := telegram.NewClient(c.opts.APIID, c.opts.APIHash, options)

	err = waiter.Run(ctx, func(ctx context.Context) error {
		return client.Run(ctx, func(ctx context.Context) error {
			self, err := c.login(ctx, client)
			if err != nil {
				return err
			}
			c.api = client.API()
			close(c.ready)

			return updMgr.Run(ctx, client.API(), self.ID, tgupdates.AuthOptions{
				IsBot: true,
				OnStart: func(context.Context) {
					logger.Info("mtproto updates started")
				},
			})
		})
	})
	if ctx.Err() != nil {
		logger.Info("mtproto client stopped")
		return nil
	}
	return err
}

// login входит по токену, если сохранённая сессия не авторизована.
func (c *Client) login(ctx context.Context, client *telegram.Client) (*tg.User, error) {
	status, err := client.Auth().Status(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "auth status")
	}
	if !status.Authorized {
		if _, err := client.Auth().Bot(ctx, c.opts.Token); err != nil {
			return nil, errors.Wrap(err, "bot login")
		}
	}
	self, err := client.Self(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "self")
	}
	logger.Info("mtproto bot authorized",
		zap.String("username", self.Username),
		zap.Int64("bot_id", self.ID),
		zap.Bool("session_restored", status.Authorized),
	)
	return self, nil
}

// route подписывает обработчик на входящие сообщения и нажатия кнопок.
func (c *Client) route(d *tg.UpdateDispatcher, h chat.Handler) {
	onMessage := func(ctx context.Context, e tg.Entities, msg tg.MessageClass) {
		c.peers.remember(e)
		if u, ok := messageUpdate(msg); ok {
			h(ctx, u)
		}
	}
	d.OnNewMessage(func(ctx context.Context, e tg.Entities, upd *tg.UpdateNewMessage) error {
		onMessage(ctx, e, upd.Message)
		return nil
	})
	d.OnNewChannelMessage(func(ctx context.Context, e tg.Entities, upd *tg.UpdateNewChannelMessage) error {
		onMessage(ctx, e, upd.Message)
		return nil
	})
	d.OnBotCallbackQuery(func(ctx context.Context, e tg.Entities, upd *tg.UpdateBotCallbackQuery) error {
		c.peers.remember(e)
		h(ctx, callbackUpdate(upd))
		return nil
	})
}

// rpc ждёт окончания входа.
func (c *Client) rpc(ctx context.Context) (*tg.Client, error) {
	select {
	case <-c.ready:
		return c.api, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SendText отправляет текст с клавиатурой.
func (c *Client) SendText(ctx context.Context, chatID int64, text string, markup chat.Markup) (chat.MessageRef, error) {
	api, peer, err := c.target(ctx, chatID)
	if err != nil {
		return chat.MessageRef{}, err
	}
	req := &tg.MessagesSendMessageRequest{
		Peer:      peer,
		Message:   text,
		RandomID:  rand.Int64(), // #nosec G404
		NoWebpage: true,
	}
	if rm := replyMarkup(markup); rm != nil {
		req.ReplyMarkup = rm
	}
	var upd tg.UpdatesClass
	err = c.throttle.Do(ctx, func() error {
		res, err := api.MessagesSendMessage(ctx, req)
		if err != nil {
			return classify(err)
		}
		upd = res
		return nil
	})
	if err != nil {
		return chat.MessageRef{}, errors.Wrap(err, "send message")
	}
	return chat.MessageRef{ChatID: chatID, MessageID: sentMessageID(upd, req.RandomID)}, nil
}

// EditText правит текст и inline-клавиатуру сообщения.
func (c *Client) EditText(ctx context.Context, ref chat.MessageRef, text string, markup chat.Markup) error {
	api, peer, err := c.target(ctx, ref.ChatID)
	if err != nil {
		return err
	}
	req := &tg.MessagesEditMessageRequest{Peer: peer, ID: ref.MessageID, Message: text, NoWebpage: true}
	if len(markup.Inline) > 0 {
		req.ReplyMarkup = inlineMarkup(markup.Inline)
	}
	err = c.throttle.Do(ctx, func() error {
		_, err := api.MessagesEditMessage(ctx, req)
		return classify(err)
	})
	if err != nil && !isNotModified(err) {
		return errors.Wrap(err, "edit message")
	}
	return nil
}

// Delete удаляет сообщение у всех участников.
func (c *Client) Delete(ctx context.Context, ref chat.MessageRef) error {
	api, peer, err := c.target(ctx, ref.ChatID)
	if err != nil {
		return err
	}
	err = c.throttle.Do(ctx, func() error {
		if ch, ok := peer.(*tg.InputPeerChannel); ok && isChannel(ref.ChatID) {
			_, err := api.ChannelsDeleteMessages(ctx, &tg.ChannelsDeleteMessagesRequest{
				Channel: &tg.InputChannel{ChannelID: ch.ChannelID, AccessHash: ch.AccessHash},
				ID:      []int{ref.MessageID},
			})
			return classify(err)
		}
		_, err := api.MessagesDeleteMessages(ctx, &tg.MessagesDeleteMessagesRequest{Revoke: true, ID: []int{ref.MessageID}})
		return classify(err)
	})
	if err != nil {
		return errors.Wrap(err, "delete message")
	}
	return nil
}

// SendDocument загружает файл и отправляет его документом под именем doc.FileName.
func (c *Client) SendDocument(ctx context.Context, chatID int64, doc chat.Document) error {
	mimeType := mime.TypeByExtension(filepath.Ext(doc.FileName))
	if mimeType == "" {
		mimeType = fallbackMIME
	}
	err := c.sendMedia(ctx, chatID, doc.Path, doc.Caption, func(file tg.InputFileClass) tg.InputMediaClass {
		return &tg.InputMediaUploadedDocument{
			File:       file,
			MimeType:   mimeType,
			ForceFile:  true,
			Attributes: []tg.DocumentAttributeClass{&tg.DocumentAttributeFilename{FileName: doc.FileName}},
		}
	})
	if err != nil {
		return errors.Wrap(err, "send document")
	}
	return nil
}

// SendPhoto отправляет изображение с подписью.
func (c *Client) SendPhoto(ctx context.Context, chatID int64, path, caption string) error {
	err := c.sendMedia(ctx, chatID, path, caption, func(file tg.InputFileClass) tg.InputMediaClass {
		return &tg.InputMediaUploadedPhoto{File: file}
	})
	if err != nil {
		return errors.Wrap(err, "send photo")
	}
	return nil
}

func (c *Client) sendMedia(ctx context.Context, chatID int64, path, caption string,
	media func(tg.InputFileClass) tg.InputMediaClass) error {
	api, peer, err := c.target(ctx, chatID)
	if err != nil {
		return err
	}
	up := uploader.NewUploader(api)
	randomID := rand.Int64() // #nosec G404
	return c.throttle.Do(ctx, func() error {
		file, err := up.FromPath(ctx, path)
		if err != nil {
			return classify(err)
		}
		_, err = api.MessagesSendMedia(ctx, &tg.MessagesSendMediaRequest{
			Peer:     peer,
			Media:    media(file),
			Message:  caption,
			RandomID: randomID,
		})
		return classify(err)
	})
}

// AnswerCallback отвечает на нажатие inline-кнопки.
func (c *Client) AnswerCallback(ctx context.Context, callbackID, text string) error {
	if callbackID == "" {
		return nil
	}
	queryID, err := strconv.ParseInt(callbackID, 10, 64)
	if err != nil {
		return errors.Wrap(err, "callback id")
	}
	api, err := c.rpc(ctx)
	if err != nil {
		return err
	}
	err = c.throttle.Do(ctx, func() error {
		_, err := api.MessagesSetBotCallbackAnswer(ctx, &tg.MessagesSetBotCallbackAnswerRequest{
			QueryID: queryID,
			Message: text,
		})
		return classify(err)
	})
	if err != nil {
		return errors.Wrap(err, "answer callback")
	}
	return nil
}

func (c *Client) target(ctx context.Context, chatID int64) (*tg.Client, tg.InputPeerClass, error) {
	api, err := c.rpc(ctx)
	if err != nil {
		return nil, nil, err
	}
	peer, err := c.peers.inputPeer(chatID)
	if err != nil {
		return nil, nil, err
	}
	return api, peer, nil
}

package mtproto

import (
	"strconv"

	"github.com/gotd/td/tg"

	"jmcomic-bot/internal/domain/chat"
)

// messageUpdate переводит входящее сообщение в доменное событие.
// Исходящие и служебные сообщения отбрасываются.
func messageUpdate(msg tg.MessageClass) (chat.Update, bool) {
	m, ok := msg.(*tg.Message)
	if !ok || m.Out {
		return chat.Update{}, false
	}
	u := chat.Update{ChatID: chatID(m.PeerID), MessageID: m.ID, Text: m.Message}
	if from, ok := m.GetFromID(); ok {
		u.UserID = chatID(from)
	} else if u.ChatID > 0 {
		// В личке from_id не приходит.
		u.UserID = u.ChatID
	}
	if u.ChatID == 0 {
		return chat.Update{}, false
	}
	return u, true
}

// callbackUpdate переводит нажатие inline-кнопки в доменное событие.
func callbackUpdate(q *tg.UpdateBotCallbackQuery) chat.Update {
	return chat.Update{
		ChatID:       chatID(q.Peer),
		UserID:       q.UserID,
		MessageID:    q.MsgID,
		CallbackID:   strconv.FormatInt(q.QueryID, 10),
		CallbackData: string(q.Data),
	}
}

// replyMarkup строит клавиатуру; nil — без клавиатуры.
func replyMarkup(m chat.Markup) tg.ReplyMarkupClass {
	switch {
	case len(m.Inline) > 0:
		return inlineMarkup(m.Inline)
	case len(m.Menu) > 0:
		rows := make([]tg.KeyboardButtonRow, 0, len(m.Menu))
		for _, row := range m.Menu {
			buttons := make([]tg.KeyboardButtonClass, 0, len(row))
			for _, text := range row {
				buttons = append(buttons, &tg.KeyboardButton{Text: text})
			}
			rows = append(rows, tg.KeyboardButtonRow{Buttons: buttons})
		}
		return &tg.ReplyKeyboardMarkup{Resize: true, Rows: rows}
	default:
		return nil
	}
}

func inlineMarkup(rows [][]chat.Button) *tg.ReplyInlineMarkup {
	out := make([]tg.KeyboardButtonRow, 0, len(rows))
	for _, row := range rows {
		buttons := make([]tg.KeyboardButtonClass, 0, len(row))
		for _, b := range row {
			buttons = append(buttons, &tg.KeyboardButtonCallback{Text: b.Text, Data: []byte(b.Data)})
		}
		out = append(out, tg.KeyboardButtonRow{Buttons: buttons})
	}
	return &tg.ReplyInlineMarkup{Rows: out}
}

// sentMessageID достаёт id отправленного сообщения из ответа messages.sendMessage.
func sentMessageID(upd tg.UpdatesClass, randomID int64) int {
	switch u := upd.(type) {
	case *tg.UpdateShortSentMessage:
		return u.ID
	case *tg.Updates:
		return idFromUpdates(u.Updates, randomID)
	case *tg.UpdatesCombined:
		return idFromUpdates(u.Updates, randomID)
	default:
		return 0
	}
}

func idFromUpdates(list []tg.UpdateClass, randomID int64) int {
	var fallback int
	for _, item := range list {
		switch u := item.(type) {
		case *tg.UpdateMessageID:
			if u.RandomID == randomID {
				return u.ID
			}
		case *tg.UpdateNewMessage:
			if fallback == 0 {
				fallback = u.Message.GetID()
			}
		case *tg.UpdateNewChannelMessage:
			if fallback == 0 {
				fallback = u.Message.GetID()
			}
		}
	}
	return fallback
}

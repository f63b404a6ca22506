// Package chat — контракт между логикой бота и транспортом Telegram.
// Роутер и конвейер доставки работают только с этими типами, поэтому один и тот же
// код обслуживает Bot API, MTProto-логин бота и локальную консоль оператора.
package chat

import "context"

// Update — входящее событие: текст/команда или нажатие inline-кнопки.
type Update struct {
	ChatID    int64
	UserID    int64
	MessageID int
	Text      string
	// CallbackID непустой для нажатия inline-кнопки; CallbackData — её полезная нагрузка.
	CallbackID   string
	CallbackData string
}

// IsCallback сообщает, что событие — нажатие кнопки.
func (u Update) IsCallback() bool { return u.CallbackID != "" }

// MessageRef адресует отправленное сообщение для правки и удаления.
type MessageRef struct {
	ChatID    int64
	MessageID int
}

// Button — inline-кнопка с данными обратного вызова.
type Button struct {
	Text string
	Data string
}

// Markup — разметка сообщения. Inline и Menu взаимоисключающие; пустая разметка
// ничего не меняет.
type Markup struct {
	// Inline — ряды inline-кнопок под сообщением.
	Inline [][]Button
	// Menu — ряды кнопок постоянной клавиатуры.
	Menu [][]string
}

// Empty сообщает, что разметки нет.
func (m Markup) Empty() bool { return len(m.Inline) == 0 && len(m.Menu) == 0 }

// Document — файл для отправки документом.
type Document struct {
	Path     string
	FileName string
	Caption  string
}

// Handler обрабатывает одно событие.
type Handler func(ctx context.Context, u Update)

// Transport — исходящие операции, которыми пользуется бот. Реализации сами
// ограничивают частоту вызовов и повторяют временные ошибки.
type Transport interface {
	SendText(ctx context.Context, chatID int64, text string, markup Markup) (MessageRef, error)
	EditText(ctx context.Context, ref MessageRef, text string, markup Markup) error
	Delete(ctx context.Context, ref MessageRef) error
	SendDocument(ctx context.Context, chatID int64, doc Document) error
	SendPhoto(ctx context.Context, chatID int64, path, caption string) error
	AnswerCallback(ctx context.Context, callbackID, text string) error
}

// Source — поток входящих событий. Listen блокируется до отмены ctx или фатальной
// ошибки транспорта и вызывает h для каждого события.
type Source interface {
	Listen(ctx context.Context, h Handler) error
}

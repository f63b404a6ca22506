package botapi

// Классификация ошибок Bot API для общего троттлера: retry_after соблюдается ровно,
// без джиттера; постоянные 4xx не повторяются.

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-faster/errors"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"jmcomic-bot/internal/infra/throttle"
)

// permanentError — ошибка, повтор которой бессмыслен.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string   { return e.err.Error() }
func (e *permanentError) Unwrap() error   { return e.err }
func (e *permanentError) StopRetry() bool { return true }

// asAPIError достаёт *tgbotapi.Error из цепочки.
func asAPIError(err error) (*tgbotapi.Error, bool) {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// classify помечает постоянные ошибки Bot API (4xx кроме 429).
func classify(err error) error {
	if err == nil {
		return nil
	}
	apiErr, ok := asAPIError(err)
	if !ok {
		return err
	}
	if apiErr.RetryAfter > 0 || apiErr.Code == http.StatusTooManyRequests {
		return err
	}
	if apiErr.Code >= 400 && apiErr.Code < 500 {
		return &permanentError{err: err}
	}
	return err
}

// isNotModified — правка тем же текстом; для статусных сообщений это не ошибка.
func isNotModified(err error) bool {
	apiErr, ok := asAPIError(err)
	return ok && strings.Contains(strings.ToLower(apiErr.Message), "message is not modified")
}

// RetryAfterExtractor извлекает parameters.retry_after из ошибки Bot API.
func RetryAfterExtractor() throttle.WaitExtractor {
	return func(err error) (time.Duration, bool) {
		apiErr, ok := asAPIError(err)
		if !ok || apiErr.RetryAfter <= 0 {
			return 0, false
		}
		return time.Duration(apiErr.RetryAfter) * time.Second, true
	}
}

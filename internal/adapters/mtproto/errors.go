package mtproto

import (
	rand "math/rand/v2"
	"net/http"
	"time"

	"github.com/gotd/td/tgerr"

	"jmcomic-bot/internal/infra/throttle"
)

// floodWaitJitterMax — верхняя граница джиттера поверх FLOOD_WAIT.
const floodWaitJitterMax = 3 * time.Second

// permanentError — RPC-ошибка, повтор которой бессмыслен.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string   { return e.err.Error() }
func (e *permanentError) Unwrap() error   { return e.err }
func (e *permanentError) StopRetry() bool { return true }

// classify помечает 4xx RPC-ошибки (кроме 420 FLOOD) как постоянные.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := tgerr.AsFloodWait(err); ok {
		return err
	}
	rpcErr, ok := tgerr.As(err)
	if !ok {
		return err
	}
	if rpcErr.Code >= http.StatusBadRequest && rpcErr.Code < http.StatusInternalServerError {
		return &permanentError{err: err}
	}
	return err
}

// isNotModified — правка тем же текстом.
func isNotModified(err error) bool {
	return tgerr.Is(err, "MESSAGE_NOT_MODIFIED")
}

// FloodWaitExtractor распознаёт FLOOD_WAIT и добавляет случайный джиттер,
// чтобы параллельные воркеры не вернулись в лимит одновременно.
func FloodWaitExtractor() throttle.WaitExtractor {
	return func(err error) (time.Duration, bool) {
		wait, ok := tgerr.AsFloodWait(err)
		if !ok {
			return 0, false
		}
		return wait + floodWaitJitter(), true
	}
}

func floodWaitJitter() time.Duration {
	sec := int(floodWaitJitterMax / time.Second)
	if sec <= 0 {
		return 0
	}
	return time.Duration(rand.IntN(sec)) * time.Second // #nosec G404
}

// Package crawler — граница с внешним краулером сайта. Сам краулер (скрапинг,
// авторизация, протокол сайта) живёт в отдельном процессе-мосте: бот запускает его
// подкомандами и читает JSON из stdout. Процесс убивается при отмене контекста, что
// даёт отмену долгих загрузок, которые сам краулер прерывать не умеет.
// Протокол моста: docs/crawler-bridge.md, эталонный мост: scripts/jmcomic-bridge.
package crawler

import (
	"context"
	"encoding/json"
)

// BriefRow — упрощённая строка выдачи (id + заголовок), которую сайт отдаёт при
// обычном переборе результатов. Для полной строки используйте ResultSet.At.
type BriefRow struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// ResultSet — индексируемая выдача поиска.
type ResultSet interface {
	// Len — число строк в выдаче.
	Len() int
	// At возвращает полную строку i в исходном виде (пара [id, {...}] или объект).
	At(i int) (json.RawMessage, error)
	// Brief — упрощённый перебор без автора и прочих полей.
	Brief() []BriefRow
}

// DownloadOptions — параметры одной загрузки альбома.
type DownloadOptions struct {
	// BaseDir — корень, в котором краулер создаст каталог альбома.
	BaseDir string
	// Threads — параллелизм загрузки картинок внутри краулера.
	Threads int
}

// Client — возможности краулера, которыми пользуется бот. Все вызовы блокирующие.
type Client interface {
	Search(ctx context.Context, keyword string, page int) (ResultSet, error)
	AlbumDetail(ctx context.Context, albumID string) (json.RawMessage, error)
	PhotoDetail(ctx context.Context, episodeID string) (json.RawMessage, error)
	DownloadAlbum(ctx context.Context, albumID string, opts DownloadOptions) error
}

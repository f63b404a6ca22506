// Package lookup — адаптер поиска и метаданных альбомов поверх краулера.
// Ответы краулера разнородны: строка выдачи бывает парой [id, {...}], парой
// [id, "текст"] или объектом {id, title, author}. Пакет сводит их к album.Summary
// и album.Detail и никогда не пробрасывает ошибки краулера наружу:
//   - Search при любой ошибке возвращает пустой срез;
//   - Details возвращает ok=false только при сбое основного запроса альбома,
//     сбой вторичного запроса главы лишь оставляет PageCount = 0.
package lookup

import (
	"bytes"
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"jmcomic-bot/internal/adapters/crawler"
	"jmcomic-bot/internal/domain/album"
	"jmcomic-bot/internal/infra/logger"
)

// searchPage — сайт отдаёт релевантную выдачу на первой странице, дальше не листаем.
const searchPage = 1

// Adapter реализует поиск и получение деталей альбома.
type Adapter struct {
	client crawler.Client
}

// New связывает адаптер с краулером.
func New(client crawler.Client) *Adapter {
	return &Adapter{client: client}
}

// Search ищет альбомы по ключевому слову и возвращает не больше limit записей
// в порядке выдачи сайта. Строки без id отбрасываются.
func (a *Adapter) Search(ctx context.Context, keyword string, limit int) []album.Summary {
	if limit <= 0 {
		return nil
	}
	rs, err := a.client.Search(ctx, keyword, searchPage)
	if err != nil {
		logger.Error("search failed", zap.String("keyword", keyword), zap.Error(err))
		return []album.Summary{}
	}

	// Только индексный доступ: упрощённый перебор Brief теряет автора.
	n := min(rs.Len(), limit)
	out := make([]album.Summary, 0, n)
	for i := 0; i < n; i++ {
		raw, err := rs.At(i)
		if err != nil {
			logger.Warn("search row unavailable", zap.Int("index", i), zap.Error(err))
			continue
		}
		s, err := decodeRow(raw)
		if err != nil {
			logger.Warn("search row skipped", zap.Int("index", i), zap.Error(err))
			continue
		}
		if s.ID == "" {
			continue
		}
		out = append(out, s)
	}
	logger.Debug("search done", zap.String("keyword", keyword), zap.Int("rows", rs.Len()), zap.Int("kept", len(out)))
	return out
}

// Details возвращает метаданные альбома. ok=false, если основной запрос упал
// или ответ не разобран.
func (a *Adapter) Details(ctx context.Context, albumID string) (album.Detail, bool) {
	raw, err := a.client.AlbumDetail(ctx, albumID)
	if err != nil {
		logger.Error("album detail failed", zap.String("album_id", albumID), zap.Error(err))
		return album.Detail{}, false
	}
	var doc albumDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		logger.Error("album detail decode failed", zap.String("album_id", albumID), zap.Error(err))
		return album.Detail{}, false
	}

	detail := album.Detail{
		ID:         albumID,
		Title:      firstNonEmpty(doc.Title, doc.Name),
		Author:     joinAuthors(doc.Authors, doc.Author),
		Category:   firstNonEmpty(doc.Category),
		Tags:       append([]string{}, doc.Tags...),
		UpdateDate: firstNonEmpty(doc.UpdateDate.String()),
	}
	if episodeID, ok := firstEpisodeID(doc.Episodes); ok {
		detail.PageCount = a.pageCount(ctx, episodeID)
	}
	return detail, true
}

// pageCount — вторичный запрос первой главы. Любой сбой даёт 0.
func (a *Adapter) pageCount(ctx context.Context, episodeID string) int {
	raw, err := a.client.PhotoDetail(ctx, episodeID)
	if err != nil {
		logger.Warn("photo detail failed", zap.String("episode_id", episodeID), zap.Error(err))
		return 0
	}
	var doc photoDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		logger.Warn("photo detail decode failed", zap.String("episode_id", episodeID), zap.Error(err))
		return 0
	}
	if len(doc.PageArr) > 0 {
		return len(doc.PageArr)
	}
	return len(doc.Pages)
}

// albumDoc — ответ `album`. Поле author бывает строкой или списком.
type albumDoc struct {
	Title      string            `json:"title"`
	Name       string            `json:"name"`
	Author     flexStrings       `json:"author"`
	Authors    flexStrings       `json:"authors"`
	Category   string            `json:"category"`
	Tags       flexStrings       `json:"tags"`
	UpdateDate flexScalar        `json:"update_date"`
	Episodes   []json.RawMessage `json:"episode_list"`
}

type photoDoc struct {
	PageArr []json.RawMessage `json:"page_arr"`
	Pages   []json.RawMessage `json:"pages"`
}

// rowFields — полезная нагрузка пары [id, {...}] и объектная форма строки.
type rowFields struct {
	ID     flexScalar  `json:"id"`
	Name   string      `json:"name"`
	Title  string      `json:"title"`
	Author flexStrings `json:"author"`
}

// decodeRow нормализует одну строку выдачи.
func decodeRow(raw json.RawMessage) (album.Summary, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return album.Summary{}, errors.New("empty row")
	}

	switch raw[0] {
	case '[':
		var pair []json.RawMessage
		if err := json.Unmarshal(raw, &pair); err != nil {
			return album.Summary{}, errors.Wrap(err, "decode pair")
		}
		if len(pair) < 2 {
			return album.Summary{}, errors.Errorf("pair has %d elements", len(pair))
		}
		var id flexScalar
		if err := json.Unmarshal(pair[0], &id); err != nil {
			return album.Summary{}, errors.Wrap(err, "decode pair id")
		}
		payload := bytes.TrimSpace(pair[1])
		if len(payload) > 0 && payload[0] == '{' {
			var f rowFields
			if err := json.Unmarshal(payload, &f); err != nil {
				return album.Summary{}, errors.Wrap(err, "decode pair payload")
			}
			return album.Summary{
				ID:     id.String(),
				Title:  firstNonEmpty(f.Name, f.Title),
				Author: joinAuthors(f.Author),
			}, nil
		}
		// Не-объект: сам payload и есть заголовок.
		var text flexScalar
		if err := json.Unmarshal(payload, &text); err != nil {
			text = flexScalar(payload)
		}
		return album.Summary{ID: id.String(), Title: firstNonEmpty(text.String()), Author: album.Unknown}, nil

	case '{':
		var f rowFields
		if err := json.Unmarshal(raw, &f); err != nil {
			return album.Summary{}, errors.Wrap(err, "decode object row")
		}
		return album.Summary{
			ID:     f.ID.String(),
			Title:  firstNonEmpty(f.Title, f.Name),
			Author: joinAuthors(f.Author),
		}, nil
	}
	return album.Summary{}, errors.Errorf("unsupported row shape %q", raw[:1])
}

// firstEpisodeID извлекает id первой главы: элемент — пара [id, ...] или объект {id}.
func firstEpisodeID(episodes []json.RawMessage) (string, bool) {
	if len(episodes) == 0 {
		return "", false
	}
	first := bytes.TrimSpace(episodes[0])
	if len(first) == 0 {
		return "", false
	}
	var id flexScalar
	switch first[0] {
	case '[':
		var pair []json.RawMessage
		if err := json.Unmarshal(first, &pair); err != nil || len(pair) == 0 {
			return "", false
		}
		if err := json.Unmarshal(pair[0], &id); err != nil {
			return "", false
		}
	case '{':
		var obj struct {
			ID flexScalar `json:"id"`
		}
		if err := json.Unmarshal(first, &obj); err != nil {
			return "", false
		}
		id = obj.ID
	default:
		if err := json.Unmarshal(first, &id); err != nil {
			return "", false
		}
	}
	return id.String(), id.String() != ""
}

// joinAuthors берёт первый непустой список и склеивает через ", ".
func joinAuthors(lists ...flexStrings) string {
	for _, l := range lists {
		if len(l) > 0 {
			return strings.Join(l, ", ")
		}
	}
	return album.Unknown
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return album.Unknown
}

// flexScalar принимает строку или число JSON и хранит их как текст.
type flexScalar string

func (s *flexScalar) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*s = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*s = flexScalar(v)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return errors.Wrap(err, "scalar must be string or number")
	}
	*s = flexScalar(n.String())
	return nil
}

func (s flexScalar) String() string { return string(s) }

// flexStrings принимает строку, число или список и хранит непустые значения.
// Элементы списка, не являющиеся строкой или числом, пропускаются.
type flexStrings []string

func (l *flexStrings) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(data, &items); err != nil {
			return err
		}
		out := make([]string, 0, len(items))
		for _, raw := range items {
			var it flexScalar
			if err := json.Unmarshal(raw, &it); err != nil {
				continue
			}
			if v := strings.TrimSpace(it.String()); v != "" {
				out = append(out, v)
			}
		}
		*l = out
		return nil
	}
	var one flexScalar
	if err := json.Unmarshal(data, &one); err != nil {
		return err
	}
	if v := strings.TrimSpace(one.String()); v != "" {
		*l = flexStrings{v}
	} else {
		*l = nil
	}
	return nil
}

// ParseID проверяет, что id альбома — положительное число (формат сайта).
func ParseID(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(strings.ToUpper(raw), "JM")
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || n == 0 {
		return "", false
	}
	return strconv.FormatUint(n, 10), true
}

// Package album описывает канонические записи каталога, в которые адаптер поиска
// нормализует разнородные ответы краулера.
package album

// Unknown подставляется вместо отсутствующих полей.
const Unknown = "Unknown"

// Summary — одна позиция выдачи поиска. Порядок выдачи совпадает с релевантностью сайта.
type Summary struct {
	ID     string
	Title  string
	Author string
}

// Detail — метаданные альбома. PageCount best-effort: 0, если число страниц узнать не удалось.
type Detail struct {
	ID         string
	Title      string
	Author     string
	Category   string
	Tags       []string
	PageCount  int
	UpdateDate string
}

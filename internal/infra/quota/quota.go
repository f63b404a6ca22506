// Package quota — персистентные часовые квоты пользователей и журнал заданий на bbolt.
//
// Раскладка базы:
//
//	quota/<kind>:<userID>/<unix-nano BE>  → пусто   (события в скользящем окне)
//	history/<userID>/<unix-nano BE>       → JSON Record
//
// Квоты переживают перезапуск бота, поэтому лимит «N загрузок в час» нельзя обойти
// рестартом контейнера.
package quota

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"strconv"
	"time"

	"github.com/go-faster/errors"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"

	"jmcomic-bot/internal/infra/logger"
	"jmcomic-bot/internal/infra/storage"
)

// Kind — вид квотируемого действия.
type Kind string

const (
	KindDownload Kind = "download"
	KindSearch   Kind = "search"
)

// Window — длина скользящего окна квоты.
const Window = time.Hour

const (
	dbOpenTimeout = 3 * time.Second
	// historyKeep — сколько последних записей журнала хранится на пользователя.
	historyKeep = 50
)

var (
	quotaBucket   = []byte("quota")
	historyBucket = []byte("history")
)

// Record — итог одного задания доставки.
type Record struct {
	AlbumID   string    `json:"album_id"`
	UserID    int64     `json:"user_id"`
	ChatID    int64     `json:"chat_id"`
	State     string    `json:"state"`
	Reason    string    `json:"reason,omitempty"`
	SizeBytes int64     `json:"size_bytes,omitempty"`
	Took      float64   `json:"took_sec,omitempty"`
	At        time.Time `json:"at"`
}

// Store — хранилище квот и журнала. Потокобезопасен (bbolt сериализует запись).
type Store struct {
	db  *bbolt.DB
	now func() time.Time
}

// Open открывает (или создаёт) базу по пути path.
func Open(path string) (*Store, error) {
	if err := storage.EnsureDir(path); err != nil {
		return nil, err
	}
	db, err := bbolt.Open(path, storage.DefaultFilePerm, &bbolt.Options{Timeout: dbOpenTimeout})
	if err != nil {
		return nil, errors.Wrapf(err, "open quota db %s", path)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{quotaBucket, historyBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return errors.Wrapf(err, "create bucket %s", name)
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close закрывает базу.
func (s *Store) Close() error {
	return s.db.Close()
}

// Allow атомарно проверяет квоту и, если лимит не исчерпан, засчитывает событие.
// limit <= 0 отключает квоту. remaining — сколько ещё действий доступно в окне.
func (s *Store) Allow(userID int64, kind Kind, limit int) (ok bool, remaining int, err error) {
	if limit <= 0 {
		return true, -1, nil
	}
	now := s.now()
	err = s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.Bucket(quotaBucket).CreateBucketIfNotExists(counterKey(userID, kind))
		if err != nil {
			return errors.Wrap(err, "counter bucket")
		}
		used, err := pruneAndCount(b, now.Add(-Window))
		if err != nil {
			return err
		}
		if used >= limit {
			ok, remaining = false, 0
			return nil
		}
		ok, remaining = true, limit-used-1
		return b.Put(freeKey(b, now), nil)
	})
	if err != nil {
		return false, 0, errors.Wrap(err, "quota allow")
	}
	return ok, remaining, nil
}

// Refund возвращает последнее засчитанное событие (например, задание отклонено до старта).
func (s *Store) Refund(userID int64, kind Kind) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(quotaBucket).Bucket(counterKey(userID, kind))
		if b == nil {
			return nil
		}
		k, _ := b.Cursor().Last()
		if k == nil {
			return nil
		}
		return b.Delete(k)
	})
}

// Usage — число событий в текущем окне.
func (s *Store) Usage(userID int64, kind Kind) (int, error) {
	from := timeKey(s.now().Add(-Window))
	used := 0
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(quotaBucket).Bucket(counterKey(userID, kind))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, _ := c.Seek(from); k != nil; k, _ = c.Next() {
			used++
		}
		return nil
	})
	if err != nil {
		return 0, errors.Wrap(err, "quota usage")
	}
	return used, nil
}

// Record добавляет запись в журнал пользователя и обрезает журнал до historyKeep.
func (s *Store) Record(rec Record) error {
	if rec.At.IsZero() {
		rec.At = s.now()
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "encode record")
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.Bucket(historyBucket).CreateBucketIfNotExists(userKey(rec.UserID))
		if err != nil {
			return errors.Wrap(err, "history bucket")
		}
		if err := b.Put(freeKey(b, rec.At), raw); err != nil {
			return err
		}
		return trimOldest(b, historyKeep)
	})
	if err != nil {
		return errors.Wrap(err, "history record")
	}
	logger.Debug("history recorded",
		zap.Int64("user_id", rec.UserID),
		zap.String("album_id", rec.AlbumID),
		zap.String("state", rec.State),
	)
	return nil
}

// History возвращает до n последних записей пользователя, новые первыми.
func (s *Store) History(userID int64, n int) ([]Record, error) {
	var out []Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(historyBucket).Bucket(userKey(userID))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Last(); k != nil && len(out) < n; k, v = c.Prev() {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				logger.Warn("history record skipped", zap.Int64("user_id", userID), zap.Error(err))
				continue
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "history read")
	}
	return out, nil
}

// Prune удаляет события квот старше окна у всех пользователей.
func (s *Store) Prune() error {
	cutoff := s.now().Add(-Window)
	return s.db.Update(func(tx *bbolt.Tx) error {
		root := tx.Bucket(quotaBucket)
		var names [][]byte
		if err := root.ForEachBucket(func(name []byte) error {
			names = append(names, append([]byte(nil), name...))
			return nil
		}); err != nil {
			return err
		}
		// Правка вложенных бакетов внутри ForEachBucket запрещена: сначала собираем имена.
		for _, name := range names {
			n, err := pruneAndCount(root.Bucket(name), cutoff)
			if err != nil {
				return err
			}
			if n > 0 {
				continue
			}
			if err := root.DeleteBucket(name); err != nil {
				return err
			}
		}
		return nil
	})
}

// RunPruner периодически вызывает Prune до отмены ctx.
func (s *Store) RunPruner(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Prune(); err != nil {
				logger.Warn("quota prune failed", zap.Error(err))
			}
		}
	}
}

// pruneAndCount удаляет ключи раньше cutoff и возвращает число оставшихся.
func pruneAndCount(b *bbolt.Bucket, cutoff time.Time) (int, error) {
	limit := timeKey(cutoff)
	c := b.Cursor()
	for k, _ := c.First(); k != nil && string(k) < string(limit); k, _ = c.First() {
		if err := b.Delete(k); err != nil {
			return 0, err
		}
	}
	return countKeys(b), nil
}

func trimOldest(b *bbolt.Bucket, keep int) error {
	extra := countKeys(b) - keep
	c := b.Cursor()
	for k, _ := c.First(); k != nil && extra > 0; k, _ = c.First() {
		if err := b.Delete(k); err != nil {
			return err
		}
		extra--
	}
	return nil
}

func countKeys(b *bbolt.Bucket) int {
	n := 0
	c := b.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		n++
	}
	return n
}

// freeKey — ключ времени t, сдвинутый на наносекунды вперёд до первого свободного.
func freeKey(b *bbolt.Bucket, t time.Time) []byte {
	key := timeKey(t)
	for b.Get(key) != nil {
		key = timeKey(time.Unix(0, int64(binary.BigEndian.Uint64(key))+1))
	}
	return key
}

func timeKey(t time.Time) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(t.UnixNano()))
	return buf
}

func counterKey(userID int64, kind Kind) []byte {
	return []byte(string(kind) + ":" + strconv.FormatInt(userID, 10))
}

func userKey(userID int64) []byte {
	return []byte(strconv.FormatInt(userID, 10))
}

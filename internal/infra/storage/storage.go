// Package storage — утилиты работы с локальной файловой системой бота.
//   - EnsureDir / EnsureTree — создание каталогов под файлы и рабочие директории;
//   - AtomicWriteFile — атомарная запись (сессия MTProto, option-файлы краулера);
//   - RemoveFile / RemoveTree — best-effort очистка временных артефактов;
//   - CopyFile — копирование готового документа (консольный транспорт).
package storage

import (
	"io"
	"os"
	"path/filepath"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"jmcomic-bot/internal/infra/logger"
)

// DefaultFilePerm — права на файлы, записываемые атомарно.
const DefaultFilePerm = 0o600

// defaultDirPerm — права на создаваемые каталоги.
const defaultDirPerm = 0o755

// EnsureDir гарантирует наличие каталога для указанного файла.
func EnsureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return EnsureTree(dir)
}

// EnsureTree создаёт каталог dir со всеми родителями.
func EnsureTree(dir string) error {
	if err := os.MkdirAll(dir, defaultDirPerm); err != nil {
		return errors.Wrapf(err, "create dir %s", dir)
	}
	return nil
}

// AtomicWriteFile атомарно записывает data в path:
// temp в том же каталоге → write → fsync → chmod → close → rename → fsync(dir).
// Либо остаётся старый файл, либо новый записан целиком.
func AtomicWriteFile(path string, data []byte) error {
	clean := filepath.Clean(path)
	if err := EnsureDir(clean); err != nil {
		return err
	}
	dir := filepath.Dir(clean)

	tmp, err := os.CreateTemp(dir, "atomic-*.tmp")
	if err != nil {
		return errors.Wrap(err, "create temp file")
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return errors.Wrap(err, "write temp file")
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return errors.Wrap(err, "fsync temp file")
	}
	if err := tmp.Chmod(DefaultFilePerm); err != nil {
		_ = tmp.Close()
		return errors.Wrap(err, "chmod temp file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close temp file")
	}
	if err := os.Rename(tmpName, clean); err != nil {
		return errors.Wrap(err, "rename temp file")
	}

	if dirFile, err := os.Open(dir); err == nil {
		if errSync := dirFile.Sync(); errSync != nil {
			logger.Debugf("AtomicWriteFile: dir sync error: %v", errSync) // best-effort для некоторых FS
		}
		_ = dirFile.Close()
	}
	return nil
}

// RemoveFile удаляет файл; ошибки только логируются. Отсутствие файла ошибкой не считается.
func RemoveFile(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logger.Warn("remove file failed", zap.String("path", path), zap.Error(err))
		return
	}
	logger.Debug("file removed", zap.String("path", path))
}

// RemoveTree рекурсивно удаляет каталог; ошибки только логируются.
func RemoveTree(dir string) {
	if dir == "" || dir == "." || dir == string(filepath.Separator) {
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		logger.Warn("remove dir failed", zap.String("dir", dir), zap.Error(err))
		return
	}
	logger.Debug("dir removed", zap.String("dir", dir))
}

// FileSize возвращает размер файла в байтах.
func FileSize(path string) (int64, error) {
	st, err := os.Stat(path)
	if err != nil {
		return 0, errors.Wrapf(err, "stat %s", path)
	}
	return st.Size(), nil
}

// CopyFile копирует src в dst, создавая каталог назначения.
func CopyFile(src, dst string) error {
	if err := EnsureDir(dst); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return errors.Wrap(err, "open source")
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(dst)
	if err != nil {
		return errors.Wrap(err, "create destination")
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return errors.Wrap(err, "copy")
	}
	if err := out.Close(); err != nil {
		return errors.Wrap(err, "close destination")
	}
	return nil
}

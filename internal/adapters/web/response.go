package web

import (
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strconv"

	"go.uber.org/zap"

	"jmcomic-bot/internal/infra/logger"
)

// writeResponse пишет тело и логирует сбой записи с местом вызова.
func writeResponse(w http.ResponseWriter, data []byte) {
	_, writeErr := w.Write(data)
	if writeErr == nil {
		return
	}

	callerLocation := "unknown"
	if _, file, line, ok := runtime.Caller(1); ok {
		if wd, err := os.Getwd(); err == nil {
			if rel, err := filepath.Rel(wd, file); err == nil {
				file = rel
			}
		}
		callerLocation = file + ":" + strconv.Itoa(line)
	}
	logger.Error("failed to write response", zap.String("caller", callerLocation), zap.Error(writeErr))
}

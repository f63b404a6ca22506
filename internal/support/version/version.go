// Package version хранит версию сборки; переопределяется через
// -ldflags "-X jmcomic-bot/internal/support/version.Version=...".
package version

// Name — имя приложения в логах и выводе консоли.
const Name = "jmcomic-bot"

// Version — версия бинарника.
var Version = "dev"

// Пакет config собирает конфигурацию бота из окружения.
//  1. читает переменные из .env (через godotenv), если файл есть;
//  2. нормализует и валидирует значения, подставляя дефолты;
//  3. копит предупреждения о подставленных значениях (см. Warnings);
//  4. хранит результат в singleton, доступном через Env().
//
// Бизнес-контекст: бот ищет и скачивает альбомы через внешний краулер, собирает
// PDF и отправляет его в чат. Отсюда берутся транспорт Telegram, лимиты размера и
// квот, каталоги загрузки, частота опроса загрузки и прочие «ручки».
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/go-faster/errors"
	"github.com/joho/godotenv"

	"jmcomic-bot/internal/infra/timeutil"
)

// Транспорты Telegram.
const (
	TransportBotAPI  = "botapi"
	TransportMTProto = "mtproto"
)

// EnvConfig — операционные параметры запуска. Значения уже прошли нормализацию в loadConfig.
type EnvConfig struct {
	// Telegram
	BotToken     string
	Transport    string
	APIID        int
	APIHash      string
	SessionFile  string
	StateFile    string
	TestDC       bool
	AllowedUsers []int64
	ThrottleRPS  int
	// Каталоги
	DownloadDir string
	TempDir     string
	AutoCleanup bool
	// Документ
	MaxFileSizeMB    int
	PDFQuality       int
	AutoCompress     bool
	CompressQuality  int
	CompressMaxWidth int
	MaxTotalPixels   int
	// Конкурентность и квоты
	MaxConcurrentDownloads int
	MaxDownloadsPerHour    int
	MaxSearchesPerHour     int
	SearchLimit            int
	DedupWindowSec         int
	QuotaDBFile            string
	// Загрузка
	DownloadTimeoutSec  int
	UploadTimeoutSec    int
	PollIntervalMS      int
	ProgressEveryPolls  int
	ProgressStepPercent int
	PreviewImageCount   int
	SendPreview         bool
	// Краулер
	CrawlerCommand    string
	CrawlerOptionFile string
	CrawlerThreads    int
	UseProxy          bool
	ProxyURL          string
	// Логирование
	LogLevel          string
	LogFile           string
	LogFileLevel      string
	LogFileMaxSize    int
	LogFileMaxBackups int
	LogFileMaxAge     int
	LogFileCompress   bool
	// AppTimezone — зона времени в журнале загрузок; пусто — системная.
	AppTimezone string
	// Health и консоль
	HealthEnable  bool
	HealthAddress string
	CLIEnable     bool
	CLIOutputDir  string
}

// Config хранит конфигурацию среды и предупреждения, накопленные при чтении.
type Config struct {
	Env      EnvConfig
	warnings []string
	mu       sync.RWMutex
}

const (
	defaultTransport              = TransportBotAPI
	defaultSessionFile            = "data/session.json"
	defaultStateFile              = "data/state.bbolt"
	defaultThrottleRPS            = 20
	defaultDownloadDir            = "downloads"
	defaultTempDir                = "temp"
	defaultAutoCleanup            = true
	defaultMaxFileSizeMB          = 50
	defaultPDFQuality             = 95
	defaultAutoCompress           = true
	defaultCompressQuality        = 85
	defaultCompressMaxWidth       = 1280
	defaultMaxTotalPixels         = 400_000_000
	defaultMaxConcurrentDownloads = 1
	defaultMaxDownloadsPerHour    = 10
	defaultMaxSearchesPerHour     = 20
	defaultSearchLimit            = 5
	defaultDedupWindowSec         = 5
	defaultQuotaDBFile            = "data/comicbot.bbolt"
	defaultDownloadTimeoutSec     = 600
	defaultUploadTimeoutSec       = 120
	defaultPollIntervalMS         = 1000
	defaultProgressEveryPolls     = 5
	defaultProgressStepPercent    = 20
	defaultPreviewImageCount      = 5
	defaultSendPreview            = false
	defaultCrawlerCommand         = "jmcomic-bridge"
	defaultCrawlerThreads         = 1
	defaultLogLevel               = "info"
	defaultLogFileLevel           = "debug"
	defaultLogFileMaxSize         = 50
	defaultLogFileMaxBackups      = 3
	defaultLogFileMaxAge          = 7
	defaultLogFileCompress        = true
	defaultHealthEnable           = true
	defaultHealthAddress          = ":8080"
	defaultCLIEnable              = false
	defaultCLIOutputDir           = "out"

	maxQuality          = 100
	maxConcurrentWorker = 4
)

var (
	cfgInstance = &Config{}
	cfgDone     bool
	loadMu      sync.Mutex
)

// Load инициализирует глобальную конфигурацию. Повторный вызов запрещён.
// Отсутствующий .env не ошибка: в контейнере переменные приходят из окружения процесса.
func Load(envPath string) error {
	loadMu.Lock()
	defer loadMu.Unlock()
	if cfgDone {
		return errors.New("config already loaded")
	}
	newCfg, err := loadConfig(envPath)
	if err != nil {
		return err
	}
	cfgInstance = newCfg
	cfgDone = true
	return nil
}

// loadConfig выполняет загрузку/валидацию без глобального состояния. Удобно для тестов.
func loadConfig(envPath string) (*Config, error) {
	var warnings []string

	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil {
			appendWarningf(&warnings, "env file %q not loaded (%v); using process environment", envPath, err)
		}
	}

	botToken := strings.TrimSpace(os.Getenv("BOT_TOKEN"))
	if botToken == "" {
		return nil, errors.New("env BOT_TOKEN must be set")
	}

	transport := sanitizeTransport(os.Getenv("TRANSPORT"), &warnings)
	var (
		apiID   int
		apiHash string
		err     error
	)
	if transport == TransportMTProto {
		apiID, err = parseRequiredInt("API_ID")
		if err != nil {
			return nil, err
		}
		apiHash = strings.TrimSpace(os.Getenv("API_HASH"))
		if apiHash == "" {
			return nil, errors.New("env API_HASH must be set for mtproto transport")
		}
	}

	allowed, err := parseUserList(os.Getenv("ALLOWED_USERS"))
	if err != nil {
		return nil, err
	}

	env := EnvConfig{
		BotToken:     botToken,
		Transport:    transport,
		APIID:        apiID,
		APIHash:      apiHash,
		SessionFile:  sanitizeFile("SESSION_FILE", os.Getenv("SESSION_FILE"), defaultSessionFile, &warnings),
		StateFile:    sanitizeFile("STATE_FILE", os.Getenv("STATE_FILE"), defaultStateFile, &warnings),
		TestDC:       parseBoolDefault("TEST_DC", false, &warnings),
		AllowedUsers: allowed,
		ThrottleRPS:  parseIntDefault("THROTTLE_RPS", defaultThrottleRPS, greaterThanZero, &warnings),

		DownloadDir: sanitizeFile("DOWNLOAD_DIR", os.Getenv("DOWNLOAD_DIR"), defaultDownloadDir, &warnings),
		TempDir:     sanitizeFile("TEMP_DIR", os.Getenv("TEMP_DIR"), defaultTempDir, &warnings),
		AutoCleanup: parseBoolDefault("AUTO_CLEANUP", defaultAutoCleanup, &warnings),

		MaxFileSizeMB:    parseIntDefault("MAX_FILE_SIZE_MB", defaultMaxFileSizeMB, greaterThanZero, &warnings),
		PDFQuality:       parseIntDefault("PDF_QUALITY", defaultPDFQuality, isQuality, &warnings),
		AutoCompress:     parseBoolDefault("AUTO_COMPRESS", defaultAutoCompress, &warnings),
		CompressQuality:  parseIntDefault("COMPRESS_QUALITY", defaultCompressQuality, isQuality, &warnings),
		CompressMaxWidth: parseIntDefault("COMPRESS_MAX_WIDTH", defaultCompressMaxWidth, nonNegative, &warnings),
		MaxTotalPixels:   parseIntDefault("MAX_TOTAL_PIXELS", defaultMaxTotalPixels, nonNegative, &warnings),

		MaxConcurrentDownloads: parseIntDefault("MAX_CONCURRENT_DOWNLOADS", defaultMaxConcurrentDownloads,
			poolSize, &warnings),
		MaxDownloadsPerHour: parseIntDefault("MAX_DOWNLOADS_PER_HOUR", defaultMaxDownloadsPerHour, nonNegative, &warnings),
		MaxSearchesPerHour:  parseIntDefault("MAX_SEARCHES_PER_HOUR", defaultMaxSearchesPerHour, nonNegative, &warnings),
		SearchLimit:         parseIntDefault("SEARCH_LIMIT", defaultSearchLimit, greaterThanZero, &warnings),
		DedupWindowSec:      parseIntDefault("DEDUP_WINDOW_SEC", defaultDedupWindowSec, nonNegative, &warnings),
		QuotaDBFile:         sanitizeFile("QUOTA_DB_FILE", os.Getenv("QUOTA_DB_FILE"), defaultQuotaDBFile, &warnings),

		DownloadTimeoutSec:  parseIntDefault("DOWNLOAD_TIMEOUT_SEC", defaultDownloadTimeoutSec, nonNegative, &warnings),
		UploadTimeoutSec:    parseIntDefault("UPLOAD_TIMEOUT_SEC", defaultUploadTimeoutSec, greaterThanZero, &warnings),
		PollIntervalMS:      parseIntDefault("POLL_INTERVAL_MS", defaultPollIntervalMS, greaterThanZero, &warnings),
		ProgressEveryPolls:  parseIntDefault("PROGRESS_EVERY_POLLS", defaultProgressEveryPolls, greaterThanZero, &warnings),
		ProgressStepPercent: parseIntDefault("PROGRESS_STEP_PERCENT", defaultProgressStepPercent, isPercent, &warnings),
		PreviewImageCount:   parseIntDefault("PREVIEW_IMAGE_COUNT", defaultPreviewImageCount, nonNegative, &warnings),
		SendPreview:         parseBoolDefault("SEND_PREVIEW", defaultSendPreview, &warnings),

		CrawlerCommand:    sanitizeFile("CRAWLER_COMMAND", os.Getenv("CRAWLER_COMMAND"), defaultCrawlerCommand, &warnings),
		CrawlerOptionFile: strings.TrimSpace(os.Getenv("CRAWLER_OPTION_FILE")),
		CrawlerThreads:    parseIntDefault("CRAWLER_THREADS", defaultCrawlerThreads, greaterThanZero, &warnings),
		UseProxy:          parseBoolDefault("USE_PROXY", false, &warnings),
		ProxyURL:          strings.TrimSpace(os.Getenv("PROXY_URL")),

		LogLevel:          sanitizeLogLevel("LOG_LEVEL", os.Getenv("LOG_LEVEL"), defaultLogLevel, &warnings),
		LogFile:           strings.TrimSpace(os.Getenv("LOG_FILE")),
		LogFileLevel:      sanitizeLogLevel("LOG_FILE_LEVEL", os.Getenv("LOG_FILE_LEVEL"), defaultLogFileLevel, &warnings),
		LogFileMaxSize:    parseIntDefault("LOG_FILE_MAX_SIZE_MB", defaultLogFileMaxSize, greaterThanZero, &warnings),
		LogFileMaxBackups: parseIntDefault("LOG_FILE_MAX_BACKUPS", defaultLogFileMaxBackups, nonNegative, &warnings),
		LogFileMaxAge:     parseIntDefault("LOG_FILE_MAX_AGE_DAYS", defaultLogFileMaxAge, nonNegative, &warnings),
		LogFileCompress:   parseBoolDefault("LOG_FILE_COMPRESS", defaultLogFileCompress, &warnings),

		AppTimezone: sanitizeTimezone(os.Getenv("APP_TIMEZONE"), &warnings),

		HealthEnable:  parseBoolDefault("HEALTH_ENABLE", defaultHealthEnable, &warnings),
		HealthAddress: sanitizeHealthAddress(&warnings),
		CLIEnable:     parseBoolDefault("CLI_ENABLE", defaultCLIEnable, &warnings),
		CLIOutputDir:  sanitizeFile("CLI_OUTPUT_DIR", os.Getenv("CLI_OUTPUT_DIR"), defaultCLIOutputDir, &warnings),
	}

	if env.UseProxy && env.ProxyURL == "" {
		appendWarningf(&warnings, "env USE_PROXY is true but PROXY_URL is empty; proxy disabled")
		env.UseProxy = false
	}

	return &Config{Env: env, warnings: warnings}, nil
}

// Warnings возвращает копию предупреждений, накопленных при загрузке.
func Warnings() []string {
	cfgInstance.mu.RLock()
	defer cfgInstance.mu.RUnlock()
	result := make([]string, len(cfgInstance.warnings))
	copy(result, cfgInstance.warnings)
	return result
}

// Env возвращает снимок EnvConfig из singleton.
func Env() EnvConfig {
	cfgInstance.mu.RLock()
	defer cfgInstance.mu.RUnlock()
	return cfgInstance.Env
}

// parseRequiredInt читает обязательную целочисленную переменную.
func parseRequiredInt(name string) (int, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return 0, errors.Errorf("env %s must be set", name)
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, errors.Wrapf(err, "env %s must be a valid integer", name)
	}
	return v, nil
}

// parseUserList разбирает CSV идентификаторов пользователей. Пустые элементы пропускаются.
func parseUserList(raw string) ([]int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	ids := make([]int64, 0, len(parts))
	for _, part := range parts {
		token := strings.TrimSpace(part)
		if token == "" {
			continue
		}
		id, err := strconv.ParseInt(token, 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "env ALLOWED_USERS entry %q", token)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// parseIntDefault читает name как int; при пустом/некорректном значении — defaultVal и предупреждение.
func parseIntDefault(name string, defaultVal int, validator func(int) bool, warnings *[]string) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		appendWarningf(warnings, "env %s is not set; using default %d", name, defaultVal)
		return defaultVal
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		appendWarningf(warnings, "env %s value %q is not a valid integer; using default %d", name, value, defaultVal)
		return defaultVal
	}
	if validator != nil && !validator(v) {
		appendWarningf(warnings, "env %s value %d does not satisfy constraints; using default %d", name, v, defaultVal)
		return defaultVal
	}
	return v
}

// parseBoolDefault читает name как bool; при пустом/некорректном значении — defaultVal.
func parseBoolDefault(name string, defaultVal bool, warnings *[]string) bool {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		appendWarningf(warnings, "env %s is not set; using default %v", name, defaultVal)
		return defaultVal
	}
	v, err := strconv.ParseBool(value)
	if err != nil {
		appendWarningf(warnings, "env %s value %q is not a valid boolean; using default %v", name, value, defaultVal)
		return defaultVal
	}
	return v
}

func appendWarningf(warnings *[]string, format string, args ...any) {
	if warnings == nil {
		return
	}
	*warnings = append(*warnings, fmt.Sprintf(format, args...))
}

func greaterThanZero(v int) bool { return v > 0 }
func nonNegative(v int) bool     { return v >= 0 }
func isQuality(v int) bool       { return v >= 1 && v <= maxQuality }
func isPercent(v int) bool       { return v >= 1 && v <= 100 }
func poolSize(v int) bool        { return v >= 1 && v <= maxConcurrentWorker }

// sanitizeLogLevel ограничивает значения набором {debug, info, warn, error}.
func sanitizeLogLevel(name, level, defaultVal string, warnings *[]string) string {
	lvl := strings.ToLower(strings.TrimSpace(level))
	if lvl == "" {
		appendWarningf(warnings, "env %s is not set; using default %q", name, defaultVal)
		return defaultVal
	}
	switch lvl {
	case "debug", "info", "warn", "error":
		return lvl
	default:
		appendWarningf(warnings, "env %s value %q is invalid; using default %q", name, level, defaultVal)
		return defaultVal
	}
}

// sanitizeTransport выбирает транспорт (botapi|mtproto).
// sanitizeTimezone проверяет APP_TIMEZONE; неверное значение сбрасывается на системную зону.
func sanitizeTimezone(value string, warnings *[]string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		return ""
	}
	if _, err := timeutil.ParseLocation(v); err != nil {
		appendWarningf(warnings, "env APP_TIMEZONE %q is invalid (%v); using system timezone", v, err)
		return ""
	}
	return v
}

func sanitizeTransport(value string, warnings *[]string) string {
	v := strings.ToLower(strings.TrimSpace(value))
	switch v {
	case "":
		appendWarningf(warnings, "env TRANSPORT is not set; using default %q", defaultTransport)
		return defaultTransport
	case TransportBotAPI, TransportMTProto:
		return v
	default:
		appendWarningf(warnings, "env TRANSPORT value %q is invalid; using default %q", value, defaultTransport)
		return defaultTransport
	}
}

// sanitizeFile подставляет fallback для пустого значения.
func sanitizeFile(name, value, fallback string, warnings *[]string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		appendWarningf(warnings, "env %s is not set; using default %q", name, fallback)
		return fallback
	}
	return v
}

// sanitizeHealthAddress: HEALTH_ADDRESS важнее PORT; PORT выставляют PaaS-платформы.
func sanitizeHealthAddress(warnings *[]string) string {
	if addr := strings.TrimSpace(os.Getenv("HEALTH_ADDRESS")); addr != "" {
		return addr
	}
	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		if _, err := strconv.Atoi(port); err == nil {
			return ":" + port
		}
		appendWarningf(warnings, "env PORT value %q is invalid; using default %q", port, defaultHealthAddress)
	}
	return defaultHealthAddress
}

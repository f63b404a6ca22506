package crawler

import (
	"os"

	"github.com/go-faster/errors"
	"gopkg.in/yaml.v3"

	"jmcomic-bot/internal/infra/storage"
)

// jobOptionFile — имя option-файла внутри каталога задания.
const jobOptionFile = ".option.yml"

// jobOption — поля, которые бот навязывает краулеру поверх базового option-файла.
type jobOption struct {
	BaseDir  string
	Threads  int
	ProxyURL string
}

// writeJobOption читает базовый YAML (если задан), перекрывает в нём каталог,
// число потоков и прокси и атомарно пишет результат в path.
func writeJobOption(baseFile, path string, o jobOption) error {
	doc := map[string]any{}
	if baseFile != "" {
		raw, err := os.ReadFile(baseFile)
		if err != nil {
			return errors.Wrapf(err, "read option file %s", baseFile)
		}
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return errors.Wrapf(err, "parse option file %s", baseFile)
		}
		if doc == nil {
			doc = map[string]any{}
		}
	}

	section(doc, "dir_rule")["base_dir"] = o.BaseDir
	if o.Threads > 0 {
		section(section(doc, "download"), "image")["thread_count"] = o.Threads
	}
	if o.ProxyURL != "" {
		proxies := section(section(section(doc, "client"), "postman"), "meta_data")
		proxies["proxies"] = map[string]any{"http": o.ProxyURL, "https": o.ProxyURL}
	}

	out, err := yaml.Marshal(doc)
	if err != nil {
		return errors.Wrap(err, "encode option file")
	}
	return storage.AtomicWriteFile(path, out)
}

// section возвращает вложенную карту key, создавая её или заменяя не-карту.
func section(doc map[string]any, key string) map[string]any {
	if m, ok := doc[key].(map[string]any); ok {
		return m
	}
	m := map[string]any{}
	doc[key] = m
	return m
}

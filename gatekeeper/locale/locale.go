package locale

import (
	"bufio"
	"embed"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"strings"
	"sync"

	"golang.org/x/text/language"
)

//go:embed lang/*.lang
var embedded embed.FS

// localeData represents a mapping of translation keys to their respective values for a specific language.
type localeData map[string]string

// locales is a map of registered locales keyed by language tags.
// It holds all the locale data for supported languages.
var (
	localesMu sync.RWMutex
	locales   = make(map[language.Tag]localeData)
)

// init registers the built-in English messages so the bot can always talk.
func init() {
	if err := RegisterFS(language.English, embedded, "lang"); err != nil {
		panic(err)
	}
}

// Register registers a locale from <filePath>/<lang>.lang on disk, overriding
// keys of an already registered locale for the same language.
func Register(lang language.Tag, filePath string) error {
	return RegisterFS(lang, os.DirFS(filePath), ".")
}

// RegisterFS registers a locale from <dir>/<lang>.lang inside fsys.
// The language file should be in the format "key=value". A literal \n in a
// value becomes a line break.
func RegisterFS(lang language.Tag, fsys fs.FS, dir string) error {
	file, err := fsys.Open(path.Join(dir, lang.String()+".lang"))
	if err != nil {
		return fmt.Errorf("could not open lang file: %w", err)
	}
	defer file.Close()

	data, err := parse(file)
	if err != nil {
		return err
	}

	localesMu.Lock()
	defer localesMu.Unlock()
	existing, ok := locales[lang]
	if !ok {
		existing = make(localeData, len(data))
		locales[lang] = existing
	}
	for k, v := range data {
		existing[k] = v
	}
	return nil
}

func parse(r io.Reader) (localeData, error) {
	data := make(localeData)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) == 0 || line[0] == '#' {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) < 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		data[key] = strings.ReplaceAll(value, `\n`, "\n")
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading lang file: %w", err)
	}
	return data, nil
}

// Translate translates a key to the default language (English) and formats it with the provided arguments.
func Translate(key string, args ...any) string {
	return TranslateL(language.English, key, args...)
}

// TranslateL translates a key to a specified language and formats it with the provided arguments.
// If the language data is unavailable, it falls back to the English translation.
// Placeholders %1, %2, ... are replaced by the arguments in order.
func TranslateL(lang language.Tag, key string, args ...any) string {
	localesMu.RLock()
	locale, ok := locales[lang]
	if !ok {
		locale = locales[language.English]
	}
	translation, ok := locale[key]
	localesMu.RUnlock()
	if !ok {
		return fmt.Sprintf("missing translation for '%s'", key)
	}

	// Replace from the highest index down so %1 never eats the start of %10.
	for i := len(args) - 1; i >= 0; i-- {
		placeholder := fmt.Sprintf("%%%d", i+1)
		translation = strings.ReplaceAll(translation, placeholder, fmt.Sprintf("%v", args[i]))
	}
	return translation
}

package locale

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/language"
)

func TestEmbeddedEnglish(t *testing.T) {
	got := Translate("strike.issued", 1, 3, "Confirmation timeout")
	assert.Contains(t, got, "1/3")
	assert.Contains(t, got, "Confirmation timeout")
	assert.NotContains(t, got, "%")
}

func TestMissingKey(t *testing.T) {
	assert.Equal(t, "missing translation for 'nope'", Translate("nope"))
}

func TestRegisterOverridesAndFallsBack(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "de.lang"), []byte(
		"# comment\n\nsession.confirmed=Danke %1!\nbroken line\nmulti=a\\nb\n"), 0o600))
	require.NoError(t, Register(language.German, dir))

	assert.Equal(t, "Danke Rex!", TranslateL(language.German, "session.confirmed", "Rex"))
	assert.Equal(t, "a\nb", TranslateL(language.German, "multi"))
	assert.Equal(t, Translate("session.declined"), TranslateL(language.French, "session.declined"))
}

func TestPlaceholderOrdering(t *testing.T) {
	data, err := parse(strings.NewReader("k=%1|%10"))
	require.NoError(t, err)
	localesMu.Lock()
	locales[language.Dutch] = data
	localesMu.Unlock()

	args := []any{"a", 2, 3, 4, 5, 6, 7, 8, 9, "ten"}
	assert.Equal(t, "a|ten", TranslateL(language.Dutch, "k", args...))
}

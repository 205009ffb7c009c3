package phrase

import (
	"math/rand/v2"
	"strings"
	"testing"
	"unicode"
	"unicode/utf8"

	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
)

func TestGenerateShape(t *testing.T) {
	g := NewGenerator(rand.New(rand.NewPCG(1, 2)))

	for range 500 {
		s := g.Generate()
		first, _ := utf8.DecodeRuneInString(s)
		assert.True(t, unicode.IsUpper(first), "sentence %q should start upper-case", s)
		assert.True(t, lo.SomeBy(closers, func(c string) bool {
			return strings.HasSuffix(s, c)
		}), "sentence %q should end with a closer", s)
	}
}

func TestGenerateDeterministic(t *testing.T) {
	a := NewGenerator(rand.New(rand.NewPCG(7, 7)))
	b := NewGenerator(rand.New(rand.NewPCG(7, 7)))
	for range 20 {
		assert.Equal(t, a.Generate(), b.Generate())
	}
}

func TestGenerateSpread(t *testing.T) {
	g := New()
	seen := make(map[string]struct{})
	for range 1000 {
		seen[g.Generate()] = struct{}{}
	}
	// A handful of collisions are tolerable, a collapse of the pools is not.
	assert.Greater(t, len(seen), 980)
}

func TestCapitalise(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"wow, great video", "Wow, great video"},
		{"Already", "Already"},
		{"", ""},
		{"éclair", "Éclair"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, capitalise(tt.in))
	}
}

package phrase

import (
	"math/rand/v2"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"
)

// Generator composes human-looking comment sentences from fixed word pools.
// A Generator is safe for concurrent use.
type Generator struct {
	mu sync.Mutex
	r  *rand.Rand
}

// NewGenerator returns a Generator drawing from r.
func NewGenerator(r *rand.Rand) *Generator {
	return &Generator{r: r}
}

// New returns a Generator seeded from the runtime.
func New() *Generator {
	return NewGenerator(rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())))
}

// templateCount is the number of sentence shapes Generate picks from.
const templateCount = 4

// Generate returns a new sentence. It never fails.
func (g *Generator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	var s string
	switch g.r.IntN(templateCount) {
	case 0:
		s = g.pick(openers) + " " + g.pick(adjectives) + " " + g.pick(nouns) + ", " + g.pick(closers)
	case 1:
		s = g.pick(openers) + " this " + g.pick(nouns) + " is really " + g.pick(adjectives) + ", " + g.pick(closers)
	case 2:
		s = g.pick(openers) + " " + g.pick(adjectives) + " " + g.pick(nouns) + ", " +
			g.pick(connectives) + " the " + g.pick(qualities) + ", " + g.pick(closers)
	default:
		s = g.pick(adjectives) + " " + g.pick(nouns) + "! " + g.pick(openers) + " " + g.pick(closers)
	}
	return capitalise(s)
}

// pick returns a uniformly random element of pool.
func (g *Generator) pick(pool []string) string {
	return pool[g.r.IntN(len(pool))]
}

// capitalise upper-cases the first rune of s.
func capitalise(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	b.WriteRune(unicode.ToUpper(r))
	b.WriteString(s[size:])
	return b.String()
}

// Package code issues the unique identifiers attached to challenge tasks.
package code

import (
	"fmt"
	"log/slog"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/smell-of-curry/gatekeeper/gatekeeper/schedule"
)

const (
	// Prefix starts every issued code.
	Prefix = "ID-"
	// alphabet and length describe the random part of a code.
	alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	length   = 7
	// maxAttempts bounds the search for an unused code before falling back.
	maxAttempts = 100
)

// Set is the set of codes issued so far. *store.Store implements it.
type Set interface {
	HasCode(code string) bool
	AddCode(code string) error
}

// Allocator hands out codes that were never issued before.
type Allocator struct {
	log   *slog.Logger
	set   Set
	clock schedule.Clock
	gen   func() (string, error)
}

// NewAllocator ...
func NewAllocator(log *slog.Logger, set Set, clock schedule.Clock) *Allocator {
	return &Allocator{
		log:   log,
		set:   set,
		clock: clock,
		gen: func() (string, error) {
			return gonanoid.Generate(alphabet, length)
		},
	}
}

// Allocate returns a fresh code that has already been recorded in the set.
// It always returns a code. A failure to persist it is logged as critical.
func (a *Allocator) Allocate() string {
	c, ok := a.random()
	if !ok {
		c = fmt.Sprintf("%sfallback-%06d", Prefix, a.clock.Now().UnixMilli()%1_000_000)
		a.log.Error("CRITICAL: could not find an unused challenge code, using fallback",
			"attempts", maxAttempts,
			"code", c)
	}
	if err := a.set.AddCode(c); err != nil {
		a.log.Error("CRITICAL: failed to persist issued challenge code", "code", c, "error", err)
	}
	return c
}

// random tries up to maxAttempts random codes.
func (a *Allocator) random() (string, bool) {
	for range maxAttempts {
		id, err := a.gen()
		if err != nil {
			a.log.Warn("Failed to generate challenge code", "error", err)
			continue
		}
		if c := Prefix + id; !a.set.HasCode(c) {
			return c, true
		}
	}
	return "", false
}

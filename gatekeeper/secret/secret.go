// Package secret stores the game server password handed out after a
// successful challenge.
package secret

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/AlecAivazis/survey/v2"
	"github.com/smell-of-curry/gatekeeper/gatekeeper/internal"
)

// ErrNotSet is returned when no password has been stored yet.
var ErrNotSet = errors.New("no password set")

// File keeps the password in a plain text file.
type File struct {
	mu   sync.Mutex
	path string
}

// NewFile ...
func NewFile(path string) *File {
	return &File{path: path}
}

// Read returns the stored password.
func (f *File) Read() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	b, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return "", ErrNotSet
	}
	if err != nil {
		return "", fmt.Errorf("read password file: %w", err)
	}
	pass := strings.TrimSpace(string(b))
	if pass == "" {
		return "", ErrNotSet
	}
	return pass, nil
}

// Write replaces the stored password.
func (f *File) Write(pass string) error {
	pass = strings.TrimSpace(pass)
	if pass == "" {
		return errors.New("password must not be empty")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(f.path), internal.DirectoryPermissions); err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(pass), internal.FilePermissions); err != nil {
		return fmt.Errorf("write password file: %w", err)
	}
	return os.Rename(tmp, f.path)
}

// PromptIfMissing asks the operator for the password on the terminal when
// none is stored. It does nothing when stdin is not a terminal.
func (f *File) PromptIfMissing() error {
	if _, err := f.Read(); !errors.Is(err, ErrNotSet) {
		return err
	}
	if !interactive() {
		return nil
	}

	var set bool
	if err := survey.AskOne(&survey.Confirm{
		Message: "No game server password is stored yet. Set one now?",
		Default: true,
	}, &set); err != nil || !set {
		return err
	}

	var pass string
	if err := survey.AskOne(&survey.Password{
		Message: "Game server password:",
	}, &pass, survey.WithValidator(survey.Required)); err != nil {
		return err
	}
	return f.Write(pass)
}

// interactive reports whether stdin is a character device.
func interactive() bool {
	fi, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}

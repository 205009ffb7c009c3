// Package store holds the bot's durable records: verified users, bans, the
// issued challenge codes and active game sessions.
//
// The in-memory maps are authoritative. Every mutation saves the affected
// document before returning, and a failed save is returned to the caller
// while the in-memory change is kept.
package store

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"strings"
	"sync"

	"github.com/samber/lo"
)

// Document names, kept compatible with the data files of earlier bot versions.
const (
	VerifiedFile = "verified_users.json"
	BannedFile   = "banned_users.json"
	CodesFile    = "used_pass_phrase_ids.json"
	SessionsFile = "active_ark_players.json"
)

var (
	// ErrBanned is returned when a verification record is written for a banned user.
	ErrBanned = errors.New("user is banned")
	// ErrNotFound is returned when the record to update does not exist.
	ErrNotFound = errors.New("record not found")
)

// Store is safe for concurrent use.
type Store struct {
	log *slog.Logger
	p   Persistence

	mu       sync.RWMutex
	verified map[string]VerificationRecord
	banned   map[string]BanRecord
	codes    map[string]struct{}
	sessions map[string]ActiveSession

	// saveMu orders saves so an older snapshot never overwrites a newer one.
	saveMu sync.Mutex
}

// New returns an empty Store backed by p. Call Load to read existing data.
func New(log *slog.Logger, p Persistence) *Store {
	return &Store{
		log:      log,
		p:        p,
		verified: make(map[string]VerificationRecord),
		banned:   make(map[string]BanRecord),
		codes:    make(map[string]struct{}),
		sessions: make(map[string]ActiveSession),
	}
}

// Load reads every document. Missing documents leave their collection empty.
func (s *Store) Load() error {
	verified := make(map[string]VerificationRecord)
	banned := make(map[string]BanRecord)
	sessions := make(map[string]ActiveSession)
	var codes []string

	var errs []error
	for name, v := range map[string]any{
		VerifiedFile: &verified,
		BannedFile:   &banned,
		CodesFile:    &codes,
		SessionsFile: &sessions,
	} {
		found, err := s.p.Load(name, v)
		if err != nil {
			errs = append(errs, fmt.Errorf("load %s: %w", name, err))
			continue
		}
		if !found {
			s.log.Info("No existing data, starting empty", "document", name)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.verified = nonNil(verified)
	s.banned = nonNil(banned)
	s.sessions = nonNil(sessions)
	s.codes = make(map[string]struct{}, len(codes))
	for _, c := range codes {
		s.codes[c] = struct{}{}
	}
	s.log.Info("Loaded records",
		"verified", len(s.verified),
		"banned", len(s.banned),
		"codes", len(s.codes),
		"sessions", len(s.sessions))
	return nil
}

func nonNil[V any](m map[string]V) map[string]V {
	if m == nil {
		return make(map[string]V)
	}
	return m
}

// Flush saves every document.
func (s *Store) Flush() error {
	return errors.Join(
		s.save(VerifiedFile),
		s.save(BannedFile),
		s.save(CodesFile),
		s.save(SessionsFile),
	)
}

// save writes a snapshot of one document.
func (s *Store) save(name string) error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.RLock()
	var snapshot any
	switch name {
	case VerifiedFile:
		snapshot = maps.Clone(s.verified)
	case BannedFile:
		snapshot = maps.Clone(s.banned)
	case SessionsFile:
		snapshot = maps.Clone(s.sessions)
	case CodesFile:
		codes := lo.Keys(s.codes)
		sort.Strings(codes)
		snapshot = codes
	}
	s.mu.RUnlock()

	if err := s.p.Save(name, snapshot); err != nil {
		return fmt.Errorf("save %s: %w", name, err)
	}
	return nil
}

// Verification returns the record of userID.
func (s *Store) Verification(userID string) (VerificationRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.verified[userID]
	return rec, ok
}

// Verifications returns a copy of every verification record.
func (s *Store) Verifications() map[string]VerificationRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.verified)
}

// Entry pairs a user ID with its record.
type Entry struct {
	UserID string
	Record VerificationRecord
}

// LatestVerifications returns up to n records, newest verification first.
func (s *Store) LatestVerifications(n int) []Entry {
	s.mu.RLock()
	entries := lo.MapToSlice(s.verified, func(id string, rec VerificationRecord) Entry {
		return Entry{UserID: id, Record: rec}
	})
	s.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Record.VerifiedAt.After(entries[j].Record.VerifiedAt)
	})
	if n >= 0 && len(entries) > n {
		entries = entries[:n]
	}
	return entries
}

// FindByInGameName looks a record up by in-game name, ignoring case.
func (s *Store) FindByInGameName(name string) (string, VerificationRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for id, rec := range s.verified {
		if strings.EqualFold(rec.InGameName, name) {
			return id, rec, true
		}
	}
	return "", VerificationRecord{}, false
}

// PutVerification stores rec for userID. It refuses banned users.
func (s *Store) PutVerification(userID string, rec VerificationRecord) error {
	s.mu.Lock()
	if _, banned := s.banned[userID]; banned {
		s.mu.Unlock()
		return ErrBanned
	}
	s.verified[userID] = rec
	s.mu.Unlock()
	return s.save(VerifiedFile)
}

// UpdateVerification applies fn to the record of userID and saves it. The
// update is atomic with respect to other store calls.
func (s *Store) UpdateVerification(userID string, fn func(*VerificationRecord)) (VerificationRecord, error) {
	s.mu.Lock()
	rec, ok := s.verified[userID]
	if !ok {
		s.mu.Unlock()
		return VerificationRecord{}, ErrNotFound
	}
	fn(&rec)
	s.verified[userID] = rec
	s.mu.Unlock()
	return rec, s.save(VerifiedFile)
}

// DeleteVerification removes the record of userID.
func (s *Store) DeleteVerification(userID string) (VerificationRecord, bool, error) {
	s.mu.Lock()
	rec, ok := s.verified[userID]
	delete(s.verified, userID)
	s.mu.Unlock()
	if !ok {
		return rec, false, nil
	}
	return rec, true, s.save(VerifiedFile)
}

// Ban records a ban for userID and drops its verification record.
func (s *Store) Ban(userID string, ban BanRecord) error {
	s.mu.Lock()
	_, hadRecord := s.verified[userID]
	delete(s.verified, userID)
	s.banned[userID] = ban
	s.mu.Unlock()

	if hadRecord {
		if err := s.save(VerifiedFile); err != nil {
			return err
		}
	}
	return s.save(BannedFile)
}

// Unban removes the ban of userID.
func (s *Store) Unban(userID string) (BanRecord, bool, error) {
	s.mu.Lock()
	ban, ok := s.banned[userID]
	delete(s.banned, userID)
	s.mu.Unlock()
	if !ok {
		return ban, false, nil
	}
	return ban, true, s.save(BannedFile)
}

// Banned returns the ban of userID.
func (s *Store) Banned(userID string) (BanRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ban, ok := s.banned[userID]
	return ban, ok
}

// Bans returns a copy of every ban.
func (s *Store) Bans() map[string]BanRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.banned)
}

// HasCode reports whether code was ever issued.
func (s *Store) HasCode(code string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.codes[code]
	return ok
}

// AddCode records code as issued.
func (s *Store) AddCode(code string) error {
	s.mu.Lock()
	s.codes[code] = struct{}{}
	s.mu.Unlock()
	return s.save(CodesFile)
}

// Session returns the active session of userID.
func (s *Store) Session(userID string) (ActiveSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[userID]
	return sess, ok
}

// Sessions returns a copy of every active session.
func (s *Store) Sessions() map[string]ActiveSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.sessions)
}

// PutSession stores sess for userID.
func (s *Store) PutSession(userID string, sess ActiveSession) error {
	s.mu.Lock()
	s.sessions[userID] = sess
	s.mu.Unlock()
	return s.save(SessionsFile)
}

// UpdateSession applies fn to the session of userID and saves it.
func (s *Store) UpdateSession(userID string, fn func(*ActiveSession)) (ActiveSession, error) {
	s.mu.Lock()
	sess, ok := s.sessions[userID]
	if !ok {
		s.mu.Unlock()
		return ActiveSession{}, ErrNotFound
	}
	fn(&sess)
	s.sessions[userID] = sess
	s.mu.Unlock()
	return sess, s.save(SessionsFile)
}

// DeleteSession removes the session of userID.
func (s *Store) DeleteSession(userID string) (ActiveSession, bool, error) {
	s.mu.Lock()
	sess, ok := s.sessions[userID]
	delete(s.sessions, userID)
	s.mu.Unlock()
	if !ok {
		return sess, false, nil
	}
	return sess, true, s.save(SessionsFile)
}

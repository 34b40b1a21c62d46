// Package pairing implements the pairing-code workflow that lets a DM
// channel under channels.DMPolicyPairing admit a previously unknown sender
// once an operator approves a short code out of band.
package pairing

import (
	"crypto/rand"
	"encoding/base32"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/openclaw/openclaw/internal/store"
)

const (
	codeLength = 8
	codeTTL    = 15 * time.Minute
)

// Service is a file-persisted pairing-request ledger. It implements
// store.PairingStore directly, so callers pass *Service wherever a
// store.PairingStore is expected.
type Service struct {
	path string

	mu      sync.Mutex
	entries map[string]*store.PairingEntry // keyed by code
	paired  map[string]bool                // keyed by senderID+"|"+channel
}

// NewService loads (or initializes) a pairing ledger persisted at path.
func NewService(path string) *Service {
	s := &Service{
		path:    path,
		entries: make(map[string]*store.PairingEntry),
		paired:  make(map[string]bool),
	}
	s.load()
	return s
}

func pairedKey(senderID, channel string) string {
	return senderID + "|" + channel
}

// RequestPairing issues a code for (senderID, channel, chatID, scope),
// reusing an existing unexpired unapproved code for the same tuple rather
// than minting a fresh one on every retry.
func (s *Service) RequestPairing(senderID, channel, chatID, scope string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for code, e := range s.entries {
		if e.SenderID == senderID && e.Channel == channel && e.Scope == scope &&
			!e.Approved && now.Before(e.ExpiresAt) {
			return code, nil
		}
	}

	code, err := s.newCode(channel, senderID, chatID, now)
	if err != nil {
		return "", err
	}
	s.entries[code] = &store.PairingEntry{
		Code:      code,
		SenderID:  senderID,
		Channel:   channel,
		ChatID:    chatID,
		Scope:     scope,
		CreatedAt: now,
		ExpiresAt: now.Add(codeTTL),
	}
	if err := s.persist(); err != nil {
		return "", err
	}
	return code, nil
}

// IsPaired reports whether senderID has an approved pairing on channel.
func (s *Service) IsPaired(senderID, channel string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paired[pairedKey(senderID, channel)]
}

// ApprovePairing marks code approved, admitting its sender on its channel
// from then on.
func (s *Service) ApprovePairing(code string) (*store.PairingEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[code]
	if !ok {
		return nil, fmt.Errorf("pairing: unknown code %q", code)
	}
	if time.Now().After(e.ExpiresAt) {
		return nil, fmt.Errorf("pairing: code %q has expired", code)
	}
	e.Approved = true
	s.paired[pairedKey(e.SenderID, e.Channel)] = true
	if err := s.persist(); err != nil {
		return nil, err
	}
	copied := *e
	return &copied, nil
}

// ListPending returns every unapproved, unexpired code, pruning expired
// ones as it goes.
func (s *Service) ListPending() ([]store.PairingEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var pending []store.PairingEntry
	changed := false
	for code, e := range s.entries {
		if now.After(e.ExpiresAt) && !e.Approved {
			delete(s.entries, code)
			changed = true
			continue
		}
		if !e.Approved {
			pending = append(pending, *e)
		}
	}
	if changed {
		if err := s.persist(); err != nil {
			return pending, err
		}
	}
	return pending, nil
}

// newCode derives a short pairing code from (channel, senderID, chatID, a
// coarse time-bucket) salted with fresh randomness, via blake2b — the salt
// keeps codes unguessable across retries even though the hash input is
// otherwise deterministic for a given sender within one time bucket.
func (s *Service) newCode(channel, senderID, chatID string, now time.Time) (string, error) {
	bucket := now.Unix() / int64(codeTTL.Seconds())
	for attempt := 0; attempt < 10; attempt++ {
		salt := make([]byte, 16)
		if _, err := rand.Read(salt); err != nil {
			return "", fmt.Errorf("pairing: generate code: %w", err)
		}

		h, err := blake2b.New256(nil)
		if err != nil {
			return "", fmt.Errorf("pairing: hash init: %w", err)
		}
		h.Write(salt)
		fmt.Fprintf(h, "%s|%s|%s|%d|%d", channel, senderID, chatID, bucket, attempt)
		sum := h.Sum(nil)

		code := strings.ToUpper(base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(sum))[:codeLength]
		if _, exists := s.entries[code]; !exists {
			return code, nil
		}
	}
	return "", fmt.Errorf("pairing: failed to generate a unique code after 10 attempts")
}

// load reads the ledger from disk, tolerating a missing file (first run).
func (s *Service) load() {
	if s.path == "" {
		return
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return
	}
	var entries []store.PairingEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return
	}
	for i := range entries {
		e := entries[i]
		s.entries[e.Code] = &e
		if e.Approved {
			s.paired[pairedKey(e.SenderID, e.Channel)] = true
		}
	}
}

// persist writes the ledger atomically: temp file, fsync, rename — the same
// pattern internal/acp/metadata_store.go uses for session metadata.
func (s *Service) persist() error {
	if s.path == "" {
		return nil
	}
	entries := make([]store.PairingEntry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, *e)
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmpFile, err := os.CreateTemp(dir, "pairing-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return err
	}
	tmpFile.Close()

	if err := os.Rename(tmpPath, s.path); err != nil {
		return err
	}
	cleanup = false
	return nil
}

var _ store.PairingStore = (*Service)(nil)

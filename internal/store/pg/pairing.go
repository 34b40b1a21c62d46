package pg

import (
	"crypto/rand"
	"database/sql"
	"encoding/base32"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"

	"github.com/openclaw/openclaw/internal/store"
)

const pairingCodeLength = 8
const pairingCodeTTL = 15 * time.Minute

// PGPairingStore implements store.PairingStore backed by Postgres, for
// managed mode where the pairing ledger needs to survive across gateway
// instances rather than live in one instance's local JSON file.
type PGPairingStore struct {
	db *sql.DB
}

func NewPGPairingStore(db *sql.DB) *PGPairingStore {
	return &PGPairingStore{db: db}
}

func (s *PGPairingStore) RequestPairing(senderID, channel, chatID, scope string) (string, error) {
	now := time.Now()

	var existing string
	err := s.db.QueryRow(
		`SELECT code FROM pairing_requests
		 WHERE sender_id = $1 AND channel = $2 AND scope = $3 AND approved = false AND expires_at > $4
		 LIMIT 1`,
		senderID, channel, scope, now,
	).Scan(&existing)
	if err == nil {
		return existing, nil
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("pairing: lookup existing code: %w", err)
	}

	var code string
	for attempt := 0; ; attempt++ {
		candidate, genErr := generatePGPairingCode()
		if genErr != nil {
			return "", genErr
		}
		var count int
		if scanErr := s.db.QueryRow(`SELECT count(*) FROM pairing_requests WHERE code = $1`, candidate).Scan(&count); scanErr != nil {
			return "", fmt.Errorf("pairing: check code collision: %w", scanErr)
		}
		if count == 0 {
			code = candidate
			break
		}
		if attempt > 10 {
			return "", fmt.Errorf("pairing: could not generate a unique code")
		}
	}

	_, err = s.db.Exec(
		`INSERT INTO pairing_requests (id, code, sender_id, channel, chat_id, scope, approved, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, false, $7, $8)`,
		uuid.Must(uuid.NewV7()), code, senderID, channel, chatID, scope, now, now.Add(pairingCodeTTL),
	)
	if err != nil {
		return "", fmt.Errorf("pairing: insert request: %w", err)
	}
	return code, nil
}

func (s *PGPairingStore) IsPaired(senderID, channel string) bool {
	var count int
	err := s.db.QueryRow(
		`SELECT count(*) FROM pairing_requests WHERE sender_id = $1 AND channel = $2 AND approved = true`,
		senderID, channel,
	).Scan(&count)
	return err == nil && count > 0
}

func (s *PGPairingStore) ApprovePairing(code string) (*store.PairingEntry, error) {
	var e store.PairingEntry
	err := s.db.QueryRow(
		`UPDATE pairing_requests SET approved = true
		 WHERE code = $1 AND expires_at > $2
		 RETURNING code, sender_id, channel, chat_id, scope, approved, created_at, expires_at`,
		code, time.Now(),
	).Scan(&e.Code, &e.SenderID, &e.Channel, &e.ChatID, &e.Scope, &e.Approved, &e.CreatedAt, &e.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("pairing: unknown or expired code %q", code)
	}
	if err != nil {
		return nil, fmt.Errorf("pairing: approve code: %w", err)
	}
	return &e, nil
}

func (s *PGPairingStore) ListPending() ([]store.PairingEntry, error) {
	rows, err := s.db.Query(
		`SELECT code, sender_id, channel, chat_id, scope, approved, created_at, expires_at
		 FROM pairing_requests WHERE approved = false AND expires_at > $1`,
		time.Now(),
	)
	if err != nil {
		return nil, fmt.Errorf("pairing: list pending: %w", err)
	}
	defer rows.Close()

	var pending []store.PairingEntry
	for rows.Next() {
		var e store.PairingEntry
		if err := rows.Scan(&e.Code, &e.SenderID, &e.Channel, &e.ChatID, &e.Scope, &e.Approved, &e.CreatedAt, &e.ExpiresAt); err != nil {
			return nil, fmt.Errorf("pairing: scan pending row: %w", err)
		}
		pending = append(pending, e)
	}
	return pending, rows.Err()
}

// generatePGPairingCode salts fresh randomness through blake2b before
// base32-encoding it, matching the derivation internal/pairing.Service uses
// for the file-backed ledger.
func generatePGPairingCode() (string, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("pairing: generate code: %w", err)
	}
	sum := blake2b.Sum256(salt)
	encoded := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(sum[:])
	if len(encoded) > pairingCodeLength {
		encoded = encoded[:pairingCodeLength]
	}
	return encoded, nil
}

var _ store.PairingStore = (*PGPairingStore)(nil)

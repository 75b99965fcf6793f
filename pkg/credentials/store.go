// Package credentials stores printer API keys and provider secrets
// encrypted at rest. Keys are derived per row from the master key with
// PBKDF2; payloads are sealed with AES-256-GCM. Rows written before the
// v2 format used a PBKDF2+XOR scheme and are upgraded in place the
// first time they are read.
package credentials

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/pbkdf2"

	"github.com/kiln-farm/kiln/pkg/fault"
)

const (
	pbkdf2Iterations = 100_000
	derivedKeySize   = 32
	saltSize         = 16
	v2Prefix         = "v2:"
)

// Credential is one stored secret. The ciphertext and salt never leave
// the package: JSON marshalling exposes metadata only.
type Credential struct {
	Name       string     `json:"name"`
	Service    string     `json:"service"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`

	ciphertext string
	salt       []byte
}

// Store manages encrypted credential rows. All methods are safe for
// concurrent use; a single mutex also serializes the legacy-row upgrade
// so two readers cannot rewrite the same row.
type Store struct {
	db        *sql.DB
	mu        sync.Mutex
	masterKey string
}

// NewStore creates the store and runs its migration. The master key is
// any non-empty string; use ResolveMasterKey to obtain one.
func NewStore(db *sql.DB, masterKey string) (*Store, error) {
	if masterKey == "" {
		return nil, fault.New(fault.KindValidation, "credentials: master key must not be empty")
	}
	s := &Store{db: db, masterKey: masterKey}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.ExecContext(context.Background(), `
		CREATE TABLE IF NOT EXISTS credentials (
			name         TEXT PRIMARY KEY,
			service      TEXT NOT NULL DEFAULT '',
			ciphertext   TEXT NOT NULL,
			salt         TEXT NOT NULL,
			created_at   TEXT NOT NULL,
			updated_at   TEXT NOT NULL,
			last_used_at TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to migrate credentials table: %w", err)
	}
	return nil
}

func deriveKey(masterKey string, salt []byte) []byte {
	return pbkdf2.Key([]byte(masterKey), salt, pbkdf2Iterations, derivedKeySize, sha256.New)
}

// seal encrypts a secret under a fresh salt, returning ciphertext and salt.
func seal(masterKey, secret string) (string, []byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	block, err := aes.NewCipher(deriveKey(masterKey, salt))
	if err != nil {
		return "", nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, []byte(secret), nil)
	return v2Prefix + base64.StdEncoding.EncodeToString(sealed), salt, nil
}

// open decrypts either format. isLegacy reports whether the row needs
// the in-place v2 upgrade.
func open(masterKey, ciphertext string, salt []byte) (secret string, isLegacy bool, err error) {
	if strings.HasPrefix(ciphertext, v2Prefix) {
		plain, err := openV2(masterKey, strings.TrimPrefix(ciphertext, v2Prefix), salt)
		return plain, false, err
	}
	plain, err := openLegacy(masterKey, ciphertext, salt)
	return plain, true, err
}

func openV2(masterKey, encoded string, salt []byte) (string, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("failed to decode ciphertext: %w", err)
	}
	block, err := aes.NewCipher(deriveKey(masterKey, salt))
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}
	if len(data) < gcm.NonceSize() {
		return "", errors.New("ciphertext too short")
	}
	nonce, sealed := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}
	return string(plain), nil
}

// openLegacy handles pre-v2 rows: base64 of the secret XORed with a
// repeating PBKDF2-derived keystream. Kept for reads only; every write
// produces v2.
func openLegacy(masterKey, encoded string, salt []byte) (string, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("failed to decode legacy ciphertext: %w", err)
	}
	return string(xorKeystream(data, deriveKey(masterKey, salt))), nil
}

func xorKeystream(data, key []byte) []byte {
	out := make([]byte, len(data))
	for i, b := range data {
		out[i] = b ^ key[i%len(key)]
	}
	return out
}

// Save stores or replaces a secret under a fresh salt.
func (s *Store) Save(ctx context.Context, name, service, secret string) error {
	if name == "" {
		return fault.New(fault.KindValidation, "credentials: name must not be empty")
	}
	if secret == "" {
		return fault.New(fault.KindValidation, "credentials: secret must not be empty")
	}
	ciphertext, salt, err := seal(s.masterKey, secret)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO credentials (name, service, ciphertext, salt, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			service = excluded.service,
			ciphertext = excluded.ciphertext,
			salt = excluded.salt,
			updated_at = excluded.updated_at
	`, name, service, ciphertext, base64.StdEncoding.EncodeToString(salt), now, now)
	if err != nil {
		return fmt.Errorf("failed to save credential %s: %w", name, err)
	}
	return nil
}

// Get decrypts and returns a secret. Legacy rows are re-encrypted to v2
// in place before returning; a failed upgrade write is logged into the
// returned error rather than losing the successfully decrypted secret.
func (s *Store) Get(ctx context.Context, name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ciphertext, saltB64 string
	err := s.db.QueryRowContext(ctx,
		`SELECT ciphertext, salt FROM credentials WHERE name = ?`, name,
	).Scan(&ciphertext, &saltB64)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fault.Newf(fault.KindNotFound, "credential %q not found", name)
	}
	if err != nil {
		return "", fmt.Errorf("failed to load credential %s: %w", name, err)
	}
	salt, err := base64.StdEncoding.DecodeString(saltB64)
	if err != nil {
		return "", fmt.Errorf("failed to decode salt for %s: %w", name, err)
	}

	secret, isLegacy, err := open(s.masterKey, ciphertext, salt)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt credential %s: %w", name, err)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	if isLegacy {
		newCiphertext, newSalt, sealErr := seal(s.masterKey, secret)
		if sealErr != nil {
			return "", sealErr
		}
		if _, err := s.db.ExecContext(ctx, `
			UPDATE credentials SET ciphertext = ?, salt = ?, updated_at = ?, last_used_at = ?
			WHERE name = ?
		`, newCiphertext, base64.StdEncoding.EncodeToString(newSalt), now, now, name); err != nil {
			return "", fmt.Errorf("failed to upgrade legacy credential %s: %w", name, err)
		}
		return secret, nil
	}

	_, _ = s.db.ExecContext(ctx,
		`UPDATE credentials SET last_used_at = ? WHERE name = ?`, now, name)
	return secret, nil
}

// Resolve implements the registry's credential resolver.
func (s *Store) Resolve(ctx context.Context, ref string) (string, error) {
	return s.Get(ctx, ref)
}

// List returns credential metadata only, sorted by name.
func (s *Store) List(ctx context.Context) ([]Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT name, service, created_at, updated_at, last_used_at
		FROM credentials ORDER BY name ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var creds []Credential
	for rows.Next() {
		var c Credential
		var createdAt, updatedAt string
		var lastUsed sql.NullString
		if err := rows.Scan(&c.Name, &c.Service, &createdAt, &updatedAt, &lastUsed); err != nil {
			return nil, fmt.Errorf("failed to scan credential row: %w", err)
		}
		if c.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, err
		}
		if lastUsed.Valid {
			t, err := parseTime(lastUsed.String)
			if err != nil {
				return nil, err
			}
			c.LastUsedAt = &t
		}
		creds = append(creds, c)
	}
	return creds, rows.Err()
}

// Delete removes a credential row.
func (s *Store) Delete(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("failed to delete credential %s: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fault.Newf(fault.KindNotFound, "credential %q not found", name)
	}
	return nil
}

// RotateMasterKey re-encrypts every row under newKey. All rows are
// decrypted in memory first; any decryption failure aborts before a
// single row is written. The writes go through one transaction, so the
// store is never left half-rotated.
func (s *Store) RotateMasterKey(ctx context.Context, newKey string) error {
	if newKey == "" {
		return fault.New(fault.KindValidation, "credentials: new master key must not be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `SELECT name, ciphertext, salt FROM credentials`)
	if err != nil {
		return fmt.Errorf("failed to read credentials for rotation: %w", err)
	}
	type row struct {
		name   string
		secret string
	}
	var decrypted []row
	for rows.Next() {
		var name, ciphertext, saltB64 string
		if err := rows.Scan(&name, &ciphertext, &saltB64); err != nil {
			_ = rows.Close()
			return fmt.Errorf("failed to scan credential row: %w", err)
		}
		salt, err := base64.StdEncoding.DecodeString(saltB64)
		if err != nil {
			_ = rows.Close()
			return fmt.Errorf("failed to decode salt for %s: %w", name, err)
		}
		secret, _, err := open(s.masterKey, ciphertext, salt)
		if err != nil {
			_ = rows.Close()
			return fmt.Errorf("rotation aborted, failed to decrypt credential %s under current key: %w", name, err)
		}
		decrypted = append(decrypted, row{name: name, secret: secret})
	}
	if err := rows.Close(); err != nil {
		return fmt.Errorf("failed to read credentials for rotation: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin rotation: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, r := range decrypted {
		ciphertext, salt, err := seal(newKey, r.secret)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE credentials SET ciphertext = ?, salt = ?, updated_at = ? WHERE name = ?
		`, ciphertext, base64.StdEncoding.EncodeToString(salt), now, r.name); err != nil {
			return fmt.Errorf("failed to rewrite credential %s: %w", r.name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit rotation: %w", err)
	}
	s.masterKey = newKey
	return nil
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		if t, err = time.Parse(time.RFC3339, s); err != nil {
			return time.Time{}, fmt.Errorf("failed to parse credential timestamp %q: %w", s, err)
		}
	}
	return t, nil
}

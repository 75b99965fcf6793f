package credentials

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiln-farm/kiln/pkg/fault"
	"github.com/kiln-farm/kiln/pkg/store"
)

func openTestStore(t *testing.T, masterKey string) (*Store, *sql.DB) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "creds.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	s, err := NewStore(db, masterKey)
	require.NoError(t, err)
	return s, db
}

func TestSaveGetRoundTrip(t *testing.T) {
	s, db := openTestStore(t, "hunter2")
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "voron-0", "octoprint", "sk-printer-key-123"))

	secret, err := s.Get(ctx, "voron-0")
	require.NoError(t, err)
	assert.Equal(t, "sk-printer-key-123", secret)

	// The row on disk is v2 and does not contain the plaintext.
	var ciphertext string
	require.NoError(t, db.QueryRow(`SELECT ciphertext FROM credentials WHERE name = 'voron-0'`).Scan(&ciphertext))
	assert.True(t, strings.HasPrefix(ciphertext, "v2:"))
	assert.NotContains(t, ciphertext, "sk-printer-key-123")

	// Overwrite rotates the salt and ciphertext.
	require.NoError(t, s.Save(ctx, "voron-0", "octoprint", "sk-new-key"))
	secret, err = s.Get(ctx, "voron-0")
	require.NoError(t, err)
	assert.Equal(t, "sk-new-key", secret)
}

func TestGetMissingAndValidation(t *testing.T) {
	s, _ := openTestStore(t, "hunter2")
	ctx := context.Background()

	_, err := s.Get(ctx, "nope")
	assert.True(t, fault.Is(err, fault.KindNotFound))

	assert.True(t, fault.Is(s.Save(ctx, "", "octoprint", "x"), fault.KindValidation))
	assert.True(t, fault.Is(s.Save(ctx, "p", "octoprint", ""), fault.KindValidation))
	assert.True(t, fault.Is(s.Delete(ctx, "nope"), fault.KindNotFound))
}

func TestListExposesMetadataOnly(t *testing.T) {
	s, _ := openTestStore(t, "hunter2")
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, "bravo", "moonraker", "secret-b"))
	require.NoError(t, s.Save(ctx, "alpha", "octoprint", "secret-a"))

	creds, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, creds, 2)
	assert.Equal(t, "alpha", creds[0].Name)
	assert.Equal(t, "bravo", creds[1].Name)

	payload, err := json.Marshal(creds)
	require.NoError(t, err)
	assert.NotContains(t, string(payload), "secret-a")
	assert.NotContains(t, string(payload), "ciphertext")
}

// seedLegacyRow inserts a pre-v2 row: base64(secret XOR derived keystream).
func seedLegacyRow(t *testing.T, db *sql.DB, masterKey, name, secret string) {
	t.Helper()
	salt := make([]byte, saltSize)
	_, err := rand.Read(salt)
	require.NoError(t, err)
	ciphertext := base64.StdEncoding.EncodeToString(
		xorKeystream([]byte(secret), deriveKey(masterKey, salt)))
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = db.Exec(`
		INSERT INTO credentials (name, service, ciphertext, salt, created_at, updated_at)
		VALUES (?, 'octoprint', ?, ?, ?, ?)
	`, name, ciphertext, base64.StdEncoding.EncodeToString(salt), now, now)
	require.NoError(t, err)
}

func TestLegacyRowUpgradedOnFirstRead(t *testing.T) {
	s, db := openTestStore(t, "hunter2")
	ctx := context.Background()
	seedLegacyRow(t, db, "hunter2", "old-printer", "legacy-api-key")

	secret, err := s.Get(ctx, "old-printer")
	require.NoError(t, err)
	assert.Equal(t, "legacy-api-key", secret)

	var ciphertext string
	require.NoError(t, db.QueryRow(`SELECT ciphertext FROM credentials WHERE name = 'old-printer'`).Scan(&ciphertext))
	assert.True(t, strings.HasPrefix(ciphertext, "v2:"), "legacy row rewritten to v2 on first read")

	// Second read decrypts the upgraded row.
	secret, err = s.Get(ctx, "old-printer")
	require.NoError(t, err)
	assert.Equal(t, "legacy-api-key", secret)
}

func TestRotateMasterKey(t *testing.T) {
	s, db := openTestStore(t, "old-key")
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, "alpha", "octoprint", "secret-a"))
	seedLegacyRow(t, db, "old-key", "legacy", "secret-l")

	require.NoError(t, s.RotateMasterKey(ctx, "new-key"))

	// The same store keeps working under the new key.
	secret, err := s.Get(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, "secret-a", secret)

	// A fresh store opened with the new key reads everything, legacy
	// rows included, now as v2.
	s2, err := NewStore(db, "new-key")
	require.NoError(t, err)
	secret, err = s2.Get(ctx, "legacy")
	require.NoError(t, err)
	assert.Equal(t, "secret-l", secret)
}

func TestRotateAbortsWithoutMutatingOnBadRow(t *testing.T) {
	s, db := openTestStore(t, "old-key")
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, "alpha", "octoprint", "secret-a"))

	// A v2 row that no key can decrypt: rotation must fail closed.
	now := time.Now().UTC().Format(time.RFC3339Nano)
	garbage := "v2:" + base64.StdEncoding.EncodeToString(make([]byte, 32))
	_, err := db.Exec(`
		INSERT INTO credentials (name, service, ciphertext, salt, created_at, updated_at)
		VALUES ('corrupt', '', ?, ?, ?, ?)
	`, garbage, base64.StdEncoding.EncodeToString(make([]byte, saltSize)), now, now)
	require.NoError(t, err)

	err = s.RotateMasterKey(ctx, "new-key")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rotation aborted")

	// alpha is untouched and still readable under the old key.
	secret, err := s.Get(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, "secret-a", secret)
}

func TestResolveMasterKeyPrecedence(t *testing.T) {
	dir := t.TempDir()

	key, err := ResolveMasterKey("explicit", dir)
	require.NoError(t, err)
	assert.Equal(t, "explicit", key)

	t.Setenv(EnvMasterKey, "from-env")
	key, err = ResolveMasterKey("", dir)
	require.NoError(t, err)
	assert.Equal(t, "from-env", key)

	t.Setenv(EnvMasterKey, "")
	key, err = ResolveMasterKey("", dir)
	require.NoError(t, err)
	assert.NotEmpty(t, key, "autogenerated")

	info, err := os.Stat(filepath.Join(dir, masterKeyFile))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	// Stable across calls once persisted.
	again, err := ResolveMasterKey("", dir)
	require.NoError(t, err)
	assert.Equal(t, key, again)
}

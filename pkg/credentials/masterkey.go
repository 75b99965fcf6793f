package credentials

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// EnvMasterKey is consulted when no explicit master key is given.
const EnvMasterKey = "KILN_MASTER_KEY"

// EnvDBPath points the credential store at its own database file.
const EnvDBPath = "KILN_CREDENTIAL_DB_PATH"

const masterKeyFile = "master.key"

// ResolveMasterKey resolves the master key: explicit argument, then the
// KILN_MASTER_KEY environment variable, then a key file under stateDir.
// A missing key file is generated with fresh random material and
// persisted 0600 inside a 0700 directory, with a warning, since a lost
// autogenerated key makes every stored credential unrecoverable.
func ResolveMasterKey(explicit, stateDir string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if env := os.Getenv(EnvMasterKey); env != "" {
		return env, nil
	}

	if stateDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to locate home directory for key file: %w", err)
		}
		stateDir = filepath.Join(home, ".kiln")
	}
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return "", fmt.Errorf("failed to create key directory %s: %w", stateDir, err)
	}

	keyPath := filepath.Join(stateDir, masterKeyFile)
	if data, err := os.ReadFile(keyPath); err == nil {
		key := strings.TrimSpace(string(data))
		if key == "" {
			return "", fmt.Errorf("master key file %s is empty", keyPath)
		}
		return key, nil
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to read master key file %s: %w", keyPath, err)
	}

	var raw [32]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", fmt.Errorf("failed to generate master key: %w", err)
	}
	key := hex.EncodeToString(raw[:])
	if err := os.WriteFile(keyPath, []byte(key+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("failed to persist master key to %s: %w", keyPath, err)
	}
	slog.Warn("generated a new credential master key; losing this file makes stored credentials unrecoverable",
		"path", keyPath)
	return key, nil
}

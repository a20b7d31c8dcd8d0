package credbroker

import (
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
)

const deviceKeySize = 32

// LoadOrCreateDeviceKey reads the workspace's 32-byte device key from
// dataDir/device.key, generating and persisting one on first use. Every
// bridge secret is encrypted under a key derived from this one, so losing
// it makes every registered credential permanently unrecoverable.
func LoadOrCreateDeviceKey(dataDir string) ([]byte, error) {
	path := filepath.Join(dataDir, "device.key")
	key, err := os.ReadFile(path)
	if err == nil {
		if len(key) != deviceKeySize {
			return nil, fmt.Errorf("device key at %s has wrong length %d, want %d", path, len(key), deviceKeySize)
		}
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read device key: %w", err)
	}

	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	key = make([]byte, deviceKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate device key: %w", err)
	}
	if err := os.WriteFile(path, key, 0o600); err != nil {
		return nil, fmt.Errorf("write device key: %w", err)
	}
	return key, nil
}

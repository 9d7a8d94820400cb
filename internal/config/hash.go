package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/zeebo/blake3"
)

// SidecarSuffix is appended to a config path to name its checksum file.
const SidecarSuffix = ".b3"

// Digest returns the hex BLAKE3 hash of data.
func Digest(data []byte) string {
	hash := blake3.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// ComputeBlake3Hash computes the BLAKE3 hash of a file.
func ComputeBlake3Hash(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}
	return Digest(data), nil
}

// VerifyDigest verifies a file against an expected BLAKE3 hash.
func VerifyDigest(filePath, expectedHash string) error {
	actualHash, err := ComputeBlake3Hash(filePath)
	if err != nil {
		return fmt.Errorf("failed to compute hash: %w", err)
	}

	if actualHash != expectedHash {
		return fmt.Errorf("hash mismatch for %s: expected %s, got %s",
			filepath.Base(filePath), expectedHash, actualHash)
	}

	return nil
}

// WriteSidecar stores the current hash of filePath next to it and returns
// the hash.
func WriteSidecar(filePath string) (string, error) {
	hash, err := ComputeBlake3Hash(filePath)
	if err != nil {
		return "", err
	}
	// Restrictive permissions: the file holds the expected hash.
	if err := os.WriteFile(filePath+SidecarSuffix, []byte(hash+"\n"), 0600); err != nil {
		return "", fmt.Errorf("failed to write checksum: %w", err)
	}
	return hash, nil
}

// verifySidecar checks data against filePath's sidecar, if there is one.
func verifySidecar(filePath string, data []byte) error {
	raw, err := os.ReadFile(filePath + SidecarSuffix)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read checksum: %w", err)
	}

	expected := strings.TrimSpace(string(raw))
	if actual := Digest(data); actual != expected {
		return fmt.Errorf("config verification failed: hash mismatch for %s: expected %s, got %s\n"+
			"If you edited this file intentionally, run: conduit config hash --write",
			filepath.Base(filePath), expected, actual)
	}
	return nil
}

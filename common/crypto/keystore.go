// Package crypto parses the key material kuroko is configured with.
package crypto

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// KeySize is the length of a certified-record signing key (32 bytes).
const KeySize = 32

// ParseKey decodes a 64-character hex string into a raw 32-byte key.
//
// This function has no environment dependencies; callers read the hex
// string from wherever it is configured. Generate a key with:
//
//	openssl rand -hex 32
func ParseKey(rawHex string) ([]byte, error) {
	raw := strings.TrimSpace(rawHex)
	if raw == "" {
		return nil, fmt.Errorf("key is empty")
	}

	key, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid hex in key: %w", err)
	}

	if len(key) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes (%d hex chars), got %d bytes",
			KeySize, KeySize*2, len(key))
	}
	return key, nil
}

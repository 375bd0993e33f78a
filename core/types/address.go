package types

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// ParseAddress decodes a 20-byte account address from 0x-prefixed (or bare)
// hex.
func ParseAddress(s string) ([20]byte, error) {
	var addr [20]byte
	cleaned := strings.TrimPrefix(strings.TrimSpace(s), "0x")
	raw, err := hex.DecodeString(cleaned)
	if err != nil {
		return addr, fmt.Errorf("types: invalid address %q: %w", s, err)
	}
	if len(raw) != len(addr) {
		return addr, fmt.Errorf("types: invalid address length %d", len(raw))
	}
	copy(addr[:], raw)
	return addr, nil
}

// FormatAddress renders an address as 0x-prefixed lowercase hex.
func FormatAddress(addr [20]byte) string {
	return "0x" + hex.EncodeToString(addr[:])
}

// ParseHash decodes a 32-byte identifier from 0x-prefixed (or bare) hex.
func ParseHash(s string) ([32]byte, error) {
	var hash [32]byte
	cleaned := strings.TrimPrefix(strings.TrimSpace(s), "0x")
	raw, err := hex.DecodeString(cleaned)
	if err != nil {
		return hash, fmt.Errorf("types: invalid hash %q: %w", s, err)
	}
	if len(raw) != len(hash) {
		return hash, fmt.Errorf("types: invalid hash length %d", len(raw))
	}
	copy(hash[:], raw)
	return hash, nil
}

// FormatHash renders a 32-byte identifier as 0x-prefixed lowercase hex.
func FormatHash(hash [32]byte) string {
	return "0x" + hex.EncodeToString(hash[:])
}

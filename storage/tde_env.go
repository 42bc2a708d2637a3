package storage

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
)

// Environment variable names for the raw-DEK TDE key fallback path. The
// richer KeyRing+KMS-wrapped path lives in the crypto package and, when
// configured, is resolved by the caller and passed in via Options.TDEKey
// before Open ever calls loadTDEKeyFromEnv.
const (
	EnvTDEKeyHex    = "P1_TDE_KEY_HEX"
	EnvTDEKeyBase64 = "P1_TDE_KEY_BASE64"
)

// loadTDEKeyFromEnv is the last-resort key source: a raw 256-bit key given
// directly as an environment variable, hex or base64 encoded.
func loadTDEKeyFromEnv() (*[32]byte, error) {
	if v := os.Getenv(EnvTDEKeyHex); v != "" {
		raw, err := hex.DecodeString(v)
		if err != nil {
			return nil, fmt.Errorf("storage: %s is not valid hex: %w", EnvTDEKeyHex, err)
		}
		return bytesToKey(raw)
	}
	if v := os.Getenv(EnvTDEKeyBase64); v != "" {
		raw, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return nil, fmt.Errorf("storage: %s is not valid base64: %w", EnvTDEKeyBase64, err)
		}
		return bytesToKey(raw)
	}
	return nil, fmt.Errorf("storage: neither %s nor %s is set", EnvTDEKeyHex, EnvTDEKeyBase64)
}

func bytesToKey(raw []byte) (*[32]byte, error) {
	if len(raw) != 32 {
		return nil, fmt.Errorf("storage: TDE key must be 32 bytes, got %d", len(raw))
	}
	var key [32]byte
	copy(key[:], raw)
	return &key, nil
}

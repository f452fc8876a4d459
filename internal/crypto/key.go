package crypto

import (
	"encoding/hex"
	"fmt"
	"os"
)

// EnvEncryptionKey optionally overrides the compiled-in transfer key with a
// 64-character hex string. Both peers must agree on the value.
const EnvEncryptionKey = "PARAFLOW_ENCRYPTION_KEY"

// defaultKey is the compiled-in AES-256 key shared by client and server.
var defaultKey = [KeySize]byte{
	0x50, 0x61, 0x72, 0x61, 0x46, 0x6c, 0x6f, 0x77,
	0x2d, 0x76, 0x31, 0x2d, 0x74, 0x72, 0x61, 0x6e,
	0x73, 0x66, 0x65, 0x72, 0x2d, 0x6b, 0x65, 0x79,
	0x2d, 0x30, 0x31, 0x32, 0x33, 0x34, 0x35, 0x36,
}

// TransferKey returns the active chunk encryption key: the env override when
// set, the compiled-in default otherwise.
func TransferKey() ([]byte, error) {
	raw := os.Getenv(EnvEncryptionKey)
	if raw == "" {
		key := make([]byte, KeySize)
		copy(key, defaultKey[:])
		return key, nil
	}

	key, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("%s is not valid hex: %w", EnvEncryptionKey, err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("%s: %w: got %d bytes", EnvEncryptionKey, ErrInvalidKeySize, len(key))
	}
	return key, nil
}

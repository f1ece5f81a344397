package tier

import (
	"fmt"

	"github.com/c360/tiercache/errors"
)

// validateKey checks a cache key against the allow-list before any state
// change. Allowed characters: letters, digits, and `_.:/-`.
func validateKey(key string, maxLen int) error {
	if key == "" {
		return errors.WrapInvalid(errors.ErrEmptyKey, "tier", "validateKey", "key validation")
	}
	if len(key) > maxLen {
		return errors.WrapInvalid(errors.ErrKeyTooLong, "tier", "validateKey",
			fmt.Sprintf("key length %d exceeds %d", len(key), maxLen))
	}
	for i := 0; i < len(key); i++ {
		if !isAllowedKeyByte(key[i]) {
			return errors.WrapInvalid(errors.ErrInvalidKey, "tier", "validateKey",
				fmt.Sprintf("key contains disallowed byte %q at offset %d", key[i], i))
		}
	}
	return nil
}

func isAllowedKeyByte(b byte) bool {
	switch {
	case b >= 'a' && b <= 'z':
		return true
	case b >= 'A' && b <= 'Z':
		return true
	case b >= '0' && b <= '9':
		return true
	case b == '_' || b == '.' || b == ':' || b == '/' || b == '-':
		return true
	default:
		return false
	}
}

// validateValue rejects values over the configured byte limit.
func validateValue(value []byte, maxBytes int64) error {
	if int64(len(value)) > maxBytes {
		return errors.WrapInvalid(errors.ErrValueTooLarge, "tier", "validateValue",
			fmt.Sprintf("value size %d exceeds %d", len(value), maxBytes))
	}
	return nil
}

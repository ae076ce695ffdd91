package core

import "encoding/json"

const (
	maxMetadataKeys     = 20
	maxMetadataKeyLen   = 50
	maxMetadataValueLen = 500
	maxMetadataBytes    = 1024
)

// ValidateMetadata enforces the session metadata caps: at most 20 keys,
// key length 50, value length 500, and a 1024-byte serialized total.
func ValidateMetadata(md map[string]string) error {
	if len(md) == 0 {
		return nil
	}
	if len(md) > maxMetadataKeys {
		return Validationf("metadata", "too many keys: %d > %d", len(md), maxMetadataKeys)
	}
	for k, v := range md {
		if k == "" {
			return Validationf("metadata", "empty key")
		}
		if len(k) > maxMetadataKeyLen {
			return Validationf("metadata", "key %q exceeds %d chars", k[:maxMetadataKeyLen], maxMetadataKeyLen)
		}
		if len(v) > maxMetadataValueLen {
			return Validationf("metadata", "value for key %q exceeds %d chars", k, maxMetadataValueLen)
		}
	}
	raw, err := json.Marshal(md)
	if err != nil {
		return Validationf("metadata", "not serializable: %v", err)
	}
	if len(raw) > maxMetadataBytes {
		return Validationf("metadata", "serialized size %d exceeds %d bytes", len(raw), maxMetadataBytes)
	}
	return nil
}

// Package unitycache holds the identifiers shared by the cache protocol and
// the storage engine.
package unitycache

import (
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	// GUIDSize is the size of an asset GUID on the wire.
	GUIDSize = 16

	// HashSize is the size of an asset content hash on the wire.
	HashSize = 16
)

// GUID identifies an asset.
type GUID [GUIDSize]byte

// Hash identifies one version of an asset's imported content.
type Hash [HashSize]byte

// String returns the lowercase hex form of the GUID.
func (g GUID) String() string {
	return hex.EncodeToString(g[:])
}

// String returns the lowercase hex form of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// AssetKey names one version of one asset. Both halves are supplied by the
// client and are trusted as-is.
type AssetKey struct {
	GUID GUID
	Hash Hash
}

// String returns "<guid>-<hash>" in lowercase hex.
func (k AssetKey) String() string {
	return k.GUID.String() + "-" + k.Hash.String()
}

// Dir returns the first two hex characters of the GUID, used for sharding
// entries into bucket directories.
func (k AssetKey) Dir() string {
	return hex.EncodeToString(k.GUID[:1])
}

// Bytes returns the wire form of the key: GUID followed by hash.
func (k AssetKey) Bytes() []byte {
	b := make([]byte, 0, GUIDSize+HashSize)
	b = append(b, k.GUID[:]...)
	return append(b, k.Hash[:]...)
}

// MarshalText implements encoding.TextMarshaler.
func (k AssetKey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *AssetKey) UnmarshalText(text []byte) error {
	parsed, err := ParseAssetKey(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParseAssetKey parses the "<guid>-<hash>" form produced by String.
func ParseAssetKey(s string) (AssetKey, error) {
	guidStr, hashStr, ok := strings.Cut(s, "-")
	if !ok {
		return AssetKey{}, fmt.Errorf("invalid asset key %q: missing separator", s)
	}
	var k AssetKey
	if err := decodeFixedHex(k.GUID[:], guidStr); err != nil {
		return AssetKey{}, fmt.Errorf("invalid guid in asset key %q: %w", s, err)
	}
	if err := decodeFixedHex(k.Hash[:], hashStr); err != nil {
		return AssetKey{}, fmt.Errorf("invalid hash in asset key %q: %w", s, err)
	}
	return k, nil
}

// AssetKeyFromBytes builds a key from its 32-byte wire form.
func AssetKeyFromBytes(b []byte) (AssetKey, error) {
	if len(b) != GUIDSize+HashSize {
		return AssetKey{}, fmt.Errorf("invalid asset key length: expected %d bytes, got %d", GUIDSize+HashSize, len(b))
	}
	var k AssetKey
	copy(k.GUID[:], b[:GUIDSize])
	copy(k.Hash[:], b[GUIDSize:])
	return k, nil
}

func decodeFixedHex(dst []byte, s string) error {
	if len(s) != len(dst)*2 {
		return fmt.Errorf("expected %d hex chars, got %d", len(dst)*2, len(s))
	}
	_, err := hex.Decode(dst, []byte(strings.ToLower(s)))
	return err
}

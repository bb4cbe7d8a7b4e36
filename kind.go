package unitycache

import "fmt"

// StreamKind tags one of the payloads stored for an AssetKey.
type StreamKind uint8

const (
	KindInfo StreamKind = iota + 1
	KindResource
	KindBin
)

// Kinds lists every stream kind in storage order.
var Kinds = []StreamKind{KindInfo, KindResource, KindBin}

// String returns the stream's file extension.
func (k StreamKind) String() string {
	switch k {
	case KindInfo:
		return "info"
	case KindResource:
		return "resource"
	case KindBin:
		return "bin"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// WireByte returns the character that names the kind on the wire.
func (k StreamKind) WireByte() byte {
	switch k {
	case KindInfo:
		return 'i'
	case KindResource:
		return 'r'
	case KindBin:
		return 'a'
	default:
		return 0
	}
}

// Valid reports whether k is one of the known kinds.
func (k StreamKind) Valid() bool {
	return k >= KindInfo && k <= KindBin
}

// KindFromWire maps a wire character to its StreamKind.
func KindFromWire(b byte) (StreamKind, bool) {
	switch b {
	case 'i':
		return KindInfo, true
	case 'r':
		return KindResource, true
	case 'a':
		return KindBin, true
	default:
		return 0, false
	}
}

// ParseStreamKind parses a kind from its file extension.
func ParseStreamKind(s string) (StreamKind, error) {
	switch s {
	case "info":
		return KindInfo, nil
	case "resource":
		return KindResource, nil
	case "bin", "asset":
		return KindBin, nil
	default:
		return 0, fmt.Errorf("unknown stream kind: %q", s)
	}
}

// UnmarshalText implements encoding.TextUnmarshaler so kinds can be used as
// CLI arguments.
func (k *StreamKind) UnmarshalText(text []byte) error {
	parsed, err := ParseStreamKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

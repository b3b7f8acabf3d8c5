package bucket

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Storage key prefixes. Version 1 keys address a single serialized value,
// version 2 keys address an append-only update log.
const (
	prefixV1 = "bucket"
	prefixV2 = "bucket_v2"
)

// ErrInvalidKey reports a bucket key string that cannot be decoded.
var ErrInvalidKey = errors.New("invalid bucket key")

// Key identifies one bucket: the owning limit plus the parameter values
// selected by that limit's "use" list.
type Key struct {
	UUID    string
	Params  map[string]any
	Version int
}

// Encode serializes the key as "<prefix>:<uuid>[/<name>=<value>]*" with
// parameters sorted by name so equal keys always encode identically.
func (k Key) Encode() (string, error) {
	prefix := prefixV2
	if k.Version == 1 {
		prefix = prefixV1
	}
	var b strings.Builder
	b.WriteString(prefix)
	b.WriteByte(':')
	b.WriteString(k.UUID)

	names := make([]string, 0, len(k.Params))
	for name := range k.Params {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		encoded, err := encodeParam(k.Params[name])
		if err != nil {
			return "", fmt.Errorf("encode bucket key param %q: %w", name, err)
		}
		b.WriteByte('/')
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(encoded)
	}
	return b.String(), nil
}

// ParseKey decodes a key string produced by Encode.
func ParseKey(s string) (Key, error) {
	prefix, rest, ok := strings.Cut(s, ":")
	if !ok {
		return Key{}, fmt.Errorf("%w: missing prefix in %q", ErrInvalidKey, s)
	}
	var version int
	switch prefix {
	case prefixV1:
		version = 1
	case prefixV2:
		version = 2
	default:
		return Key{}, fmt.Errorf("%w: unknown prefix %q", ErrInvalidKey, prefix)
	}

	segments := strings.Split(rest, "/")
	key := Key{
		UUID:    segments[0],
		Params:  map[string]any{},
		Version: version,
	}
	for _, segment := range segments[1:] {
		name, encoded, ok := strings.Cut(segment, "=")
		if !ok {
			return Key{}, fmt.Errorf("%w: parameter %q has no value", ErrInvalidKey, segment)
		}
		value, err := decodeParam(encoded)
		if err != nil {
			return Key{}, fmt.Errorf("%w: parameter %q: %v", ErrInvalidKey, name, err)
		}
		key.Params[name] = value
	}
	return key, nil
}

// encodeParam JSON-encodes a scalar and escapes the characters that would
// collide with the key syntax.
func encodeParam(value any) (string, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return "", err
	}
	encoded := strings.ReplaceAll(string(raw), "%", "%25")
	encoded = strings.ReplaceAll(encoded, "/", "%2f")
	return encoded, nil
}

// decodeParam reverses encodeParam, preserving JSON scalar types.
func decodeParam(encoded string) (any, error) {
	var b strings.Builder
	for i := 0; i < len(encoded); i++ {
		c := encoded[i]
		if c != '%' {
			b.WriteByte(c)
			continue
		}
		if i+2 >= len(encoded) {
			return nil, fmt.Errorf("truncated escape at offset %d", i)
		}
		hi, ok1 := unhex(encoded[i+1])
		lo, ok2 := unhex(encoded[i+2])
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("malformed escape %q", encoded[i:i+3])
		}
		b.WriteByte(hi<<4 | lo)
		i += 2
	}
	var value any
	if err := json.Unmarshal([]byte(b.String()), &value); err != nil {
		return nil, fmt.Errorf("decode value %q: %w", b.String(), err)
	}
	return value, nil
}

// unhex decodes one hexadecimal digit.
func unhex(c byte) (byte, bool) {
	switch {
	case '0' <= c && c <= '9':
		return c - '0', true
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10, true
	case 'A' <= c && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}

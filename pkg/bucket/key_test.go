package bucket

import (
	"errors"
	"reflect"
	"testing"
)

func TestKeyEncodeSortsParams(t *testing.T) {
	key := Key{
		UUID:    "b95ecd65-0f23-4a8a-9d07-5e9db0e0e3b4",
		Params:  map[string]any{"user": "alice", "class": "gold"},
		Version: 2,
	}
	encoded, err := key.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	want := `bucket_v2:b95ecd65-0f23-4a8a-9d07-5e9db0e0e3b4/class="gold"/user="alice"`
	if encoded != want {
		t.Fatalf("expected %q, got %q", want, encoded)
	}
}

func TestKeyEncodeVersion1Prefix(t *testing.T) {
	encoded, err := Key{UUID: "abc", Version: 1}.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if encoded != "bucket:abc" {
		t.Fatalf("expected bucket:abc, got %q", encoded)
	}
}

func TestKeyRoundTrip(t *testing.T) {
	original := Key{
		UUID: "b95ecd65-0f23-4a8a-9d07-5e9db0e0e3b4",
		Params: map[string]any{
			"path":  "/v1/users/100%",
			"count": float64(3),
			"flag":  true,
		},
		Version: 2,
	}
	encoded, err := original.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	parsed, err := ParseKey(encoded)
	if err != nil {
		t.Fatalf("parse %q: %v", encoded, err)
	}
	if !reflect.DeepEqual(parsed, original) {
		t.Fatalf("expected %+v, got %+v", original, parsed)
	}
}

func TestKeyEscapesDelimiters(t *testing.T) {
	encoded, err := Key{
		UUID:    "abc",
		Params:  map[string]any{"p": "a/b%c"},
		Version: 2,
	}.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	want := `bucket_v2:abc/p="a%2fb%25c"`
	if encoded != want {
		t.Fatalf("expected %q, got %q", want, encoded)
	}
}

func TestParseKeyErrors(t *testing.T) {
	cases := []struct {
		name string
		key  string
	}{
		{"no prefix", "just-a-uuid"},
		{"unknown prefix", "pail:abc"},
		{"param without value", "bucket_v2:abc/user"},
		{"truncated escape", `bucket_v2:abc/p="x%2`},
		{"malformed escape", `bucket_v2:abc/p="x%zz"`},
		{"unparseable value", "bucket_v2:abc/p=notjson"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseKey(tc.key); !errors.Is(err, ErrInvalidKey) {
				t.Fatalf("expected ErrInvalidKey for %q, got %v", tc.key, err)
			}
		})
	}
}

func TestParseTimeUnit(t *testing.T) {
	cases := []struct {
		in   string
		want TimeUnit
		ok   bool
	}{
		{"second", UnitSecond, true},
		{"minute", UnitMinute, true},
		{"hour", UnitHour, true},
		{"day", UnitDay, true},
		{"90", TimeUnit(90), true},
		{"fortnight", 0, false},
		{"0", 0, false},
		{"-5", 0, false},
	}
	for _, tc := range cases {
		unit, err := ParseTimeUnit(tc.in)
		if tc.ok != (err == nil) {
			t.Fatalf("ParseTimeUnit(%q): unexpected error state %v", tc.in, err)
		}
		if err == nil && unit != tc.want {
			t.Fatalf("ParseTimeUnit(%q): expected %d, got %d", tc.in, tc.want, unit)
		}
	}
}

func TestTimeUnitString(t *testing.T) {
	if UnitMinute.String() != "minute" {
		t.Fatalf("expected minute, got %q", UnitMinute.String())
	}
	if TimeUnit(90).String() != "90" {
		t.Fatalf("expected 90, got %q", TimeUnit(90).String())
	}
}

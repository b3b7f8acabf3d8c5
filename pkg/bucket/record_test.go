package bucket

import (
	"strings"
	"testing"
)

func TestParseRecordRequiresExactlyOnePayload(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"empty", `{"uuid":"u1"}`},
		{"two payloads", `{"uuid":"u1","summarize":5,"update":{"params":{},"time":5}}`},
		{"not json", `bogus`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseRecord(tc.raw); err == nil {
				t.Fatalf("expected error for %q", tc.raw)
			}
		})
	}
}

func TestRecordMarshalOmitsAbsentPayloads(t *testing.T) {
	record := NewSummarizeRecord(1234.5)
	raw, err := record.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(raw, "update") || strings.Contains(raw, "bucket") {
		t.Fatalf("expected only the summarize payload, got %s", raw)
	}
	parsed, err := ParseRecord(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed.Summarize == nil || *parsed.Summarize != 1234.5 {
		t.Fatalf("expected summarize 1234.5, got %+v", parsed)
	}
	if parsed.UUID == "" {
		t.Fatal("expected a record identity")
	}
}

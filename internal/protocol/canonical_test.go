package protocol

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func decodeJSONImage(t *testing.T, doc string) map[string]Value {
	t.Helper()
	dec := json.NewDecoder(strings.NewReader(doc))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		t.Fatalf("decode image json: %v", err)
	}
	return DecodeImage(raw)
}

func TestDecodeBase64NumericPositive(t *testing.T) {
	// 0x0f4240 big-endian = 1000000
	dec, ok := decodeBase64Numeric("D0JA")
	if !ok {
		t.Fatalf("expected D0JA to decode as numeric")
	}
	if dec != "1000000" {
		t.Fatalf("decoded %q, want 1000000", dec)
	}
}

func TestDecodeBase64NumericNegative(t *testing.T) {
	// 0xff is -1 in one-byte two's complement
	dec, ok := decodeBase64Numeric("/w==")
	if !ok {
		t.Fatalf("expected /w== to decode as numeric")
	}
	if dec != "-1" {
		t.Fatalf("decoded %q, want -1", dec)
	}
}

func TestDecodeBase64NumericRejections(t *testing.T) {
	cases := []string{
		"999.99",   // not base64 charset
		"1000000",  // length not a multiple of 4
		"AAAA",     // decodes to zero
		"dGVzdA==", // printable text "test"
		"",         // empty
	}
	for _, in := range cases {
		if dec, ok := decodeBase64Numeric(in); ok {
			t.Fatalf("expected %q to stay a string, decoded to %q", in, dec)
		}
	}
}

func TestCanonicalizationIsIdempotent(t *testing.T) {
	img := decodeJSONImage(t, `{"amount":"D0JA","account":"ACC999"}`)
	first := CanonicalImage(img)
	if !bytes.Contains(first, []byte(`"1000000"`)) {
		t.Fatalf("canonical form missing decimal representation: %s", first)
	}

	// Re-decode the canonical output; the decoded decimal must survive
	// a second pass unchanged.
	var round map[string]any
	dec := json.NewDecoder(bytes.NewReader(first))
	dec.UseNumber()
	if err := dec.Decode(&round); err != nil {
		t.Fatalf("reparse canonical form: %v", err)
	}
	second := CanonicalImage(DecodeImage(round))
	if !bytes.Equal(first, second) {
		t.Fatalf("canonicalization not idempotent:\n first=%s\nsecond=%s", first, second)
	}
}

func TestCanonicalizationIgnoresColumnOrder(t *testing.T) {
	a := decodeJSONImage(t, `{"id":"7","amount":"999.99","account":"ACC999"}`)
	b := decodeJSONImage(t, `{"account":"ACC999","id":"7","amount":"999.99"}`)
	if !bytes.Equal(CanonicalImage(a), CanonicalImage(b)) {
		t.Fatalf("column order changed canonical bytes")
	}
}

func TestDecimalStringsAreKept(t *testing.T) {
	img := decodeJSONImage(t, `{"amount":"999.99"}`)
	got := string(CanonicalImage(img))
	want := `{"amount":"999.99"}`
	if got != want {
		t.Fatalf("canonical image %q, want %q", got, want)
	}
}

func TestTimestampShaping(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"2025-06-14T01:20:39.877123", "2025-06-14T01:20:39.877"},
		{"2025-06-14T01:20:39", "2025-06-14T01:20:39.000"},
		{"2025-06-14T01:20:39.5", "2025-06-14T01:20:39.500"},
		{"2025-06-14T01:20:39.877Z", "2025-06-14T01:20:39.877Z"},
		{"2025-06-14T01:20:39.1234+02:00", "2025-06-14T01:20:39.123+02:00"},
	}
	for _, tc := range cases {
		got, ok := normalizeTimestampText(tc.in)
		if !ok {
			t.Fatalf("expected %q to be recognized as a timestamp", tc.in)
		}
		if got != tc.want {
			t.Fatalf("normalize %q = %q, want %q", tc.in, got, tc.want)
		}
	}
	for _, in := range []string{"ACC999", "2025-06-14", "not a date", "2025-06-14T99:00:00"} {
		if got, ok := normalizeTimestampText(in); ok {
			t.Fatalf("expected %q to stay a string, got timestamp %q", in, got)
		}
	}
}

func TestEpochTimestampColumns(t *testing.T) {
	img := decodeJSONImage(t, `{"created_at":1749864039877,"count":42}`)
	created := img["created_at"]
	if created.Kind != KindTimestamp {
		t.Fatalf("created_at kind = %d, want timestamp", created.Kind)
	}
	if !strings.HasPrefix(created.Str, "2025-06-14T") || !strings.HasSuffix(created.Str, ".877") {
		t.Fatalf("created_at normalized to %q", created.Str)
	}
	if img["count"].Kind != KindDecimal || img["count"].Str != "42" {
		t.Fatalf("count = %+v, want decimal 42", img["count"])
	}
}

func TestCanonicalPayloadSelectsImage(t *testing.T) {
	before := decodeJSONImage(t, `{"id":"1","state":"old"}`)
	after := decodeJSONImage(t, `{"id":"1","state":"new"}`)

	ins := ChangeEvent{Operation: OpInsert, After: after}
	del := ChangeEvent{Operation: OpDelete, Before: before}
	if string(CanonicalPayload(ins)) != `{"id":"1","state":"new"}` {
		t.Fatalf("insert payload = %s", CanonicalPayload(ins))
	}
	if string(CanonicalPayload(del)) != `{"id":"1","state":"old"}` {
		t.Fatalf("delete payload = %s", CanonicalPayload(del))
	}

	snap := ChangeEvent{Operation: OpSnapshot, After: after}
	if !bytes.Equal(CanonicalPayload(snap), CanonicalPayload(ins)) {
		t.Fatalf("snapshot payload differs from insert payload")
	}
}

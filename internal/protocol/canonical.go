package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Canonicalization turns decoded column images into a deterministic
// byte string: keys sorted lexicographically, fixed separators, no
// insignificant whitespace. The output is the input to the hasher and
// must stay byte-stable across releases.

const millisecondLayout = "2006-01-02T15:04:05.000"

// DecodeImage decodes one before/after column image. Unknown columns
// are kept as-is; only the value encodings are normalized.
func DecodeImage(raw map[string]any) map[string]Value {
	if raw == nil {
		return nil
	}
	out := make(map[string]Value, len(raw))
	for k, v := range raw {
		out[k] = decodeValue(k, v)
	}
	return out
}

func decodeValue(field string, v any) Value {
	switch tv := v.(type) {
	case nil:
		return Null()
	case bool:
		return Bool(tv)
	case string:
		if dec, ok := decodeBase64Numeric(tv); ok {
			return Integer(dec)
		}
		if iso, ok := normalizeTimestampText(tv); ok {
			return Timestamp(iso)
		}
		return String(tv)
	case json.Number:
		return decodeNumber(field, tv)
	case float64:
		return decodeNumber(field, json.Number(strconv.FormatFloat(tv, 'f', -1, 64)))
	case int64:
		return decodeNumber(field, json.Number(strconv.FormatInt(tv, 10)))
	case map[string]any:
		return MapValue(DecodeImage(tv))
	case []any:
		list := make([]Value, 0, len(tv))
		for _, item := range tv {
			list = append(list, decodeValue(field, item))
		}
		return ListValue(list)
	default:
		return String(fmt.Sprintf("%v", tv))
	}
}

// decodeNumber keeps the producer's numeric literal, except for
// timestamp-suffixed columns where the logical-replication reader
// emits epoch micro/milliseconds instead of the column's ISO text.
func decodeNumber(field string, n json.Number) Value {
	if strings.HasSuffix(field, "_at") {
		if i, err := n.Int64(); err == nil && i > 1_000_000_000_000 {
			return Timestamp(epochToISO(i))
		}
	}
	return Decimal(n.String())
}

func epochToISO(v int64) string {
	var t time.Time
	if v > 1_000_000_000_000_000 { // microseconds
		t = time.UnixMicro(v)
	} else { // milliseconds
		t = time.UnixMilli(v)
	}
	return t.UTC().Format(millisecondLayout)
}

const base64Alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/="

// decodeBase64Numeric recognizes numeric columns that arrive as
// base64-encoded big-endian two's-complement bytes and returns the
// decimal text. Values that decode to printable ASCII, to zero, or to
// an implausibly large magnitude are left alone.
func decodeBase64Numeric(s string) (string, bool) {
	if len(s) < 4 || len(s)%4 != 0 {
		return "", false
	}
	for _, c := range s {
		if !strings.ContainsRune(base64Alphabet, c) {
			return "", false
		}
	}
	decoded, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return "", false
	}
	if len(decoded) < 1 || len(decoded) > 8 {
		return "", false
	}
	printable := true
	for _, b := range decoded {
		if b < 0x20 || b > 0x7e {
			printable = false
			break
		}
	}
	if printable {
		return "", false
	}
	n := new(big.Int).SetBytes(decoded)
	if decoded[0]&0x80 != 0 {
		offset := new(big.Int).Lsh(big.NewInt(1), uint(len(decoded)*8))
		n.Sub(n, offset)
	}
	if n.Sign() == 0 {
		return "", false
	}
	limit := new(big.Int).Exp(big.NewInt(10), big.NewInt(15), nil)
	if new(big.Int).Abs(n).Cmp(limit) >= 0 {
		return "", false
	}
	return n.String(), true
}

// normalizeTimestampText reshapes ISO-8601 timestamp strings to fixed
// millisecond precision: extra fractional digits are truncated, a
// missing fraction is padded with .000. A timezone suffix is kept only
// when the source carried one. Non-timestamp strings are rejected.
func normalizeTimestampText(s string) (string, bool) {
	base, zone := splitZoneSuffix(s)
	datePart, timePart, ok := strings.Cut(base, "T")
	if !ok || len(datePart) != 10 {
		return "", false
	}
	if _, err := time.Parse("2006-01-02", datePart); err != nil {
		return "", false
	}
	clock, frac, _ := strings.Cut(timePart, ".")
	if _, err := time.Parse("15:04:05", clock); err != nil {
		return "", false
	}
	for _, c := range frac {
		if c < '0' || c > '9' {
			return "", false
		}
	}
	switch {
	case len(frac) > 3:
		frac = frac[:3]
	case len(frac) < 3:
		frac = frac + strings.Repeat("0", 3-len(frac))
	}
	return datePart + "T" + clock + "." + frac + zone, true
}

func splitZoneSuffix(s string) (base, zone string) {
	if strings.HasSuffix(s, "Z") {
		return s[:len(s)-1], "Z"
	}
	for _, sign := range []string{"+", "-"} {
		if idx := strings.LastIndex(s, sign); idx > 10 {
			tail := s[idx:]
			if len(tail) == 6 && tail[3] == ':' {
				return s[:idx], tail
			}
		}
	}
	return s, ""
}

// CanonicalImage serializes one decoded column image.
func CanonicalImage(img map[string]Value) []byte {
	return appendValue(nil, MapValue(img))
}

// CanonicalPayload selects and serializes the image that commits the
// row change: the after-image for INSERT/UPDATE/SNAPSHOT, the
// before-image for DELETE. Events carrying neither fall back to the
// full operation envelope.
func CanonicalPayload(e ChangeEvent) []byte {
	switch e.Operation {
	case OpInsert, OpUpdate, OpSnapshot:
		if e.After != nil {
			return CanonicalImage(e.After)
		}
	case OpDelete:
		if e.Before != nil {
			return CanonicalImage(e.Before)
		}
	}
	fallback := map[string]Value{
		"operation": String(string(e.Operation)),
	}
	if e.Before != nil {
		fallback["before"] = MapValue(e.Before)
	} else {
		fallback["before"] = Null()
	}
	if e.After != nil {
		fallback["after"] = MapValue(e.After)
	} else {
		fallback["after"] = Null()
	}
	return appendValue(nil, MapValue(fallback))
}

// CanonicalTransaction serializes the full transaction object, binding
// the payload to its id, position context, operation, timestamp, and
// table.
func CanonicalTransaction(txID string, e ChangeEvent) []byte {
	obj := map[string]Value{
		"database_name":  String(e.Database),
		"operation_type": String(string(e.Operation)),
		"payload":        payloadValue(e),
		"table_affected": String(e.Table),
		"timestamp":      Integer(strconv.FormatInt(e.TimestampMS, 10)),
		"transaction_id": String(txID),
	}
	return appendValue(nil, MapValue(obj))
}

func payloadValue(e ChangeEvent) Value {
	switch e.Operation {
	case OpDelete:
		if e.Before != nil {
			return MapValue(e.Before)
		}
	default:
		if e.After != nil {
			return MapValue(e.After)
		}
	}
	return Null()
}

func appendValue(buf []byte, v Value) []byte {
	switch v.Kind {
	case KindNull:
		return append(buf, "null"...)
	case KindBool:
		if v.Bool {
			return append(buf, "true"...)
		}
		return append(buf, "false"...)
	case KindString, KindInteger, KindDecimal, KindTimestamp:
		return appendJSONString(buf, v.Str)
	case KindOpaque:
		return appendJSONString(buf, base64.StdEncoding.EncodeToString(v.Bytes))
	case KindMap:
		buf = append(buf, '{')
		keys := make([]string, 0, len(v.Map))
		for k := range v.Map {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, ',')
			}
			buf = appendJSONString(buf, k)
			buf = append(buf, ':')
			buf = appendValue(buf, v.Map[k])
		}
		return append(buf, '}')
	case KindList:
		buf = append(buf, '[')
		for i, item := range v.List {
			if i > 0 {
				buf = append(buf, ',')
			}
			buf = appendValue(buf, item)
		}
		return append(buf, ']')
	default:
		return append(buf, "null"...)
	}
}

func appendJSONString(buf []byte, s string) []byte {
	// encoding/json escaping is deterministic and matches what the
	// read side produces when it re-serializes the artifacts.
	b, err := json.Marshal(s)
	if err != nil {
		return append(buf, '"', '"')
	}
	return append(buf, b...)
}

package wire_test

import (
	"regexp"
	"testing"
	"time"

	"github.com/freenas/go-dispatcher/wire"
)

func TestEncodeDecode_Date(t *testing.T) {
	now := time.Date(2024, 3, 2, 15, 4, 5, 123000000, time.UTC)
	encoded, err := wire.Encode(now)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	m, ok := encoded.(map[string]any)
	if !ok || len(m) != 1 {
		t.Fatalf("Encode(date) = %#v, want a single-key $date object", encoded)
	}
	decoded, err := wire.Decode(encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	got, ok := decoded.(time.Time)
	if !ok || !got.Equal(now) {
		t.Fatalf("Decode(Encode(now)) = %#v, want %v", decoded, now)
	}
}

func TestEncodeDecode_Binary(t *testing.T) {
	in := wire.Binary([]byte{1, 2, 3, 0xff})
	encoded, err := wire.Encode(in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := wire.Decode(encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	got, ok := decoded.(wire.Binary)
	if !ok || string(got) != string(in) {
		t.Fatalf("Decode(Encode(binary)) = %#v, want %#v", decoded, in)
	}
}

func TestEncodeDecode_Regex(t *testing.T) {
	in := regexp.MustCompile(`^abc\d+$`)
	encoded, err := wire.Encode(in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := wire.Decode(encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	got, ok := decoded.(*regexp.Regexp)
	if !ok || got.String() != in.String() {
		t.Fatalf("Decode(Encode(regex)) = %#v, want pattern %q", decoded, in.String())
	}
}

func TestEncodeDecode_Password(t *testing.T) {
	in := wire.Password("s3cr3t")
	encoded, err := wire.Encode(in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := wire.Decode(encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	got, ok := decoded.(wire.Password)
	if !ok || got != in {
		t.Fatalf("Decode(Encode(password)) = %#v, want %q", decoded, in)
	}
	if in.String() != "<password>" || in.GoString() != "<password>" {
		t.Errorf("Password.String()/GoString() leaked the underlying value: %q/%q", in.String(), in.GoString())
	}
}

func TestEncodeDecode_Nested(t *testing.T) {
	now := time.Date(2024, 3, 2, 15, 4, 5, 123000000, time.UTC)
	in := map[string]any{
		"when": now,
		"blob": wire.Binary([]byte{1, 2, 3}),
		"tags": []any{"a", "b"},
	}
	encoded, err := wire.Encode(in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := wire.Decode(encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	m, ok := decoded.(map[string]any)
	if !ok {
		t.Fatalf("Decode(nested) = %#v, want map[string]any", decoded)
	}
	if got, ok := m["when"].(time.Time); !ok || !got.Equal(now) {
		t.Errorf("m[when] = %#v, want %v", m["when"], now)
	}
	if got, ok := m["blob"].(wire.Binary); !ok || string(got) != "\x01\x02\x03" {
		t.Errorf("m[blob] = %#v, want binary \\x01\\x02\\x03", m["blob"])
	}
	tags, ok := m["tags"].([]any)
	if !ok || len(tags) != 2 || tags[0] != "a" || tags[1] != "b" {
		t.Errorf("m[tags] = %#v, want [a b]", m["tags"])
	}
}

func TestEncode_UnsupportedType(t *testing.T) {
	if _, err := wire.Encode(make(chan int)); err == nil {
		t.Fatal("Encode(chan): want error for unsupported type")
	}
}

package ndjson

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type record struct {
	Kind string `json:"kind"`
	Num  int    `json:"num"`
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf, discardLogger())

	for i := 1; i <= 3; i++ {
		if err := enc.Encode(record{Kind: "tick", Num: i}); err != nil {
			t.Fatalf("Encode %d: %v", i, err)
		}
	}

	if got := strings.Count(buf.String(), "\n"); got != 3 {
		t.Errorf("expected 3 lines, got %d", got)
	}

	dec := NewDecoder(&buf, discardLogger())
	for i := 1; i <= 3; i++ {
		var r record
		if err := dec.Decode(&r); err != nil {
			t.Fatalf("Decode %d: %v", i, err)
		}
		if r.Num != i {
			t.Errorf("Num = %d, want %d", r.Num, i)
		}
	}

	var r record
	if err := dec.Decode(&r); !errors.Is(err, io.EOF) {
		t.Errorf("expected EOF after last record, got %v", err)
	}
}

func TestDecodeSkipsEmptyLines(t *testing.T) {
	input := "{\"kind\":\"a\",\"num\":1}\n\n\n{\"kind\":\"b\",\"num\":2}\n"
	dec := NewDecoder(strings.NewReader(input), discardLogger())

	var r record
	if err := dec.Decode(&r); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if err := dec.Decode(&r); err != nil {
		t.Fatalf("Decode after blanks: %v", err)
	}
	if r.Kind != "b" {
		t.Errorf("Kind = %q, want b", r.Kind)
	}
}

func TestDecodeMalformedLine(t *testing.T) {
	dec := NewDecoder(strings.NewReader("not json at all\n"), discardLogger())
	var r record
	if err := dec.Decode(&r); err == nil {
		t.Fatal("expected error for malformed line")
	}
}

func TestEncodeRejectsOversizedRecord(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf, discardLogger())

	big := record{Kind: strings.Repeat("x", MaxLineSize)}
	if err := enc.Encode(big); err == nil {
		t.Fatal("expected error for oversized record")
	}
	if buf.Len() != 0 {
		t.Error("oversized record should not be written")
	}
}

package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cespare/xxhash/v2"
)

// writeTestSnapshot produces a structurally valid snapshot file in the
// server's format: magic, metadata, body, trailing checksum over everything
// before the checksum line.
func writeTestSnapshot(t *testing.T, dir string, entries [][2]string) string {
	t.Helper()

	var body bytes.Buffer
	body.WriteString(snapshotMagic + "\n")
	body.WriteString("timestamp=2026-08-25T09:00:00Z\n")
	fmt.Fprintf(&body, "keys=%d\n", len(entries))
	for _, e := range entries {
		fmt.Fprintf(&body, "%s %s\n", e[0], e[1])
	}
	fmt.Fprintf(&body, "checksum=%016x\n", xxhash.Sum64(body.Bytes()))

	path := filepath.Join(dir, "dump.fkv")
	if err := os.WriteFile(path, body.Bytes(), 0o666); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestCheckSnapshotValid(t *testing.T) {
	path := writeTestSnapshot(t, t.TempDir(), [][2]string{{"a", "1"}, {"b", "two"}})

	var out bytes.Buffer
	if err := checkSnapshot(path, false, &out); err != nil {
		t.Fatalf("checkSnapshot: %v", err)
	}
	if !strings.Contains(out.String(), "snapshot OK: 2 keys") {
		t.Errorf("output = %q", out.String())
	}
}

func TestCheckSnapshotVerboseListsKeys(t *testing.T) {
	path := writeTestSnapshot(t, t.TempDir(), [][2]string{{"alpha", "1"}})

	var out bytes.Buffer
	if err := checkSnapshot(path, true, &out); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), `key "alpha"`) {
		t.Errorf("verbose output missing key listing: %q", out.String())
	}
}

func TestCheckSnapshotFailures(t *testing.T) {
	dir := t.TempDir()
	valid, err := os.ReadFile(writeTestSnapshot(t, dir, [][2]string{{"a", "1"}, {"b", "2"}}))
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		content string
	}{
		{"Empty file", ""},
		{"Wrong magic", strings.Replace(string(valid), snapshotMagic, "NOTFLINT", 1)},
		{"Flipped body byte", strings.Replace(string(valid), "a 1", "a 9", 1)},
		{"Truncated body", string(valid[:len(valid)/2])},
		{"Missing checksum line", strings.Split(string(valid), "checksum=")[0]},
		{"Key count overstates body", strings.Replace(string(valid), "keys=2", "keys=3", 1)},
		{"Trailing data after checksum", string(valid) + "extra\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, "bad.fkv")
			if err := os.WriteFile(path, []byte(tt.content), 0o666); err != nil {
				t.Fatal(err)
			}
			if err := checkSnapshot(path, false, &bytes.Buffer{}); err == nil {
				t.Error("corrupt snapshot passed verification")
			}
		})
	}
}

func TestCheckSnapshotMissingFile(t *testing.T) {
	err := checkSnapshot(filepath.Join(t.TempDir(), "nope.fkv"), false, &bytes.Buffer{})
	if err == nil {
		t.Fatal("missing file passed verification")
	}
}

func TestCheckJournalValid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.aof")
	content := "SET a 1\nSET b 2\nDEL a\n"
	if err := os.WriteFile(path, []byte(content), 0o666); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	if err := checkJournal(path, false, &out); err != nil {
		t.Fatalf("checkJournal: %v", err)
	}
	if !strings.Contains(out.String(), "journal OK: 3 commands (2 SET, 1 DEL)") {
		t.Errorf("output = %q", out.String())
	}
}

// TestCheckJournalPartialTail: the unterminated line a crash leaves behind
// is a note, not a failure.
func TestCheckJournalPartialTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.aof")
	content := "SET a 1\nSET b 2\nSET c 3" // crash mid-append
	if err := os.WriteFile(path, []byte(content), 0o666); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	if err := checkJournal(path, false, &out); err != nil {
		t.Fatalf("checkJournal: %v", err)
	}
	if !strings.Contains(out.String(), "journal OK: 2 commands") {
		t.Errorf("output = %q", out.String())
	}
	if !strings.Contains(out.String(), "partial trailing line") {
		t.Errorf("partial tail not reported: %q", out.String())
	}
}

func TestCheckJournalRejectsInvalidLines(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"Unknown command", "SET a 1\nFLUSH everything\n"},
		{"SET missing value", "SET a\n"},
		{"DEL missing key", "DEL\n"},
		{"Whitespace-only line", "SET a 1\n   \nSET b 2\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "journal.aof")
			if err := os.WriteFile(path, []byte(tt.content), 0o666); err != nil {
				t.Fatal(err)
			}
			if err := checkJournal(path, false, &bytes.Buffer{}); err == nil {
				t.Error("invalid journal passed verification")
			}
		})
	}
}

func TestCheckJournalMissingFile(t *testing.T) {
	if err := checkJournal(filepath.Join(t.TempDir(), "nope.aof"), false, &bytes.Buffer{}); err == nil {
		t.Fatal("missing file passed verification")
	}
}
